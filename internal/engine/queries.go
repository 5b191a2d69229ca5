package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/store"
)

type WaitEstimate struct {
	TicketID         string        `json:"ticket_id"`
	Status           models.Status `json:"status"`
	Position         int           `json:"position"`
	Ahead            int           `json:"ahead"`
	EstimatedSeconds int           `json:"estimated_seconds"`
}

type Report struct {
	Summary stats.Summary        `json:"summary"`
	Hourly  []stats.HourlyBucket `json:"hourly"`
	Staff   []stats.StaffDay     `json:"staff"`
	Weekly  []stats.WeekBucket   `json:"weekly"`
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.store.GetTicket(ctx, ticketID)
}

// ListWaiting returns the waiting pool of a branch in the order it will be
// served.
func (e *Engine) ListWaiting(ctx context.Context, branchID string) ([]models.Ticket, error) {
	if _, err := e.store.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	waiting, err := e.store.GetWaitingTickets(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return queue.Waiting(waiting, branchID), nil
}

// EstimateWait places a waiting ticket in its branch queue and multiplies
// the tickets ahead by the service's average service time. Tickets that are
// no longer waiting report position 0.
func (e *Engine) EstimateWait(ctx context.Context, ticketID string) (WaitEstimate, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return WaitEstimate{}, err
	}
	estimate := WaitEstimate{TicketID: ticket.TicketID, Status: ticket.Status}
	if ticket.Status != models.StatusWaiting {
		return estimate, nil
	}
	waiting, err := e.store.GetWaitingTickets(ctx, ticket.BranchID)
	if err != nil {
		return WaitEstimate{}, err
	}
	ordered := queue.Waiting(waiting, ticket.BranchID)
	pos, ok := queue.Position(ordered, ticket.TicketID)
	if !ok {
		// moved between the two reads
		return estimate, nil
	}
	service, err := e.store.GetService(ctx, ticket.ServiceID)
	if err != nil {
		return WaitEstimate{}, err
	}
	estimate.Position = pos + 1
	estimate.Ahead = pos
	estimate.EstimatedSeconds = pos * service.AvgServiceTime
	return estimate, nil
}

// GetStats summarises tickets issued between startDate and endDate, both
// inclusive calendar dates in the branch's timezone. A non-empty servedBy
// narrows it to one staff member.
func (e *Engine) GetStats(ctx context.Context, branchID, startDate, endDate, servedBy string) (stats.Summary, error) {
	tickets, loc, err := e.ticketsInWindow(ctx, branchID, startDate, endDate)
	if err != nil {
		return stats.Summary{}, err
	}
	if servedBy != "" {
		tickets = stats.ServedBy(tickets, servedBy)
	}
	return stats.Summarize(tickets, loc), nil
}

func (e *Engine) GetReport(ctx context.Context, branchID, startDate, endDate string) (Report, error) {
	tickets, loc, err := e.ticketsInWindow(ctx, branchID, startDate, endDate)
	if err != nil {
		return Report{}, err
	}
	summary := stats.Summarize(tickets, loc)
	return Report{
		Summary: summary,
		Hourly:  stats.HourlyTraffic(tickets, loc),
		Staff:   stats.StaffPerformance(tickets, loc),
		Weekly:  stats.WeeklySummary(summary.Daily),
	}, nil
}

// ListServedTickets returns the tickets staffID finished in a branch from
// startDate through today, most recently ended first. An empty status keeps
// every terminal status.
func (e *Engine) ListServedTickets(ctx context.Context, branchID, staffID, startDate string, status models.Status) ([]models.Ticket, error) {
	if staffID == "" {
		return nil, fmt.Errorf("%w: served_by is required", ErrValidation)
	}
	if status != "" && (!status.Valid() || !status.IsTerminal()) {
		return nil, fmt.Errorf("%w: status must be completed, skipped or cancelled", ErrValidation)
	}
	branch, err := e.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	loc := branch.Location(e.loc)
	tickets, _, err := e.ticketsInWindow(ctx, branchID, startDate, e.now().In(loc).Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	out := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range stats.ServedBy(tickets, staffID) {
		if !ticket.Status.IsTerminal() || (status != "" && ticket.Status != status) {
			continue
		}
		out = append(out, ticket)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := endedAt(out[i]), endedAt(out[j])
		if !ei.Equal(ej) {
			return ei.After(ej)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func endedAt(ticket models.Ticket) time.Time {
	if ticket.EndedAt == nil {
		return time.Time{}
	}
	return *ticket.EndedAt
}

func (e *Engine) ticketsInWindow(ctx context.Context, branchID, startDate, endDate string) ([]models.Ticket, *time.Location, error) {
	branch, err := e.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, nil, err
	}
	loc := branch.Location(e.loc)
	from, to, err := stats.Window(startDate, endDate, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	tickets, err := e.store.ListTickets(ctx, branchID, from, to)
	if err != nil {
		return nil, nil, err
	}
	return tickets, loc, nil
}

// TicketHistory returns the verified audit trail of a ticket.
func (e *Engine) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	events, err := e.store.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListEvents serves polling clients: outbox events of a branch after the
// given position.
func (e *Engine) ListEvents(ctx context.Context, branchID string, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []store.OutboxEvent
	offset := after
	for len(out) < limit {
		batch, err := e.store.ListOutboxEvents(ctx, offset, limit)
		if err != nil {
			return nil, err
		}
		for _, event := range batch {
			if event.BranchID == branchID {
				out = append(out, event)
				if len(out) == limit {
					break
				}
			}
		}
		if len(batch) < limit {
			break
		}
		last := batch[len(batch)-1]
		offset = store.OutboxOffset{LastEventTime: last.CreatedAt, LastEventID: last.EventID}
	}
	return out, nil
}

// Subscribe is the single change-notification point for displays and
// consoles. An empty serviceID receives every service of the branch.
// Callers must Close the subscription.
func (e *Engine) Subscribe(branchID, serviceID string) *notify.Subscription {
	return e.hub.Subscribe(notify.Filter{BranchID: branchID, ServiceID: serviceID}, 0)
}

func (e *Engine) ListBranches(ctx context.Context) ([]models.Branch, error) {
	return e.store.ListBranches(ctx)
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

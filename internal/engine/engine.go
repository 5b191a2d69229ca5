// Package engine is the queue engine: it issues tickets, seats them on
// counters, ends them, tracks counter staffing and reports on history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ticketNumberPad = 3

var ErrValidation = errors.New("validation failed")

type Options struct {
	Location     *time.Location
	ClaimRetries int
	Now          func() time.Time
}

type Engine struct {
	store   store.TicketStore
	hub     *notify.Hub
	loc     *time.Location
	retries int
	now     func() time.Time
	tracer  trace.Tracer
}

func New(st store.TicketStore, hub *notify.Hub, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ClaimRetries <= 0 {
		opts.ClaimRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if hub == nil {
		hub = notify.NewHub()
	}
	return &Engine{
		store:   st,
		hub:     hub,
		loc:     opts.Location,
		retries: opts.ClaimRetries,
		now:     opts.Now,
		tracer:  otel.Tracer("qms/queue-engine/engine"),
	}
}

type IssueTicketInput struct {
	ServiceID     string
	BranchID      string
	PriorityLevel int
	CustomerName  string
	CustomerPhone string
	Notes         string
}

func (e *Engine) IssueTicket(ctx context.Context, caller Caller, input IssueTicketInput) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "engine.IssueTicket", attribute.String("branch_id", input.BranchID), attribute.String("service_id", input.ServiceID))
	defer func() { end(span, err) }()

	if input.PriorityLevel < 0 {
		return models.Ticket{}, fmt.Errorf("%w: priority_level must be >= 0", ErrValidation)
	}
	if caller.Role == RoleDisplay {
		return models.Ticket{}, denied("display cannot issue tickets")
	}
	branch, err := e.store.GetBranch(ctx, input.BranchID)
	if err != nil {
		return models.Ticket{}, err
	}
	service, err := e.store.GetService(ctx, input.ServiceID)
	if err != nil {
		return models.Ticket{}, err
	}
	if service.BranchID != branch.BranchID {
		return models.Ticket{}, store.ErrServiceNotFound
	}
	if !branch.IsActive || !service.IsActive {
		return models.Ticket{}, store.ErrInactive
	}

	now := e.now()
	day := now.In(branch.Location(e.loc)).Format("2006-01-02")
	seq, err := e.store.NextTicketSequence(ctx, branch.BranchID, service.Prefix, day)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("allocate ticket number: %w", err)
	}

	return e.store.InsertTicket(ctx, models.Ticket{
		TicketNumber:  FormatTicketNumber(service.Prefix, seq),
		BranchID:      branch.BranchID,
		ServiceID:     service.ServiceID,
		Status:        models.StatusWaiting,
		PriorityLevel: input.PriorityLevel,
		CreatedAt:     now,
		Notes:         input.Notes,
		CustomerName:  input.CustomerName,
		CustomerPhone: input.CustomerPhone,
	})
}

func FormatTicketNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s-%0*d", prefix, ticketNumberPad, seq)
}

// CallNext seats the next waiting ticket of branchID on counterID. It
// returns false with no error when nobody is waiting. A counter that is
// already serving yields ErrCounterBusy; losing a race for a particular
// ticket re-runs selection a bounded number of times. The counter is re-read
// on every attempt so a ticket is only ever seated for its current staff.
func (e *Engine) CallNext(ctx context.Context, caller Caller, branchID, counterID string) (ticket models.Ticket, found bool, err error) {
	ctx, span := e.start(ctx, "engine.CallNext", attribute.String("branch_id", branchID), attribute.String("counter_id", counterID))
	defer func() { end(span, err) }()

	for attempt := 1; attempt <= e.retries; attempt++ {
		counter, err := e.callableCounter(ctx, caller, branchID, counterID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		waiting, err := e.store.GetWaitingTickets(ctx, branchID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		next, ok := queue.SelectNext(waiting, branchID)
		if !ok {
			return models.Ticket{}, false, nil
		}
		patch := queue.CallPatch(next, counterID, *counter.StaffID, e.now())
		seated, err := e.store.UpdateTicket(ctx, next.TicketID, models.StatusWaiting, patch)
		if err == nil {
			return seated, true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Ticket{}, false, err
		}
		log.Printf("call next conflict branch=%s counter=%s ticket=%s attempt=%d", branchID, counterID, next.TicketID, attempt)
	}
	return models.Ticket{}, false, store.ErrConflict
}

// callableCounter loads counterID and checks that caller may seat a ticket
// on it right now.
func (e *Engine) callableCounter(ctx context.Context, caller Caller, branchID, counterID string) (models.Counter, error) {
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if counter.BranchID != branchID {
		return models.Counter{}, fmt.Errorf("%w: counter %s is not in branch %s", ErrValidation, counterID, branchID)
	}
	if !counter.IsActive || counter.IsPaused || !counter.Staffed() {
		return models.Counter{}, store.ErrCounterUnavailable
	}
	if err := caller.authorizeCounter(counter); err != nil {
		return models.Counter{}, err
	}
	if _, busy, err := e.store.GetActiveTicket(ctx, counterID); err != nil {
		return models.Counter{}, err
	} else if busy {
		return models.Counter{}, store.ErrCounterBusy
	}
	return counter, nil
}

func (e *Engine) CompleteTicket(ctx context.Context, caller Caller, ticketID, notes string) (models.Ticket, error) {
	return e.endTicket(ctx, caller, ticketID, queue.ActionComplete, notes)
}

func (e *Engine) SkipTicket(ctx context.Context, caller Caller, ticketID, notes string) (models.Ticket, error) {
	return e.endTicket(ctx, caller, ticketID, queue.ActionSkip, notes)
}

func (e *Engine) CancelTicket(ctx context.Context, caller Caller, ticketID string) (models.Ticket, error) {
	return e.endTicket(ctx, caller, ticketID, queue.ActionCancel, "")
}

func (e *Engine) endTicket(ctx context.Context, caller Caller, ticketID string, action queue.Action, notes string) (updated models.Ticket, err error) {
	ctx, span := e.start(ctx, "engine."+string(action), attribute.String("ticket_id", ticketID))
	defer func() { end(span, err) }()

	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	to, err := queue.Target(action, ticket.Status)
	if err != nil {
		return models.Ticket{}, err
	}
	var counter *models.Counter
	if ticket.CounterID != nil {
		c, err := e.store.GetCounter(ctx, *ticket.CounterID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return models.Ticket{}, err
		}
		if err == nil {
			counter = &c
		}
	}
	if err := caller.authorizeTicket(ticket, counter, action == queue.ActionCancel); err != nil {
		return models.Ticket{}, err
	}

	patch := queue.EndPatch(ticket, to, notes, e.now())
	updated, err = e.store.UpdateTicket(ctx, ticketID, ticket.Status, patch)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return models.Ticket{}, err
	}
	// Someone else moved the ticket first. Report the real reason if it is
	// now out of reach for this action.
	current, getErr := e.store.GetTicket(ctx, ticketID)
	if getErr != nil {
		return models.Ticket{}, getErr
	}
	if _, targetErr := queue.Target(action, current.Status); targetErr != nil {
		return models.Ticket{}, targetErr
	}
	return models.Ticket{}, err
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

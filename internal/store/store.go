package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/models"
)

// TicketPatch lists the fields a conditional ticket update may set. Nil
// fields are left untouched.
type TicketPatch struct {
	Status    models.Status
	CounterID *string
	ServedBy  *string
	CalledAt  *time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Notes     *string
}

type CounterPatch struct {
	StaffID    *string
	ClearStaff bool
	LastPing   *time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	BranchID  string          `json:"branch_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutboxOffset is the (created_at, event_id) position of the last event a
// reader has consumed.
type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}

// TicketStore is the persistence collaborator of the queue engine. Every
// mutating method is a single atomic conditional write together with its
// outbox and audit records.
type TicketStore interface {
	GetBranch(ctx context.Context, branchID string) (models.Branch, error)
	ListBranches(ctx context.Context) ([]models.Branch, error)
	GetService(ctx context.Context, serviceID string) (models.Service, error)

	NextTicketSequence(ctx context.Context, branchID, prefix, day string) (int, error)
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	GetWaitingTickets(ctx context.Context, branchID string) ([]models.Ticket, error)
	// UpdateTicket applies patch only if the ticket is still in expected.
	// It returns ErrConflict when the status moved, ErrCounterBusy when the
	// patch seats the ticket on a counter that is already serving, and
	// ErrCounterUnavailable when that counter has no staff.
	UpdateTicket(ctx context.Context, ticketID string, expected models.Status, patch TicketPatch) (models.Ticket, error)
	GetActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	ListTickets(ctx context.Context, branchID string, from, to time.Time) ([]models.Ticket, error)

	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	GetCounterByStaff(ctx context.Context, staffID string) (models.Counter, bool, error)
	ListCounters(ctx context.Context, branchID string) ([]models.Counter, error)
	// UpdateCounter applies patch only if the counter's staff still equals
	// expectedStaff (nil meaning unassigned), otherwise ErrConflict.
	UpdateCounter(ctx context.Context, counterID string, expectedStaff *string, patch CounterPatch) (models.Counter, error)

	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

const (
	EventTicketCreated   = "ticket.created"
	EventCounterAssigned = "counter.assigned"
	EventCounterReleased = "counter.released"
)

// TicketEventType names the outbox event emitted when a ticket enters status.
func TicketEventType(status models.Status) string {
	return "ticket." + string(status)
}

// CounterEventType returns the outbox event for a counter patch, or "" when
// the patch only refreshes the heartbeat.
func CounterEventType(patch CounterPatch) string {
	switch {
	case patch.ClearStaff:
		return EventCounterReleased
	case patch.StaffID != nil:
		return EventCounterAssigned
	}
	return ""
}

// SameStaff compares nullable staff ids.
func SameStaff(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

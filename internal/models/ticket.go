package models

import "time"

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusServing, StatusCompleted, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	TicketNumber  string     `json:"ticket_number"`
	BranchID      string     `json:"branch_id"`
	ServiceID     string     `json:"service_id"`
	Status        Status     `json:"status"`
	PriorityLevel int        `json:"priority_level"`
	CounterID     *string    `json:"counter_id,omitempty"`
	ServedBy      *string    `json:"served_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
}

// WaitTime is the whole seconds between issuance and the call, or now while
// the ticket is still waiting. Never negative.
func (t Ticket) WaitTime(now time.Time) int64 {
	end := now
	if t.CalledAt != nil {
		end = *t.CalledAt
	}
	return wholeSeconds(end.Sub(t.CreatedAt))
}

// ServiceTime is the whole seconds between the call (or issuance) and the
// end of the ticket, or now while it is in flight. Never negative.
func (t Ticket) ServiceTime(now time.Time) int64 {
	start := t.CreatedAt
	if t.CalledAt != nil {
		start = *t.CalledAt
	}
	end := now
	if t.EndedAt != nil {
		end = *t.EndedAt
	}
	return wholeSeconds(end.Sub(start))
}

func wholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// TicketPayload is the snapshot carried by both outbox and audit events.
type TicketPayload struct {
	TicketID      string        `json:"ticket_id"`
	TicketNumber  string        `json:"ticket_number"`
	BranchID      string        `json:"branch_id"`
	ServiceID     string        `json:"service_id"`
	Status        models.Status `json:"status"`
	PriorityLevel int           `json:"priority_level"`
	CounterID     *string       `json:"counter_id,omitempty"`
	ServedBy      *string       `json:"served_by,omitempty"`
	CreatedAt     *time.Time    `json:"created_at,omitempty"`
	CalledAt      *time.Time    `json:"called_at,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

func NewTicketPayload(ticket models.Ticket) TicketPayload {
	createdAt := ticket.CreatedAt
	return TicketPayload{
		TicketID:      ticket.TicketID,
		TicketNumber:  ticket.TicketNumber,
		BranchID:      ticket.BranchID,
		ServiceID:     ticket.ServiceID,
		Status:        ticket.Status,
		PriorityLevel: ticket.PriorityLevel,
		CounterID:     ticket.CounterID,
		ServedBy:      ticket.ServedBy,
		CreatedAt:     &createdAt,
		CalledAt:      ticket.CalledAt,
		StartedAt:     ticket.StartedAt,
		EndedAt:       ticket.EndedAt,
		Notes:         ticket.Notes,
	}
}

type CounterPayload struct {
	CounterID string  `json:"counter_id"`
	BranchID  string  `json:"branch_id"`
	StaffID   *string `json:"staff_id,omitempty"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent chains a new audit event after prev (nil for the first one).
func NextTicketEvent(prev *TicketEvent, ticket models.Ticket, eventType string, createdAt time.Time) (TicketEvent, error) {
	payload, err := json.Marshal(NewTicketPayload(ticket))
	if err != nil {
		return TicketEvent{}, err
	}
	event := TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: 1,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt.UTC().Truncate(time.Microsecond),
	}
	if prev != nil {
		event.TicketSeq = prev.TicketSeq + 1
		event.PrevHash = prev.Hash
	}
	event.Hash = ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
	return event, nil
}

// VerifyTicketEvents checks sequence numbers and hash links of an ordered chain.
func VerifyTicketEvents(events []TicketEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TicketSeq, i)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prevHash = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload TicketPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketNumber != "" {
			ticket.TicketNumber = payload.TicketNumber
		}
		if payload.BranchID != "" {
			ticket.BranchID = payload.BranchID
		}
		if payload.ServiceID != "" {
			ticket.ServiceID = payload.ServiceID
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		ticket.PriorityLevel = payload.PriorityLevel
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.StartedAt != nil {
			ticket.StartedAt = payload.StartedAt
		}
		if payload.EndedAt != nil {
			ticket.EndedAt = payload.EndedAt
		}
		if payload.CounterID != nil {
			ticket.CounterID = payload.CounterID
		}
		if payload.ServedBy != nil {
			ticket.ServedBy = payload.ServedBy
		}
		if payload.Notes != "" {
			ticket.Notes = payload.Notes
		}
	}
	return ticket, nil
}

package queue

import (
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

const DefaultSkipNote = "skipped by staff"

// CallPatch seats a waiting ticket on counterID. Timestamps never precede
// the ticket's issuance even if the caller's clock is behind.
func CallPatch(ticket models.Ticket, counterID, staffID string, now time.Time) store.TicketPatch {
	calledAt := latest(now, ticket.CreatedAt)
	startedAt := calledAt
	if ticket.StartedAt != nil && !ticket.StartedAt.Before(calledAt) {
		startedAt = *ticket.StartedAt
	}
	return store.TicketPatch{
		Status:    models.StatusServing,
		CounterID: &counterID,
		ServedBy:  &staffID,
		CalledAt:  &calledAt,
		StartedAt: &startedAt,
	}
}

// EndPatch moves a ticket to a terminal status. Skips without a note get
// DefaultSkipNote.
func EndPatch(ticket models.Ticket, to models.Status, notes string, now time.Time) store.TicketPatch {
	floor := ticket.CreatedAt
	if ticket.CalledAt != nil {
		floor = latest(floor, *ticket.CalledAt)
	}
	if ticket.StartedAt != nil {
		floor = latest(floor, *ticket.StartedAt)
	}
	endedAt := latest(now, floor)
	patch := store.TicketPatch{Status: to, EndedAt: &endedAt}
	if to == models.StatusSkipped && notes == "" {
		notes = DefaultSkipNote
	}
	if notes != "" {
		patch.Notes = &notes
	}
	return patch
}

// Apply returns ticket with patch applied. Stores share it so every backend
// computes the same record.
func Apply(ticket models.Ticket, patch store.TicketPatch) models.Ticket {
	if patch.Status != "" {
		ticket.Status = patch.Status
	}
	if patch.CounterID != nil {
		v := *patch.CounterID
		ticket.CounterID = &v
	}
	if patch.ServedBy != nil {
		v := *patch.ServedBy
		ticket.ServedBy = &v
	}
	if patch.CalledAt != nil {
		v := *patch.CalledAt
		ticket.CalledAt = &v
	}
	if patch.StartedAt != nil {
		v := *patch.StartedAt
		ticket.StartedAt = &v
	}
	if patch.EndedAt != nil {
		v := *patch.EndedAt
		ticket.EndedAt = &v
	}
	if patch.Notes != nil {
		ticket.Notes = *patch.Notes
	}
	return ticket
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

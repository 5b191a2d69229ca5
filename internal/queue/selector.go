package queue

import (
	"sort"

	"qms/queue-engine/internal/models"
)

// Less reports whether a is served before b: higher priority first, then
// earlier issuance, then ticket number so the order is total.
func Less(a, b models.Ticket) bool {
	if a.PriorityLevel != b.PriorityLevel {
		return a.PriorityLevel > b.PriorityLevel
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.TicketNumber != b.TicketNumber {
		return a.TicketNumber < b.TicketNumber
	}
	return a.TicketID < b.TicketID
}

// Waiting returns the waiting tickets of branchID in selection order. The
// input slice is not modified.
func Waiting(tickets []models.Ticket, branchID string) []models.Ticket {
	pool := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket.Status != models.StatusWaiting || ticket.BranchID != branchID {
			continue
		}
		pool = append(pool, ticket)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return Less(pool[i], pool[j])
	})
	return pool
}

// SelectNext picks the ticket to serve next without mutating anything.
func SelectNext(tickets []models.Ticket, branchID string) (models.Ticket, bool) {
	var (
		best  models.Ticket
		found bool
	)
	for _, ticket := range tickets {
		if ticket.Status != models.StatusWaiting || ticket.BranchID != branchID {
			continue
		}
		if !found || Less(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

// Position is the zero-based place of ticketID in the ordered pool.
func Position(ordered []models.Ticket, ticketID string) (int, bool) {
	for i, ticket := range ordered {
		if ticket.TicketID == ticketID {
			return i, true
		}
	}
	return 0, false
}

package engine

import (
	"fmt"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type Role string

const (
	RoleKiosk   Role = "kiosk"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
	RoleDisplay Role = "display"
)

func (r Role) Valid() bool {
	switch r {
	case RoleKiosk, RoleStaff, RoleAdmin, RoleDisplay:
		return true
	}
	return false
}

// Caller is the authenticated identity behind an operation. It is passed
// explicitly into every mutating call.
type Caller struct {
	StaffID string
	Role    Role
}

func (c Caller) isAdmin() bool { return c.Role == RoleAdmin }

func (c Caller) isStaff(staffID string) bool {
	return c.Role == RoleStaff && c.StaffID != "" && c.StaffID == staffID
}

func denied(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", store.ErrAccessDenied, fmt.Sprintf(format, args...))
}

// authorizeCounter allows admins and the staff member seated at counter.
func (c Caller) authorizeCounter(counter models.Counter) error {
	if c.isAdmin() {
		return nil
	}
	if counter.StaffID != nil && c.isStaff(*counter.StaffID) {
		return nil
	}
	return denied("%s %q cannot operate counter %s", c.Role, c.StaffID, counter.CounterID)
}

// authorizeTicket decides who may end a ticket. Anyone may withdraw a
// waiting ticket; a serving ticket belongs to the staff who called it or
// whoever now holds its counter.
func (c Caller) authorizeTicket(ticket models.Ticket, counter *models.Counter, cancel bool) error {
	if c.isAdmin() {
		return nil
	}
	if cancel && ticket.Status == models.StatusWaiting && c.Role != RoleDisplay {
		return nil
	}
	if c.Role != RoleStaff {
		return denied("%s cannot end tickets", c.Role)
	}
	if ticket.ServedBy != nil && c.isStaff(*ticket.ServedBy) {
		return nil
	}
	if counter != nil && counter.StaffID != nil && c.isStaff(*counter.StaffID) {
		return nil
	}
	return denied("staff %q does not serve ticket %s", c.StaffID, ticket.TicketID)
}

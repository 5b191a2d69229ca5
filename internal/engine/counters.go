package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// AssignCounter seats staffID at counterID. Re-assigning the same staff is
// a no-op; a counter held by someone else is never taken over.
func (e *Engine) AssignCounter(ctx context.Context, caller Caller, counterID, staffID string) (counter models.Counter, err error) {
	ctx, span := e.start(ctx, "engine.AssignCounter", attribute.String("counter_id", counterID))
	defer func() { end(span, err) }()

	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return models.Counter{}, fmt.Errorf("%w: staff_id is required", ErrValidation)
	}
	if !caller.isAdmin() && !caller.isStaff(staffID) {
		return models.Counter{}, denied("%s %q cannot assign %q", caller.Role, caller.StaffID, staffID)
	}

	counter, err = e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if counter.StaffID != nil {
		if *counter.StaffID == staffID {
			return counter, nil
		}
		return models.Counter{}, store.ErrCounterAlreadyAssigned
	}

	now := e.now()
	updated, err := e.store.UpdateCounter(ctx, counterID, nil, store.CounterPatch{StaffID: &staffID, LastPing: &now})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return models.Counter{}, err
	}
	current, getErr := e.store.GetCounter(ctx, counterID)
	if getErr != nil {
		return models.Counter{}, getErr
	}
	if current.StaffID != nil && *current.StaffID != staffID {
		return models.Counter{}, store.ErrCounterAlreadyAssigned
	}
	if current.StaffID != nil {
		return current, nil
	}
	return models.Counter{}, err
}

// ReleaseCounter clears the staff of counterID. A ticket the counter is
// serving stays as it is. Releasing an unstaffed counter does nothing.
func (e *Engine) ReleaseCounter(ctx context.Context, caller Caller, counterID string) (err error) {
	ctx, span := e.start(ctx, "engine.ReleaseCounter", attribute.String("counter_id", counterID))
	defer func() { end(span, err) }()

	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return err
	}
	if counter.StaffID == nil {
		return nil
	}
	if err := caller.authorizeCounter(counter); err != nil {
		return err
	}
	if _, serving, err := e.store.GetActiveTicket(ctx, counterID); err != nil {
		return err
	} else if serving {
		log.Printf("counter released while serving counter=%s staff=%s", counterID, *counter.StaffID)
	}
	_, err = e.store.UpdateCounter(ctx, counterID, counter.StaffID, store.CounterPatch{ClearStaff: true})
	return err
}

// Heartbeat records that the staff at counterID is still present.
func (e *Engine) Heartbeat(ctx context.Context, caller Caller, counterID string) (models.Counter, error) {
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if !counter.Staffed() {
		return models.Counter{}, store.ErrCounterUnavailable
	}
	if err := caller.authorizeCounter(counter); err != nil {
		return models.Counter{}, err
	}
	now := e.now()
	return e.store.UpdateCounter(ctx, counterID, counter.StaffID, store.CounterPatch{LastPing: &now})
}

// ListCounters returns the counters of a branch. With availableOnly it keeps
// active counters nobody is seated at.
func (e *Engine) ListCounters(ctx context.Context, branchID string, availableOnly bool) ([]models.Counter, error) {
	counters, err := e.store.ListCounters(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if !availableOnly {
		return counters, nil
	}
	available := make([]models.Counter, 0, len(counters))
	for _, counter := range counters {
		if counter.IsActive && !counter.Staffed() {
			available = append(available, counter)
		}
	}
	return available, nil
}

func (e *Engine) CounterByStaff(ctx context.Context, staffID string) (models.Counter, bool, error) {
	return e.store.GetCounterByStaff(ctx, staffID)
}

func (e *Engine) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	return e.store.GetActiveTicket(ctx, counterID)
}

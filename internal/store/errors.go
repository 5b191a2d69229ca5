package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	ErrTicketNotFound  = fmt.Errorf("ticket %w", ErrNotFound)
	ErrCounterNotFound = fmt.Errorf("counter %w", ErrNotFound)
	ErrServiceNotFound = fmt.Errorf("service %w", ErrNotFound)
	ErrBranchNotFound  = fmt.Errorf("branch %w", ErrNotFound)

	ErrInvalidTransition      = errors.New("invalid ticket transition")
	ErrCounterBusy            = errors.New("counter busy")
	ErrCounterAlreadyAssigned = errors.New("counter already assigned")
	ErrCounterUnavailable     = errors.New("counter unavailable")
	ErrConflict               = errors.New("concurrent modification")
	ErrInactive               = errors.New("service or branch inactive")
	ErrAccessDenied           = errors.New("access denied")
)

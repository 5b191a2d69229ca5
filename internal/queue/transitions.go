package queue

import (
	"fmt"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type Action string

const (
	ActionCall     Action = "call"
	ActionComplete Action = "complete"
	ActionSkip     Action = "skip"
	ActionCancel   Action = "cancel"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionTable = map[Action]transition{
	ActionCall:     {from: []models.Status{models.StatusWaiting}, to: models.StatusServing},
	ActionComplete: {from: []models.Status{models.StatusServing}, to: models.StatusCompleted},
	ActionSkip:     {from: []models.Status{models.StatusServing}, to: models.StatusSkipped},
	ActionCancel:   {from: []models.Status{models.StatusWaiting, models.StatusServing}, to: models.StatusCancelled},
}

// Target returns the status action leads to from the given status, or
// ErrInvalidTransition.
func Target(action Action, from models.Status) (models.Status, error) {
	rule, ok := transitionTable[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", store.ErrInvalidTransition, action)
	}
	for _, status := range rule.from {
		if status == from {
			return rule.to, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s a %s ticket", store.ErrInvalidTransition, action, from)
}

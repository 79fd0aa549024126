package domain

import (
	"errors"
	"fmt"
)

// Caller-visible conflicts: the whole operation may be retried by the caller.
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLockUnavailable   = errors.New("lock unavailable")

	ErrOrderNotFound = errors.New("order not found")
	ErrTaskNotFound  = errors.New("timeout task not found")

	// ErrTaskExists signals that an active task for the same (order, type)
	// already exists; scheduling again is a no-op.
	ErrTaskExists = errors.New("active timeout task already exists")
)

// ValidationError rejects bad input outright; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateTransitionError rejects an incompatible task transition instead of
// coercing the state.
type StateTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

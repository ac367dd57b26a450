package domain

import (
	"errors"
	"fmt"
)

// Error kinds reported in ExecutionResult.ErrorKind.
const (
	KindUnknownAction     = "unknown_action"
	KindPermissionDenied  = "permission_denied"
	KindInvalidTransition = "invalid_transition"
	KindExecutionFault    = "execution_fault"
	KindCancelled         = "cancelled"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownAction = errors.New("unknown action")
	ErrCancelled     = errors.New("cancelled")
	ErrInvalidFilter = errors.New("invalid filter")
)

// InvalidTransitionError reports a state-machine violation on an activity
// or an approval.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

// ExecutionFaultError wraps an internal failure of an effect, including
// recovered panics.
type ExecutionFaultError struct {
	ActionID string
	Err      error
}

func (e ExecutionFaultError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.ActionID, e.Err)
}

func (e ExecutionFaultError) Unwrap() error { return e.Err }

package engine

import (
	"errors"
	"fmt"

	"sprintboard/internal/domain"
	"sprintboard/internal/engine/auth"
	"sprintboard/internal/store"
)

var (
	ErrAlreadyOwned = errors.New("task already owned")
	ErrNotOwner     = errors.New("caller is not the task owner")
	ErrInvalidState = errors.New("operation not allowed in current state")
)

// TransitionError is the failure of one coordinator operation. Task is the
// authoritative snapshot at the time of failure (zero when the task is unknown).
type TransitionError struct {
	Op   string
	Err  error
	Task domain.Task
}

func (e *TransitionError) Error() string {
	switch {
	case errors.Is(e.Err, ErrAlreadyOwned) && e.Task.Owner() != "":
		return fmt.Sprintf("%s %s: %v by %s", e.Op, e.Task.ID, e.Err, e.Task.Owner())
	case errors.Is(e.Err, ErrInvalidState):
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Task.ID, e.Err, e.Task.Status)
	case e.Task.ID == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Task.ID, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Code is the stable machine-readable reason.
func (e *TransitionError) Code() string {
	return ErrorCode(e.Err)
}

// OwnerUserID is the current owner for AlreadyOwned/NotOwner failures.
func (e *TransitionError) OwnerUserID() string {
	return e.Task.Owner()
}

// ErrorCode maps an error from this package or its collaborators to its wire code.
func ErrorCode(err error) string {
	var fe auth.ForbiddenError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return "forbidden"
	case errors.Is(err, ErrAlreadyOwned):
		return "already_owned"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, store.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// Package store defines the authoritative task record store. CompareAndSwap is
// the only write path for lifecycle state.
package store

import (
	"context"
	"errors"

	"sprintboard/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrExists          = errors.New("already exists")
)

// Mutator receives the current task and returns the proposed next state.
// Returning an error aborts the swap without writing.
type Mutator func(current domain.Task) (domain.Task, error)

type Store interface {
	Get(ctx context.Context, taskID string) (domain.Task, error)
	// CompareAndSwap applies fn only if the stored version equals expected and
	// then stores the result with version expected+1. On ErrVersionConflict
	// the returned task is the stored record when the store read it, so callers
	// can re-validate without another Get; it is the zero Task otherwise.
	CompareAndSwap(ctx context.Context, taskID string, expected int64, fn Mutator) (domain.Task, error)
	ListBySprint(ctx context.Context, sprintID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error

	GetSprint(ctx context.Context, sprintID string) (domain.Sprint, error)
	ListSprints(ctx context.Context) ([]domain.Sprint, error)
	PutSprint(ctx context.Context, s domain.Sprint) error
	SaveAggregate(ctx context.Context, sprintID string, agg domain.SprintAggregate) error
}

// Finalize copies the identity and concurrency fields the mutator may not change.
func Finalize(current, next domain.Task, expected int64) domain.Task {
	next.ID = current.ID
	next.StoryID = current.StoryID
	next.SprintID = current.SprintID
	next.CreatedAt = current.CreatedAt
	next.Version = expected + 1
	return next
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"sprintboard/internal/aggregate"
	"sprintboard/internal/config"
	"sprintboard/internal/domain"
	"sprintboard/internal/engine/auth"
	"sprintboard/internal/events"
	"sprintboard/internal/sequencer"
	"sprintboard/internal/store"
)

// Journal durably records sequenced events.
type Journal interface {
	Append(ctx context.Context, evt domain.TaskEvent) (domain.TaskEvent, error)
	SprintEventsAfter(ctx context.Context, sprintID string, after uint64, limit int) ([]domain.TaskEvent, error)
}

// Publisher fans a sequenced event out to live sessions. It must not block.
type Publisher interface {
	Publish(evt domain.TaskEvent)
}

type Engine struct {
	Store      store.Store
	Auth       auth.Service
	Sequencer  *sequencer.Sequencer
	Log        *events.Log
	Journal    Journal
	Fanout     Publisher
	Aggregates *aggregate.Aggregator
	Config     *config.Config
	Logger     *slog.Logger
	Now        func() time.Time

	locks  sprintLocks
	outbox outbox
}

// New builds an engine over st with in-memory sequencing. Callers replace
// Sequencer, Journal and Fanout to make delivery durable and live.
func New(st store.Store, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := slog.Default()
	return &Engine{
		Store:      st,
		Auth:       auth.New(cfg),
		Sequencer:  sequencer.New(nil),
		Log:        events.NewLog(events.Retention{MaxEvents: cfg.Replay.MaxEvents, MaxAge: cfg.Replay.MaxAge}),
		Aggregates: aggregate.New(st, logger),
		Config:     cfg,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ClaimTask makes actor the owner of an Available task.
func (e *Engine) ClaimTask(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	return e.transition(ctx, taskID, actor, transition{
		op: "claim",
		check: func(t domain.Task) error {
			if err := e.Auth.Require(actor.Role, auth.PermTaskClaim); err != nil {
				return err
			}
			switch t.Status {
			case domain.StatusAvailable:
				return nil
			case domain.StatusOwned, domain.StatusInProgress:
				return ErrAlreadyOwned
			default:
				return ErrInvalidState
			}
		},
		apply: func(t domain.Task, now time.Time) domain.Task {
			owner := actor.UserID
			t.Status = domain.StatusOwned
			t.OwnerUserID = &owner
			t.OwnedAt = &now
			return t
		},
	})
}

// ReleaseOwnership returns an Owned or InProgress task to Available. override
// lets a caller holding ownership.override release someone else's task.
func (e *Engine) ReleaseOwnership(ctx context.Context, taskID string, actor domain.Actor, override bool) (domain.Task, error) {
	mayOverride := override && e.Auth.Has(actor.Role, auth.PermOwnershipOverride)
	return e.transition(ctx, taskID, actor, transition{
		op: "release",
		check: func(t domain.Task) error {
			if !t.Status.HoldsOwner() {
				return ErrInvalidState
			}
			if t.Owner() != actor.UserID && !mayOverride {
				return ErrNotOwner
			}
			return nil
		},
		apply: func(t domain.Task, now time.Time) domain.Task {
			t.Status = domain.StatusAvailable
			t.OwnerUserID = nil
			t.OwnedAt = nil
			t.InProgressAt = nil
			return t
		},
	})
}

// StartWork moves an Owned task to InProgress.
func (e *Engine) StartWork(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	return e.transition(ctx, taskID, actor, transition{
		op: "start",
		check: func(t domain.Task) error {
			if err := e.Auth.Require(actor.Role, auth.PermTaskWork); err != nil {
				return err
			}
			if t.Status != domain.StatusOwned {
				return ErrInvalidState
			}
			if t.Owner() != actor.UserID {
				return ErrNotOwner
			}
			return nil
		},
		apply: func(t domain.Task, now time.Time) domain.Task {
			t.Status = domain.StatusInProgress
			t.InProgressAt = &now
			return t
		},
	})
}

// CompleteWork finishes an Owned or InProgress task and clears its owner.
func (e *Engine) CompleteWork(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	return e.transition(ctx, taskID, actor, transition{
		op: "complete",
		check: func(t domain.Task) error {
			if err := e.Auth.Require(actor.Role, auth.PermTaskWork); err != nil {
				return err
			}
			if !t.Status.HoldsOwner() {
				return ErrInvalidState
			}
			if t.Owner() != actor.UserID {
				return ErrNotOwner
			}
			return nil
		},
		apply: func(t domain.Task, now time.Time) domain.Task {
			t.Status = domain.StatusCompleted
			t.OwnerUserID = nil
			t.CompletedAt = &now
			return t
		},
	})
}

type transition struct {
	op    string
	check func(domain.Task) error
	apply func(domain.Task, time.Time) domain.Task
}

// transition runs one state change: read, validate, compare-and-swap. A
// version conflict is retried once against the record the failed swap saw;
// after that the failure is reported with that snapshot. An operation costs
// at most one Get and two swaps.
func (e *Engine) transition(ctx context.Context, taskID string, actor domain.Actor, tr transition) (domain.Task, error) {
	cur, err := e.Store.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, &TransitionError{Op: tr.op, Err: fmt.Errorf("task %s: %w", taskID, err)}
	}
	for attempt := 0; ; attempt++ {
		if err := tr.check(cur); err != nil {
			return cur, &TransitionError{Op: tr.op, Err: err, Task: cur}
		}
		next, err := e.commit(ctx, cur, actor, tr)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return cur, &TransitionError{Op: tr.op, Err: err, Task: cur}
		}
		fresh := next
		if fresh.ID == "" {
			// the store lost the race after its read and has no snapshot to offer
			if fresh, err = e.Store.Get(ctx, taskID); err != nil {
				return cur, &TransitionError{Op: tr.op, Err: err, Task: cur}
			}
		}
		cur = fresh
		if attempt == 1 {
			if err := tr.check(cur); err != nil {
				return cur, &TransitionError{Op: tr.op, Err: err, Task: cur}
			}
			return cur, &TransitionError{Op: tr.op, Err: store.ErrVersionConflict, Task: cur}
		}
		e.logger().DebugContext(ctx, "version conflict, retrying", "task_id", taskID, "op", tr.op, "version", cur.Version)
	}
}

// commit swaps the task and, while still holding the sprint's lock, numbers
// and delivers the resulting event and refreshes the sprint counters.
func (e *Engine) commit(ctx context.Context, cur domain.Task, actor domain.Actor, tr transition) (domain.Task, error) {
	unlock := e.locks.lock(cur.SprintID)
	defer unlock()

	now := e.now()
	var before domain.Task
	next, err := e.Store.CompareAndSwap(ctx, cur.ID, cur.Version, func(t domain.Task) (domain.Task, error) {
		before = t
		t = tr.apply(t, now)
		t.UpdatedAt = now
		return t, nil
	})
	if err != nil {
		return next, err
	}

	evt, err := domain.NewTaskEvent(before, next, actor.UserID, now)
	if err != nil {
		e.logger().ErrorContext(ctx, "no event for committed transition", "task_id", next.ID, "error", err)
	} else {
		evt.ID = ulid.Make().String()
		e.outbox.push(evt)
		if err := e.drainLocked(ctx, next.SprintID); err != nil {
			e.logger().WarnContext(ctx, "event delivery deferred", "sprint_id", next.SprintID,
				"task_id", next.ID, "pending", e.outbox.len(next.SprintID), "error", err)
		}
	}
	if _, err := e.Aggregates.Recompute(ctx, next.SprintID); err != nil {
		e.Aggregates.Invalidate(next.SprintID)
		e.logger().WarnContext(ctx, "aggregate recompute failed", "sprint_id", next.SprintID, "error", err)
	}
	return next, nil
}

// GetTask returns the current task record.
func (e *Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Store.Get(ctx, taskID)
}

// GetAggregate returns the sprint counters.
func (e *Engine) GetAggregate(ctx context.Context, sprintID string) (domain.SprintAggregate, error) {
	return e.Aggregates.GetAggregate(ctx, sprintID)
}

// Snapshot is a consistent read of a sprint: no mutation of the sprint
// commits between reading its tasks and its sequence.
type Snapshot struct {
	Sprint    domain.Sprint
	Tasks     []domain.Task
	Aggregate domain.SprintAggregate
	Sequence  uint64
}

func (e *Engine) Snapshot(ctx context.Context, sprintID string) (Snapshot, error) {
	unlock := e.locks.lock(sprintID)
	defer unlock()
	sprint, err := e.Store.GetSprint(ctx, sprintID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sprint %s: %w", sprintID, err)
	}
	tasks, err := e.Store.ListBySprint(ctx, sprintID)
	if err != nil {
		return Snapshot{}, err
	}
	// Sequence is the replay position sessions resume from. Events still in
	// the outbox carry larger sequences and re-apply harmlessly on top.
	if err := e.drainLocked(ctx, sprintID); err != nil {
		e.logger().WarnContext(ctx, "event delivery deferred", "sprint_id", sprintID,
			"pending", e.outbox.len(sprintID), "error", err)
	}
	seq := e.Log.Last(sprintID)
	agg := aggregate.Compute(tasks)
	sprint.SprintAggregate = agg
	return Snapshot{Sprint: sprint, Tasks: tasks, Aggregate: agg, Sequence: seq}, nil
}

// CurrentSequence is the last sequence issued for a sprint, including events
// still waiting in the outbox.
func (e *Engine) CurrentSequence(ctx context.Context, sprintID string) (uint64, error) {
	return e.Sequencer.Current(ctx, sprintID)
}

// History lists sequenced events after a position, from the journal when one
// is configured and otherwise from the replay buffer.
func (e *Engine) History(ctx context.Context, sprintID string, after uint64, limit int) ([]domain.TaskEvent, error) {
	if e.Journal != nil {
		return e.Journal.SprintEventsAfter(ctx, sprintID, after, limit)
	}
	evts, err := e.Log.Since(sprintID, after)
	if err != nil {
		return nil, err
	}
	if len(evts) > limit {
		evts = evts[:limit]
	}
	return evts, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                     string
	StoryID                string
	SprintID               string
	Title                  string
	Description            string
	AcceptanceCriteriaRefs []string
	EstimatedHours         float64
	StoryPoints            int
}

// CreateTask adds an Available task to a sprint.
func (e *Engine) CreateTask(ctx context.Context, actor domain.Actor, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.Auth.Require(actor.Role, auth.PermSprintManage); err != nil {
		return domain.Task{}, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.StoryID == "" {
		return domain.Task{}, errors.New("story_id is required")
	}
	if opts.EstimatedHours < 0 || opts.StoryPoints < 0 {
		return domain.Task{}, errors.New("estimated_hours and story_points must not be negative")
	}
	if _, err := e.Store.GetSprint(ctx, opts.SprintID); err != nil {
		return domain.Task{}, fmt.Errorf("sprint %s: %w", opts.SprintID, err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	t := domain.Task{
		ID:                     id,
		StoryID:                opts.StoryID,
		SprintID:               opts.SprintID,
		Title:                  opts.Title,
		Description:            opts.Description,
		AcceptanceCriteriaRefs: opts.AcceptanceCriteriaRefs,
		EstimatedHours:         opts.EstimatedHours,
		StoryPoints:            opts.StoryPoints,
		Status:                 domain.StatusAvailable,
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	unlock := e.locks.lock(t.SprintID)
	defer unlock()
	if err := e.Store.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Aggregates.Recompute(ctx, t.SprintID); err != nil {
		e.Aggregates.Invalidate(t.SprintID)
	}
	return t, nil
}

// PutSprint creates or updates a sprint's planning attributes.
func (e *Engine) PutSprint(ctx context.Context, actor domain.Actor, s domain.Sprint) (domain.Sprint, error) {
	if err := e.Auth.Require(actor.Role, auth.PermSprintManage); err != nil {
		return domain.Sprint{}, err
	}
	if strings.TrimSpace(s.ID) == "" {
		return domain.Sprint{}, errors.New("sprint_id is required")
	}
	if !s.EndDate.IsZero() && s.EndDate.Before(s.StartDate) {
		return domain.Sprint{}, errors.New("end_date before start_date is invalid")
	}
	if err := e.Store.PutSprint(ctx, s); err != nil {
		return domain.Sprint{}, err
	}
	agg, err := e.Aggregates.Recompute(ctx, s.ID)
	if err != nil {
		return domain.Sprint{}, err
	}
	s.SprintAggregate = agg
	return s, nil
}

type sprintLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock serializes commits within one sprint; sprints never contend.
func (l *sprintLocks) lock(sprintID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[sprintID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sprintID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

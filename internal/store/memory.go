package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"sprintboard/internal/domain"
)

// Memory is an in-process Store. Tasks live in an arena keyed by task id.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[string]domain.Task
	sprints map[string]domain.Sprint
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]domain.Task),
		sprints: make(map[string]domain.Sprint),
	}
}

func (m *Memory) Get(ctx context.Context, taskID string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, taskID string, expected int64, fn Mutator) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	if cur.Version != expected {
		return cloneTask(cur), ErrVersionConflict
	}
	next, err := fn(cloneTask(cur))
	if err != nil {
		return domain.Task{}, err
	}
	next = Finalize(cur, next, expected)
	m.tasks[taskID] = cloneTask(next)
	return next, nil
}

func (m *Memory) ListBySprint(ctx context.Context, sprintID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Task
	for _, t := range m.tasks {
		if t.SprintID == sprintID {
			res = append(res, cloneTask(t))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *Memory) InsertTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrExists)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) GetSprint(ctx context.Context, sprintID string) (domain.Sprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sprints[sprintID]
	if !ok {
		return domain.Sprint{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSprints(ctx context.Context) ([]domain.Sprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Sprint, 0, len(m.sprints))
	for _, s := range m.sprints {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *Memory) PutSprint(ctx context.Context, s domain.Sprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sprints[s.ID]; ok {
		s.SprintAggregate = prev.SprintAggregate
	}
	m.sprints[s.ID] = s
	return nil
}

func (m *Memory) SaveAggregate(ctx context.Context, sprintID string, agg domain.SprintAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sprints[sprintID]
	if !ok {
		return ErrNotFound
	}
	s.SprintAggregate = agg
	m.sprints[sprintID] = s
	return nil
}

func cloneTask(t domain.Task) domain.Task {
	t.AcceptanceCriteriaRefs = slices.Clone(t.AcceptanceCriteriaRefs)
	if t.OwnerUserID != nil {
		v := *t.OwnerUserID
		t.OwnerUserID = &v
	}
	return t
}

// Package aggregate derives sprint counters from a full scan of the sprint's tasks.
package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"sprintboard/internal/domain"
	"sprintboard/internal/store"
)

// Source is the subset of the task store the aggregator reads and writes.
type Source interface {
	ListBySprint(ctx context.Context, sprintID string) ([]domain.Task, error)
	ListSprints(ctx context.Context) ([]domain.Sprint, error)
	SaveAggregate(ctx context.Context, sprintID string, agg domain.SprintAggregate) error
}

type Aggregator struct {
	src    Source
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]domain.SprintAggregate

	scansMu sync.Mutex
	scans   map[string]*sync.Mutex
}

func New(src Source, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		src:    src,
		logger: logger,
		cache:  make(map[string]domain.SprintAggregate),
		scans:  make(map[string]*sync.Mutex),
	}
}

// scanLock serializes scan-then-write per sprint, so the last write always
// comes from the last scan.
func (a *Aggregator) scanLock(sprintID string) *sync.Mutex {
	a.scansMu.Lock()
	defer a.scansMu.Unlock()
	m, ok := a.scans[sprintID]
	if !ok {
		m = &sync.Mutex{}
		a.scans[sprintID] = m
	}
	return m
}

// Compute derives the counters for a set of tasks.
func Compute(tasks []domain.Task) domain.SprintAggregate {
	var agg domain.SprintAggregate
	agg.TotalTaskCount = len(tasks)
	for _, t := range tasks {
		if t.Status == domain.StatusCompleted {
			agg.CompletedTaskCount++
			agg.CompletedPoints += t.StoryPoints
		}
	}
	agg.ProgressPercentage = Progress(agg.CompletedTaskCount, agg.TotalTaskCount)
	return agg
}

// Progress is round(completed/total*100), 0 for an empty sprint.
func Progress(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// Recompute scans the sprint, persists the counters and refreshes the cache.
// A sprint without a stored record still gets cached counters. Recomputes of
// one sprint run one at a time: a scan that started before a commit cannot
// overwrite the counters of a scan that started after it.
func (a *Aggregator) Recompute(ctx context.Context, sprintID string) (domain.SprintAggregate, error) {
	m := a.scanLock(sprintID)
	m.Lock()
	defer m.Unlock()
	tasks, err := a.src.ListBySprint(ctx, sprintID)
	if err != nil {
		return domain.SprintAggregate{}, err
	}
	agg := Compute(tasks)
	if err := a.src.SaveAggregate(ctx, sprintID, agg); err != nil && !errors.Is(err, store.ErrNotFound) {
		return agg, err
	}
	a.mu.Lock()
	a.cache[sprintID] = agg
	a.mu.Unlock()
	return agg, nil
}

// GetAggregate returns the counters as of the last committed mutation.
func (a *Aggregator) GetAggregate(ctx context.Context, sprintID string) (domain.SprintAggregate, error) {
	a.mu.RLock()
	agg, ok := a.cache[sprintID]
	a.mu.RUnlock()
	if ok {
		return agg, nil
	}
	return a.Recompute(ctx, sprintID)
}

// Invalidate forgets the cached counters so the next read rescans.
func (a *Aggregator) Invalidate(sprintID string) {
	a.mu.Lock()
	delete(a.cache, sprintID)
	a.mu.Unlock()
}

// Reconcile recomputes every known sprint. It heals counters written by other
// processes sharing the same store.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	sprints, err := a.src.ListSprints(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range sprints {
		agg, err := a.Recompute(ctx, s.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if agg != s.SprintAggregate {
			a.logger.DebugContext(ctx, "sprint aggregate corrected", "sprint_id", s.ID,
				"completed_task_count", agg.CompletedTaskCount, "total_task_count", agg.TotalTaskCount)
		}
	}
	return errors.Join(errs...)
}

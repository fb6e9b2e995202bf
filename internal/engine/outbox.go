package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sprintboard/internal/domain"
)

// pendingEvent is a committed mutation's event that has not been fully
// delivered yet. Once a sequence is issued it stays with the event.
type pendingEvent struct {
	evt       domain.TaskEvent
	journaled bool
	buffered  bool
}

// outbox holds undelivered events per sprint in commit order. Later events of
// a sprint queue behind earlier ones so the delivered order never changes.
type outbox struct {
	mu     sync.Mutex
	queues map[string][]pendingEvent
}

func (o *outbox) push(evt domain.TaskEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queues == nil {
		o.queues = make(map[string][]pendingEvent)
	}
	o.queues[evt.SprintID] = append(o.queues[evt.SprintID], pendingEvent{evt: evt})
}

func (o *outbox) head(sprintID string) (pendingEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[sprintID]
	if len(q) == 0 {
		return pendingEvent{}, false
	}
	return q[0], true
}

func (o *outbox) update(p pendingEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q := o.queues[p.evt.SprintID]; len(q) > 0 {
		q[0] = p
	}
}

func (o *outbox) pop(sprintID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[sprintID]
	if len(q) <= 1 {
		delete(o.queues, sprintID)
		return
	}
	o.queues[sprintID] = q[1:]
}

func (o *outbox) len(sprintID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[sprintID])
}

func (o *outbox) sprints() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.queues))
	for id := range o.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// drainLocked delivers queued events for a sprint in order: sequence, journal,
// replay buffer, fan-out. It stops at the first failure and leaves the rest
// queued. Callers hold the sprint lock.
func (e *Engine) drainLocked(ctx context.Context, sprintID string) error {
	for {
		p, ok := e.outbox.head(sprintID)
		if !ok {
			return nil
		}
		if p.evt.Sequence == 0 {
			seq, err := e.Sequencer.Next(ctx, sprintID)
			if err != nil {
				return err
			}
			p.evt.Sequence = seq
			e.outbox.update(p)
		}
		if !p.journaled && e.Journal != nil {
			stored, err := e.Journal.Append(ctx, p.evt)
			if err != nil {
				return err
			}
			p.evt = stored
			p.journaled = true
			e.outbox.update(p)
		}
		if !p.buffered {
			if err := e.Log.Append(p.evt); err != nil {
				return err
			}
			p.buffered = true
			e.outbox.update(p)
		}
		if e.Fanout != nil {
			e.Fanout.Publish(p.evt)
		}
		e.outbox.pop(sprintID)
	}
}

// Pending reports how many events await delivery across all sprints.
func (e *Engine) Pending() int {
	n := 0
	for _, id := range e.outbox.sprints() {
		n += e.outbox.len(id)
	}
	return n
}

// FlushPending retries delivery of every queued event once.
func (e *Engine) FlushPending(ctx context.Context) error {
	var errs []error
	for _, id := range e.outbox.sprints() {
		unlock := e.locks.lock(id)
		err := e.drainLocked(ctx, id)
		unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunRedelivery retries queued events on the configured interval until ctx ends.
func (e *Engine) RunRedelivery(ctx context.Context) error {
	interval := 2 * time.Second
	if e.Config != nil && e.Config.Redelivery.Interval > 0 {
		interval = e.Config.Redelivery.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.Pending() == 0 {
				continue
			}
			if err := e.FlushPending(ctx); err != nil {
				e.logger().WarnContext(ctx, "redelivery incomplete", "pending", e.Pending(), "error", err)
			}
		}
	}
}

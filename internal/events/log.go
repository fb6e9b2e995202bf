// Package events holds the bounded per-sprint replay buffer and the durable
// journal of sequenced task events.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"sprintboard/internal/domain"
)

// ErrBufferExhausted means the requested position predates the retained window;
// the caller must resync from a snapshot.
var ErrBufferExhausted = errors.New("replay buffer exhausted")

// ErrOutOfOrder is returned when an append does not extend the sprint's sequence by exactly one.
var ErrOutOfOrder = errors.New("event out of order")

// Retention bounds the buffer by count and by age. Zero disables a bound.
type Retention struct {
	MaxEvents int
	MaxAge    time.Duration
}

type Log struct {
	retention Retention
	now       func() time.Time

	mu      sync.RWMutex
	sprints map[string]*sprintLog
}

type sprintLog struct {
	last   uint64
	events []domain.TaskEvent
}

func NewLog(r Retention) *Log {
	return &Log{
		retention: r,
		now:       time.Now,
		sprints:   make(map[string]*sprintLog),
	}
}

// SetClock replaces the time source used for age-based retention.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *Log) sprint(id string) *sprintLog {
	s, ok := l.sprints[id]
	if !ok {
		s = &sprintLog{}
		l.sprints[id] = s
	}
	return s
}

// Append retains evt. The first event seen for a sprint may start anywhere
// (the log may be warming after a restart); afterwards sequences must be contiguous.
func (l *Log) Append(evt domain.TaskEvent) error {
	if evt.Sequence == 0 {
		return fmt.Errorf("append %s: %w", evt.TaskID, ErrOutOfOrder)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sprint(evt.SprintID)
	if s.last != 0 && evt.Sequence != s.last+1 {
		return fmt.Errorf("sprint %s: got %d after %d: %w", evt.SprintID, evt.Sequence, s.last, ErrOutOfOrder)
	}
	s.events = append(s.events, evt)
	s.last = evt.Sequence
	l.pruneLocked(s)
	return nil
}

// Restore seeds a sprint from durable history, replacing anything retained.
// events must be ascending and contiguous; last is the sprint's current sequence.
func (l *Log) Restore(sprintID string, last uint64, history []domain.TaskEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sprint(sprintID)
	s.last = last
	s.events = append([]domain.TaskEvent(nil), history...)
	l.pruneLocked(s)
}

// Since returns events with sequence > seq in order.
func (l *Log) Since(sprintID string, seq uint64) ([]domain.TaskEvent, error) {
	evts, _, err := l.SinceLast(sprintID, seq)
	return evts, err
}

// SinceLast is Since plus the sprint's last sequence, read under the same
// lock so the position never trails the returned suffix.
func (l *Log) SinceLast(sprintID string, seq uint64) ([]domain.TaskEvent, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sprints[sprintID]
	if !ok {
		if seq == 0 {
			return nil, 0, nil
		}
		return nil, 0, ErrBufferExhausted
	}
	l.pruneLocked(s)
	if seq > s.last {
		// client claims a position we never issued
		return nil, s.last, ErrBufferExhausted
	}
	if seq == s.last {
		return nil, s.last, nil
	}
	if len(s.events) == 0 || s.events[0].Sequence > seq+1 {
		return nil, s.last, ErrBufferExhausted
	}
	start := int(seq + 1 - s.events[0].Sequence)
	out := make([]domain.TaskEvent, len(s.events)-start)
	copy(out, s.events[start:])
	return out, s.last, nil
}

// Last returns the sprint's latest retained-or-issued sequence.
func (l *Log) Last(sprintID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.sprints[sprintID]; ok {
		return s.last
	}
	return 0
}

// Prune drops expired events in every sprint and returns how many were removed.
func (l *Log) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sprints {
		n += l.pruneLocked(s)
	}
	return n
}

func (l *Log) pruneLocked(s *sprintLog) int {
	drop := 0
	if limit := l.retention.MaxEvents; limit > 0 && len(s.events) > limit {
		drop = len(s.events) - limit
	}
	if age := l.retention.MaxAge; age > 0 {
		cutoff := l.now().Add(-age)
		for drop < len(s.events) && s.events[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return 0
	}
	s.events = append(s.events[:0:0], s.events[drop:]...)
	return drop
}

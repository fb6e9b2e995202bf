// Package sequencer issues per-sprint, gapless sequence numbers starting at 1.
package sequencer

import (
	"context"
	"fmt"
	"sync"
)

// SeedFunc returns the last sequence already issued for a sprint, typically
// read from the durable journal after a restart.
type SeedFunc func(ctx context.Context, sprintID string) (uint64, error)

type Sequencer struct {
	seed SeedFunc

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	mu     sync.Mutex
	seeded bool
	last   uint64
}

func New(seed SeedFunc) *Sequencer {
	return &Sequencer{seed: seed, counters: make(map[string]*counter)}
}

func (s *Sequencer) counter(sprintID string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[sprintID]
	if !ok {
		c = &counter{}
		s.counters[sprintID] = c
	}
	return c
}

// Next issues the next sequence for sprintID. Sprints never contend with each other.
func (s *Sequencer) Next(ctx context.Context, sprintID string) (uint64, error) {
	c := s.counter(sprintID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.ensureSeeded(ctx, sprintID, c); err != nil {
		return 0, err
	}
	c.last++
	return c.last, nil
}

// Current returns the last issued sequence without issuing a new one.
func (s *Sequencer) Current(ctx context.Context, sprintID string) (uint64, error) {
	c := s.counter(sprintID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.ensureSeeded(ctx, sprintID, c); err != nil {
		return 0, err
	}
	return c.last, nil
}

func (s *Sequencer) ensureSeeded(ctx context.Context, sprintID string, c *counter) error {
	if c.seeded {
		return nil
	}
	if s.seed != nil {
		last, err := s.seed(ctx, sprintID)
		if err != nil {
			return fmt.Errorf("seed sequence for sprint %s: %w", sprintID, err)
		}
		c.last = last
	}
	c.seeded = true
	return nil
}

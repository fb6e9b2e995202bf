package sequencer_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"sprintboard/internal/sequencer"
)

func TestNextStartsAtOne(t *testing.T) {
	ctx := context.Background()
	s := sequencer.New(nil)
	cur, err := s.Current(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, cur)

	for want := uint64(1); want <= 3; want++ {
		got, err := s.Next(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	got, err := s.Next(ctx, "s2")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got, "sprints are numbered independently")
}

func TestSeedContinuesFromJournal(t *testing.T) {
	ctx := context.Background()
	calls := 0
	s := sequencer.New(func(_ context.Context, sprintID string) (uint64, error) {
		calls++
		if sprintID == "s1" {
			return 41, nil
		}
		return 0, nil
	})
	got, err := s.Next(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
	_, err = s.Next(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestSeedFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	fail := true
	s := sequencer.New(func(context.Context, string) (uint64, error) {
		if fail {
			return 0, errors.New("db down")
		}
		return 7, nil
	})
	_, err := s.Next(ctx, "s1")
	require.ErrorContains(t, err, "seed sequence for sprint s1")

	fail = false
	got, err := s.Next(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(8), got)
}

func TestConcurrentNextIsGapless(t *testing.T) {
	ctx := context.Background()
	s := sequencer.New(nil)
	var (
		mu  sync.Mutex
		got []uint64
		wg  conc.WaitGroup
	)
	for i := 0; i < 64; i++ {
		wg.Go(func() {
			n, err := s.Next(ctx, "s1")
			if err != nil {
				panic(err)
			}
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}
	wg.Wait()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		require.Equal(t, uint64(i+1), n)
	}
}

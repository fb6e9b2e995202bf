package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sprintboard/internal/domain"
	"sprintboard/internal/store"
	"sprintboard/internal/store/pgstore"
)

// Runs only against a live database, e.g.
// SPRINTBOARD_TEST_PG_DSN=postgres://localhost/sprintboard_test
func openTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SPRINTBOARD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("SPRINTBOARD_TEST_PG_DSN not set")
	}
	s, err := pgstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	suffix := fmt.Sprint(time.Now().UnixNano())
	sprintID := "pg-sprint-" + suffix
	require.NoError(t, s.PutSprint(ctx, domain.Sprint{ID: sprintID, Name: "pg"}))

	now := time.Now().UTC().Truncate(time.Microsecond)
	task := domain.Task{
		ID: "pg-task-" + suffix, StoryID: "story", SprintID: sprintID, Title: "t",
		Status: domain.StatusAvailable, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertTask(ctx, task))
	require.ErrorIs(t, s.InsertTask(ctx, task), store.ErrExists)

	owner := "alice"
	next, err := s.CompareAndSwap(ctx, task.ID, 1, func(cur domain.Task) (domain.Task, error) {
		cur.Status = domain.StatusOwned
		cur.OwnerUserID = &owner
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Version)

	_, err = s.CompareAndSwap(ctx, task.ID, 1, func(cur domain.Task) (domain.Task, error) { return cur, nil })
	require.ErrorIs(t, err, store.ErrVersionConflict)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Owner())
	require.Equal(t, domain.StatusOwned, got.Status)

	require.NoError(t, s.SaveAggregate(ctx, sprintID, domain.SprintAggregate{TotalTaskCount: 1}))
	sp, err := s.GetSprint(ctx, sprintID)
	require.NoError(t, err)
	require.Equal(t, 1, sp.TotalTaskCount)

	_, err = s.Get(ctx, "missing-"+suffix)
	require.ErrorIs(t, err, store.ErrNotFound)
}

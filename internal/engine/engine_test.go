package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sprintboard/internal/config"
	"sprintboard/internal/db"
	"sprintboard/internal/domain"
	"sprintboard/internal/engine"
	"sprintboard/internal/events"
	"sprintboard/internal/migrate"
	"sprintboard/internal/repo"
	"sprintboard/internal/sequencer"
	"sprintboard/internal/store"
)

var (
	admin   = domain.Actor{UserID: "root", Role: domain.RoleAdmin}
	alice   = domain.Actor{UserID: "alice", Role: domain.RoleContributor}
	bob     = domain.Actor{UserID: "bob", Role: domain.RoleContributor}
	mara    = domain.Actor{UserID: "mara", Role: domain.RoleMaintainer}
	watcher = domain.Actor{UserID: "vic", Role: domain.RoleViewer}
)

type recorder struct {
	mu     sync.Mutex
	events []domain.TaskEvent
}

func (r *recorder) Publish(evt domain.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []domain.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskEvent(nil), r.events...)
}

type testEnv struct {
	Engine  *engine.Engine
	Journal events.Journal
	Fanout  *recorder
	Ctx     context.Context
	dir     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	return openTestEnv(t, dir)
}

func openTestEnv(t *testing.T, dir string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	journal := events.Journal{DB: conn}
	eng := engine.New(repo.Repo{DB: conn}, config.Default())
	eng.Sequencer = sequencer.New(journal.LastSequence)
	eng.Journal = journal
	rec := &recorder{}
	eng.Fanout = rec
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Journal: journal, Fanout: rec, Ctx: ctx, dir: dir}
}

func seedSprint(t *testing.T, eng *engine.Engine, sprintID string, tasks int) []domain.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := eng.PutSprint(ctx, admin, domain.Sprint{ID: sprintID, TeamID: "team-1", Name: "Sprint " + sprintID}); err != nil {
		t.Fatalf("put sprint: %v", err)
	}
	out := make([]domain.Task, 0, tasks)
	for i := 0; i < tasks; i++ {
		task, err := eng.CreateTask(ctx, admin, engine.TaskCreateOptions{
			ID:          fmt.Sprintf("%s-t%d", sprintID, i+1),
			StoryID:     "story-1",
			SprintID:    sprintID,
			Title:       fmt.Sprintf("task %d", i+1),
			StoryPoints: 3,
		})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		out = append(out, task)
	}
	return out
}

func TestClaimStartComplete(t *testing.T) {
	env := newTestEnv(t)
	task := seedSprint(t, env.Engine, "s1", 1)[0]

	claimed, err := env.Engine.ClaimTask(env.Ctx, task.ID, alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusOwned || claimed.Owner() != "alice" || claimed.Version != 2 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if claimed.OwnedAt == nil {
		t.Fatalf("owned_at not set")
	}
	started, err := env.Engine.StartWork(env.Ctx, task.ID, alice)
	if err != nil || started.Status != domain.StatusInProgress {
		t.Fatalf("start: %v", err)
	}
	done, err := env.Engine.CompleteWork(env.Ctx, task.ID, alice)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.OwnerUserID != nil || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	got := env.Fanout.all()
	if len(got) != 3 {
		t.Fatalf("expected 3 published events, got %d", len(got))
	}
	wantTypes := []domain.EventType{domain.EventOwnershipTaken, domain.EventStatusChanged, domain.EventStatusChanged}
	for i, evt := range got {
		if evt.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, evt.Sequence)
		}
		if evt.Type != wantTypes[i] {
			t.Fatalf("event %d type %s, want %s", i, evt.Type, wantTypes[i])
		}
	}
	if got[0].OwnerUserID != "alice" {
		t.Fatalf("taken event owner = %q", got[0].OwnerUserID)
	}
	if got[2].OldStatus != domain.StatusInProgress || got[2].NewStatus != domain.StatusCompleted {
		t.Fatalf("unexpected completion event %+v", got[2])
	}
	stored, err := env.Journal.SprintEventsAfter(env.Ctx, "s1", 0, 10)
	if err != nil || len(stored) != 3 {
		t.Fatalf("journal: %d events, err %v", len(stored), err)
	}
	replay, err := env.Engine.Log.Since("s1", 1)
	if err != nil || len(replay) != 2 {
		t.Fatalf("replay since 1: %d events, err %v", len(replay), err)
	}
}

func TestConcurrentClaimsSingleOwner(t *testing.T) {
	eng := engine.New(store.NewMemory(), config.Default())
	rec := &recorder{}
	eng.Fanout = rec
	task := seedSprint(t, eng, "s1", 1)[0]

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := domain.Actor{UserID: fmt.Sprintf("user-%d", i), Role: domain.RoleContributor}
			_, results[i] = eng.ClaimTask(context.Background(), task.ID, actor)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyOwned):
			var te *engine.TransitionError
			if !errors.As(err, &te) || te.OwnerUserID() == "" {
				t.Fatalf("already owned without owner snapshot: %v", err)
			}
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("expected one OwnershipTaken, got %d events", n)
	}
}

func TestTransitionsOutsideLifecycleRejected(t *testing.T) {
	eng := engine.New(store.NewMemory(), config.Default())
	tasks := seedSprint(t, eng, "s1", 2)
	ctx := context.Background()

	if _, err := eng.StartWork(ctx, tasks[0].ID, alice); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("start on available: %v", err)
	}
	if _, err := eng.CompleteWork(ctx, tasks[0].ID, alice); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("complete on available: %v", err)
	}
	if _, err := eng.ReleaseOwnership(ctx, tasks[0].ID, alice, false); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("release on available: %v", err)
	}

	if _, err := eng.ClaimTask(ctx, tasks[1].ID, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CompleteWork(ctx, tasks[1].ID, alice); err != nil {
		t.Fatalf("complete from owned: %v", err)
	}
	for name, op := range map[string]func() error{
		"claim":    func() error { _, err := eng.ClaimTask(ctx, tasks[1].ID, bob); return err },
		"start":    func() error { _, err := eng.StartWork(ctx, tasks[1].ID, alice); return err },
		"complete": func() error { _, err := eng.CompleteWork(ctx, tasks[1].ID, alice); return err },
		"release":  func() error { _, err := eng.ReleaseOwnership(ctx, tasks[1].ID, alice, false); return err },
	} {
		err := op()
		if !errors.Is(err, engine.ErrInvalidState) {
			t.Fatalf("%s on completed: %v", name, err)
		}
		var te *engine.TransitionError
		if !errors.As(err, &te) || te.Task.Status != domain.StatusCompleted {
			t.Fatalf("%s: missing snapshot", name)
		}
	}
	if _, err := eng.GetTask(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := eng.ClaimTask(ctx, "missing", alice); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("claim missing: %v", err)
	}
}

func TestReleaseByNonOwner(t *testing.T) {
	eng := engine.New(store.NewMemory(), config.Default())
	rec := &recorder{}
	eng.Fanout = rec
	task := seedSprint(t, eng, "s1", 1)[0]
	ctx := context.Background()

	if _, err := eng.ClaimTask(ctx, task.ID, alice); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, err := eng.ReleaseOwnership(ctx, task.ID, bob, false)
		if !errors.Is(err, engine.ErrNotOwner) {
			t.Fatalf("attempt %d: expected not owner, got %v", i, err)
		}
	}
	// override without the capability is ignored
	if _, err := eng.ReleaseOwnership(ctx, task.ID, bob, true); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("contributor override: %v", err)
	}
	if _, err := eng.StartWork(ctx, task.ID, bob); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("start by non owner: %v", err)
	}
	current, _ := eng.GetTask(ctx, task.ID)
	if current.Version != 2 || current.Owner() != "alice" {
		t.Fatalf("task mutated by rejected calls: %+v", current)
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("rejected calls emitted events: %d", n)
	}

	released, err := eng.ReleaseOwnership(ctx, task.ID, mara, true)
	if err != nil {
		t.Fatalf("maintainer override: %v", err)
	}
	if released.Status != domain.StatusAvailable || released.OwnerUserID != nil || released.OwnedAt != nil {
		t.Fatalf("unexpected released task: %+v", released)
	}
	evts := rec.all()
	last := evts[len(evts)-1]
	if last.Type != domain.EventOwnershipReleased || last.OwnerUserID != "alice" || last.ActorUserID != "mara" {
		t.Fatalf("unexpected release event: %+v", last)
	}
}

func TestPermissions(t *testing.T) {
	eng := engine.New(store.NewMemory(), config.Default())
	task := seedSprint(t, eng, "s1", 1)[0]
	ctx := context.Background()

	_, err := eng.ClaimTask(ctx, task.ID, watcher)
	if engine.ErrorCode(err) != "forbidden" {
		t.Fatalf("viewer claim: %v", err)
	}
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Task.ID != task.ID {
		t.Fatalf("forbidden without snapshot: %v", err)
	}
	if _, err := eng.CreateTask(ctx, alice, engine.TaskCreateOptions{SprintID: "s1", StoryID: "x", Title: "nope"}); engine.ErrorCode(err) != "forbidden" {
		t.Fatalf("contributor create: %v", err)
	}
	if _, err := eng.PutSprint(ctx, mara, domain.Sprint{ID: "s2"}); engine.ErrorCode(err) != "forbidden" {
		t.Fatalf("maintainer put sprint: %v", err)
	}
}

func TestAggregateFollowsCompletion(t *testing.T) {
	env := newTestEnv(t)
	tasks := seedSprint(t, env.Engine, "s1", 5)

	complete := func(id string) {
		t.Helper()
		if _, err := env.Engine.ClaimTask(env.Ctx, id, alice); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.CompleteWork(env.Ctx, id, alice); err != nil {
			t.Fatal(err)
		}
	}
	complete(tasks[0].ID)
	agg, err := env.Engine.GetAggregate(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.ProgressPercentage != 20 || agg.CompletedTaskCount != 1 || agg.TotalTaskCount != 5 {
		t.Fatalf("after first completion: %+v", agg)
	}
	complete(tasks[1].ID)
	agg, _ = env.Engine.GetAggregate(env.Ctx, "s1")
	if agg.ProgressPercentage != 40 || agg.CompletedPoints != 6 {
		t.Fatalf("after second completion: %+v", agg)
	}
	snap, err := env.Engine.Snapshot(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Sequence != 4 || len(snap.Tasks) != 5 || snap.Sprint.ProgressPercentage != 40 {
		t.Fatalf("unexpected snapshot: seq %d tasks %d agg %+v", snap.Sequence, len(snap.Tasks), snap.Aggregate)
	}
}

// interferingStore lets another writer commit right before the engine's first swap.
type interferingStore struct {
	store.Store
	once      sync.Once
	interfere store.Mutator
}

func (s *interferingStore) CompareAndSwap(ctx context.Context, id string, expected int64, fn store.Mutator) (domain.Task, error) {
	s.once.Do(func() {
		if _, err := s.Store.CompareAndSwap(ctx, id, expected, s.interfere); err != nil {
			panic(err)
		}
	})
	return s.Store.CompareAndSwap(ctx, id, expected, fn)
}

func TestVersionConflictRetriedOnce(t *testing.T) {
	mem := store.NewMemory()
	st := &interferingStore{Store: mem, interfere: func(t domain.Task) (domain.Task, error) {
		t.Title = "renamed"
		return t, nil
	}}
	eng := engine.New(st, config.Default())
	task := seedSprint(t, eng, "s1", 1)[0]

	claimed, err := eng.ClaimTask(context.Background(), task.ID, alice)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if claimed.Version != 3 || claimed.Title != "renamed" || claimed.Owner() != "alice" {
		t.Fatalf("unexpected task after retry: %+v", claimed)
	}
}

func TestVersionConflictSurfacesDomainError(t *testing.T) {
	mem := store.NewMemory()
	st := &interferingStore{Store: mem, interfere: func(t domain.Task) (domain.Task, error) {
		owner := "bob"
		t.Status = domain.StatusOwned
		t.OwnerUserID = &owner
		return t, nil
	}}
	eng := engine.New(st, config.Default())
	task := seedSprint(t, eng, "s1", 1)[0]

	_, err := eng.ClaimTask(context.Background(), task.ID, alice)
	if !errors.Is(err, engine.ErrAlreadyOwned) {
		t.Fatalf("expected already owned, got %v", err)
	}
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.OwnerUserID() != "bob" {
		t.Fatalf("expected bob in snapshot: %v", err)
	}
	if errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("version conflict leaked to caller")
	}
}

type flakyJournal struct {
	engine.Journal
	mu       sync.Mutex
	failures int
}

func (j *flakyJournal) Append(ctx context.Context, evt domain.TaskEvent) (domain.TaskEvent, error) {
	j.mu.Lock()
	if j.failures > 0 {
		j.failures--
		j.mu.Unlock()
		return evt, errors.New("journal unavailable")
	}
	j.mu.Unlock()
	return j.Journal.Append(ctx, evt)
}

func TestOutboxRedeliversInOrder(t *testing.T) {
	env := newTestEnv(t)
	tasks := seedSprint(t, env.Engine, "s1", 3)
	flaky := &flakyJournal{Journal: env.Journal, failures: 2}
	env.Engine.Journal = flaky

	// the commit succeeds even though the event cannot be journaled yet
	if _, err := env.Engine.ClaimTask(env.Ctx, tasks[0].ID, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, tasks[1].ID, bob); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if env.Engine.Pending() != 2 {
		t.Fatalf("expected 2 pending events, got %d", env.Engine.Pending())
	}
	if len(env.Fanout.all()) != 0 {
		t.Fatalf("events published out of the outbox before delivery")
	}
	current, _ := env.Engine.GetTask(env.Ctx, tasks[0].ID)
	if current.Owner() != "alice" {
		t.Fatalf("commit lost: %+v", current)
	}

	// a third commit drains everything queued ahead of it
	if _, err := env.Engine.ClaimTask(env.Ctx, tasks[2].ID, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Engine.FlushPending(env.Ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if env.Engine.Pending() != 0 {
		t.Fatalf("outbox not drained: %d", env.Engine.Pending())
	}
	got := env.Fanout.all()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, evt := range got {
		if evt.Sequence != uint64(i+1) || evt.TaskID != tasks[i].ID {
			t.Fatalf("event %d out of order: %+v", i, evt)
		}
	}
	stored, err := env.Journal.SprintEventsAfter(env.Ctx, "s1", 0, 10)
	if err != nil || len(stored) != 3 {
		t.Fatalf("journal has %d events, err %v", len(stored), err)
	}
}

func TestRunRedeliveryStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	tasks := seedSprint(t, env.Engine, "s1", 1)
	env.Engine.Config.Redelivery.Interval = 10 * time.Millisecond
	env.Engine.Journal = &flakyJournal{Journal: env.Journal, failures: 1}
	if _, err := env.Engine.ClaimTask(env.Ctx, tasks[0].ID, alice); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Engine.RunRedelivery(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for env.Engine.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run redelivery: %v", err)
	}
	if env.Engine.Pending() != 0 {
		t.Fatalf("redelivery did not drain the outbox")
	}
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	tasks := seedSprint(t, env.Engine, "s1", 2)
	if _, err := env.Engine.ClaimTask(env.Ctx, tasks[0].ID, alice); err != nil {
		t.Fatal(err)
	}

	restarted := openTestEnv(t, env.dir)
	if _, err := restarted.Engine.ClaimTask(restarted.Ctx, tasks[1].ID, bob); err != nil {
		t.Fatal(err)
	}
	got := restarted.Fanout.all()
	if len(got) != 1 || got[0].Sequence != 2 {
		t.Fatalf("expected sequence 2 after restart, got %+v", got)
	}
}

func TestSequencesIndependentPerSprint(t *testing.T) {
	eng := engine.New(store.NewMemory(), config.Default())
	a := seedSprint(t, eng, "a", 2)
	b := seedSprint(t, eng, "b", 1)
	ctx := context.Background()
	for _, id := range []string{a[0].ID, b[0].ID, a[1].ID} {
		if _, err := eng.ClaimTask(ctx, id, alice); err != nil {
			t.Fatal(err)
		}
	}
	if got, _ := eng.CurrentSequence(ctx, "a"); got != 2 {
		t.Fatalf("sprint a sequence %d", got)
	}
	if got, _ := eng.CurrentSequence(ctx, "b"); got != 1 {
		t.Fatalf("sprint b sequence %d", got)
	}
}

func TestAggregateExactUnderConcurrentCompletions(t *testing.T) {
	eng := engine.New(store.NewMemory(), config.Default())
	tasks := seedSprint(t, eng, "s1", 16)
	ctx := context.Background()

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = eng.Aggregates.Reconcile(ctx)
			eng.Aggregates.Invalidate("s1")
			_, _ = eng.GetAggregate(ctx, "s1")
		}
	}()

	errs := make(chan error, len(tasks))
	var writers sync.WaitGroup
	for _, task := range tasks {
		writers.Add(1)
		go func(id string) {
			defer writers.Done()
			if _, err := eng.ClaimTask(ctx, id, alice); err != nil {
				errs <- err
				return
			}
			if _, err := eng.CompleteWork(ctx, id, alice); err != nil {
				errs <- err
			}
		}(task.ID)
	}
	writers.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("transition failed: %v", err)
	}

	agg, err := eng.GetAggregate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.CompletedTaskCount != len(tasks) || agg.ProgressPercentage != 100 || agg.CompletedPoints != 3*len(tasks) {
		t.Fatalf("counters drifted: %+v", agg)
	}
	sprint, err := eng.Store.GetSprint(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sprint.SprintAggregate != agg {
		t.Fatalf("stored counters %+v differ from %+v", sprint.SprintAggregate, agg)
	}
}

// contendedStore lets another writer bump the version before every swap and
// counts the engine's own store round-trips.
type contendedStore struct {
	store.Store
	gets, swaps int
}

func (s *contendedStore) Get(ctx context.Context, id string) (domain.Task, error) {
	s.gets++
	return s.Store.Get(ctx, id)
}

func (s *contendedStore) CompareAndSwap(ctx context.Context, id string, expected int64, fn store.Mutator) (domain.Task, error) {
	s.swaps++
	if _, err := s.Store.CompareAndSwap(ctx, id, expected, func(t domain.Task) (domain.Task, error) {
		t.Description += "."
		return t, nil
	}); err != nil {
		return domain.Task{}, err
	}
	return s.Store.CompareAndSwap(ctx, id, expected, fn)
}

func TestDoubleConflictCostsOneReadTwoSwaps(t *testing.T) {
	st := &contendedStore{Store: store.NewMemory()}
	eng := engine.New(st, config.Default())
	task := seedSprint(t, eng, "s1", 1)[0]
	st.gets, st.swaps = 0, 0

	_, err := eng.ClaimTask(context.Background(), task.ID, alice)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Task.Version != 3 {
		t.Fatalf("conflict should carry the latest snapshot: %+v", te)
	}
	if st.gets != 1 || st.swaps != 2 {
		t.Fatalf("store round-trips: %d gets, %d swaps", st.gets, st.swaps)
	}
}

func TestSnapshotSequenceMatchesReplayPosition(t *testing.T) {
	env := newTestEnv(t)
	tasks := seedSprint(t, env.Engine, "s1", 2)
	env.Engine.Journal = &flakyJournal{Journal: env.Journal, failures: 2}

	if _, err := env.Engine.ClaimTask(env.Ctx, tasks[0].ID, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	issued, _ := env.Engine.CurrentSequence(env.Ctx, "s1")
	if issued != 1 {
		t.Fatalf("issued sequence = %d", issued)
	}

	// the journal still fails during this read, so the event is not replayable yet
	snap, err := env.Engine.Snapshot(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Sequence != 0 || snap.Sequence != env.Engine.Log.Last("s1") {
		t.Fatalf("snapshot sequence %d ahead of replay position %d", snap.Sequence, env.Engine.Log.Last("s1"))
	}
	if snap.Tasks[0].Owner() != "alice" {
		t.Fatalf("snapshot lost the committed claim: %+v", snap.Tasks[0])
	}

	// the next read drains the outbox first
	snap, err = env.Engine.Snapshot(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Sequence != 1 || env.Engine.Pending() != 0 {
		t.Fatalf("after drain: sequence %d pending %d", snap.Sequence, env.Engine.Pending())
	}
	if _, err := env.Engine.Log.Since("s1", snap.Sequence); err != nil {
		t.Fatalf("resuming from the snapshot position: %v", err)
	}
}

// Package pgstore implements the task store on Postgres for deployments where
// several board processes share one authoritative record set.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sprintboard/internal/domain"
	"sprintboard/internal/store"
)

const (
	tasksTable   = "sb_tasks"
	sprintsTable = "sb_sprints"
)

// Store is the Postgres-backed task store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("task store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + sprintsTable + ` (
    id                   TEXT PRIMARY KEY,
    team_id              TEXT NOT NULL DEFAULT '',
    name                 TEXT NOT NULL DEFAULT '',
    start_date           TIMESTAMPTZ,
    end_date             TIMESTAMPTZ,
    capacity_points      INTEGER NOT NULL DEFAULT 0,
    committed_points     INTEGER NOT NULL DEFAULT 0,
    completed_task_count INTEGER NOT NULL DEFAULT 0,
    completed_points     INTEGER NOT NULL DEFAULT 0,
    total_task_count     INTEGER NOT NULL DEFAULT 0,
    progress_percentage  INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id                       TEXT PRIMARY KEY,
    story_id                 TEXT NOT NULL,
    sprint_id                TEXT NOT NULL REFERENCES ` + sprintsTable + `(id),
    title                    TEXT NOT NULL,
    description              TEXT NOT NULL DEFAULT '',
    acceptance_criteria_refs TEXT[] NOT NULL DEFAULT '{}',
    estimated_hours          DOUBLE PRECISION NOT NULL DEFAULT 0,
    story_points             INTEGER NOT NULL DEFAULT 0,
    status                   TEXT NOT NULL CHECK (status IN ('Available','Owned','InProgress','Completed')),
    owner_user_id            TEXT,
    version                  BIGINT NOT NULL,
    created_at               TIMESTAMPTZ NOT NULL,
    owned_at                 TIMESTAMPTZ,
    in_progress_at           TIMESTAMPTZ,
    completed_at             TIMESTAMPTZ,
    updated_at               TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tasksTable + `_sprint ON ` + tasksTable + ` (sprint_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `SELECT id, story_id, sprint_id, title, description, acceptance_criteria_refs,
    estimated_hours, story_points, status, owner_user_id, version,
    created_at, owned_at, in_progress_at, completed_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t      domain.Task
		status string
	)
	err := row.Scan(&t.ID, &t.StoryID, &t.SprintID, &t.Title, &t.Description, &t.AcceptanceCriteriaRefs,
		&t.EstimatedHours, &t.StoryPoints, &status, &t.OwnerUserID, &t.Version,
		&t.CreatedAt, &t.OwnedAt, &t.InProgressAt, &t.CompletedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, taskColumns+` FROM `+tasksTable+` WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// CompareAndSwap applies fn under a row lock and writes only if the version
// still matches; the WHERE clause keeps the check authoritative across processes.
func (s *Store) CompareAndSwap(ctx context.Context, taskID string, expected int64, fn store.Mutator) (domain.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanTask(tx.QueryRow(ctx, taskColumns+` FROM `+tasksTable+` WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("read task: %w", err)
	}
	if cur.Version != expected {
		return cur, store.ErrVersionConflict
	}
	next, err := fn(cur)
	if err != nil {
		return domain.Task{}, err
	}
	next = store.Finalize(cur, next, expected)
	tag, err := tx.Exec(ctx, `UPDATE `+tasksTable+`
SET title = $3, description = $4, acceptance_criteria_refs = $5, estimated_hours = $6, story_points = $7,
    status = $8, owner_user_id = $9, version = $10,
    owned_at = $11, in_progress_at = $12, completed_at = $13, updated_at = $14
WHERE id = $1 AND version = $2`,
		taskID, expected, next.Title, next.Description, refs(next.AcceptanceCriteriaRefs), next.EstimatedHours, next.StoryPoints,
		string(next.Status), next.OwnerUserID, next.Version,
		next.OwnedAt, next.InProgressAt, next.CompletedAt, next.UpdatedAt.UTC())
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Task{}, store.ErrVersionConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Store) ListBySprint(ctx context.Context, sprintID string) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, taskColumns+` FROM `+tasksTable+` WHERE sprint_id = $1 ORDER BY created_at, id`, sprintID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+tasksTable+` (
    id, story_id, sprint_id, title, description, acceptance_criteria_refs, estimated_hours, story_points,
    status, owner_user_id, version, created_at, owned_at, in_progress_at, completed_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.StoryID, t.SprintID, t.Title, t.Description, refs(t.AcceptanceCriteriaRefs), t.EstimatedHours, t.StoryPoints,
		string(t.Status), t.OwnerUserID, t.Version, t.CreatedAt.UTC(), t.OwnedAt, t.InProgressAt, t.CompletedAt, t.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("task %s: %w", t.ID, store.ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const sprintColumns = `SELECT id, team_id, name, start_date, end_date, capacity_points, committed_points,
    completed_task_count, completed_points, total_task_count, progress_percentage`

func scanSprint(row pgx.Row) (domain.Sprint, error) {
	var (
		sp         domain.Sprint
		start, end *time.Time
	)
	err := row.Scan(&sp.ID, &sp.TeamID, &sp.Name, &start, &end, &sp.CapacityPoints, &sp.CommittedPoints,
		&sp.CompletedTaskCount, &sp.CompletedPoints, &sp.TotalTaskCount, &sp.ProgressPercentage)
	if err != nil {
		return domain.Sprint{}, err
	}
	if start != nil {
		sp.StartDate = start.UTC()
	}
	if end != nil {
		sp.EndDate = end.UTC()
	}
	return sp, nil
}

func (s *Store) GetSprint(ctx context.Context, sprintID string) (domain.Sprint, error) {
	sp, err := scanSprint(s.pool.QueryRow(ctx, sprintColumns+` FROM `+sprintsTable+` WHERE id = $1`, sprintID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Sprint{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Sprint{}, fmt.Errorf("get sprint: %w", err)
	}
	return sp, nil
}

func (s *Store) ListSprints(ctx context.Context) ([]domain.Sprint, error) {
	rows, err := s.pool.Query(ctx, sprintColumns+` FROM `+sprintsTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sprints: %w", err)
	}
	defer rows.Close()
	var out []domain.Sprint
	for rows.Next() {
		sp, err := scanSprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// PutSprint upserts planning attributes and leaves the counters alone.
func (s *Store) PutSprint(ctx context.Context, sp domain.Sprint) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+sprintsTable+` (id, team_id, name, start_date, end_date, capacity_points, committed_points)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET team_id = EXCLUDED.team_id, name = EXCLUDED.name,
    start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
    capacity_points = EXCLUDED.capacity_points, committed_points = EXCLUDED.committed_points`,
		sp.ID, sp.TeamID, sp.Name, optionalTime(sp.StartDate), optionalTime(sp.EndDate), sp.CapacityPoints, sp.CommittedPoints)
	if err != nil {
		return fmt.Errorf("put sprint: %w", err)
	}
	return nil
}

func (s *Store) SaveAggregate(ctx context.Context, sprintID string, agg domain.SprintAggregate) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sprintsTable+`
SET completed_task_count = $2, completed_points = $3, total_task_count = $4, progress_percentage = $5
WHERE id = $1`, sprintID, agg.CompletedTaskCount, agg.CompletedPoints, agg.TotalTaskCount, agg.ProgressPercentage)
	if err != nil {
		return fmt.Errorf("save aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func refs(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

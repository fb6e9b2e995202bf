package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sprintboard/internal/domain"
	"sprintboard/internal/store"
)

// Repo is the SQLite-backed task store.
type Repo struct {
	DB *sql.DB
}

var _ store.Store = Repo{}

// ErrNotFound aliases the store sentinel so callers can match either.
var ErrNotFound = store.ErrNotFound

const taskColumns = `id,story_id,sprint_id,title,COALESCE(description,''),acceptance_criteria_json,estimated_hours,story_points,status,owner_user_id,version,created_at,owned_at,in_progress_at,completed_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var criteria, createdAt, updatedAt string
	var owner, ownedAt, inProgressAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.StoryID, &t.SprintID, &t.Title, &t.Description, &criteria, &t.EstimatedHours, &t.StoryPoints,
		&t.Status, &owner, &t.Version, &createdAt, &ownedAt, &inProgressAt, &completedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if criteria != "" {
		if err := json.Unmarshal([]byte(criteria), &t.AcceptanceCriteriaRefs); err != nil {
			return t, fmt.Errorf("task %s acceptance criteria: %w", t.ID, err)
		}
	}
	if owner.Valid {
		t.OwnerUserID = &owner.String
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.OwnedAt = parseNullTime(ownedAt)
	t.InProgressAt = parseNullTime(inProgressAt)
	t.CompletedAt = parseNullTime(completedAt)
	return t, nil
}

func (r Repo) Get(ctx context.Context, taskID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID))
}

// CompareAndSwap reads, mutates and writes the task inside one transaction. The
// UPDATE is guarded by the expected version so a concurrent writer on another
// connection still loses cleanly.
func (r Repo) CompareAndSwap(ctx context.Context, taskID string, expected int64, fn store.Mutator) (domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID))
	if err != nil {
		return domain.Task{}, err
	}
	if cur.Version != expected {
		return cur, store.ErrVersionConflict
	}
	next, err := fn(cur)
	if err != nil {
		return domain.Task{}, err
	}
	next = store.Finalize(cur, next, expected)
	criteria, err := marshalRefs(next.AcceptanceCriteriaRefs)
	if err != nil {
		return domain.Task{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, acceptance_criteria_json=?, estimated_hours=?, story_points=?,
status=?, owner_user_id=?, version=?, owned_at=?, in_progress_at=?, completed_at=?, updated_at=?
WHERE id=? AND version=?`,
		next.Title, nullable(next.Description), criteria, next.EstimatedHours, next.StoryPoints,
		string(next.Status), nullableStringPtr(next.OwnerUserID), next.Version, nullableTime(next.OwnedAt), nullableTime(next.InProgressAt),
		nullableTime(next.CompletedAt), formatTime(next.UpdatedAt), taskID, expected)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	if n != 1 {
		return domain.Task{}, store.ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

func (r Repo) ListBySprint(ctx context.Context, sprintID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE sprint_id=? ORDER BY created_at, id`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	if t.Version == 0 {
		t.Version = 1
	}
	criteria, err := marshalRefs(t.AcceptanceCriteriaRefs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(id,story_id,sprint_id,title,description,acceptance_criteria_json,estimated_hours,story_points,status,owner_user_id,version,created_at,owned_at,in_progress_at,completed_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.StoryID, t.SprintID, t.Title, nullable(t.Description), criteria, t.EstimatedHours, t.StoryPoints,
		string(t.Status), nullableStringPtr(t.OwnerUserID), t.Version, formatTime(t.CreatedAt), nullableTime(t.OwnedAt),
		nullableTime(t.InProgressAt), nullableTime(t.CompletedAt), formatTime(t.UpdatedAt))
	if err != nil {
		if _, getErr := r.Get(ctx, t.ID); getErr == nil {
			return fmt.Errorf("task %s: %w", t.ID, store.ErrExists)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const sprintColumns = `id,team_id,name,COALESCE(start_date,''),COALESCE(end_date,''),capacity_points,committed_points,completed_points,completed_task_count,total_task_count,progress_percentage`

func scanSprint(row rowScanner) (domain.Sprint, error) {
	var s domain.Sprint
	var start, end string
	err := row.Scan(&s.ID, &s.TeamID, &s.Name, &start, &end, &s.CapacityPoints, &s.CommittedPoints,
		&s.CompletedPoints, &s.CompletedTaskCount, &s.TotalTaskCount, &s.ProgressPercentage)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.StartDate = parseTime(start)
	s.EndDate = parseTime(end)
	return s, nil
}

func (r Repo) GetSprint(ctx context.Context, sprintID string) (domain.Sprint, error) {
	return scanSprint(r.DB.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id=?`, sprintID))
}

func (r Repo) ListSprints(ctx context.Context) ([]domain.Sprint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sprintColumns+` FROM sprints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		s, err := scanSprint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// PutSprint inserts or updates the planning attributes; derived counters are left alone.
func (r Repo) PutSprint(ctx context.Context, s domain.Sprint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sprints(id,team_id,name,start_date,end_date,capacity_points,committed_points)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET team_id=excluded.team_id, name=excluded.name, start_date=excluded.start_date,
end_date=excluded.end_date, capacity_points=excluded.capacity_points, committed_points=excluded.committed_points`,
		s.ID, s.TeamID, s.Name, nullableTime(&s.StartDate), nullableTime(&s.EndDate), s.CapacityPoints, s.CommittedPoints)
	return err
}

func (r Repo) SaveAggregate(ctx context.Context, sprintID string, agg domain.SprintAggregate) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sprints SET completed_points=?, completed_task_count=?, total_task_count=?, progress_percentage=? WHERE id=?`,
		agg.CompletedPoints, agg.CompletedTaskCount, agg.TotalTaskCount, agg.ProgressPercentage, sprintID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalRefs(refs []string) (string, error) {
	if refs == nil {
		refs = []string{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal acceptance criteria: %w", err)
	}
	return string(b), nil
}

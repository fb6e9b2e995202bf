package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"sprintboard/internal/domain"
)

// Journal is the durable, append-only record of sequenced events.
type Journal struct {
	DB *sql.DB
}

// JournalEntry is a journal row; ID is the global insertion cursor.
type JournalEntry struct {
	ID int64
	domain.TaskEvent
}

// Append stores a sequenced event. An event already stored under the same
// event id is accepted silently so redelivery after a partial failure is safe.
func (j Journal) Append(ctx context.Context, evt domain.TaskEvent) (domain.TaskEvent, error) {
	if evt.Sequence == 0 {
		return evt, errors.New("journal append: event has no sequence number")
	}
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	_, err := j.DB.ExecContext(ctx, `INSERT INTO task_events(event_id,sprint_id,sequence_number,type,task_id,story_id,actor_user_id,owner_user_id,old_status,new_status,ts)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(event_id) DO NOTHING`,
		evt.ID, evt.SprintID, int64(evt.Sequence), string(evt.Type), evt.TaskID, evt.StoryID, evt.ActorUserID,
		nullable(evt.OwnerUserID), string(evt.OldStatus), string(evt.NewStatus), evt.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return evt, fmt.Errorf("journal append %s#%d: %w", evt.SprintID, evt.Sequence, err)
	}
	return evt, nil
}

// LastSequence returns the highest stored sequence for a sprint, 0 when none.
func (j Journal) LastSequence(ctx context.Context, sprintID string) (uint64, error) {
	var last sql.NullInt64
	if err := j.DB.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM task_events WHERE sprint_id=?`, sprintID).Scan(&last); err != nil {
		return 0, err
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// SprintEventsAfter returns up to limit events of a sprint with sequence > after.
func (j Journal) SprintEventsAfter(ctx context.Context, sprintID string, after uint64, limit int) ([]domain.TaskEvent, error) {
	rows, err := j.DB.QueryContext(ctx, `SELECT `+journalColumns+` FROM task_events WHERE sprint_id=? AND sequence_number>? ORDER BY sequence_number ASC LIMIT ?`,
		sprintID, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e.TaskEvent)
	}
	return res, rows.Err()
}

// Recent returns the newest limit events of a sprint in ascending order.
func (j Journal) Recent(ctx context.Context, sprintID string, limit int) ([]domain.TaskEvent, error) {
	last, err := j.LastSequence(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	var after uint64
	if last > uint64(limit) {
		after = last - uint64(limit)
	}
	return j.SprintEventsAfter(ctx, sprintID, after, limit)
}

// EntriesAfter returns journal rows with id > cursor across all sprints.
func (j Journal) EntriesAfter(ctx context.Context, cursor int64, limit int) ([]JournalEntry, error) {
	rows, err := j.DB.QueryContext(ctx, `SELECT `+journalColumns+` FROM task_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the current journal cursor.
func (j Journal) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := j.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM task_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// LastOwner recovers the most recent owner of a task from its OwnershipTaken events.
func (j Journal) LastOwner(ctx context.Context, taskID string) (string, error) {
	var owner sql.NullString
	err := j.DB.QueryRowContext(ctx, `SELECT owner_user_id FROM task_events WHERE task_id=? AND type=? ORDER BY id DESC LIMIT 1`,
		taskID, string(domain.EventOwnershipTaken)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner.String, nil
}

const journalColumns = `id,event_id,sprint_id,sequence_number,type,task_id,story_id,actor_user_id,COALESCE(owner_user_id,''),old_status,new_status,ts`

func scanEntry(rows *sql.Rows) (JournalEntry, error) {
	var e JournalEntry
	var seq int64
	var ts string
	if err := rows.Scan(&e.ID, &e.TaskEvent.ID, &e.SprintID, &seq, &e.Type, &e.TaskID, &e.StoryID, &e.ActorUserID,
		&e.OwnerUserID, &e.OldStatus, &e.NewStatus, &ts); err != nil {
		return e, err
	}
	e.Sequence = uint64(seq)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("event %s timestamp: %w", e.TaskEvent.ID, err)
	}
	e.Timestamp = t
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

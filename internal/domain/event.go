package domain

import (
	"fmt"
	"time"
)

// EventType tags the closed set of task events.
type EventType string

const (
	EventOwnershipTaken    EventType = "OwnershipTaken"
	EventOwnershipReleased EventType = "OwnershipReleased"
	EventStatusChanged     EventType = "StatusChanged"
)

func (t EventType) Valid() bool {
	switch t {
	case EventOwnershipTaken, EventOwnershipReleased, EventStatusChanged:
		return true
	}
	return false
}

// TaskEvent is an immutable fact about one committed task mutation.
// Sequence is zero until the sequencer has numbered it.
type TaskEvent struct {
	ID          string     `json:"event_id"`
	Sequence    uint64     `json:"sequence_number"`
	SprintID    string     `json:"sprint_id"`
	TaskID      string     `json:"task_id"`
	StoryID     string     `json:"story_id"`
	Type        EventType  `json:"event_type"`
	ActorUserID string     `json:"actor_user_id"`
	OwnerUserID string     `json:"owner_user_id,omitempty"`
	OldStatus   TaskStatus `json:"old_status"`
	NewStatus   TaskStatus `json:"new_status"`
	Timestamp   time.Time  `json:"timestamp"`
}

// NewTaskEvent derives the event for a transition from before to after.
func NewTaskEvent(before, after Task, actorUserID string, ts time.Time) (TaskEvent, error) {
	evt := TaskEvent{
		SprintID:    after.SprintID,
		TaskID:      after.ID,
		StoryID:     after.StoryID,
		ActorUserID: actorUserID,
		OldStatus:   before.Status,
		NewStatus:   after.Status,
		Timestamp:   ts.UTC(),
	}
	switch {
	case before.Status == StatusAvailable && after.Status == StatusOwned:
		evt.Type = EventOwnershipTaken
		evt.OwnerUserID = after.Owner()
	case after.Status == StatusAvailable && before.Status.HoldsOwner():
		evt.Type = EventOwnershipReleased
		evt.OwnerUserID = before.Owner()
	case before.Status != after.Status:
		evt.Type = EventStatusChanged
	default:
		return TaskEvent{}, fmt.Errorf("no event for %s -> %s", before.Status, after.Status)
	}
	return evt, nil
}

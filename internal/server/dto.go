package server

import (
	"time"

	"sprintboard/internal/domain"
	"sprintboard/internal/engine"
)

// Request payloads

type PutSprintRequest struct {
	TeamID          string     `json:"team_id,omitempty"`
	Name            string     `json:"name"`
	StartDate       *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate         *time.Time `json:"end_date,omitempty" format:"date-time"`
	CapacityPoints  int        `json:"capacity_points,omitempty" minimum:"0"`
	CommittedPoints int        `json:"committed_points,omitempty" minimum:"0"`
}

type CreateTaskRequest struct {
	ID                     *string  `json:"task_id,omitempty"`
	StoryID                string   `json:"story_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	AcceptanceCriteriaRefs []string `json:"acceptance_criteria_refs,omitempty"`
	EstimatedHours         float64  `json:"estimated_hours,omitempty" minimum:"0"`
	StoryPoints            int      `json:"story_points,omitempty" minimum:"0"`
}

type ReleaseTaskRequest struct {
	Override bool `json:"override,omitempty"`
}

type DevTokenRequest struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role" enum:"viewer,contributor,maintainer,admin"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Response payloads

type TaskResponse struct {
	ID                     string   `json:"task_id"`
	StoryID                string   `json:"story_id"`
	SprintID               string   `json:"sprint_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	AcceptanceCriteriaRefs []string `json:"acceptance_criteria_refs"`
	EstimatedHours         float64  `json:"estimated_hours"`
	StoryPoints            int      `json:"story_points"`
	Status                 string   `json:"status" enum:"Available,Owned,InProgress,Completed"`
	OwnerUserID            *string  `json:"owner_user_id,omitempty"`
	Version                int64    `json:"version"`
	CreatedAt              string   `json:"created_at" format:"date-time"`
	OwnedAt                *string  `json:"owned_at,omitempty" format:"date-time"`
	InProgressAt           *string  `json:"in_progress_at,omitempty" format:"date-time"`
	CompletedAt            *string  `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt              string   `json:"updated_at" format:"date-time"`
}

type AggregateResponse struct {
	SprintID           string `json:"sprint_id"`
	CompletedTaskCount int    `json:"completed_task_count"`
	CompletedPoints    int    `json:"completed_points"`
	TotalTaskCount     int    `json:"total_task_count"`
	ProgressPercentage int    `json:"progress_percentage"`
}

type SprintResponse struct {
	ID              string            `json:"sprint_id"`
	TeamID          string            `json:"team_id,omitempty"`
	Name            string            `json:"name"`
	StartDate       *string           `json:"start_date,omitempty" format:"date-time"`
	EndDate         *string           `json:"end_date,omitempty" format:"date-time"`
	CapacityPoints  int               `json:"capacity_points"`
	CommittedPoints int               `json:"committed_points"`
	Aggregate       AggregateResponse `json:"aggregate"`
}

type SnapshotResponse struct {
	Sprint          SprintResponse `json:"sprint"`
	Tasks           []TaskResponse `json:"tasks"`
	CurrentSequence uint64         `json:"current_sequence"`
}

type EventResponse struct {
	ID             string  `json:"event_id"`
	SequenceNumber uint64  `json:"sequence_number"`
	SprintID       string  `json:"sprint_id"`
	TaskID         string  `json:"task_id"`
	StoryID        string  `json:"story_id"`
	Type           string  `json:"type" enum:"OwnershipTaken,OwnershipReleased,StatusChanged"`
	ActorUserID    string  `json:"actor_user_id"`
	OwnerUserID    *string `json:"owner_user_id,omitempty"`
	OldStatus      string  `json:"old_status"`
	NewStatus      string  `json:"new_status"`
	Timestamp      string  `json:"timestamp" format:"date-time"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
	// Next is the sequence to pass as after= for the following page; 0 when exhausted.
	Next uint64 `json:"next_after,omitempty"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status   string         `json:"status"`
	Sessions int            `json:"sessions"`
	Pending  int            `json:"pending_events"`
	Rooms    map[string]int `json:"subscriptions,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func optionalDate(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	return formatTimePtr(&t)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                     t.ID,
		StoryID:                t.StoryID,
		SprintID:               t.SprintID,
		Title:                  t.Title,
		Description:            t.Description,
		AcceptanceCriteriaRefs: nonNilSlice(t.AcceptanceCriteriaRefs),
		EstimatedHours:         t.EstimatedHours,
		StoryPoints:            t.StoryPoints,
		Status:                 string(t.Status),
		OwnerUserID:            t.OwnerUserID,
		Version:                t.Version,
		CreatedAt:              formatTime(t.CreatedAt),
		OwnedAt:                formatTimePtr(t.OwnedAt),
		InProgressAt:           formatTimePtr(t.InProgressAt),
		CompletedAt:            formatTimePtr(t.CompletedAt),
		UpdatedAt:              formatTime(t.UpdatedAt),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func aggregateResponse(sprintID string, agg domain.SprintAggregate) AggregateResponse {
	return AggregateResponse{
		SprintID:           sprintID,
		CompletedTaskCount: agg.CompletedTaskCount,
		CompletedPoints:    agg.CompletedPoints,
		TotalTaskCount:     agg.TotalTaskCount,
		ProgressPercentage: agg.ProgressPercentage,
	}
}

func sprintResponse(s domain.Sprint) SprintResponse {
	return SprintResponse{
		ID:              s.ID,
		TeamID:          s.TeamID,
		Name:            s.Name,
		StartDate:       optionalDate(s.StartDate),
		EndDate:         optionalDate(s.EndDate),
		CapacityPoints:  s.CapacityPoints,
		CommittedPoints: s.CommittedPoints,
		Aggregate:       aggregateResponse(s.ID, s.SprintAggregate),
	}
}

func snapshotResponse(snap engine.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		Sprint:          sprintResponse(snap.Sprint),
		Tasks:           mapTasks(snap.Tasks),
		CurrentSequence: snap.Sequence,
	}
}

func eventResponse(evt domain.TaskEvent) EventResponse {
	var owner *string
	if evt.OwnerUserID != "" {
		o := evt.OwnerUserID
		owner = &o
	}
	return EventResponse{
		ID:             evt.ID,
		SequenceNumber: evt.Sequence,
		SprintID:       evt.SprintID,
		TaskID:         evt.TaskID,
		StoryID:        evt.StoryID,
		Type:           string(evt.Type),
		ActorUserID:    evt.ActorUserID,
		OwnerUserID:    owner,
		OldStatus:      string(evt.OldStatus),
		NewStatus:      string(evt.NewStatus),
		Timestamp:      formatTime(evt.Timestamp),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

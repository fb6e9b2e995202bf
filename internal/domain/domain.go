package domain

import "time"

type TaskStatus string

const (
	StatusAvailable  TaskStatus = "Available"
	StatusOwned      TaskStatus = "Owned"
	StatusInProgress TaskStatus = "InProgress"
	StatusCompleted  TaskStatus = "Completed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusOwned, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// HoldsOwner reports whether a task in this state must carry an owner.
func (s TaskStatus) HoldsOwner() bool {
	return s == StatusOwned || s == StatusInProgress
}

type Task struct {
	ID                     string     `json:"task_id"`
	StoryID                string     `json:"story_id"`
	SprintID               string     `json:"sprint_id"`
	Title                  string     `json:"title"`
	Description            string     `json:"description,omitempty"`
	AcceptanceCriteriaRefs []string   `json:"acceptance_criteria_refs,omitempty"`
	EstimatedHours         float64    `json:"estimated_hours"`
	StoryPoints            int        `json:"story_points"`
	Status                 TaskStatus `json:"status" enum:"Available,Owned,InProgress,Completed"`
	OwnerUserID            *string    `json:"owner_user_id,omitempty"`
	Version                int64      `json:"version"`
	CreatedAt              time.Time  `json:"created_at"`
	OwnedAt                *time.Time `json:"owned_at,omitempty"`
	InProgressAt           *time.Time `json:"in_progress_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Owner returns the owner id or "" when the task is unowned.
func (t Task) Owner() string {
	if t.OwnerUserID == nil {
		return ""
	}
	return *t.OwnerUserID
}

// Consistent checks the owner/status invariant.
func (t Task) Consistent() bool {
	return t.Status.HoldsOwner() == (t.OwnerUserID != nil && *t.OwnerUserID != "")
}

type Sprint struct {
	ID              string    `json:"sprint_id"`
	TeamID          string    `json:"team_id"`
	Name            string    `json:"name"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	CapacityPoints  int       `json:"capacity_points"`
	CommittedPoints int       `json:"committed_points"`
	SprintAggregate
}

// SprintAggregate holds the derived counters of a sprint.
type SprintAggregate struct {
	CompletedTaskCount int `json:"completed_task_count"`
	CompletedPoints    int `json:"completed_points"`
	TotalTaskCount     int `json:"total_task_count"`
	ProgressPercentage int `json:"progress_percentage"`
}

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}

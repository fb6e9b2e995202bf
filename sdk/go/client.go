package sprintboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal sprint board HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                     string   `json:"task_id"`
	StoryID                string   `json:"story_id"`
	SprintID               string   `json:"sprint_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	AcceptanceCriteriaRefs []string `json:"acceptance_criteria_refs"`
	EstimatedHours         float64  `json:"estimated_hours"`
	StoryPoints            int      `json:"story_points"`
	Status                 string   `json:"status"`
	OwnerUserID            *string  `json:"owner_user_id,omitempty"`
	Version                int64    `json:"version"`
	UpdatedAt              string   `json:"updated_at"`
}

// Aggregate holds sprint progress counters.
type Aggregate struct {
	SprintID           string `json:"sprint_id"`
	CompletedTaskCount int    `json:"completed_task_count"`
	CompletedPoints    int    `json:"completed_points"`
	TotalTaskCount     int    `json:"total_task_count"`
	ProgressPercentage int    `json:"progress_percentage"`
}

type Sprint struct {
	ID              string    `json:"sprint_id"`
	TeamID          string    `json:"team_id,omitempty"`
	Name            string    `json:"name"`
	StartDate       string    `json:"start_date,omitempty"`
	EndDate         string    `json:"end_date,omitempty"`
	CapacityPoints  int       `json:"capacity_points"`
	CommittedPoints int       `json:"committed_points"`
	Aggregate       Aggregate `json:"aggregate"`
}

// Snapshot is the board state at CurrentSequence. Pushed events with a larger
// sequence apply on top of it.
type Snapshot struct {
	Sprint          Sprint `json:"sprint"`
	Tasks           []Task `json:"tasks"`
	CurrentSequence uint64 `json:"current_sequence"`
}

// Event is a journal entry as listed by the events endpoint.
type Event struct {
	ID             string  `json:"event_id"`
	SequenceNumber uint64  `json:"sequence_number"`
	SprintID       string  `json:"sprint_id"`
	TaskID         string  `json:"task_id"`
	StoryID        string  `json:"story_id"`
	Type           string  `json:"type"`
	ActorUserID    string  `json:"actor_user_id"`
	OwnerUserID    *string `json:"owner_user_id,omitempty"`
	OldStatus      string  `json:"old_status"`
	NewStatus      string  `json:"new_status"`
	Timestamp      string  `json:"timestamp"`
}

// PaginatedEvents wraps list responses; NextAfter is 0 once exhausted.
type PaginatedEvents struct {
	Items     []Event `json:"items"`
	NextAfter uint64  `json:"next_after"`
}

// TaskInput describes a task to create.
type TaskInput struct {
	ID                     string   `json:"task_id,omitempty"`
	StoryID                string   `json:"story_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	AcceptanceCriteriaRefs []string `json:"acceptance_criteria_refs,omitempty"`
	EstimatedHours         float64  `json:"estimated_hours,omitempty"`
	StoryPoints            int      `json:"story_points,omitempty"`
}

// APIError wraps non-2xx responses. Code and Task are decoded from the error
// envelope when present; Task is the server's view of the task on conflicts.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	OwnerUserID string
	Task        *Task
	Body        string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				OwnerUserID string `json:"owner_user_id"`
				Task        *Task  `json:"task"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.OwnerUserID = env.Error.Details.OwnerUserID
		apiErr.Task = env.Error.Details.Task
	}
	return apiErr
}

// PutSprint creates or updates a sprint.
func (c *Client) PutSprint(ctx context.Context, s Sprint) (Sprint, error) {
	body := map[string]any{
		"name":             s.Name,
		"team_id":          s.TeamID,
		"capacity_points":  s.CapacityPoints,
		"committed_points": s.CommittedPoints,
	}
	if s.StartDate != "" {
		body["start_date"] = s.StartDate
	}
	if s.EndDate != "" {
		body["end_date"] = s.EndDate
	}
	var resp Sprint
	err := c.do(ctx, http.MethodPut, "v0/sprints/"+url.PathEscape(s.ID), body, &resp)
	return resp, err
}

// ListSprints lists sprints.
func (c *Client) ListSprints(ctx context.Context) ([]Sprint, error) {
	var resp []Sprint
	err := c.do(ctx, http.MethodGet, "v0/sprints", nil, &resp)
	return resp, err
}

// Snapshot fetches sprint, tasks, aggregate and current sequence together.
func (c *Client) Snapshot(ctx context.Context, sprintID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "v0/sprints/"+url.PathEscape(sprintID), nil, &resp)
	return resp, err
}

// Aggregate fetches sprint counters.
func (c *Client) Aggregate(ctx context.Context, sprintID string) (Aggregate, error) {
	var resp Aggregate
	err := c.do(ctx, http.MethodGet, "v0/sprints/"+url.PathEscape(sprintID)+"/aggregate", nil, &resp)
	return resp, err
}

// Events lists sprint events with sequence greater than after.
func (c *Client) Events(ctx context.Context, sprintID string, after uint64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprint(after))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "v0/sprints/"+url.PathEscape(sprintID)+"/events?"+q.Encode(), nil, &resp)
	return resp, err
}

// CreateTask adds a task to a sprint.
func (c *Client) CreateTask(ctx context.Context, sprintID string, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/sprints/"+url.PathEscape(sprintID)+"/tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// ClaimTask takes ownership of an available task.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "claim"), nil, &resp)
	return resp, err
}

// ReleaseTask gives up ownership; override releases another user's task.
func (c *Client) ReleaseTask(ctx context.Context, taskID string, override bool) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "release"), map[string]any{"override": override}, &resp)
	return resp, err
}

// StartWork moves an owned task to InProgress.
func (c *Client) StartWork(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "start"), nil, &resp)
	return resp, err
}

// CompleteWork completes a task.
func (c *Client) CompleteWork(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "complete"), nil, &resp)
	return resp, err
}

func taskPath(taskID, op string) string {
	p := "v0/tasks/" + url.PathEscape(taskID)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

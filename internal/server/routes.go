package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"sprintboard/internal/domain"
	"sprintboard/internal/engine"
	"sprintboard/internal/engine/auth"
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

type sprintPath struct {
	SprintID string `path:"sprint_id"`
}

type taskBody struct {
	Body TaskResponse `json:"body"`
}

var transitionErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerSprints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sprints-list",
		Method:      http.MethodGet,
		Path:        "/sprints",
		Summary:     "List sprints",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SprintResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermBoardRead); err != nil {
			return nil, handleError(err)
		}
		sprints, err := e.Store.ListSprints(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SprintResponse, 0, len(sprints))
		for _, s := range sprints {
			out = append(out, sprintResponse(s))
		}
		return &struct {
			Body []SprintResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sprints-put",
		Method:      http.MethodPut,
		Path:        "/sprints/{sprint_id}",
		Summary:     "Create or update a sprint",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		sprintPath
		Body PutSprintRequest `json:"body"`
	}) (*struct {
		Body SprintResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		sprint := domain.Sprint{
			ID:              input.SprintID,
			TeamID:          input.Body.TeamID,
			Name:            input.Body.Name,
			CapacityPoints:  input.Body.CapacityPoints,
			CommittedPoints: input.Body.CommittedPoints,
		}
		if input.Body.StartDate != nil {
			sprint.StartDate = input.Body.StartDate.UTC()
		}
		if input.Body.EndDate != nil {
			sprint.EndDate = input.Body.EndDate.UTC()
		}
		saved, err := e.PutSprint(ctx, actor, sprint)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SprintResponse `json:"body"`
		}{Body: sprintResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sprints-get",
		Method:      http.MethodGet,
		Path:        "/sprints/{sprint_id}",
		Summary:     "Board snapshot: sprint, aggregate, tasks and current sequence",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sprintPath) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermBoardRead); err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Snapshot(ctx, input.SprintID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sprints-aggregate",
		Method:      http.MethodGet,
		Path:        "/sprints/{sprint_id}/aggregate",
		Summary:     "Sprint progress counters",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sprintPath) (*struct {
		Body AggregateResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermBoardRead); err != nil {
			return nil, handleError(err)
		}
		agg, err := e.GetAggregate(ctx, input.SprintID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AggregateResponse `json:"body"`
		}{Body: aggregateResponse(input.SprintID, agg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tasks-create",
		Method:      http.MethodPost,
		Path:        "/sprints/{sprint_id}/tasks",
		Summary:     "Add a task to a sprint",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		sprintPath
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			StoryID:                input.Body.StoryID,
			SprintID:               input.SprintID,
			Title:                  input.Body.Title,
			Description:            input.Body.Description,
			AcceptanceCriteriaRefs: input.Body.AcceptanceCriteriaRefs,
			EstimatedHours:         input.Body.EstimatedHours,
			StoryPoints:            input.Body.StoryPoints,
		}
		if input.Body.ID != nil {
			opts.ID = strings.TrimSpace(*input.Body.ID)
		}
		task, err := e.CreateTask(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tasks-get",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		if _, err := requirePermission(ctx, e, auth.PermBoardRead); err != nil {
			return nil, handleError(err)
		}
		task, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tasks-claim",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim ownership of an available task",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.ClaimTask(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tasks-release",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/release",
		Summary:     "Release ownership; override requires ownership.override",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		taskPath
		Body *ReleaseTaskRequest `json:"body,omitempty" required:"false"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		override := input.Body != nil && input.Body.Override
		task, err := e.ReleaseOwnership(ctx, input.TaskID, actor, override)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tasks-start",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Start work on an owned task",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.StartWork(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tasks-complete",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete an owned or in-progress task",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.CompleteWork(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(task)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sprints-events",
		Method:      http.MethodGet,
		Path:        "/sprints/{sprint_id}/events",
		Summary:     "Sequenced events of a sprint after a position",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		sprintPath
		After uint64 `query:"after"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermBoardRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Store.GetSprint(ctx, input.SprintID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		evts, err := e.History(ctx, input.SprintID, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		page := paginatedEvents{Items: make([]EventResponse, 0, len(evts))}
		for _, evt := range evts {
			page.Items = append(page.Items, eventResponse(evt))
		}
		if len(evts) == limit {
			page.Next = evts[len(evts)-1].Sequence
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: page}, nil
	})
}

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"worktower/internal/domain"
	"worktower/internal/engine"
	"worktower/internal/repo"
)

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/tasks/enqueue",
		Summary:       "Enqueue a task",
		Description:   "Validates the specification against policy, persists it, and queues it for a worker. Repeated submissions with the same idempotency key return the original task.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TraceID string `header:"X-Trace-Id" doc:"Caller-supplied trace id; generated when absent"`
		Body    domain.TaskSpec
	}) (*struct {
		Body EnqueueTaskResponse
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		spec := input.Body
		if spec.TraceID == "" {
			spec.TraceID = input.TraceID
		}
		if spec.RequestedBy.ID == "" {
			spec.RequestedBy = actor
		}
		task, created, err := e.EnqueueTask(ctx, spec, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueTaskResponse
		}{Body: EnqueueTaskResponse{
			TaskID:  task.ID,
			TraceID: task.TraceID,
			Status:  task.Status,
			Created: created,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task
	}, error) {
		task, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"pending,queued,running,completed,failed,cancelled" required:"false"`
		Repo            string `query:"repo"`
		Operation       string `query:"operation" enum:"code_change,docs,analysis,ops" required:"false"`
		RequestedBy     string `query:"requested_by"`
		TraceID         string `query:"trace_id"`
		Limit           int    `query:"limit" minimum:"1" maximum:"200" required:"false"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body TaskListResponse
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:      input.Status,
			Repo:        input.Repo,
			Operation:   input.Operation,
			RequestedBy: input.RequestedBy,
			TraceID:     input.TraceID,
		}, limit, input.CursorCreatedAt, input.CursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TaskListResponse{Tasks: tasks}
		if len(tasks) == limit {
			last := tasks[len(tasks)-1]
			resp.NextCursorCreatedAt = last.CreatedAt
			resp.NextCursorID = last.ID
		}
		return &struct {
			Body TaskListResponse
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task before it is claimed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.CancelTask(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task
		}{Body: task}, nil
	})
}

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"worktower/internal/domain"
	"worktower/internal/engine"
)

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-runs",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/runs",
		Summary:     "List runs for a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body RunListResponse
	}, error) {
		runs, err := e.Repo.ListRunsForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse
		}{Body: RunListResponse{Runs: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-artifacts",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifacts",
		Summary:     "List artifacts for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body ArtifactListResponse
	}, error) {
		artifacts, err := e.Repo.ListArtifactsForRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactListResponse
		}{Body: ArtifactListResponse{Artifacts: artifacts}}, nil
	})
}

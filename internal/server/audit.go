package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"worktower/internal/engine"
	"worktower/internal/repo"
)

func registerAudit(api huma.API, e engine.Engine) {
	list := func(ctx context.Context, f repo.AuditFilters, limit int, beforeID int64) (*struct {
		Body AuditListResponse
	}, error) {
		if limit == 0 {
			limit = 50
		}
		entries, err := e.Repo.ListAudit(ctx, f, limit, beforeID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuditListResponse{Entries: entries}
		if len(entries) == limit {
			resp.NextBeforeID = entries[len(entries)-1].ID
		}
		return &struct {
			Body AuditListResponse
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "audit-by-trace",
		Method:      http.MethodGet,
		Path:        "/audit/trace/{trace_id}",
		Summary:     "Audit entries for a trace id",
		Description: "Returns the full causal chain for one trace id in creation order.",
	}, func(ctx context.Context, input *struct {
		TraceID string `path:"trace_id"`
	}) (*struct {
		Body AuditListResponse
	}, error) {
		entries, err := e.Repo.AuditByTrace(ctx, input.TraceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse
		}{Body: AuditListResponse{Entries: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-by-entity",
		Method:      http.MethodGet,
		Path:        "/audit/entity/{entity_kind}/{entity_id}",
		Summary:     "Audit entries for an entity, newest first",
	}, func(ctx context.Context, input *struct {
		EntityKind string `path:"entity_kind" enum:"task,run,artifact,evidence_pack,review_decision,issue"`
		EntityID   string `path:"entity_id"`
		Limit      int    `query:"limit" minimum:"1" maximum:"500" required:"false"`
		BeforeID   int64  `query:"before_id" required:"false"`
	}) (*struct {
		Body AuditListResponse
	}, error) {
		return list(ctx, repo.AuditFilters{EntityKind: input.EntityKind, EntityID: input.EntityID}, input.Limit, input.BeforeID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-by-actor",
		Method:      http.MethodGet,
		Path:        "/audit/actor/{actor_kind}/{actor_id}",
		Summary:     "Audit entries for an actor, newest first",
	}, func(ctx context.Context, input *struct {
		ActorKind string `path:"actor_kind" enum:"human,agent,system"`
		ActorID   string `path:"actor_id"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500" required:"false"`
		BeforeID  int64  `query:"before_id" required:"false"`
	}) (*struct {
		Body AuditListResponse
	}, error) {
		return list(ctx, repo.AuditFilters{ActorKind: input.ActorKind, ActorID: input.ActorID}, input.Limit, input.BeforeID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-by-action",
		Method:      http.MethodGet,
		Path:        "/audit/actions/{action}",
		Summary:     "Audit entries for an action, newest first",
	}, func(ctx context.Context, input *struct {
		Action   string `path:"action" enum:"created,updated,status_changed,deleted,linked,unlinked"`
		Limit    int    `query:"limit" minimum:"1" maximum:"500" required:"false"`
		BeforeID int64  `query:"before_id" required:"false"`
	}) (*struct {
		Body AuditListResponse
	}, error) {
		return list(ctx, repo.AuditFilters{Action: input.Action}, input.Limit, input.BeforeID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-recent",
		Method:      http.MethodGet,
		Path:        "/audit/recent",
		Summary:     "Most recent audit entries",
	}, func(ctx context.Context, input *struct {
		Limit    int   `query:"limit" minimum:"1" maximum:"500" required:"false"`
		BeforeID int64 `query:"before_id" required:"false"`
	}) (*struct {
		Body AuditListResponse
	}, error) {
		return list(ctx, repo.AuditFilters{}, input.Limit, input.BeforeID)
	})
}

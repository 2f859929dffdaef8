package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"worktower/internal/domain"
	"worktower/internal/engine"
)

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/reviews",
		Summary:       "Submit a review decision",
		Description:   "Records a decision on an evidence pack. Valid only while the owning issue is under review.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitReviewRequest
	}) (*struct {
		Body domain.ReviewDecision
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, err := e.SubmitReview(ctx, engine.SubmitReviewOptions{
			EvidencePackID: input.Body.EvidencePackID,
			Decision:       input.Body.Decision,
			Reason:         input.Body.Reason,
			Reviewer:       actor,
			OverridesJSON:  input.Body.OverridesJSON,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewDecision
		}{Body: decision}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews/pending",
		Summary:     "List evidence packs awaiting a decision",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"1" maximum:"200" required:"false"`
	}) (*struct {
		Body EvidencePackListResponse
	}, error) {
		packs, err := e.Repo.ListPendingReviewPacks(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidencePackListResponse
		}{Body: EvidencePackListResponse{EvidencePacks: packs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-evidence-pack",
		Method:      http.MethodGet,
		Path:        "/evidence-packs/{pack_id}",
		Summary:     "Get evidence pack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackID string `path:"pack_id"`
	}) (*struct {
		Body domain.EvidencePack
	}, error) {
		pack, err := e.Repo.GetEvidencePack(ctx, input.PackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EvidencePack
		}{Body: pack}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body domain.Issue
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue
		}{Body: issue}, nil
	})
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"worktower/internal/audit"
	"worktower/internal/domain"
	"worktower/internal/repo"
)

// Review policy outcomes.
const (
	ReviewAutoApproved   = "auto_approved"
	ReviewAwaitingManual = "awaiting_manual_review"
)

type ReviewOutcome struct {
	Status   string  `json:"status" enum:"auto_approved,awaiting_manual_review"`
	ReviewID *string `json:"review_id,omitempty"`
	Message  string  `json:"message"`
}

var (
	autoApprover      = domain.Actor{Kind: domain.ActorSystem, ID: "auto-approve"}
	reviewPolicyActor = domain.Actor{Kind: domain.ActorSystem, ID: "review-policy"}
)

// ApplyReviewPolicy routes a freshly created evidence pack: eligible
// verdicts under an enabled auto-approve policy get a synthesized system
// decision and reach their approved terminal state in the same logical
// operation; everything else parks under review for a human call.
func (e Engine) ApplyReviewPolicy(ctx context.Context, pack domain.EvidencePack) (ReviewOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReviewOutcome{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	run, err := e.Repo.GetRunTx(ctx, tx, pack.RunID)
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("load run for review policy: %w", err)
	}
	if err := e.moveToUnderReview(ctx, tx, run, pack, now); err != nil {
		return ReviewOutcome{}, err
	}

	if !e.autoApprovable(pack.Verdict) {
		if err := tx.Commit(); err != nil {
			return ReviewOutcome{}, err
		}
		return ReviewOutcome{
			Status:  ReviewAwaitingManual,
			Message: fmt.Sprintf("verdict %s requires manual review; submit a decision for evidence pack %s", pack.Verdict, pack.ID),
		}, nil
	}

	decision := domain.ReviewDecision{
		ID:             uuid.NewString(),
		EvidencePackID: pack.ID,
		RunID:          pack.RunID,
		IssueID:        pack.IssueID,
		TraceID:        pack.TraceID,
		Decision:       domain.DecisionApproved,
		Reason:         fmt.Sprintf("auto-approved: verdict %s is eligible under review policy", pack.Verdict),
		ReviewerKind:   autoApprover.Kind,
		ReviewerID:     autoApprover.ID,
		CreatedAt:      now,
	}
	if err := e.applyDecision(ctx, tx, run, pack, decision, now); err != nil {
		return ReviewOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReviewOutcome{}, err
	}
	return ReviewOutcome{
		Status:   ReviewAutoApproved,
		ReviewID: &decision.ID,
		Message:  fmt.Sprintf("verdict %s auto-approved", pack.Verdict),
	}, nil
}

func (e Engine) autoApprovable(verdict string) bool {
	if e.Config == nil || !e.Config.Review.AutoApprove {
		return false
	}
	for _, v := range e.Config.Review.AutoApproveVerdicts {
		if v == verdict {
			return true
		}
	}
	return false
}

func (e Engine) moveToUnderReview(ctx context.Context, tx *sql.Tx, run domain.Run, pack domain.EvidencePack, now string) error {
	if run.Status != domain.RunStatusUnderReview {
		if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, domain.RunStatusUnderReview, now); err != nil {
			return err
		}
		if err := e.Audit.StatusChange(ctx, tx, reviewPolicyActor, domain.EntityRun, run.ID, run.Status, domain.RunStatusUnderReview, pack.TraceID); err != nil {
			return err
		}
	}
	if pack.IssueID != nil {
		issue, err := e.Repo.GetIssueTx(ctx, tx, *pack.IssueID)
		if err != nil {
			return err
		}
		if issue.Status != domain.IssueStatusUnderReview {
			if err := e.Repo.UpdateIssueStatus(ctx, tx, issue.ID, domain.IssueStatusUnderReview, now); err != nil {
				return err
			}
			if err := e.Audit.StatusChange(ctx, tx, reviewPolicyActor, domain.EntityIssue, issue.ID, issue.Status, domain.IssueStatusUnderReview, pack.TraceID); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyDecision records a review decision and drives run and issue to
// their terminal states.
func (e Engine) applyDecision(ctx context.Context, tx *sql.Tx, run domain.Run, pack domain.EvidencePack, decision domain.ReviewDecision, now string) error {
	if err := e.Repo.InsertReviewDecision(ctx, tx, decision); err != nil {
		return fmt.Errorf("insert review decision: %w", err)
	}
	reviewer := domain.Actor{Kind: decision.ReviewerKind, ID: decision.ReviewerID}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:     domain.AuditCreated,
		Actor:      reviewer,
		EntityKind: domain.EntityReviewDecision,
		EntityID:   decision.ID,
		After:      decision,
		TraceID:    decision.TraceID,
	}); err != nil {
		return err
	}

	runStatus := domain.RunStatusDone
	issueStatus := domain.IssueStatusDone
	if decision.Decision != domain.DecisionApproved {
		runStatus = domain.RunStatusFailed
		issueStatus = domain.IssueStatusFailed
	}

	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, runStatus, now); err != nil {
		return err
	}
	if err := e.Audit.StatusChange(ctx, tx, reviewer, domain.EntityRun, run.ID, domain.RunStatusUnderReview, runStatus, decision.TraceID); err != nil {
		return err
	}
	if pack.IssueID != nil {
		if err := e.Repo.UpdateIssueStatus(ctx, tx, *pack.IssueID, issueStatus, now); err != nil {
			return err
		}
		if err := e.Audit.StatusChange(ctx, tx, reviewer, domain.EntityIssue, *pack.IssueID, domain.IssueStatusUnderReview, issueStatus, decision.TraceID); err != nil {
			return err
		}
	}
	return nil
}

// SubmitReviewOptions carries a manual review submission.
type SubmitReviewOptions struct {
	EvidencePackID string
	Decision       string
	Reason         string
	Reviewer       domain.Actor
	OverridesJSON  *string
}

// SubmitReview records a manual decision on an evidence pack. Valid only
// while the owning issue is under review; stale or duplicate submissions
// are rejected without touching any state.
func (e Engine) SubmitReview(ctx context.Context, opts SubmitReviewOptions) (domain.ReviewDecision, error) {
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionNeedsChanges:
	default:
		return domain.ReviewDecision{}, integrity(CodeInvalidDecision, "decision %q is not one of approved, rejected, needs_changes", opts.Decision)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewDecision{}, err
	}
	defer tx.Rollback()

	pack, err := e.Repo.GetEvidencePackTx(ctx, tx, opts.EvidencePackID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ReviewDecision{}, integrity(CodeEvidencePackNotFound, "evidence pack %s not found", opts.EvidencePackID)
		}
		return domain.ReviewDecision{}, err
	}
	if pack.IssueID == nil {
		return domain.ReviewDecision{}, integrity(CodeReviewNotPending, "evidence pack %s has no owning issue", pack.ID)
	}
	issue, err := e.Repo.GetIssueTx(ctx, tx, *pack.IssueID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}
	if issue.Status != domain.IssueStatusUnderReview {
		return domain.ReviewDecision{}, integrity(CodeReviewNotPending, "issue %s is %s, not under_review", issue.ID, issue.Status)
	}
	run, err := e.Repo.GetRunTx(ctx, tx, pack.RunID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}

	now := e.nowString()
	decision := domain.ReviewDecision{
		ID:             uuid.NewString(),
		EvidencePackID: pack.ID,
		RunID:          pack.RunID,
		IssueID:        pack.IssueID,
		TraceID:        pack.TraceID,
		Decision:       opts.Decision,
		Reason:         opts.Reason,
		ReviewerKind:   opts.Reviewer.Kind,
		ReviewerID:     opts.Reviewer.ID,
		ReviewerLabel:  optionalString(opts.Reviewer.Label),
		OverridesJSON:  opts.OverridesJSON,
		CreatedAt:      now,
	}
	if err := e.applyDecision(ctx, tx, run, pack, decision, now); err != nil {
		return domain.ReviewDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewDecision{}, err
	}
	return decision, nil
}

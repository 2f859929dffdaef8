package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"worktower/internal/audit"
	"worktower/internal/config"
	"worktower/internal/domain"
	"worktower/internal/policy"
	"worktower/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IntegrityError reports a request that references state in the wrong
// lifecycle phase. Never coerced; always surfaced to the caller.
type IntegrityError struct {
	Code    string
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation %s: %s", e.Code, e.Message)
}

const (
	CodeEvidencePackNotFound = "EVIDENCE_PACK_NOT_FOUND"
	CodeReviewNotPending     = "REVIEW_NOT_PENDING"
	CodeInvalidDecision      = "INVALID_DECISION"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeTaskNotCancellable   = "TASK_NOT_CANCELLABLE"
)

func integrity(code, format string, args ...any) *IntegrityError {
	return &IntegrityError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ensureTaskTransition(old, new string) error {
	ok := false
	switch old {
	case domain.TaskStatusPending:
		ok = new == domain.TaskStatusQueued || new == domain.TaskStatusCancelled
	case domain.TaskStatusQueued:
		ok = new == domain.TaskStatusRunning || new == domain.TaskStatusCancelled
	case domain.TaskStatusRunning:
		ok = new == domain.TaskStatusCompleted || new == domain.TaskStatusFailed || new == domain.TaskStatusQueued
	}
	if !ok {
		return integrity(CodeInvalidTransition, "task cannot go from %s to %s", old, new)
	}
	return nil
}

// EnqueueTask runs a spec through the policy gate and persists it as a
// queued task with its linked issue, context packet, and constraint
// snapshot. A spec carrying an idempotency key that already exists
// returns the original task untouched with created=false; the first
// accepted submission is authoritative.
func (e Engine) EnqueueTask(ctx context.Context, spec domain.TaskSpec, actor domain.Actor) (domain.Task, bool, error) {
	if e.Config == nil {
		return domain.Task{}, false, errors.New("config not loaded")
	}
	normalized, err := policy.Evaluate(spec, e.Config.Policy)
	if err != nil {
		return domain.Task{}, false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()

	if normalized.IdempotencyKey != nil && *normalized.IdempotencyKey != "" {
		existing, err := e.Repo.GetTaskByIdempotencyKey(ctx, tx, *normalized.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, false, err
		}
	}

	now := e.nowString()
	traceID := normalized.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	issue := domain.Issue{
		ID:        uuid.NewString(),
		Repo:      normalized.Target.Repo,
		Title:     normalized.Objective,
		Status:    domain.IssueStatusOpen,
		TraceID:   traceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Task{}, false, fmt.Errorf("insert issue: %w", err)
	}

	packet := domain.ContextPacket{
		ID:                   uuid.NewString(),
		IssueID:              issue.ID,
		Summary:              normalized.Objective,
		AcceptanceCriteria:   normalized.AcceptanceCriteria,
		EvidenceRequirements: normalized.EvidenceRequirements,
		CreatedAt:            now,
	}
	if err := e.Repo.InsertContextPacket(ctx, tx, packet); err != nil {
		return domain.Task{}, false, fmt.Errorf("insert context packet: %w", err)
	}

	constraints, err := json.Marshal(normalized.Constraints)
	if err != nil {
		return domain.Task{}, false, err
	}
	snapshot := domain.ConstraintSnapshot{
		ID:              uuid.NewString(),
		IssueID:         issue.ID,
		ConstraintsJSON: string(constraints),
		CreatedAt:       now,
	}
	if err := e.Repo.InsertConstraintSnapshot(ctx, tx, snapshot); err != nil {
		return domain.Task{}, false, fmt.Errorf("insert constraint snapshot: %w", err)
	}

	task := domain.Task{
		ID:                   uuid.NewString(),
		Version:              normalized.Version,
		IdempotencyKey:       normalized.IdempotencyKey,
		RequestedByKind:      normalized.RequestedBy.Kind,
		RequestedByID:        normalized.RequestedBy.ID,
		RequestedByLabel:     optionalString(normalized.RequestedBy.Label),
		Objective:            normalized.Objective,
		Operation:            normalized.Operation,
		TargetRepo:           normalized.Target.Repo,
		TargetRef:            normalized.Target.Ref,
		TargetPath:           normalized.Target.Path,
		TimeBudgetSeconds:    normalized.Constraints.TimeBudgetSeconds,
		AllowNetwork:         false,
		AllowSecrets:         false,
		InputsJSON:           normalized.InputsJSON,
		MetadataJSON:         normalized.MetadataJSON,
		AcceptanceCriteria:   normalized.AcceptanceCriteria,
		EvidenceRequirements: normalized.EvidenceRequirements,
		Status:               domain.TaskStatusPending,
		TraceID:              traceID,
		IssueID:              &issue.ID,
		CreatedAt:            now,
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, false, fmt.Errorf("insert task: %w", err)
	}

	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:     domain.AuditCreated,
		Actor:      actor,
		EntityKind: domain.EntityTask,
		EntityID:   task.ID,
		After:      task,
		TraceID:    traceID,
	}); err != nil {
		return domain.Task{}, false, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:     domain.AuditCreated,
		Actor:      actor,
		EntityKind: domain.EntityIssue,
		EntityID:   issue.ID,
		After:      issue,
		TraceID:    traceID,
	}); err != nil {
		return domain.Task{}, false, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:     domain.AuditLinked,
		Actor:      actor,
		EntityKind: domain.EntityTask,
		EntityID:   task.ID,
		After:      map[string]string{"issue_id": issue.ID},
		Note:       "task linked to issue",
		TraceID:    traceID,
	}); err != nil {
		return domain.Task{}, false, err
	}

	if err := e.Repo.SetTaskStatus(ctx, tx, task.ID, domain.TaskStatusQueued, now); err != nil {
		return domain.Task{}, false, err
	}
	if err := e.Audit.StatusChange(ctx, tx, actor, domain.EntityTask, task.ID, domain.TaskStatusPending, domain.TaskStatusQueued, traceID); err != nil {
		return domain.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}

	task.Status = domain.TaskStatusQueued
	task.QueuedAt = &now
	return task, true, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters, limit int, cursorCreatedAt, cursorID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f, limit, cursorCreatedAt, cursorID)
}

// CancelTask cancels a task that has not been claimed yet. Running tasks
// cannot be interrupted; they finish as failed or completed runs.
func (e Engine) CancelTask(ctx context.Context, id string, actor domain.Actor) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskStatusPending && task.Status != domain.TaskStatusQueued {
		return domain.Task{}, integrity(CodeTaskNotCancellable, "task %s is %s; only pending or queued tasks can be cancelled", id, task.Status)
	}
	now := e.nowString()
	if err := e.Repo.SetTaskStatus(ctx, tx, id, domain.TaskStatusCancelled, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, actor, domain.EntityTask, id, task.Status, domain.TaskStatusCancelled, task.TraceID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatusCancelled
	task.CompletedAt = &now
	return task, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

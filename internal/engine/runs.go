package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"worktower/internal/audit"
	"worktower/internal/domain"
)

// ExecutorDescriptor identifies which executor produced a run.
type ExecutorDescriptor struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	WorkerID string `json:"worker_id"`
}

// BeginRun records the execution attempt for a freshly claimed task: the
// run row, the issue moving to running, and the audit entries for the
// claim. The task row is already running; the CAS happened before this
// call. Callers that key trace storage by run id pass the id they minted;
// an empty runID mints one here.
func (e Engine) BeginRun(ctx context.Context, task domain.Task, desc ExecutorDescriptor, runID, artifactRootURI string) (domain.Run, error) {
	inputs := map[string]any{
		"objective": task.Objective,
		"operation": task.Operation,
		"target": map[string]string{
			"repo": task.TargetRepo,
			"ref":  task.TargetRef,
			"path": task.TargetPath,
		},
		"constraints": map[string]any{
			"time_budget_seconds": task.TimeBudgetSeconds,
			"allow_network":       task.AllowNetwork,
			"allow_secrets":       task.AllowSecrets,
		},
	}
	inputsData, err := json.Marshal(inputs)
	if err != nil {
		return domain.Run{}, err
	}
	inputsJSON := string(inputsData)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if runID == "" {
		runID = uuid.NewString()
	}
	now := e.nowString()
	run := domain.Run{
		ID:              runID,
		TaskID:          task.ID,
		IssueID:         task.IssueID,
		TraceID:         task.TraceID,
		Status:          domain.RunStatusRunning,
		ExecutorType:    desc.Type,
		ExecutorVersion: desc.Version,
		WorkerID:        desc.WorkerID,
		InputsJSON:      &inputsJSON,
		ArtifactRootURI: artifactRootURI,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}

	worker := domain.Actor{Kind: domain.ActorSystem, ID: desc.WorkerID}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:     domain.AuditCreated,
		Actor:      worker,
		EntityKind: domain.EntityRun,
		EntityID:   run.ID,
		After:      run,
		TraceID:    task.TraceID,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, worker, domain.EntityTask, task.ID, domain.TaskStatusQueued, domain.TaskStatusRunning, task.TraceID); err != nil {
		return domain.Run{}, err
	}

	if task.IssueID != nil {
		issue, err := e.Repo.GetIssueTx(ctx, tx, *task.IssueID)
		if err != nil {
			return domain.Run{}, err
		}
		if err := e.Repo.UpdateIssueStatus(ctx, tx, issue.ID, domain.IssueStatusRunning, now); err != nil {
			return domain.Run{}, err
		}
		if err := e.Audit.StatusChange(ctx, tx, worker, domain.EntityIssue, issue.ID, issue.Status, domain.IssueStatusRunning, task.TraceID); err != nil {
			return domain.Run{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// RunResult is the persisted outcome of one execution attempt.
type RunResult struct {
	Success        bool
	OutputsJSON    *string
	FailureCode    *string
	FailureMessage *string
	TelemetryJSON  *string
	Artifacts      []domain.Artifact
}

// CompleteRun persists the executor's outcome: the run's terminal
// pre-review status, its artifacts, and the task's terminal status. A
// failed run still flows onward to the prover so the failure ends up in
// an auditable verdict.
func (e Engine) CompleteRun(ctx context.Context, run domain.Run, result RunResult) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	worker := domain.Actor{Kind: domain.ActorSystem, ID: run.WorkerID}

	runStatus := domain.RunStatusDone
	taskStatus := domain.TaskStatusCompleted
	if !result.Success {
		runStatus = domain.RunStatusFailed
		taskStatus = domain.TaskStatusFailed
	}

	// The lease sweep may have requeued the task while this worker was
	// still executing. A stale worker must not overwrite the row.
	task, err := e.Repo.GetTaskTx(ctx, tx, run.TaskID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := ensureTaskTransition(task.Status, taskStatus); err != nil {
		return domain.Run{}, err
	}

	updated := run
	updated.Status = runStatus
	updated.OutputsJSON = result.OutputsJSON
	updated.FailureCode = result.FailureCode
	updated.FailureMessage = result.FailureMessage
	updated.TelemetryJSON = result.TelemetryJSON
	updated.UpdatedAt = now
	if err := e.Repo.UpdateRunResult(ctx, tx, updated); err != nil {
		return domain.Run{}, fmt.Errorf("update run result: %w", err)
	}
	if err := e.Audit.StatusChange(ctx, tx, worker, domain.EntityRun, run.ID, run.Status, runStatus, run.TraceID); err != nil {
		return domain.Run{}, err
	}

	for i := range result.Artifacts {
		a := &result.Artifacts[i]
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.RunID = run.ID
		a.TraceID = run.TraceID
		if a.CreatedAt == "" {
			a.CreatedAt = now
		}
		if err := e.Repo.InsertArtifact(ctx, tx, *a); err != nil {
			return domain.Run{}, fmt.Errorf("insert artifact: %w", err)
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			Action:     domain.AuditCreated,
			Actor:      worker,
			EntityKind: domain.EntityArtifact,
			EntityID:   a.ID,
			After:      *a,
			TraceID:    run.TraceID,
		}); err != nil {
			return domain.Run{}, err
		}
	}

	if err := e.Repo.SetTaskStatus(ctx, tx, run.TaskID, taskStatus, now); err != nil {
		return domain.Run{}, err
	}
	if result.FailureMessage != nil {
		if err := e.Repo.SetTaskError(ctx, tx, run.TaskID, *result.FailureMessage); err != nil {
			return domain.Run{}, err
		}
	}
	if err := e.Audit.StatusChange(ctx, tx, worker, domain.EntityTask, run.TaskID, domain.TaskStatusRunning, taskStatus, run.TraceID); err != nil {
		return domain.Run{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return updated, nil
}

// RecordEvidencePack persists a prover verdict. Its own transaction: a
// review-policy failure after this point must not lose the verdict.
func (e Engine) RecordEvidencePack(ctx context.Context, pack domain.EvidencePack) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEvidencePack(ctx, tx, pack); err != nil {
		return fmt.Errorf("insert evidence pack: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:     domain.AuditCreated,
		Actor:      domain.Actor{Kind: pack.EvaluatedByKind, ID: pack.EvaluatedByID},
		EntityKind: domain.EntityEvidencePack,
		EntityID:   pack.ID,
		After:      pack,
		TraceID:    pack.TraceID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueOrphans returns running tasks whose claim is older than the
// lease back to the queue. It exists because a worker crash otherwise
// strands its claimed task in running forever.
func (e Engine) RequeueOrphans(ctx context.Context, leaseSeconds, limit int) ([]domain.Task, error) {
	if leaseSeconds <= 0 {
		return nil, nil
	}
	cutoff := e.now().UTC().Add(-time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339)
	stale, err := e.Repo.StaleRunningTasks(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	sweeper := domain.Actor{Kind: domain.ActorSystem, ID: "lease-sweeper"}
	var requeued []domain.Task
	for _, task := range stale {
		ok, err := e.Repo.RequeueTask(ctx, task.ID)
		if err != nil {
			return requeued, err
		}
		if !ok {
			// The owning worker finished between select and update.
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return requeued, err
		}
		err = e.Audit.Append(ctx, tx, audit.Entry{
			Action:     domain.AuditStatusChanged,
			Actor:      sweeper,
			EntityKind: domain.EntityTask,
			EntityID:   task.ID,
			Before:     map[string]string{"status": domain.TaskStatusRunning},
			After:      map[string]string{"status": domain.TaskStatusQueued},
			Note:       fmt.Sprintf("claim lease of %ds expired; requeued", leaseSeconds),
			TraceID:    task.TraceID,
		})
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Rollback()
		}
		if err != nil {
			return requeued, err
		}
		task.Status = domain.TaskStatusQueued
		task.AssignedTo = nil
		requeued = append(requeued, task)
	}
	return requeued, nil
}

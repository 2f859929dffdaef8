// Package worker polls for queued tasks, claims them atomically, and
// drives each claimed task through execution, proof, and review policy.
// One worker processes one task at a time; all coordination between
// workers happens through the backing store.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"worktower/internal/domain"
	"worktower/internal/engine"
	"worktower/internal/prover"
	"worktower/internal/repo"
	"worktower/internal/trace"
)

type Worker struct {
	Engine       engine.Engine
	Executor     Executor
	Prover       prover.Prover
	ID           string
	PollInterval time.Duration
	ClaimLimit   int
	TraceRoot    string
	LeaseSeconds int
	Logger       *log.Logger
}

// New builds a worker from config, minting a worker id when none is
// given.
func New(e engine.Engine, exec Executor, logger *log.Logger) *Worker {
	cfg := e.Config
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		Engine:       e,
		Executor:     exec,
		ID:           id,
		PollInterval: time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		ClaimLimit:   cfg.Worker.ClaimLimit,
		TraceRoot:    cfg.Trace.RootURI,
		LeaseSeconds: cfg.Worker.ClaimLeaseSeconds,
		Logger:       logger,
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

// Run polls until ctx is cancelled. A failing task never stops the loop;
// its failure lands on the run record and the audit trail instead.
func (w *Worker) Run(ctx context.Context) error {
	w.logf("worker %s polling every %s", w.ID, w.PollInterval)

	var sweeper *cron.Cron
	if w.LeaseSeconds > 0 {
		schedule := w.Engine.Config.Worker.SweepSchedule
		if schedule == "" {
			schedule = "@every 5m"
		}
		sweeper = cron.New()
		if _, err := sweeper.AddFunc(schedule, func() { w.sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule lease sweep: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		w.pollOnce(ctx)
		select {
		case <-ctx.Done():
			w.logf("worker %s stopping", w.ID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce claims and processes at most ClaimLimit tasks.
func (w *Worker) pollOnce(ctx context.Context) {
	tasks, err := w.Engine.Repo.NextQueuedTasks(ctx, w.ClaimLimit)
	if err != nil {
		w.logf("worker %s: poll: %v", w.ID, err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.ProcessTask(ctx, task)
		if err != nil {
			w.logf("worker %s: task %s: %v", w.ID, task.ID, err)
		}
		if !claimed {
			// Another worker won the race; benign, re-poll.
			continue
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	requeued, err := w.Engine.RequeueOrphans(ctx, w.LeaseSeconds, 50)
	if err != nil {
		w.logf("worker %s: lease sweep: %v", w.ID, err)
		return
	}
	for _, t := range requeued {
		w.logf("worker %s: requeued orphaned task %s", w.ID, t.ID)
	}
}

// ProcessTask attempts to claim one queued task and, on success, runs it
// through the full pipeline. Returns false when the claim was lost.
func (w *Worker) ProcessTask(ctx context.Context, task domain.Task) (bool, error) {
	now := w.Engine.Now().UTC().Format(time.RFC3339)
	claimed, err := w.Engine.Repo.ClaimTask(ctx, task.ID, w.ID, now)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return false, nil
	}
	task.Status = domain.TaskStatusRunning
	task.AssignedTo = &w.ID
	task.StartedAt = &now

	// Each run owns its trace folder. A retry after a lease requeue is a
	// new run and must not overwrite the previous attempt's record.
	runID := uuid.NewString()
	store, err := trace.Open(w.TraceRoot, runID)
	if err != nil {
		return true, fmt.Errorf("open trace store: %w", err)
	}

	run, err := w.Engine.BeginRun(ctx, task, engine.ExecutorDescriptor{
		Type:     w.Executor.Name(),
		Version:  w.Executor.Version(),
		WorkerID: w.ID,
	}, runID, store.URI())
	if err != nil {
		return true, fmt.Errorf("begin run: %w", err)
	}

	w.writeManifest(store, task, run, "claimed", nil)
	store.AppendEvent(map[string]any{"event": "claimed", "task_id": task.ID, "run_id": run.ID, "worker_id": w.ID})
	store.AppendLine(trace.TraceLogFile, fmt.Sprintf("claimed by %s, run %s", w.ID, run.ID))

	ec := ExecutionContext{
		Task:       task,
		Run:        run,
		Store:      store,
		TimeBudget: time.Duration(task.TimeBudgetSeconds) * time.Second,
	}
	if task.IssueID != nil {
		if packet, err := w.Engine.Repo.GetContextPacketForIssue(ctx, *task.IssueID); err == nil {
			ec.Packet = &packet
		} else if !errors.Is(err, repo.ErrNotFound) {
			return true, err
		}
		if snap, err := w.Engine.Repo.GetConstraintSnapshotForIssue(ctx, *task.IssueID); err == nil {
			ec.Snapshot = &snap
		} else if !errors.Is(err, repo.ErrNotFound) {
			return true, err
		}
	}

	result := w.execute(ctx, ec)

	artifacts, err := w.persistArtifacts(store, run, result.Artifacts)
	if err != nil {
		return true, fmt.Errorf("persist artifacts: %w", err)
	}

	runResult := engine.RunResult{
		Success:   result.Success,
		Artifacts: artifacts,
	}
	if len(result.Outputs) > 0 {
		data, err := json.Marshal(result.Outputs)
		if err != nil {
			return true, err
		}
		s := string(data)
		runResult.OutputsJSON = &s
	}
	if !result.Success {
		code := result.ErrorCode
		if code == "" {
			code = "WORKER_ERROR"
		}
		runResult.FailureCode = &code
		msg := result.ErrorMessage
		runResult.FailureMessage = &msg
	}
	if !result.StartedAt.IsZero() {
		telemetry, err := json.Marshal(map[string]any{
			"started_at":  result.StartedAt.UTC().Format(time.RFC3339),
			"finished_at": result.FinishedAt.UTC().Format(time.RFC3339),
			"duration_ms": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		})
		if err != nil {
			return true, err
		}
		s := string(telemetry)
		runResult.TelemetryJSON = &s
	}

	run, err = w.Engine.CompleteRun(ctx, run, runResult)
	if err != nil {
		return true, fmt.Errorf("complete run: %w", err)
	}

	milestone := "completed"
	if !result.Success {
		milestone = "failed"
	}
	w.writeManifest(store, task, run, milestone, runResult.FailureMessage)
	store.AppendEvent(map[string]any{"event": milestone, "run_id": run.ID, "status": run.Status})

	criteria := task.AcceptanceCriteria
	requirements := task.EvidenceRequirements
	if ec.Packet != nil {
		criteria = ec.Packet.AcceptanceCriteria
		requirements = ec.Packet.EvidenceRequirements
	}
	pack, err := w.Prover.Prove(run, criteria, requirements, artifacts, store)
	if err != nil {
		return true, fmt.Errorf("prove: %w", err)
	}
	if err := w.Engine.RecordEvidencePack(ctx, pack); err != nil {
		return true, fmt.Errorf("record evidence pack: %w", err)
	}
	store.AppendEvent(map[string]any{"event": "proved", "evidence_pack_id": pack.ID, "verdict": pack.Verdict})

	outcome, err := w.Engine.ApplyReviewPolicy(ctx, pack)
	if err != nil {
		return true, fmt.Errorf("apply review policy: %w", err)
	}
	store.AppendEvent(map[string]any{"event": "review_policy", "status": outcome.Status})
	store.AppendLine(trace.TraceLogFile, fmt.Sprintf("verdict %s, review %s", pack.Verdict, outcome.Status))
	return true, nil
}

// execute invokes the executor under the task's time budget. An error
// from the executor becomes a WORKER_ERROR failure; it never escapes the
// loop.
func (w *Worker) execute(ctx context.Context, ec ExecutionContext) ExecutionResult {
	runCtx := ctx
	if ec.TimeBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, ec.TimeBudget)
		defer cancel()
	}
	result, err := w.Executor.Execute(runCtx, ec)
	if err != nil {
		if ec.Store != nil {
			ec.Store.AppendLine(trace.TraceLogFile, "FATAL ERROR: "+err.Error())
		}
		return ExecutionResult{
			Success:      false,
			Status:       ExecFailed,
			ErrorCode:    "WORKER_ERROR",
			ErrorMessage: err.Error(),
		}
	}
	return result
}

func (w *Worker) persistArtifacts(store trace.Store, run domain.Run, specs []ArtifactSpec) ([]domain.Artifact, error) {
	var artifacts []domain.Artifact
	for _, spec := range specs {
		rel := trace.ArtifactsDir + "/" + spec.Path
		if err := store.Write(rel, spec.Content); err != nil {
			return nil, err
		}
		sum := sha256.Sum256(spec.Content)
		digest := "sha256:" + hex.EncodeToString(sum[:])
		mediaType := spec.MediaType
		artifacts = append(artifacts, domain.Artifact{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			TraceID:   run.TraceID,
			Type:      spec.Type,
			Title:     spec.Title,
			URI:       store.URI() + rel,
			MediaType: &mediaType,
			Digest:    &digest,
			CreatedAt: w.Engine.Now().UTC().Format(time.RFC3339),
		})
	}
	return artifacts, nil
}

// writeManifest rewrites manifest.json at each lifecycle milestone so it
// always reflects the latest known state of the run.
func (w *Worker) writeManifest(store trace.Store, task domain.Task, run domain.Run, milestone string, failure *string) {
	manifest := map[string]any{
		"task_id":    task.ID,
		"run_id":     run.ID,
		"trace_id":   task.TraceID,
		"milestone":  milestone,
		"status":     run.Status,
		"objective":  task.Objective,
		"operation":  task.Operation,
		"target":     map[string]string{"repo": task.TargetRepo, "ref": task.TargetRef, "path": task.TargetPath},
		"worker_id":  w.ID,
		"executor":   map[string]string{"type": run.ExecutorType, "version": run.ExecutorVersion},
		"updated_at": w.Engine.Now().UTC().Format(time.RFC3339),
	}
	if failure != nil {
		manifest["failure"] = *failure
	}
	if err := store.WriteJSON(trace.ManifestFile, manifest); err != nil {
		w.logf("worker %s: write manifest: %v", w.ID, err)
	}
}

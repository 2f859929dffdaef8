package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"worktower/internal/domain"
	"worktower/internal/trace"
)

// Execution terminal statuses.
const (
	ExecSucceeded = "succeeded"
	ExecFailed    = "failed"
	ExecTimedOut  = "timed_out"
)

// ExecutionContext is everything an executor may consult: the claimed
// task, the work-metadata lookups snapshotted at enqueue, and the run's
// trace store for incremental logging.
type ExecutionContext struct {
	Task       domain.Task
	Run        domain.Run
	Packet     *domain.ContextPacket
	Snapshot   *domain.ConstraintSnapshot
	Store      trace.Store
	TimeBudget time.Duration
}

// ArtifactSpec describes one output the executor produced. Content is
// persisted by the worker under artifacts/ in the trace store.
type ArtifactSpec struct {
	Type      string
	Title     string
	Path      string
	MediaType string
	Content   []byte
}

// ExecutionResult carries the outcome of one execute call.
type ExecutionResult struct {
	Success      bool
	Status       string
	Outputs      map[string]any
	Artifacts    []ArtifactSpec
	ErrorCode    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Executor runs a task's operation. Implementations must honor ctx
// cancellation; the worker bounds ctx by the task's time budget.
// Swapping implementations requires no change to the worker loop,
// prover, or review policy.
type Executor interface {
	Name() string
	Version() string
	Execute(ctx context.Context, ec ExecutionContext) (ExecutionResult, error)
}

// NewExecutor returns the executor registered under name.
func NewExecutor(name string) (Executor, error) {
	switch name {
	case "", "stub":
		return StubExecutor{}, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", name)
	}
}

// StubExecutor is a deterministic stand-in used to validate the
// pipeline's plumbing, not to judge real work. It narrates the objective
// to the trace, waits a bounded fraction of the time budget, and emits a
// single documentation artifact.
type StubExecutor struct{}

func (StubExecutor) Name() string    { return "stub" }
func (StubExecutor) Version() string { return "1.0" }

func (s StubExecutor) Execute(ctx context.Context, ec ExecutionContext) (ExecutionResult, error) {
	started := time.Now()
	if ec.Store != nil {
		ec.Store.AppendLine(trace.TraceLogFile, fmt.Sprintf("stub executor: %s on %s (%s)", ec.Task.Operation, ec.Task.TargetRepo, ec.Task.Objective))
	}

	delay := ec.TimeBudget / 10
	if delay > time.Second {
		delay = time.Second
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ExecutionResult{
				Success:      false,
				Status:       ExecTimedOut,
				ErrorCode:    "TIMEOUT",
				ErrorMessage: ctx.Err().Error(),
				StartedAt:    started,
				FinishedAt:   time.Now(),
			}, nil
		case <-timer.C:
		}
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "# Task output\n\n")
	fmt.Fprintf(&doc, "Objective: %s\n\n", ec.Task.Objective)
	fmt.Fprintf(&doc, "Operation: %s\nTarget: %s@%s\n", ec.Task.Operation, ec.Task.TargetRepo, ec.Task.TargetRef)
	fmt.Fprintf(&doc, "\nThis output was produced by the stub executor.\n")

	return ExecutionResult{
		Success: true,
		Status:  ExecSucceeded,
		Outputs: map[string]any{
			"summary":   fmt.Sprintf("stub execution of %s completed", ec.Task.Operation),
			"operation": ec.Task.Operation,
		},
		Artifacts: []ArtifactSpec{{
			Type:      domain.ArtifactTypeDoc,
			Title:     "output.md",
			Path:      "output.md",
			MediaType: "text/markdown",
			Content:   []byte(doc.String()),
		}},
		StartedAt:  started,
		FinishedAt: time.Now(),
	}, nil
}

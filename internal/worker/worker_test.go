package worker_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"worktower/internal/config"
	"worktower/internal/db"
	"worktower/internal/domain"
	"worktower/internal/engine"
	"worktower/internal/migrate"
	"worktower/internal/trace"
	"worktower/internal/worker"
)

type workerEnv struct {
	Engine   engine.Engine
	TraceDir string
	Ctx      context.Context
}

func newWorkerEnv(t *testing.T) workerEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	traceDir := filepath.Join(dir, "traces")
	cfg := config.Default("file://" + traceDir)
	cfg.Policy.AllowedRepoPrefixes = []string{"acme/"}
	return workerEnv{
		Engine:   engine.New(conn, cfg),
		TraceDir: traceDir,
		Ctx:      context.Background(),
	}
}

func newWorker(t *testing.T, env workerEnv, id string) *worker.Worker {
	t.Helper()
	w := worker.New(env.Engine, worker.StubExecutor{}, nil)
	w.ID = id
	return w
}

func enqueue(t *testing.T, env workerEnv, spec domain.TaskSpec) domain.Task {
	t.Helper()
	task, _, err := env.Engine.EnqueueTask(env.Ctx, spec, spec.RequestedBy)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func docSpec() domain.TaskSpec {
	return domain.TaskSpec{
		Objective:            "Write release notes for 2.4",
		Operation:            domain.OperationDocs,
		Target:               domain.TaskTarget{Repo: "acme/webapp"},
		RequestedBy:          domain.Actor{Kind: domain.ActorHuman, ID: "tester"},
		AcceptanceCriteria:   []string{"notes cover every merged change"},
		EvidenceRequirements: []string{"documentation"},
	}
}

func TestProcessTaskFullPipeline(t *testing.T) {
	env := newWorkerEnv(t)
	w := newWorker(t, env, "worker-a")
	task := enqueue(t, env, docSpec())

	claimed, err := w.ProcessTask(env.Ctx, task)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !claimed {
		t.Fatalf("expected to claim the task")
	}

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("task should be completed, got %s", got.Status)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "worker-a" {
		t.Fatalf("task should record the claiming worker, got %v", got.AssignedTo)
	}

	runs, err := env.Engine.Repo.ListRunsForTask(env.Ctx, task.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %d (%v)", len(runs), err)
	}
	run := runs[0]
	// auto-approve is off, so the pass verdict parks under review
	if run.Status != domain.RunStatusUnderReview {
		t.Fatalf("run should be under_review, got %s", run.Status)
	}

	packs, err := env.Engine.Repo.ListEvidencePacksForRun(env.Ctx, run.ID)
	if err != nil || len(packs) != 1 {
		t.Fatalf("expected one evidence pack, got %d (%v)", len(packs), err)
	}
	if packs[0].Verdict != domain.VerdictPass {
		t.Fatalf("documentation requirement matches the stub artifact; expected pass, got %s (%s)", packs[0].Verdict, packs[0].VerdictReason)
	}
	if len(packs[0].Criteria) != 1 || packs[0].Criteria[0].Status != domain.CriterionUnverified {
		t.Fatalf("acceptance criteria must stay unverified: %+v", packs[0].Criteria)
	}

	artifacts, err := env.Engine.Repo.ListArtifactsForRun(env.Ctx, run.ID)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("expected one artifact, got %d (%v)", len(artifacts), err)
	}
	if artifacts[0].Digest == nil || *artifacts[0].Digest == "" {
		t.Fatalf("artifact digest missing")
	}

	// trace storage is keyed by run id, not trace id
	root := filepath.Join(env.TraceDir, run.ID)
	for _, rel := range []string{
		"manifest.json",
		"events.jsonl",
		"trace.log",
		filepath.Join("artifacts", "output.md"),
		filepath.Join("evidence", "verdict.json"),
		filepath.Join("evidence", "collected.json"),
		filepath.Join("evidence", "criteria", "criterion_1.json"),
	} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Fatalf("trace store missing %s: %v", rel, err)
		}
	}
}

func TestProcessTaskClaimRace(t *testing.T) {
	env := newWorkerEnv(t)
	w1 := newWorker(t, env, "worker-a")
	w2 := newWorker(t, env, "worker-b")
	task := enqueue(t, env, docSpec())

	claimed, err := w1.ProcessTask(env.Ctx, task)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	// the task left the queue; the second worker loses the CAS cleanly
	claimed, err = w2.ProcessTask(env.Ctx, task)
	if err != nil {
		t.Fatalf("losing a claim is not an error: %v", err)
	}
	if claimed {
		t.Fatalf("only one worker may claim a task")
	}

	runs, err := env.Engine.Repo.ListRunsForTask(env.Ctx, task.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected exactly one run, got %d (%v)", len(runs), err)
	}
	if runs[0].WorkerID != "worker-a" {
		t.Fatalf("run should belong to the winner, got %s", runs[0].WorkerID)
	}
}

func TestClaimTaskConcurrentSingleWinner(t *testing.T) {
	env := newWorkerEnv(t)
	task := enqueue(t, env, docSpec())

	const attempts = 8
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	start := make(chan struct{})
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			claimed, err := env.Engine.Repo.ClaimTask(env.Ctx, task.ID, fmt.Sprintf("worker-%d", i), now)
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("exactly one concurrent claim may win, got %d", got)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil || got.Status != domain.TaskStatusRunning {
		t.Fatalf("task should be running after the winning claim, got %s (%v)", got.Status, err)
	}
}

// A task requeued by the lease sweep produces a second run. That run
// must get its own trace folder; the dead worker's attempt stays intact.
func TestRequeuedTaskKeepsFirstRunTraceIntact(t *testing.T) {
	env := newWorkerEnv(t)
	task := enqueue(t, env, docSpec())

	// a worker claims the task long ago and dies mid-execution
	claimed, err := env.Engine.Repo.ClaimTask(env.Ctx, task.ID, "worker-dead", "2020-01-01T00:00:00Z")
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	task.Status = domain.TaskStatusRunning
	first, err := env.Engine.BeginRun(env.Ctx, task, engine.ExecutorDescriptor{
		Type: "stub", Version: "1.0", WorkerID: "worker-dead",
	}, "", "")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	firstStore, err := trace.Open("file://"+env.TraceDir, first.ID)
	if err != nil {
		t.Fatalf("open first store: %v", err)
	}
	partial := []byte("partial output from the dead worker\n")
	if err := firstStore.Write("artifacts/output.md", partial); err != nil {
		t.Fatalf("write first artifact: %v", err)
	}

	requeued, err := env.Engine.RequeueOrphans(env.Ctx, 60, 10)
	if err != nil || len(requeued) != 1 {
		t.Fatalf("expected one requeued task, got %d (%v)", len(requeued), err)
	}

	w := newWorker(t, env, "worker-b")
	claimed, err = w.ProcessTask(env.Ctx, requeued[0])
	if err != nil || !claimed {
		t.Fatalf("second attempt: claimed=%v err=%v", claimed, err)
	}

	runs, err := env.Engine.Repo.ListRunsForTask(env.Ctx, task.ID)
	if err != nil || len(runs) != 2 {
		t.Fatalf("expected two runs, got %d (%v)", len(runs), err)
	}
	var second domain.Run
	for _, r := range runs {
		if r.ID != first.ID {
			second = r
		}
	}
	if second.ID == "" {
		t.Fatalf("second run not recorded")
	}
	if second.ArtifactRootURI == "" || second.ArtifactRootURI == firstStore.URI() {
		t.Fatalf("runs must not share a trace folder: %q", second.ArtifactRootURI)
	}

	kept, err := os.ReadFile(filepath.Join(env.TraceDir, first.ID, "artifacts", "output.md"))
	if err != nil {
		t.Fatalf("first run's artifact gone: %v", err)
	}
	if string(kept) != string(partial) {
		t.Fatalf("first run's artifact overwritten: %q", kept)
	}
	if _, err := os.Stat(filepath.Join(env.TraceDir, second.ID, "artifacts", "output.md")); err != nil {
		t.Fatalf("second run's artifact missing: %v", err)
	}
}

func TestProcessTaskAutoApproveReachesTerminalStates(t *testing.T) {
	env := newWorkerEnv(t)
	env.Engine.Config.Review.AutoApprove = true
	env.Engine.Config.Review.AutoApproveVerdicts = []string{domain.VerdictPass}
	w := newWorker(t, env, "worker-a")
	task := enqueue(t, env, docSpec())

	claimed, err := w.ProcessTask(env.Ctx, task)
	if err != nil || !claimed {
		t.Fatalf("process: claimed=%v err=%v", claimed, err)
	}

	runs, err := env.Engine.Repo.ListRunsForTask(env.Ctx, task.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run (%v)", err)
	}
	if runs[0].Status != domain.RunStatusDone {
		t.Fatalf("run should be done after auto-approve, got %s", runs[0].Status)
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *task.IssueID)
	if err != nil || issue.Status != domain.IssueStatusDone {
		t.Fatalf("issue should be done, got %s (%v)", issue.Status, err)
	}
}

func TestProcessTaskMissingEvidenceYieldsPartial(t *testing.T) {
	env := newWorkerEnv(t)
	w := newWorker(t, env, "worker-a")
	spec := docSpec()
	spec.EvidenceRequirements = []string{"pytest results"}
	task := enqueue(t, env, spec)

	claimed, err := w.ProcessTask(env.Ctx, task)
	if err != nil || !claimed {
		t.Fatalf("process: claimed=%v err=%v", claimed, err)
	}
	runs, err := env.Engine.Repo.ListRunsForTask(env.Ctx, task.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run (%v)", err)
	}
	packs, err := env.Engine.Repo.ListEvidencePacksForRun(env.Ctx, runs[0].ID)
	if err != nil || len(packs) != 1 {
		t.Fatalf("expected one pack (%v)", err)
	}
	if packs[0].Verdict != domain.VerdictPartial {
		t.Fatalf("stub emits no test log; expected partial, got %s", packs[0].Verdict)
	}
	if len(packs[0].MissingEvidence) != 1 || packs[0].MissingEvidence[0] != "pytest results" {
		t.Fatalf("missing evidence not recorded: %+v", packs[0].MissingEvidence)
	}
}

func TestStubExecutorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	result, err := worker.StubExecutor{}.Execute(ctx, worker.ExecutionContext{
		Task:       domain.Task{Objective: "slow", Operation: domain.OperationDocs},
		TimeBudget: time.Hour,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.Status != worker.ExecTimedOut {
		t.Fatalf("expected timed_out, got %+v", result)
	}
	if result.ErrorCode != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT code, got %s", result.ErrorCode)
	}
}

func TestNewExecutor(t *testing.T) {
	if _, err := worker.NewExecutor(""); err != nil {
		t.Fatalf("default executor: %v", err)
	}
	if _, err := worker.NewExecutor("stub"); err != nil {
		t.Fatalf("stub executor: %v", err)
	}
	if _, err := worker.NewExecutor("warp-drive"); err == nil {
		t.Fatalf("unknown executor must error")
	}
}

package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"worktower/internal/config"
	"worktower/internal/db"
	"worktower/internal/domain"
	"worktower/internal/engine"
	"worktower/internal/migrate"
	"worktower/internal/policy"
	"worktower/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("file://" + dir + "/traces")
	cfg.Policy.AllowedRepoPrefixes = []string{"acme/"}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func testSpec() domain.TaskSpec {
	return domain.TaskSpec{
		Objective: "Fix the flaky login test",
		Operation: domain.OperationCodeChange,
		Target:    domain.TaskTarget{Repo: "acme/webapp"},
		RequestedBy: domain.Actor{
			Kind: domain.ActorHuman,
			ID:   "tester",
		},
		AcceptanceCriteria:   []string{"login test passes"},
		EvidenceRequirements: []string{"test log"},
	}
}

func requester() domain.Actor {
	return domain.Actor{Kind: domain.ActorHuman, ID: "tester"}
}

func TestEnqueueTaskCreatesQueuedTaskWithLinkedIssue(t *testing.T) {
	env := newTestEnv(t)
	task, created, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if task.Status != domain.TaskStatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
	if task.TraceID == "" {
		t.Fatalf("trace id not minted")
	}
	if task.IssueID == nil {
		t.Fatalf("task not linked to an issue")
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *task.IssueID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.Status != domain.IssueStatusOpen {
		t.Fatalf("issue should be open, got %s", issue.Status)
	}
	if issue.TraceID != task.TraceID {
		t.Fatalf("issue trace %s != task trace %s", issue.TraceID, task.TraceID)
	}
	packet, err := env.Engine.Repo.GetContextPacketForIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("get context packet: %v", err)
	}
	if len(packet.EvidenceRequirements) != 1 || packet.EvidenceRequirements[0] != "test log" {
		t.Fatalf("context packet missing evidence requirements: %+v", packet)
	}
	if _, err := env.Engine.Repo.GetConstraintSnapshotForIssue(env.Ctx, issue.ID); err != nil {
		t.Fatalf("get constraint snapshot: %v", err)
	}
}

func TestEnqueueTaskAuditChain(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := env.Engine.Repo.AuditByTrace(env.Ctx, task.TraceID)
	if err != nil {
		t.Fatalf("audit by trace: %v", err)
	}
	want := []string{
		domain.AuditCreated,       // task
		domain.AuditCreated,       // issue
		domain.AuditLinked,        // task -> issue
		domain.AuditStatusChanged, // pending -> queued
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d audit entries, got %d", len(want), len(entries))
	}
	for i, action := range want {
		if entries[i].Action != action {
			t.Fatalf("entry %d: expected %s, got %s", i, action, entries[i].Action)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Fatalf("audit ids not ascending: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
}

func TestEnqueueTaskIdempotency(t *testing.T) {
	env := newTestEnv(t)
	key := "req-001"
	spec := testSpec()
	spec.IdempotencyKey = &key

	first, created, err := env.Engine.EnqueueTask(env.Ctx, spec, requester())
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := env.Engine.EnqueueTask(env.Ctx, spec, requester())
	if err != nil {
		t.Fatalf("replay enqueue: %v", err)
	}
	if created {
		t.Fatalf("replay should not create")
	}
	if second.ID != first.ID || second.TraceID != first.TraceID {
		t.Fatalf("replay returned a different task: %s vs %s", second.ID, first.ID)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{}, 10, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}
}

func TestEnqueueTaskPolicyRejection(t *testing.T) {
	env := newTestEnv(t)
	spec := testSpec()
	spec.Target.Repo = "evilcorp/webapp"
	_, _, err := env.Engine.EnqueueTask(env.Ctx, spec, requester())
	var pe *policy.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if pe.Code != policy.CodeRepoNotAllowed {
		t.Fatalf("expected REPO_NOT_ALLOWED, got %s", pe.Code)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{}, 10, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected spec must not persist a task")
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, requester())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	_, err = env.Engine.CancelTask(env.Ctx, task.ID, requester())
	var ie *engine.IntegrityError
	if !errors.As(err, &ie) || ie.Code != engine.CodeTaskNotCancellable {
		t.Fatalf("expected TASK_NOT_CANCELLABLE, got %v", err)
	}
}

// claimAndRun pushes a task through claim and BeginRun with a stub
// executor identity, returning the run.
func claimAndRun(t *testing.T, env testEnv, task domain.Task) domain.Run {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	claimed, err := env.Engine.Repo.ClaimTask(env.Ctx, task.ID, "worker-test", now)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	task.Status = domain.TaskStatusRunning
	run, err := env.Engine.BeginRun(env.Ctx, task, engine.ExecutorDescriptor{
		Type: "stub", Version: "1.0", WorkerID: "worker-test",
	}, "", "file:///tmp/traces/unused/")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	return run
}

func completeRun(t *testing.T, env testEnv, run domain.Run) domain.Run {
	t.Helper()
	run, err := env.Engine.CompleteRun(env.Ctx, run, engine.RunResult{Success: true})
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}
	return run
}

func recordPack(t *testing.T, env testEnv, run domain.Run, verdict string) domain.EvidencePack {
	t.Helper()
	pack := domain.EvidencePack{
		ID:              "pack-" + run.ID,
		RunID:           run.ID,
		IssueID:         run.IssueID,
		TraceID:         run.TraceID,
		Verdict:         verdict,
		VerdictReason:   "test verdict",
		EvaluatedByKind: domain.ActorSystem,
		EvaluatedByID:   "prover",
		CreatedAt:       env.Engine.Now().UTC().Format(time.RFC3339),
	}
	if err := env.Engine.RecordEvidencePack(env.Ctx, pack); err != nil {
		t.Fatalf("record evidence pack: %v", err)
	}
	return pack
}

func TestReviewPolicyParksUnderReviewByDefault(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run := completeRun(t, env, claimAndRun(t, env, task))
	pack := recordPack(t, env, run, domain.VerdictPass)

	outcome, err := env.Engine.ApplyReviewPolicy(env.Ctx, pack)
	if err != nil {
		t.Fatalf("apply review policy: %v", err)
	}
	if outcome.Status != engine.ReviewAwaitingManual {
		t.Fatalf("auto-approve is off; expected awaiting_manual_review, got %s", outcome.Status)
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunStatusUnderReview {
		t.Fatalf("run should be under_review, got %s", got.Status)
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *run.IssueID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.Status != domain.IssueStatusUnderReview {
		t.Fatalf("issue should be under_review, got %s", issue.Status)
	}
}

func TestReviewPolicyAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Review.AutoApprove = true
	env.Engine.Config.Review.AutoApproveVerdicts = []string{domain.VerdictPass}

	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run := completeRun(t, env, claimAndRun(t, env, task))
	pack := recordPack(t, env, run, domain.VerdictPass)

	outcome, err := env.Engine.ApplyReviewPolicy(env.Ctx, pack)
	if err != nil {
		t.Fatalf("apply review policy: %v", err)
	}
	if outcome.Status != engine.ReviewAutoApproved {
		t.Fatalf("expected auto_approved, got %s", outcome.Status)
	}
	if outcome.ReviewID == nil {
		t.Fatalf("auto-approve must synthesize a decision")
	}
	decision, err := env.Engine.Repo.GetReviewDecision(env.Ctx, *outcome.ReviewID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if decision.Decision != domain.DecisionApproved || decision.ReviewerKind != domain.ActorSystem {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil || got.Status != domain.RunStatusDone {
		t.Fatalf("run should be done, got %s (%v)", got.Status, err)
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *run.IssueID)
	if err != nil || issue.Status != domain.IssueStatusDone {
		t.Fatalf("issue should be done, got %s (%v)", issue.Status, err)
	}
}

func TestReviewPolicyNeverAutoApprovesIneligibleVerdicts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Review.AutoApprove = true
	env.Engine.Config.Review.AutoApproveVerdicts = []string{domain.VerdictPass}

	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run := completeRun(t, env, claimAndRun(t, env, task))
	pack := recordPack(t, env, run, domain.VerdictPartial)

	outcome, err := env.Engine.ApplyReviewPolicy(env.Ctx, pack)
	if err != nil {
		t.Fatalf("apply review policy: %v", err)
	}
	if outcome.Status != engine.ReviewAwaitingManual {
		t.Fatalf("partial verdict must await manual review, got %s", outcome.Status)
	}
}

func TestSubmitReview(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run := completeRun(t, env, claimAndRun(t, env, task))
	pack := recordPack(t, env, run, domain.VerdictPass)
	if _, err := env.Engine.ApplyReviewPolicy(env.Ctx, pack); err != nil {
		t.Fatalf("apply review policy: %v", err)
	}

	decision, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		EvidencePackID: pack.ID,
		Decision:       domain.DecisionApproved,
		Reason:         "looks good",
		Reviewer:       requester(),
	})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if decision.Decision != domain.DecisionApproved {
		t.Fatalf("unexpected decision %s", decision.Decision)
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *run.IssueID)
	if err != nil || issue.Status != domain.IssueStatusDone {
		t.Fatalf("issue should be done, got %s (%v)", issue.Status, err)
	}

	// a second decision on the same pack is stale
	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		EvidencePackID: pack.ID,
		Decision:       domain.DecisionRejected,
		Reviewer:       requester(),
	})
	var ie *engine.IntegrityError
	if !errors.As(err, &ie) || ie.Code != engine.CodeReviewNotPending {
		t.Fatalf("expected REVIEW_NOT_PENDING, got %v", err)
	}
}

func TestSubmitReviewRejectionFailsRunAndIssue(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run := completeRun(t, env, claimAndRun(t, env, task))
	pack := recordPack(t, env, run, domain.VerdictPartial)
	if _, err := env.Engine.ApplyReviewPolicy(env.Ctx, pack); err != nil {
		t.Fatalf("apply review policy: %v", err)
	}

	if _, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		EvidencePackID: pack.ID,
		Decision:       domain.DecisionRejected,
		Reason:         "missing test log",
		Reviewer:       requester(),
	}); err != nil {
		t.Fatalf("submit review: %v", err)
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil || got.Status != domain.RunStatusFailed {
		t.Fatalf("run should be failed, got %s (%v)", got.Status, err)
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *run.IssueID)
	if err != nil || issue.Status != domain.IssueStatusFailed {
		t.Fatalf("issue should be failed, got %s (%v)", issue.Status, err)
	}
}

func TestSubmitReviewValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		EvidencePackID: "nope",
		Decision:       "maybe",
		Reviewer:       requester(),
	})
	var ie *engine.IntegrityError
	if !errors.As(err, &ie) || ie.Code != engine.CodeInvalidDecision {
		t.Fatalf("expected INVALID_DECISION, got %v", err)
	}
	_, err = env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewOptions{
		EvidencePackID: "nope",
		Decision:       domain.DecisionApproved,
		Reviewer:       requester(),
	})
	if !errors.As(err, &ie) || ie.Code != engine.CodeEvidencePackNotFound {
		t.Fatalf("expected EVIDENCE_PACK_NOT_FOUND, got %v", err)
	}
}

func TestRequeueOrphans(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// claim with a started_at far in the past
	claimed, err := env.Engine.Repo.ClaimTask(env.Ctx, task.ID, "worker-dead", "2020-01-01T00:00:00Z")
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	requeued, err := env.Engine.RequeueOrphans(env.Ctx, 60, 10)
	if err != nil {
		t.Fatalf("requeue orphans: %v", err)
	}
	if len(requeued) != 1 || requeued[0].ID != task.ID {
		t.Fatalf("expected one requeued task, got %+v", requeued)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusQueued {
		t.Fatalf("task should be queued again, got %s", got.Status)
	}
	if got.AssignedTo != nil {
		t.Fatalf("assignment should be cleared, got %v", *got.AssignedTo)
	}
	// the task is claimable again
	claimed, err = env.Engine.Repo.ClaimTask(env.Ctx, task.ID, "worker-live", env.Engine.Now().UTC().Format(time.RFC3339))
	if err != nil || !claimed {
		t.Fatalf("reclaim: claimed=%v err=%v", claimed, err)
	}
}

func TestRequeueOrphansDisabled(t *testing.T) {
	env := newTestEnv(t)
	requeued, err := env.Engine.RequeueOrphans(env.Ctx, 0, 10)
	if err != nil {
		t.Fatalf("requeue orphans: %v", err)
	}
	if requeued != nil {
		t.Fatalf("lease 0 disables the sweep")
	}
}

func TestCompleteRunRejectsStaleWorker(t *testing.T) {
	env := newTestEnv(t)
	task, _, err := env.Engine.EnqueueTask(env.Ctx, testSpec(), requester())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run := claimAndRun(t, env, task)

	// the sweep returns the task to the queue while the worker executes
	ok, err := env.Engine.Repo.RequeueTask(env.Ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}

	_, err = env.Engine.CompleteRun(env.Ctx, run, engine.RunResult{Success: true})
	var ie *engine.IntegrityError
	if !errors.As(err, &ie) || ie.Code != engine.CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
}

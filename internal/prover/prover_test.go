package prover_test

import (
	"testing"
	"time"

	"worktower/internal/domain"
	"worktower/internal/prover"
	"worktower/internal/trace"
)

func testProver() prover.Prover {
	return prover.Prover{
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func doneRun() domain.Run {
	return domain.Run{
		ID:      "run-1",
		TaskID:  "task-1",
		TraceID: "trace-1",
		Status:  domain.RunStatusDone,
	}
}

func logArtifact() domain.Artifact {
	return domain.Artifact{
		ID:    "art-1",
		RunID: "run-1",
		Type:  domain.ArtifactTypeLog,
		Title: "test run output",
	}
}

func TestProvePassVerdict(t *testing.T) {
	pack, err := testProver().Prove(doneRun(), []string{"login works"}, []string{"test run output"}, []domain.Artifact{logArtifact()}, nil)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictPass {
		t.Fatalf("expected pass, got %s (%s)", pack.Verdict, pack.VerdictReason)
	}
	if pack.ChecksFailed != 0 {
		t.Fatalf("no checks should fail, got %d", pack.ChecksFailed)
	}
	if pack.ChecksSkipped != 1 {
		t.Fatalf("one criterion should be skipped, got %d", pack.ChecksSkipped)
	}
	if len(pack.Evidence) != 1 || !pack.Evidence[0].Found {
		t.Fatalf("evidence not collected: %+v", pack.Evidence)
	}
	if pack.EvaluatedByKind != domain.ActorSystem || pack.EvaluatedByID != "prover" {
		t.Fatalf("default evaluator wrong: %s/%s", pack.EvaluatedByKind, pack.EvaluatedByID)
	}
}

func TestProveFailedRunIsHardFail(t *testing.T) {
	run := doneRun()
	run.Status = domain.RunStatusFailed
	code := "TIMEOUT"
	msg := "context deadline exceeded"
	run.FailureCode = &code
	run.FailureMessage = &msg

	// even with every requirement satisfied the verdict is fail
	pack, err := testProver().Prove(run, nil, []string{"test run output"}, []domain.Artifact{logArtifact()}, nil)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictFail {
		t.Fatalf("expected fail, got %s", pack.Verdict)
	}
	if pack.ChecksFailed != 2 {
		t.Fatalf("status and failure-record checks should both fail, got %d", pack.ChecksFailed)
	}
}

func TestProveMissingEvidenceIsPartial(t *testing.T) {
	pack, err := testProver().Prove(doneRun(), nil, []string{"deployment screenshot"}, []domain.Artifact{logArtifact()}, nil)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictPartial {
		t.Fatalf("expected partial, got %s", pack.Verdict)
	}
	if len(pack.MissingEvidence) != 1 || pack.MissingEvidence[0] != "deployment screenshot" {
		t.Fatalf("missing evidence not recorded: %+v", pack.MissingEvidence)
	}
}

func TestProveCriteriaStayUnverified(t *testing.T) {
	pack, err := testProver().Prove(doneRun(), []string{"a", "b", "c"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if len(pack.Criteria) != 3 {
		t.Fatalf("expected 3 criterion results, got %d", len(pack.Criteria))
	}
	for _, c := range pack.Criteria {
		if c.Status != domain.CriterionUnverified {
			t.Fatalf("criterion %q should be unverified, got %s", c.Criterion, c.Status)
		}
	}
	if pack.Verdict != domain.VerdictPass {
		t.Fatalf("unverified criteria alone do not fail the verdict, got %s", pack.Verdict)
	}
}

func TestProveDeterministic(t *testing.T) {
	p := testProver()
	a, _ := p.Prove(doneRun(), []string{"x"}, []string{"test run output"}, []domain.Artifact{logArtifact()}, nil)
	b, _ := p.Prove(doneRun(), []string{"x"}, []string{"test run output"}, []domain.Artifact{logArtifact()}, nil)
	if a.Verdict != b.Verdict || a.VerdictReason != b.VerdictReason ||
		a.ChecksPassed != b.ChecksPassed || a.ChecksFailed != b.ChecksFailed {
		t.Fatalf("evaluation not deterministic: %+v vs %+v", a, b)
	}
}

func TestMatchRequirementTiers(t *testing.T) {
	artifacts := []domain.Artifact{
		{ID: "a1", Type: domain.ArtifactTypeDoc, Title: "README"},
		{ID: "a2", Type: domain.ArtifactTypeLog, Title: "pytest session log"},
		{ID: "a3", Type: domain.ArtifactTypeBinary, Title: "dashboard.png"},
	}

	cases := []struct {
		req  string
		want string // artifact id, "" for no match
	}{
		{"README", "a1"},            // exact title, case-insensitive
		{"pytest output", "a2"},     // keyword overlap on "pytest"
		{"unit test results", "a2"}, // type heuristic: test -> log
		{"ui screenshot", "a3"},     // type heuristic: screenshot -> binary
		{"compliance report", ""},
	}
	for _, tc := range cases {
		pack, err := testProver().Prove(doneRun(), nil, []string{tc.req}, artifacts, nil)
		if err != nil {
			t.Fatalf("prove %q: %v", tc.req, err)
		}
		item := pack.Evidence[0]
		if tc.want == "" {
			if item.Found {
				t.Fatalf("requirement %q should not match, got %+v", tc.req, item)
			}
			continue
		}
		if !item.Found || item.ArtifactID == nil || *item.ArtifactID != tc.want {
			t.Fatalf("requirement %q: expected artifact %s, got %+v", tc.req, tc.want, item)
		}
	}
}

func TestProveWritesEvidenceToStore(t *testing.T) {
	dir := t.TempDir()
	store, err := trace.Open("file://"+dir, "trace-1")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pack, err := testProver().Prove(doneRun(), []string{"works"}, []string{"test run output"}, []domain.Artifact{logArtifact()}, store)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.EvidenceURI != store.URI()+"evidence/" {
		t.Fatalf("evidence uri wrong: %s", pack.EvidenceURI)
	}
}

// Package prover computes the automated verdict for a completed run from
// its artifacts, the task's acceptance criteria, and its evidence
// requirements. Evaluation is deterministic: the same inputs always
// produce the same verdict.
package prover

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"worktower/internal/domain"
	"worktower/internal/trace"
)

type Prover struct {
	// Evaluator is recorded on the pack; defaults to system/prover.
	Evaluator domain.Actor
	Now       func() time.Time
}

func (p Prover) evaluator() domain.Actor {
	if p.Evaluator.ID != "" {
		return p.Evaluator
	}
	return domain.Actor{Kind: domain.ActorSystem, ID: "prover"}
}

func (p Prover) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Prove evaluates one run and serializes the evaluation to the run's
// trace store so the verdict is reproducible from durable storage alone.
// Store may be nil in tests that only care about the verdict.
func (p Prover) Prove(run domain.Run, criteria, requirements []string, artifacts []domain.Artifact, store trace.Store) (domain.EvidencePack, error) {
	var (
		checksPassed  int
		checksFailed  int
		checksSkipped int
		hardFailures  []string
	)

	// Check 1: the run itself reports success.
	if run.Status == domain.RunStatusDone || run.Status == domain.RunStatusUnderReview {
		checksPassed++
	} else {
		checksFailed++
		hardFailures = append(hardFailures, fmt.Sprintf("run finished with status %s", run.Status))
	}

	// Check 2: no failure record attached.
	if run.FailureCode == nil && run.FailureMessage == nil {
		checksPassed++
	} else {
		checksFailed++
		code := "unknown"
		if run.FailureCode != nil {
			code = *run.FailureCode
		}
		msg := ""
		if run.FailureMessage != nil {
			msg = *run.FailureMessage
		}
		hardFailures = append(hardFailures, fmt.Sprintf("failure %s: %s", code, msg))
	}

	// Check 3: each evidence requirement must match an artifact.
	var (
		evidence []domain.EvidenceItem
		missing  []string
	)
	for _, req := range requirements {
		item := matchRequirement(req, artifacts)
		evidence = append(evidence, item)
		if item.Found {
			checksPassed++
		} else {
			checksFailed++
			missing = append(missing, req)
		}
	}

	// Check 4: acceptance criteria stay unverified. Automated judgment
	// is deliberately unavailable; never upgraded to satisfied here.
	var results []domain.CriterionResult
	for _, c := range criteria {
		results = append(results, domain.CriterionResult{
			Criterion: c,
			Status:    domain.CriterionUnverified,
			Rationale: "automated acceptance judgment is not available; requires manual review",
		})
		checksSkipped++
	}

	verdict, reason := deriveVerdict(hardFailures, missing, len(results))

	pack := domain.EvidencePack{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		IssueID:         run.IssueID,
		TraceID:         run.TraceID,
		Verdict:         verdict,
		VerdictReason:   reason,
		EvaluatedByKind: p.evaluator().Kind,
		EvaluatedByID:   p.evaluator().ID,
		Criteria:        results,
		Evidence:        evidence,
		MissingEvidence: missing,
		ChecksPassed:    checksPassed,
		ChecksFailed:    checksFailed,
		ChecksSkipped:   checksSkipped,
		CreatedAt:       p.now().UTC().Format(time.RFC3339),
	}

	if store != nil {
		pack.EvidenceURI = store.URI() + trace.EvidenceDir + "/"
		if err := p.writeEvidence(store, pack); err != nil {
			return pack, fmt.Errorf("write evidence to trace store: %w", err)
		}
	}
	return pack, nil
}

func deriveVerdict(hardFailures, missing []string, criteriaCount int) (string, string) {
	if len(hardFailures) > 0 {
		return domain.VerdictFail, "run failed: " + strings.Join(hardFailures, "; ")
	}
	if len(missing) > 0 {
		return domain.VerdictPartial, "missing evidence: " + strings.Join(missing, ", ")
	}
	return domain.VerdictPass, fmt.Sprintf("all automated checks passed; %d acceptance criteria remain unverified pending manual review", criteriaCount)
}

// matchRequirement finds an artifact for a requirement by exact title
// match, then keyword overlap, then requirement-to-type heuristics.
func matchRequirement(req string, artifacts []domain.Artifact) domain.EvidenceItem {
	lowered := strings.ToLower(strings.TrimSpace(req))

	for _, a := range artifacts {
		if strings.ToLower(a.Title) == lowered {
			return found(req, a, "exact title match")
		}
	}

	reqWords := keywords(lowered)
	for _, a := range artifacts {
		titleWords := keywords(strings.ToLower(a.Title))
		for w := range reqWords {
			if titleWords[w] {
				return found(req, a, fmt.Sprintf("title keyword %q", w))
			}
		}
	}

	wantTypes := typesFor(lowered)
	for _, a := range artifacts {
		if wantTypes[a.Type] {
			return found(req, a, fmt.Sprintf("artifact type %s matches requirement", a.Type))
		}
	}

	return domain.EvidenceItem{
		Requirement: req,
		Found:       false,
		Note:        "no artifact matched by title, keyword, or type",
	}
}

func found(req string, a domain.Artifact, note string) domain.EvidenceItem {
	id := a.ID
	title := a.Title
	return domain.EvidenceItem{
		Requirement:   req,
		Found:         true,
		ArtifactID:    &id,
		ArtifactTitle: &title,
		Note:          note,
	}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true,
	"and": true, "or": true, "to": true, "with": true, "in": true,
}

func keywords(s string) map[string]bool {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 2 && !stopwords[w] {
			set[w] = true
		}
	}
	return set
}

func typesFor(req string) map[string]bool {
	types := map[string]bool{}
	if strings.Contains(req, "test") || strings.Contains(req, "pytest") {
		types[domain.ArtifactTypeLog] = true
		types[domain.ArtifactTypeTrace] = true
	}
	if strings.Contains(req, "screenshot") || strings.Contains(req, "image") {
		types[domain.ArtifactTypeBinary] = true
	}
	if strings.Contains(req, "doc") || strings.Contains(req, "readme") {
		types[domain.ArtifactTypeDoc] = true
	}
	return types
}

func (p Prover) writeEvidence(store trace.Store, pack domain.EvidencePack) error {
	if err := store.EnsureDir(trace.EvidenceDir + "/criteria"); err != nil {
		return err
	}
	if err := store.WriteJSON(trace.EvidenceDir+"/verdict.json", map[string]any{
		"evidence_pack_id": pack.ID,
		"run_id":           pack.RunID,
		"trace_id":         pack.TraceID,
		"verdict":          pack.Verdict,
		"verdict_reason":   pack.VerdictReason,
		"checks_passed":    pack.ChecksPassed,
		"checks_failed":    pack.ChecksFailed,
		"checks_skipped":   pack.ChecksSkipped,
		"evaluated_by":     pack.EvaluatedByKind + "/" + pack.EvaluatedByID,
		"created_at":       pack.CreatedAt,
	}); err != nil {
		return err
	}
	for i, c := range pack.Criteria {
		path := fmt.Sprintf("%s/criteria/criterion_%d.json", trace.EvidenceDir, i+1)
		if err := store.WriteJSON(path, c); err != nil {
			return err
		}
	}
	return store.WriteJSON(trace.EvidenceDir+"/collected.json", map[string]any{
		"evidence": pack.Evidence,
		"missing":  pack.MissingEvidence,
	})
}

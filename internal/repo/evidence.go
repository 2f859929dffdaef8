package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"worktower/internal/domain"
)

const packColumns = `id,run_id,issue_id,trace_id,verdict,verdict_reason,evaluated_by_kind,evaluated_by_id,criteria_json,evidence_json,missing_evidence_json,checks_passed,checks_failed,checks_skipped,evidence_uri,created_at`

func (r Repo) InsertEvidencePack(ctx context.Context, tx *sql.Tx, p domain.EvidencePack) error {
	criteria, err := marshalJSONColumn(p.Criteria)
	if err != nil {
		return err
	}
	evidence, err := marshalJSONColumn(p.Evidence)
	if err != nil {
		return err
	}
	missing, err := marshalStringSlice(p.MissingEvidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO evidence_packs(`+packColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.RunID, nullableStringPtr(p.IssueID), p.TraceID, p.Verdict, p.VerdictReason,
		p.EvaluatedByKind, p.EvaluatedByID, criteria, evidence, missing,
		p.ChecksPassed, p.ChecksFailed, p.ChecksSkipped, p.EvidenceURI, p.CreatedAt)
	return err
}

func scanEvidencePack(row taskScanner) (domain.EvidencePack, error) {
	var (
		p        domain.EvidencePack
		criteria sql.NullString
		evidence sql.NullString
		missing  sql.NullString
	)
	err := row.Scan(&p.ID, &p.RunID, &p.IssueID, &p.TraceID, &p.Verdict, &p.VerdictReason,
		&p.EvaluatedByKind, &p.EvaluatedByID, &criteria, &evidence, &missing,
		&p.ChecksPassed, &p.ChecksFailed, &p.ChecksSkipped, &p.EvidenceURI, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &p.Criteria); err != nil {
			return p, err
		}
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &p.Evidence); err != nil {
			return p, err
		}
	}
	if p.MissingEvidence, err = unmarshalStringSlice(missing); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) GetEvidencePack(ctx context.Context, id string) (domain.EvidencePack, error) {
	return scanEvidencePack(r.DB.QueryRowContext(ctx, `SELECT `+packColumns+` FROM evidence_packs WHERE id=?`, id))
}

func (r Repo) GetEvidencePackTx(ctx context.Context, tx *sql.Tx, id string) (domain.EvidencePack, error) {
	return scanEvidencePack(tx.QueryRowContext(ctx, `SELECT `+packColumns+` FROM evidence_packs WHERE id=?`, id))
}

func (r Repo) ListEvidencePacksForRun(ctx context.Context, runID string) ([]domain.EvidencePack, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+packColumns+` FROM evidence_packs WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidencePack
	for rows.Next() {
		p, err := scanEvidencePack(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListPendingReviewPacks returns packs whose issue is still under review
// and that carry no decision yet, newest-first.
func (r Repo) ListPendingReviewPacks(ctx context.Context, limit int) ([]domain.EvidencePack, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixColumns("p", packColumns)+` FROM evidence_packs p
JOIN issues i ON i.id = p.issue_id
WHERE i.status='under_review'
  AND NOT EXISTS (SELECT 1 FROM review_decisions d WHERE d.evidence_pack_id = p.id)
ORDER BY p.created_at DESC, p.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidencePack
	for rows.Next() {
		p, err := scanEvidencePack(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const reviewColumns = `id,evidence_pack_id,run_id,issue_id,trace_id,decision,reason,reviewer_kind,reviewer_id,reviewer_label,overrides_json,created_at`

func (r Repo) InsertReviewDecision(ctx context.Context, tx *sql.Tx, d domain.ReviewDecision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_decisions(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.EvidencePackID, d.RunID, nullableStringPtr(d.IssueID), d.TraceID,
		d.Decision, d.Reason, d.ReviewerKind, d.ReviewerID, nullableStringPtr(d.ReviewerLabel),
		nullableStringPtr(d.OverridesJSON), d.CreatedAt)
	return err
}

func scanReviewDecision(row taskScanner) (domain.ReviewDecision, error) {
	var d domain.ReviewDecision
	err := row.Scan(&d.ID, &d.EvidencePackID, &d.RunID, &d.IssueID, &d.TraceID,
		&d.Decision, &d.Reason, &d.ReviewerKind, &d.ReviewerID, &d.ReviewerLabel,
		&d.OverridesJSON, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetReviewDecision(ctx context.Context, id string) (domain.ReviewDecision, error) {
	return scanReviewDecision(r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_decisions WHERE id=?`, id))
}

func (r Repo) ListReviewDecisionsForPack(ctx context.Context, packID string) ([]domain.ReviewDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM review_decisions WHERE evidence_pack_id=? ORDER BY created_at DESC, id DESC`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewDecision
	for rows.Next() {
		d, err := scanReviewDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func marshalJSONColumn(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	if s == "null" {
		return nil, nil
	}
	return s, nil
}

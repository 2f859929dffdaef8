package repo

import (
	"context"
	"database/sql"

	"worktower/internal/domain"
)

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,repo,title,status,trace_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		i.ID, i.Repo, i.Title, i.Status, i.TraceID, i.CreatedAt, i.UpdatedAt)
	return err
}

func scanIssue(row taskScanner) (domain.Issue, error) {
	var i domain.Issue
	err := row.Scan(&i.ID, &i.Repo, &i.Title, &i.Status, &i.TraceID, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT id,repo,title,status,trace_id,created_at,updated_at FROM issues WHERE id=?`, id))
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT id,repo,title,status,trace_id,created_at,updated_at FROM issues WHERE id=?`, id))
}

func (r Repo) UpdateIssueStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertContextPacket(ctx context.Context, tx *sql.Tx, p domain.ContextPacket) error {
	criteria, err := marshalStringSlice(p.AcceptanceCriteria)
	if err != nil {
		return err
	}
	requirements, err := marshalStringSlice(p.EvidenceRequirements)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO context_packets(id,issue_id,summary,acceptance_criteria_json,evidence_requirements_json,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.IssueID, p.Summary, criteria, requirements, p.CreatedAt)
	return err
}

// GetContextPacketForIssue returns the newest packet for an issue.
func (r Repo) GetContextPacketForIssue(ctx context.Context, issueID string) (domain.ContextPacket, error) {
	var (
		p            domain.ContextPacket
		criteria     sql.NullString
		requirements sql.NullString
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,issue_id,summary,acceptance_criteria_json,evidence_requirements_json,created_at FROM context_packets WHERE issue_id=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		issueID).Scan(&p.ID, &p.IssueID, &p.Summary, &criteria, &requirements, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.AcceptanceCriteria, err = unmarshalStringSlice(criteria); err != nil {
		return p, err
	}
	if p.EvidenceRequirements, err = unmarshalStringSlice(requirements); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertConstraintSnapshot(ctx context.Context, tx *sql.Tx, s domain.ConstraintSnapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO constraint_snapshots(id,issue_id,constraints_json,created_at) VALUES (?,?,?,?)`,
		s.ID, s.IssueID, s.ConstraintsJSON, s.CreatedAt)
	return err
}

// GetConstraintSnapshotForIssue returns the newest snapshot for an issue.
func (r Repo) GetConstraintSnapshotForIssue(ctx context.Context, issueID string) (domain.ConstraintSnapshot, error) {
	var s domain.ConstraintSnapshot
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,issue_id,constraints_json,created_at FROM constraint_snapshots WHERE issue_id=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		issueID).Scan(&s.ID, &s.IssueID, &s.ConstraintsJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

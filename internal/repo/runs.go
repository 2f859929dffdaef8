package repo

import (
	"context"
	"database/sql"

	"worktower/internal/domain"
)

const runColumns = `id,task_id,issue_id,trace_id,status,executor_type,executor_version,worker_id,inputs_json,outputs_json,failure_code,failure_message,artifact_root_uri,telemetry_json,created_at,updated_at`

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TaskID, nullableStringPtr(run.IssueID), run.TraceID, run.Status,
		run.ExecutorType, run.ExecutorVersion, run.WorkerID,
		nullableStringPtr(run.InputsJSON), nullableStringPtr(run.OutputsJSON),
		nullableStringPtr(run.FailureCode), nullableStringPtr(run.FailureMessage),
		run.ArtifactRootURI, nullableStringPtr(run.TelemetryJSON),
		run.CreatedAt, run.UpdatedAt)
	return err
}

func scanRun(row taskScanner) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.TaskID, &run.IssueID, &run.TraceID, &run.Status,
		&run.ExecutorType, &run.ExecutorVersion, &run.WorkerID,
		&run.InputsJSON, &run.OutputsJSON, &run.FailureCode, &run.FailureMessage,
		&run.ArtifactRootURI, &run.TelemetryJSON, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) ListRunsForTask(ctx context.Context, taskID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunResult persists the executor's outcome on the run row.
func (r Repo) UpdateRunResult(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, outputs_json=?, failure_code=?, failure_message=?, artifact_root_uri=?, telemetry_json=?, updated_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.OutputsJSON),
		nullableStringPtr(run.FailureCode), nullableStringPtr(run.FailureMessage),
		run.ArtifactRootURI, nullableStringPtr(run.TelemetryJSON), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,run_id,trace_id,type,title,uri,media_type,digest,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.TraceID, a.Type, a.Title, a.URI,
		nullableStringPtr(a.MediaType), nullableStringPtr(a.Digest), a.CreatedAt)
	return err
}

func (r Repo) ListArtifactsForRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,trace_id,type,title,uri,media_type,digest,created_at FROM artifacts WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.TraceID, &a.Type, &a.Title, &a.URI, &a.MediaType, &a.Digest, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

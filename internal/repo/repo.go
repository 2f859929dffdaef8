package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"worktower/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,version,idempotency_key,requested_by_kind,requested_by_id,requested_by_label,objective,operation,target_repo,target_ref,target_path,time_budget_seconds,allow_network,allow_secrets,inputs_json,metadata_json,acceptance_criteria_json,evidence_requirements_json,status,assigned_to,error,trace_id,issue_id,created_at,queued_at,started_at,completed_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	criteria, err := marshalStringSlice(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	requirements, err := marshalStringSlice(t.EvidenceRequirements)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Version, nullableStringPtr(t.IdempotencyKey), t.RequestedByKind, t.RequestedByID, nullableStringPtr(t.RequestedByLabel),
		t.Objective, t.Operation, t.TargetRepo, t.TargetRef, t.TargetPath,
		t.TimeBudgetSeconds, boolInt(t.AllowNetwork), boolInt(t.AllowSecrets),
		nullableStringPtr(t.InputsJSON), nullableStringPtr(t.MetadataJSON), criteria, requirements,
		t.Status, nullableStringPtr(t.AssignedTo), nullableStringPtr(t.Error), t.TraceID, nullableStringPtr(t.IssueID),
		t.CreatedAt, nullableStringPtr(t.QueuedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var (
		t            domain.Task
		allowNetwork int
		allowSecrets int
		criteria     sql.NullString
		requirements sql.NullString
	)
	err := row.Scan(&t.ID, &t.Version, &t.IdempotencyKey, &t.RequestedByKind, &t.RequestedByID, &t.RequestedByLabel,
		&t.Objective, &t.Operation, &t.TargetRepo, &t.TargetRef, &t.TargetPath,
		&t.TimeBudgetSeconds, &allowNetwork, &allowSecrets,
		&t.InputsJSON, &t.MetadataJSON, &criteria, &requirements,
		&t.Status, &t.AssignedTo, &t.Error, &t.TraceID, &t.IssueID,
		&t.CreatedAt, &t.QueuedAt, &t.StartedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AllowNetwork = allowNetwork != 0
	t.AllowSecrets = allowSecrets != 0
	if t.AcceptanceCriteria, err = unmarshalStringSlice(criteria); err != nil {
		return t, err
	}
	if t.EvidenceRequirements, err = unmarshalStringSlice(requirements); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskByIdempotencyKey returns the task holding the key, if any. The
// first row to claim a key is authoritative for its lifetime.
func (r Repo) GetTaskByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key=?`, key))
}

type TaskFilters struct {
	Status      string
	Repo        string
	Operation   string
	RequestedBy string
	TraceID     string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters, limit int, cursorCreatedAt, cursorID string) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Repo != "" {
		clauses = append(clauses, "target_repo=?")
		args = append(args, f.Repo)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, f.Operation)
	}
	if f.RequestedBy != "" {
		clauses = append(clauses, "requested_by_id=?")
		args = append(args, f.RequestedBy)
	}
	if f.TraceID != "" {
		clauses = append(clauses, "trace_id=?")
		args = append(args, f.TraceID)
	}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextQueuedTasks returns queued tasks oldest-first, the claim candidates
// for a polling worker.
func (r Repo) NextQueuedTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask is the compare-and-swap at the heart of the claim protocol:
// a single conditional UPDATE that succeeds for exactly one caller per
// queued row. Returns false when another worker won the race.
func (r Repo) ClaimTask(ctx context.Context, id, workerID, startedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status='running', started_at=?, assigned_to=? WHERE id=? AND status='queued'`,
		startedAt, workerID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTaskStatus updates the status and stamps the matching lifecycle
// timestamp only if it has not been set before, so repeated transitions
// to the same status never move a timestamp.
func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	set := "status=?"
	args := []any{status}
	switch status {
	case domain.TaskStatusQueued:
		set += ", queued_at=COALESCE(queued_at, ?)"
		args = append(args, now)
	case domain.TaskStatusRunning:
		set += ", started_at=COALESCE(started_at, ?)"
		args = append(args, now)
	case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled:
		set += ", completed_at=COALESCE(completed_at, ?)"
		args = append(args, now)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueTask returns a running task to the queue, clearing its
// assignment. Used by the claim-lease sweep.
func (r Repo) RequeueTask(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status='queued', assigned_to=NULL, started_at=NULL WHERE id=? AND status='running'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// StaleRunningTasks returns running tasks claimed before the cutoff.
func (r Repo) StaleRunningTasks(ctx context.Context, cutoff string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status='running' AND started_at IS NOT NULL AND started_at < ? ORDER BY started_at ASC LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTaskError(ctx context.Context, tx *sql.Tx, id, message string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET error=? WHERE id=?`, nullable(message), id)
	return err
}

func (r Repo) SetTaskIssue(ctx context.Context, tx *sql.Tx, taskID, issueID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET issue_id=? WHERE id=?`, issueID, taskID)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ",")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func marshalStringSlice(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalStringSlice(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

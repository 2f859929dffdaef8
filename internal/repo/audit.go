package repo

import (
	"context"
	"strings"

	"worktower/internal/domain"
)

const auditColumns = `id,ts,actor_kind,actor_id,action,entity_kind,entity_id,before_json,after_json,note,trace_id`

type AuditFilters struct {
	EntityKind string
	EntityID   string
	ActorKind  string
	ActorID    string
	Action     string
	TraceID    string
}

// ListAudit returns ledger rows newest-first. BeforeID paginates: only
// rows with id < beforeID are returned when it is positive.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters, limit int, beforeID int64) ([]domain.AuditEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorKind != "" {
		clauses = append(clauses, "actor_kind=?")
		args = append(args, f.ActorKind)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.TraceID != "" {
		clauses = append(clauses, "trace_id=?")
		args = append(args, f.TraceID)
	}
	if beforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, beforeID)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryAudit(ctx, query, args...)
}

// AuditByTrace returns every entry sharing a trace id in creation order,
// reconstructing the causal chain oldest-first.
func (r Repo) AuditByTrace(ctx context.Context, traceID string) ([]domain.AuditEntry, error) {
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE trace_id=? ORDER BY id ASC`, traceID)
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorKind, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID,
			&e.BeforeJSON, &e.AfterJSON, &e.Note, &e.TraceID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

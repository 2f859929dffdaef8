// Package audit appends immutable ledger rows inside the caller's
// transaction so that an audit entry commits with the mutation it
// shadows, or not at all.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"worktower/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry describes one mutation to record. Before and After are
// marshalled as JSON snapshots; nil means no snapshot on that side.
type Entry struct {
	Action     string
	Actor      domain.Actor
	EntityKind string
	EntityID   string
	Before     any
	After      any
	Note       string
	TraceID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	before, err := snapshot(e.Before)
	if err != nil {
		return fmt.Errorf("marshal audit before snapshot: %w", err)
	}
	after, err := snapshot(e.After)
	if err != nil {
		return fmt.Errorf("marshal audit after snapshot: %w", err)
	}
	actorKind := e.Actor.Kind
	if actorKind == "" {
		actorKind = domain.ActorSystem
	}
	actorID := e.Actor.ID
	if actorID == "" {
		actorID = "unknown"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(ts,actor_kind,actor_id,action,entity_kind,entity_id,before_json,after_json,note,trace_id) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, actorKind, actorID, e.Action, e.EntityKind, e.EntityID, before, after, nullable(e.Note), nullable(e.TraceID))
	return err
}

// StatusChange is the common status_changed entry: before/after carry
// just the status field.
func (w Writer) StatusChange(ctx context.Context, tx *sql.Tx, actor domain.Actor, entityKind, entityID, from, to, traceID string) error {
	return w.Append(ctx, tx, Entry{
		Action:     domain.AuditStatusChanged,
		Actor:      actor,
		EntityKind: entityKind,
		EntityID:   entityID,
		Before:     map[string]string{"status": from},
		After:      map[string]string{"status": to},
		TraceID:    traceID,
	})
}

func snapshot(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
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

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

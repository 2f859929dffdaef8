package server

import "worktower/internal/domain"

type EnqueueTaskResponse struct {
	TaskID  string `json:"task_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

type TaskListResponse struct {
	Tasks               []domain.Task `json:"tasks"`
	NextCursorCreatedAt string        `json:"next_cursor_created_at,omitempty"`
	NextCursorID        string        `json:"next_cursor_id,omitempty"`
}

type RunListResponse struct {
	Runs []domain.Run `json:"runs"`
}

type ArtifactListResponse struct {
	Artifacts []domain.Artifact `json:"artifacts"`
}

type SubmitReviewRequest struct {
	EvidencePackID string  `json:"evidence_pack_id" minLength:"1"`
	Decision       string  `json:"decision" enum:"approved,rejected,needs_changes"`
	Reason         string  `json:"reason,omitempty" maxLength:"4000"`
	OverridesJSON  *string `json:"overrides_json,omitempty"`
}

type EvidencePackListResponse struct {
	EvidencePacks []domain.EvidencePack `json:"evidence_packs"`
}

type AuditListResponse struct {
	Entries      []domain.AuditEntry `json:"entries"`
	NextBeforeID int64               `json:"next_before_id,omitempty"`
}

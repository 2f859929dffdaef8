package domain

// Task statuses. Transitions are enforced by the repo layer:
// pending -> queued -> running -> completed | failed | cancelled.
const (
	TaskStatusPending   = "pending"
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Run statuses.
const (
	RunStatusPlanned     = "planned"
	RunStatusRunning     = "running"
	RunStatusUnderReview = "under_review"
	RunStatusDone        = "done"
	RunStatusFailed      = "failed"
)

// Issue statuses mirror the run where the pipeline drives both.
const (
	IssueStatusOpen        = "open"
	IssueStatusRunning     = "running"
	IssueStatusUnderReview = "under_review"
	IssueStatusDone        = "done"
	IssueStatusFailed      = "failed"
)

const (
	OperationCodeChange = "code_change"
	OperationDocs       = "docs"
	OperationAnalysis   = "analysis"
	OperationOps        = "ops"
)

const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictPartial = "partial"
	VerdictPending = "pending"
)

const (
	CriterionSatisfied    = "satisfied"
	CriterionNotSatisfied = "not_satisfied"
	CriterionUnverified   = "unverified"
	CriterionSkipped      = "skipped"
)

const (
	DecisionApproved     = "approved"
	DecisionRejected     = "rejected"
	DecisionNeedsChanges = "needs_changes"
)

const (
	ActorHuman  = "human"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// Artifact types the prover's matching heuristics understand.
const (
	ArtifactTypeDoc    = "doc"
	ArtifactTypeLog    = "log"
	ArtifactTypeTrace  = "trace"
	ArtifactTypeBinary = "binary"
	ArtifactTypePatch  = "patch"
	ArtifactTypeReport = "report"
)

// Actor identifies who performed an action: a human, an agent, or the
// system itself.
type Actor struct {
	Kind  string `json:"kind" enum:"human,agent,system"`
	ID    string `json:"id" maxLength:"128"`
	Label string `json:"label,omitempty"`
}

type TaskTarget struct {
	Repo string `json:"repo" maxLength:"256"`
	Ref  string `json:"ref,omitempty" maxLength:"128"`
	Path string `json:"path,omitempty" maxLength:"512"`
}

type TaskConstraints struct {
	TimeBudgetSeconds int  `json:"time_budget_seconds,omitempty"`
	AllowNetwork      bool `json:"allow_network,omitempty"`
	AllowSecrets      bool `json:"allow_secrets,omitempty"`
}

// TaskSpec is a submitted task specification before it passes the policy
// gate. The gate returns a normalized copy; the original value is never
// persisted.
type TaskSpec struct {
	Version              string          `json:"version,omitempty"`
	IdempotencyKey       *string         `json:"idempotency_key,omitempty" maxLength:"256"`
	RequestedBy          Actor           `json:"requested_by,omitempty"`
	Objective            string          `json:"objective" minLength:"5" maxLength:"4000"`
	Operation            string          `json:"operation" enum:"code_change,docs,analysis,ops"`
	Target               TaskTarget      `json:"target"`
	Constraints          TaskConstraints `json:"constraints,omitempty"`
	InputsJSON           *string         `json:"inputs_json,omitempty"`
	MetadataJSON         *string         `json:"metadata_json,omitempty"`
	AcceptanceCriteria   []string        `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string        `json:"evidence_requirements,omitempty"`
	TraceID              string          `json:"trace_id,omitempty"`
}

type Task struct {
	ID                   string   `json:"id"`
	Version              string   `json:"version"`
	IdempotencyKey       *string  `json:"idempotency_key,omitempty"`
	RequestedByKind      string   `json:"requested_by_kind" enum:"human,agent,system"`
	RequestedByID        string   `json:"requested_by_id"`
	RequestedByLabel     *string  `json:"requested_by_label,omitempty"`
	Objective            string   `json:"objective"`
	Operation            string   `json:"operation" enum:"code_change,docs,analysis,ops"`
	TargetRepo           string   `json:"target_repo"`
	TargetRef            string   `json:"target_ref"`
	TargetPath           string   `json:"target_path,omitempty"`
	TimeBudgetSeconds    int      `json:"time_budget_seconds"`
	AllowNetwork         bool     `json:"allow_network"`
	AllowSecrets         bool     `json:"allow_secrets"`
	InputsJSON           *string  `json:"inputs_json,omitempty"`
	MetadataJSON         *string  `json:"metadata_json,omitempty"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string `json:"evidence_requirements,omitempty"`
	Status               string   `json:"status" enum:"pending,queued,running,completed,failed,cancelled"`
	AssignedTo           *string  `json:"assigned_to,omitempty"`
	Error                *string  `json:"error,omitempty"`
	TraceID              string   `json:"trace_id"`
	IssueID              *string  `json:"issue_id,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	QueuedAt             *string  `json:"queued_at,omitempty" format:"date-time"`
	StartedAt            *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Run is one execution attempt against a task, owned by the worker that
// claimed it.
type Run struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	IssueID         *string `json:"issue_id,omitempty"`
	TraceID         string  `json:"trace_id"`
	Status          string  `json:"status" enum:"planned,running,under_review,done,failed"`
	ExecutorType    string  `json:"executor_type"`
	ExecutorVersion string  `json:"executor_version"`
	WorkerID        string  `json:"worker_id"`
	InputsJSON      *string `json:"inputs_json,omitempty"`
	OutputsJSON     *string `json:"outputs_json,omitempty"`
	FailureCode     *string `json:"failure_code,omitempty"`
	FailureMessage  *string `json:"failure_message,omitempty"`
	ArtifactRootURI string  `json:"artifact_root_uri,omitempty"`
	TelemetryJSON   *string `json:"telemetry_json,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Artifact struct {
	ID        string  `json:"id"`
	RunID     string  `json:"run_id"`
	TraceID   string  `json:"trace_id"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	URI       string  `json:"uri"`
	MediaType *string `json:"media_type,omitempty"`
	Digest    *string `json:"digest,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type CriterionResult struct {
	Criterion string `json:"criterion"`
	Status    string `json:"status" enum:"satisfied,not_satisfied,unverified,skipped"`
	Rationale string `json:"rationale,omitempty"`
}

type EvidenceItem struct {
	Requirement   string  `json:"requirement"`
	Found         bool    `json:"found"`
	ArtifactID    *string `json:"artifact_id,omitempty"`
	ArtifactTitle *string `json:"artifact_title,omitempty"`
	Note          string  `json:"note,omitempty"`
}

// EvidencePack is the prover's verdict for one run. Immutable once
// created.
type EvidencePack struct {
	ID              string            `json:"id"`
	RunID           string            `json:"run_id"`
	IssueID         *string           `json:"issue_id,omitempty"`
	TraceID         string            `json:"trace_id"`
	Verdict         string            `json:"verdict" enum:"pass,fail,partial,pending"`
	VerdictReason   string            `json:"verdict_reason"`
	EvaluatedByKind string            `json:"evaluated_by_kind"`
	EvaluatedByID   string            `json:"evaluated_by_id"`
	Criteria        []CriterionResult `json:"criteria,omitempty"`
	Evidence        []EvidenceItem    `json:"evidence,omitempty"`
	MissingEvidence []string          `json:"missing_evidence,omitempty"`
	ChecksPassed    int               `json:"checks_passed"`
	ChecksFailed    int               `json:"checks_failed"`
	ChecksSkipped   int               `json:"checks_skipped"`
	EvidenceURI     string            `json:"evidence_uri,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
}

type ReviewDecision struct {
	ID             string  `json:"id"`
	EvidencePackID string  `json:"evidence_pack_id"`
	RunID          string  `json:"run_id"`
	IssueID        *string `json:"issue_id,omitempty"`
	TraceID        string  `json:"trace_id"`
	Decision       string  `json:"decision" enum:"approved,rejected,needs_changes"`
	Reason         string  `json:"reason,omitempty"`
	ReviewerKind   string  `json:"reviewer_kind" enum:"human,agent,system"`
	ReviewerID     string  `json:"reviewer_id"`
	ReviewerLabel  *string `json:"reviewer_label,omitempty"`
	OverridesJSON  *string `json:"overrides_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Issue is the work-metadata record the review policy transitions. One
// issue is created per enqueued task and shares its trace id.
type Issue struct {
	ID        string `json:"id"`
	Repo      string `json:"repo"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"open,running,under_review,done,failed"`
	TraceID   string `json:"trace_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ContextPacket struct {
	ID                   string   `json:"id"`
	IssueID              string   `json:"issue_id"`
	Summary              string   `json:"summary"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string `json:"evidence_requirements,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type ConstraintSnapshot struct {
	ID              string `json:"id"`
	IssueID         string `json:"issue_id"`
	ConstraintsJSON string `json:"constraints_json"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// Audit actions.
const (
	AuditCreated       = "created"
	AuditUpdated       = "updated"
	AuditStatusChanged = "status_changed"
	AuditDeleted       = "deleted"
	AuditLinked        = "linked"
	AuditUnlinked      = "unlinked"
)

// AuditEntry is an immutable ledger row. Entries are never updated or
// deleted.
type AuditEntry struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	ActorKind  string  `json:"actor_kind"`
	ActorID    string  `json:"actor_id"`
	Action     string  `json:"action" enum:"created,updated,status_changed,deleted,linked,unlinked"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id"`
	BeforeJSON *string `json:"before_json,omitempty"`
	AfterJSON  *string `json:"after_json,omitempty"`
	Note       *string `json:"note,omitempty"`
	TraceID    *string `json:"trace_id,omitempty"`
}

// Entity kinds recorded in the audit trail.
const (
	EntityTask           = "task"
	EntityRun            = "run"
	EntityArtifact       = "artifact"
	EntityEvidencePack   = "evidence_pack"
	EntityReviewDecision = "review_decision"
	EntityIssue          = "issue"
)

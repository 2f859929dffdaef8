package worktowersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Worktower HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	ActorKind   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TaskSpec is the enqueue request payload.
type TaskSpec struct {
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	Objective            string         `json:"objective"`
	Operation            string         `json:"operation"`
	Target               Target         `json:"target"`
	Constraints          *Constraints   `json:"constraints,omitempty"`
	InputsJSON           string         `json:"inputs_json,omitempty"`
	MetadataJSON         string         `json:"metadata_json,omitempty"`
	AcceptanceCriteria   []string       `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string       `json:"evidence_requirements,omitempty"`
	RequestedBy          map[string]any `json:"requested_by,omitempty"`
}

type Target struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref,omitempty"`
	Path string `json:"path,omitempty"`
}

type Constraints struct {
	TimeBudgetSeconds int  `json:"time_budget_seconds,omitempty"`
	AllowNetwork      bool `json:"allow_network,omitempty"`
	AllowSecrets      bool `json:"allow_secrets,omitempty"`
}

// Enqueued is the enqueue response.
type Enqueued struct {
	TaskID  string `json:"task_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

// Task represents the API task model (partial).
type Task struct {
	ID         string  `json:"id"`
	Objective  string  `json:"objective"`
	Operation  string  `json:"operation"`
	TargetRepo string  `json:"target_repo"`
	Status     string  `json:"status"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	Error      *string `json:"error,omitempty"`
	TraceID    string  `json:"trace_id"`
	CreatedAt  string  `json:"created_at"`
}

// Run represents a single execution attempt (partial).
type Run struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	ExecutorType    string  `json:"executor_type"`
	WorkerID        string  `json:"worker_id"`
	FailureCode     *string `json:"failure_code,omitempty"`
	FailureMessage  *string `json:"failure_message,omitempty"`
	ArtifactRootURI string  `json:"artifact_root_uri"`
	TraceID         string  `json:"trace_id"`
}

// EvidencePack is the prover's output (partial).
type EvidencePack struct {
	ID              string   `json:"id"`
	RunID           string   `json:"run_id"`
	Verdict         string   `json:"verdict"`
	Summary         string   `json:"summary"`
	MissingEvidence []string `json:"missing_evidence,omitempty"`
	EvidenceURI     string   `json:"evidence_uri"`
	TraceID         string   `json:"trace_id"`
	CreatedAt       string   `json:"created_at"`
}

// ReviewDecision records an approval or rejection.
type ReviewDecision struct {
	ID             string `json:"id"`
	EvidencePackID string `json:"evidence_pack_id"`
	Decision       string `json:"decision"`
	Reason         string `json:"reason,omitempty"`
	TraceID        string `json:"trace_id"`
	CreatedAt      string `json:"created_at"`
}

// AuditEntry is one row of the append-only history.
type AuditEntry struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts"`
	ActorKind  string  `json:"actor_kind"`
	ActorID    string  `json:"actor_id"`
	Action     string  `json:"action"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id"`
	Note       *string `json:"note,omitempty"`
	TraceID    *string `json:"trace_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Enqueue submits a task through the policy gate.
func (c *Client) Enqueue(ctx context.Context, spec TaskSpec) (Enqueued, error) {
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, "v0/tasks/enqueue", spec, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// CancelTask cancels a pending or queued task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Runs lists runs for a task.
func (c *Client) Runs(ctx context.Context, taskID string) ([]Run, error) {
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/runs", nil, &resp)
	return resp.Runs, err
}

// EvidencePack fetches an evidence pack by id.
func (c *Client) EvidencePack(ctx context.Context, id string) (EvidencePack, error) {
	var resp EvidencePack
	err := c.do(ctx, http.MethodGet, "v0/evidence-packs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// PendingReviews lists evidence packs awaiting a manual decision.
func (c *Client) PendingReviews(ctx context.Context, limit int) ([]EvidencePack, error) {
	endpoint := "v0/reviews/pending"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		EvidencePacks []EvidencePack `json:"evidence_packs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.EvidencePacks, err
}

// SubmitReview records a decision on an evidence pack.
func (c *Client) SubmitReview(ctx context.Context, packID, decision, reason string) (ReviewDecision, error) {
	body := map[string]any{
		"evidence_pack_id": packID,
		"decision":         decision,
		"reason":           reason,
	}
	var resp ReviewDecision
	err := c.do(ctx, http.MethodPost, "v0/reviews", body, &resp)
	return resp, err
}

// AuditByTrace returns the full history of one trace, oldest first.
func (c *Client) AuditByTrace(ctx context.Context, traceID string) ([]AuditEntry, error) {
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "v0/audit/trace/"+url.PathEscape(traceID), nil, &resp)
	return resp.Entries, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.ActorKind != "" {
			req.Header.Set("X-Actor-Kind", c.ActorKind)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

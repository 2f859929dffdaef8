// Package policy implements the admission gate for task specifications.
// Evaluate is a pure function: no I/O, deterministic, safe to fuzz.
package policy

import (
	"fmt"
	"strings"

	"worktower/internal/config"
	"worktower/internal/domain"
)

// Stable machine-readable rejection codes. Callers map these 1:1 to
// client-facing errors without string parsing.
const (
	CodeInvalidOperation    = "INVALID_OPERATION"
	CodeRepoNotAllowed      = "REPO_NOT_ALLOWED"
	CodeTimeBudgetTooLow    = "TIME_BUDGET_TOO_LOW"
	CodeTimeBudgetTooHigh   = "TIME_BUDGET_TOO_HIGH"
	CodeNetworkAccessDenied = "NETWORK_ACCESS_DENIED"
	CodeSecretsAccessDenied = "SECRETS_ACCESS_DENIED"
)

// Error is a typed policy rejection.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("policy violation %s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var defaultOperations = []string{
	domain.OperationCodeChange,
	domain.OperationDocs,
	domain.OperationAnalysis,
	domain.OperationOps,
}

// Evaluate validates a task specification against policy and returns a
// normalized copy. The input value is not modified. An empty repository
// allow-list denies every repository.
func Evaluate(spec domain.TaskSpec, cfg config.PolicyConfig) (domain.TaskSpec, error) {
	allowed := cfg.AllowedOperations
	if len(allowed) == 0 {
		allowed = defaultOperations
	}
	if !contains(allowed, spec.Operation) {
		return domain.TaskSpec{}, reject(CodeInvalidOperation,
			"operation %q is not permitted; allowed: %s", spec.Operation, strings.Join(allowed, ", "))
	}

	repo := canonicalRepo(spec.Target.Repo)
	if !repoAllowed(repo, cfg.AllowedRepoPrefixes) {
		return domain.TaskSpec{}, reject(CodeRepoNotAllowed,
			"repository %q is not on the allow-list", repo)
	}

	budget := spec.Constraints.TimeBudgetSeconds
	if budget == 0 {
		budget = cfg.DefaultTimeBudgetSeconds
	}
	if budget < cfg.MinTimeBudgetSeconds {
		return domain.TaskSpec{}, reject(CodeTimeBudgetTooLow,
			"time budget %ds is below the minimum of %ds", budget, cfg.MinTimeBudgetSeconds)
	}
	if budget > cfg.MaxTimeBudgetSeconds {
		return domain.TaskSpec{}, reject(CodeTimeBudgetTooHigh,
			"time budget %ds exceeds the maximum of %ds", budget, cfg.MaxTimeBudgetSeconds)
	}

	if spec.Constraints.AllowNetwork {
		return domain.TaskSpec{}, reject(CodeNetworkAccessDenied,
			"network access is not permitted for submitted tasks")
	}
	if spec.Constraints.AllowSecrets {
		return domain.TaskSpec{}, reject(CodeSecretsAccessDenied,
			"secrets access is not permitted for submitted tasks")
	}

	out := spec
	out.Objective = strings.TrimSpace(spec.Objective)
	out.Target.Repo = repo
	if strings.TrimSpace(out.Target.Ref) == "" {
		out.Target.Ref = "main"
	}
	out.Target.Path = strings.TrimSpace(out.Target.Path)
	out.Constraints = domain.TaskConstraints{
		TimeBudgetSeconds: budget,
		AllowNetwork:      false,
		AllowSecrets:      false,
	}
	if out.Version == "" {
		out.Version = "1.0"
	}
	return out, nil
}

// canonicalRepo trims whitespace, strips a trailing ".git" and lowercases
// the slug so that allow-list matching and storage are case-insensitive.
func canonicalRepo(repo string) string {
	repo = strings.ToLower(strings.TrimSpace(repo))
	return strings.TrimSuffix(repo, ".git")
}

func repoAllowed(repo string, prefixes []string) bool {
	if repo == "" {
		return false
	}
	for _, prefix := range prefixes {
		p := canonicalRepo(prefix)
		if p != "" && strings.HasPrefix(repo, p) {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

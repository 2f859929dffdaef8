package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models worktower.yml.
type Config struct {
	Policy PolicyConfig `yaml:"policy"`
	Worker WorkerConfig `yaml:"worker"`
	Trace  TraceConfig  `yaml:"trace"`
	Review ReviewConfig `yaml:"review"`
	Server ServerConfig `yaml:"server"`
}

// PolicyConfig drives the policy gate. An empty AllowedRepoPrefixes list
// denies every repository.
type PolicyConfig struct {
	AllowedRepoPrefixes      []string `yaml:"allowed_repo_prefixes"`
	AllowedOperations        []string `yaml:"allowed_operations"`
	MinTimeBudgetSeconds     int      `yaml:"min_time_budget_seconds"`
	MaxTimeBudgetSeconds     int      `yaml:"max_time_budget_seconds"`
	DefaultTimeBudgetSeconds int      `yaml:"default_time_budget_seconds"`
}

type WorkerConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ClaimLimit          int    `yaml:"claim_limit"`
	Executor            string `yaml:"executor"`
	// ClaimLeaseSeconds bounds how long a claimed task may stay running
	// before the sweep returns it to the queue. Zero disables the sweep.
	ClaimLeaseSeconds int    `yaml:"claim_lease_seconds"`
	SweepSchedule     string `yaml:"sweep_schedule"`
}

type TraceConfig struct {
	RootURI string `yaml:"root_uri"`
}

type ReviewConfig struct {
	AutoApprove         bool     `yaml:"auto_approve"`
	AutoApproveVerdicts []string `yaml:"auto_approve_verdicts"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with wt init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Policy.MinTimeBudgetSeconds <= 0 {
		return fmt.Errorf("config.policy.min_time_budget_seconds must be positive")
	}
	if c.Policy.MaxTimeBudgetSeconds < c.Policy.MinTimeBudgetSeconds {
		return fmt.Errorf("config.policy.max_time_budget_seconds must be >= min_time_budget_seconds")
	}
	if c.Policy.DefaultTimeBudgetSeconds < c.Policy.MinTimeBudgetSeconds ||
		c.Policy.DefaultTimeBudgetSeconds > c.Policy.MaxTimeBudgetSeconds {
		return fmt.Errorf("config.policy.default_time_budget_seconds must be within [min, max]")
	}
	for _, op := range c.Policy.AllowedOperations {
		if strings.TrimSpace(op) == "" {
			return fmt.Errorf("config.policy.allowed_operations contains an empty entry")
		}
	}
	for _, prefix := range c.Policy.AllowedRepoPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("config.policy.allowed_repo_prefixes contains an empty entry")
		}
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.worker.poll_interval_seconds must be positive")
	}
	if c.Worker.ClaimLimit <= 0 {
		return fmt.Errorf("config.worker.claim_limit must be positive")
	}
	if c.Worker.ClaimLeaseSeconds < 0 {
		return fmt.Errorf("config.worker.claim_lease_seconds must be >= 0")
	}
	if c.Trace.RootURI == "" {
		return fmt.Errorf("config.trace.root_uri is required")
	}
	if !strings.Contains(c.Trace.RootURI, "://") {
		return fmt.Errorf("config.trace.root_uri must carry a scheme, e.g. file:///var/lib/worktower/traces")
	}
	for _, v := range c.Review.AutoApproveVerdicts {
		switch v {
		case "pass", "partial", "fail", "pending":
		default:
			return fmt.Errorf("config.review.auto_approve_verdicts contains unknown verdict %q", v)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "worktower.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(traceRoot string) string {
	return fmt.Sprintf(defaultTemplate, traceRoot)
}

// Default returns the default Config struct.
func Default(traceRoot string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, traceRoot))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `policy:
  # Empty list denies every repository. Add namespace prefixes such as
  # "acme/" to admit tasks targeting them.
  allowed_repo_prefixes: []
  allowed_operations: [code_change, docs, analysis, ops]
  min_time_budget_seconds: 30
  max_time_budget_seconds: 86400
  default_time_budget_seconds: 900

worker:
  poll_interval_seconds: 5
  claim_limit: 1
  executor: stub
  claim_lease_seconds: 1800
  sweep_schedule: "@every 5m"

trace:
  root_uri: %s

review:
  auto_approve: false
  auto_approve_verdicts: [pass]

server:
  addr: 127.0.0.1:8787
  jwt_secret: ""
`

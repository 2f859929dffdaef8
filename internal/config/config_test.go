package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"worktower/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("file:///var/lib/worktower/traces")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(cfg.Policy.AllowedRepoPrefixes) != 0 {
		t.Fatalf("default must deny every repo, got %v", cfg.Policy.AllowedRepoPrefixes)
	}
	if cfg.Review.AutoApprove {
		t.Fatalf("auto-approve must default off")
	}
	if cfg.Worker.ClaimLeaseSeconds != 1800 {
		t.Fatalf("default claim lease: %d", cfg.Worker.ClaimLeaseSeconds)
	}
}

func TestValidateRejectsBadBudgets(t *testing.T) {
	cfg := config.Default("file:///traces")
	cfg.Policy.DefaultTimeBudgetSeconds = 10
	if err := cfg.Validate(); err == nil {
		t.Fatalf("default below min must fail validation")
	}
	cfg = config.Default("file:///traces")
	cfg.Policy.MaxTimeBudgetSeconds = 10
	if err := cfg.Validate(); err == nil {
		t.Fatalf("max below min must fail validation")
	}
}

func TestValidateRejectsSchemelessTraceRoot(t *testing.T) {
	cfg := config.Default("/var/traces")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("trace root without a scheme must fail validation")
	}
}

func TestValidateRejectsUnknownAutoApproveVerdict(t *testing.T) {
	cfg := config.Default("file:///traces")
	cfg.Review.AutoApproveVerdicts = []string{"excellent"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown verdict must fail validation")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	if err := os.WriteFile(path, []byte(config.GenerateDefault("file://"+filepath.Join(dir, "traces"))), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8787" {
		t.Fatalf("unexpected server addr %q", cfg.Server.Addr)
	}

	if _, err := config.Load(t.TempDir()); err == nil {
		t.Fatalf("missing config must error")
	}
	opt, err := config.LoadOptional(t.TempDir())
	if err != nil || opt != nil {
		t.Fatalf("missing config is optional: %v %v", opt, err)
	}
}

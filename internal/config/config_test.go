package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"OpenMCP-Sweep/internal/auth"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sweep.json")
	content := `{
  "ledger": {"chain_config": "chains.yaml", "sub_account_deposit": 2039280},
  "credentials": {"key_dir": "secrets"},
  "logging": {"audit": {"enabled": true}},
  "schedules": [{"name": "nightly", "spec": "0 3 * * *", "source": "abc"}]
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Ledger.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chain config not resolved against base dir: %q", cfg.Ledger.ChainConfig)
	}
	if cfg.Ledger.SubAccountDeposit != 2039280 || cfg.Ledger.FeeEstimate != 5000 {
		t.Fatalf("unexpected ledger costs: %+v", cfg.Ledger)
	}
	if cfg.Sweep.MaxOpsPerBatch != 8 || cfg.Sweep.SingleBatchCeiling != 8 || cfg.Sweep.SwapOpsPerBatch != 1 {
		t.Fatalf("unexpected sweep defaults: %+v", cfg.Sweep)
	}
	if cfg.Sweep.ConfirmTimeout() != time.Minute {
		t.Fatalf("unexpected confirm timeout %s", cfg.Sweep.ConfirmTimeout())
	}
	if cfg.Credentials.KeyDir != filepath.Join(dir, "secrets") {
		t.Fatalf("key dir not resolved: %q", cfg.Credentials.KeyDir)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("audit path not defaulted: %q", cfg.Logging.Audit.Path)
	}
	if cfg.TaskQueue.RetryDelay() != 30*time.Second || cfg.TaskQueue.StaleAfter() != 15*time.Minute {
		t.Fatalf("unexpected task queue defaults: %+v", cfg.TaskQueue)
	}
	if cfg.Auth.Mode != auth.ModeDisabled {
		t.Fatalf("auth should default to disabled, got %q", cfg.Auth.Mode)
	}
	if cfg.Schedules[0].Mode != "sweep" {
		t.Fatalf("schedule mode not defaulted: %q", cfg.Schedules[0].Mode)
	}
}

func TestLoadRejectsCeilingAboveBatchLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.json")
	content := `{"sweep": {"max_ops_per_batch": 4, "single_batch_ceiling": 6}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestIntentAPIKeyFromEnv(t *testing.T) {
	t.Setenv("SWEEP_TEST_OPENAI_KEY", " sk-test ")
	cfg := IntentConfig{APIKeyEnv: "SWEEP_TEST_OPENAI_KEY"}
	if got := cfg.ResolveAPIKey(); got != "sk-test" {
		t.Fatalf("unexpected key %q", got)
	}
}

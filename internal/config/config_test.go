package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[general]
db_path = "./test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.ExecutorBatchSize != 4 {
		t.Errorf("expected default executor batch size 4, got %d", cfg.Scheduler.ExecutorBatchSize)
	}
	if cfg.Limits.MaxAttemptsPerTask != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.Limits.MaxAttemptsPerTask)
	}
	if cfg.Limits.MaxPlanAttempts != 3 {
		t.Errorf("expected default max plan attempts 3, got %d", cfg.Limits.MaxPlanAttempts)
	}
	if cfg.Limits.MaxReviewAttemptsPerPlan != 3 {
		t.Errorf("expected default max review attempts per plan 3, got %d", cfg.Limits.MaxReviewAttemptsPerPlan)
	}
	if cfg.Limits.MaxCheckAttemptsV2 != 3 {
		t.Errorf("expected default max check attempts v2 3, got %d", cfg.Limits.MaxCheckAttemptsV2)
	}
	if cfg.Skills.DockerImage != "agentengine-skill:latest" {
		t.Errorf("unexpected default docker image %q", cfg.Skills.DockerImage)
	}
	if cfg.Workflow.Mode != "v2" {
		t.Errorf("expected default workflow mode v2, got %q", cfg.Workflow.Mode)
	}
	if cfg.Workflow.MaxDecompositionDepth != 3 {
		t.Errorf("expected default max decomposition depth 3, got %d", cfg.Workflow.MaxDecompositionDepth)
	}
	if cfg.Workflow.OneShotThresholdPersonDays != 10 {
		t.Errorf("expected default one-shot threshold 10, got %v", cfg.Workflow.OneShotThresholdPersonDays)
	}
}

func TestLoad_RejectsInvalidWorkflowMode(t *testing.T) {
	path := writeConfig(t, `
[workflow]
mode = "v3"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid workflow.mode")
	}
}

func TestLoad_RejectsInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "verbose"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoad_RejectsSecurityEnabledWithoutTokens(t *testing.T) {
	path := writeConfig(t, `
[api.security]
enabled = true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for enabled security without tokens")
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
poll_interval = "750ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.PollInterval.String() != "750ms" {
		t.Errorf("expected 750ms, got %v", cfg.Scheduler.PollInterval.Duration)
	}
}

func TestConfig_CloneIsIndependent(t *testing.T) {
	cfg := &Config{Providers: map[string]Provider{"openai": {Model: "gpt"}}}
	clone := cfg.Clone()
	clone.Providers["openai"] = Provider{Model: "changed"}
	if cfg.Providers["openai"].Model != "gpt" {
		t.Fatal("mutating clone affected original")
	}
}

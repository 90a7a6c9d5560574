// Package config loads and validates the engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s"
// or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration object (spec §2.2 ambient config layer).
type Config struct {
	General   General               `toml:"general"`
	Providers map[string]Provider   `toml:"providers"`
	Scheduler Scheduler             `toml:"scheduler"`
	Workflow  Workflow              `toml:"workflow"`
	Limits    Limits                `toml:"limits"`
	Skills    Skills                `toml:"skills"`
	Reviewer  ReviewerConfig        `toml:"reviewer"`
	API       API                   `toml:"api"`
	Prompts   map[string]PromptFile `toml:"prompts"`
}

// General carries filesystem layout and ambient logging configuration,
// grounded on the teacher's General block and cmd/cortex's -dev flag
// choosing between a JSON and a text slog handler.
type General struct {
	DBPath     string `toml:"db_path"`
	InputDir   string `toml:"input_dir"`
	OutputDir  string `toml:"output_dir"`
	LogLevel   string `toml:"log_level"`  // debug, info, warn, error
	LogFormat  string `toml:"log_format"` // json, text
}

// Provider names a configured LLM backend (spec §4.1: executor, reviewer,
// and plan generation all route through providers, potentially different
// ones per role).
type Provider struct {
	APIKeyEnv string   `toml:"api_key_env"`
	Model     string   `toml:"model"`
	BaseURL   string   `toml:"base_url"`
	Timeout   Duration `toml:"timeout"`
	MaxRetries int     `toml:"max_retries"`
}

// Scheduler controls batch sizes and poll cadence for the bounded
// orchestrator loop (spec §4.4, §5).
type Scheduler struct {
	ExecutorBatchSize  int      `toml:"executor_batch_size"`
	ReviewerBatchSize  int      `toml:"reviewer_batch_size"`
	CheckGateBatchSize int      `toml:"check_gate_batch_size"`
	PollInterval       Duration `toml:"poll_interval"`
	InputWatchInterval Duration `toml:"input_watch_interval"`
}

// Workflow selects plan generation mode and the structural-rewriter
// thresholds that govern it (spec §4.7; SPEC_FULL.md §2.2).
type Workflow struct {
	Mode                        string  `toml:"mode"` // "v1" or "v2"
	MaxDecompositionDepth       int     `toml:"max_decomposition_depth"`
	OneShotThresholdPersonDays  float64 `toml:"one_shot_threshold_person_days"`
	FailedAutoResetReady        bool    `toml:"failed_auto_reset_ready"`
}

// Limits are the hard budgets enforced by the error-handling design (spec
// §7): per-task attempt ceilings, per-plan LLM call ceilings, plan-level
// wall-clock timeout, and retention caps for artifact/review history.
type Limits struct {
	MaxAttemptsPerTask         int      `toml:"max_attempts_per_task"`
	MaxLLMCallsPerPlan         int      `toml:"max_llm_calls_per_plan"`
	PlanTimeout                Duration `toml:"plan_timeout"`
	MaxArtifactVersionsPerTask int      `toml:"max_artifact_versions_per_task"`
	MaxReviewVersionsPerCheck  int      `toml:"max_review_versions_per_check"`
	MaxPlanAttempts            int      `toml:"max_plan_attempts"`
	MaxReviewAttemptsPerPlan   int      `toml:"max_review_attempts_per_plan"`
	MaxCheckAttemptsV2         int      `toml:"max_check_attempts_v2"`
}

// Skills configures the skill runtime's sandbox image and default timeout
// (spec §4.5).
type Skills struct {
	DockerImage    string   `toml:"docker_image"`
	DefaultTimeout Duration `toml:"default_timeout"`
	MaxRetries     int      `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// ReviewerConfig holds the [reviewer] secondary-reviewer settings. They are
// parsed and defaulted, but the review gate does not read them: each CHECK
// gets a single reviewer call and no secondary review is triggered.
type ReviewerConfig struct {
	SecondaryReviewThreshold int  `toml:"secondary_review_threshold"` // score threshold for a second reviewer; not read by the review gate
	RequireSecondaryOnReject bool `toml:"require_secondary_on_reject"`
}

// API configures the narrow read-only status endpoint (spec §1, §6).
type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

// APISecurity mirrors the teacher's control-endpoint auth block.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// PromptFile names the on-disk template backing a named prompt, loaded
// into the prompts table on first use (internal/store prompts.go).
type PromptFile struct {
	Path string `toml:"path"`
}

// Clone returns a deep copy so readers never observe a config the manager
// is mid-swap on (teacher's RWMutexManager contract).
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	cp.Providers = cloneProviderMap(cfg.Providers)
	cp.Prompts = clonePromptMap(cfg.Prompts)
	cp.API.Security.AllowedTokens = cloneStringSlice(cfg.API.Security.AllowedTokens)
	return &cp
}

func cloneProviderMap(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePromptMap(in map[string]PromptFile) map[string]PromptFile {
	if in == nil {
		return nil
	}
	out := make(map[string]PromptFile, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates a TOML config file, applying defaults for any
// field the file leaves unset.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg, md)
	normalizePaths(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadManager reads the config at path and wraps it in a thread-safe
// manager for hot-reload.
func LoadManager(path string) (*RWMutexManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.General.DBPath == "" {
		cfg.General.DBPath = "./agentengine.db"
	}
	if cfg.General.InputDir == "" {
		cfg.General.InputDir = "./inputs"
	}
	if cfg.General.OutputDir == "" {
		cfg.General.OutputDir = "./outputs"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Scheduler.ExecutorBatchSize <= 0 {
		cfg.Scheduler.ExecutorBatchSize = 4
	}
	if cfg.Scheduler.ReviewerBatchSize <= 0 {
		cfg.Scheduler.ReviewerBatchSize = 2
	}
	if cfg.Scheduler.CheckGateBatchSize <= 0 {
		cfg.Scheduler.CheckGateBatchSize = 2
	}
	if cfg.Scheduler.PollInterval.Duration <= 0 {
		cfg.Scheduler.PollInterval = Duration{2 * time.Second}
	}
	if cfg.Scheduler.InputWatchInterval.Duration <= 0 {
		cfg.Scheduler.InputWatchInterval = Duration{5 * time.Second}
	}

	if cfg.Workflow.Mode == "" {
		cfg.Workflow.Mode = "v2"
	}
	if cfg.Workflow.MaxDecompositionDepth <= 0 {
		cfg.Workflow.MaxDecompositionDepth = 3
	}
	if cfg.Workflow.OneShotThresholdPersonDays <= 0 {
		cfg.Workflow.OneShotThresholdPersonDays = 10
	}

	if cfg.Limits.MaxAttemptsPerTask <= 0 {
		cfg.Limits.MaxAttemptsPerTask = 5
	}
	if cfg.Limits.MaxLLMCallsPerPlan <= 0 {
		cfg.Limits.MaxLLMCallsPerPlan = 500
	}
	if cfg.Limits.PlanTimeout.Duration <= 0 {
		cfg.Limits.PlanTimeout = Duration{4 * time.Hour}
	}
	if cfg.Limits.MaxArtifactVersionsPerTask <= 0 {
		cfg.Limits.MaxArtifactVersionsPerTask = 10
	}
	if cfg.Limits.MaxReviewVersionsPerCheck <= 0 {
		cfg.Limits.MaxReviewVersionsPerCheck = 10
	}
	if cfg.Limits.MaxPlanAttempts <= 0 {
		cfg.Limits.MaxPlanAttempts = 3
	}
	if cfg.Limits.MaxReviewAttemptsPerPlan <= 0 {
		cfg.Limits.MaxReviewAttemptsPerPlan = 3
	}
	if cfg.Limits.MaxCheckAttemptsV2 <= 0 {
		cfg.Limits.MaxCheckAttemptsV2 = 3
	}

	if cfg.Skills.DockerImage == "" {
		cfg.Skills.DockerImage = "agentengine-skill:latest"
	}
	if cfg.Skills.DefaultTimeout.Duration <= 0 {
		cfg.Skills.DefaultTimeout = Duration{60 * time.Second}
	}
	if cfg.Skills.MaxRetries <= 0 {
		cfg.Skills.MaxRetries = 3
	}
	if cfg.Skills.InitialBackoff.Duration <= 0 {
		cfg.Skills.InitialBackoff = Duration{2 * time.Second}
	}
	if cfg.Skills.MaxBackoff.Duration <= 0 {
		cfg.Skills.MaxBackoff = Duration{30 * time.Second}
	}

	if cfg.Reviewer.SecondaryReviewThreshold <= 0 {
		cfg.Reviewer.SecondaryReviewThreshold = 60
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8787"
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.DBPath = ExpandHome(cfg.General.DBPath)
	cfg.General.InputDir = ExpandHome(cfg.General.InputDir)
	cfg.General.OutputDir = ExpandHome(cfg.General.OutputDir)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func validate(cfg *Config) error {
	if cfg.General.LogLevel != "debug" && cfg.General.LogLevel != "info" && cfg.General.LogLevel != "warn" && cfg.General.LogLevel != "error" {
		return fmt.Errorf("general.log_level: invalid value %q", cfg.General.LogLevel)
	}
	if cfg.General.LogFormat != "json" && cfg.General.LogFormat != "text" {
		return fmt.Errorf("general.log_format: invalid value %q", cfg.General.LogFormat)
	}
	if cfg.Scheduler.ExecutorBatchSize < 1 {
		return fmt.Errorf("scheduler.executor_batch_size: must be >= 1")
	}
	if cfg.Workflow.Mode != "v1" && cfg.Workflow.Mode != "v2" {
		return fmt.Errorf("workflow.mode: must be \"v1\" or \"v2\", got %q", cfg.Workflow.Mode)
	}
	if cfg.Limits.MaxAttemptsPerTask < 1 {
		return fmt.Errorf("limits.max_attempts_per_task: must be >= 1")
	}
	if cfg.API.Security.Enabled && len(cfg.API.Security.AllowedTokens) == 0 {
		return fmt.Errorf("api.security: enabled but allowed_tokens is empty")
	}
	for name, p := range cfg.Providers {
		if p.Model == "" {
			return fmt.Errorf("providers.%s: model is required", name)
		}
	}
	return nil
}

// Package skillrt executes the deterministic, non-LLM "skills" an ACTION
// task can invoke (file writers, linters, formatters, shell commands)
// behind a hard timeout, with idempotency-hash caching so a retried
// executor round never re-runs a side-effecting skill against the same
// inputs (spec §4.5).
package skillrt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Backend runs a single skill invocation to completion or until ctx is
// cancelled. Two backends exist: Native (direct subprocess) and Docker
// (sandboxed, untrusted skills), selected per skill definition.
type Backend interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Invocation is a fully-resolved request to run one skill once.
type Invocation struct {
	SkillName string
	Args      map[string]any
	WorkDir   string
	Timeout   time.Duration
}

// Result is a skill's terminal output, recorded verbatim into skill_runs.
type Result struct {
	OK       bool
	Output   map[string]any
	ErrorMsg string
}

// Registry maps skill names to the backend that executes them and the
// declared hard timeout to apply when a call site does not override it.
type Registry struct {
	backends map[string]registeredSkill
	logger   *slog.Logger
}

type registeredSkill struct {
	backend        Backend
	defaultTimeout time.Duration
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backends: make(map[string]registeredSkill), logger: logger}
}

// Register binds a skill name to the backend that runs it.
func (r *Registry) Register(name string, b Backend, defaultTimeout time.Duration) {
	r.backends[name] = registeredSkill{backend: b, defaultTimeout: defaultTimeout}
}

// IdempotencyHash derives the cache key skill_runs uses to dedupe repeated
// invocations: a skill name plus its canonicalized argument set.
func IdempotencyHash(skillName string, args map[string]any) (string, error) {
	canon, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("skillrt: marshal args: %w", err)
	}
	sum := sha256.Sum256(append([]byte(skillName+"\x00"), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// Invoke runs inv against its registered backend, enforcing the hard
// timeout (spec §4.5: "skills run under a hard wall-clock timeout; there is
// no cooperative cancellation contract with the skill body"). Callers are
// responsible for the idempotency-cache check against skill_runs before
// calling Invoke, and for persisting the Result afterward — this function
// is pure execution, no store access, to keep it testable without a DB.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	entry, ok := r.backends[inv.SkillName]
	if !ok {
		return Result{}, fmt.Errorf("skillrt: unknown skill %q", inv.SkillName)
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = entry.defaultTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("skill invocation starting", "skill", inv.SkillName, "timeout", timeout)
	res, err := entry.backend.Run(runCtx, inv)
	if err != nil {
		r.logger.Warn("skill invocation failed", "skill", inv.SkillName, "error", err)
		return Result{}, err
	}
	return res, nil
}

// Package orchestrator drives the bounded main loop described by spec §5:
// each tick recomputes readiness, selects a batch of runnable tasks,
// dispatches them through the executor and review gate, then checks the
// iteration/runtime/LLM-call budgets before sleeping to the next poll.
// It also owns the v2 structural-convergence loop (spec §4.7): doctor ->
// propose-rewrite -> apply-rewrite, escalating to REQUEST_EXTERNAL_INPUT
// when no patch can make progress.
//
// Grounded on _examples/Heikkila-Pty-Ltd-cortex/internal/chief/chief.go's
// New(cfg, store, dispatcher, logger) shape for the driver itself, and on
// _examples/original_source/run.py's main() loop (scan inputs, recompute
// readiness, run the executor/reviewer rounds, check budgets, check
// is_plan_done/is_plan_blocked_waiting_user, sleep) for the tick sequence.
// The convergence loop is grounded on
// _examples/original_source/core/v2_converge.py's converge_v2_plan.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/executor"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/observability"
	"github.com/antigravity-dev/agentforge/internal/readiness"
	"github.com/antigravity-dev/agentforge/internal/reviewgate"
	"github.com/antigravity-dev/agentforge/internal/rewriter"
	"github.com/antigravity-dev/agentforge/internal/scheduler"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Budgets are the guardrails bounding a single Run call (spec §5, §7:
// config.Limits plus the scheduler's poll cadence).
type Budgets struct {
	MaxIterations      int
	MaxPlanRuntime     time.Duration
	MaxLLMCallsPerPlan int
	PollInterval       time.Duration
}

// Driver runs the bounded main loop for one plan at a time.
type Driver struct {
	store        *store.Store
	logger       *slog.Logger
	readiness    *readiness.Engine
	execRound    *executor.Round
	reviewGate   *reviewgate.Gate
	batchLimits  scheduler.Limits
	budgets      Budgets
	artifactsDir string
	requiredDir  string
}

// New builds a Driver. execRound and reviewGate are the already-constructed
// per-role rounds (internal/executor.NewRound, internal/reviewgate.NewGate);
// the orchestrator only sequences them, it holds no LLM transport itself.
func New(st *store.Store, logger *slog.Logger, readinessEngine *readiness.Engine, execRound *executor.Round, reviewGate *reviewgate.Gate, batchLimits scheduler.Limits, budgets Budgets, artifactsDir, requiredDocsDir string) *Driver {
	return &Driver{
		store: st, logger: logger, readiness: readinessEngine,
		execRound: execRound, reviewGate: reviewGate,
		batchLimits: batchLimits, budgets: budgets,
		artifactsDir: artifactsDir, requiredDir: requiredDocsDir,
	}
}

// Outcome is why Run stopped.
type Outcome struct {
	Status     string `json:"status"` // DONE, BLOCKED_WAITING_USER, TIMEOUT, LLM_BUDGET_EXCEEDED, MAX_ITERATIONS
	Iterations int    `json:"iterations"`
}

// Run ticks the main loop for planID until the plan is done, blocked
// waiting on a human, a budget is exhausted, or ctx is cancelled.
func (d *Driver) Run(ctx context.Context, planID string) (*Outcome, error) {
	start := time.Now()

	for i := 0; i < d.budgets.MaxIterations; i++ {
		if d.budgets.MaxPlanRuntime > 0 && time.Since(start) > d.budgets.MaxPlanRuntime {
			d.recordPlanError(planID, errs.PlanTimeout, "plan runtime exceeded")
			return &Outcome{Status: "TIMEOUT", Iterations: i}, nil
		}

		if _, err := d.readiness.Recompute(planID); err != nil {
			return nil, fmt.Errorf("orchestrator: recompute readiness: %w", err)
		}

		batch, err := scheduler.SelectBatch(d.store, planID, d.batchLimits)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: select batch: %w", err)
		}
		if len(batch.ExecutorTaskIDs) > 0 {
			if err := d.execRound.Run(ctx, planID, batch.ExecutorTaskIDs); err != nil {
				return nil, fmt.Errorf("orchestrator: executor round: %w", err)
			}
		}
		if len(batch.ReviewerTaskIDs) > 0 {
			if err := d.reviewGate.Run(ctx, planID, batch.ReviewerTaskIDs); err != nil {
				return nil, fmt.Errorf("orchestrator: review round: %w", err)
			}
		}

		if d.budgets.MaxLLMCallsPerPlan > 0 {
			calls, err := d.store.CountLLMCalls(planID)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: count llm calls: %w", err)
			}
			if calls > d.budgets.MaxLLMCallsPerPlan {
				d.recordPlanError(planID, errs.MaxLLMCallsExceeded, "max LLM calls exceeded")
				return &Outcome{Status: "LLM_BUDGET_EXCEEDED", Iterations: i + 1}, nil
			}
		}

		done, err := d.isPlanDone(planID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: check plan done: %w", err)
		}
		if done {
			d.logger.Info("plan done", "plan_id", planID, "iterations", i+1)
			return &Outcome{Status: "DONE", Iterations: i + 1}, nil
		}

		blocked, err := d.isPlanBlockedWaitingUser(planID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: check plan blocked: %w", err)
		}
		if blocked {
			if err := d.writeBlockedSummary(planID); err != nil {
				d.logger.Warn("write blocked summary", "plan_id", planID, "error", err)
			}
			d.logger.Info("plan blocked waiting on user input", "plan_id", planID, "iterations", i+1)
			return &Outcome{Status: "BLOCKED_WAITING_USER", Iterations: i + 1}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.budgets.PollInterval):
		}
	}

	d.logger.Warn("plan hit iteration budget without converging", "plan_id", planID, "max_iterations", d.budgets.MaxIterations)
	return &Outcome{Status: "MAX_ITERATIONS", Iterations: d.budgets.MaxIterations}, nil
}

func (d *Driver) isPlanDone(planID string) (bool, error) {
	plan, err := d.store.GetPlan(planID)
	if err != nil {
		return false, err
	}
	root, err := d.store.GetTask(plan.RootTaskID)
	if err != nil {
		return false, err
	}
	return root.Status == model.StatusDone, nil
}

func (d *Driver) isPlanBlockedWaitingUser(planID string) (bool, error) {
	tasks, err := d.store.ListTasks(planID)
	if err != nil {
		return false, err
	}
	runnable := map[model.Status]bool{
		model.StatusReady: true, model.StatusToBeModify: true,
		model.StatusReadyToCheck: true, model.StatusInProgress: true,
	}
	hasBlocked := false
	for _, t := range tasks {
		if !t.ActiveBranch {
			continue
		}
		if runnable[t.Status] {
			return false, nil
		}
		if t.Status == model.StatusBlocked && (t.BlockedReason == model.WaitingInput || t.BlockedReason == model.WaitingExternal) {
			hasBlocked = true
		}
	}
	return hasBlocked, nil
}

func (d *Driver) writeBlockedSummary(planID string) error {
	stuck, err := observability.BlockedSummary(d.store, planID, d.artifactsDir)
	if err != nil {
		return err
	}
	md := observability.RenderBlockedSummaryMarkdown(stuck)
	if err := os.MkdirAll(d.requiredDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.requiredDir, "blocked_summary.md"), []byte(md), 0o644)
}

func (d *Driver) recordPlanError(planID string, code errs.Code, message string) {
	if err := d.store.AddEvent(&model.Event{
		EventID: ids.New(), PlanID: planID, EventType: "ERROR",
		Payload:   map[string]any{"error_code": string(code), "message": message},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		d.logger.Error("record plan error", "plan_id", planID, "code", code, "error", err)
	}
}

// ConvergeOptions bundles the rewrite thresholds with the round budget for
// the structural-convergence loop.
type ConvergeOptions struct {
	rewriter.Options
	MaxRounds int
}

// RequiredDoc is a canned request for external input the convergence loop
// writes out when it cannot make further structural progress on its own.
type RequiredDoc struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	AcceptedTypes []string `json:"accepted_types,omitempty"`
	SuggestedPath string   `json:"suggested_path,omitempty"`
}

// ConvergeResult is converge_v2_plan's Go equivalent.
type ConvergeResult struct {
	Status           string        `json:"status"` // OK, REQUEST_EXTERNAL_INPUT
	Rounds           int           `json:"rounds"`
	PlanID           string        `json:"plan_id"`
	RequiredDocsPath string        `json:"required_docs_path,omitempty"`
	RequiredDocs     []RequiredDoc `json:"required_docs,omitempty"`
}

// Converge drives the doctor -> propose-rewrite -> apply-rewrite loop for a
// v2 plan until RunDoctor reports no issues and Propose has no patches left
// to offer, or MaxRounds is exhausted. A plan is considered stuck — not
// just slow — when Propose returns no patches at all (nothing left it
// knows how to fix) or when its only SPLIT_OVERSIZED_ACTION patch is
// blocked by the decomposition depth limit; both cases fall straight to
// REQUEST_EXTERNAL_INPUT rather than spending the remaining rounds.
func Converge(st *store.Store, planID string, opts ConvergeOptions, snapshotDir, requiredDocsDir string) (*ConvergeResult, error) {
	if _, err := st.GetPlan(planID); err != nil {
		return nil, fmt.Errorf("orchestrator: converge: load plan: %w", err)
	}

	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	var lastRequired []RequiredDoc
	for round := 1; round <= maxRounds; round++ {
		issues, err := observability.RunDoctor(st, planID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: converge: run doctor: %w", err)
		}
		pp, err := rewriter.Propose(st, planID, opts.Options, toRewriterIssues(issues))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: converge: propose rewrite: %w", err)
		}

		if len(issues) == 0 && len(pp.Patches) == 0 {
			return &ConvergeResult{Status: "OK", Rounds: round, PlanID: planID}, nil
		}

		blockedByDepth := false
		for _, p := range pp.Patches {
			if p.Type != rewriter.PatchSplitOversized {
				continue
			}
			for _, t := range p.Targets {
				if !t.ApplyAllowed {
					blockedByDepth = true
				}
			}
		}

		if len(pp.Patches) == 0 || blockedByDepth {
			docs := defaultRequiredDocs()
			lastRequired = docs
			path, err := writeRequiredDocs(requiredDocsDir, planID, docs)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: converge: write required docs: %w", err)
			}
			if err := emitRequestExternalInput(st, planID, "Need additional decomposition guidance to converge.", path, docs); err != nil {
				return nil, err
			}
			return &ConvergeResult{Status: "REQUEST_EXTERNAL_INPUT", Rounds: round, PlanID: planID, RequiredDocsPath: path, RequiredDocs: docs}, nil
		}

		if _, err := rewriter.Apply(st, pp, snapshotDir, false); err != nil {
			return nil, fmt.Errorf("orchestrator: converge: apply rewrite: %w", err)
		}
	}

	docs := lastRequired
	if docs == nil {
		docs = []RequiredDoc{{
			Name:          "decomposition_guidance",
			Description:   "Provide decomposition rules or target module breakdown.",
			AcceptedTypes: []string{"md", "txt"},
			SuggestedPath: "workspace/inputs/plan/decomposition_guidance.md",
		}}
	}
	path, err := writeRequiredDocs(requiredDocsDir, planID, docs)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: converge: write required docs: %w", err)
	}
	if err := emitRequestExternalInput(st, planID, "Convergence rounds exceeded.", path, docs); err != nil {
		return nil, err
	}
	return &ConvergeResult{Status: "REQUEST_EXTERNAL_INPUT", Rounds: maxRounds, PlanID: planID, RequiredDocsPath: path, RequiredDocs: docs}, nil
}

func defaultRequiredDocs() []RequiredDoc {
	return []RequiredDoc{
		{
			Name:          "effort_estimates",
			Description:   "Provide per-feature effort estimates or constraints to guide decomposition (person-days).",
			AcceptedTypes: []string{"md", "txt", "json"},
			SuggestedPath: "workspace/inputs/plan/effort_estimates.md",
		},
		{
			Name:          "decomposition_guidance",
			Description:   "Provide decomposition rules or target module breakdown (what sub-systems, acceptance).",
			AcceptedTypes: []string{"md", "txt"},
			SuggestedPath: "workspace/inputs/plan/decomposition_guidance.md",
		},
	}
}

func toRewriterIssues(issues []observability.Issue) []rewriter.Issue {
	out := make([]rewriter.Issue, 0, len(issues))
	for _, iss := range issues {
		out = append(out, rewriter.Issue{Code: iss.Code, Message: iss.Message, Hint: iss.Hint, TaskTitle: iss.TaskTitle})
	}
	return out
}

func writeRequiredDocs(dir, planID string, docs []RequiredDoc) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("plan_%s.md", planID))
	lines := []string{
		fmt.Sprintf("# Required Docs for plan %s", planID),
		"",
		"> The engine searches baseline inputs first; otherwise place files under the suggested path below.",
		"",
	}
	for _, doc := range docs {
		lines = append(lines, fmt.Sprintf("- %s: %s", doc.Name, doc.Description))
		if len(doc.AcceptedTypes) > 0 {
			lines = append(lines, fmt.Sprintf("  - accepted_types: %v", doc.AcceptedTypes))
		}
		if doc.SuggestedPath != "" {
			lines = append(lines, fmt.Sprintf("  - suggested_path: %s", doc.SuggestedPath))
		}
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func emitRequestExternalInput(st *store.Store, planID, message, requiredDocsPath string, docs []RequiredDoc) error {
	return st.AddEvent(&model.Event{
		EventID: ids.New(), PlanID: planID, EventType: "ERROR",
		Payload: map[string]any{
			"error_code": string(errs.RequestExternalInput),
			"message":    message,
			"context":    map[string]any{"required_docs_path": requiredDocsPath, "required_docs": docs},
		},
		CreatedAt: time.Now().UTC(),
	})
}

// Package planworkflow drives a plan from a top task to an approved task
// graph under bounded attempts (spec §4.2). It owns the outer
// generate/review loop; the PLAN_GEN and PLAN_REVIEW contracts themselves
// live in internal/contracts, which this package calls rather than
// reimplementing field coercion.
//
// Grounded on
// _examples/original_source/core/plan_workflow.py's
// generate_and_review_plan: build prompt, call LLM, normalize+validate,
// upsert a plan stub so error events have a foreign key to land on, run
// the reviewer loop, and on approval persist the plan to disk and commit
// the graph in one pass.
package planworkflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/contracts"
	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/llmtransport"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// GenPromptBuilder renders the plan-generation prompt: the top task,
// declared constraints, the skills available to the executor, and a
// bounded remediation note carried over from a failed prior attempt (empty
// on the first attempt).
type GenPromptBuilder func(topTask string, constraints model.Constraints, availableSkills []string, remediation string) (string, error)

// ReviewPromptBuilder renders the plan-review prompt from the candidate
// graph produced by generation, plus a remediation note when the same
// plan's review output failed the PLAN_REVIEW contract on a prior inner
// attempt.
type ReviewPromptBuilder func(planTitle string, nodes []*model.TaskNode, edges []*model.TaskEdge, remediation string) (string, error)

// Workflow runs the plan lifecycle for one top task at a time.
type Workflow struct {
	st                 *store.Store
	transport          llmtransport.Transport
	buildGenPrompt     GenPromptBuilder
	buildReviewPrompt  ReviewPromptBuilder
	planDir            string
	maxPlanAttempts    int
	maxReviewAttempts  int
	maxReviewVersions  int
}

// NewWorkflow constructs a Workflow. planDir is where the approved plan's
// JSON document is written, under `<planDir>/<plan_id>/plan.json`.
// maxPlanAttempts bounds full regeneration; maxReviewAttemptsPerPlan bounds
// review-only retries against the same generated plan (spec §4.2's
// two-level attempt budget — the orchestrator must not let a PLAN_REVIEW
// contract failure skip ahead to a new PLAN_GEN until this inner budget is
// exhausted).
func NewWorkflow(st *store.Store, transport llmtransport.Transport, buildGenPrompt GenPromptBuilder, buildReviewPrompt ReviewPromptBuilder, planDir string, maxPlanAttempts, maxReviewAttemptsPerPlan, maxReviewVersions int) *Workflow {
	return &Workflow{
		st: st, transport: transport, buildGenPrompt: buildGenPrompt, buildReviewPrompt: buildReviewPrompt,
		planDir: planDir, maxPlanAttempts: maxPlanAttempts, maxReviewAttempts: maxReviewAttemptsPerPlan,
		maxReviewVersions: maxReviewVersions,
	}
}

// reviewVerdict classifies what one call to reviewPlan concluded, so
// Generate knows whether to commit, regenerate, or give up.
type reviewVerdict int

const (
	reviewApproved reviewVerdict = iota
	reviewRejected
	reviewExhausted
)

// Generate runs the full generate/review loop for topTask, returning the
// id of the approved plan. The plan id is allocated up front (rather than
// parsed out of the model's response, as the original did) so every LLM
// call this loop makes — including the very first, before any plan exists
// — has a concrete plan_id to log against.
func (w *Workflow) Generate(ctx context.Context, topTask string, constraints model.Constraints, availableSkills []string) (string, error) {
	planID := ids.New()
	if err := w.st.CreatePlan(&model.Plan{
		PlanID: planID, Title: truncate(topTask, 200), CreatedAt: time.Now().UTC(), Constraints: constraints,
	}); err != nil {
		return "", fmt.Errorf("planworkflow: create plan stub: %w", err)
	}

	var remediation string
	for attempt := 1; attempt <= w.maxPlanAttempts; attempt++ {
		gen, ok, nextRemediation, err := w.attemptGenerate(ctx, planID, topTask, constraints, availableSkills, remediation)
		if err != nil {
			return "", err
		}
		if !ok {
			remediation = nextRemediation
			continue
		}

		verdict, reviewOut, outerRemediation, err := w.reviewPlan(ctx, planID, gen)
		if err != nil {
			return "", err
		}

		switch verdict {
		case reviewApproved:
			if err := w.commitApprovedPlan(planID, topTask, gen, reviewOut); err != nil {
				return "", err
			}
			return planID, nil
		case reviewRejected:
			if err := w.emitEvent(planID, "", "PLAN_REVIEWED", map[string]any{
				"total_score": reviewOut.TotalScore, "verdict": string(reviewOut.Verdict), "summary": reviewOut.Summary,
			}); err != nil {
				return "", err
			}
			remediation = outerRemediation
		case reviewExhausted:
			remediation = outerRemediation
		}
	}

	return "", fmt.Errorf("planworkflow: exhausted max plan attempts (%d) for plan %s", w.maxPlanAttempts, planID)
}

// attemptGenerate runs one PLAN_GEN attempt: build prompt, call the LLM,
// normalize+validate. A contract failure returns ok=false and a bounded
// remediation note; it does NOT advance to review (spec §4.2 step 3).
func (w *Workflow) attemptGenerate(ctx context.Context, planID, topTask string, constraints model.Constraints, availableSkills []string, remediation string) (*contracts.PlanGenOutput, bool, string, error) {
	prompt, err := w.buildGenPrompt(topTask, constraints, availableSkills, remediation)
	if err != nil {
		return nil, false, "", fmt.Errorf("planworkflow: build plan prompt: %w", err)
	}

	res := llmtransport.Call(ctx, w.transport, prompt)
	if err := w.persistLLMCall(planID, "", model.OwnerExecutor, res); err != nil {
		return nil, false, "", err
	}
	if res.ErrorCode != "" {
		if err := w.recordPlanError(planID, res.ErrorCode, "plan generation LLM call failed"); err != nil {
			return nil, false, "", err
		}
		return nil, false, "the previous attempt produced no usable output; respond with a single JSON object", nil
	}

	out, cerrs := contracts.NormalizeAndValidate(model.ContractPlanGen, res.ParsedJSON, contracts.Context{PlanID: planID})
	gen := out.(*contracts.PlanGenOutput)
	if len(cerrs) > 0 {
		msg := summarizeContractErrors(cerrs)
		if err := w.recordPlanError(planID, errs.ContractMismatch, msg); err != nil {
			return nil, false, "", err
		}
		return gen, false, msg, nil
	}
	return gen, true, "", nil
}

// reviewPlan runs the inner review loop against one already-generated
// plan. A PLAN_REVIEW contract failure retries against the SAME plan up to
// maxReviewAttempts; only a valid REJECTED verdict, or exhausting the
// inner budget, hands control back to Generate for a fresh PLAN_GEN.
func (w *Workflow) reviewPlan(ctx context.Context, planID string, gen *contracts.PlanGenOutput) (reviewVerdict, *contracts.TaskCheckOutput, string, error) {
	var remediation string
	for attempt := 1; attempt <= w.maxReviewAttempts; attempt++ {
		prompt, err := w.buildReviewPrompt(gen.Title, gen.Nodes, gen.Edges, remediation)
		if err != nil {
			return reviewExhausted, nil, "", fmt.Errorf("planworkflow: build review prompt: %w", err)
		}

		res := llmtransport.Call(ctx, w.transport, prompt)
		if err := w.persistLLMCall(planID, "", model.OwnerReviewer, res); err != nil {
			return reviewExhausted, nil, "", err
		}
		if res.ErrorCode != "" {
			if err := w.recordPlanError(planID, errs.ReviewerFailed, "plan review LLM call failed"); err != nil {
				return reviewExhausted, nil, "", err
			}
			remediation = "the previous review attempt produced no usable output; respond with a single JSON object"
			continue
		}

		out, cerrs := contracts.NormalizeAndValidate(model.ContractPlanReview, res.ParsedJSON, contracts.Context{PlanID: planID})
		if len(cerrs) > 0 {
			msg := summarizeContractErrors(cerrs)
			if err := w.recordPlanError(planID, errs.ContractMismatch, msg); err != nil {
				return reviewExhausted, nil, "", err
			}
			remediation = msg
			continue
		}

		reviewOut := out.(*contracts.TaskCheckOutput)
		if reviewOut.Verdict == model.Approved {
			return reviewApproved, reviewOut, "", nil
		}
		return reviewRejected, reviewOut, truncate(remediationFromReview(reviewOut), 500), nil
	}

	return reviewExhausted, nil, "plan review repeatedly failed contract validation; regenerating the plan from scratch", nil
}

// commitApprovedPlan finalizes the plan row, upserts the generated graph,
// marks the designated plan-review CHECK node (if the plan declared one)
// DONE with its review stored, and writes the plan document to disk (spec
// §4.2 step 6).
func (w *Workflow) commitApprovedPlan(planID, topTask string, gen *contracts.PlanGenOutput, reviewOut *contracts.TaskCheckOutput) error {
	title := gen.Title
	if title == "" {
		title = truncate(topTask, 200)
	}
	if err := w.st.UpdatePlanMeta(planID, title, "", gen.RootTaskID); err != nil {
		return fmt.Errorf("planworkflow: finalize plan meta: %w", err)
	}
	if err := w.st.UpsertGraph(&store.GraphWrite{Nodes: gen.Nodes, Edges: gen.Edges}); err != nil {
		return fmt.Errorf("planworkflow: commit plan graph: %w", err)
	}

	if check := findPlanReviewCheck(gen.Nodes); check != nil {
		review := &model.Review{
			ReviewID:           ids.New(),
			CheckTaskID:        check.TaskID,
			ReviewTargetTaskID: gen.RootTaskID,
			ReviewedArtifactID: planID,
			Reviewer:           string(model.OwnerReviewer),
			TotalScore:         reviewOut.TotalScore,
			Verdict:            reviewOut.Verdict,
			Breakdown:          reviewOut.Breakdown,
			Suggestions:        reviewOut.Suggestions,
			Summary:            reviewOut.Summary,
			AcceptanceResults:  reviewOut.AcceptanceResults,
			IdempotencyKey:     store.ReviewIdempotencyKey(check.TaskID, planID),
			CreatedAt:          time.Now().UTC(),
		}
		if err := w.st.AddReview(review, w.maxReviewVersions); err != nil {
			return fmt.Errorf("planworkflow: store plan review: %w", err)
		}
		if err := w.st.UpdateTaskStatus(check.TaskID, model.StatusDone, "", 0); err != nil {
			return fmt.Errorf("planworkflow: mark plan-review check done: %w", err)
		}
	}

	if _, err := w.persistPlanFile(planID, gen); err != nil {
		return fmt.Errorf("planworkflow: write plan file: %w", err)
	}

	return w.emitEvent(planID, "", "PLAN_APPROVED", map[string]any{
		"title": title, "root_task_id": gen.RootTaskID, "total_score": reviewOut.TotalScore,
	})
}

// persistPlanFile writes the approved plan as JSON under
// `<planDir>/<plan_id>/plan.json`, returning the path written.
func (w *Workflow) persistPlanFile(planID string, gen *contracts.PlanGenOutput) (string, error) {
	dir := filepath.Join(w.planDir, planID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir plan dir: %w", err)
	}
	doc := struct {
		PlanID     string            `json:"plan_id"`
		Title      string            `json:"title"`
		RootTaskID string            `json:"root_task_id"`
		Nodes      []*model.TaskNode `json:"nodes"`
		Edges      []*model.TaskEdge `json:"edges"`
	}{PlanID: planID, Title: gen.Title, RootTaskID: gen.RootTaskID, Nodes: gen.Nodes, Edges: gen.Edges}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal plan document: %w", err)
	}
	path := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write plan document: %w", err)
	}
	return path, nil
}

// findPlanReviewCheck returns the CHECK node the generated plan tagged as
// reviewing the plan as a whole, distinct from a v2 per-ACTION CHECK: its
// review_target_task_id binds to an ACTION's artifact, but the plan-review
// CHECK's target is the plan itself, so it is identified by tag instead
// (spec §4.1 placeholder/tag handling; grounded on
// plan_workflow.py's _load_plan_rubric tagged-node lookup).
func findPlanReviewCheck(nodes []*model.TaskNode) *model.TaskNode {
	for _, n := range nodes {
		if n.NodeType != model.NodeCheck {
			continue
		}
		if hasTagLike(n.Tags, "plan") && hasTagLike(n.Tags, "review") {
			return n
		}
	}
	return nil
}

func hasTagLike(tags []string, want string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), want) {
			return true
		}
	}
	return false
}

func remediationFromReview(out *contracts.TaskCheckOutput) string {
	var b strings.Builder
	b.WriteString(out.Summary)
	for _, s := range out.Suggestions {
		b.WriteString("; ")
		b.WriteString(s)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (w *Workflow) persistLLMCall(planID, taskID string, role model.Owner, res llmtransport.Result) error {
	parsed := ""
	if res.ParsedJSON != nil {
		if b, err := json.Marshal(res.ParsedJSON); err == nil {
			parsed = string(b)
		}
	}
	return w.st.AddLLMCall(&model.LLMCall{
		CallID:     ids.New(),
		PlanID:     planID,
		TaskID:     taskID,
		Role:       role,
		Provider:   res.Provider,
		RawText:    res.RawText,
		ParsedJSON: parsed,
		ErrorCode:  string(res.ErrorCode),
		Truncated:  res.Truncated,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	})
}

func (w *Workflow) emitEvent(planID, taskID, eventType string, payload map[string]any) error {
	return w.st.AddEvent(&model.Event{
		EventID:   ids.New(),
		PlanID:    planID,
		TaskID:    taskID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func (w *Workflow) recordPlanError(planID string, code errs.Code, message string) error {
	return w.emitEvent(planID, "", "ERROR", map[string]any{"error_code": string(code), "message": message})
}

func summarizeContractErrors(cerrs []*errs.ContractError) string {
	if len(cerrs) == 0 {
		return ""
	}
	return cerrs[0].Error()
}

// Package reviewgate implements the v2 review gate (spec §4.6): a CHECK
// node reviews the current candidate artifact of its bound ACTION, scores
// it through the TASK_CHECK contract, and dispatches APPROVED/REJECTED
// onto the ACTION's status. Review rows are pinned to the artifact id
// captured at lock time, so a candidate mutated mid-review never gets
// silently approved under a newer version's identity.
//
// Grounded on _examples/original_source/core/v2_review_gate.py's
// run_check_once.
package reviewgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/contracts"
	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/llmtransport"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// PromptBuilder renders the reviewer prompt for one CHECK, given the
// CHECK node, the bound ACTION it targets, and the pinned artifact being
// reviewed.
type PromptBuilder func(check *model.TaskNode, target *model.TaskNode, artifact *model.Artifact) (string, error)

// Gate runs the review-gate pass for a batch of CHECK task ids.
type Gate struct {
	st                *store.Store
	transport         llmtransport.Transport
	buildPrompt       PromptBuilder
	maxAttempts       int
	maxReviewVersions int
}

// NewGate constructs a review Gate. maxAttempts caps a CHECK's own retry
// budget against malformed reviewer output (CONTRACT_MISMATCH /
// REVIEWER_BAD_OUTPUT), distinct from the ACTION's executor attempt
// budget. maxReviewVersions caps how many review rows AddReview keeps per
// CHECK; <=0 disables pruning.
func NewGate(st *store.Store, transport llmtransport.Transport, buildPrompt PromptBuilder, maxAttempts, maxReviewVersions int) *Gate {
	return &Gate{st: st, transport: transport, buildPrompt: buildPrompt, maxAttempts: maxAttempts, maxReviewVersions: maxReviewVersions}
}

// Run processes checkTaskIDs in order, one at a time.
func (g *Gate) Run(ctx context.Context, planID string, checkTaskIDs []string) error {
	for _, taskID := range checkTaskIDs {
		if err := g.runOne(ctx, planID, taskID); err != nil {
			return fmt.Errorf("reviewgate: task %s: %w", taskID, err)
		}
	}
	return nil
}

func (g *Gate) runOne(ctx context.Context, planID, checkTaskID string) error {
	acquired, err := g.st.CompareAndSwapStatus(checkTaskID, model.StatusReady, model.StatusInProgress)
	if err != nil {
		return err
	}
	if !acquired {
		// Another trigger already claimed this CHECK; benign skip.
		return nil
	}

	check, err := g.st.GetTask(checkTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if err := g.recordCheckEvent(planID, checkTaskID, errs.TaskNotFound, "CHECK task not found", nil); err != nil {
				return err
			}
			return g.st.UpdateTaskStatus(checkTaskID, model.StatusReady, "", 0)
		}
		return err
	}

	targetID := strings.TrimSpace(check.ReviewTargetTaskID)
	if targetID == "" {
		if err := g.recordCheckEvent(planID, checkTaskID, errs.InputMissing, "CHECK missing review_target_task_id (v2 binding)", map[string]any{
			"json_path": "$.task_nodes[task_id=<check>].review_target_task_id",
		}); err != nil {
			return err
		}
		return g.applyCheckOutcome(checkTaskID, errs.InputMissing)
	}

	target, err := g.st.GetTask(targetID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil || target.NodeType != model.NodeAction {
		if err := g.recordCheckEvent(planID, checkTaskID, errs.InputMissing, fmt.Sprintf("review_target_task_id does not exist or is not an ACTION: %s", targetID), map[string]any{
			"target_task_id": targetID,
		}); err != nil {
			return err
		}
		// The target binding is broken, not merely absent input; the
		// original maps this case to INPUT_CONFLICT's outcome.
		return g.applyCheckOutcome(checkTaskID, errs.InputConflict)
	}

	reviewedArtifactID := strings.TrimSpace(target.ActiveArtifactID)
	if reviewedArtifactID == "" {
		if err := g.recordCheckEvent(planID, checkTaskID, errs.InputMissing, "target ACTION has no active_artifact_id to review", map[string]any{
			"review_target_task_id": targetID,
		}); err != nil {
			return err
		}
		return g.applyCheckOutcome(checkTaskID, errs.InputMissing)
	}

	idempotencyKey := store.ReviewIdempotencyKey(checkTaskID, reviewedArtifactID)
	if _, err := g.st.FindReviewByIdempotencyKey(idempotencyKey); err == nil {
		// Already scored this exact (check, pinned artifact) pair; restore
		// CHECK to READY without touching the ACTION.
		return g.st.UpdateTaskStatus(checkTaskID, model.StatusReady, "", 0)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	artifact, err := g.st.GetArtifact(reviewedArtifactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if err := g.recordCheckEvent(planID, checkTaskID, errs.InputMissing, "locked artifact_id not found in artifacts table", map[string]any{
				"check_task_id": checkTaskID, "review_target_task_id": targetID, "reviewed_artifact_id": reviewedArtifactID,
			}); err != nil {
				return err
			}
			return g.applyCheckOutcome(checkTaskID, errs.InputMissing)
		}
		return err
	}
	if _, statErr := os.Stat(artifact.Path); statErr != nil {
		if err := g.recordCheckEvent(planID, checkTaskID, errs.InputMissing, "locked artifact file missing on disk", map[string]any{
			"reviewed_artifact_id": reviewedArtifactID, "missing_path": artifact.Path,
		}); err != nil {
			return err
		}
		return g.applyCheckOutcome(checkTaskID, errs.InputMissing)
	}

	prompt, err := g.buildPrompt(check, target, artifact)
	if err != nil {
		return fmt.Errorf("build review prompt: %w", err)
	}

	res := llmtransport.Call(ctx, g.transport, prompt)
	if err := g.persistLLMCall(planID, checkTaskID, check.Owner, res); err != nil {
		return err
	}

	switch res.ErrorCode {
	case "":
		// fall through to contract validation below
	case errs.LLMUnparseable:
		return g.handleBadOutput(planID, checkTaskID, "reviewer output was not valid JSON")
	default:
		// Reviewer transport/timeout/refusal failures are treated as a
		// crashed reviewer: logged under their own code, but the CHECK's
		// transition follows INPUT_CONFLICT's outcome, same override the
		// original applies for an unhandled reviewer_fn exception.
		if err := g.recordCheckEvent(planID, checkTaskID, errs.ReviewerFailed, "reviewer call failed", map[string]any{
			"check_task_id": checkTaskID, "review_target_task_id": targetID, "reviewed_artifact_id": reviewedArtifactID,
		}); err != nil {
			return err
		}
		return g.applyCheckOutcome(checkTaskID, errs.InputConflict)
	}

	out, cerrs := contracts.NormalizeAndValidate(model.ContractTaskCheck, res.ParsedJSON, contracts.Context{PlanID: planID})
	if len(cerrs) > 0 {
		return g.handleContractMismatch(planID, checkTaskID, cerrs)
	}
	verdict := out.(*contracts.TaskCheckOutput)

	review := &model.Review{
		ReviewID:           ids.New(),
		CheckTaskID:        checkTaskID,
		ReviewTargetTaskID: targetID,
		ReviewedArtifactID: reviewedArtifactID,
		Reviewer:           string(check.Owner),
		TotalScore:         verdict.TotalScore,
		Verdict:            verdict.Verdict,
		Breakdown:          verdict.Breakdown,
		Suggestions:        verdict.Suggestions,
		Summary:            verdict.Summary,
		AcceptanceResults:  verdict.AcceptanceResults,
		IdempotencyKey:     idempotencyKey,
		CreatedAt:          time.Now().UTC(),
	}
	if err := g.st.AddReview(review, g.maxReviewVersions); err != nil {
		return err
	}

	if verdict.Verdict == model.Approved {
		if err := g.st.SetApprovedArtifact(targetID, reviewedArtifactID); err != nil {
			return err
		}
		refreshed, err := g.st.GetTask(targetID)
		if err != nil {
			return err
		}
		if refreshed.ActiveArtifactID != "" && refreshed.ActiveArtifactID != reviewedArtifactID {
			// A newer candidate landed while this review was in flight:
			// the approval still points at the reviewed version, but the
			// ACTION is not done until the latest candidate is reviewed.
			if err := g.recordCheckEvent(planID, targetID, errs.StaleReview, "approved an older candidate while a newer candidate exists", map[string]any{
				"approved_artifact_id":      reviewedArtifactID,
				"current_active_artifact_id": refreshed.ActiveArtifactID,
			}); err != nil {
				return err
			}
			if err := g.st.UpdateTaskStatus(targetID, model.StatusReadyToCheck, "", 0); err != nil {
				return err
			}
		} else {
			if err := g.st.UpdateTaskStatus(targetID, model.StatusDone, "", 0); err != nil {
				return err
			}
		}
	} else {
		if err := g.st.UpdateTaskStatus(targetID, model.StatusToBeModify, "", 0); err != nil {
			return err
		}
	}

	return g.st.UpdateTaskStatus(checkTaskID, model.StatusDone, "", 0)
}

func (g *Gate) handleBadOutput(planID, checkTaskID, message string) error {
	if err := g.recordCheckEvent(planID, checkTaskID, errs.ReviewerBadOutput, message, nil); err != nil {
		return err
	}
	return g.bumpCheckAttemptsOrBlock(checkTaskID)
}

func (g *Gate) handleContractMismatch(planID, checkTaskID string, cerrs []*errs.ContractError) error {
	if err := g.recordCheckEvent(planID, checkTaskID, errs.ContractMismatch, summarizeContractErrors(cerrs), nil); err != nil {
		return err
	}
	return g.bumpCheckAttemptsOrBlock(checkTaskID)
}

// bumpCheckAttemptsOrBlock increments the CHECK's attempt counter and
// either reverts it to READY for another try, or — once max_check_attempts
// is exhausted — blocks it WAITING_EXTERNAL so a human can intervene.
func (g *Gate) bumpCheckAttemptsOrBlock(checkTaskID string) error {
	if err := g.st.BumpAttemptCount(checkTaskID); err != nil {
		return err
	}
	task, err := g.st.GetTask(checkTaskID)
	if err != nil {
		return err
	}
	if task.AttemptCount >= g.maxAttempts {
		return g.applyCheckOutcome(checkTaskID, errs.MaxAttemptsExceeded)
	}
	return g.st.UpdateTaskStatus(checkTaskID, model.StatusReady, "", 0)
}

func (g *Gate) applyCheckOutcome(taskID string, code errs.Code) error {
	outcome := errs.MapToOutcome(code)
	if outcome.Status == "" {
		return nil
	}
	return g.st.UpdateTaskStatus(taskID, model.Status(outcome.Status), model.BlockedReason(outcome.BlockedReason), outcome.AttemptDelta)
}

func (g *Gate) recordCheckEvent(planID, taskID string, code errs.Code, message string, context map[string]any) error {
	payload := map[string]any{"error_code": string(code), "message": message}
	if context != nil {
		payload["context"] = context
	}
	if err := g.st.AddEvent(&model.Event{
		EventID:   ids.New(),
		PlanID:    planID,
		TaskID:    taskID,
		EventType: "ERROR",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record check event: %w", err)
	}
	return nil
}

func (g *Gate) persistLLMCall(planID, taskID string, role model.Owner, res llmtransport.Result) error {
	parsed := ""
	if res.ParsedJSON != nil {
		if b, err := json.Marshal(res.ParsedJSON); err == nil {
			parsed = string(b)
		}
	}
	return g.st.AddLLMCall(&model.LLMCall{
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

func summarizeContractErrors(cerrs []*errs.ContractError) string {
	if len(cerrs) == 0 {
		return ""
	}
	return cerrs[0].Error()
}

// Package executor drives one round of ACTION execution (spec §4.5): pick
// the best input per requirement, run the text-extraction skill over it,
// build a prompt, call the LLM, validate its output through the
// TASK_ACTION contract, and dispatch on the declared result type.
//
// Grounded on _examples/original_source/run.py's xiaobo_round and
// _select_best_inputs_per_requirement.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/contracts"
	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/llmtransport"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/skillrt"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// PromptBuilder renders the executor prompt for one task, given its
// requirements, selected evidence paths, extracted text snippets, and any
// reviewer suggestions left over from a prior rejected attempt. It is
// supplied by the caller so prompt templates stay outside this package.
type PromptBuilder func(task *model.TaskNode, evidence []*model.Evidence, snippets []string, reviewerSuggestions string) (string, error)

// Round executes the executor pass for one batch of ACTION task ids.
type Round struct {
	st            *store.Store
	transport     llmtransport.Transport
	skills        *skillrt.Registry
	buildPrompt   PromptBuilder
	artifactsDir   string
	maxAttempts    int
	maxSkillRetry  int
	skillTimeout   time.Duration
	maxArtifactVer int
}

// NewRound constructs an executor Round. artifactsDir is the workspace
// root artifacts live under (spec §6 paths); each task gets its own
// `<artifactsDir>/<task_id>/` subdirectory. maxArtifactVersions caps how
// many artifact rows AddArtifact keeps per task; <=0 disables pruning.
func NewRound(st *store.Store, transport llmtransport.Transport, skills *skillrt.Registry, buildPrompt PromptBuilder, artifactsDir string, maxAttempts, maxSkillRetry int, skillTimeout time.Duration, maxArtifactVersions int) *Round {
	return &Round{
		st: st, transport: transport, skills: skills, buildPrompt: buildPrompt,
		artifactsDir: artifactsDir, maxAttempts: maxAttempts, maxSkillRetry: maxSkillRetry,
		skillTimeout: skillTimeout, maxArtifactVer: maxArtifactVersions,
	}
}

// Run executes the round against taskIDs in order, one at a time (spec
// §5: "within an iteration, each round processes a bounded batch
// sequentially").
func (r *Round) Run(ctx context.Context, planID string, taskIDs []string) error {
	for _, taskID := range taskIDs {
		if err := r.runOne(ctx, planID, taskID); err != nil {
			return fmt.Errorf("executor: task %s: %w", taskID, err)
		}
	}
	return nil
}

func (r *Round) runOne(ctx context.Context, planID, taskID string) error {
	task, err := r.st.GetTask(taskID)
	if err != nil {
		return err
	}

	evidence, conflict, err := r.selectInputs(task)
	if err != nil {
		return err
	}
	if conflict != "" {
		return r.recordError(planID, taskID, errs.InputConflict, conflict, nil)
	}

	var snippets []string
	if len(evidence) > 0 {
		snippets, err = r.extractText(ctx, planID, task, evidence)
		if err != nil {
			return err // already recorded and status transitioned by extractText
		}
		if snippets == nil {
			return nil // skill failed, already handled; wait for next round
		}
	}

	suggestions := r.lastReviewSuggestions(taskID)

	prompt, err := r.buildPrompt(task, evidence, snippets, suggestions)
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}

	res := llmtransport.Call(ctx, r.transport, prompt)
	if err := r.persistLLMCall(planID, taskID, model.OwnerExecutor, res); err != nil {
		return err
	}

	if res.ErrorCode != "" {
		return r.handleAttemptFailure(planID, taskID, res.ErrorCode, "llm call failed")
	}

	out, cerrs := contracts.NormalizeAndValidate(model.ContractTaskAction, res.ParsedJSON, contracts.Context{PlanID: planID})
	if len(cerrs) > 0 {
		return r.handleAttemptFailure(planID, taskID, errs.ContractMismatch, summarizeContractErrors(cerrs))
	}
	action := out.(*contracts.TaskActionOutput)

	return r.dispatch(planID, taskID, action)
}

func (r *Round) dispatch(planID, taskID string, action *contracts.TaskActionOutput) error {
	switch action.ResultType {
	case contracts.ResultArtifact:
		return r.writeArtifact(planID, taskID, action.Artifact)
	case contracts.ResultNoop:
		return r.st.UpdateTaskStatus(taskID, model.StatusReadyToCheck, "", 0)
	case contracts.ResultNeedsInput:
		if err := r.writeRequiredDocs(taskID, action.NeedsInput); err != nil {
			return err
		}
		return r.recordError(planID, taskID, errs.InputMissing, "missing required input(s)", map[string]any{"needs_input": action.NeedsInput})
	case contracts.ResultError:
		return r.handleAttemptFailure(planID, taskID, errs.LLMFailed, action.ErrorMessage)
	default:
		return r.handleAttemptFailure(planID, taskID, errs.LLMUnparseable, "unknown result_type")
	}
}

func (r *Round) writeArtifact(planID, taskID string, out *contracts.ArtifactOutput) error {
	dir := filepath.Join(r.artifactsDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir artifact dir: %w", err)
	}
	format := model.ArtifactFormat(out.Format)
	filename := out.Filename
	if !strings.HasSuffix(filename, "."+out.Format) {
		filename = filename + "." + out.Format
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(out.Content), 0o644); err != nil {
		return fmt.Errorf("write artifact file: %w", err)
	}
	sum := sha256.Sum256([]byte(out.Content))

	prior, err := r.st.ListArtifacts(taskID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	artifact := &model.Artifact{
		ArtifactID: ids.New(),
		TaskID:     taskID,
		Name:       out.Filename,
		Path:       path,
		Format:     format,
		Version:    len(prior) + 1,
		SHA256:     hex.EncodeToString(sum[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.st.AddArtifact(artifact, r.maxArtifactVer); err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	if err := r.st.SetActiveArtifact(taskID, artifact.ArtifactID); err != nil {
		return fmt.Errorf("set active artifact: %w", err)
	}
	return r.st.UpdateTaskStatus(taskID, model.StatusReadyToCheck, "", 0)
}

func (r *Round) writeRequiredDocs(taskID string, missing []contracts.NeedsInputOutput) error {
	dir := filepath.Join(r.artifactsDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir required-docs dir: %w", err)
	}
	var b strings.Builder
	b.WriteString("# Required inputs\n\n")
	for _, m := range missing {
		fmt.Fprintf(&b, "- **%s** (%s): %s\n", m.Name, m.Kind, m.Reason)
	}
	return os.WriteFile(filepath.Join(dir, "required_docs.md"), []byte(b.String()), 0o644)
}

// selectedInput pairs a requirement with the evidence chosen to satisfy it.
type selectedInput struct {
	requirement *model.InputRequirement
	evidence    *model.Evidence
}

// selectInputs implements the MVP selection rule of spec §4.5: prefer a
// filename containing "final" (case-insensitive), otherwise the most
// recently modified file; reports a conflict when two equally-ranked
// candidates exist for the same requirement.
func (r *Round) selectInputs(task *model.TaskNode) ([]*model.Evidence, string, error) {
	reqs, err := r.st.ListRequirements(task.TaskID)
	if err != nil {
		return nil, "", fmt.Errorf("list requirements: %w", err)
	}

	var chosen []*model.Evidence
	for _, req := range reqs {
		items, err := r.st.ListEvidence(req.RequirementID)
		if err != nil {
			return nil, "", fmt.Errorf("list evidence: %w", err)
		}
		if len(items) == 0 {
			continue
		}
		sort.Slice(items, func(i, j int) bool {
			fi, fj := isFinalName(items[i].Path), isFinalName(items[j].Path)
			if fi != fj {
				return fi
			}
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
		if len(items) > 1 && sameRank(items[0], items[1]) {
			names := make([]string, 0, len(items))
			for _, it := range items {
				names = append(names, filepath.Base(it.Path))
			}
			return nil, fmt.Sprintf("requirement %q: ambiguous input among %s", req.Name, strings.Join(names, ", ")), nil
		}
		chosen = append(chosen, items[0])
	}
	return chosen, "", nil
}

func isFinalName(path string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(path)), "final")
}

func sameRank(a, b *model.Evidence) bool {
	return isFinalName(a.Path) == isFinalName(b.Path) && a.CreatedAt.Equal(b.CreatedAt)
}

// extractText invokes the text-extraction skill over the selected
// evidence, with a per-task WAITING_SKILL retry counter. It returns nil,
// nil (no error, no snippets) when the skill failed but the caller should
// simply wait for the next round rather than treat it as an attempt.
func (r *Round) extractText(ctx context.Context, planID string, task *model.TaskNode, evidence []*model.Evidence) ([]string, error) {
	args := map[string]any{"max_chars": 50000}
	paths := make([]map[string]any, 0, len(evidence))
	for _, e := range evidence {
		paths = append(paths, map[string]any{"path": e.Path, "sha256": e.SHA256})
	}
	args["inputs"] = paths

	hash, err := skillrt.IdempotencyHash("text_extract", args)
	if err != nil {
		return nil, fmt.Errorf("hash skill args: %w", err)
	}
	if cached, err := r.st.FindSkillRun("text_extract", hash); err == nil && cached != nil && cached.Status == "OK" {
		return decodeSnippets(cached.OutputJSON), nil
	}

	run := &store.SkillRun{
		SkillRunID:      ids.New(),
		PlanID:          planID,
		TaskID:          task.TaskID,
		SkillName:       "text_extract",
		IdempotencyHash: hash,
		Status:          "RUNNING",
	}
	if err := r.st.StartSkillRun(run); err != nil {
		return nil, fmt.Errorf("start skill run: %w", err)
	}

	res, err := r.skills.Invoke(ctx, skillrt.Invocation{
		SkillName: "text_extract",
		Args:      args,
		WorkDir:   filepath.Dir(evidence[0].Path),
		Timeout:   r.skillTimeout,
	})
	if err != nil || !res.OK {
		msg := "skill failed"
		if err != nil {
			msg = err.Error()
		} else if res.ErrorMsg != "" {
			msg = res.ErrorMsg
		}
		_ = r.st.FinishSkillRun(run.SkillRunID, "FAILED", "", msg)
		if recErr := r.recordError(planID, task.TaskID, errs.SkillFailed, msg, nil); recErr != nil {
			return nil, recErr
		}
		count, cErr := r.st.BumpErrorCounter(task.TaskID, string(errs.SkillTimeout), "WAITING_SKILL")
		if cErr != nil {
			return nil, cErr
		}
		if count >= r.maxSkillRetry {
			if err := r.st.UpdateTaskStatus(task.TaskID, model.StatusBlocked, model.WaitingExternal, 0); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if err := r.st.ClearErrorCounter(task.TaskID); err != nil {
		return nil, err
	}
	outJSON, _ := json.Marshal(res.Output)
	if err := r.st.FinishSkillRun(run.SkillRunID, "OK", string(outJSON), ""); err != nil {
		return nil, err
	}
	return decodeSnippets(string(outJSON)), nil
}

func decodeSnippets(outputJSON string) []string {
	var payload struct {
		Snippets []string `json:"snippets"`
	}
	_ = json.Unmarshal([]byte(outputJSON), &payload)
	return payload.Snippets
}

func (r *Round) lastReviewSuggestions(taskID string) string {
	review, err := r.st.LatestReview(taskID)
	if err != nil || review == nil {
		return ""
	}
	return strings.Join(review.Suggestions, "\n")
}

func (r *Round) persistLLMCall(planID, taskID string, role model.Owner, res llmtransport.Result) error {
	parsed := ""
	if res.ParsedJSON != nil {
		b, err := json.Marshal(res.ParsedJSON)
		if err == nil {
			parsed = string(b)
		}
	}
	return r.st.AddLLMCall(&model.LLMCall{
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

// handleAttemptFailure records the error and consumes an attempt,
// transitioning FAILED once the task's attempt budget is exhausted (spec
// §7 transient-band handling).
func (r *Round) handleAttemptFailure(planID, taskID string, code errs.Code, message string) error {
	if err := r.recordError(planID, taskID, code, message, nil); err != nil {
		return err
	}
	if err := r.st.BumpAttemptCount(taskID); err != nil {
		return err
	}
	task, err := r.st.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.AttemptCount >= r.maxAttempts {
		return r.st.UpdateTaskStatus(taskID, model.StatusFailed, "", 0)
	}
	return nil
}

func (r *Round) recordError(planID, taskID string, code errs.Code, message string, context map[string]any) error {
	payload := map[string]any{"error_code": string(code), "message": message}
	if context != nil {
		payload["context"] = context
	}
	if err := r.st.AddEvent(&model.Event{
		EventID:   ids.New(),
		PlanID:    planID,
		TaskID:    taskID,
		EventType: "ERROR",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record error event: %w", err)
	}
	outcome := errs.MapToOutcome(code)
	if outcome.Status == "BLOCKED" {
		return r.st.UpdateTaskStatus(taskID, model.StatusBlocked, model.BlockedReason(outcome.BlockedReason), 0)
	}
	return nil
}

func summarizeContractErrors(cerrs []*errs.ContractError) string {
	if len(cerrs) == 0 {
		return ""
	}
	return cerrs[0].Error()
}

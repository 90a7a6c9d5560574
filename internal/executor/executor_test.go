package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/skillrt"
	"github.com/antigravity-dev/agentforge/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedTask(t *testing.T, st *store.Store, planID, taskID string) *model.TaskNode {
	t.Helper()
	now := time.Now().UTC()
	n := &model.TaskNode{
		TaskID: taskID, PlanID: planID, NodeType: model.NodeAction, Title: "do the thing",
		Owner: model.OwnerExecutor, Status: model.StatusReady, ActiveBranch: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{n}}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return n
}

type fakeTransport struct{ text string }

func (f *fakeTransport) Complete(ctx context.Context, prompt string) (string, error) {
	return f.text, nil
}
func (f *fakeTransport) Name() string { return "fake" }

func noPrompt(task *model.TaskNode, evidence []*model.Evidence, snippets []string, suggestions string) (string, error) {
	return "prompt for " + task.TaskID, nil
}

func TestRun_ArtifactResultWritesFileAndTransitions(t *testing.T) {
	st := tempStore(t)
	planID := "plan-1"
	seedTask(t, st, planID, "t1")

	transport := &fakeTransport{text: `{"result_type": "ARTIFACT", "artifact": {"filename": "output", "format": "md", "content": "hello world"}}`}
	round := NewRound(st, transport, skillrt.NewRegistry(nil), noPrompt, t.TempDir(), 3, 3, time.Second, 0)

	if err := round.Run(context.Background(), planID, []string{"t1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusReadyToCheck {
		t.Fatalf("expected READY_TO_CHECK, got %s", task.Status)
	}
	if task.ActiveArtifactID == "" {
		t.Fatal("expected active_artifact_id to be set")
	}

	artifact, err := st.GetArtifact(task.ActiveArtifactID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	content, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("read artifact file: %v", err)
	}
	if string(content) != "hello world" {
		t.Fatalf("unexpected artifact content: %q", content)
	}
}

func TestRun_NoopTransitionsToReadyToCheck(t *testing.T) {
	st := tempStore(t)
	planID := "plan-2"
	seedTask(t, st, planID, "t1")

	transport := &fakeTransport{text: `{"result_type": "NOOP"}`}
	round := NewRound(st, transport, skillrt.NewRegistry(nil), noPrompt, t.TempDir(), 3, 3, time.Second, 0)

	if err := round.Run(context.Background(), planID, []string{"t1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusReadyToCheck {
		t.Fatalf("expected READY_TO_CHECK, got %s", task.Status)
	}
}

func TestRun_NeedsInputBlocksAndWritesRequiredDocs(t *testing.T) {
	st := tempStore(t)
	planID := "plan-3"
	seedTask(t, st, planID, "t1")
	artifactsDir := t.TempDir()

	transport := &fakeTransport{text: `{"result_type": "NEEDS_INPUT", "needs_input": [{"name": "spec.pdf", "kind": "FILE", "reason": "not uploaded"}]}`}
	round := NewRound(st, transport, skillrt.NewRegistry(nil), noPrompt, artifactsDir, 3, 3, time.Second, 0)

	if err := round.Run(context.Background(), planID, []string{"t1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusBlocked || task.BlockedReason != model.WaitingInput {
		t.Fatalf("expected BLOCKED/WAITING_INPUT, got %s/%s", task.Status, task.BlockedReason)
	}
	if _, err := os.Stat(filepath.Join(artifactsDir, "t1", "required_docs.md")); err != nil {
		t.Fatalf("expected required_docs.md to be written: %v", err)
	}
}

func TestRun_ContractMismatchIncrementsAttemptsAndFailsAtBudget(t *testing.T) {
	st := tempStore(t)
	planID := "plan-4"
	seedTask(t, st, planID, "t1")

	transport := &fakeTransport{text: `{"not_result_type": "garbage"}`}
	round := NewRound(st, transport, skillrt.NewRegistry(nil), noPrompt, t.TempDir(), 1, 3, time.Second, 0)

	if err := round.Run(context.Background(), planID, []string{"t1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", task.AttemptCount)
	}
	if task.Status != model.StatusFailed {
		t.Fatalf("expected FAILED once over budget, got %s", task.Status)
	}
}

func TestRun_InputConflictBlocksWithoutCallingLLM(t *testing.T) {
	st := tempStore(t)
	planID := "plan-5"
	seedTask(t, st, planID, "t1")

	req := &model.InputRequirement{RequirementID: ids.New(), TaskID: "t1", Name: "spec", Kind: model.KindFile, Required: true, MinCount: 1}
	if err := st.UpsertRequirement(req); err != nil {
		t.Fatalf("upsert requirement: %v", err)
	}
	now := time.Now().UTC()
	e1 := &model.Evidence{EvidenceID: ids.New(), RequirementID: req.RequirementID, Path: "/in/a.txt", SHA256: "aa", CreatedAt: now}
	e2 := &model.Evidence{EvidenceID: ids.New(), RequirementID: req.RequirementID, Path: "/in/b.txt", SHA256: "bb", CreatedAt: now}
	if err := st.AddEvidence(e1); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if err := st.AddEvidence(e2); err != nil {
		t.Fatalf("add evidence: %v", err)
	}

	transport := &fakeTransport{text: `should never be called`}
	round := NewRound(st, transport, skillrt.NewRegistry(nil), noPrompt, t.TempDir(), 3, 3, time.Second, 0)

	if err := round.Run(context.Background(), planID, []string{"t1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.StatusBlocked || task.BlockedReason != model.WaitingExternal {
		t.Fatalf("expected BLOCKED/WAITING_EXTERNAL, got %s/%s", task.Status, task.BlockedReason)
	}
	calls, err := st.CountLLMCalls(planID)
	if err != nil {
		t.Fatalf("count llm calls: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no llm calls on input conflict, got %d", calls)
	}
}

package reviewgate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
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

type fakeTransport struct{ text string }

func (f *fakeTransport) Complete(ctx context.Context, prompt string) (string, error) {
	return f.text, nil
}
func (f *fakeTransport) Name() string { return "fake" }

func noPrompt(check, target *model.TaskNode, artifact *model.Artifact) (string, error) {
	return "review " + target.TaskID, nil
}

// seedPair creates a READY ACTION with a candidate artifact, and a READY
// CHECK bound to it via review_target_task_id.
func seedPair(t *testing.T, st *store.Store, dir, planID, actionID, checkID string) *model.Artifact {
	t.Helper()
	now := time.Now().UTC()
	action := &model.TaskNode{
		TaskID: actionID, PlanID: planID, NodeType: model.NodeAction, Title: "write the doc",
		Owner: model.OwnerExecutor, Status: model.StatusReadyToCheck, ActiveBranch: true,
		CreatedAt: now, UpdatedAt: now,
	}
	check := &model.TaskNode{
		TaskID: checkID, PlanID: planID, NodeType: model.NodeCheck, Title: "review the doc",
		Owner: model.OwnerReviewer, Status: model.StatusReady, ActiveBranch: true,
		ReviewTargetTaskID: actionID, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{action, check}}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	path := filepath.Join(dir, "output.md")
	if err := os.WriteFile(path, []byte("draft content"), 0o644); err != nil {
		t.Fatalf("write artifact file: %v", err)
	}
	artifact := &model.Artifact{
		ArtifactID: ids.New(), TaskID: actionID, Name: "output.md", Path: path,
		Format: model.FormatMD, Version: 1, SHA256: "deadbeef", CreatedAt: now,
	}
	if err := st.AddArtifact(artifact, 0); err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	if err := st.SetActiveArtifact(actionID, artifact.ArtifactID); err != nil {
		t.Fatalf("set active artifact: %v", err)
	}
	return artifact
}

func TestRun_ApprovedMarksActionDoneAndApproved(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	planID := "plan-1"
	seedPair(t, st, dir, planID, "action-1", "check-1")

	transport := &fakeTransport{text: `{"verdict": "APPROVED", "total_score": 95, "summary": "looks good"}`}
	gate := NewGate(st, transport, noPrompt, 3, 0)

	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	action, err := st.GetTask("action-1")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Status != model.StatusDone {
		t.Fatalf("expected ACTION DONE, got %s", action.Status)
	}
	if action.ApprovedArtifactID == "" {
		t.Fatal("expected approved_artifact_id to be set")
	}

	check, err := st.GetTask("check-1")
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	if check.Status != model.StatusDone {
		t.Fatalf("expected CHECK DONE, got %s", check.Status)
	}
}

func TestRun_RejectedMarksActionToBeModify(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	planID := "plan-2"
	seedPair(t, st, dir, planID, "action-1", "check-1")

	transport := &fakeTransport{text: `{"verdict": "REJECTED", "total_score": 20, "summary": "missing the required section"}`}
	gate := NewGate(st, transport, noPrompt, 3, 0)

	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	action, err := st.GetTask("action-1")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Status != model.StatusToBeModify {
		t.Fatalf("expected ACTION TO_BE_MODIFY, got %s", action.Status)
	}
}

func TestRun_StaleReviewKeepsActionReadyToCheck(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	planID := "plan-3"
	artifact := seedPair(t, st, dir, planID, "action-1", "check-1")

	// A newer candidate lands for the ACTION while the review is "in
	// flight" — simulated by a transport that swaps active_artifact_id
	// during the reviewer call, since the gate reads it fresh after the
	// call completes.
	newer := &model.Artifact{
		ArtifactID: ids.New(), TaskID: "action-1", Name: "output.md", Path: artifact.Path,
		Format: model.FormatMD, Version: 2, SHA256: "feedface", CreatedAt: time.Now().UTC(),
	}

	slowTransport := &stallThenSwapTransport{
		st: st, newArtifact: newer,
		text: `{"verdict": "APPROVED", "total_score": 100, "summary": "fine"}`,
	}
	gate := NewGate(st, slowTransport, noPrompt, 3, 0)

	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	action, err := st.GetTask("action-1")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Status != model.StatusReadyToCheck {
		t.Fatalf("expected ACTION READY_TO_CHECK after stale review, got %s", action.Status)
	}
	if action.ApprovedArtifactID != artifact.ArtifactID {
		t.Fatalf("expected approval pinned to originally reviewed artifact %s, got %s", artifact.ArtifactID, action.ApprovedArtifactID)
	}
}

// stallThenSwapTransport mutates the ACTION's active_artifact_id the
// moment the reviewer is "called", simulating a race between a new
// executor round and an in-flight review.
type stallThenSwapTransport struct {
	st          *store.Store
	newArtifact *model.Artifact
	text        string
}

func (s *stallThenSwapTransport) Complete(ctx context.Context, prompt string) (string, error) {
	if err := s.st.AddArtifact(s.newArtifact, 0); err != nil {
		return "", err
	}
	if err := s.st.SetActiveArtifact(s.newArtifact.TaskID, s.newArtifact.ArtifactID); err != nil {
		return "", err
	}
	return s.text, nil
}
func (s *stallThenSwapTransport) Name() string { return "stall-then-swap" }

func TestRun_MissingBindingBlocksCheck(t *testing.T) {
	st := tempStore(t)
	planID := "plan-4"
	now := time.Now().UTC()
	check := &model.TaskNode{
		TaskID: "check-1", PlanID: planID, NodeType: model.NodeCheck, Title: "review",
		Owner: model.OwnerReviewer, Status: model.StatusReady, ActiveBranch: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{check}}); err != nil {
		t.Fatalf("seed check: %v", err)
	}

	transport := &fakeTransport{text: "should never be called"}
	gate := NewGate(st, transport, noPrompt, 3, 0)

	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := st.GetTask("check-1")
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	if got.Status != model.StatusBlocked || got.BlockedReason != model.WaitingInput {
		t.Fatalf("expected BLOCKED/WAITING_INPUT, got %s/%s", got.Status, got.BlockedReason)
	}
}

func TestRun_IdempotentReplayIsNoop(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	planID := "plan-5"
	seedPair(t, st, dir, planID, "action-1", "check-1")

	transport := &fakeTransport{text: `{"verdict": "APPROVED", "total_score": 90, "summary": "ok"}`}
	gate := NewGate(st, transport, noPrompt, 3, 0)

	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Put the CHECK back to READY as if a scheduler re-selected it, and
	// run again: the idempotency key must prevent a second review row.
	if err := st.UpdateTaskStatus("check-1", model.StatusReady, "", 0); err != nil {
		t.Fatalf("reset check: %v", err)
	}
	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	reviews, err := st.ListReviews("check-1")
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("expected exactly 1 review row after idempotent replay, got %d", len(reviews))
	}
}

func TestRun_ContractMismatchRetriesThenBlocks(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	planID := "plan-6"
	seedPair(t, st, dir, planID, "action-1", "check-1")

	transport := &fakeTransport{text: `{"not_a_verdict": true}`}
	gate := NewGate(st, transport, noPrompt, 1, 0)

	if err := gate.Run(context.Background(), planID, []string{"check-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	check, err := st.GetTask("check-1")
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	if check.Status != model.StatusBlocked || check.BlockedReason != model.WaitingExternal {
		t.Fatalf("expected BLOCKED/WAITING_EXTERNAL at attempt budget, got %s/%s", check.Status, check.BlockedReason)
	}
}

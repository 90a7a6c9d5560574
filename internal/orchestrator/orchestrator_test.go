package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/executor"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/readiness"
	"github.com/antigravity-dev/agentforge/internal/reviewgate"
	"github.com/antigravity-dev/agentforge/internal/rewriter"
	"github.com/antigravity-dev/agentforge/internal/scheduler"
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

type fakeTransport struct{}

func (fakeTransport) Complete(ctx context.Context, prompt string) (string, error) { return "{}", nil }
func (fakeTransport) Name() string                                                { return "fake" }

func noExecPrompt(task *model.TaskNode, evidence []*model.Evidence, snippets []string, suggestions string) (string, error) {
	return "x", nil
}
func noReviewPrompt(check, target *model.TaskNode, artifact *model.Artifact) (string, error) {
	return "x", nil
}

func newIdleDriver(t *testing.T, st *store.Store, artifactsDir, requiredDir string, budgets Budgets) *Driver {
	t.Helper()
	round := executor.NewRound(st, fakeTransport{}, skillrt.NewRegistry(nil), noExecPrompt, artifactsDir, 3, 3, time.Second, 0)
	gate := reviewgate.NewGate(st, fakeTransport{}, noReviewPrompt, 3, 0)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(st, logger, readiness.New(st, requiredDir), round, gate, scheduler.Limits{ExecutorBatchSize: 2, ReviewerBatchSize: 2, CheckGateBatchSize: 2}, budgets, artifactsDir, requiredDir)
}

const (
	planID = "11111111-1111-1111-1111-111111111111"
	rootID = "22222222-2222-2222-2222-222222222222"
)

func TestRun_PlanAlreadyDoneReturnsImmediately(t *testing.T) {
	st := tempStore(t)
	now := time.Now().UTC()
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	actionID := "33333333-3333-3333-3333-333333333333"
	nodes := []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
		{TaskID: actionID, PlanID: planID, NodeType: model.NodeAction, Title: "Do it", Status: model.StatusDone,
			ActiveBranch: true, Owner: model.OwnerExecutor, ApprovedArtifactID: "artifact-1", CreatedAt: now, UpdatedAt: now},
	}
	edges := []*model.TaskEdge{
		{EdgeID: "edge-1", PlanID: planID, FromTaskID: rootID, ToTaskID: actionID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes, Edges: edges}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	d := newIdleDriver(t, st, t.TempDir(), t.TempDir(), Budgets{MaxIterations: 5, MaxPlanRuntime: time.Minute, PollInterval: time.Millisecond})
	outcome, err := d.Run(context.Background(), planID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != "DONE" {
		t.Fatalf("expected DONE, got %+v", outcome)
	}
	if outcome.Iterations != 1 {
		t.Fatalf("expected the goal aggregation to resolve on the first tick, got %d iterations", outcome.Iterations)
	}
}

func TestRun_BlockedWaitingUserWritesSummaryAndStops(t *testing.T) {
	st := tempStore(t)
	now := time.Now().UTC()
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	actionID := "44444444-4444-4444-4444-444444444444"
	nodes := []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
		{TaskID: actionID, PlanID: planID, NodeType: model.NodeAction, Title: "Needs a file", Status: model.StatusBlocked,
			BlockedReason: model.WaitingInput, ActiveBranch: true, Owner: model.OwnerExecutor, CreatedAt: now, UpdatedAt: now},
	}
	edges := []*model.TaskEdge{
		{EdgeID: "edge-1", PlanID: planID, FromTaskID: rootID, ToTaskID: actionID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes, Edges: edges}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}
	if err := st.UpsertRequirement(&model.InputRequirement{
		RequirementID: "req-1", TaskID: actionID, Name: "spec.pdf", Kind: model.KindFile, Required: true, MinCount: 1, Source: model.SourceUser,
	}); err != nil {
		t.Fatalf("add requirement: %v", err)
	}

	requiredDir := t.TempDir()
	d := newIdleDriver(t, st, t.TempDir(), requiredDir, Budgets{MaxIterations: 5, MaxPlanRuntime: time.Minute, PollInterval: time.Millisecond})
	outcome, err := d.Run(context.Background(), planID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != "BLOCKED_WAITING_USER" {
		t.Fatalf("expected BLOCKED_WAITING_USER, got %+v", outcome)
	}
	if _, err := os.Stat(filepath.Join(requiredDir, "blocked_summary.md")); err != nil {
		t.Fatalf("expected blocked_summary.md to be written: %v", err)
	}
}

func TestRun_StopsOnPlanTimeout(t *testing.T) {
	st := tempStore(t)
	now := time.Now().UTC()
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
	}}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	d := newIdleDriver(t, st, t.TempDir(), t.TempDir(), Budgets{MaxIterations: 5, MaxPlanRuntime: time.Nanosecond, PollInterval: time.Millisecond})
	outcome, err := d.Run(context.Background(), planID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT, got %+v", outcome)
	}
}

func seedV2Action(t *testing.T, st *store.Store, personDays float64) {
	t.Helper()
	now := time.Now().UTC()
	actionID := "55555555-5555-5555-5555-555555555555"
	checkID := "66666666-6666-6666-6666-666666666666"
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	nodes := []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
		{
			TaskID: actionID, PlanID: planID, NodeType: model.NodeAction, Title: "Build the thing", Status: model.StatusPending,
			ActiveBranch: true, Owner: model.OwnerExecutor, EstimatedPersonDays: personDays,
			DeliverableSpec: &model.DeliverableSpec{Filename: "out.md", Format: model.FormatMD}, AcceptanceCriteria: "works",
			CreatedAt: now, UpdatedAt: now,
		},
		{TaskID: checkID, PlanID: planID, NodeType: model.NodeCheck, Title: "Review it", Status: model.StatusReady,
			ActiveBranch: true, Owner: model.OwnerReviewer, ReviewTargetTaskID: actionID, CreatedAt: now, UpdatedAt: now},
	}
	edges := []*model.TaskEdge{
		{EdgeID: "edge-1", PlanID: planID, FromTaskID: rootID, ToTaskID: actionID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes, Edges: edges}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}
}

func TestConverge_OKWhenNothingToFix(t *testing.T) {
	st := tempStore(t)
	seedV2Action(t, st, 5)

	result, err := Converge(st, planID, ConvergeOptions{
		Options:   rewriter.Options{WorkflowMode: "v2", OneShotThresholdPersonDays: 10, MaxDepth: 3},
		MaxRounds: 3,
	}, t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if result.Status != "OK" {
		t.Fatalf("expected OK, got %+v", result)
	}
	if result.Rounds != 1 {
		t.Fatalf("expected to converge on the first round, got %d", result.Rounds)
	}
}

func TestConverge_RequestsExternalInputWhenSplitBlockedByDepth(t *testing.T) {
	st := tempStore(t)
	seedV2Action(t, st, 50)

	requiredDir := t.TempDir()
	result, err := Converge(st, planID, ConvergeOptions{
		Options:   rewriter.Options{WorkflowMode: "v2", OneShotThresholdPersonDays: 10, MaxDepth: 0},
		MaxRounds: 3,
	}, t.TempDir(), requiredDir)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if result.Status != "REQUEST_EXTERNAL_INPUT" {
		t.Fatalf("expected REQUEST_EXTERNAL_INPUT, got %+v", result)
	}
	if result.RequiredDocsPath == "" {
		t.Fatal("expected a required docs path")
	}
	if _, err := os.Stat(result.RequiredDocsPath); err != nil {
		t.Fatalf("expected required docs file to exist: %v", err)
	}

	events, err := st.ListEvents(planID, "", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "ERROR" && e.Payload["error_code"] == "REQUEST_EXTERNAL_INPUT" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a REQUEST_EXTERNAL_INPUT error event")
	}
}

func TestConverge_ExhaustsRoundsWhenPatchesNeverResolveDoctorIssues(t *testing.T) {
	st := tempStore(t)
	now := time.Now().UTC()
	actionID := "77777777-7777-7777-7777-777777777777"
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	nodes := []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusDone, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
		{TaskID: actionID, PlanID: planID, NodeType: model.NodeAction, Title: "Done without artifact", Status: model.StatusDone,
			ActiveBranch: true, Owner: model.OwnerExecutor, CreatedAt: now, UpdatedAt: now},
	}
	edges := []*model.TaskEdge{
		{EdgeID: "edge-1", PlanID: planID, FromTaskID: rootID, ToTaskID: actionID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes, Edges: edges}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	requiredDir := t.TempDir()
	result, err := Converge(st, planID, ConvergeOptions{
		Options:   rewriter.Options{WorkflowMode: "v2", OneShotThresholdPersonDays: 10, MaxDepth: 3},
		MaxRounds: 2,
	}, t.TempDir(), requiredDir)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if result.Status != "REQUEST_EXTERNAL_INPUT" {
		t.Fatalf("a DONE-without-artifact doctor issue has no corresponding patch, so convergence should give up: %+v", result)
	}
	if result.Rounds != 2 {
		t.Fatalf("expected all rounds to be spent, got %d", result.Rounds)
	}
}

package observability

import (
	"path/filepath"
	"testing"
	"time"

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

const (
	planID    = "11111111-1111-1111-1111-111111111111"
	rootID    = "22222222-2222-2222-2222-222222222222"
	doneID    = "33333333-3333-3333-3333-333333333333"
	blockedID = "44444444-4444-4444-4444-444444444444"
	failedID  = "55555555-5555-5555-5555-555555555555"
	checkID   = "66666666-6666-6666-6666-666666666666"
)

func seedPlan(t *testing.T, st *store.Store) {
	t.Helper()
	now := time.Now().UTC()
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	nodes := []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
		{TaskID: doneID, PlanID: planID, NodeType: model.NodeAction, Title: "Write the report", Status: model.StatusDone,
			ActiveBranch: true, Owner: model.OwnerExecutor, ApprovedArtifactID: "artifact-1", CreatedAt: now, UpdatedAt: now},
		{TaskID: blockedID, PlanID: planID, NodeType: model.NodeAction, Title: "Gather input", Status: model.StatusBlocked,
			BlockedReason: model.WaitingInput, ActiveBranch: true, Owner: model.OwnerExecutor, CreatedAt: now, UpdatedAt: now},
		{TaskID: failedID, PlanID: planID, NodeType: model.NodeAction, Title: "Flaky task", Status: model.StatusFailed,
			ActiveBranch: true, Owner: model.OwnerExecutor, CreatedAt: now, UpdatedAt: now},
		{TaskID: checkID, PlanID: planID, NodeType: model.NodeCheck, Title: "Review: Write the report", Status: model.StatusDone,
			ActiveBranch: true, Owner: model.OwnerReviewer, ReviewTargetTaskID: doneID, CreatedAt: now, UpdatedAt: now},
	}
	edges := []*model.TaskEdge{
		{EdgeID: "77777777-7777-7777-7777-777777777777", PlanID: planID, FromTaskID: rootID, ToTaskID: doneID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
		{EdgeID: "88888888-8888-8888-8888-888888888888", PlanID: planID, FromTaskID: rootID, ToTaskID: blockedID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
		{EdgeID: "99999999-9999-9999-9999-999999999999", PlanID: planID, FromTaskID: rootID, ToTaskID: failedID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes, Edges: edges}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}
	if _, err := st.BumpErrorCounter(failedID, "LLM_FAILED", "provider timed out"); err != nil {
		t.Fatalf("bump error counter: %v", err)
	}
	if err := st.UpsertRequirement(&model.InputRequirement{
		RequirementID: "aaaaaaaa-0000-0000-0000-000000000001", TaskID: blockedID, Name: "spec.pdf",
		Kind: model.KindFile, Required: true, Source: model.SourceUser,
	}); err != nil {
		t.Fatalf("add requirement: %v", err)
	}
}

func TestRunDoctor_CleanPlanHasNoIssues(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	issues, err := RunDoctor(st, planID)
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected a clean plan to have no doctor issues, got %+v", issues)
	}
}

func TestRunDoctor_FlagsDoneWithoutApprovedArtifact(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	task, err := st.GetTask(doneID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	task.ApprovedArtifactID = ""
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{task}}); err != nil {
		t.Fatalf("clear approved artifact: %v", err)
	}

	issues, err := RunDoctor(st, planID)
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	found := false
	for _, iss := range issues {
		if iss.Code == "DONE_WITHOUT_APPROVED_ARTIFACT" && iss.TaskID == doneID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected DONE_WITHOUT_APPROVED_ARTIFACT for %s, got %+v", doneID, issues)
	}
}

func TestRunDoctor_FlagsMultipleChecksBoundToOneAction(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	now := time.Now().UTC()
	extraCheck := &model.TaskNode{
		TaskID: "cccccccc-cccc-cccc-cccc-cccccccccccc", PlanID: planID, NodeType: model.NodeCheck,
		Title: "Duplicate review", Status: model.StatusReady, ActiveBranch: true, Owner: model.OwnerReviewer,
		ReviewTargetTaskID: doneID, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{extraCheck}}); err != nil {
		t.Fatalf("add extra check: %v", err)
	}

	issues, err := RunDoctor(st, planID)
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	found := false
	for _, iss := range issues {
		if iss.Code == "MULTIPLE_CHECKS_BOUND" && iss.TaskID == doneID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected MULTIPLE_CHECKS_BOUND for %s, got %+v", doneID, issues)
	}
}

func TestGenerateReport_BucketsTasksByStatus(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	r, err := GenerateReport(st, planID)
	if err != nil {
		t.Fatalf("generate report: %v", err)
	}
	if len(r.Blocked) != 1 || r.Blocked[0].TaskID != blockedID {
		t.Fatalf("expected one blocked task %s, got %+v", blockedID, r.Blocked)
	}
	if len(r.Failed) != 1 || r.Failed[0].TaskID != failedID {
		t.Fatalf("expected one failed task %s, got %+v", failedID, r.Failed)
	}
	if len(r.InputsNeeded) != 1 {
		t.Fatalf("expected one inputs_needed entry, got %+v", r.InputsNeeded)
	}
	if len(r.RecentErrors) != 1 || r.RecentErrors[0].Count != 1 {
		t.Fatalf("expected one recent error with count 1, got %+v", r.RecentErrors)
	}
	if r.Summary.IsDone {
		t.Error("plan has blocked/failed tasks, must not be reported done")
	}
}

func TestBuildSnapshot_ReasonsMatchReport(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	snap, err := BuildSnapshot(st, planID)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if !snap.DoctorOK {
		t.Fatalf("expected clean doctor pass, got findings: %+v", snap.Findings)
	}
	codes := map[string]bool{}
	for _, r := range snap.Reasons {
		codes[r.Code] = true
	}
	if !codes["WAITING_INPUT"] || !codes["FAILED"] {
		t.Fatalf("expected WAITING_INPUT and FAILED reasons, got %+v", snap.Reasons)
	}
}

func TestBlockedSummary_ListsMissingInputsAndErrors(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	stuck, err := BlockedSummary(st, planID, "/artifacts")
	if err != nil {
		t.Fatalf("blocked summary: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("expected 2 stuck tasks (blocked+failed), got %d", len(stuck))
	}
	var gotInput, gotError bool
	for _, s := range stuck {
		if s.TaskID == blockedID {
			gotInput = len(s.MissingInputs) == 1 && s.MissingInputs[0] == "spec.pdf"
		}
		if s.TaskID == failedID {
			gotError = s.ErrorCount == 1 && s.ErrorCode == "LLM_FAILED"
		}
	}
	if !gotInput {
		t.Error("expected blocked task to list its missing input")
	}
	if !gotError {
		t.Error("expected failed task to carry its error counter")
	}

	md := RenderBlockedSummaryMarkdown(stuck)
	if md == "" {
		t.Fatal("expected non-empty markdown")
	}
}

func TestRenderReportMarkdown_NonEmpty(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	r, err := GenerateReport(st, planID)
	if err != nil {
		t.Fatalf("generate report: %v", err)
	}
	md := RenderReportMarkdown(r)
	if md == "" {
		t.Fatal("expected non-empty markdown")
	}
}

package rewriter

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
	planID     = "11111111-1111-1111-1111-111111111111"
	rootID     = "22222222-2222-2222-2222-222222222222"
	actionID   = "33333333-3333-3333-3333-333333333333"
	checkID    = "44444444-4444-4444-4444-444444444444"
	bareAction = "55555555-5555-5555-5555-555555555555"
)

func seedPlan(t *testing.T, st *store.Store) {
	t.Helper()
	now := time.Now().UTC()
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	nodes := []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
		{TaskID: actionID, PlanID: planID, NodeType: model.NodeAction, Title: "Write the oversized report",
			Status: model.StatusPending, ActiveBranch: true, Owner: model.OwnerExecutor,
			EstimatedPersonDays: 25, AcceptanceCriteria: "done", CreatedAt: now, UpdatedAt: now},
		{TaskID: checkID, PlanID: planID, NodeType: model.NodeCheck, Title: "Review: Write the oversized report",
			Status: model.StatusReady, ActiveBranch: true, Owner: model.OwnerReviewer, ReviewTargetTaskID: actionID,
			CreatedAt: now, UpdatedAt: now},
		{TaskID: bareAction, PlanID: planID, NodeType: model.NodeAction, Title: "A small unchecked task",
			Status: model.StatusPending, ActiveBranch: true, Owner: model.OwnerExecutor,
			CreatedAt: now, UpdatedAt: now},
	}
	edges := []*model.TaskEdge{
		{EdgeID: "66666666-6666-6666-6666-666666666666", PlanID: planID, FromTaskID: rootID, ToTaskID: actionID, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
		{EdgeID: "77777777-7777-7777-7777-777777777777", PlanID: planID, FromTaskID: rootID, ToTaskID: bareAction, EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": "AND"}},
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes, Edges: edges}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}
}

func opts() Options {
	return Options{WorkflowMode: "v2", OneShotThresholdPersonDays: 10, MaxDepth: 3}
}

func TestPropose_DetectsAllThreePatchKinds(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	pp, err := Propose(st, planID, opts(), nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	kinds := map[string]Patch{}
	for _, p := range pp.Patches {
		kinds[p.Type] = p
	}
	if _, ok := kinds[PatchAddMissingFields]; !ok {
		t.Error("expected ADD_MISSING_V2_FIELDS patch for the bare action")
	}
	if _, ok := kinds[PatchAddCheckBinding]; !ok {
		t.Error("expected ADD_CHECK_BINDING patch for the bare action")
	}
	split, ok := kinds[PatchSplitOversized]
	if !ok {
		t.Fatal("expected SPLIT_OVERSIZED_ACTION patch for the 25-person-day action")
	}
	if len(split.Targets) != 1 || split.Targets[0].TaskID != actionID {
		t.Fatalf("unexpected split targets: %+v", split.Targets)
	}
	if !split.Targets[0].ApplyAllowed {
		t.Error("expected apply_allowed=true at depth 1 with max_depth=3")
	}
	if split.Targets[0].Parts < 3 {
		t.Errorf("expected ceil(25/10)=3 parts, got %d", split.Targets[0].Parts)
	}
}

func TestPropose_NonV2ModeReturnsNoPatches(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	o := opts()
	o.WorkflowMode = "v1"
	pp, err := Propose(st, planID, o, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(pp.Patches) != 0 {
		t.Fatalf("expected no patches outside v2, got %+v", pp.Patches)
	}
	if pp.Risk.Level != "MED" {
		t.Errorf("expected MED risk explaining non-v2 mode, got %s", pp.Risk.Level)
	}
}

// TestApply_SplitOversizedAction is the oversize-split scenario: an ACTION
// with estimated_person_days=25 against threshold=10 becomes a GOAL with
// >=3 children, each <=10 person-days and each with exactly one bound
// CHECK; the action's original CHECK is disassociated, not deleted.
func TestApply_SplitOversizedAction(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	pp, err := Propose(st, planID, opts(), nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := Apply(st, pp, t.TempDir(), false); err != nil {
		t.Fatalf("apply: %v", err)
	}

	parent, err := st.GetTask(actionID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.NodeType != model.NodeGoal {
		t.Fatalf("expected parent converted to GOAL, got %s", parent.NodeType)
	}

	oldCheck, err := st.GetTask(checkID)
	if err != nil {
		t.Fatalf("get old check: %v", err)
	}
	if oldCheck.Status != model.StatusAbandoned || oldCheck.ReviewTargetTaskID != "" {
		t.Fatalf("expected old check disassociated, got status=%s target=%q", oldCheck.Status, oldCheck.ReviewTargetTaskID)
	}

	allTasks, err := st.ListTasks(planID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var children []*model.TaskNode
	childChecks := map[string]int{}
	for _, n := range allTasks {
		if n.NodeType == model.NodeAction && n.TaskID != bareAction {
			children = append(children, n)
		}
		if n.NodeType == model.NodeCheck && n.ReviewTargetTaskID != "" {
			childChecks[n.ReviewTargetTaskID]++
		}
	}
	if len(children) < 3 {
		t.Fatalf("expected >=3 child ACTIONs, got %d", len(children))
	}
	for _, c := range children {
		if c.EstimatedPersonDays > 10 {
			t.Errorf("child %s exceeds threshold: %v person-days", c.TaskID, c.EstimatedPersonDays)
		}
		if childChecks[c.TaskID] != 1 {
			t.Errorf("expected exactly one CHECK bound to child %s, got %d", c.TaskID, childChecks[c.TaskID])
		}
	}

	edges, err := st.ListEdges(planID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	decomposeFromParent := 0
	for _, e := range edges {
		if e.FromTaskID == actionID && e.EdgeType == model.EdgeDecompose {
			decomposeFromParent++
		}
	}
	if decomposeFromParent != len(children) {
		t.Fatalf("expected %d DECOMPOSE edges from the converted parent, got %d", len(children), decomposeFromParent)
	}
}

func TestApply_DryRunMakesNoChanges(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	pp, err := Propose(st, planID, opts(), nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	res, err := Apply(st, pp, t.TempDir(), true)
	if err != nil {
		t.Fatalf("apply dry run: %v", err)
	}
	if res.SnapshotPath != "" {
		t.Error("expected no snapshot on dry run")
	}

	parent, err := st.GetTask(actionID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.NodeType != model.NodeAction {
		t.Fatalf("dry run must not mutate the database, but parent became %s", parent.NodeType)
	}
}

// TestApply_AddCheckBindingIsIdempotent runs propose+apply twice in a row;
// the second pass must not create a second CHECK for bareAction, since the
// first pass already bound one.
func TestApply_AddCheckBindingIsIdempotent(t *testing.T) {
	st := tempStore(t)
	seedPlan(t, st)

	for i := 0; i < 2; i++ {
		pp, err := Propose(st, planID, opts(), nil)
		if err != nil {
			t.Fatalf("propose[%d]: %v", i, err)
		}
		if _, err := Apply(st, pp, t.TempDir(), false); err != nil {
			t.Fatalf("apply[%d]: %v", i, err)
		}
	}

	tasks, err := st.ListTasks(planID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	bound := 0
	for _, n := range tasks {
		if n.NodeType == model.NodeCheck && n.ReviewTargetTaskID == bareAction {
			bound++
		}
	}
	if bound != 1 {
		t.Fatalf("expected exactly one CHECK bound to the previously-unchecked action, got %d", bound)
	}
}

package readiness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedNode(t *testing.T, st *store.Store, planID, taskID string, nt model.NodeType) *model.TaskNode {
	t.Helper()
	now := time.Now().UTC()
	n := &model.TaskNode{
		TaskID: taskID, PlanID: planID, NodeType: nt, Title: taskID,
		Status: model.StatusPending, ActiveBranch: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{n}}); err != nil {
		t.Fatalf("seed node: %v", err)
	}
	return n
}

func seedEdge(t *testing.T, st *store.Store, planID, from, to string, et model.EdgeType, meta map[string]any) {
	t.Helper()
	e := &model.TaskEdge{EdgeID: ids.New(), PlanID: planID, FromTaskID: from, ToTaskID: to, EdgeType: et, Metadata: meta}
	if err := st.UpsertGraph(&store.GraphWrite{Edges: []*model.TaskEdge{e}}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
}

func TestRecompute_PendingToReadyWithNoRequirements(t *testing.T) {
	st := tempStore(t)
	planID := "plan-1"
	seedNode(t, st, planID, "goal", model.NodeGoal)
	seedNode(t, st, planID, "action", model.NodeAction)
	seedEdge(t, st, planID, "goal", "action", model.EdgeDecompose, map[string]any{"and_or": "AND"})

	e := New(st, t.TempDir())
	transitions, err := e.Recompute(planID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	found := false
	for _, tr := range transitions {
		if tr.TaskID == "action" && tr.To == model.StatusReady {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected action to become READY, transitions=%+v", transitions)
	}
}

func TestRecompute_BlockedOnDependency(t *testing.T) {
	st := tempStore(t)
	planID := "plan-2"
	seedNode(t, st, planID, "a", model.NodeAction)
	seedNode(t, st, planID, "b", model.NodeAction)
	seedEdge(t, st, planID, "b", "a", model.EdgeDependsOn, nil)

	e := New(st, t.TempDir())
	if _, err := e.Recompute(planID); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	b, err := st.GetTask("b")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if b.Status != model.StatusPending {
		t.Fatalf("expected b to stay PENDING until a is DONE, got %s", b.Status)
	}

	if err := st.UpdateTaskStatus("a", model.StatusDone, "", 0); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if _, err := e.Recompute(planID); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	b, err = st.GetTask("b")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if b.Status != model.StatusReady {
		t.Fatalf("expected b READY once a is DONE, got %s", b.Status)
	}
}

func TestRecompute_AlternativeTieBreak(t *testing.T) {
	st := tempStore(t)
	planID := "plan-3"
	seedNode(t, st, planID, "a1", model.NodeAction)
	seedNode(t, st, planID, "a2", model.NodeAction)
	seedEdge(t, st, planID, "a1", "a2", model.EdgeAlternative, map[string]any{"group_id": "g1"})

	// bump a2's priority so it should win the tie-break
	a2, _ := st.GetTask("a2")
	a2.Priority = 5
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{a2}}); err != nil {
		t.Fatalf("bump priority: %v", err)
	}

	e := New(st, t.TempDir())
	if _, err := e.Recompute(planID); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	a1, _ := st.GetTask("a1")
	a2, _ = st.GetTask("a2")
	if a1.ActiveBranch {
		t.Fatal("expected a1 (lower priority) to lose the alternative tie-break")
	}
	if !a2.ActiveBranch {
		t.Fatal("expected a2 (higher priority) to win the alternative tie-break")
	}
}

func TestRecompute_GoalDoneOnAndAggregation(t *testing.T) {
	st := tempStore(t)
	planID := "plan-4"
	seedNode(t, st, planID, "goal", model.NodeGoal)
	seedNode(t, st, planID, "a", model.NodeAction)
	seedNode(t, st, planID, "b", model.NodeAction)
	seedEdge(t, st, planID, "goal", "a", model.EdgeDecompose, map[string]any{"and_or": "AND"})
	seedEdge(t, st, planID, "goal", "b", model.EdgeDecompose, map[string]any{"and_or": "AND"})

	st.UpdateTaskStatus("a", model.StatusDone, "", 0)
	st.UpdateTaskStatus("b", model.StatusDone, "", 0)

	e := New(st, t.TempDir())
	if _, err := e.Recompute(planID); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	goal, err := st.GetTask("goal")
	if err != nil {
		t.Fatalf("get goal: %v", err)
	}
	if goal.Status != model.StatusDone {
		t.Fatalf("expected goal DONE once both AND children are DONE, got %s", goal.Status)
	}
}

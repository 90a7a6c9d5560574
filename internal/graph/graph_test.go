package graph

import (
	"testing"

	"github.com/antigravity-dev/agentforge/internal/model"
)

func node(id string, nt model.NodeType) *model.TaskNode {
	return &model.TaskNode{TaskID: id, NodeType: nt, Status: model.StatusPending}
}

func edge(id, from, to string, et model.EdgeType, meta map[string]any) *model.TaskEdge {
	return &model.TaskEdge{EdgeID: id, FromTaskID: from, ToTaskID: to, EdgeType: et, Metadata: meta}
}

func TestCheckAcyclic_DetectsCycle(t *testing.T) {
	nodes := []*model.TaskNode{node("a", model.NodeAction), node("b", model.NodeAction), node("c", model.NodeAction)}
	edges := []*model.TaskEdge{
		edge("e1", "a", "b", model.EdgeDependsOn, nil),
		edge("e2", "b", "c", model.EdgeDependsOn, nil),
		edge("e3", "c", "a", model.EdgeDependsOn, nil),
	}
	g := Build(nodes, edges)
	if err := g.CheckAcyclic(); err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestCheckAcyclic_AcceptsDAG(t *testing.T) {
	nodes := []*model.TaskNode{node("a", model.NodeGoal), node("b", model.NodeAction), node("c", model.NodeAction)}
	edges := []*model.TaskEdge{
		edge("e1", "a", "b", model.EdgeDecompose, nil),
		edge("e2", "a", "c", model.EdgeDecompose, nil),
		edge("e3", "c", "b", model.EdgeDependsOn, nil),
	}
	g := Build(nodes, edges)
	if err := g.CheckAcyclic(); err != nil {
		t.Fatalf("expected no cycle, got %v", err)
	}
}

func TestCheckAndOrConsistency(t *testing.T) {
	nodes := []*model.TaskNode{node("a", model.NodeGoal), node("b", model.NodeAction), node("c", model.NodeAction)}
	edges := []*model.TaskEdge{
		edge("e1", "a", "b", model.EdgeDecompose, map[string]any{"and_or": "AND"}),
		edge("e2", "a", "c", model.EdgeDecompose, map[string]any{"and_or": "OR"}),
	}
	g := Build(nodes, edges)
	if err := g.CheckAndOrConsistency(); err == nil {
		t.Fatal("expected and_or inconsistency error, got nil")
	}
}

func TestAlternativeGroup(t *testing.T) {
	nodes := []*model.TaskNode{node("a", model.NodeAction), node("b", model.NodeAction), node("c", model.NodeAction)}
	edges := []*model.TaskEdge{
		edge("e1", "a", "b", model.EdgeAlternative, map[string]any{"group_id": "g1"}),
		edge("e2", "b", "c", model.EdgeAlternative, map[string]any{"group_id": "g1"}),
	}
	g := Build(nodes, edges)
	group := g.AlternativeGroup("a")
	if len(group) != 3 {
		t.Fatalf("expected 3 nodes in alternative group, got %d", len(group))
	}
}

func TestTopoOrder_RespectsDependencies(t *testing.T) {
	nodes := []*model.TaskNode{node("a", model.NodeAction), node("b", model.NodeAction)}
	edges := []*model.TaskEdge{edge("e1", "a", "b", model.EdgeDependsOn, nil)}
	g := Build(nodes, edges)
	order := g.TopoOrder()
	posA, posB := -1, -1
	for i, id := range order {
		if id == "a" {
			posA = i
		}
		if id == "b" {
			posB = i
		}
	}
	if posB > posA {
		t.Fatalf("expected b (dependency of a) to come before a in topo order: %v", order)
	}
}

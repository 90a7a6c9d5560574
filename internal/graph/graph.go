// Package graph provides pure, in-memory operations over the task graph:
// adjacency lookups, cycle detection, and AND/OR consistency checking. It
// holds no database handle — the contract layer's normalize_and_validate
// must remain side-effect-free (spec §4.1), and the readiness engine wants
// to run these checks against a batch of not-yet-persisted nodes during
// plan generation.
package graph

import (
	"fmt"
	"sort"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// Graph is an adjacency-list view over a plan's nodes and edges, built once
// per readiness/contract pass and discarded — it is a read model, never
// mutated in place.
type Graph struct {
	nodes       map[string]*model.TaskNode
	decompose   map[string][]*model.TaskEdge // parent -> children
	dependsOn   map[string][]*model.TaskEdge // dependent -> prerequisites
	dependedBy  map[string][]*model.TaskEdge // prerequisite -> dependents
	alternative map[string][]*model.TaskEdge // node -> its ALTERNATIVE edges
	parentOf    map[string]string            // child -> parent (DECOMPOSE)
}

// Build constructs a Graph from a flat node and edge list.
func Build(nodes []*model.TaskNode, edges []*model.TaskEdge) *Graph {
	g := &Graph{
		nodes:       make(map[string]*model.TaskNode, len(nodes)),
		decompose:   make(map[string][]*model.TaskEdge),
		dependsOn:   make(map[string][]*model.TaskEdge),
		dependedBy:  make(map[string][]*model.TaskEdge),
		alternative: make(map[string][]*model.TaskEdge),
		parentOf:    make(map[string]string),
	}
	for _, n := range nodes {
		g.nodes[n.TaskID] = n
	}
	for _, e := range edges {
		switch e.EdgeType {
		case model.EdgeDecompose:
			g.decompose[e.FromTaskID] = append(g.decompose[e.FromTaskID], e)
			g.parentOf[e.ToTaskID] = e.FromTaskID
		case model.EdgeDependsOn:
			g.dependsOn[e.FromTaskID] = append(g.dependsOn[e.FromTaskID], e)
			g.dependedBy[e.ToTaskID] = append(g.dependedBy[e.ToTaskID], e)
		case model.EdgeAlternative:
			g.alternative[e.FromTaskID] = append(g.alternative[e.FromTaskID], e)
			g.alternative[e.ToTaskID] = append(g.alternative[e.ToTaskID], e)
		}
	}
	return g
}

func (g *Graph) Node(taskID string) (*model.TaskNode, bool) {
	n, ok := g.nodes[taskID]
	return n, ok
}

// Children returns the DECOMPOSE children of a GOAL, in a stable order.
func (g *Graph) Children(taskID string) []*model.TaskNode {
	edges := g.decompose[taskID]
	out := make([]*model.TaskNode, 0, len(edges))
	for _, e := range edges {
		if n, ok := g.nodes[e.ToTaskID]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ChildrenAndOr returns the and_or rule of a GOAL's outgoing DECOMPOSE
// edges, defaulting to AND when the parent has no children. Callers that
// need this must have already run CheckAndOrConsistency, since this
// returns only the first edge's value.
func (g *Graph) ChildrenAndOr(parentID string) model.AndOr {
	edges := g.decompose[parentID]
	if len(edges) == 0 {
		return model.AND
	}
	return edges[0].AndOr()
}

// Parent returns the DECOMPOSE parent of a node, if any.
func (g *Graph) Parent(taskID string) (*model.TaskNode, bool) {
	pid, ok := g.parentOf[taskID]
	if !ok {
		return nil, false
	}
	n, ok := g.nodes[pid]
	return n, ok
}

// Dependencies returns the tasks a node DEPENDS_ON.
func (g *Graph) Dependencies(taskID string) []*model.TaskNode {
	edges := g.dependsOn[taskID]
	out := make([]*model.TaskNode, 0, len(edges))
	for _, e := range edges {
		if n, ok := g.nodes[e.ToTaskID]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Dependents returns the tasks that DEPEND_ON a node.
func (g *Graph) Dependents(taskID string) []*model.TaskNode {
	edges := g.dependedBy[taskID]
	out := make([]*model.TaskNode, 0, len(edges))
	for _, e := range edges {
		if n, ok := g.nodes[e.FromTaskID]; ok {
			out = append(out, n)
		}
	}
	return out
}

// AlternativeGroup returns every node sharing an ALTERNATIVE group_id with
// taskID, including taskID itself, or nil if taskID has no ALTERNATIVE
// edges.
func (g *Graph) AlternativeGroup(taskID string) []*model.TaskNode {
	edges := g.alternative[taskID]
	if len(edges) == 0 {
		return nil
	}
	groups := map[string]bool{}
	for _, e := range edges {
		groups[e.GroupID()] = true
	}
	seen := map[string]bool{taskID: true}
	ids := []string{taskID}
	for _, nodeEdges := range g.alternative {
		for _, e := range nodeEdges {
			if !groups[e.GroupID()] {
				continue
			}
			for _, id := range []string{e.FromTaskID, e.ToTaskID} {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	out := make([]*model.TaskNode, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// CycleError names the edge that closes a cycle, so callers can produce an
// actionable ContractError (spec §9: "cycle detection must name the
// offending node pair, not just report 'cycle found'").
type CycleError struct {
	From, To string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s -> %s closes a loop", e.From, e.To)
}

// nodeState of a DFS cycle check.
type nodeState int

const (
	unvisited nodeState = iota
	visiting
	done
)

// CheckAcyclic runs a DFS over the combined DECOMPOSE+DEPENDS_ON edge set
// (spec §3: "the union of DECOMPOSE and DEPENDS_ON edges must form a DAG";
// ALTERNATIVE edges are excluded, they do not impose ordering) and returns
// the first CycleError found, or nil.
func (g *Graph) CheckAcyclic() error {
	state := make(map[string]nodeState, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &CycleError{From: id, To: id}
		}
		state[id] = visiting
		for _, e := range g.decompose[id] {
			if err := visit(e.ToTaskID); err != nil {
				if ce, ok := err.(*CycleError); ok && ce.From == ce.To {
					return &CycleError{From: id, To: e.ToTaskID}
				}
				return err
			}
		}
		for _, e := range g.dependsOn[id] {
			if err := visit(e.ToTaskID); err != nil {
				if ce, ok := err.(*CycleError); ok && ce.From == ce.To {
					return &CycleError{From: id, To: e.ToTaskID}
				}
				return err
			}
		}
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// AndOrConsistencyError reports a GOAL whose DECOMPOSE edges disagree on
// and_or (spec §3: "and_or is a property of the parent, every outgoing
// DECOMPOSE edge from the same GOAL must agree").
type AndOrConsistencyError struct {
	ParentTaskID string
}

func (e *AndOrConsistencyError) Error() string {
	return fmt.Sprintf("task %s: DECOMPOSE edges disagree on and_or", e.ParentTaskID)
}

// CheckAndOrConsistency verifies every GOAL's outgoing DECOMPOSE edges
// agree on and_or.
func (g *Graph) CheckAndOrConsistency() error {
	parents := make([]string, 0, len(g.decompose))
	for p := range g.decompose {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	for _, p := range parents {
		edges := g.decompose[p]
		if len(edges) == 0 {
			continue
		}
		want := edges[0].AndOr()
		for _, e := range edges[1:] {
			if e.AndOr() != want {
				return &AndOrConsistencyError{ParentTaskID: p}
			}
		}
	}
	return nil
}

// TopoOrder returns task ids in an order where every DECOMPOSE/DEPENDS_ON
// prerequisite precedes its dependent. Panics-free: callers must call
// CheckAcyclic first and treat a non-nil error there as fatal to ordering.
func (g *Graph) TopoOrder() []string {
	state := make(map[string]nodeState, len(g.nodes))
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if state[id] != unvisited {
			return
		}
		state[id] = visiting
		for _, e := range g.decompose[id] {
			visit(e.ToTaskID)
		}
		for _, e := range g.dependsOn[id] {
			visit(e.ToTaskID)
		}
		state[id] = done
		order = append(order, id)
	}
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		visit(id)
	}
	return order
}

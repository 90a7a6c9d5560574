package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/errs"
	"github.com/antigravity-dev/agentforge/internal/graph"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
)

// PlanGenOutput is the canonical, validated shape of a plan-generation
// call: a root GOAL plus its full task graph (spec §4.2).
type PlanGenOutput struct {
	Title      string
	Nodes      []*model.TaskNode
	Edges      []*model.TaskEdge
	RootTaskID string
}

// coerceTags accepts either a JSON array of strings or a single
// comma-separated string (spec §4.1: "converts comma-separated strings to
// arrays").
func coerceTags(v any) []string {
	if items, ok := asSlice(v); ok {
		var out []string
		for _, it := range items {
			if s, ok := asString(it); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := asString(v); ok && s != "" {
		var out []string
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func normalizePlanGen(raw map[string]any, ctx Context) (*PlanGenOutput, []*errs.ContractError) {
	var cerrs []*errs.ContractError
	out := &PlanGenOutput{}

	title, cerr := requireString(raw, "$.title", "title", "goal")
	if cerr != nil {
		cerrs = append(cerrs, cerr)
	}
	out.Title = title

	nodesRaw, ok := aliasLookup(raw, "nodes", "tasks")
	if !ok {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", "$.nodes",
			"non-empty array", "missing", `add "nodes": [{"task_id": "...", "node_type": "GOAL", ...}]`))
		return out, cerrs
	}
	nodeItems, ok := asSlice(nodesRaw)
	if !ok || len(nodeItems) == 0 {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", "$.nodes",
			"non-empty array", fmt.Sprintf("%v", nodesRaw), "add at least one GOAL node"))
		return out, cerrs
	}

	idRemap := map[string]string{} // raw id -> canonical id, scoped to this pass
	resolveID := func(raw string) string {
		if canon, ok := idRemap[raw]; ok {
			return canon
		}
		canon := backfillID(ctx.PlanID, raw)
		idRemap[raw] = canon
		return canon
	}

	now := time.Now().UTC()
	for i, it := range nodeItems {
		nm, ok := asMap(it)
		if !ok {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", fmt.Sprintf("$.nodes[%d]", i),
				"object", fmt.Sprintf("%T", it), "set each node to an object"))
			continue
		}
		n := &model.TaskNode{PlanID: ctx.PlanID, CreatedAt: now, UpdatedAt: now, Status: model.StatusPending, ActiveBranch: true}

		rawID, _ := asString(nm["task_id"])
		n.TaskID = resolveID(rawID)

		ntRaw, ok := aliasLookup(nm, "node_type", "type")
		if !ok {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", fmt.Sprintf("$.nodes[%d].node_type", i),
				"one of GOAL, ACTION, CHECK", "missing", `add "node_type": "ACTION"`))
			continue
		}
		ntStr, _ := asString(ntRaw)
		ntCanon, ok := coerceEnum(ntStr, string(model.NodeGoal), string(model.NodeAction), string(model.NodeCheck))
		if !ok {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", fmt.Sprintf("$.nodes[%d].node_type", i),
				"one of GOAL, ACTION, CHECK", ntStr, `set "node_type" to "ACTION"`))
			continue
		}
		n.NodeType = model.NodeType(ntCanon)

		if v, ok := aliasLookup(nm, "title", "name"); ok {
			n.Title, _ = asString(v)
		}
		if v, ok := aliasLookup(nm, "goal_statement", "description"); ok {
			n.GoalStatement, _ = asString(v)
		}
		if v, ok := aliasLookup(nm, "rationale"); ok {
			n.Rationale, _ = asString(v)
		}
		ownerStr := "executor"
		if v, ok := aliasLookup(nm, "owner", "owner_agent_id", "agent"); ok {
			if s, ok := asString(v); ok {
				if canon, ok := coerceEnum(s, string(model.OwnerExecutor), string(model.OwnerReviewer), string(model.OwnerSecondaryReviewer)); ok {
					ownerStr = canon
				}
			}
		}
		n.Owner = model.Owner(ownerStr)

		if v, ok := aliasLookup(nm, "review_target_task_id", "target_task_id"); ok {
			if s, ok := asString(v); ok && s != "" {
				n.ReviewTargetTaskID = resolveID(s)
			}
		}
		if v, ok := aliasLookup(nm, "acceptance_criteria"); ok {
			n.AcceptanceCriteria, _ = asString(v)
		}
		if v, ok := aliasLookup(nm, "review_output_spec"); ok {
			n.ReviewOutputSpec, _ = asString(v)
		}
		if v, ok := aliasLookup(nm, "tags"); ok {
			n.Tags = coerceTags(v)
		}

		out.Nodes = append(out.Nodes, n)
		if n.NodeType == model.NodeGoal && out.RootTaskID == "" {
			out.RootTaskID = n.TaskID
		}
	}

	edgesRaw, _ := aliasLookup(raw, "edges")
	if edgeItems, ok := asSlice(edgesRaw); ok {
		for i, it := range edgeItems {
			em, ok := asMap(it)
			if !ok {
				cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", fmt.Sprintf("$.edges[%d]", i),
					"object", fmt.Sprintf("%T", it), "set each edge to an object"))
				continue
			}
			fromRaw, _ := asString(em["from_task_id"])
			toRaw, _ := asString(em["to_task_id"])
			if fromRaw == "" || toRaw == "" {
				cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", fmt.Sprintf("$.edges[%d]", i),
					"from_task_id and to_task_id", "missing", `add "from_task_id" and "to_task_id"`))
				continue
			}

			// Synthetic START/END placeholders (spec §4.1): drop edges
			// into an END/FINISH/STOP node, and rewrite edges out of a
			// START/BEGIN node into root_task_id -> X DECOMPOSE edges, so
			// a planner that only emits a linear START...END chain still
			// produces a decomposable tree instead of polluting the plan
			// with placeholder nodes for START/END.
			fromUp := strings.ToUpper(strings.TrimSpace(fromRaw))
			toUp := strings.ToUpper(strings.TrimSpace(toRaw))
			if toUp == "END" || toUp == "FINISH" || toUp == "STOP" {
				continue
			}
			isStart := (fromUp == "START" || fromUp == "BEGIN") && out.RootTaskID != ""

			etStr, _ := asString(em["edge_type"])
			etCanon, ok := coerceEnum(etStr, string(model.EdgeDecompose), string(model.EdgeDependsOn), string(model.EdgeAlternative))
			if isStart {
				etCanon, ok = string(model.EdgeDecompose), true
			}
			if !ok {
				cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", fmt.Sprintf("$.edges[%d].edge_type", i),
					"one of DECOMPOSE, DEPENDS_ON, ALTERNATIVE", etStr, `set "edge_type" to "DEPENDS_ON"`))
				continue
			}

			fromID := resolveID(fromRaw)
			if isStart {
				fromID = out.RootTaskID
			}
			e := &model.TaskEdge{
				EdgeID:     ids.New(),
				PlanID:     ctx.PlanID,
				FromTaskID: fromID,
				ToTaskID:   resolveID(toRaw),
				EdgeType:   model.EdgeType(etCanon),
				Metadata:   map[string]any{},
			}
			if v, ok := em["and_or"]; ok {
				if s, ok := asString(v); ok {
					e.Metadata["and_or"] = s
				}
			}
			if v, ok := em["group_id"]; ok {
				if s, ok := asString(v); ok {
					e.Metadata["group_id"] = s
				}
			}
			if isStart {
				e.Metadata["and_or"] = "AND"
			}
			out.Edges = append(out.Edges, e)
		}
	}

	// If the model omitted edges entirely, or emitted edges with no
	// DECOMPOSE from the root (e.g. a pure DEPENDS_ON chain), synthesize a
	// minimal root -> every-other-node DECOMPOSE tree so GOAL aggregation
	// has something to aggregate over (spec §4.1).
	if out.RootTaskID != "" && len(out.Nodes) > 1 {
		type edgeKey struct {
			from, to string
			et       model.EdgeType
		}
		existing := make(map[edgeKey]bool, len(out.Edges))
		hasRootDecompose := false
		for _, e := range out.Edges {
			existing[edgeKey{e.FromTaskID, e.ToTaskID, e.EdgeType}] = true
			if e.EdgeType == model.EdgeDecompose && e.FromTaskID == out.RootTaskID {
				hasRootDecompose = true
			}
		}
		if len(out.Edges) == 0 || !hasRootDecompose {
			for _, n := range out.Nodes {
				if n.TaskID == out.RootTaskID {
					continue
				}
				key := edgeKey{out.RootTaskID, n.TaskID, model.EdgeDecompose}
				if existing[key] {
					continue
				}
				out.Edges = append(out.Edges, &model.TaskEdge{
					EdgeID:     ids.New(),
					PlanID:     ctx.PlanID,
					FromTaskID: out.RootTaskID,
					ToTaskID:   n.TaskID,
					EdgeType:   model.EdgeDecompose,
					Metadata:   map[string]any{"and_or": "AND"},
				})
				existing[key] = true
			}
		}
	}

	if out.RootTaskID == "" {
		cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", "$.nodes",
			"exactly one node with node_type=GOAL and no DECOMPOSE parent", "no GOAL node found",
			`add a node with "node_type": "GOAL"`))
	}

	// Insert a placeholder node for any edge endpoint that references an
	// id not present among the generated nodes, so the graph stays
	// connected for cycle/consistency checks even though validation below
	// will still fail the batch (spec §9 placeholder node insertion).
	known := map[string]bool{}
	for _, n := range out.Nodes {
		known[n.TaskID] = true
	}
	seenPlaceholder := map[string]bool{}
	for _, e := range out.Edges {
		for _, id := range []string{e.FromTaskID, e.ToTaskID} {
			if !known[id] && !seenPlaceholder[id] {
				seenPlaceholder[id] = true
				out.Nodes = append(out.Nodes, &model.TaskNode{
					TaskID: id, PlanID: ctx.PlanID, NodeType: model.NodeAction,
					Title: "(missing node referenced by an edge)", Status: model.StatusPending,
					ActiveBranch: true, CreatedAt: now, UpdatedAt: now,
					Tags: []string{"autofix", "placeholder"},
				})
				cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", "$.edges",
					"edge endpoints referencing a declared node", "dangling reference to "+id,
					fmt.Sprintf(`add a node with "task_id": %q or remove the edge referencing it`, id)))
			}
		}
	}

	if len(cerrs) == 0 {
		g := graph.Build(out.Nodes, out.Edges)
		if err := g.CheckAcyclic(); err != nil {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", "$.edges",
				"a DAG (no cycles among DECOMPOSE/DEPENDS_ON edges)", err.Error(),
				"remove or redirect the edge that closes the cycle"))
		}
		if err := g.CheckAndOrConsistency(); err != nil {
			cerrs = append(cerrs, newContractError("CONTRACT_MISMATCH", "PLAN_GEN", "$.edges",
				"all DECOMPOSE edges from one parent agreeing on and_or", err.Error(),
				`set every DECOMPOSE edge from the same parent to the same "and_or"`))
		}
	}

	return out, cerrs
}

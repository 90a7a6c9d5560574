// Package rewriter produces and applies structural-only repairs over a v2
// plan's task graph (spec §4.7): filling in fields a generated ACTION
// forgot, attaching a CHECK to an ACTION that has none, and splitting an
// oversized ACTION into a GOAL with proportionally-sized children. It never
// edits plan semantics — no rewording of titles or goal statements, no
// reinterpreting acceptance criteria.
//
// Grounded on _examples/original_source/core/rewriter_v2.py:
// propose_rewrite builds a dry-run patch plan; apply_rewrite snapshots the
// plan to disk and mutates it in a single pass. The convergence loop
// (doctor -> feasibility-check -> rewrite-apply) described in core/
// v2_converge.py is orchestration belonging to internal/orchestrator, which
// calls Propose/Apply in sequence with its own doctor findings.
package rewriter

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Issue is a single doctor finding, folded into the patch plan's report so
// `RenderMarkdown` can show both diagnostics and remedies together. Callers
// (internal/observability's doctor) populate this; the rewriter itself runs
// no structural checks of its own.
type Issue struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
}

// Options are the workflow-level thresholds that govern which patches are
// proposed (spec §4.7, config's [workflow] block).
type Options struct {
	WorkflowMode               string
	OneShotThresholdPersonDays float64
	MaxDepth                   int
}

// Target describes one task a patch would touch. Fields not relevant to a
// given patch Type are left zero.
type Target struct {
	TaskID              string   `json:"task_id"`
	Title               string   `json:"title"`
	Missing             []string `json:"missing,omitempty"`
	EstimatedPersonDays float64  `json:"estimated_person_days,omitempty"`
	Parts               int      `json:"parts,omitempty"`
	Threshold           float64  `json:"threshold,omitempty"`
	ApplyAllowed        bool     `json:"apply_allowed"`
}

// Patch is one proposed structural repair, grouping every target it would
// touch under a single type.
type Patch struct {
	Type    string         `json:"type"`
	Targets []Target       `json:"targets"`
	Preview map[string]any `json:"preview,omitempty"`
}

const (
	PatchAddMissingFields = "ADD_MISSING_V2_FIELDS"
	PatchAddCheckBinding  = "ADD_CHECK_BINDING"
	PatchSplitOversized   = "SPLIT_OVERSIZED_ACTION"
)

// Risk summarizes how much caution a human should exercise before applying
// a patch plan, without blocking the proposal itself.
type Risk struct {
	Level string   `json:"level"` // LOW, MED, HIGH
	Notes []string `json:"notes,omitempty"`
}

// NextStep is a suggested follow-up CLI invocation.
type NextStep struct {
	Cmd string `json:"cmd"`
	Why string `json:"why"`
}

// PatchPlan is the full dry-run output of Propose: what's wrong, what would
// fix it, and how risky applying it would be.
type PatchPlan struct {
	PlanID    string         `json:"plan_id"`
	Title     string         `json:"title"`
	Issues    []Issue        `json:"issues,omitempty"`
	Patches   []Patch        `json:"patches"`
	Risk      Risk           `json:"risk"`
	NextSteps []NextStep     `json:"next_steps,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func defaultDeliverableSpec() *model.DeliverableSpec {
	return &model.DeliverableSpec{Filename: "deliverable.md", Format: model.FormatMD}
}

func defaultAcceptanceCriteria() string {
	return "Meets the task requirements and is readable."
}

// Propose inspects a plan's current task graph and returns a dry-run patch
// plan. It makes no database writes (spec §4.7: "default is dry-run; no DB
// changes").
func Propose(st *store.Store, planID string, opts Options, issues []Issue) (*PatchPlan, error) {
	plan, err := st.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("rewriter: load plan: %w", err)
	}

	if opts.WorkflowMode != "v2" {
		return &PatchPlan{
			PlanID:  plan.PlanID,
			Title:   plan.Title,
			Issues:  issues,
			Patches: nil,
			Risk:    Risk{Level: "MED", Notes: []string{"workflow_mode is not v2; structural rewrite only applies to v2 plans."}},
			NextSteps: []NextStep{
				{Cmd: "Set workflow.mode = \"v2\" in the engine config", Why: "Enable v2 rewrite tooling."},
			},
		}, nil
	}

	tasks, err := st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("rewriter: list tasks: %w", err)
	}
	edges, err := st.ListEdges(planID)
	if err != nil {
		return nil, fmt.Errorf("rewriter: list edges: %w", err)
	}

	var actions, checks []*model.TaskNode
	for _, t := range tasks {
		if !t.ActiveBranch {
			continue
		}
		switch t.NodeType {
		case model.NodeAction:
			actions = append(actions, t)
		case model.NodeCheck:
			checks = append(checks, t)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].TaskID < actions[j].TaskID })

	checkTargets := map[string][]string{}
	for _, c := range checks {
		if c.ReviewTargetTaskID == "" {
			continue
		}
		checkTargets[c.ReviewTargetTaskID] = append(checkTargets[c.ReviewTargetTaskID], c.TaskID)
	}

	depths := computeDepths(edges, plan.RootTaskID)

	var patches []Patch
	risk := Risk{Level: "LOW"}

	// 1) ADD_MISSING_V2_FIELDS
	var missingFieldTargets []Target
	for _, a := range actions {
		var missing []string
		if a.EstimatedPersonDays == 0 {
			missing = append(missing, "estimated_person_days")
		}
		if a.DeliverableSpec == nil {
			missing = append(missing, "deliverable_spec")
		}
		if strings.TrimSpace(a.AcceptanceCriteria) == "" {
			missing = append(missing, "acceptance_criteria")
		}
		if len(missing) > 0 {
			missingFieldTargets = append(missingFieldTargets, Target{TaskID: a.TaskID, Title: a.Title, Missing: missing})
		}
	}
	if len(missingFieldTargets) > 0 {
		patches = append(patches, Patch{
			Type:    PatchAddMissingFields,
			Targets: missingFieldTargets,
			Preview: map[string]any{
				"set_estimated_person_days": math.Max(1.0, opts.OneShotThresholdPersonDays*0.5),
				"deliverable_spec_default":  defaultDeliverableSpec(),
				"acceptance_criteria_default": defaultAcceptanceCriteria(),
			},
		})
	}

	// 2) ADD_CHECK_BINDING
	var missingCheckTargets []Target
	for _, a := range actions {
		if _, ok := checkTargets[a.TaskID]; !ok {
			missingCheckTargets = append(missingCheckTargets, Target{TaskID: a.TaskID, Title: a.Title})
		}
	}
	if len(missingCheckTargets) > 0 {
		patches = append(patches, Patch{
			Type:    PatchAddCheckBinding,
			Targets: missingCheckTargets,
			Preview: map[string]any{"new_check_status": string(model.StatusReady)},
		})
	}

	// Multi-check risk: flagged, never auto-deleted (spec §9 open question).
	actionByID := map[string]*model.TaskNode{}
	for _, a := range actions {
		actionByID[a.TaskID] = a
	}
	for aid, cids := range checkTargets {
		if len(cids) <= 1 {
			continue
		}
		risk.Level = "MED"
		title := aid
		if a, ok := actionByID[aid]; ok {
			title = a.Title
		}
		risk.Notes = append(risk.Notes, fmt.Sprintf("Multiple CHECK nodes bound to one ACTION (will not auto-delete): action_title=%s count=%d", title, len(cids)))
	}

	// 3) SPLIT_OVERSIZED_ACTION
	var oversized []Target
	for _, a := range actions {
		if a.EstimatedPersonDays <= opts.OneShotThresholdPersonDays {
			continue
		}
		depth := depths[a.TaskID]
		applyAllowed := depth < opts.MaxDepth
		if !applyAllowed {
			risk.Level = "MED"
			risk.Notes = append(risk.Notes, fmt.Sprintf("Split suggested but depth limit reached (will not apply): action_title=%s depth=%d max_depth=%d", a.Title, depth, opts.MaxDepth))
		}
		parts := int(math.Ceil(a.EstimatedPersonDays / opts.OneShotThresholdPersonDays))
		if parts < 2 {
			parts = 2
		}
		oversized = append(oversized, Target{
			TaskID: a.TaskID, Title: a.Title, EstimatedPersonDays: a.EstimatedPersonDays,
			Parts: parts, Threshold: opts.OneShotThresholdPersonDays, ApplyAllowed: applyAllowed,
		})
	}
	if len(oversized) > 0 {
		patches = append(patches, Patch{
			Type:    PatchSplitOversized,
			Targets: oversized,
			Preview: map[string]any{"child_node_type": string(model.NodeAction), "parent_node_type": string(model.NodeGoal)},
		})
	}

	var nextSteps []NextStep
	if len(patches) == 0 {
		nextSteps = append(nextSteps, NextStep{Cmd: fmt.Sprintf("agentengine report --plan %s", planID), Why: "No structural rewrite needed."})
	} else {
		nextSteps = append(nextSteps, NextStep{Cmd: fmt.Sprintf("agentengine rewrite --plan %s", planID), Why: "Apply the proposed patches (writes a snapshot and commits DB changes)."})
	}

	return &PatchPlan{
		PlanID: plan.PlanID, Title: plan.Title, Issues: issues, Patches: patches, Risk: risk, NextSteps: nextSteps,
		Meta: map[string]any{
			"workflow_mode":          opts.WorkflowMode,
			"threshold_person_days":  opts.OneShotThresholdPersonDays,
			"max_depth":              opts.MaxDepth,
		},
	}, nil
}

// computeDepths walks DECOMPOSE edges from root, returning each task's
// shortest distance from the plan root (root depth 0).
func computeDepths(edges []*model.TaskEdge, rootTaskID string) map[string]int {
	children := map[string][]string{}
	for _, e := range edges {
		if e.EdgeType == model.EdgeDecompose {
			children[e.FromTaskID] = append(children[e.FromTaskID], e.ToTaskID)
		}
	}
	depths := map[string]int{rootTaskID: 0}
	stack := []string{rootTaskID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d := depths[cur]
		for _, ch := range children[cur] {
			if prev, ok := depths[ch]; !ok || prev > d+1 {
				depths[ch] = d + 1
				stack = append(stack, ch)
			}
		}
	}
	return depths
}

// Result is what Apply produced: the patch plan it applied, and the
// snapshot path written (empty on a dry run).
type Result struct {
	PatchPlan    *PatchPlan
	SnapshotPath string
}

// Apply applies a patch plan's patches to the database. On dry_run it
// returns immediately with no writes. Otherwise it snapshots the plan's
// current graph under snapshotDir, applies every patch, and emits
// REWRITE_PROPOSED/REWRITE_APPLIED events. There is no rollback beyond the
// snapshot; a bad apply is recovered by hand from the snapshot file (spec
// §4.7, mirroring the original's documented MVP limitation).
func Apply(st *store.Store, pp *PatchPlan, snapshotDir string, dryRun bool) (*Result, error) {
	if pp.PlanID == "" {
		return nil, fmt.Errorf("rewriter: patch plan has no plan_id")
	}
	if dryRun {
		return &Result{PatchPlan: pp}, nil
	}

	snapshotPath, err := snapshotPlan(st, pp.PlanID, snapshotDir, pp)
	if err != nil {
		return nil, fmt.Errorf("rewriter: snapshot plan: %w", err)
	}

	if err := emitRewriteEvent(st, pp, "REWRITE_PROPOSED", snapshotPath); err != nil {
		return nil, err
	}

	for _, p := range pp.Patches {
		var err error
		switch p.Type {
		case PatchAddMissingFields:
			err = applyAddMissingFields(st, pp, p)
		case PatchAddCheckBinding:
			err = applyAddCheckBinding(st, pp.PlanID, p)
		case PatchSplitOversized:
			err = applySplitOversized(st, pp, p)
		default:
			continue // unknown patch type: forward-compatible no-op
		}
		if err != nil {
			return nil, fmt.Errorf("rewriter: apply %s: %w", p.Type, err)
		}
	}

	if err := emitRewriteEvent(st, pp, "REWRITE_APPLIED", snapshotPath); err != nil {
		return nil, err
	}

	return &Result{PatchPlan: pp, SnapshotPath: snapshotPath}, nil
}

func applyAddMissingFields(st *store.Store, pp *PatchPlan, p Patch) error {
	threshold, _ := pp.Meta["threshold_person_days"].(float64)
	if threshold <= 0 {
		threshold = 10
	}
	for _, t := range p.Targets {
		n, err := st.GetTask(t.TaskID)
		if err != nil {
			continue
		}
		changed := false
		if n.EstimatedPersonDays == 0 {
			n.EstimatedPersonDays = math.Max(1.0, threshold*0.5)
			changed = true
		}
		if n.DeliverableSpec == nil {
			n.DeliverableSpec = defaultDeliverableSpec()
			changed = true
		}
		if strings.TrimSpace(n.AcceptanceCriteria) == "" {
			n.AcceptanceCriteria = defaultAcceptanceCriteria()
			changed = true
		}
		if !changed {
			continue
		}
		n.UpdatedAt = time.Now().UTC()
		if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{n}}); err != nil {
			return err
		}
	}
	return nil
}

func applyAddCheckBinding(st *store.Store, planID string, p Patch) error {
	for _, t := range p.Targets {
		existing, err := st.ListTasks(planID)
		if err != nil {
			return err
		}
		bound := false
		for _, n := range existing {
			if n.NodeType == model.NodeCheck && n.ActiveBranch && n.ReviewTargetTaskID == t.TaskID {
				bound = true
				break
			}
		}
		if bound {
			continue
		}
		now := time.Now().UTC()
		check := &model.TaskNode{
			TaskID: ids.New(), PlanID: planID, NodeType: model.NodeCheck,
			Title: "Review: " + t.Title, Owner: model.OwnerReviewer, Status: model.StatusReady,
			Confidence: 0.5, ActiveBranch: true, ReviewTargetTaskID: t.TaskID,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{check}}); err != nil {
			return err
		}
	}
	return nil
}

func applySplitOversized(st *store.Store, pp *PatchPlan, p Patch) error {
	threshold, _ := pp.Meta["threshold_person_days"].(float64)
	if threshold <= 0 {
		threshold = 10
	}
	for _, t := range p.Targets {
		if !t.ApplyAllowed {
			continue
		}
		parent, err := st.GetTask(t.TaskID)
		if err != nil || parent.NodeType != model.NodeAction {
			continue
		}

		// Disassociate (not delete) any CHECKs bound to the parent; they no
		// longer make sense once it stops being a reviewable ACTION.
		tasks, err := st.ListTasks(pp.PlanID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var toUpsert []*model.TaskNode
		for _, n := range tasks {
			if n.NodeType == model.NodeCheck && n.ReviewTargetTaskID == parent.TaskID {
				n.Status = model.StatusAbandoned
				n.BlockedReason = ""
				n.ReviewTargetTaskID = ""
				n.UpdatedAt = now
				toUpsert = append(toUpsert, n)
			}
		}

		parent.NodeType = model.NodeGoal
		parent.Status = model.StatusPending
		parent.BlockedReason = ""
		parent.UpdatedAt = now
		toUpsert = append(toUpsert, parent)

		epd := parent.EstimatedPersonDays
		parts := int(math.Ceil(epd / threshold))
		if parts < 2 {
			parts = 2
		}
		remaining := epd
		var edges []*model.TaskEdge
		for i := 0; i < parts; i++ {
			var childEPD float64
			if i < parts-1 {
				childEPD = math.Min(threshold, remaining)
			} else {
				childEPD = math.Max(0.1, remaining)
			}
			remaining = math.Max(0.0, remaining-childEPD)

			childTitle := fmt.Sprintf("%s (Part %d/%d)", parent.Title, i+1, parts)
			child := &model.TaskNode{
				TaskID: ids.New(), PlanID: pp.PlanID, NodeType: model.NodeAction, Title: childTitle,
				Owner: parent.Owner, Priority: parent.Priority, Status: model.StatusPending, Confidence: 0.5,
				ActiveBranch: true, EstimatedPersonDays: childEPD, DeliverableSpec: parent.DeliverableSpec,
				AcceptanceCriteria: parent.AcceptanceCriteria, CreatedAt: now, UpdatedAt: now,
			}
			if child.DeliverableSpec == nil {
				child.DeliverableSpec = defaultDeliverableSpec()
			}
			if child.AcceptanceCriteria == "" {
				child.AcceptanceCriteria = defaultAcceptanceCriteria()
			}
			check := &model.TaskNode{
				TaskID: ids.New(), PlanID: pp.PlanID, NodeType: model.NodeCheck, Title: "Review: " + childTitle,
				Owner: model.OwnerReviewer, Status: model.StatusReady, Confidence: 0.5, ActiveBranch: true,
				ReviewTargetTaskID: child.TaskID, CreatedAt: now, UpdatedAt: now,
			}
			edge := &model.TaskEdge{
				EdgeID: ids.New(), PlanID: pp.PlanID, FromTaskID: parent.TaskID, ToTaskID: child.TaskID,
				EdgeType: model.EdgeDecompose, Metadata: map[string]any{"and_or": string(model.AND)},
			}
			toUpsert = append(toUpsert, child, check)
			edges = append(edges, edge)
		}

		if err := st.UpsertGraph(&store.GraphWrite{Nodes: toUpsert, Edges: edges}); err != nil {
			return err
		}
	}
	return nil
}

type snapshotDoc struct {
	SnapshotAt string          `json:"snapshot_at"`
	PlanID     string          `json:"plan_id"`
	PatchPlan  *PatchPlan      `json:"patch_plan"`
	Plan       *model.Plan     `json:"plan"`
	Tasks      []*model.TaskNode `json:"task_nodes"`
	Edges      []*model.TaskEdge `json:"task_edges"`
}

// snapshotPlan writes the plan's full current state to disk before any
// mutation, so a bad apply can be diffed and manually restored (spec §4.7:
// "apply_rewrite snapshots the current graph to disk").
func snapshotPlan(st *store.Store, planID, snapshotDir string, pp *PatchPlan) (string, error) {
	plan, err := st.GetPlan(planID)
	if err != nil {
		return "", err
	}
	tasks, err := st.ListTasks(planID)
	if err != nil {
		return "", err
	}
	edges, err := st.ListEdges(planID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(snapshotDir, planID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	now := time.Now().UTC()
	name := fmt.Sprintf("snapshot_%s.json", now.Format("20060102T150405.000000000"))
	path := filepath.Join(dir, name)

	doc := snapshotDoc{SnapshotAt: now.Format(time.RFC3339), PlanID: planID, PatchPlan: pp, Plan: plan, Tasks: tasks, Edges: edges}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

func emitRewriteEvent(st *store.Store, pp *PatchPlan, eventType, snapshotPath string) error {
	types := make([]string, 0, len(pp.Patches))
	for _, p := range pp.Patches {
		types = append(types, p.Type)
	}
	payload := map[string]any{
		"event_type":    eventType,
		"patch_types":   types,
		"risk":          pp.Risk,
		"snapshot_path": snapshotPath,
	}
	return st.AddEvent(&model.Event{
		EventID: ids.New(), PlanID: pp.PlanID, EventType: eventType, Payload: payload, CreatedAt: time.Now().UTC(),
	})
}

// RenderMarkdown renders a patch plan as a human-readable report, grounded
// on rewriter_v2.py's render_patch_plan_md.
func RenderMarkdown(pp *PatchPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Rewrite Proposal: %s\n\n", pp.Title)
	fmt.Fprintf(&b, "- plan_id: %s\n", pp.PlanID)
	fmt.Fprintf(&b, "- patch_count: %d\n", len(pp.Patches))
	fmt.Fprintf(&b, "- risk: %s\n", pp.Risk.Level)
	for _, n := range limitStrings(pp.Risk.Notes, 10) {
		fmt.Fprintf(&b, "  - %s\n", n)
	}
	b.WriteString("\n## Issues\n")
	if len(pp.Issues) == 0 {
		b.WriteString("- (none)\n")
	} else {
		for _, it := range limitIssues(pp.Issues, 20) {
			suffix := ""
			if it.TaskTitle != "" {
				suffix = fmt.Sprintf(" (task=%s)", it.TaskTitle)
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", it.Code, it.Message, suffix)
		}
	}
	b.WriteString("\n## Patches\n")
	if len(pp.Patches) == 0 {
		b.WriteString("- (none)\n")
	} else {
		for _, p := range pp.Patches {
			fmt.Fprintf(&b, "- %s\n", p.Type)
			if p.Preview != nil {
				preview, _ := json.Marshal(p.Preview)
				fmt.Fprintf(&b, "  - preview: %s\n", truncate(string(preview), 220))
			}
			if len(p.Targets) > 0 {
				b.WriteString("  - targets:\n")
				for _, t := range limitTargets(p.Targets, 12) {
					extra := ""
					if len(t.Missing) > 0 {
						extra += fmt.Sprintf(" missing=%v", t.Missing)
					}
					if !t.ApplyAllowed && p.Type == PatchSplitOversized {
						extra += " apply_allowed=false"
					}
					fmt.Fprintf(&b, "    - %s%s\n", t.Title, extra)
				}
			}
		}
	}
	b.WriteString("\n## Next Steps\n")
	for _, s := range limitSteps(pp.NextSteps, 10) {
		fmt.Fprintf(&b, "- %s\n", s.Cmd)
		if s.Why != "" {
			fmt.Fprintf(&b, "  - why: %s\n", s.Why)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func limitStrings(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func limitIssues(s []Issue, n int) []Issue {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func limitTargets(s []Target, n int) []Target {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func limitSteps(s []NextStep, n int) []NextStep {
	if len(s) > n {
		return s[:n]
	}
	return s
}

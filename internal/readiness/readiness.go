// Package readiness implements the readiness engine (spec §4.3): a pure
// function of persisted state that decides which PENDING tasks become
// READY, which branches go inactive, which stale CHECKs get reopened, and
// which GOALs complete, given the current graph and the
// requirements/dependencies/alternatives/reviews it encodes. It is
// idempotent — running it twice on the same state produces the same state —
// so the orchestrator can call it on every scheduler tick without tracking
// what changed since the last pass.
//
// When a task is blocked on missing input, the engine also materializes the
// required-docs markdown sidecar itself (writeRequiredDocsFile) and records
// a WAITING_INPUT event, rather than leaving that to the executor or
// orchestrator — readiness is the only pass that knows which requirements
// are unmet at the moment the block happens.
//
// Grounded on _examples/original_source/core/readiness.py: the same
// evaluate-requirements, evaluate-dependencies, resolve-alternatives,
// propagate-inactive-branches, aggregate-goal passes, reimplemented against
// the Go store and the in-memory graph package instead of an in-process
// Python object graph.
package readiness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/graph"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Engine recomputes readiness for a single plan against the store.
type Engine struct {
	st              *store.Store
	requiredDocsDir string
}

func New(st *store.Store, requiredDocsDir string) *Engine {
	return &Engine{st: st, requiredDocsDir: requiredDocsDir}
}

// Transition is one status change the pass decided to make, returned so
// the caller can log/audit it without the engine itself writing events.
type Transition struct {
	TaskID        string
	From          model.Status
	To            model.Status
	BlockedReason model.BlockedReason
	Reason        string
}

// Recompute runs one full readiness pass for planID and persists every
// resulting status/active_branch change. It returns the list of
// transitions applied, for the caller's event log.
func (e *Engine) Recompute(planID string) ([]Transition, error) {
	nodes, err := e.st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("readiness: list tasks: %w", err)
	}
	edges, err := e.st.ListEdges(planID)
	if err != nil {
		return nil, fmt.Errorf("readiness: list edges: %w", err)
	}
	g := graph.Build(nodes, edges)

	byID := make(map[string]*model.TaskNode, len(nodes))
	for _, n := range nodes {
		byID[n.TaskID] = n
	}

	var transitions []Transition

	if err := e.propagateInactiveBranches(g, byID, &transitions); err != nil {
		return nil, err
	}
	if err := e.resolveAlternatives(g, byID, &transitions); err != nil {
		return nil, err
	}
	if err := e.evaluateReadiness(g, byID, &transitions); err != nil {
		return nil, err
	}
	if err := e.resetStaleChecks(byID, &transitions); err != nil {
		return nil, err
	}
	if err := e.aggregateGoals(g, byID, &transitions); err != nil {
		return nil, err
	}

	return transitions, nil
}

// propagateInactiveBranches pushes active_branch=false from a node to every
// DECOMPOSE descendant, to a fixed point (spec §4.3: "inactive propagates
// downward through the whole subtree, not just immediate children").
func (e *Engine) propagateInactiveBranches(g *graph.Graph, byID map[string]*model.TaskNode, transitions *[]Transition) error {
	changed := true
	for changed {
		changed = false
		ids := sortedIDs(byID)
		for _, id := range ids {
			n := byID[id]
			if !n.ActiveBranch {
				continue
			}
			parent, ok := g.Parent(id)
			if ok && !parent.ActiveBranch {
				n.ActiveBranch = false
				if err := e.st.SetActiveBranch(id, false); err != nil {
					return fmt.Errorf("readiness: set active branch: %w", err)
				}
				*transitions = append(*transitions, Transition{TaskID: id, Reason: "parent branch inactive"})
				changed = true
			}
		}
	}
	return nil
}

// resolveAlternatives picks one winner per ALTERNATIVE group and marks its
// siblings' branches inactive. Tie-break is deterministic: highest
// priority first, then fewest attempts, then lowest task_id (spec §4.3
// alternative selection).
func (e *Engine) resolveAlternatives(g *graph.Graph, byID map[string]*model.TaskNode, transitions *[]Transition) error {
	seen := map[string]bool{}
	ids := sortedIDs(byID)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		group := g.AlternativeGroup(id)
		if len(group) == 0 {
			continue
		}
		for _, n := range group {
			seen[n.TaskID] = true
		}
		if !anyActive(group) {
			continue
		}
		winner := pickAlternativeWinner(group)
		for _, n := range group {
			if n.TaskID == winner.TaskID {
				continue
			}
			if n.ActiveBranch {
				n.ActiveBranch = false
				if err := e.st.SetActiveBranch(n.TaskID, false); err != nil {
					return fmt.Errorf("readiness: deactivate alternative: %w", err)
				}
				*transitions = append(*transitions, Transition{TaskID: n.TaskID, Reason: "lost alternative tie-break to " + winner.TaskID})
			}
		}
	}
	return nil
}

func anyActive(group []*model.TaskNode) bool {
	for _, n := range group {
		if n.ActiveBranch {
			return true
		}
	}
	return false
}

func pickAlternativeWinner(group []*model.TaskNode) *model.TaskNode {
	candidates := make([]*model.TaskNode, 0, len(group))
	for _, n := range group {
		if n.ActiveBranch {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority // highest priority first
		}
		if a.AttemptCount != b.AttemptCount {
			return a.AttemptCount < b.AttemptCount // fewest attempts first
		}
		return a.TaskID < b.TaskID // stable deterministic tie-break
	})
	return candidates[0]
}

// evaluateReadiness moves PENDING ACTION/CHECK nodes to READY once their
// dependencies and declared input requirements are satisfied, and moves a
// READY node back to PENDING when a previously-satisfied dependency stops
// being satisfied (e.g. a TO_BE_MODIFY rework on a prerequisite). IN_PROGRESS
// nodes are not moved.
func (e *Engine) evaluateReadiness(g *graph.Graph, byID map[string]*model.TaskNode, transitions *[]Transition) error {
	ids := sortedIDs(byID)
	for _, id := range ids {
		n := byID[id]
		if !n.ActiveBranch {
			continue
		}
		if n.NodeType == model.NodeGoal {
			continue // GOALs derive status from aggregation, not direct readiness
		}
		if terminal(n.Status) {
			continue
		}

		depsOK := e.dependenciesSatisfied(g, n)
		reqsOK, missing := e.requirementsSatisfied(n)

		switch n.Status {
		case model.StatusPending:
			if depsOK && reqsOK {
				if err := e.transition(n, model.StatusReady, "", "dependencies and requirements satisfied", transitions); err != nil {
					return err
				}
			} else if depsOK && !reqsOK {
				path, err := writeRequiredDocsFile(e.requiredDocsDir, n.TaskID, missing)
				if err != nil {
					return fmt.Errorf("readiness: write required docs for %s: %w", n.TaskID, err)
				}
				if err := e.st.AddEvent(&model.Event{
					EventID: ids.New(), PlanID: n.PlanID, TaskID: n.TaskID, EventType: "WAITING_INPUT",
					Payload:   map[string]any{"missing": missingNames(missing), "required_docs_path": path},
					CreatedAt: time.Now().UTC(),
				}); err != nil {
					return fmt.Errorf("readiness: record waiting_input event for %s: %w", n.TaskID, err)
				}
				if err := e.transition(n, model.StatusBlocked, model.WaitingInput, "missing: "+strings.Join(missingNames(missing), ", "), transitions); err != nil {
					return err
				}
			}
		case model.StatusBlocked:
			if n.BlockedReason == model.WaitingInput && depsOK && reqsOK {
				if err := e.transition(n, model.StatusReady, "", "requirement now satisfied", transitions); err != nil {
					return err
				}
			}
		case model.StatusReady:
			if !depsOK {
				if err := e.transition(n, model.StatusPending, "", "a dependency regressed", transitions); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func terminal(s model.Status) bool {
	switch s {
	case model.StatusDone, model.StatusFailed, model.StatusAbandoned:
		return true
	}
	return false
}

func (e *Engine) dependenciesSatisfied(g *graph.Graph, n *model.TaskNode) bool {
	for _, dep := range g.Dependencies(n.TaskID) {
		if !dep.ActiveBranch {
			continue // an inactive dependency no longer gates anything
		}
		if dep.Status != model.StatusDone {
			return false
		}
	}
	return true
}

// requirementsSatisfied reports whether every required InputRequirement on n
// has enough evidence, returning the full set of unmet requirements (not
// just the first) so a caller can materialize a complete required-docs
// listing rather than a single name.
func (e *Engine) requirementsSatisfied(n *model.TaskNode) (bool, []*model.InputRequirement) {
	reqs, err := e.st.ListRequirements(n.TaskID)
	if err != nil || len(reqs) == 0 {
		return true, nil
	}
	var missing []*model.InputRequirement
	for _, r := range reqs {
		if !r.Required {
			continue
		}
		evidence, err := e.st.ListEvidence(r.RequirementID)
		if err != nil || len(evidence) < r.MinCount {
			missing = append(missing, r)
		}
	}
	return len(missing) == 0, missing
}

func missingNames(missing []*model.InputRequirement) []string {
	names := make([]string, len(missing))
	for i, r := range missing {
		names[i] = r.Name
	}
	return names
}

// writeRequiredDocsFile materializes the required-docs markdown sidecar
// (spec §4.3 step 3): a per-task listing of every unmet input requirement,
// its accepted types, and a suggested path under the workspace's inputs
// directory, so a human can see exactly what to supply to unblock the task.
func writeRequiredDocsFile(dir, taskID string, missing []*model.InputRequirement) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir required-docs dir: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Required inputs for %s\n\n", taskID)
	for _, r := range missing {
		fmt.Fprintf(&b, "- **%s** (%s)", r.Name, r.Kind)
		if len(r.AllowedTypes) > 0 {
			fmt.Fprintf(&b, ", accepted types: %s", strings.Join(r.AllowedTypes, ", "))
		}
		fmt.Fprintf(&b, "\n  suggested path: inputs/%s/%s\n", taskID, r.Name)
	}
	path := filepath.Join(dir, taskID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write required-docs file: %w", err)
	}
	return path, nil
}

// resetStaleChecks implements spec §4.3 step 5: reviewgate.go's
// stale-review path can leave a CHECK marked DONE against an artifact that
// is no longer its ACTION's active one (a newer candidate landed while the
// review was in flight, so the ACTION was sent back to READY_TO_CHECK).
// Such a CHECK must go back to READY so the newer candidate gets reviewed,
// instead of sitting DONE forever with nothing left to schedule it again.
func (e *Engine) resetStaleChecks(byID map[string]*model.TaskNode, transitions *[]Transition) error {
	ids := sortedIDs(byID)
	for _, id := range ids {
		check := byID[id]
		if check.NodeType != model.NodeCheck || !check.ActiveBranch || check.Status != model.StatusDone {
			continue
		}
		target, ok := byID[check.ReviewTargetTaskID]
		if !ok || target.Status != model.StatusReadyToCheck {
			continue
		}
		latest, err := e.st.LatestReview(check.TaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("readiness: latest review for %s: %w", check.TaskID, err)
		}
		if latest.ReviewedArtifactID == target.ActiveArtifactID {
			continue
		}
		if err := e.transition(check, model.StatusReady, "", "newer candidate artifact landed since last review", transitions); err != nil {
			return err
		}
	}
	return nil
}

// aggregateGoals derives a GOAL's completion from its DECOMPOSE children
// per its and_or rule: AND requires every active child DONE, OR requires
// at least one (spec §3 GOAL aggregation).
func (e *Engine) aggregateGoals(g *graph.Graph, byID map[string]*model.TaskNode, transitions *[]Transition) error {
	ids := sortedIDs(byID)
	for _, id := range ids {
		n := byID[id]
		if n.NodeType != model.NodeGoal || !n.ActiveBranch || terminal(n.Status) {
			continue
		}
		children := g.Children(id)
		active := make([]*model.TaskNode, 0, len(children))
		for _, c := range children {
			if c.ActiveBranch {
				active = append(active, c)
			}
		}
		if len(active) == 0 {
			continue
		}
		andOr := g.ChildrenAndOr(id)

		done := 0
		anyFailed := false
		for _, c := range active {
			if c.Status == model.StatusDone {
				done++
			}
			if c.Status == model.StatusFailed || c.Status == model.StatusAbandoned {
				anyFailed = true
			}
		}

		complete := false
		if andOr == model.OR {
			complete = done >= 1
		} else {
			complete = done == len(active)
		}

		if complete {
			if err := e.transition(n, model.StatusDone, "", "goal aggregation satisfied", transitions); err != nil {
				return err
			}
		} else if andOr == model.AND && anyFailed && n.Status != model.StatusFailed {
			if err := e.transition(n, model.StatusFailed, "", "an AND child failed", transitions); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) transition(n *model.TaskNode, to model.Status, blockedReason model.BlockedReason, reason string, transitions *[]Transition) error {
	from := n.Status
	if err := e.st.UpdateTaskStatus(n.TaskID, to, blockedReason, 0); err != nil {
		return fmt.Errorf("readiness: update status for %s: %w", n.TaskID, err)
	}
	n.Status = to
	n.BlockedReason = blockedReason
	*transitions = append(*transitions, Transition{TaskID: n.TaskID, From: from, To: to, BlockedReason: blockedReason, Reason: reason})
	return nil
}

func sortedIDs(byID map[string]*model.TaskNode) []string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

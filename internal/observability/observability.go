// Package observability builds the read-only views over a plan's state
// that the CLI's status/report/snapshot/doctor/events commands serve: a
// plan report (counts, next steps, stuck-task reasons), a blocked-task
// summary, a doctor pass over structural invariants, and a combined
// snapshot that layers both together for a single JSON the UI/CLI can
// render from.
//
// Grounded on _examples/original_source/core/reporting.py
// (generate_plan_report/render_plan_report_md), core/doctor.py
// (run_doctor), and core/observability.py (get_plan_snapshot/
// render_snapshot_brief/render_snapshot_md).
package observability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/graph"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Issue is one structural problem found by RunDoctor.
type Issue struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// RunDoctor checks the structural invariants spec.md assumes always hold:
// the task graph is acyclic, AND/OR is consistent per parent, at most one
// CHECK binds to a given ACTION, every DONE ACTION has an approved
// artifact, and no two reviews share an idempotency key. Unlike the
// original's doctor, which only checks raw SQL referential integrity, this
// also runs internal/graph's own invariant checks, since the engine relies
// on the very same Graph type at runtime — a passing doctor run should mean
// the readiness engine will not panic or loop on this plan.
func RunDoctor(st *store.Store, planID string) ([]Issue, error) {
	var issues []Issue

	plan, err := st.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("observability: doctor: load plan: %w", err)
	}

	tasks, err := st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("observability: doctor: list tasks: %w", err)
	}
	edges, err := st.ListEdges(planID)
	if err != nil {
		return nil, fmt.Errorf("observability: doctor: list edges: %w", err)
	}

	if _, ok := taskByID(tasks, plan.RootTaskID); !ok {
		issues = append(issues, Issue{Code: "PLAN_BAD_ROOT_TASK", Message: fmt.Sprintf("root_task_id %s not found among the plan's tasks", plan.RootTaskID)})
	}
	if len(tasks) > 1 && len(edges) == 0 {
		issues = append(issues, Issue{Code: "PLAN_MISSING_EDGES", Message: fmt.Sprintf("plan has %d nodes but 0 edges (missing DECOMPOSE tree)", len(tasks))})
	}

	g := graph.Build(tasks, edges)
	if err := g.CheckAcyclic(); err != nil {
		issues = append(issues, Issue{Code: "GRAPH_CYCLE", Message: err.Error()})
	}
	if err := g.CheckAndOrConsistency(); err != nil {
		issues = append(issues, Issue{Code: "GRAPH_AND_OR_INCONSISTENT", Message: err.Error()})
	}

	checksPerAction := map[string][]*model.TaskNode{}
	for _, t := range tasks {
		if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID != "" && t.Status != model.StatusAbandoned {
			checksPerAction[t.ReviewTargetTaskID] = append(checksPerAction[t.ReviewTargetTaskID], t)
		}
	}
	for actionID, checks := range checksPerAction {
		if len(checks) <= 1 {
			continue
		}
		action, _ := taskByID(tasks, actionID)
		issues = append(issues, Issue{
			Code: "MULTIPLE_CHECKS_BOUND", Message: fmt.Sprintf("%d non-abandoned CHECKs bound to one ACTION", len(checks)),
			TaskID: actionID, TaskTitle: titleOf(action), Hint: "abandon all but one CHECK per ACTION",
		})
	}

	for _, t := range tasks {
		if t.NodeType != model.NodeAction || t.Status != model.StatusDone {
			continue
		}
		if t.ApprovedArtifactID == "" {
			issues = append(issues, Issue{
				Code: "DONE_WITHOUT_APPROVED_ARTIFACT", Message: "ACTION is DONE but has no approved_artifact_id",
				TaskID: t.TaskID, TaskTitle: t.Title, Hint: "run doctor after the review gate, not mid-round",
			})
		}
	}

	seenKeys := map[string]string{}
	for _, t := range tasks {
		if t.NodeType != model.NodeCheck {
			continue
		}
		reviews, err := st.ListReviews(t.TaskID)
		if err != nil {
			return nil, fmt.Errorf("observability: doctor: list reviews for %s: %w", t.TaskID, err)
		}
		for _, r := range reviews {
			if prior, ok := seenKeys[r.IdempotencyKey]; ok && prior != r.ReviewID {
				issues = append(issues, Issue{
					Code: "DUPLICATE_IDEMPOTENCY_KEY", Message: fmt.Sprintf("reviews %s and %s share idempotency_key %s", prior, r.ReviewID, r.IdempotencyKey),
					TaskID: t.TaskID, TaskTitle: t.Title,
				})
				continue
			}
			seenKeys[r.IdempotencyKey] = r.ReviewID
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Code < issues[j].Code })
	return issues, nil
}

func taskByID(tasks []*model.TaskNode, id string) (*model.TaskNode, bool) {
	for _, t := range tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return nil, false
}

func titleOf(t *model.TaskNode) string {
	if t == nil {
		return ""
	}
	return t.Title
}

// NodeRef is a compact task reference used in report node buckets.
type NodeRef struct {
	TaskID        string `json:"task_id"`
	TaskTitle     string `json:"task_title"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// NextStep is a suggested CLI command surfaced by the report.
type NextStep struct {
	Reason string `json:"reason"`
	Cmd    string `json:"cmd"`
}

// RecentError summarizes one task's current consecutive-failure streak.
type RecentError struct {
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Count     int    `json:"count"`
}

// Summary is the plan-level rollup: counts by status plus done-ness.
type Summary struct {
	TotalTasks int            `json:"total_tasks"`
	ByStatus   map[string]int `json:"by_status"`
	IsDone     bool           `json:"is_done"`
}

// Report is the full per-plan status view (spec §7's CLI `report`/`status`
// output): counts, every task bucketed by what it's waiting on, the inputs
// still needed, recent errors, and a handful of suggested next commands.
type Report struct {
	Plan struct {
		PlanID string `json:"plan_id"`
		Title  string `json:"title"`
	} `json:"plan"`
	Summary       Summary       `json:"summary"`
	Ready         []NodeRef     `json:"ready"`
	Blocked       []NodeRef     `json:"blocked"`
	Failed        []NodeRef     `json:"failed"`
	WaitingReview []NodeRef     `json:"waiting_review"`
	InputsNeeded  []NodeRef     `json:"inputs_needed"`
	RecentErrors  []RecentError `json:"recent_errors"`
	NextSteps     []NextStep    `json:"next_steps"`
}

// GenerateReport builds a Report from a plan's current task graph.
func GenerateReport(st *store.Store, planID string) (*Report, error) {
	plan, err := st.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("observability: report: load plan: %w", err)
	}
	tasks, err := st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("observability: report: list tasks: %w", err)
	}

	r := &Report{Summary: Summary{ByStatus: map[string]int{}}}
	r.Plan.PlanID = plan.PlanID
	r.Plan.Title = plan.Title

	allDone := true
	for _, t := range tasks {
		if !t.ActiveBranch {
			continue
		}
		r.Summary.TotalTasks++
		r.Summary.ByStatus[string(t.Status)]++
		if t.Status != model.StatusDone && t.Status != model.StatusAbandoned {
			allDone = false
		}

		ref := NodeRef{TaskID: t.TaskID, TaskTitle: t.Title, BlockedReason: string(t.BlockedReason)}
		switch t.Status {
		case model.StatusReady:
			r.Ready = append(r.Ready, ref)
		case model.StatusBlocked:
			r.Blocked = append(r.Blocked, ref)
			if t.BlockedReason == model.WaitingInput {
				r.InputsNeeded = append(r.InputsNeeded, ref)
			}
		case model.StatusFailed:
			r.Failed = append(r.Failed, ref)
		case model.StatusReadyToCheck:
			r.WaitingReview = append(r.WaitingReview, ref)
		}

		if t.NodeType == model.NodeAction {
			counter, err := st.GetErrorCounter(t.TaskID)
			if err != nil {
				return nil, fmt.Errorf("observability: report: error counter for %s: %w", t.TaskID, err)
			}
			if counter.Count > 0 {
				r.RecentErrors = append(r.RecentErrors, RecentError{
					TaskID: t.TaskID, TaskTitle: t.Title, ErrorCode: counter.ErrorCode,
					Message: counter.Message, Count: counter.Count,
				})
			}
		}
	}
	r.Summary.IsDone = r.Summary.TotalTasks > 0 && allDone

	r.NextSteps = buildNextSteps(r)
	return r, nil
}

func buildNextSteps(r *Report) []NextStep {
	var steps []NextStep
	if len(r.InputsNeeded) > 0 {
		steps = append(steps, NextStep{Reason: "tasks are waiting on input", Cmd: fmt.Sprintf("agentengine status --plan %s --brief", r.Plan.PlanID)})
	}
	if len(r.WaitingReview) > 0 {
		steps = append(steps, NextStep{Reason: "artifacts are waiting for review", Cmd: fmt.Sprintf("agentengine run --plan %s", r.Plan.PlanID)})
	}
	if len(r.Failed) > 0 {
		steps = append(steps, NextStep{Reason: "tasks have failed", Cmd: fmt.Sprintf("agentengine errors --plan %s", r.Plan.PlanID)})
	}
	if r.Summary.IsDone {
		steps = append(steps, NextStep{Reason: "plan is done", Cmd: fmt.Sprintf("agentengine export --plan %s", r.Plan.PlanID)})
	}
	return steps
}

// RenderReportMarkdown renders a Report as a human-readable status page.
func RenderReportMarkdown(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan report: %s\n\n", r.Plan.Title)
	fmt.Fprintf(&b, "- plan_id: %s\n", r.Plan.PlanID)
	fmt.Fprintf(&b, "- total_tasks: %d\n", r.Summary.TotalTasks)
	fmt.Fprintf(&b, "- is_done: %v\n\n", r.Summary.IsDone)

	b.WriteString("## By status\n\n")
	statuses := make([]string, 0, len(r.Summary.ByStatus))
	for s := range r.Summary.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "- %s: %d\n", s, r.Summary.ByStatus[s])
	}
	b.WriteString("\n")

	writeBucket(&b, "Ready", r.Ready)
	writeBucket(&b, "Blocked", r.Blocked)
	writeBucket(&b, "Failed", r.Failed)
	writeBucket(&b, "Waiting review", r.WaitingReview)

	if len(r.RecentErrors) > 0 {
		b.WriteString("## Recent errors\n\n")
		for _, e := range r.RecentErrors {
			fmt.Fprintf(&b, "- %s (%s): %s x%d — %s\n", e.TaskTitle, e.TaskID, e.ErrorCode, e.Count, e.Message)
		}
		b.WriteString("\n")
	}

	if len(r.NextSteps) > 0 {
		b.WriteString("## Next steps\n\n")
		for _, s := range r.NextSteps {
			fmt.Fprintf(&b, "- %s: `%s`\n", s.Reason, s.Cmd)
		}
	}
	return b.String()
}

func writeBucket(b *strings.Builder, title string, refs []NodeRef) {
	if len(refs) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, r := range refs {
		if r.BlockedReason != "" {
			fmt.Fprintf(b, "- %s (%s): %s\n", r.TaskTitle, r.TaskID, r.BlockedReason)
		} else {
			fmt.Fprintf(b, "- %s (%s)\n", r.TaskTitle, r.TaskID)
		}
	}
	b.WriteString("\n")
}

// Reason is a stable, UI-friendly rollup of why a plan is not yet done.
type Reason struct {
	Code    string `json:"code"`
	Count   int    `json:"count"`
	Example string `json:"example,omitempty"`
}

func summarizeReasons(r *Report) []Reason {
	var reasons []Reason
	if len(r.WaitingReview) > 0 {
		reasons = append(reasons, Reason{Code: "WAITING_REVIEW", Count: len(r.WaitingReview), Example: r.WaitingReview[0].TaskTitle})
	}
	var waitingInput, waitingExternal, otherBlocked []NodeRef
	for _, b := range r.Blocked {
		switch model.BlockedReason(b.BlockedReason) {
		case model.WaitingInput:
			waitingInput = append(waitingInput, b)
		case model.WaitingExternal:
			waitingExternal = append(waitingExternal, b)
		default:
			otherBlocked = append(otherBlocked, b)
		}
	}
	if len(waitingInput) > 0 {
		reasons = append(reasons, Reason{Code: "WAITING_INPUT", Count: len(waitingInput), Example: waitingInput[0].TaskTitle})
	}
	if len(waitingExternal) > 0 {
		reasons = append(reasons, Reason{Code: "WAITING_EXTERNAL", Count: len(waitingExternal), Example: waitingExternal[0].TaskTitle})
	}
	if len(otherBlocked) > 0 {
		reasons = append(reasons, Reason{Code: "BLOCKED", Count: len(otherBlocked), Example: otherBlocked[0].TaskTitle})
	}
	if len(r.Failed) > 0 {
		reasons = append(reasons, Reason{Code: "FAILED", Count: len(r.Failed), Example: r.Failed[0].TaskTitle})
	}
	if len(r.Ready) > 0 {
		reasons = append(reasons, Reason{Code: "RUNNABLE", Count: len(r.Ready), Example: r.Ready[0].TaskTitle})
	}
	if len(reasons) == 0 && r.Summary.IsDone {
		reasons = append(reasons, Reason{Code: "DONE", Count: 1, Example: r.Plan.Title})
	}
	return reasons
}

// Snapshot is the single source of truth behind `status --brief`, `report`,
// and `snapshot`: a report, the doctor's findings, and a stable reason
// list, taken together so all three commands can never disagree.
type Snapshot struct {
	TakenAt  time.Time `json:"ts"`
	Report   *Report   `json:"report"`
	Reasons  []Reason  `json:"reasons"`
	DoctorOK bool      `json:"doctor_ok"`
	Findings []Issue   `json:"doctor_findings"`
}

// BuildSnapshot assembles a Snapshot for a plan.
func BuildSnapshot(st *store.Store, planID string) (*Snapshot, error) {
	report, err := GenerateReport(st, planID)
	if err != nil {
		return nil, err
	}
	findings, err := RunDoctor(st, planID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		TakenAt: time.Now().UTC(), Report: report, Reasons: summarizeReasons(report),
		DoctorOK: len(findings) == 0, Findings: findings,
	}, nil
}

// RenderSnapshotBrief renders a Snapshot as the few lines `status --brief`
// prints: status, reasons, and next steps. No full report body.
func RenderSnapshotBrief(s *Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan: %s\n", s.Report.Plan.Title)
	fmt.Fprintf(&b, "plan_id: %s\n\n", s.Report.Plan.PlanID)
	if s.Report.Summary.IsDone {
		b.WriteString("status: DONE\n\n")
	} else {
		b.WriteString("status: NOT_DONE\n\n")
	}
	if len(s.Reasons) > 0 {
		b.WriteString("reasons:\n")
		for _, r := range s.Reasons {
			fmt.Fprintf(&b, "- %s: %d\n", r.Code, r.Count)
		}
		b.WriteString("\n")
	}
	if len(s.Report.NextSteps) > 0 {
		b.WriteString("next_steps:\n")
		for _, step := range s.Report.NextSteps {
			fmt.Fprintf(&b, "- %s\n", step.Cmd)
		}
	}
	return b.String()
}

// StuckTask is one row of the blocked-summary markdown.
type StuckTask struct {
	TaskID          string
	TaskTitle       string
	BlockedReason   string
	MissingInputs   []string
	ErrorCode       string
	ErrorCount      int
	LastErrorMsg    string
	RequiredDocsMD  string
}

// BlockedSummary collects every stuck (BLOCKED or FAILED) task in a plan
// with enough detail for a human to unblock it by hand, grounded on
// reporting.py's stuck-task section of render_plan_report_md.
func BlockedSummary(st *store.Store, planID, artifactsDir string) ([]StuckTask, error) {
	tasks, err := st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("observability: blocked summary: list tasks: %w", err)
	}
	var out []StuckTask
	for _, t := range tasks {
		if !t.ActiveBranch || (t.Status != model.StatusBlocked && t.Status != model.StatusFailed) {
			continue
		}
		st2 := StuckTask{TaskID: t.TaskID, TaskTitle: t.Title, BlockedReason: string(t.BlockedReason)}

		if t.Status == model.StatusBlocked && t.BlockedReason == model.WaitingInput {
			reqs, err := st.ListRequirements(t.TaskID)
			if err != nil {
				return nil, fmt.Errorf("observability: blocked summary: requirements for %s: %w", t.TaskID, err)
			}
			for _, req := range reqs {
				if req.Required {
					st2.MissingInputs = append(st2.MissingInputs, req.Name)
				}
			}
			st2.RequiredDocsMD = fmt.Sprintf("%s/required_docs.md", t.TaskID)
			_ = artifactsDir // path is relative to the configured artifacts dir; caller joins it
		}

		counter, err := st.GetErrorCounter(t.TaskID)
		if err != nil {
			return nil, fmt.Errorf("observability: blocked summary: error counter for %s: %w", t.TaskID, err)
		}
		st2.ErrorCode, st2.ErrorCount, st2.LastErrorMsg = counter.ErrorCode, counter.Count, counter.Message

		out = append(out, st2)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskTitle < out[j].TaskTitle })
	return out, nil
}

// RenderBlockedSummaryMarkdown renders BlockedSummary's rows as markdown
// (spec.md §7's "blocked-summary markdown" listing every stuck task with
// its blocked_reason, missing requirements, error counters, last error,
// and required-docs path).
func RenderBlockedSummaryMarkdown(stuck []StuckTask) string {
	if len(stuck) == 0 {
		return "# Blocked tasks\n\nnone\n"
	}
	var b strings.Builder
	b.WriteString("# Blocked tasks\n\n")
	for _, t := range stuck {
		fmt.Fprintf(&b, "## %s (%s)\n\n", t.TaskTitle, t.TaskID)
		if t.BlockedReason != "" {
			fmt.Fprintf(&b, "- blocked_reason: %s\n", t.BlockedReason)
		}
		if len(t.MissingInputs) > 0 {
			fmt.Fprintf(&b, "- missing_inputs: %s\n", strings.Join(t.MissingInputs, ", "))
		}
		if t.RequiredDocsMD != "" {
			fmt.Fprintf(&b, "- required_docs: %s\n", t.RequiredDocsMD)
		}
		if t.ErrorCount > 0 {
			fmt.Fprintf(&b, "- last_error: %s x%d — %s\n", t.ErrorCode, t.ErrorCount, t.LastErrorMsg)
		}
		b.WriteString("\n")
	}
	return b.String()
}

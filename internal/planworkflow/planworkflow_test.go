package planworkflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

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

func noGenPrompt(topTask string, constraints model.Constraints, skills []string, remediation string) (string, error) {
	return "generate a plan for " + topTask, nil
}

func noReviewPrompt(title string, nodes []*model.TaskNode, edges []*model.TaskEdge, remediation string) (string, error) {
	return "review plan " + title, nil
}

// scriptedTransport returns successive canned responses regardless of the
// prompt, so a test can script exactly the sequence of gen/review calls a
// scenario needs.
type scriptedTransport struct {
	responses []string
	i         int
}

func (s *scriptedTransport) Complete(ctx context.Context, prompt string) (string, error) {
	if s.i >= len(s.responses) {
		return "", fmt.Errorf("scripted transport: no more responses (called %d times)", s.i+1)
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}
func (s *scriptedTransport) Name() string { return "scripted" }

// Task ids are valid UUIDs so the PLAN_GEN contract's id backfill passes
// them through unchanged (a non-UUID raw id is deterministically rewritten,
// which would make the ids below unpredictable to assert against).
const (
	goal1  = "00000000-0000-0000-0000-000000000001"
	check1 = "00000000-0000-0000-0000-000000000003"
)

const validPlanJSON = `{
	"title": "Ship the widget",
	"nodes": [
		{"task_id": "00000000-0000-0000-0000-000000000001", "node_type": "GOAL", "title": "Ship the widget"},
		{"task_id": "00000000-0000-0000-0000-000000000002", "node_type": "ACTION", "title": "write the doc", "owner": "executor"},
		{"task_id": "00000000-0000-0000-0000-000000000003", "node_type": "CHECK", "title": "plan review", "owner": "reviewer",
		 "tags": ["plan", "review"], "review_target_task_id": "00000000-0000-0000-0000-000000000001"}
	],
	"edges": [
		{"from_task_id": "00000000-0000-0000-0000-000000000001", "to_task_id": "00000000-0000-0000-0000-000000000002", "edge_type": "DECOMPOSE"}
	]
}`

const validPlanJSON2 = `{
	"title": "Ship the widget, take two",
	"nodes": [
		{"task_id": "00000000-0000-0000-0000-000000000011", "node_type": "GOAL", "title": "Ship the widget, take two"},
		{"task_id": "00000000-0000-0000-0000-000000000012", "node_type": "ACTION", "title": "write the doc", "owner": "executor"},
		{"task_id": "00000000-0000-0000-0000-000000000013", "node_type": "CHECK", "title": "plan review", "owner": "reviewer",
		 "tags": ["plan", "review"], "review_target_task_id": "00000000-0000-0000-0000-000000000011"}
	],
	"edges": [
		{"from_task_id": "00000000-0000-0000-0000-000000000011", "to_task_id": "00000000-0000-0000-0000-000000000012", "edge_type": "DECOMPOSE"}
	]
}`

const approvedReviewJSON = `{"verdict": "APPROVED", "total_score": 95, "summary": "looks solid"}`
const rejectedReviewJSON = `{"verdict": "REJECTED", "total_score": 40, "summary": "missing acceptance criteria", "suggestions": ["add acceptance_criteria to each action"]}`
const malformedReviewJSON = `{"not_a_verdict": true}`

func TestGenerate_ApprovedOnFirstAttempt(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	transport := &scriptedTransport{responses: []string{validPlanJSON, approvedReviewJSON}}
	w := NewWorkflow(st, transport, noGenPrompt, noReviewPrompt, dir, 3, 3, 0)

	planID, err := w.Generate(context.Background(), "ship the widget", model.Constraints{Priority: model.PriorityMed}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	plan, err := st.GetPlan(planID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Title != "Ship the widget" {
		t.Fatalf("expected plan title from generation, got %q", plan.Title)
	}
	if plan.RootTaskID != goal1 {
		t.Fatalf("expected root_task_id %s, got %q", goal1, plan.RootTaskID)
	}

	check, err := st.GetTask(check1)
	if err != nil {
		t.Fatalf("get check: %v", err)
	}
	if check.Status != model.StatusDone {
		t.Fatalf("expected plan-review check DONE, got %s", check.Status)
	}

	reviews, err := st.ListReviews(check1)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].TotalScore != 95 {
		t.Fatalf("expected one stored review with score 95, got %+v", reviews)
	}
}

// TestGenerate_ReviewContractMismatchRetriesSamePlan is the
// enforcement-property test: a malformed PLAN_REVIEW response must retry
// against the SAME generated plan, never triggering a second PLAN_GEN
// call, until the review attempt budget is exhausted.
func TestGenerate_ReviewContractMismatchRetriesSamePlan(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	transport := &scriptedTransport{responses: []string{
		validPlanJSON, malformedReviewJSON, malformedReviewJSON, approvedReviewJSON,
	}}
	// maxPlanAttempts=1: if the engine ever regenerated the plan, it would
	// have no attempts left and Generate would return an error.
	w := NewWorkflow(st, transport, noGenPrompt, noReviewPrompt, dir, 1, 3, 0)

	planID, err := w.Generate(context.Background(), "ship the widget", model.Constraints{}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	calls, err := st.CountLLMCalls(planID)
	if err != nil {
		t.Fatalf("count llm calls: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 llm calls (1 gen + 3 review attempts), got %d", calls)
	}
}

func TestGenerate_RejectedReviewRegeneratesPlan(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	transport := &scriptedTransport{responses: []string{
		validPlanJSON, rejectedReviewJSON, validPlanJSON2, approvedReviewJSON,
	}}
	w := NewWorkflow(st, transport, noGenPrompt, noReviewPrompt, dir, 2, 1, 0)

	planID, err := w.Generate(context.Background(), "ship the widget", model.Constraints{}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	plan, err := st.GetPlan(planID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Title != "Ship the widget, take two" {
		t.Fatalf("expected the regenerated plan's title to win, got %q", plan.Title)
	}
	if _, err := st.GetTask(goal1); err == nil {
		t.Fatal("expected the rejected first plan's nodes to never be committed")
	}
}

func TestGenerate_ExhaustsPlanAttempts(t *testing.T) {
	st := tempStore(t)
	dir := t.TempDir()
	badGen := `{"title": "incomplete"}`
	transport := &scriptedTransport{responses: []string{badGen, badGen}}
	w := NewWorkflow(st, transport, noGenPrompt, noReviewPrompt, dir, 2, 3, 0)

	if _, err := w.Generate(context.Background(), "ship the widget", model.Constraints{}, nil); err == nil {
		t.Fatal("expected an error once max plan attempts is exhausted")
	}
}

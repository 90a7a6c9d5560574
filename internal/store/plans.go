package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// CreatePlan inserts a new plan row as a single statement. The root task node
// is written separately (UpsertGraph), so RootTaskID may not resolve yet
// when the plan is created as a stub; see UpdatePlanMeta.
func (s *Store) CreatePlan(p *model.Plan) error {
	_, err := s.db.Exec(`
		INSERT INTO plans (plan_id, title, owner, root_task_id, deadline, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.PlanID, p.Title, p.Owner, p.RootTaskID, nullTime(p.Constraints.Deadline), string(p.Constraints.Priority), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create plan: %w", err)
	}
	return nil
}

// UpdatePlanMeta finalizes a plan's title and root_task_id once generation
// and review succeed. The plan row is created as a stub (spec §4.2 step 3:
// "upsert a plan stub so foreign-key-bearing error events can be recorded
// even if the plan is invalid") before its root task exists, so this is the
// one path allowed to rewrite root_task_id after creation.
func (s *Store) UpdatePlanMeta(planID, title, owner, rootTaskID string) error {
	_, err := s.db.Exec(`UPDATE plans SET title = ?, owner = ?, root_task_id = ? WHERE plan_id = ?`, title, owner, rootTaskID, planID)
	if err != nil {
		return fmt.Errorf("store: update plan meta: %w", err)
	}
	return nil
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(planID string) (*model.Plan, error) {
	row := s.db.QueryRow(`SELECT plan_id, title, owner, root_task_id, deadline, priority, created_at FROM plans WHERE plan_id = ?`, planID)
	p := &model.Plan{}
	var deadline sql.NullTime
	var priority string
	if err := row.Scan(&p.PlanID, &p.Title, &p.Owner, &p.RootTaskID, &deadline, &priority, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: plan %s: %w", planID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get plan: %w", err)
	}
	p.Constraints.Priority = model.Priority(priority)
	if deadline.Valid {
		d := deadline.Time
		p.Constraints.Deadline = &d
	}
	return p, nil
}

// ListPlans returns all plans, most recent first.
func (s *Store) ListPlans() ([]*model.Plan, error) {
	rows, err := s.db.Query(`SELECT plan_id, title, owner, root_task_id, deadline, priority, created_at FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var out []*model.Plan
	for rows.Next() {
		p := &model.Plan{}
		var deadline sql.NullTime
		var priority string
		if err := rows.Scan(&p.PlanID, &p.Title, &p.Owner, &p.RootTaskID, &deadline, &priority, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		p.Constraints.Priority = model.Priority(priority)
		if deadline.Valid {
			d := deadline.Time
			p.Constraints.Deadline = &d
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GateState mirrors execution_plan_gate, the single-row table recording
// which plan is currently the active execution target (spec §4.2: only one
// plan may be "approved and active" at a time).
type GateState struct {
	ActivePlanID string
	ApprovedBy   string
	ApprovedAt   sql.NullTime
	ActivatedAt  sql.NullTime
}

// GetGate reads the singleton gate row, returning a zero-value GateState
// when no plan has ever been activated.
func (s *Store) GetGate() (*GateState, error) {
	row := s.db.QueryRow(`SELECT active_plan_id, approved_by, approved_at, activated_at FROM execution_plan_gate WHERE id = 1`)
	g := &GateState{}
	err := row.Scan(&g.ActivePlanID, &g.ApprovedBy, &g.ApprovedAt, &g.ActivatedAt)
	if err == sql.ErrNoRows {
		return &GateState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get gate: %w", err)
	}
	return g, nil
}

// ActivatePlan sets the gate to planID, approved by approver. Spec §4.2
// requires this to be the only write path that flips a plan from
// "validated" to "the plan the scheduler acts on".
func (s *Store) ActivatePlan(planID, approvedBy string) error {
	now := nowUTC()
	_, err := s.db.Exec(`
		INSERT INTO execution_plan_gate (id, active_plan_id, approved_by, approved_at, activated_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			active_plan_id = excluded.active_plan_id,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			activated_at = excluded.activated_at,
			updated_at = excluded.updated_at`,
		planID, approvedBy, now, now, now)
	if err != nil {
		return fmt.Errorf("store: activate plan: %w", err)
	}
	return nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON[T any](s string, into *T) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), into)
}

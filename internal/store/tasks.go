package store

import (
	"database/sql"
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// GraphWrite is the unit of work for UpsertGraph: a consistent batch of
// nodes and edges produced by plan generation or the structural rewriter,
// applied atomically so readers never observe a half-written graph (spec
// §4.2, §4.7).
type GraphWrite struct {
	Nodes []*model.TaskNode
	Edges []*model.TaskEdge
}

// UpsertGraph inserts or replaces nodes and edges in a single transaction.
func (s *Store) UpsertGraph(w *GraphWrite) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: upsert graph begin: %w", err)
	}
	defer tx.Rollback()

	for _, n := range w.Nodes {
		if err := upsertTaskNodeTx(tx, n); err != nil {
			return fmt.Errorf("store: upsert node %s: %w", n.TaskID, err)
		}
	}
	for _, e := range w.Edges {
		if err := upsertTaskEdgeTx(tx, e); err != nil {
			return fmt.Errorf("store: upsert edge %s: %w", e.EdgeID, err)
		}
	}
	return tx.Commit()
}

func upsertTaskNodeTx(tx *sql.Tx, n *model.TaskNode) error {
	var deliverable string
	if n.DeliverableSpec != nil {
		deliverable = marshalJSON(n.DeliverableSpec)
	}
	_, err := tx.Exec(`
		INSERT INTO task_nodes (
			task_id, plan_id, node_type, title, goal_statement, rationale, owner_agent_id,
			priority, tags_json, status, blocked_reason, attempt_count, confidence,
			active_branch, active_artifact_id, approved_artifact_id, review_target_task_id,
			estimated_person_days, deliverable_spec_json, acceptance_criteria, review_output_spec,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (task_id) DO UPDATE SET
			title = excluded.title,
			goal_statement = excluded.goal_statement,
			rationale = excluded.rationale,
			owner_agent_id = excluded.owner_agent_id,
			priority = excluded.priority,
			tags_json = excluded.tags_json,
			status = excluded.status,
			blocked_reason = excluded.blocked_reason,
			attempt_count = excluded.attempt_count,
			confidence = excluded.confidence,
			active_branch = excluded.active_branch,
			active_artifact_id = excluded.active_artifact_id,
			approved_artifact_id = excluded.approved_artifact_id,
			review_target_task_id = excluded.review_target_task_id,
			estimated_person_days = excluded.estimated_person_days,
			deliverable_spec_json = excluded.deliverable_spec_json,
			acceptance_criteria = excluded.acceptance_criteria,
			review_output_spec = excluded.review_output_spec,
			updated_at = excluded.updated_at`,
		n.TaskID, n.PlanID, string(n.NodeType), n.Title, n.GoalStatement, n.Rationale, string(n.Owner),
		n.Priority, marshalJSON(n.Tags), string(n.Status), nullableStr(string(n.BlockedReason)), n.AttemptCount, n.Confidence,
		n.ActiveBranch, nullableStr(n.ActiveArtifactID), nullableStr(n.ApprovedArtifactID), nullableStr(n.ReviewTargetTaskID),
		nullableFloat(n.EstimatedPersonDays), deliverable, n.AcceptanceCriteria, n.ReviewOutputSpec,
		n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func upsertTaskEdgeTx(tx *sql.Tx, e *model.TaskEdge) error {
	_, err := tx.Exec(`
		INSERT INTO task_edges (edge_id, plan_id, from_task_id, to_task_id, edge_type, metadata_json)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (edge_id) DO UPDATE SET
			from_task_id = excluded.from_task_id,
			to_task_id = excluded.to_task_id,
			edge_type = excluded.edge_type,
			metadata_json = excluded.metadata_json`,
		e.EdgeID, e.PlanID, e.FromTaskID, e.ToTaskID, string(e.EdgeType), marshalJSON(e.Metadata))
	return err
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

// GetTask loads a single task node.
func (s *Store) GetTask(taskID string) (*model.TaskNode, error) {
	row := s.db.QueryRow(taskNodeSelect+` WHERE task_id = ?`, taskID)
	n, err := scanTaskNode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: task %s: %w", taskID, ErrNotFound)
	}
	return n, err
}

// ListTasks returns every task node belonging to a plan.
func (s *Store) ListTasks(planID string) ([]*model.TaskNode, error) {
	rows, err := s.db.Query(taskNodeSelect+` WHERE plan_id = ? ORDER BY created_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskNode
	for rows.Next() {
		n, err := scanTaskNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const taskNodeSelect = `
SELECT task_id, plan_id, node_type, title, goal_statement, rationale, owner_agent_id,
	priority, tags_json, status, blocked_reason, attempt_count, confidence,
	active_branch, active_artifact_id, approved_artifact_id, review_target_task_id,
	estimated_person_days, deliverable_spec_json, acceptance_criteria, review_output_spec,
	created_at, updated_at
FROM task_nodes`

type scanner interface {
	Scan(dest ...any) error
}

func scanTaskNode(row scanner) (*model.TaskNode, error) {
	n := &model.TaskNode{}
	var tagsJSON, deliverableJSON string
	var blockedReason, activeArtifact, approvedArtifact, reviewTarget sql.NullString
	var estimatedDays sql.NullFloat64
	var nodeType, owner, status string
	if err := row.Scan(
		&n.TaskID, &n.PlanID, &nodeType, &n.Title, &n.GoalStatement, &n.Rationale, &owner,
		&n.Priority, &tagsJSON, &status, &blockedReason, &n.AttemptCount, &n.Confidence,
		&n.ActiveBranch, &activeArtifact, &approvedArtifact, &reviewTarget,
		&estimatedDays, &deliverableJSON, &n.AcceptanceCriteria, &n.ReviewOutputSpec,
		&n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.NodeType = model.NodeType(nodeType)
	n.Owner = model.Owner(owner)
	n.Status = model.Status(status)
	n.BlockedReason = model.BlockedReason(blockedReason.String)
	n.ActiveArtifactID = activeArtifact.String
	n.ApprovedArtifactID = approvedArtifact.String
	n.ReviewTargetTaskID = reviewTarget.String
	n.EstimatedPersonDays = estimatedDays.Float64
	_ = unmarshalJSON(tagsJSON, &n.Tags)
	if deliverableJSON != "" {
		var d model.DeliverableSpec
		if err := unmarshalJSON(deliverableJSON, &d); err == nil {
			n.DeliverableSpec = &d
		}
	}
	return n, nil
}

// UpdateTaskStatus is the narrow, frequently-used write path for scheduler
// and executor transitions that only touch status/attempt/blocked fields —
// it avoids clobbering concurrent metadata writes that a full UpsertGraph
// would overwrite.
func (s *Store) UpdateTaskStatus(taskID string, status model.Status, blockedReason model.BlockedReason, attemptDelta int) error {
	_, err := s.db.Exec(`
		UPDATE task_nodes
		SET status = ?, blocked_reason = ?, attempt_count = attempt_count + ?, updated_at = ?
		WHERE task_id = ?`,
		string(status), nullableStr(string(blockedReason)), attemptDelta, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	return nil
}

// BumpAttemptCount increments a task's attempt counter without touching
// its status, for transient failures that count against the attempt
// budget but have not yet decided the task's next state.
func (s *Store) BumpAttemptCount(taskID string) error {
	_, err := s.db.Exec(`UPDATE task_nodes SET attempt_count = attempt_count + 1, updated_at = ? WHERE task_id = ?`, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: bump attempt count: %w", err)
	}
	return nil
}

// CompareAndSwapStatus performs the atomic READY -> IN_PROGRESS (or any
// from -> to) transition the review gate relies on to
// avoid double-claiming a task (spec §4.6: "lock acquisition is a single
// conditional UPDATE"). Returns false, nil when another writer already
// moved the row out of `from`.
func (s *Store) CompareAndSwapStatus(taskID string, from, to model.Status) (bool, error) {
	res, err := s.db.Exec(`UPDATE task_nodes SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		string(to), nowUTC(), taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("store: cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: cas status rows: %w", err)
	}
	return n == 1, nil
}

// SetActiveBranch flips active_branch for a task (inactive-branch
// propagation, spec §4.3).
func (s *Store) SetActiveBranch(taskID string, active bool) error {
	_, err := s.db.Exec(`UPDATE task_nodes SET active_branch = ?, updated_at = ? WHERE task_id = ?`, active, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: set active branch: %w", err)
	}
	return nil
}

// SetApprovedArtifact records the artifact a CHECK approved on its target
// task. It updates only approved_artifact_id; active_artifact_id is left
// as it is.
func (s *Store) SetApprovedArtifact(taskID, artifactID string) error {
	_, err := s.db.Exec(`UPDATE task_nodes SET approved_artifact_id = ?, updated_at = ? WHERE task_id = ?`, artifactID, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: set approved artifact: %w", err)
	}
	return nil
}

// SetActiveArtifact records the latest candidate artifact an executor round
// produced for a task, independent of review outcome.
func (s *Store) SetActiveArtifact(taskID, artifactID string) error {
	_, err := s.db.Exec(`UPDATE task_nodes SET active_artifact_id = ?, updated_at = ? WHERE task_id = ?`, artifactID, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("store: set active artifact: %w", err)
	}
	return nil
}

// ListEdges returns every edge belonging to a plan.
func (s *Store) ListEdges(planID string) ([]*model.TaskEdge, error) {
	rows, err := s.db.Query(`SELECT edge_id, plan_id, from_task_id, to_task_id, edge_type, metadata_json FROM task_edges WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, fmt.Errorf("store: list edges: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskEdge
	for rows.Next() {
		e := &model.TaskEdge{}
		var edgeType, metaJSON string
		if err := rows.Scan(&e.EdgeID, &e.PlanID, &e.FromTaskID, &e.ToTaskID, &edgeType, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		e.EdgeType = model.EdgeType(edgeType)
		_ = unmarshalJSON(metaJSON, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EdgesFrom returns outgoing edges of a given type from a task.
func (s *Store) EdgesFrom(planID, taskID string, edgeType model.EdgeType) ([]*model.TaskEdge, error) {
	all, err := s.ListEdges(planID)
	if err != nil {
		return nil, err
	}
	var out []*model.TaskEdge
	for _, e := range all {
		if e.FromTaskID == taskID && e.EdgeType == edgeType {
			out = append(out, e)
		}
	}
	return out, nil
}

// EdgesTo returns incoming edges of a given type to a task.
func (s *Store) EdgesTo(planID, taskID string, edgeType model.EdgeType) ([]*model.TaskEdge, error) {
	all, err := s.ListEdges(planID)
	if err != nil {
		return nil, err
	}
	var out []*model.TaskEdge
	for _, e := range all {
		if e.ToTaskID == taskID && e.EdgeType == edgeType {
			out = append(out, e)
		}
	}
	return out, nil
}

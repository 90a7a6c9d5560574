package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// repairDB inserts a minimal GOAL root task for any plan whose
// root_task_id doesn't exist, and a DECOMPOSE edge from each GOAL/ACTION
// parent to any child task missing one, grounded on
// _examples/original_source/core/repair.py's repair_missing_root_tasks and
// repair_missing_decompose_edges. planID narrows the repair to one plan
// when non-empty, matching the CLI's repair-db -plan flag.
func repairDB(st *store.Store, planID string) (repairedRoots, repairedEdges int, err error) {
	db := st.DB()

	where, args := "", []any{}
	if planID != "" {
		where, args = "WHERE p.plan_id = ?", []any{planID}
	}
	rows, err := db.Query(fmt.Sprintf(`
		SELECT p.plan_id, p.root_task_id, p.title
		FROM plans p
		WHERE NOT EXISTS (SELECT 1 FROM task_nodes t WHERE t.task_id = p.root_task_id)
		%s`, strip(where, "WHERE", "AND")), args...)
	if err != nil {
		return 0, 0, fmt.Errorf("repair-db: query plans missing root: %w", err)
	}
	type missingRoot struct{ planID, rootTaskID, title string }
	var missing []missingRoot
	for rows.Next() {
		var m missingRoot
		if err := rows.Scan(&m.planID, &m.rootTaskID, &m.title); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("repair-db: scan plan: %w", err)
		}
		missing = append(missing, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	for _, m := range missing {
		if _, err := db.Exec(`
			INSERT INTO task_nodes(
				task_id, plan_id, node_type, title, rationale, owner_agent_id,
				priority, status, attempt_count, confidence, active_branch,
				created_at, updated_at, tags_json
			) VALUES (?, ?, 'GOAL', ?, 'repaired missing root task', 'executor', 0, 'PENDING', 0, 0.5, 1, ?, ?, '["autofix","repaired"]')`,
			m.rootTaskID, m.planID, orDefault(m.title, "Root Task"), now, now); err != nil {
			return repairedRoots, repairedEdges, fmt.Errorf("repair-db: insert root task for plan %s: %w", m.planID, err)
		}
		repairedRoots++
	}

	edgeWhere, edgeArgs := "", []any{}
	if planID != "" {
		edgeWhere, edgeArgs = "AND t.plan_id = ?", []any{planID}
	}
	edgeRows, err := db.Query(fmt.Sprintf(`
		SELECT t.plan_id, p.root_task_id, t.task_id
		FROM task_nodes t
		JOIN plans p ON p.plan_id = t.plan_id
		WHERE t.task_id != p.root_task_id
		  AND NOT EXISTS (SELECT 1 FROM task_edges e WHERE e.to_task_id = t.task_id AND e.edge_type = 'DECOMPOSE')
		%s`, edgeWhere), edgeArgs...)
	if err != nil {
		return repairedRoots, repairedEdges, fmt.Errorf("repair-db: query orphan tasks: %w", err)
	}
	type orphan struct{ planID, rootTaskID, taskID string }
	var orphans []orphan
	for edgeRows.Next() {
		var o orphan
		if err := edgeRows.Scan(&o.planID, &o.rootTaskID, &o.taskID); err != nil {
			edgeRows.Close()
			return repairedRoots, repairedEdges, fmt.Errorf("repair-db: scan orphan task: %w", err)
		}
		orphans = append(orphans, o)
	}
	edgeRows.Close()
	if err := edgeRows.Err(); err != nil {
		return repairedRoots, repairedEdges, err
	}

	for _, o := range orphans {
		if _, err := db.Exec(`
			INSERT INTO task_edges(edge_id, plan_id, from_task_id, to_task_id, edge_type, metadata_json)
			VALUES (?, ?, ?, ?, 'DECOMPOSE', '{}')`,
			ids.New(), o.planID, o.rootTaskID, o.taskID); err != nil {
			return repairedRoots, repairedEdges, fmt.Errorf("repair-db: insert decompose edge for task %s: %w", o.taskID, err)
		}
		repairedEdges++
	}
	return repairedRoots, repairedEdges, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// strip is a tiny helper so the first WHERE-clause fragment above can be
// reused as a trailing AND-clause without a second query string.
func strip(s, from, to string) string {
	if s == "" {
		return ""
	}
	return to + s[len(from):]
}

// cleanupResult mirrors the scope of
// _examples/original_source/core/cleanup.py's CleanupPlan, reduced to the
// three append-only logs this port actually accumulates without bound
// (llm_calls, task_events and audit_events — artifacts/reviews are already pruned
// inline by MaxArtifactVersionsPerTask/MaxReviewVersionsPerCheck on
// write).
type cleanupResult struct {
	DryRun             bool `json:"dry_run"`
	LLMCallsDeleted    int  `json:"llm_calls_deleted"`
	TaskEventsDeleted  int  `json:"task_events_deleted"`
	AuditEventsDeleted int  `json:"audit_events_deleted"`
}

func cleanupOlderThan(st *store.Store, cutoff time.Time, dryRun bool) (*cleanupResult, error) {
	db := st.DB()
	result := &cleanupResult{DryRun: dryRun}

	n, err := countOrDelete(db, "llm_calls", "finished_at", cutoff, dryRun)
	if err != nil {
		return nil, fmt.Errorf("cleanup: llm_calls: %w", err)
	}
	result.LLMCallsDeleted = n

	n, err = countOrDelete(db, "task_events", "created_at", cutoff, dryRun)
	if err != nil {
		return nil, fmt.Errorf("cleanup: task_events: %w", err)
	}
	result.TaskEventsDeleted = n

	n, err = countOrDelete(db, "audit_events", "created_at", cutoff, dryRun)
	if err != nil {
		return nil, fmt.Errorf("cleanup: audit_events: %w", err)
	}
	result.AuditEventsDeleted = n

	return result, nil
}

func countOrDelete(db *sql.DB, table, timeCol string, cutoff time.Time, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s < ?`, table, timeCol), cutoff).Scan(&n)
		return n, err
	}
	res, err := db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, timeCol), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// resetToPlanResult mirrors
// _examples/original_source/core/reset_to_plan.py's ResetToPlanResult,
// reduced to the tables this port actually writes per task/plan.
type resetToPlanResult struct {
	PlanID           string `json:"plan_id"`
	DeletedArtifacts int    `json:"deleted_artifacts"`
	DeletedReviews   int    `json:"deleted_reviews"`
	DeletedApprovals int    `json:"deleted_approvals"`
	DeletedSkillRuns int    `json:"deleted_skill_runs"`
	DeletedLLMCalls  int    `json:"deleted_llm_calls"`
	DeletedEvents    int    `json:"deleted_task_events"`
	TasksReset       int    `json:"tasks_reset"`
}

// resetToPlan deletes all execution history for a plan (artifacts,
// reviews, approvals, skill runs, LLM calls, task events) and resets every
// task back to PENDING with a zeroed attempt counter, keeping the task
// graph itself intact so the plan can be re-run from scratch.
func resetToPlan(st *store.Store, planID string) (*resetToPlanResult, error) {
	db := st.DB()
	r := &resetToPlanResult{PlanID: planID}

	if _, err := db.Exec(`DELETE FROM approvals WHERE plan_id = ?`, planID); err != nil {
		return nil, fmt.Errorf("reset-to-plan: approvals: %w", err)
	}
	res, err := db.Exec(`
		DELETE FROM artifacts WHERE task_id IN (SELECT task_id FROM task_nodes WHERE plan_id = ?)`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: artifacts: %w", err)
	}
	r.DeletedArtifacts = rowsAffected(res)

	res, err = db.Exec(`
		DELETE FROM reviews WHERE check_task_id IN (SELECT task_id FROM task_nodes WHERE plan_id = ?)`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: reviews: %w", err)
	}
	r.DeletedReviews = rowsAffected(res)

	res, err = db.Exec(`DELETE FROM skill_runs WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: skill_runs: %w", err)
	}
	r.DeletedSkillRuns = rowsAffected(res)

	res, err = db.Exec(`DELETE FROM llm_calls WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: llm_calls: %w", err)
	}
	r.DeletedLLMCalls = rowsAffected(res)

	res, err = db.Exec(`DELETE FROM task_events WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: task_events: %w", err)
	}
	r.DeletedEvents = rowsAffected(res)

	res, err = db.Exec(`DELETE FROM task_error_counters WHERE task_id IN (SELECT task_id FROM task_nodes WHERE plan_id = ?)`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: error counters: %w", err)
	}

	res, err = db.Exec(`
		UPDATE task_nodes
		SET status = 'PENDING', blocked_reason = NULL, attempt_count = 0,
		    active_artifact_id = NULL, approved_artifact_id = NULL
		WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, fmt.Errorf("reset-to-plan: reset tasks: %w", err)
	}
	r.TasksReset = rowsAffected(res)

	return r, nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

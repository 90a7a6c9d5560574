package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// AddEvent appends a lifecycle event row. Events are append-only: the
// engine's audit trail and the CLI's `events` command both read this table
// directly, never task_nodes history (spec §4.8 observability).
func (s *Store) AddEvent(e *model.Event) error {
	_, err := s.db.Exec(`
		INSERT INTO task_events (event_id, plan_id, task_id, event_type, payload_json, created_at)
		VALUES (?,?,?,?,?,?)`,
		e.EventID, e.PlanID, nullableStr(e.TaskID), e.EventType, marshalJSON(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add event: %w", err)
	}
	return nil
}

// ListEvents returns a plan's events in chronological order, optionally
// filtered to a single task.
func (s *Store) ListEvents(planID, taskID string, limit int) ([]*model.Event, error) {
	query := `SELECT event_id, plan_id, task_id, event_type, payload_json, created_at FROM task_events WHERE plan_id = ?`
	args := []any{planID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		ev := &model.Event{}
		var taskID sql.NullString
		var payloadJSON string
		if err := rows.Scan(&ev.EventID, &ev.PlanID, &taskID, &ev.EventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.TaskID = taskID.String
		_ = unmarshalJSON(payloadJSON, &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ErrorCounter tracks the last error_code/message for a task and how many
// times it has recurred consecutively, backing MAX_ATTEMPTS_EXCEEDED
// detection without scanning the full event log on every scheduler tick.
type ErrorCounter struct {
	TaskID     string
	ErrorCode  string
	Message    string
	Count      int
	LastSeenAt sql.NullTime
}

// BumpErrorCounter increments the counter when the same error_code recurs,
// or resets it to 1 on a different code (spec §7: attempt budget is
// per-error-code, not global).
func (s *Store) BumpErrorCounter(taskID, errorCode, message string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: bump error counter begin: %w", err)
	}
	defer tx.Rollback()

	var prevCode string
	var prevCount int
	err = tx.QueryRow(`SELECT error_code, count FROM task_error_counters WHERE task_id = ?`, taskID).Scan(&prevCode, &prevCount)
	next := 1
	if err == nil && prevCode == errorCode {
		next = prevCount + 1
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: read error counter: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO task_error_counters (task_id, error_code, message, count, last_seen_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (task_id) DO UPDATE SET
			error_code = excluded.error_code, message = excluded.message,
			count = excluded.count, last_seen_at = excluded.last_seen_at`,
		taskID, errorCode, message, next, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("store: write error counter: %w", err)
	}
	return next, tx.Commit()
}

// GetErrorCounter returns a task's current error counter, or a zero-value
// counter if it has never failed.
func (s *Store) GetErrorCounter(taskID string) (*ErrorCounter, error) {
	c := &ErrorCounter{TaskID: taskID}
	err := s.db.QueryRow(`SELECT error_code, message, count, last_seen_at FROM task_error_counters WHERE task_id = ?`, taskID).
		Scan(&c.ErrorCode, &c.Message, &c.Count, &c.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get error counter: %w", err)
	}
	return c, nil
}

// ClearErrorCounter resets a task's error streak, called after a
// successful attempt (spec §7: "the counter resets on any non-error
// outcome").
func (s *Store) ClearErrorCounter(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM task_error_counters WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("store: clear error counter: %w", err)
	}
	return nil
}

// AddAuditEvent appends a row to the separate audit trail, which cross
// references the llm_call that produced a transition (spec §4.8: "every
// status change that originated from a model call must be traceable back
// to the raw LLM response").
func (s *Store) AddAuditEvent(a *model.AuditEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_events (
			audit_id, plan_id, task_id, category, action, message,
			status_before, status_after, ok, llm_call_id, payload_json, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.AuditID, a.PlanID, nullableStr(a.TaskID), a.Category, a.Action, a.Message,
		nullableStr(a.StatusBefore), nullableStr(a.StatusAfter), a.OK, nullableStr(a.LLMCallID),
		marshalJSON(a.Payload), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a plan's audit trail in chronological order.
func (s *Store) ListAuditEvents(planID string, limit int) ([]*model.AuditEvent, error) {
	query := `SELECT audit_id, plan_id, task_id, category, action, message, status_before, status_after, ok, llm_call_id, payload_json, created_at
		FROM audit_events WHERE plan_id = ? ORDER BY created_at ASC`
	args := []any{planID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list audit events: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditEvent
	for rows.Next() {
		a := &model.AuditEvent{}
		var taskID, statusBefore, statusAfter, llmCallID sql.NullString
		var payloadJSON string
		if err := rows.Scan(&a.AuditID, &a.PlanID, &taskID, &a.Category, &a.Action, &a.Message,
			&statusBefore, &statusAfter, &a.OK, &llmCallID, &payloadJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		a.TaskID, a.StatusBefore, a.StatusAfter, a.LLMCallID = taskID.String, statusBefore.String, statusAfter.String, llmCallID.String
		_ = unmarshalJSON(payloadJSON, &a.Payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

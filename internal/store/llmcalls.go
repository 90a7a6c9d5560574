package store

import (
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// AddLLMCall records a single model call's raw and parsed output, the
// primary audit record for reproducing a contract failure after the fact
// (spec §4.1, §4.8).
func (s *Store) AddLLMCall(c *model.LLMCall) error {
	_, err := s.db.Exec(`
		INSERT INTO llm_calls (call_id, plan_id, task_id, role, provider, raw_text, parsed_json, error_code, truncated, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.CallID, c.PlanID, nullableStr(c.TaskID), string(c.Role), c.Provider, c.RawText, c.ParsedJSON, c.ErrorCode, c.Truncated, c.StartedAt, c.FinishedAt)
	if err != nil {
		return fmt.Errorf("store: add llm call: %w", err)
	}
	return nil
}

// CountLLMCalls returns the number of LLM calls made so far for a plan,
// used to enforce MAX_LLM_CALLS_EXCEEDED (spec §7).
func (s *Store) CountLLMCalls(planID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM llm_calls WHERE plan_id = ?`, planID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count llm calls: %w", err)
	}
	return n, nil
}

// GetLLMCall loads a single call by id.
func (s *Store) GetLLMCall(callID string) (*model.LLMCall, error) {
	row := s.db.QueryRow(`
		SELECT call_id, plan_id, task_id, role, provider, raw_text, parsed_json, error_code, truncated, started_at, finished_at
		FROM llm_calls WHERE call_id = ?`, callID)
	c := &model.LLMCall{}
	var taskID, role string
	if err := row.Scan(&c.CallID, &c.PlanID, &taskID, &role, &c.Provider, &c.RawText, &c.ParsedJSON, &c.ErrorCode, &c.Truncated, &c.StartedAt, &c.FinishedAt); err != nil {
		return nil, fmt.Errorf("store: get llm call: %w", err)
	}
	c.TaskID = taskID
	c.Role = model.Owner(role)
	return c, nil
}

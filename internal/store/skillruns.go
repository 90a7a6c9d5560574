package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SkillRun records a single skill invocation, keyed by an idempotency hash
// over its inputs so a retried executor round reuses a prior run's output
// instead of re-executing a side-effecting skill (spec §4.5 skill
// invocation, grounded on the teacher's dispatch run-record pattern).
type SkillRun struct {
	SkillRunID      string
	PlanID          string
	TaskID          string
	SkillName       string
	IdempotencyHash string
	Status          string
	OutputJSON      string
	ErrorMessage    string
	StartedAt       sql.NullTime
	FinishedAt      sql.NullTime
}

// FindSkillRun returns a prior run for (skillName, idempotencyHash), or
// ErrNotFound.
func (s *Store) FindSkillRun(skillName, idempotencyHash string) (*SkillRun, error) {
	row := s.db.QueryRow(`
		SELECT skill_run_id, plan_id, task_id, skill_name, idempotency_hash, status, output_json, error_message, started_at, finished_at
		FROM skill_runs WHERE skill_name = ? AND idempotency_hash = ?`, skillName, idempotencyHash)
	r, err := scanSkillRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: skill run %s/%s: %w", skillName, idempotencyHash, ErrNotFound)
	}
	return r, err
}

// StartSkillRun inserts a new running skill_runs row.
func (s *Store) StartSkillRun(r *SkillRun) error {
	_, err := s.db.Exec(`
		INSERT INTO skill_runs (skill_run_id, plan_id, task_id, skill_name, idempotency_hash, status, output_json, error_message, started_at)
		VALUES (?,?,?,?,?,'running','{}','',?)`,
		r.SkillRunID, r.PlanID, r.TaskID, r.SkillName, r.IdempotencyHash, nowUTC())
	if err != nil {
		return fmt.Errorf("store: start skill run: %w", err)
	}
	return nil
}

// FinishSkillRun records a skill run's terminal state.
func (s *Store) FinishSkillRun(skillRunID, status, outputJSON, errMessage string) error {
	_, err := s.db.Exec(`
		UPDATE skill_runs SET status = ?, output_json = ?, error_message = ?, finished_at = ?
		WHERE skill_run_id = ?`, status, outputJSON, errMessage, nowUTC(), skillRunID)
	if err != nil {
		return fmt.Errorf("store: finish skill run: %w", err)
	}
	return nil
}

func scanSkillRun(row scanner) (*SkillRun, error) {
	r := &SkillRun{}
	if err := row.Scan(&r.SkillRunID, &r.PlanID, &r.TaskID, &r.SkillName, &r.IdempotencyHash, &r.Status, &r.OutputJSON, &r.ErrorMessage, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	return r, nil
}

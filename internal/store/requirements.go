package store

import (
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// UpsertRequirement inserts or replaces a task's declared input need.
func (s *Store) UpsertRequirement(r *model.InputRequirement) error {
	_, err := s.db.Exec(`
		INSERT INTO input_requirements (requirement_id, task_id, name, kind, required, min_count, allowed_types_json, source, validation)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (requirement_id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, required = excluded.required,
			min_count = excluded.min_count, allowed_types_json = excluded.allowed_types_json,
			source = excluded.source, validation = excluded.validation`,
		r.RequirementID, r.TaskID, r.Name, string(r.Kind), r.Required, r.MinCount,
		marshalJSON(r.AllowedTypes), string(r.Source), r.Validation)
	if err != nil {
		return fmt.Errorf("store: upsert requirement: %w", err)
	}
	return nil
}

// ListRequirements returns a task's declared input requirements.
func (s *Store) ListRequirements(taskID string) ([]*model.InputRequirement, error) {
	rows, err := s.db.Query(`
		SELECT requirement_id, task_id, name, kind, required, min_count, allowed_types_json, source, validation
		FROM input_requirements WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list requirements: %w", err)
	}
	defer rows.Close()

	var out []*model.InputRequirement
	for rows.Next() {
		r := &model.InputRequirement{}
		var kind, source, allowedJSON string
		if err := rows.Scan(&r.RequirementID, &r.TaskID, &r.Name, &kind, &r.Required, &r.MinCount, &allowedJSON, &source, &r.Validation); err != nil {
			return nil, fmt.Errorf("store: scan requirement: %w", err)
		}
		r.Kind = model.RequirementKind(kind)
		r.Source = model.EvidenceSource(source)
		_ = unmarshalJSON(allowedJSON, &r.AllowedTypes)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddEvidence records a file/confirmation satisfying a requirement.
func (s *Store) AddEvidence(e *model.Evidence) error {
	_, err := s.db.Exec(`
		INSERT INTO evidences (evidence_id, requirement_id, path, sha256, created_at)
		VALUES (?,?,?,?,?)`,
		e.EvidenceID, e.RequirementID, e.Path, e.SHA256, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add evidence: %w", err)
	}
	return nil
}

// ListEvidence returns all evidence recorded against a requirement.
func (s *Store) ListEvidence(requirementID string) ([]*model.Evidence, error) {
	rows, err := s.db.Query(`SELECT evidence_id, requirement_id, path, sha256, created_at FROM evidences WHERE requirement_id = ?`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("store: list evidence: %w", err)
	}
	defer rows.Close()

	var out []*model.Evidence
	for rows.Next() {
		e := &model.Evidence{}
		if err := rows.Scan(&e.EvidenceID, &e.RequirementID, &e.Path, &e.SHA256, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// AddArtifact inserts a new immutable artifact version for a task, then
// prunes older versions beyond maxVersions (spec §6 retention: "keep the N
// most recent artifact versions per task"). maxVersions <= 0 disables
// pruning.
func (s *Store) AddArtifact(a *model.Artifact, maxVersions int) error {
	_, err := s.db.Exec(`
		INSERT INTO artifacts (artifact_id, task_id, name, path, format, version, sha256, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ArtifactID, a.TaskID, a.Name, a.Path, string(a.Format), a.Version, a.SHA256, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add artifact: %w", err)
	}
	if maxVersions > 0 {
		if err := s.pruneArtifacts(a.TaskID, maxVersions); err != nil {
			return fmt.Errorf("store: prune artifacts: %w", err)
		}
	}
	return nil
}

func (s *Store) pruneArtifacts(taskID string, maxVersions int) error {
	_, err := s.db.Exec(`
		DELETE FROM artifacts
		WHERE task_id = ? AND artifact_id NOT IN (
			SELECT artifact_id FROM artifacts WHERE task_id = ? ORDER BY version DESC LIMIT ?
		)`, taskID, taskID, maxVersions)
	return err
}

// LatestArtifact returns the highest-version artifact for a task, or
// ErrNotFound when none exist yet.
func (s *Store) LatestArtifact(taskID string) (*model.Artifact, error) {
	row := s.db.QueryRow(`
		SELECT artifact_id, task_id, name, path, format, version, sha256, created_at
		FROM artifacts WHERE task_id = ? ORDER BY version DESC LIMIT 1`, taskID)
	a := &model.Artifact{}
	var format string
	if err := row.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Path, &format, &a.Version, &a.SHA256, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: latest artifact for %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: latest artifact: %w", err)
	}
	a.Format = model.ArtifactFormat(format)
	return a, nil
}

// GetArtifact loads a single artifact by id.
func (s *Store) GetArtifact(artifactID string) (*model.Artifact, error) {
	row := s.db.QueryRow(`
		SELECT artifact_id, task_id, name, path, format, version, sha256, created_at
		FROM artifacts WHERE artifact_id = ?`, artifactID)
	a := &model.Artifact{}
	var format string
	if err := row.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Path, &format, &a.Version, &a.SHA256, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: artifact %s: %w", artifactID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	a.Format = model.ArtifactFormat(format)
	return a, nil
}

// ListArtifacts returns all versions of a task's artifact, newest first.
func (s *Store) ListArtifacts(taskID string) ([]*model.Artifact, error) {
	rows, err := s.db.Query(`
		SELECT artifact_id, task_id, name, path, format, version, sha256, created_at
		FROM artifacts WHERE task_id = ? ORDER BY version DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a := &model.Artifact{}
		var format string
		if err := rows.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Path, &format, &a.Version, &a.SHA256, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		a.Format = model.ArtifactFormat(format)
		out = append(out, a)
	}
	return out, rows.Err()
}

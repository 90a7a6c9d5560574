package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// InputFile is a row of the input_files table: a path under the plan's input
// directory with its last seen hash and a removed flag. Nothing in the module
// polls the input directory or emits a FILE_REMOVED event from these rows.
type InputFile struct {
	InputFileID string
	PlanID      string
	Path        string
	SHA256      string
	Removed     bool
	FirstSeenAt sql.NullTime
	LastSeenAt  sql.NullTime
}

// TouchInputFile upserts a seen file's hash and last_seen_at, clearing
// removed if the file reappeared.
func (s *Store) TouchInputFile(inputFileID, planID, path, sha string) error {
	now := nowUTC()
	_, err := s.db.Exec(`
		INSERT INTO input_files (input_file_id, plan_id, path, sha256, removed, first_seen_at, last_seen_at)
		VALUES (?,?,?,?,0,?,?)
		ON CONFLICT (plan_id, path) DO UPDATE SET
			sha256 = excluded.sha256, removed = 0, last_seen_at = excluded.last_seen_at`,
		inputFileID, planID, path, sha, now, now)
	if err != nil {
		return fmt.Errorf("store: touch input file: %w", err)
	}
	return nil
}

// MarkInputFileRemoved flags a previously-seen path as gone.
func (s *Store) MarkInputFileRemoved(planID, path string) error {
	_, err := s.db.Exec(`UPDATE input_files SET removed = 1, last_seen_at = ? WHERE plan_id = ? AND path = ?`, nowUTC(), planID, path)
	if err != nil {
		return fmt.Errorf("store: mark input file removed: %w", err)
	}
	return nil
}

// ListInputFiles returns all files ever seen for a plan, including removed
// ones, so callers can diff against a fresh directory scan.
func (s *Store) ListInputFiles(planID string) ([]*InputFile, error) {
	rows, err := s.db.Query(`SELECT input_file_id, plan_id, path, sha256, removed, first_seen_at, last_seen_at FROM input_files WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, fmt.Errorf("store: list input files: %w", err)
	}
	defer rows.Close()

	var out []*InputFile
	for rows.Next() {
		f := &InputFile{}
		if err := rows.Scan(&f.InputFileID, &f.PlanID, &f.Path, &f.SHA256, &f.Removed, &f.FirstSeenAt, &f.LastSeenAt); err != nil {
			return nil, fmt.Errorf("store: scan input file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetInputFile looks up a single tracked path.
func (s *Store) GetInputFile(planID, path string) (*InputFile, error) {
	f := &InputFile{}
	err := s.db.QueryRow(`SELECT input_file_id, plan_id, path, sha256, removed, first_seen_at, last_seen_at FROM input_files WHERE plan_id = ? AND path = ?`, planID, path).
		Scan(&f.InputFileID, &f.PlanID, &f.Path, &f.SHA256, &f.Removed, &f.FirstSeenAt, &f.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: input file %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get input file: %w", err)
	}
	return f, nil
}

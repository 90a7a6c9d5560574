package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// Prompt is a content-addressed, versioned prompt template body, letting
// operators inspect and pin exactly which template produced a given
// generation without diffing files on disk (spec §4.1 prompt templates,
// CLI `prompt` subcommand).
type Prompt struct {
	PromptID    string
	Name        string
	ContentHash string
	Version     int
	Body        string
}

// SetPrompt stores a new version of a named prompt if its body differs
// from the current latest version; returns the resulting (possibly
// pre-existing) version number. A prompt whose hash already exists under
// that name is a no-op, so `prompt set` is safe to re-run.
func (s *Store) SetPrompt(promptID, name, body string) (int, error) {
	sum := sha256.Sum256([]byte(body))
	hash := hex.EncodeToString(sum[:])

	var existingVersion int
	err := s.db.QueryRow(`SELECT version FROM prompts WHERE name = ? AND content_hash = ?`, name, hash).Scan(&existingVersion)
	if err == nil {
		return existingVersion, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: check prompt hash: %w", err)
	}

	var maxVersion int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM prompts WHERE name = ?`, name).Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("store: max prompt version: %w", err)
	}
	next := maxVersion + 1

	_, err = s.db.Exec(`INSERT INTO prompts (prompt_id, name, content_hash, version, body, created_at) VALUES (?,?,?,?,?,?)`,
		promptID, name, hash, next, body, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("store: insert prompt: %w", err)
	}
	return next, nil
}

// LatestPrompt returns the highest-numbered version of a named prompt.
func (s *Store) LatestPrompt(name string) (*Prompt, error) {
	row := s.db.QueryRow(`SELECT prompt_id, name, content_hash, version, body FROM prompts WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	p := &Prompt{}
	if err := row.Scan(&p.PromptID, &p.Name, &p.ContentHash, &p.Version, &p.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: prompt %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("store: latest prompt: %w", err)
	}
	return p, nil
}

// ListPromptVersions returns every stored version of a named prompt,
// newest first.
func (s *Store) ListPromptVersions(name string) ([]*Prompt, error) {
	rows, err := s.db.Query(`SELECT prompt_id, name, content_hash, version, body FROM prompts WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("store: list prompt versions: %w", err)
	}
	defer rows.Close()

	var out []*Prompt
	for rows.Next() {
		p := &Prompt{}
		if err := rows.Scan(&p.PromptID, &p.Name, &p.ContentHash, &p.Version, &p.Body); err != nil {
			return nil, fmt.Errorf("store: scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/antigravity-dev/agentforge/internal/model"
)

// ReviewIdempotencyKey derives the key the review gate uses to guarantee
// that a given (check task, pinned artifact) pair is scored at most once,
// grounded on the original's hash(check_task_id, reviewed_artifact_id)
// (spec §4.6).
func ReviewIdempotencyKey(checkTaskID, reviewedArtifactID string) string {
	sum := sha256.Sum256([]byte(checkTaskID + "\x00" + reviewedArtifactID))
	return hex.EncodeToString(sum[:])
}

// FindReviewByIdempotencyKey returns the existing review for a key, or
// ErrNotFound if none exists yet. The review gate calls this before
// invoking a reviewer so a retried round never re-scores the same pinned
// artifact (spec §4.6 idempotency).
func (s *Store) FindReviewByIdempotencyKey(key string) (*model.Review, error) {
	row := s.db.QueryRow(reviewSelect+` WHERE idempotency_key = ?`, key)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: review key %s: %w", key, ErrNotFound)
	}
	return r, err
}

// AddReview inserts a new review, then prunes older reviews of the same
// check task beyond maxVersions (spec §6 retention). A unique constraint on
// idempotency_key makes a duplicate insert fail loudly rather than silently
// double-score.
func (s *Store) AddReview(r *model.Review, maxVersions int) error {
	_, err := s.db.Exec(`
		INSERT INTO reviews (
			review_id, check_task_id, review_target_task_id, reviewed_artifact_id, reviewer,
			total_score, verdict, breakdown_json, suggestions_json, summary,
			acceptance_results_json, idempotency_key, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ReviewID, r.CheckTaskID, r.ReviewTargetTaskID, r.ReviewedArtifactID, r.Reviewer,
		r.TotalScore, string(r.Verdict), marshalJSON(r.Breakdown), marshalJSON(r.Suggestions), r.Summary,
		marshalJSON(r.AcceptanceResults), r.IdempotencyKey, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: add review: %w", err)
	}
	if maxVersions > 0 {
		if _, err := s.db.Exec(`
			DELETE FROM reviews
			WHERE check_task_id = ? AND review_id NOT IN (
				SELECT review_id FROM reviews WHERE check_task_id = ? ORDER BY created_at DESC LIMIT ?
			)`, r.CheckTaskID, r.CheckTaskID, maxVersions); err != nil {
			return fmt.Errorf("store: prune reviews: %w", err)
		}
	}
	return nil
}

// LatestReview returns the most recent review for a check task.
func (s *Store) LatestReview(checkTaskID string) (*model.Review, error) {
	row := s.db.QueryRow(reviewSelect+` WHERE check_task_id = ? ORDER BY created_at DESC LIMIT 1`, checkTaskID)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: latest review for %s: %w", checkTaskID, ErrNotFound)
	}
	return r, err
}

// ListReviews returns all reviews for a check task, newest first.
func (s *Store) ListReviews(checkTaskID string) ([]*model.Review, error) {
	rows, err := s.db.Query(reviewSelect+` WHERE check_task_id = ? ORDER BY created_at DESC`, checkTaskID)
	if err != nil {
		return nil, fmt.Errorf("store: list reviews: %w", err)
	}
	defer rows.Close()

	var out []*model.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const reviewSelect = `
SELECT review_id, check_task_id, review_target_task_id, reviewed_artifact_id, reviewer,
	total_score, verdict, breakdown_json, suggestions_json, summary,
	acceptance_results_json, idempotency_key, created_at
FROM reviews`

func scanReview(row scanner) (*model.Review, error) {
	r := &model.Review{}
	var verdict, breakdownJSON, suggestionsJSON, acceptanceJSON string
	if err := row.Scan(
		&r.ReviewID, &r.CheckTaskID, &r.ReviewTargetTaskID, &r.ReviewedArtifactID, &r.Reviewer,
		&r.TotalScore, &verdict, &breakdownJSON, &suggestionsJSON, &r.Summary,
		&acceptanceJSON, &r.IdempotencyKey, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.Verdict = model.Verdict(verdict)
	_ = unmarshalJSON(breakdownJSON, &r.Breakdown)
	_ = unmarshalJSON(suggestionsJSON, &r.Suggestions)
	_ = unmarshalJSON(acceptanceJSON, &r.AcceptanceResults)
	return r, nil
}

// Approval records a final APPROVED verdict's binding to the artifact it
// approved, independent of later review rows (spec §4.6: approvals are
// never pruned, unlike review history).
type Approval struct {
	ApprovalID string
	PlanID     string
	TaskID     string
	ArtifactID string
	ReviewID   string
	ApprovedAt string
}

// AddApproval records an approval. Idempotent per (task, artifact): a
// duplicate insert for the same pair is ignored, matching the reviewer
// being allowed to re-confirm the same already-approved artifact.
func (s *Store) AddApproval(approvalID, planID, taskID, artifactID, reviewID string) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (approval_id, plan_id, task_id, artifact_id, review_id, approved_at)
		SELECT ?,?,?,?,?,?
		WHERE NOT EXISTS (SELECT 1 FROM approvals WHERE task_id = ? AND artifact_id = ?)`,
		approvalID, planID, taskID, artifactID, reviewID, nowUTC(), taskID, artifactID)
	if err != nil {
		return fmt.Errorf("store: add approval: %w", err)
	}
	return nil
}

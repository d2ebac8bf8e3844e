package postgres

import (
	"context"
	"fmt"

	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// --- File reviews ---

func (s *Store) UpsertFileReview(ctx context.Context, fr *review.FileReview) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_reviews (owner_id, repo_id, session_id, path, blob_hash, reviewed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (owner_id, repo_id, session_id, path)
		 DO UPDATE SET blob_hash = EXCLUDED.blob_hash, reviewed_at = EXCLUDED.reviewed_at`,
		fr.OwnerID, fr.RepoID, fr.SessionID, fr.Path, fr.BlobHash, fr.ReviewedAt)
	if err != nil {
		return fmt.Errorf("upsert file review %s: %w", fr.Path, err)
	}
	return nil
}

func (s *Store) DeleteFileReview(ctx context.Context, ref session.Ref, path string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM file_reviews
		 WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3 AND path = $4`,
		ref.OwnerID, ref.RepoID, ref.SessionID, path)
	if err != nil {
		return fmt.Errorf("delete file review %s: %w", path, err)
	}
	return nil
}

func (s *Store) ListFileReviews(ctx context.Context, ref session.Ref) ([]review.FileReview, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, repo_id, session_id, path, blob_hash, reviewed_at
		 FROM file_reviews
		 WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3
		 ORDER BY path ASC`,
		ref.OwnerID, ref.RepoID, ref.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list file reviews: %w", err)
	}
	defer rows.Close()

	var reviews []review.FileReview
	for rows.Next() {
		var fr review.FileReview
		if err := rows.Scan(&fr.OwnerID, &fr.RepoID, &fr.SessionID, &fr.Path, &fr.BlobHash, &fr.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scan file review: %w", err)
		}
		reviews = append(reviews, fr)
	}
	return reviews, rows.Err()
}

func (s *Store) DeleteFileReviewsForSession(ctx context.Context, ref session.Ref) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM file_reviews WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3`,
		ref.OwnerID, ref.RepoID, ref.SessionID)
	if err != nil {
		return fmt.Errorf("delete file reviews for session %s: %w", ref.SessionID, err)
	}
	return nil
}

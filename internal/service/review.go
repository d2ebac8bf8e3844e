package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halyardhq/halyard/internal/adapter/ristretto"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/port/database"
	"github.com/halyardhq/halyard/internal/workspace"
)

// ReviewService exposes the per-session review surface: changed files with
// review marks, side-by-side diffs and branch lists. Review state is tracked
// per file independently of the session lifecycle; a mark goes stale when
// the file's blob hash no longer matches the reviewed one.
type ReviewService struct {
	db    database.Store
	ws    *workspace.Manager
	cache *ristretto.HashCache
	log   *slog.Logger
}

// NewReviewService creates a ReviewService. cache may be nil, which disables
// hash memoization.
func NewReviewService(db database.Store, ws *workspace.Manager, cache *ristretto.HashCache, log *slog.Logger) *ReviewService {
	return &ReviewService{db: db, ws: ws, cache: cache, log: log}
}

// FilesResult pairs the current diff summary with the owner's review marks.
type FilesResult struct {
	Files   []review.ChangedFile  `json:"files"`
	Reviews []review.ReviewedFile `json:"reviews"`
}

// Files lists changed files against compareRef (default: the session's base
// branch) and the session's review marks with staleness computed.
func (r *ReviewService) Files(ctx context.Context, ownerID, sessionID, compareRef string) (*FilesResult, error) {
	s, err := r.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	ref := s.Ref()
	base := compareRef
	if base == "" {
		base = s.BaseBranch
	}

	files, err := r.ws.ChangedFiles(ctx, ref, base)
	if err != nil {
		return nil, err
	}
	marks, err := r.db.ListFileReviews(ctx, ref)
	if err != nil {
		return nil, err
	}

	reviews := make([]review.ReviewedFile, 0, len(marks))
	for _, mark := range marks {
		current, err := r.hash(ctx, ref, mark.Path)
		if err != nil {
			r.log.Warn("hash reviewed file", "session", sessionID, "path", mark.Path, "error", err)
			current = ""
		}
		reviews = append(reviews, review.ReviewedFile{
			FileReview: mark,
			Stale:      current != mark.BlobHash,
		})
	}
	return &FilesResult{Files: files, Reviews: reviews}, nil
}

// Diff returns both sides of one file for side-by-side rendering.
func (r *ReviewService) Diff(ctx context.Context, ownerID, sessionID, path, compareRef string) (*review.FileDiff, error) {
	s, err := r.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	base := compareRef
	if base == "" {
		base = s.BaseBranch
	}
	diff, err := r.ws.FileDiff(ctx, s.Ref(), path, base)
	if err != nil {
		return nil, err
	}
	return &diff, nil
}

// Branches lists branches usable as a compare ref.
func (r *ReviewService) Branches(ctx context.Context, ownerID, sessionID string) ([]string, error) {
	s, err := r.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	return r.ws.Branches(ctx, s.Ref())
}

// Mark records path as reviewed at its current content hash.
func (r *ReviewService) Mark(ctx context.Context, ownerID, sessionID, path string) (*review.FileReview, error) {
	s, err := r.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	ref := s.Ref()

	hash, err := r.ws.FileHash(ctx, ref, path)
	if err != nil {
		return nil, fmt.Errorf("hash %q: %w", path, err)
	}
	if r.cache != nil {
		r.cache.Set(hashKey(ref, path), hash)
	}

	fr := &review.FileReview{
		OwnerID:    ref.OwnerID,
		RepoID:     ref.RepoID,
		SessionID:  ref.SessionID,
		Path:       path,
		BlobHash:   hash,
		ReviewedAt: time.Now().UTC(),
	}
	if err := r.db.UpsertFileReview(ctx, fr); err != nil {
		return nil, fmt.Errorf("save review mark: %w", err)
	}
	return fr, nil
}

// Unmark removes the review mark for path. Missing marks are a no-op.
func (r *ReviewService) Unmark(ctx context.Context, ownerID, sessionID, path string) error {
	s, err := r.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	ref := s.Ref()
	if r.cache != nil {
		r.cache.Delete(hashKey(ref, path))
	}
	return r.db.DeleteFileReview(ctx, ref, path)
}

// hash returns the file's current blob hash, memoized briefly so a review
// poll does not re-hash the whole diff.
func (r *ReviewService) hash(ctx context.Context, ref session.Ref, path string) (string, error) {
	key := hashKey(ref, path)
	if r.cache != nil {
		if h, ok := r.cache.Get(key); ok {
			return h, nil
		}
	}
	h, err := r.ws.FileHash(ctx, ref, path)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		r.cache.Set(key, h)
	}
	return h, nil
}

func hashKey(ref session.Ref, path string) string {
	return ref.Key() + ":" + path
}

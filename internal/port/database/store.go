// Package database defines the port interface for the relational store.
package database

import (
	"context"
	"time"

	"github.com/halyardhq/halyard/internal/domain/identity"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// Store is the port interface for persisting sessions, messages, file
// reviews, identities and repos. All session lookups are owner-scoped:
// a session that exists but belongs to another owner is reported as
// domain.ErrNotFound.
type Store interface {
	// --- Sessions ---

	CreateSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, ownerID, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]session.Session, error)
	UpdateSessionStatus(ctx context.Context, ownerID, sessionID string, status session.Status, errMsg string) error
	UpdateSessionBranch(ctx context.Context, ownerID, sessionID, branch string) error
	SetSessionPinned(ctx context.Context, ownerID, sessionID string, pinnedAt *time.Time) error
	SetSessionNotifications(ctx context.Context, ownerID, sessionID string, enabled *bool) error
	DeleteSession(ctx context.Context, ownerID, sessionID string) error

	// ListStaleSessions returns sessions in any of the given statuses,
	// across all owners. Used by crash recovery on process start.
	ListStaleSessions(ctx context.Context, statuses ...session.Status) ([]session.Session, error)

	// --- Messages ---

	CreateMessage(ctx context.Context, m *session.Message) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*session.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]session.Message, error)
	SetMessageCommit(ctx context.Context, messageID, commitSHA string) error

	// DeleteMessagesAfter removes messages strictly newer than the given
	// timestamp and returns how many were deleted. Used by revert.
	DeleteMessagesAfter(ctx context.Context, sessionID string, after time.Time) (int64, error)

	// --- File reviews ---

	UpsertFileReview(ctx context.Context, fr *review.FileReview) error
	DeleteFileReview(ctx context.Context, ref session.Ref, path string) error
	ListFileReviews(ctx context.Context, ref session.Ref) ([]review.FileReview, error)
	DeleteFileReviewsForSession(ctx context.Context, ref session.Ref) error

	// --- Identities and repos ---

	CreateIdentity(ctx context.Context, id *identity.Identity) error
	GetIdentity(ctx context.Context, ownerID, identityID string) (*identity.Identity, error)
	CreateRepo(ctx context.Context, r *identity.Repo) error
	GetRepo(ctx context.Context, ownerID, repoID string) (*identity.Repo, error)
	ListRepos(ctx context.Context, ownerID string) ([]identity.Repo, error)
}

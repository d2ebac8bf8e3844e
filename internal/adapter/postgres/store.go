package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halyardhq/halyard/internal/domain/session"
)

// Store implements database.Store using PostgreSQL. Every session lookup is
// owner-scoped in the WHERE clause so a foreign session is indistinguishable
// from a missing one.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Sessions ---

const sessionColumns = `id, owner_id, repo_id, COALESCE(identity_id::text, ''), repo_url, base_branch,
	COALESCE(session_branch, ''), prompt, status, COALESCE(error, ''), COALESCE(model, ''),
	COALESCE(provider, ''), pinned_at, notifications_enabled, created_at, updated_at`

func scanSession(sc scannable) (session.Session, error) {
	var s session.Session
	err := sc.Scan(
		&s.ID, &s.OwnerID, &s.RepoID, &s.IdentityID, &s.RepoURL, &s.BaseBranch,
		&s.SessionBranch, &s.Prompt, &s.Status, &s.Error, &s.Model,
		&s.Provider, &s.PinnedAt, &s.NotificationsEnabled, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner_id, repo_id, identity_id, repo_url, base_branch, session_branch,
		                       prompt, status, model, provider, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.OwnerID, sess.RepoID, nullIfEmpty(sess.IdentityID), sess.RepoURL,
		sess.BaseBranch, nullIfEmpty(sess.SessionBranch), sess.Prompt, sess.Status,
		nullIfEmpty(sess.Model), nullIfEmpty(sess.Provider), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, ownerID, sessionID string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 AND owner_id = $2`, sessionColumns),
		sessionID, ownerID)

	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", sessionID)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions WHERE owner_id = $1 ORDER BY created_at DESC`, sessionColumns),
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSessionStatus(ctx context.Context, ownerID, sessionID string, status session.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $3, error = $4, updated_at = now()
		 WHERE id = $1 AND owner_id = $2`,
		sessionID, ownerID, status, nullIfEmpty(errMsg))
	return execExpectOne(tag, err, "update session %s status", sessionID)
}

func (s *Store) UpdateSessionBranch(ctx context.Context, ownerID, sessionID, branch string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET session_branch = $3, updated_at = now()
		 WHERE id = $1 AND owner_id = $2`,
		sessionID, ownerID, branch)
	return execExpectOne(tag, err, "update session %s branch", sessionID)
}

func (s *Store) SetSessionPinned(ctx context.Context, ownerID, sessionID string, pinnedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET pinned_at = $3, updated_at = now()
		 WHERE id = $1 AND owner_id = $2`,
		sessionID, ownerID, pinnedAt)
	return execExpectOne(tag, err, "pin session %s", sessionID)
}

func (s *Store) SetSessionNotifications(ctx context.Context, ownerID, sessionID string, enabled *bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET notifications_enabled = $3, updated_at = now()
		 WHERE id = $1 AND owner_id = $2`,
		sessionID, ownerID, enabled)
	return execExpectOne(tag, err, "set session %s notifications", sessionID)
}

func (s *Store) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND owner_id = $2`, sessionID, ownerID)
	return execExpectOne(tag, err, "delete session %s", sessionID)
}

func (s *Store) ListStaleSessions(ctx context.Context, statuses ...session.Status) ([]session.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions WHERE status = ANY($1) ORDER BY created_at ASC`, sessionColumns),
		strs)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Messages ---

const messageColumns = `id, session_id, role, content, COALESCE(commit_sha, ''), created_at`

func scanMessage(sc scannable) (session.Message, error) {
	var m session.Message
	err := sc.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CommitSHA, &m.CreatedAt)
	return m, err
}

func (s *Store) CreateMessage(ctx context.Context, m *session.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, commit_sha, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SessionID, m.Role, m.Content, nullIfEmpty(m.CommitSHA), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, sessionID, messageID string) (*session.Message, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1 AND session_id = $2`, messageColumns),
		messageID, sessionID)

	m, err := scanMessage(row)
	if err != nil {
		return nil, notFoundWrap(err, "get message %s", messageID)
	}
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = $1 ORDER BY created_at ASC`, messageColumns),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []session.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) SetMessageCommit(ctx context.Context, messageID, commitSHA string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET commit_sha = $2 WHERE id = $1`, messageID, nullIfEmpty(commitSHA))
	return execExpectOne(tag, err, "set message %s commit", messageID)
}

func (s *Store) DeleteMessagesAfter(ctx context.Context, sessionID string, after time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE session_id = $1 AND created_at > $2`, sessionID, after)
	if err != nil {
		return 0, fmt.Errorf("delete messages after: %w", err)
	}
	return tag.RowsAffected(), nil
}

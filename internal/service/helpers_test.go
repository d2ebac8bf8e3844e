package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/identity"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// memEventStore is an in-memory eventstore.Store.
type memEventStore struct {
	mu     sync.Mutex
	events map[string][]event.SessionEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[string][]event.SessionEvent)}
}

func (s *memEventStore) Append(_ context.Context, ev *event.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.OwnerID + "/" + ev.RepoID + "/" + ev.SessionID
	s.events[key] = append(s.events[key], *ev)
	return nil
}

func (s *memEventStore) ListSince(_ context.Context, ref session.Ref, afterSeq int64) ([]event.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.SessionEvent
	for _, ev := range s.events[ref.Key()] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memEventStore) MaxSeq(_ context.Context, ref session.Ref) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, ev := range s.events[ref.Key()] {
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, nil
}

func (s *memEventStore) DeleteAfter(_ context.Context, ref session.Ref, seq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []event.SessionEvent
	var removed int64
	for _, ev := range s.events[ref.Key()] {
		if ev.Seq > seq {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events[ref.Key()] = kept
	return removed, nil
}

func (s *memEventStore) DeleteAll(_ context.Context, ref session.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, ref.Key())
	return nil
}

// memDB is an in-memory database.Store.
type memDB struct {
	mu         sync.Mutex
	sessions   map[string]session.Session // keyed by session id
	messages   map[string][]session.Message
	reviews    map[string]map[string]review.FileReview // ref key -> path -> review
	identities map[string]identity.Identity
	repos      map[string]identity.Repo
}

func newMemDB() *memDB {
	return &memDB{
		sessions:   make(map[string]session.Session),
		messages:   make(map[string][]session.Message),
		reviews:    make(map[string]map[string]review.FileReview),
		identities: make(map[string]identity.Identity),
		repos:      make(map[string]identity.Repo),
	}
}

func (db *memDB) CreateSession(_ context.Context, s *session.Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.sessions[s.ID]; exists {
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyExists, s.ID)
	}
	db.sessions[s.ID] = *s
	return nil
}

func (db *memDB) GetSession(_ context.Context, ownerID, sessionID string) (*session.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	out := s
	return &out, nil
}

func (db *memDB) ListSessions(_ context.Context, ownerID string) ([]session.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []session.Session
	for _, s := range db.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (db *memDB) UpdateSessionStatus(_ context.Context, ownerID, sessionID string, status session.Status, errMsg string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	s.Status = status
	s.Error = errMsg
	s.UpdatedAt = time.Now().UTC()
	db.sessions[sessionID] = s
	return nil
}

func (db *memDB) UpdateSessionBranch(_ context.Context, ownerID, sessionID, branch string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	s.SessionBranch = branch
	db.sessions[sessionID] = s
	return nil
}

func (db *memDB) SetSessionPinned(_ context.Context, ownerID, sessionID string, pinnedAt *time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	s.PinnedAt = pinnedAt
	db.sessions[sessionID] = s
	return nil
}

func (db *memDB) SetSessionNotifications(_ context.Context, ownerID, sessionID string, enabled *bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	s.NotificationsEnabled = enabled
	db.sessions[sessionID] = s
	return nil
}

func (db *memDB) DeleteSession(_ context.Context, ownerID, sessionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	delete(db.sessions, sessionID)
	delete(db.messages, sessionID)
	return nil
}

func (db *memDB) ListStaleSessions(_ context.Context, statuses ...session.Status) ([]session.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []session.Session
	for _, s := range db.sessions {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (db *memDB) CreateMessage(_ context.Context, m *session.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.messages[m.SessionID] = append(db.messages[m.SessionID], *m)
	return nil
}

func (db *memDB) GetMessage(_ context.Context, sessionID, messageID string) (*session.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, m := range db.messages[sessionID] {
		if m.ID == messageID {
			out := m
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
}

func (db *memDB) ListMessages(_ context.Context, sessionID string) ([]session.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]session.Message, len(db.messages[sessionID]))
	copy(out, db.messages[sessionID])
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (db *memDB) SetMessageCommit(_ context.Context, messageID, commitSHA string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for sid, msgs := range db.messages {
		for i, m := range msgs {
			if m.ID == messageID {
				db.messages[sid][i].CommitSHA = commitSHA
				return nil
			}
		}
	}
	return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
}

func (db *memDB) DeleteMessagesAfter(_ context.Context, sessionID string, after time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var kept []session.Message
	var removed int64
	for _, m := range db.messages[sessionID] {
		if m.CreatedAt.After(after) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	db.messages[sessionID] = kept
	return removed, nil
}

func (db *memDB) UpsertFileReview(_ context.Context, fr *review.FileReview) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := fr.OwnerID + "/" + fr.RepoID + "/" + fr.SessionID
	if db.reviews[key] == nil {
		db.reviews[key] = make(map[string]review.FileReview)
	}
	db.reviews[key][fr.Path] = *fr
	return nil
}

func (db *memDB) DeleteFileReview(_ context.Context, ref session.Ref, path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.reviews[ref.Key()], path)
	return nil
}

func (db *memDB) ListFileReviews(_ context.Context, ref session.Ref) ([]review.FileReview, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []review.FileReview
	for _, fr := range db.reviews[ref.Key()] {
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (db *memDB) DeleteFileReviewsForSession(_ context.Context, ref session.Ref) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.reviews, ref.Key())
	return nil
}

func (db *memDB) CreateIdentity(_ context.Context, id *identity.Identity) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.identities[id.ID] = *id
	return nil
}

func (db *memDB) GetIdentity(_ context.Context, ownerID, identityID string) (*identity.Identity, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.identities[identityID]
	if !ok || id.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: identity %s", domain.ErrNotFound, identityID)
	}
	out := id
	return &out, nil
}

func (db *memDB) CreateRepo(_ context.Context, r *identity.Repo) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.repos[r.ID] = *r
	return nil
}

func (db *memDB) GetRepo(_ context.Context, ownerID, repoID string) (*identity.Repo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.repos[repoID]
	if !ok || r.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: repo %s", domain.ErrNotFound, repoID)
	}
	out := r
	return &out, nil
}

func (db *memDB) ListRepos(_ context.Context, ownerID string) ([]identity.Repo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []identity.Repo
	for _, r := range db.repos {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

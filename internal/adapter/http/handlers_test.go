package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	halhttp "github.com/halyardhq/halyard/internal/adapter/http"
	"github.com/halyardhq/halyard/internal/adapter/ws"
	"github.com/halyardhq/halyard/internal/config"
	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/identity"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/eventlog"
	"github.com/halyardhq/halyard/internal/git"
	"github.com/halyardhq/halyard/internal/service"
	"github.com/halyardhq/halyard/internal/terminal"
	"github.com/halyardhq/halyard/internal/workspace"
)

var errNotFound = fmt.Errorf("mock: %w", domain.ErrNotFound)

// memStore implements database.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	messages map[string][]session.Message
	reviews  map[string]map[string]review.FileReview
	repos    map[string]identity.Repo
	idents   map[string]identity.Identity
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]session.Session),
		messages: make(map[string][]session.Message),
		reviews:  make(map[string]map[string]review.FileReview),
		repos:    make(map[string]identity.Repo),
		idents:   make(map[string]identity.Identity),
	}
}

func (m *memStore) CreateSession(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("mock: %w", domain.ErrAlreadyExists)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) GetSession(_ context.Context, ownerID, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, errNotFound
	}
	out := s
	return &out, nil
}

func (m *memStore) ListSessions(_ context.Context, ownerID string) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateSessionStatus(_ context.Context, ownerID, sessionID string, status session.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return errNotFound
	}
	s.Status = status
	s.Error = errMsg
	m.sessions[sessionID] = s
	return nil
}

func (m *memStore) UpdateSessionBranch(_ context.Context, ownerID, sessionID, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return errNotFound
	}
	s.SessionBranch = branch
	m.sessions[sessionID] = s
	return nil
}

func (m *memStore) SetSessionPinned(_ context.Context, ownerID, sessionID string, pinnedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return errNotFound
	}
	s.PinnedAt = pinnedAt
	m.sessions[sessionID] = s
	return nil
}

func (m *memStore) SetSessionNotifications(_ context.Context, ownerID, sessionID string, enabled *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return errNotFound
	}
	s.NotificationsEnabled = enabled
	m.sessions[sessionID] = s
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, ownerID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return errNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.messages, sessionID)
	return nil
}

func (m *memStore) ListStaleSessions(_ context.Context, statuses ...session.Status) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, s := range m.sessions {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) CreateMessage(_ context.Context, msg *session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *memStore) GetMessage(_ context.Context, sessionID, messageID string) (*session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[sessionID] {
		if msg.ID == messageID {
			out := msg
			return &out, nil
		}
	}
	return nil, errNotFound
}

func (m *memStore) ListMessages(_ context.Context, sessionID string) ([]session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}

func (m *memStore) SetMessageCommit(_ context.Context, messageID, commitSHA string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, msgs := range m.messages {
		for i, msg := range msgs {
			if msg.ID == messageID {
				m.messages[sid][i].CommitSHA = commitSHA
				return nil
			}
		}
	}
	return errNotFound
}

func (m *memStore) DeleteMessagesAfter(_ context.Context, sessionID string, after time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []session.Message
	var removed int64
	for _, msg := range m.messages[sessionID] {
		if msg.CreatedAt.After(after) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages[sessionID] = kept
	return removed, nil
}

func (m *memStore) UpsertFileReview(_ context.Context, fr *review.FileReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fr.OwnerID + "/" + fr.RepoID + "/" + fr.SessionID
	if m.reviews[key] == nil {
		m.reviews[key] = make(map[string]review.FileReview)
	}
	m.reviews[key][fr.Path] = *fr
	return nil
}

func (m *memStore) DeleteFileReview(_ context.Context, ref session.Ref, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reviews[ref.Key()], path)
	return nil
}

func (m *memStore) ListFileReviews(_ context.Context, ref session.Ref) ([]review.FileReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []review.FileReview
	for _, fr := range m.reviews[ref.Key()] {
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memStore) DeleteFileReviewsForSession(_ context.Context, ref session.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reviews, ref.Key())
	return nil
}

func (m *memStore) CreateIdentity(_ context.Context, id *identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idents[id.ID] = *id
	return nil
}

func (m *memStore) GetIdentity(_ context.Context, ownerID, identityID string) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idents[identityID]
	if !ok || id.OwnerID != ownerID {
		return nil, errNotFound
	}
	out := id
	return &out, nil
}

func (m *memStore) CreateRepo(_ context.Context, r *identity.Repo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.ID] = *r
	return nil
}

func (m *memStore) GetRepo(_ context.Context, ownerID, repoID string) (*identity.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[repoID]
	if !ok || r.OwnerID != ownerID {
		return nil, errNotFound
	}
	out := r
	return &out, nil
}

func (m *memStore) ListRepos(_ context.Context, ownerID string) ([]identity.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.Repo
	for _, r := range m.repos {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

// memEvents implements eventstore.Store for handler tests.
type memEvents struct {
	mu     sync.Mutex
	events map[string][]event.SessionEvent
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string][]event.SessionEvent)}
}

func (s *memEvents) Append(_ context.Context, ev *event.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.OwnerID + "/" + ev.RepoID + "/" + ev.SessionID
	s.events[key] = append(s.events[key], *ev)
	return nil
}

func (s *memEvents) ListSince(_ context.Context, ref session.Ref, afterSeq int64) ([]event.SessionEvent, error) {
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

func (s *memEvents) MaxSeq(_ context.Context, ref session.Ref) (int64, error) {
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

func (s *memEvents) DeleteAfter(_ context.Context, ref session.Ref, seq int64) (int64, error) {
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

func (s *memEvents) DeleteAll(_ context.Context, ref session.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, ref.Key())
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	return newTestRouterWithHealth(t, map[string]halhttp.HealthCheck{
		"database": func() error { return nil },
	})
}

func newTestRouterWithHealth(t *testing.T, health map[string]halhttp.HealthCheck) http.Handler {
	t.Helper()
	log := discardLogger()

	db := newMemStore()
	db.repos["api"] = identity.Repo{
		ID:            "api",
		OwnerID:       "alice",
		Name:          "api",
		URL:           "file:///nonexistent/api.git",
		DefaultBranch: "main",
	}

	events := eventlog.New(newMemEvents(), log)
	wsm := workspace.New(t.TempDir(), git.NewPool(2), log, time.Minute)
	gw := service.NewGateway(events, log, 200*time.Millisecond, 200*time.Millisecond)
	terms := terminal.NewManager(config.Terminal{
		Shell:          "/bin/sh",
		MaxPerSession:  2,
		ScrollbackKiB:  4,
		DefaultColumns: 80,
		DefaultRows:    24,
	}, wsm, log)
	t.Cleanup(terms.Close)

	hub := ws.NewHub(log)
	bridge := ws.NewTerminalBridge(terms, log)
	orch := service.NewOrchestrator(db, events, wsm, gw, terms, nil, hub, log,
		service.OrchestratorConfig{DefaultProvider: "mock"})
	reviews := service.NewReviewService(db, wsm, nil, log)

	h := halhttp.NewHandlers(orch, reviews, terms, bridge, hub, log, health)
	return halhttp.NewRouter(h, "*", log)
}

func doJSON(t *testing.T, r http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, r http.Handler, owner string) session.Session {
	t.Helper()
	w := doJSON(t, r, "POST", "/api/v1/sessions", owner, map[string]string{
		"repo_id": "api",
		"prompt":  "add pagination to the list endpoint",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var s session.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMissingOwnerHeaderUnauthorized(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/api/v1/sessions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "ok" {
		t.Fatalf("expected status ok, got %q", result.Status)
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	r := newTestRouterWithHealth(t, map[string]halhttp.HealthCheck{
		"database": func() error { return nil },
		"nats":     func() error { return fmt.Errorf("connection refused") },
	})

	w := doJSON(t, r, "GET", "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	var result struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(w.Body).Decode(&result)
	if result.Status != "degraded" {
		t.Fatalf("expected status degraded, got %q", result.Status)
	}
}

func TestVersionEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/api/v1/", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["version"] != "0.1.0" {
		t.Fatalf("expected version 0.1.0, got %q", result["version"])
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/sessions", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS origin header, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestListSessionsEmpty(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/api/v1/sessions", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var sessions []session.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty list, got %d", len(sessions))
	}
}

func TestCreateAndGetSession(t *testing.T) {
	r := newTestRouter(t)

	s := createSession(t, r, "alice")
	if s.Status != session.StatusPending {
		t.Fatalf("expected pending, got %q", s.Status)
	}
	if s.BaseBranch != "main" {
		t.Fatalf("expected base branch defaulted to main, got %q", s.BaseBranch)
	}

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateSessionUnknownRepo(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "POST", "/api/v1/sessions", "alice", map[string]string{
		"repo_id": "nope",
		"prompt":  "do a thing",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateSessionMissingPrompt(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "POST", "/api/v1/sessions", "alice", map[string]string{
		"repo_id": "api",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateSessionInvalidBody(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/api/v1/sessions/nonexistent", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCrossOwnerSessionIsNotFound(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID, "mallory", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "DELETE", "/api/v1/sessions/"+s.ID, "alice", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID, "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestPinSession(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/pin", "alice", map[string]bool{"pinned": true})
	if w.Code != http.StatusNoContent {
		t.Fatalf("pin: expected 204, got %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID, "alice", nil)
	var got session.Session
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.PinnedAt == nil {
		t.Fatal("expected pinned_at to be set")
	}

	w = doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/pin", "alice", map[string]bool{"pinned": false})
	if w.Code != http.StatusNoContent {
		t.Fatalf("unpin: expected 204, got %d", w.Code)
	}
}

func TestSendMessageOnPendingConflict(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/messages", "alice", map[string]string{
		"content": "too early",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for message on pending session, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSendMessageMissingContent(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/messages", "alice", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListMessagesIncludesPrompt(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID+"/messages", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var msgs []session.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the initial prompt message, got %d messages", len(msgs))
	}
	if msgs[0].Role != session.RoleUser {
		t.Fatalf("expected user role, got %q", msgs[0].Role)
	}
}

func TestInterruptOnPendingConflict(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/interrupt", "alice", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestRevertMissingMessageID(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/revert", "alice", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSessionEventsJSONReplayEmpty(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID+"/events", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var events []event.SessionEvent
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events before start, got %d", len(events))
	}
}

func TestSessionEventsBadAfterSeq(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID+"/events?after_seq=-3", "alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID+"/events?after_seq=abc", "alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReviewDiffMissingPath(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID+"/diff", "alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMarkReviewedMissingPath(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/reviews", "alice", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReviewFilesUnknownSession(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "GET", "/api/v1/sessions/nonexistent/files", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateTerminalMissingID(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/terminals", "alice", map[string]any{
		"cols": 80, "rows": 24,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateTerminalWithoutWorktree(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	// No workspace has been provisioned for a pending session.
	w := doJSON(t, r, "POST", "/api/v1/sessions/"+s.ID+"/terminals", "alice", map[string]any{
		"terminal_id": "t1",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListTerminalsEmpty(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "GET", "/api/v1/sessions/"+s.ID+"/terminals", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var infos []terminal.Info
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no terminals, got %d", len(infos))
	}
}

func TestKillTerminalUnknownIsNoOp(t *testing.T) {
	r := newTestRouter(t)
	s := createSession(t, r, "alice")

	w := doJSON(t, r, "DELETE", "/api/v1/sessions/"+s.ID+"/terminals/ghost", "alice", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

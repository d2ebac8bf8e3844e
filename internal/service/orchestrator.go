// Package service implements the session orchestration layer: lifecycle
// state machine, agent gateway, review surface and crash recovery.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	halotel "github.com/halyardhq/halyard/internal/adapter/otel"
	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/identity"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/eventlog"
	"github.com/halyardhq/halyard/internal/port/agentprovider"
	"github.com/halyardhq/halyard/internal/port/broadcast"
	"github.com/halyardhq/halyard/internal/port/database"
	"github.com/halyardhq/halyard/internal/port/messagequeue"
	"github.com/halyardhq/halyard/internal/workspace"
)

// TerminalCloser tears down the live terminals of a session. Implemented by
// the terminal manager; nil disables terminal cleanup.
type TerminalCloser interface {
	KillAllForSession(ref session.Ref)
}

// OrchestratorConfig carries the agent defaults used when a session does not
// pin its own provider or model.
type OrchestratorConfig struct {
	DefaultProvider string
	DefaultModel    string
	ProviderConfig  map[string]string
}

// turnState accumulates one agent turn's output so it can be flushed into an
// assistant message and a snapshot commit at the turn boundary.
type turnState struct {
	mu  sync.Mutex
	buf strings.Builder
}

// Orchestrator coordinates sessions end to end: persistence, workspace,
// agent runs, event log, terminals and the notification bus.
type Orchestrator struct {
	db        database.Store
	events    *eventlog.Log
	ws        *workspace.Manager
	gateway   *Gateway
	terminals TerminalCloser
	bus       messagequeue.Queue
	hub       broadcast.Broadcaster
	log       *slog.Logger
	cfg       OrchestratorConfig

	mu    sync.Mutex
	turns map[string]*turnState // ref key -> in-flight turn buffer
}

// NewOrchestrator creates an Orchestrator. terminals, bus and hub may be nil.
func NewOrchestrator(
	db database.Store,
	events *eventlog.Log,
	ws *workspace.Manager,
	gateway *Gateway,
	terminals TerminalCloser,
	bus messagequeue.Queue,
	hub broadcast.Broadcaster,
	log *slog.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		db:        db,
		events:    events,
		ws:        ws,
		gateway:   gateway,
		terminals: terminals,
		bus:       bus,
		hub:       hub,
		log:       log,
		cfg:       cfg,
		turns:     make(map[string]*turnState),
	}
}

// Create registers a new pending session and its initial user message. The
// repo and identity must already be registered for the owner.
func (o *Orchestrator) Create(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	repo, err := o.db.GetRepo(ctx, req.OwnerID, req.RepoID)
	if err != nil {
		return nil, fmt.Errorf("resolve repo: %w", err)
	}
	if req.IdentityID != "" {
		if _, err := o.db.GetIdentity(ctx, req.OwnerID, req.IdentityID); err != nil {
			return nil, fmt.Errorf("resolve identity: %w", err)
		}
	}

	base := req.BaseBranch
	if base == "" {
		base = repo.DefaultBranch
	}

	now := time.Now().UTC()
	s := &session.Session{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		RepoID:     req.RepoID,
		IdentityID: req.IdentityID,
		RepoURL:    repo.URL,
		BaseBranch: base,
		Prompt:     req.Prompt,
		Status:     session.StatusPending,
		Model:      req.Model,
		Provider:   req.Provider,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.SessionBranch = sessionBranchName(s.ID)

	if err := o.db.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	msg := &session.Message{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Role:      session.RoleUser,
		Content:   req.Prompt,
		CreatedAt: now,
	}
	if err := o.db.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("record prompt: %w", err)
	}
	halotel.Instruments().SessionsActive.Add(ctx, 1)
	return s, nil
}

func sessionBranchName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "halyard/" + short
}

// Get returns the session, owner-scoped.
func (o *Orchestrator) Get(ctx context.Context, ownerID, sessionID string) (*session.Session, error) {
	return o.db.GetSession(ctx, ownerID, sessionID)
}

// List returns the owner's sessions.
func (o *Orchestrator) List(ctx context.Context, ownerID string) ([]session.Session, error) {
	return o.db.ListSessions(ctx, ownerID)
}

// Pin sets or clears the session's pin timestamp.
func (o *Orchestrator) Pin(ctx context.Context, ownerID, sessionID string, pinned bool) error {
	if _, err := o.db.GetSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	var at *time.Time
	if pinned {
		now := time.Now().UTC()
		at = &now
	}
	return o.db.SetSessionPinned(ctx, ownerID, sessionID, at)
}

// SetNotifications sets the session's tri-state notification override.
// nil clears the override back to inherit.
func (o *Orchestrator) SetNotifications(ctx context.Context, ownerID, sessionID string, enabled *bool) error {
	if _, err := o.db.GetSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	return o.db.SetSessionNotifications(ctx, ownerID, sessionID, enabled)
}

// Start moves a pending session to running and launches the agent in the
// background. Workspace preparation failures and provider failures become a
// terminal failed state plus a session:error event; they never propagate as
// a crash.
func (o *Orchestrator) Start(ctx context.Context, ownerID, sessionID string) error {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := s.CanStart(); err != nil {
		return err
	}
	if err := o.setStatus(ctx, s, session.StatusRunning, ""); err != nil {
		return err
	}

	go o.launch(s, s.Prompt)
	return nil
}

// launch prepares the workspace and starts the agent run. Detached from the
// originating request: clones can outlive any sane HTTP timeout.
func (o *Orchestrator) launch(s *session.Session, prompt string) {
	ctx := context.Background()
	ref := s.Ref()

	wsCtx, wsSpan := halotel.StartWorkspaceSpan(ctx, ref, "provision")
	if _, err := o.ws.EnsureBareClone(wsCtx, ref, s.RepoURL); err != nil {
		wsSpan.End()
		o.failSession(ctx, s, fmt.Errorf("prepare clone: %w", err))
		return
	}
	dir, err := o.ws.CreateWorktree(wsCtx, ref, s.BaseBranch, s.SessionBranch, false)
	wsSpan.End()
	if err != nil {
		o.failSession(ctx, s, fmt.Errorf("prepare worktree: %w", err))
		return
	}
	if err := o.db.UpdateSessionBranch(ctx, s.OwnerID, s.ID, s.SessionBranch); err != nil {
		o.log.Warn("record session branch", "session", s.ID, "error", err)
	}

	provider, err := o.providerFor(s.Provider)
	if err != nil {
		o.failSession(ctx, s, err)
		return
	}
	model := s.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	o.mu.Lock()
	o.turns[ref.Key()] = &turnState{}
	o.mu.Unlock()

	_, runSpan := halotel.StartRunSpan(ctx, ref, s.Provider)
	err = o.gateway.StartRun(ref, provider, prompt, dir, model, RunCallbacks{
		OnEvent: func(ev event.SessionEvent) { o.onAgentEvent(s, ev) },
		OnDone: func(err error) {
			runSpan.End()
			o.onRunDone(s, err)
		},
	})
	if err != nil {
		runSpan.End()
		o.failSession(ctx, s, err)
	}
}

func (o *Orchestrator) providerFor(name string) (agentprovider.Provider, error) {
	if name == "" {
		name = o.cfg.DefaultProvider
	}
	p, err := agentprovider.New(name, o.cfg.ProviderConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAgent, err)
	}
	return p, nil
}

// onAgentEvent reacts to the sequenced event stream of a run: accumulates
// turn output and flips session status at turn boundaries.
func (o *Orchestrator) onAgentEvent(s *session.Session, ev event.SessionEvent) {
	ctx := context.Background()
	ref := s.Ref()

	switch ev.Type {
	case event.TypeAgentOutput:
		var p event.OutputPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			if ts := o.turn(ref); ts != nil {
				ts.mu.Lock()
				ts.buf.WriteString(p.Text)
				ts.buf.WriteString("\n")
				ts.mu.Unlock()
			}
		}
	case event.TypeWaitingForInput:
		o.snapshotTurn(ctx, s)
		if err := o.setStatus(ctx, s, session.StatusWaitingForInput, ""); err != nil {
			o.log.Warn("status update", "session", s.ID, "error", err)
		}
	case event.TypeCompleted:
		o.snapshotTurn(ctx, s)
	}
}

// snapshotTurn flushes the current turn: records an assistant message,
// commits the worktree, links the commit to the message and emits a
// session:snapshot event. A turn with no output and a clean tree is skipped.
func (o *Orchestrator) snapshotTurn(ctx context.Context, s *session.Session) {
	ref := s.Ref()
	ts := o.turn(ref)
	if ts == nil {
		return
	}

	ts.mu.Lock()
	text := strings.TrimSpace(ts.buf.String())
	ts.buf.Reset()
	ts.mu.Unlock()

	committed, sha, err := o.ws.Commit(ctx, ref, "agent turn", o.authorFor(ctx, s))
	if err != nil {
		o.log.Warn("snapshot commit", "session", s.ID, "error", err)
	}
	if text == "" && !committed {
		return
	}

	msg := &session.Message{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Role:      session.RoleAssistant,
		Content:   text,
		CommitSHA: sha,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.db.CreateMessage(ctx, msg); err != nil {
		o.log.Warn("record assistant message", "session", s.ID, "error", err)
		return
	}
	if committed {
		if _, err := o.events.Emit(ctx, ref, event.TypeSnapshot, event.SnapshotPayload{
			CommitSHA: sha,
			MessageID: msg.ID,
		}); err != nil {
			o.log.Warn("emit snapshot", "session", s.ID, "error", err)
		}
	}
}

func (o *Orchestrator) authorFor(ctx context.Context, s *session.Session) workspace.Author {
	author := workspace.Author{Name: "halyard", Email: "agent@halyard.dev"}
	if s.IdentityID == "" {
		return author
	}
	id, err := o.db.GetIdentity(ctx, s.OwnerID, s.IdentityID)
	if err != nil {
		o.log.Warn("resolve identity for commit", "session", s.ID, "error", err)
		return author
	}
	if id.GitAuthorName != "" {
		author.Name = id.GitAuthorName
	}
	if id.GitAuthorEmail != "" {
		author.Email = id.GitAuthorEmail
	}
	return author
}

// onRunDone settles the session's final status when the provider returns.
func (o *Orchestrator) onRunDone(s *session.Session, runErr error) {
	ctx := context.Background()
	ref := s.Ref()

	o.mu.Lock()
	delete(o.turns, ref.Key())
	o.mu.Unlock()

	current, err := o.db.GetSession(ctx, s.OwnerID, s.ID)
	if err != nil {
		o.log.Warn("load session after run", "session", s.ID, "error", err)
		return
	}
	// Stop, delete and revert set their own statuses; do not overwrite.
	if current.Status.Terminal() || current.Status == session.StatusReverted {
		return
	}

	if runErr != nil {
		o.failSession(ctx, current, runErr)
		return
	}
	if err := o.setStatus(ctx, current, session.StatusCompleted, ""); err != nil {
		o.log.Warn("status update", "session", s.ID, "error", err)
	}
}

func (o *Orchestrator) failSession(ctx context.Context, s *session.Session, cause error) {
	o.log.Error("session failed", "session", s.ID, "error", cause)
	if _, err := o.events.Emit(ctx, s.Ref(), event.TypeError, event.ErrorPayload{Message: cause.Error()}); err != nil {
		o.log.Warn("emit error event", "session", s.ID, "error", err)
	}
	if err := o.setStatus(ctx, s, session.StatusFailed, cause.Error()); err != nil {
		o.log.Warn("mark failed", "session", s.ID, "error", err)
	}
}

// SendMessage queues user input for the agent. On an idle session with no
// active run it resumes by starting a fresh run with the message as prompt.
func (o *Orchestrator) SendMessage(ctx context.Context, ownerID, sessionID, content string) (*session.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message content is required", domain.ErrValidation)
	}
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.CanSendMessage(); err != nil {
		return nil, err
	}

	msg := &session.Message{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Role:      session.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.db.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}

	ref := s.Ref()
	if o.gateway.IsRunning(ref) {
		if err := o.gateway.Deliver(ref, content); err != nil {
			return nil, err
		}
		if s.Status != session.StatusRunning {
			if err := o.setStatus(ctx, s, session.StatusRunning, ""); err != nil {
				o.log.Warn("status update", "session", s.ID, "error", err)
			}
		}
		return msg, nil
	}

	if err := o.setStatus(ctx, s, session.StatusRunning, ""); err != nil {
		return nil, err
	}
	go o.launch(s, content)
	return msg, nil
}

// Interrupt cooperatively stops the current agent turn.
func (o *Orchestrator) Interrupt(ctx context.Context, ownerID, sessionID string) error {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := s.CanInterrupt(); err != nil {
		return err
	}
	if err := o.gateway.Interrupt(ctx, s.Ref()); err != nil {
		return err
	}
	return o.setStatus(ctx, s, session.StatusIdle, "")
}

// Stop ends the session's agent run and terminals. Stopping an already
// terminal session is the one idempotent no-op in the state machine.
func (o *Orchestrator) Stop(ctx context.Context, ownerID, sessionID string) error {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}

	ref := s.Ref()
	if err := o.gateway.Stop(ctx, ref); err != nil {
		o.log.Warn("gateway stop", "session", s.ID, "error", err)
	}
	if o.terminals != nil {
		o.terminals.KillAllForSession(ref)
	}
	return o.setStatus(ctx, s, session.StatusStopped, "")
}

// Revert rewinds the session to the snapshot referenced by messageID:
// git reset first, and only after that succeeds, truncation of the event log
// and deletion of newer messages. A failed reset leaves everything
// untouched. The session lands in idle, ready for a resume.
func (o *Orchestrator) Revert(ctx context.Context, ownerID, sessionID, messageID string) error {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := s.CanRevert(); err != nil {
		return err
	}

	msg, err := o.db.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return err
	}
	if msg.CommitSHA == "" {
		return fmt.Errorf("%w: message %s has no snapshot commit", domain.ErrValidation, messageID)
	}

	ref := s.Ref()
	snapSeq, err := o.findSnapshotSeq(ctx, ref, msg)
	if err != nil {
		return err
	}

	// Destructive side first. If this fails nothing else is touched.
	if err := o.ws.RevertToCommit(ctx, ref, msg.CommitSHA); err != nil {
		return err
	}

	if _, err := o.events.TruncateAfter(ctx, ref, snapSeq); err != nil {
		// Git state is already rewound; log loudly but do not undo.
		o.log.Error("truncate events after revert", "session", s.ID, "error", err)
	}
	if _, err := o.db.DeleteMessagesAfter(ctx, sessionID, msg.CreatedAt); err != nil {
		o.log.Error("delete messages after revert", "session", s.ID, "error", err)
	}

	if err := o.setStatus(ctx, s, session.StatusReverted, ""); err != nil {
		return err
	}
	return o.setStatus(ctx, s, session.StatusIdle, "")
}

// findSnapshotSeq locates the session:snapshot event for the message's
// commit; everything after it is discarded by the revert.
func (o *Orchestrator) findSnapshotSeq(ctx context.Context, ref session.Ref, msg *session.Message) (int64, error) {
	events, err := o.events.ListSince(ctx, ref, 0)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if ev.Type != event.TypeSnapshot {
			continue
		}
		var p event.SnapshotPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if p.CommitSHA == msg.CommitSHA || p.MessageID == msg.ID {
			return ev.Seq, nil
		}
	}
	return 0, fmt.Errorf("%w: no snapshot event for message %s", domain.ErrNotFound, msg.ID)
}

// Push commits outstanding work (no-op when clean) and pushes the session
// branch. Independent of session lifecycle; allowed on terminal sessions.
func (o *Orchestrator) Push(ctx context.Context, ownerID, sessionID, branch, commitMessage string) (*review.PushResult, error) {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	ref := s.Ref()

	if branch == "" {
		branch = s.SessionBranch
	}
	if commitMessage == "" {
		commitMessage = "halyard: session work"
	}

	ctx, pushSpan := halotel.StartPushSpan(ctx, ref, branch)
	defer pushSpan.End()

	committed, sha, err := o.ws.Commit(ctx, ref, commitMessage, o.authorFor(ctx, s))
	if err != nil {
		return nil, err
	}

	var keyPEM string
	if s.IdentityID != "" {
		if id, idErr := o.db.GetIdentity(ctx, ownerID, s.IdentityID); idErr == nil {
			keyPEM = id.PrivateKey
		}
	}
	if err := o.ws.Push(ctx, ref, branch, keyPEM); err != nil {
		return nil, err
	}
	return &review.PushResult{Branch: branch, Committed: committed, CommitHash: sha}, nil
}

// Messages lists the session's conversation.
func (o *Orchestrator) Messages(ctx context.Context, ownerID, sessionID string) ([]session.Message, error) {
	if _, err := o.db.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return o.db.ListMessages(ctx, sessionID)
}

// Events replays the session's event log after afterSeq.
func (o *Orchestrator) Events(ctx context.Context, ownerID, sessionID string, afterSeq int64) ([]event.SessionEvent, error) {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	return o.events.ListSince(ctx, s.Ref(), afterSeq)
}

// SubscribeEvents attaches a live subscriber to the session's event stream.
func (o *Orchestrator) SubscribeEvents(ctx context.Context, ownerID, sessionID string) (<-chan event.SessionEvent, func(), error) {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return o.events.Subscribe(ctx, s.Ref())
}

// Delete tears the session down completely: run, terminals, worktree, event
// partition, file reviews, messages and the session row.
func (o *Orchestrator) Delete(ctx context.Context, ownerID, sessionID string) error {
	s, err := o.db.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	ref := s.Ref()

	if o.gateway.IsRunning(ref) {
		if err := o.gateway.Stop(ctx, ref); err != nil {
			o.log.Warn("stop run before delete", "session", s.ID, "error", err)
		}
	}
	if o.terminals != nil {
		o.terminals.KillAllForSession(ref)
	}
	if err := o.ws.RemoveWorktree(ctx, ref); err != nil {
		return err
	}
	if err := o.events.Purge(ctx, ref); err != nil {
		o.log.Warn("purge events", "session", s.ID, "error", err)
	}
	if err := o.db.DeleteFileReviewsForSession(ctx, ref); err != nil {
		o.log.Warn("delete file reviews", "session", s.ID, "error", err)
	}
	if err := o.db.DeleteSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	if !s.Status.Terminal() {
		halotel.Instruments().SessionsActive.Add(ctx, -1)
	}
	o.publishUpdate(ctx, ref, "deleted")
	return nil
}

// RecoverStale marks sessions left running or idle by a previous process as
// failed. Called once on startup, before the API accepts traffic.
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	stale, err := o.db.ListStaleSessions(ctx, session.StatusRunning, session.StatusIdle)
	if err != nil {
		return fmt.Errorf("list stale sessions: %w", err)
	}
	for i := range stale {
		s := &stale[i]
		if o.gateway.IsRunning(s.Ref()) {
			continue
		}
		o.log.Info("recovering stale session", "session", s.ID, "status", string(s.Status))
		if _, err := o.events.Emit(ctx, s.Ref(), event.TypeError, event.ErrorPayload{Message: "process restarted"}); err != nil {
			o.log.Warn("emit recovery event", "session", s.ID, "error", err)
		}
		if err := o.setStatus(ctx, s, session.StatusFailed, "process restarted"); err != nil {
			o.log.Warn("mark stale session failed", "session", s.ID, "error", err)
		}
	}
	return nil
}

// Identity returns an owner-scoped identity.
func (o *Orchestrator) Identity(ctx context.Context, ownerID, identityID string) (*identity.Identity, error) {
	return o.db.GetIdentity(ctx, ownerID, identityID)
}

// setStatus persists the transition, emits a session:status event and
// notifies the bus and hub.
func (o *Orchestrator) setStatus(ctx context.Context, s *session.Session, status session.Status, errMsg string) error {
	if err := o.db.UpdateSessionStatus(ctx, s.OwnerID, s.ID, status, errMsg); err != nil {
		return err
	}
	switch {
	case !s.Status.Terminal() && status.Terminal():
		halotel.Instruments().SessionsActive.Add(ctx, -1)
	case s.Status.Terminal() && !status.Terminal():
		halotel.Instruments().SessionsActive.Add(ctx, 1)
	}
	s.Status = status
	s.Error = errMsg

	ref := s.Ref()
	if _, err := o.events.Emit(ctx, ref, event.TypeStatus, event.StatusPayload{Status: string(status)}); err != nil {
		o.log.Warn("emit status event", "session", s.ID, "error", err)
	}
	o.publishUpdate(ctx, ref, string(status))
	return nil
}

func (o *Orchestrator) publishUpdate(ctx context.Context, ref session.Ref, status string) {
	payload := messagequeue.SessionUpdatedPayload{
		OwnerID:   ref.OwnerID,
		RepoID:    ref.RepoID,
		SessionID: ref.SessionID,
		Status:    status,
	}
	if o.bus != nil {
		if data, err := json.Marshal(payload); err == nil {
			subject := messagequeue.SubjectSessionUpdated + "." + ref.OwnerID
			if err := o.bus.Publish(ctx, subject, data); err != nil {
				o.log.Warn("publish session update", "session", ref.SessionID, "error", err)
			}
		}
	}
	if o.hub != nil {
		o.hub.BroadcastEvent(ctx, "session.updated", payload)
	}
}

func (o *Orchestrator) turn(ref session.Ref) *turnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turns[ref.Key()]
}

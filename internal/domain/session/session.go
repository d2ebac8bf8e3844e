// Package session defines the Session domain entity and its status state machine.
package session

import (
	"fmt"
	"path"
	"time"

	"github.com/halyardhq/halyard/internal/domain"
)

// Status represents the current state of a session. Status is the single
// source of truth for which operations are legal.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusIdle            Status = "idle"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusStopped         Status = "stopped"
	StatusReverted        Status = "reverted"
)

// Terminal reports whether s is a terminal status. Terminal sessions accept
// no further agent input, though review and push remain available.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Ref is the composite key that namespaces all per-session state: workspace
// paths, event-log partitions and terminal lookups. Never key by SessionID
// alone — ids may be reused across owners.
type Ref struct {
	OwnerID   string `json:"owner_id"`
	RepoID    string `json:"repo_id"`
	SessionID string `json:"session_id"`
}

// Key returns a stable string form of the ref, usable as a map key.
func (r Ref) Key() string {
	return r.OwnerID + "/" + r.RepoID + "/" + r.SessionID
}

// RepoKey returns the {owner, repo} part of the ref, which scopes the
// shared bare clone.
func (r Ref) RepoKey() string {
	return r.OwnerID + "/" + r.RepoID
}

// WorktreeDir returns the worktree path for this session under root.
func (r Ref) WorktreeDir(root string) string {
	return path.Join(root, r.OwnerID, r.RepoID, "worktrees", r.SessionID)
}

// BareDir returns the shared bare clone path for this session's repo under root.
func (r Ref) BareDir(root string) string {
	return path.Join(root, r.OwnerID, r.RepoID+".git")
}

func (r Ref) String() string { return r.Key() }

// Session represents one delegated coding task bound to a git worktree and
// an agent run.
type Session struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	RepoID               string     `json:"repo_id"`
	IdentityID           string     `json:"identity_id"`
	RepoURL              string     `json:"repo_url"`
	BaseBranch           string     `json:"base_branch"`
	SessionBranch        string     `json:"session_branch,omitempty"`
	Prompt               string     `json:"prompt"`
	Status               Status     `json:"status"`
	Error                string     `json:"error,omitempty"`
	Model                string     `json:"model,omitempty"`
	Provider             string     `json:"provider,omitempty"`
	PinnedAt             *time.Time `json:"pinned_at,omitempty"`
	NotificationsEnabled *bool      `json:"notifications_enabled,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Ref returns the composite key for this session.
func (s *Session) Ref() Ref {
	return Ref{OwnerID: s.OwnerID, RepoID: s.RepoID, SessionID: s.ID}
}

// CreateRequest holds the fields needed to create a session.
type CreateRequest struct {
	OwnerID    string `json:"owner_id"`
	RepoID     string `json:"repo_id"`
	IdentityID string `json:"identity_id"`
	Prompt     string `json:"prompt"`
	BaseBranch string `json:"base_branch"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

// Validate checks required fields.
func (r *CreateRequest) Validate() error {
	switch {
	case r.OwnerID == "":
		return fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	case r.RepoID == "":
		return fmt.Errorf("%w: repo_id is required", domain.ErrValidation)
	case r.Prompt == "":
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	case r.BaseBranch == "":
		return fmt.Errorf("%w: base_branch is required", domain.ErrValidation)
	}
	return nil
}

// --- State machine guards ---
//
// Each guard either returns nil or an ErrInvalidState naming the allowed
// states, so clients can render actionable messages. No operation is ever
// silently a no-op (stop on a terminal session is the one idempotent case
// and is handled by the orchestrator, not here).

// CanStart reports whether Start is legal from the current status.
func (s *Session) CanStart() error {
	if s.Status != StatusPending {
		return invalidState("start", s.Status, StatusPending)
	}
	return nil
}

// CanSendMessage reports whether SendMessage is legal from the current status.
func (s *Session) CanSendMessage() error {
	switch s.Status {
	case StatusRunning, StatusIdle, StatusWaitingForInput:
		return nil
	}
	return invalidState("send message", s.Status, StatusRunning, StatusIdle, StatusWaitingForInput)
}

// CanInterrupt reports whether Interrupt is legal from the current status.
func (s *Session) CanInterrupt() error {
	if s.Status != StatusRunning {
		return invalidState("interrupt", s.Status, StatusRunning)
	}
	return nil
}

// CanStop reports whether Stop is legal from the current status. Stop is
// legal from any non-terminal state.
func (s *Session) CanStop() error {
	if s.Status.Terminal() {
		return invalidState("stop", s.Status,
			StatusPending, StatusRunning, StatusIdle, StatusWaitingForInput, StatusReverted)
	}
	return nil
}

// CanRevert reports whether Revert is legal from the current status.
// A running session must be interrupted or stopped first.
func (s *Session) CanRevert() error {
	if s.Status == StatusRunning || s.Status == StatusPending {
		return invalidState("revert", s.Status,
			StatusIdle, StatusWaitingForInput, StatusCompleted, StatusFailed, StatusStopped, StatusReverted)
	}
	return nil
}

func invalidState(op string, current Status, allowed ...Status) error {
	return fmt.Errorf("%w: cannot %s: session is %s (allowed: %s)",
		domain.ErrInvalidState, op, current, joinStatuses(allowed))
}

func joinStatuses(ss []Status) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += string(s)
	}
	return out
}

// Package agentprovider defines the agent provider port: the uniform
// interface to a pluggable coding-agent backend.
package agentprovider

import (
	"context"

	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// EmitFunc receives every intermediate and final event of a run. The gateway
// wraps it to assign a persisted sequence number before fan-out, so
// providers emit raw typed payloads and never see sequence numbers.
type EmitFunc func(t event.Type, payload any)

// RunRequest describes one agent run.
type RunRequest struct {
	Ref    session.Ref
	Prompt string
	Dir    string // session worktree, the agent's working directory
	Model  string

	// Messages delivers follow-up user input. The provider consumes it at
	// its own pace; producers never block.
	Messages *MessageQueue
}

// Provider is the port interface for one agent backend technology.
// Run drives the agent to completion or interruption and blocks until the
// underlying process or stream is finished.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g. "claude", "mock").
	Name() string

	// Run executes an agent run, invoking emit for every event. It returns
	// when the run reaches a terminal point, is interrupted, or fails.
	Run(ctx context.Context, req RunRequest, emit EmitFunc) error

	// Interrupt cooperatively stops the current turn without killing the
	// process. The provider decides when it has reached a safe point.
	Interrupt(ctx context.Context, sessionID string) error

	// Stop gracefully ends the run.
	Stop(ctx context.Context, sessionID string) error

	// Abort forcefully tears down the underlying process/stream. It must
	// succeed even when the provider's graceful paths hang.
	Abort(sessionID string)

	// IsRunning reports whether a run is active for the session.
	IsRunning(sessionID string) bool
}

// Package messagequeue defines the port for the user-scoped notification bus.
package messagequeue

import "context"

// Subjects for the session notification bus. The per-session fine-grained
// event stream stays in-process (single-node orchestrator); the bus carries
// only coarse session.updated notifications so dashboards can invalidate a
// session list without subscribing to every session's full stream.
const (
	// SubjectSessionUpdated is the publish prefix; the owner id is appended
	// as the final token (sessions.updated.<owner_id>).
	SubjectSessionUpdated = "sessions.updated"

	// SubjectWildcard matches every subject of the stream.
	SubjectWildcard = "sessions.>"
)

// SessionUpdatedPayload is the JSON body published on session status changes.
type SessionUpdatedPayload struct {
	OwnerID   string `json:"owner_id"`
	RepoID    string `json:"repo_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Handler processes one message from the bus.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for the notification bus.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages matching subject.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)

	// Close shuts down the connection.
	Close() error
}

// Package event defines the SessionEvent domain entity for the per-session
// ordered event log.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of session event.
type Type string

const (
	TypeAgentOutput     Type = "agent:output"
	TypeAgentToolUse    Type = "agent:tool_use"
	TypeAgentToolResult Type = "agent:tool_result"
	TypeStatus          Type = "session:status"
	TypeWaitingForInput Type = "session:waiting_for_input"
	TypeCompleted       Type = "session:completed"
	TypeError           Type = "session:error"
	TypeSnapshot        Type = "session:snapshot"
)

// SessionEvent is a single immutable entry in a session's event log. Seq is
// assigned at emission time, unique and strictly increasing per session ref,
// never reused; any two subscribers observe the same total, gap-free order
// starting at 1.
type SessionEvent struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	RepoID    string          `json:"repo_id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutputPayload is the payload of an agent:output event.
type OutputPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload is the payload of an agent:tool_use event.
type ToolUsePayload struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// ToolResultPayload is the payload of an agent:tool_result event.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// StatusPayload is the payload of a session:status event.
type StatusPayload struct {
	Status string `json:"status"`
}

// ErrorPayload is the payload of a session:error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SnapshotPayload is the payload of a session:snapshot event, emitted when a
// turn's work is committed and becomes a revert target.
type SnapshotPayload struct {
	CommitSHA string `json:"commit_sha"`
	MessageID string `json:"message_id,omitempty"`
}

package session

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's conversation. Messages are append-only
// except for revert, which deletes every message strictly after the chosen
// message's timestamp.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CommitSHA string    `json:"commit_sha,omitempty"` // snapshot commit, set when the turn produced one
	CreatedAt time.Time `json:"created_at"`
}

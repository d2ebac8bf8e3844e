// Package eventstore defines the port interface for the append-only
// per-session event store.
package eventstore

import (
	"context"

	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// Store is the port interface for persisting and reading session events.
// Persistence is best-effort relative to live fan-out: the event log calls
// Append asynchronously and only logs failures (see internal/eventlog).
type Store interface {
	// Append persists a new event. The event's Seq has already been
	// assigned by the event log.
	Append(ctx context.Context, ev *event.SessionEvent) error

	// ListSince returns persisted events with Seq strictly greater than
	// afterSeq, ascending. afterSeq 0 returns the full history.
	ListSince(ctx context.Context, ref session.Ref, afterSeq int64) ([]event.SessionEvent, error)

	// MaxSeq returns the highest persisted sequence number for the ref,
	// or 0 when no events exist. Used to seed the in-memory counter once
	// per ref after a process restart.
	MaxSeq(ctx context.Context, ref session.Ref) (int64, error)

	// DeleteAfter removes persisted events with Seq strictly greater than
	// seq. Used by revert, only after the git-level reset succeeded.
	DeleteAfter(ctx context.Context, ref session.Ref, seq int64) (int64, error)

	// DeleteAll removes the ref's entire event partition. Used by session delete.
	DeleteAll(ctx context.Context, ref session.Ref) error
}

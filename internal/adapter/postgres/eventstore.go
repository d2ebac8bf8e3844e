package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// EventStore implements eventstore.Store using PostgreSQL. The table carries
// a unique (owner_id, repo_id, session_id, seq) index so a sequencing bug
// surfaces as a constraint violation instead of silent reordering.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id, owner_id, repo_id, session_id, seq, event_type, payload, created_at`

func scanEvent(sc scannable, ev *event.SessionEvent) error {
	return sc.Scan(&ev.ID, &ev.OwnerID, &ev.RepoID, &ev.SessionID,
		&ev.Seq, &ev.Type, &ev.Payload, &ev.CreatedAt)
}

// Append inserts a new event. The Seq was assigned by the event log.
func (s *EventStore) Append(ctx context.Context, ev *event.SessionEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (id, owner_id, repo_id, session_id, seq, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.OwnerID, ev.RepoID, ev.SessionID, ev.Seq, string(ev.Type), ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event seq %d: %w", ev.Seq, err)
	}
	return nil
}

// ListSince returns persisted events with Seq > afterSeq, ascending.
func (s *EventStore) ListSince(ctx context.Context, ref session.Ref, afterSeq int64) ([]event.SessionEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM session_events
		 WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3 AND seq > $4
		 ORDER BY seq ASC`, eventColumns),
		ref.OwnerID, ref.RepoID, ref.SessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", afterSeq, err)
	}
	defer rows.Close()

	var events []event.SessionEvent
	for rows.Next() {
		var ev event.SessionEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MaxSeq returns the highest persisted sequence for the ref, 0 when empty.
func (s *EventStore) MaxSeq(ctx context.Context, ref session.Ref) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events
		 WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3`,
		ref.OwnerID, ref.RepoID, ref.SessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return max, nil
}

// DeleteAfter removes events with Seq > seq. Used by revert.
func (s *EventStore) DeleteAfter(ctx context.Context, ref session.Ref, seq int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_events
		 WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3 AND seq > $4`,
		ref.OwnerID, ref.RepoID, ref.SessionID, seq)
	if err != nil {
		return 0, fmt.Errorf("delete events after %d: %w", seq, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAll removes the ref's entire event partition. Used by session delete.
func (s *EventStore) DeleteAll(ctx context.Context, ref session.Ref) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_events
		 WHERE owner_id = $1 AND repo_id = $2 AND session_id = $3`,
		ref.OwnerID, ref.RepoID, ref.SessionID)
	if err != nil {
		return fmt.Errorf("delete event partition: %w", err)
	}
	return nil
}

// Package eventlog implements the per-session ordered event log: sequence
// assignment, live fan-out to subscribers and asynchronous persistence.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	halotel "github.com/halyardhq/halyard/internal/adapter/otel"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/port/eventstore"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is detached and must resume via ListSince.
const subscriberBuffer = 256

type subscriber struct {
	ch     chan event.SessionEvent
	closed bool
}

// refState holds the live state of one session ref's log partition.
type refState struct {
	mu     sync.Mutex
	seq    int64
	subs   map[int]*subscriber
	nextID int

	// pending holds events handed to the async persister but not yet
	// confirmed written, so ListSince sees its own writes.
	pending map[int64]event.SessionEvent

	// inflight counts persist goroutines that have not finished their store
	// write. Truncation and purge wait for it to drain before deleting from
	// the store, so a laggard Append cannot land after the delete and
	// resurrect a discarded event under a reused seq.
	inflight int
	flushed  *sync.Cond // signaled when inflight reaches zero; tied to mu
}

// awaitFlushLocked blocks until no persists are in flight. st.mu must be
// held; it is released while waiting.
func (st *refState) awaitFlushLocked() {
	for st.inflight > 0 {
		st.flushed.Wait()
	}
}

// Log assigns gap-free per-ref sequence numbers, fans events out to live
// subscribers synchronously and persists them asynchronously. Persistence is
// best-effort: a failed write is logged and dropped, never blocks emission.
type Log struct {
	store eventstore.Store
	log   *slog.Logger

	seed singleflight.Group

	mu   sync.Mutex
	refs map[string]*refState
}

// New creates an event log backed by store.
func New(store eventstore.Store, log *slog.Logger) *Log {
	return &Log{
		store: store,
		log:   log,
		refs:  make(map[string]*refState),
	}
}

// state returns the refState for ref, seeding its sequence counter from the
// store exactly once per process lifetime. Concurrent first touches of the
// same ref are coalesced so the counter is never seeded twice.
func (l *Log) state(ctx context.Context, ref session.Ref) (*refState, error) {
	key := ref.Key()

	l.mu.Lock()
	if st, ok := l.refs[key]; ok {
		l.mu.Unlock()
		return st, nil
	}
	l.mu.Unlock()

	v, err, _ := l.seed.Do(key, func() (any, error) {
		maxSeq, err := l.store.MaxSeq(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("seed sequence for %s: %w", key, err)
		}
		st := &refState{
			seq:     maxSeq,
			subs:    make(map[int]*subscriber),
			pending: make(map[int64]event.SessionEvent),
		}
		st.flushed = sync.NewCond(&st.mu)
		l.mu.Lock()
		// A concurrent Truncate or Purge may have installed state while we
		// were reading; keep the installed one.
		if existing, ok := l.refs[key]; ok {
			st = existing
		} else {
			l.refs[key] = st
		}
		l.mu.Unlock()
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*refState), nil
}

// Emit assigns the next sequence number, delivers the event to all live
// subscribers in order and schedules persistence. The returned event carries
// the assigned Seq. Marshal failures of the payload are returned; store
// failures are not, they are logged by the background persister.
func (l *Log) Emit(ctx context.Context, ref session.Ref, t event.Type, payload any) (event.SessionEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return event.SessionEvent{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	st, err := l.state(ctx, ref)
	if err != nil {
		return event.SessionEvent{}, err
	}

	st.mu.Lock()
	st.seq++
	ev := event.SessionEvent{
		ID:        uuid.NewString(),
		OwnerID:   ref.OwnerID,
		RepoID:    ref.RepoID,
		SessionID: ref.SessionID,
		Seq:       st.seq,
		Type:      t,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	st.pending[ev.Seq] = ev
	st.inflight++

	for id, sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: detach it rather than stall the log or
			// deliver a gapped stream.
			sub.closed = true
			close(sub.ch)
			delete(st.subs, id)
			l.log.Warn("event subscriber detached, buffer full",
				"ref", ref.Key(), "seq", ev.Seq)
		}
	}
	st.mu.Unlock()

	halotel.Instruments().EventsEmitted.Add(ctx, 1)
	go l.persist(st, ref, ev)

	return ev, nil
}

func (l *Log) persist(st *refState, ref session.Ref, ev event.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := l.store.Append(ctx, &ev)

	st.mu.Lock()
	delete(st.pending, ev.Seq)
	st.inflight--
	if st.inflight == 0 {
		st.flushed.Broadcast()
	}
	st.mu.Unlock()

	if err != nil {
		halotel.Instruments().EventPersistFailures.Add(ctx, 1)
		l.log.Error("event persistence failed",
			"ref", ref.Key(), "seq", ev.Seq, "type", string(ev.Type), "error", err)
	}
}

// Subscribe attaches a live subscriber to ref's stream. Events emitted after
// the call are delivered in sequence order. The returned cancel function
// detaches the subscriber and closes the channel; the channel is also closed
// if the subscriber falls too far behind.
func (l *Log) Subscribe(ctx context.Context, ref session.Ref) (<-chan event.SessionEvent, func(), error) {
	st, err := l.state(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan event.SessionEvent, subscriberBuffer)}

	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.subs[id] = sub
	st.mu.Unlock()

	cancel := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		delete(st.subs, id)
	}
	return sub.ch, cancel, nil
}

// ListSince returns all events with Seq > afterSeq in ascending order,
// merging persisted history with events still in flight to the store.
// afterSeq 0 replays the full log.
func (l *Log) ListSince(ctx context.Context, ref session.Ref, afterSeq int64) ([]event.SessionEvent, error) {
	st, err := l.state(ctx, ref)
	if err != nil {
		return nil, err
	}

	events, err := l.store.ListSince(ctx, ref, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", ref.Key(), err)
	}

	st.mu.Lock()
	if len(st.pending) > 0 {
		seen := make(map[int64]struct{}, len(events))
		for _, ev := range events {
			seen[ev.Seq] = struct{}{}
		}
		for seq, ev := range st.pending {
			if seq <= afterSeq {
				continue
			}
			if _, ok := seen[seq]; ok {
				continue
			}
			events = append(events, ev)
		}
	}
	st.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// MaxSeq returns the current high-water sequence number for ref.
func (l *Log) MaxSeq(ctx context.Context, ref session.Ref) (int64, error) {
	st, err := l.state(ctx, ref)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq, nil
}

// TruncateAfter discards every event with Seq > seq, both persisted and in
// flight, and rewinds the sequence counter so the next Emit produces seq+1.
// Callers must only invoke this after the corresponding workspace state has
// been rewound, so the log never references undone work.
func (l *Log) TruncateAfter(ctx context.Context, ref session.Ref, seq int64) (int64, error) {
	st, err := l.state(ctx, ref)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	if st.seq > seq {
		st.seq = seq
	}
	for s := range st.pending {
		if s > seq {
			delete(st.pending, s)
		}
	}
	// Drain in-flight persists before deleting, so a laggard Append of a
	// discarded event lands first and is swept by the delete instead of
	// surviving it.
	st.awaitFlushLocked()
	st.mu.Unlock()

	removed, err := l.store.DeleteAfter(ctx, ref, seq)
	if err != nil {
		return 0, fmt.Errorf("truncate events for %s after %d: %w", ref.Key(), seq, err)
	}
	return removed, nil
}

// Purge removes the ref's entire log partition and live state. Used when a
// session is deleted. Live subscribers are detached.
func (l *Log) Purge(ctx context.Context, ref session.Ref) error {
	key := ref.Key()

	l.mu.Lock()
	st := l.refs[key]
	delete(l.refs, key)
	l.mu.Unlock()

	if st != nil {
		st.mu.Lock()
		for id, sub := range st.subs {
			sub.closed = true
			close(sub.ch)
			delete(st.subs, id)
		}
		st.pending = make(map[int64]event.SessionEvent)
		st.awaitFlushLocked()
		st.mu.Unlock()
	}

	if err := l.store.DeleteAll(ctx, ref); err != nil {
		return fmt.Errorf("purge events for %s: %w", key, err)
	}
	return nil
}

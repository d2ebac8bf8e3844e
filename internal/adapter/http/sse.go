package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/halyardhq/halyard/internal/domain/event"
)

// sseKeepalive is the comment-frame interval that keeps intermediaries from
// closing an idle stream.
const sseKeepalive = 30 * time.Second

// SessionEvents serves the session's event stream. Without an Accept of
// text/event-stream it returns the replay as a JSON array; with it, it
// replays events after ?after_seq and then tails the live stream. Replay and
// tail are deduplicated on Seq, so a reconnecting client passing its last
// seen seq never misses or re-reads an event.
func (h *Handlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	sessionID := urlParam(r, "id")

	var afterSeq int64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
			return
		}
		afterSeq = v
	}

	if r.Header.Get("Accept") != "text/event-stream" {
		events, err := h.orch.Events(r.Context(), owner, sessionID, afterSeq)
		if err != nil {
			writeDomainError(w, err, "session not found")
			return
		}
		if events == nil {
			events = []event.SessionEvent{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing emitted in between is lost;
	// the seq filter drops the overlap.
	live, cancel, err := h.orch.SubscribeEvents(r.Context(), owner, sessionID)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	defer cancel()

	replay, err := h.orch.Events(r.Context(), owner, sessionID, afterSeq)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastSeq := afterSeq
	for _, ev := range replay {
		if !writeSSE(w, ev) {
			return
		}
		lastSeq = ev.Seq
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				// Detached as a slow subscriber or the partition was purged.
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if !writeSSE(w, ev) {
				return
			}
			lastSeq = ev.Seq
			flusher.Flush()
		}
	}
}

// writeSSE writes one `event: <type>` / `data: <json>` frame.
func writeSSE(w http.ResponseWriter, ev event.SessionEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err == nil
}

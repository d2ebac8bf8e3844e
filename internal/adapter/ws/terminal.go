package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/terminal"
)

// terminalInput is the client-to-server frame for a terminal connection.
// Terminal output flows the other way as raw binary frames.
type terminalInput struct {
	Type string `json:"type"` // "input" or "resize"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// TerminalBridge bridges one WebSocket connection to a live PTY: scrollback
// replay, live output, keystrokes and resizes.
type TerminalBridge struct {
	terms *terminal.Manager
	log   *slog.Logger
}

// NewTerminalBridge creates a terminal WebSocket bridge.
func NewTerminalBridge(terms *terminal.Manager, log *slog.Logger) *TerminalBridge {
	return &TerminalBridge{terms: terms, log: log}
}

// Handle upgrades the request and streams the terminal until either side
// closes. The connection ends when the terminal dies.
func (b *TerminalBridge) Handle(w http.ResponseWriter, r *http.Request, ref session.Ref, terminalID string) {
	snapshot, stream, cancel, err := b.terms.Subscribe(ref, terminalID)
	if err != nil {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}
	defer cancel()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		b.log.Error("terminal websocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	if len(snapshot) > 0 {
		if err := ws.Write(ctx, websocket.MessageBinary, snapshot); err != nil {
			return
		}
	}

	// Output pump: PTY chunks to binary frames.
	go func() {
		defer stop()
		for chunk := range stream {
			if err := ws.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
		// Terminal exited; tell the client before the deferred close.
		_ = ws.Close(websocket.StatusNormalClosure, "terminal exited")
	}()

	// Input pump: JSON frames to PTY writes and resizes.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var in terminalInput
		if err := json.Unmarshal(data, &in); err != nil {
			b.log.Debug("bad terminal frame", "error", err)
			continue
		}
		switch in.Type {
		case "input":
			if err := b.terms.Write(ref, terminalID, []byte(in.Data)); err != nil {
				return
			}
		case "resize":
			if err := b.terms.Resize(ref, terminalID, in.Cols, in.Rows); err != nil {
				return
			}
		}
	}
}

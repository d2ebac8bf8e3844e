package http

import (
	"net/http"

	"github.com/halyardhq/halyard/internal/terminal"
)

// CreateTerminal spawns a shell in the session's worktree.
func (h *Handlers) CreateTerminal(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.Get(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	body, ok := readJSON[struct {
		TerminalID string `json:"terminal_id"`
		Cols       uint16 `json:"cols"`
		Rows       uint16 `json:"rows"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.TerminalID, "terminal_id") {
		return
	}

	info, err := h.terms.Create(r.Context(), s.Ref(), body.TerminalID, body.Cols, body.Rows)
	if err != nil {
		writeDomainError(w, err, "no worktree for session")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// ListTerminals returns the session's live terminals.
func (h *Handlers) ListTerminals(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.Get(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	infos := h.terms.List(s.Ref())
	if infos == nil {
		infos = []terminal.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// KillTerminal ends a terminal. Killing a dead terminal is a no-op.
func (h *Handlers) KillTerminal(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.Get(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	h.terms.Kill(s.Ref(), urlParam(r, "terminalId"))
	w.WriteHeader(http.StatusNoContent)
}

// TerminalWS upgrades to a bidirectional terminal stream.
func (h *Handlers) TerminalWS(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.Get(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	h.bridge.Handle(w, r, s.Ref(), urlParam(r, "terminalId"))
}

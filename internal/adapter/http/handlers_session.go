package http

import (
	"net/http"

	"github.com/halyardhq/halyard/internal/domain/session"
)

// CreateSession registers a new pending session.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.CreateRequest](w, r)
	if !ok {
		return
	}
	req.OwnerID = ownerID(r)

	s, err := h.orch.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "repo or identity not found")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions returns the owner's sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.List(r.Context(), ownerID(r))
	if err != nil {
		writeDomainError(w, err, "sessions not found")
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession returns one session.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.Get(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteSession stops any run, kills terminals and removes all session state.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Delete(r.Context(), ownerID(r), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PinSession sets or clears the session pin.
func (h *Handlers) PinSession(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Pinned bool `json:"pinned"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.orch.Pin(r.Context(), ownerID(r), urlParam(r, "id"), body.Pinned); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetNotifications sets the per-session notification override.
func (h *Handlers) SetNotifications(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Enabled *bool `json:"enabled"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.orch.SetNotifications(r.Context(), ownerID(r), urlParam(r, "id"), body.Enabled); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartSession launches the agent run for a pending session.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Start(r.Context(), ownerID(r), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SendMessage queues a user message for the agent, resuming an idle session.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Content string `json:"content"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.Content, "content") {
		return
	}

	msg, err := h.orch.SendMessage(r.Context(), ownerID(r), urlParam(r, "id"), body.Content)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// ListMessages returns the session's conversation.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.orch.Messages(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// InterruptSession ends the current turn without ending the run.
func (h *Handlers) InterruptSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Interrupt(r.Context(), ownerID(r), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopSession forcibly ends the agent run. Idempotent on terminal sessions.
func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Stop(r.Context(), ownerID(r), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RevertSession rewinds the session to a snapshot message.
func (h *Handlers) RevertSession(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		MessageID string `json:"message_id"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.MessageID, "message_id") {
		return
	}

	if err := h.orch.Revert(r.Context(), ownerID(r), urlParam(r, "id"), body.MessageID); err != nil {
		writeDomainError(w, err, "session or message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushSession commits outstanding changes and pushes the session branch.
func (h *Handlers) PushSession(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Branch  string `json:"branch"`
		Message string `json:"message"`
	}](w, r)
	if !ok {
		return
	}

	result, err := h.orch.Push(r.Context(), ownerID(r), urlParam(r, "id"), body.Branch, body.Message)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

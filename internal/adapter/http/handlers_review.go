package http

import (
	"net/http"
)

// ReviewFiles lists changed files and review marks for a session diff.
func (h *Handlers) ReviewFiles(w http.ResponseWriter, r *http.Request) {
	result, err := h.reviews.Files(r.Context(), ownerID(r), urlParam(r, "id"), r.URL.Query().Get("compare"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReviewDiff returns both sides of one file for side-by-side rendering.
func (h *Handlers) ReviewDiff(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !requireField(w, path, "path") {
		return
	}

	diff, err := h.reviews.Diff(r.Context(), ownerID(r), urlParam(r, "id"), path, r.URL.Query().Get("compare"))
	if err != nil {
		writeDomainError(w, err, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// ReviewBranches lists branches usable as a compare ref.
func (h *Handlers) ReviewBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.reviews.Branches(r.Context(), ownerID(r), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, branches)
}

// MarkReviewed records a file as reviewed at its current content hash.
func (h *Handlers) MarkReviewed(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Path string `json:"path"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.Path, "path") {
		return
	}

	fr, err := h.reviews.Mark(r.Context(), ownerID(r), urlParam(r, "id"), body.Path)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, fr)
}

// UnmarkReviewed removes a review mark. Unknown paths are a no-op.
func (h *Handlers) UnmarkReviewed(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !requireField(w, path, "path") {
		return
	}

	if err := h.reviews.Unmark(r.Context(), ownerID(r), urlParam(r, "id"), path); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

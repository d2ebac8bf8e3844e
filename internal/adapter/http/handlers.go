// Package http provides the REST API, the SSE event stream and the HTTP
// middleware stack.
package http

import (
	"log/slog"
	"net/http"

	"github.com/halyardhq/halyard/internal/adapter/ws"
	"github.com/halyardhq/halyard/internal/service"
	"github.com/halyardhq/halyard/internal/terminal"
)

// HealthCheck reports the status of one backing dependency.
type HealthCheck func() error

// Handlers bundles the services the API fronts.
type Handlers struct {
	orch    *service.Orchestrator
	reviews *service.ReviewService
	terms   *terminal.Manager
	bridge  *ws.TerminalBridge
	hub     *ws.Hub
	log     *slog.Logger
	health  map[string]HealthCheck
}

// NewHandlers creates the handler set. health maps dependency names to
// liveness checks for the health endpoint.
func NewHandlers(
	orch *service.Orchestrator,
	reviews *service.ReviewService,
	terms *terminal.Manager,
	bridge *ws.TerminalBridge,
	hub *ws.Hub,
	log *slog.Logger,
	health map[string]HealthCheck,
) *Handlers {
	return &Handlers{
		orch:    orch,
		reviews: reviews,
		terms:   terms,
		bridge:  bridge,
		hub:     hub,
		log:     log,
		health:  health,
	}
}

// Health reports per-dependency status. Degraded dependencies flip the
// overall status and the HTTP code.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type dependency struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	deps := make(map[string]dependency, len(h.health))
	status := http.StatusOK
	overall := "ok"

	for name, check := range h.health {
		if err := check(); err != nil {
			deps[name] = dependency{Status: "down", Error: err.Error()}
			status = http.StatusServiceUnavailable
			overall = "degraded"
			continue
		}
		deps[name] = dependency{Status: "ok"}
	}

	writeJSON(w, status, map[string]any{
		"status":       overall,
		"dependencies": deps,
	})
}

package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter builds the API router. The health endpoint and the WebSocket
// upgrade sit outside the owner requirement; everything else is owner-scoped.
func NewRouter(h *Handlers, corsOrigin string, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(CORS(corsOrigin))

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireOwner)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Sessions
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Post("/sessions/{id}/pin", h.PinSession)
		r.Post("/sessions/{id}/notifications", h.SetNotifications)

		// Session lifecycle
		r.Post("/sessions/{id}/start", h.StartSession)
		r.Post("/sessions/{id}/messages", h.SendMessage)
		r.Get("/sessions/{id}/messages", h.ListMessages)
		r.Post("/sessions/{id}/interrupt", h.InterruptSession)
		r.Post("/sessions/{id}/stop", h.StopSession)
		r.Post("/sessions/{id}/revert", h.RevertSession)
		r.Post("/sessions/{id}/push", h.PushSession)

		// Event stream: JSON replay or SSE replay+tail
		r.Get("/sessions/{id}/events", h.SessionEvents)

		// Review surface
		r.Get("/sessions/{id}/files", h.ReviewFiles)
		r.Get("/sessions/{id}/diff", h.ReviewDiff)
		r.Get("/sessions/{id}/branches", h.ReviewBranches)
		r.Post("/sessions/{id}/reviews", h.MarkReviewed)
		r.Delete("/sessions/{id}/reviews", h.UnmarkReviewed)

		// Terminals
		r.Post("/sessions/{id}/terminals", h.CreateTerminal)
		r.Get("/sessions/{id}/terminals", h.ListTerminals)
		r.Delete("/sessions/{id}/terminals/{terminalId}", h.KillTerminal)
		r.Get("/sessions/{id}/terminals/{terminalId}/ws", h.TerminalWS)

		// Dashboard notification hub
		r.Get("/ws", h.hub.HandleWS)
	})

	return otelhttp.NewHandler(r, "halyard-api")
}

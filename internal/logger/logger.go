// Package logger provides structured logging setup for halyard.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/halyardhq/halyard/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When cfg.Async is set the handler buffers records and writes them from a
// background worker; the returned Closer flushes on shutdown.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	closer := Closer(nopCloser{})
	if cfg.Async {
		buffer, workers := cfg.Buffer, cfg.Workers
		if buffer <= 0 {
			buffer = 4096
		}
		if workers <= 0 {
			workers = 1
		}
		async := NewAsyncHandler(handler, buffer, workers)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

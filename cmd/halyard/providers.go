package main

import (
	"log/slog"

	"github.com/halyardhq/halyard/internal/adapter/agentmock"
	"github.com/halyardhq/halyard/internal/adapter/claudecli"
	"github.com/halyardhq/halyard/internal/config"
)

// registerProviders registers all agent provider factories. Add new providers
// here as they are implemented.
func registerProviders(_ *config.Config, log *slog.Logger) {
	agentmock.Register()
	claudecli.Register(log)
}

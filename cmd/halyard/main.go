// Command halyard runs the halyard core service: the session orchestration
// API, the event stream and the terminal bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	halhttp "github.com/halyardhq/halyard/internal/adapter/http"
	halmcp "github.com/halyardhq/halyard/internal/adapter/mcp"
	halnats "github.com/halyardhq/halyard/internal/adapter/nats"
	halotel "github.com/halyardhq/halyard/internal/adapter/otel"
	"github.com/halyardhq/halyard/internal/adapter/postgres"
	"github.com/halyardhq/halyard/internal/adapter/ristretto"
	"github.com/halyardhq/halyard/internal/adapter/ws"
	"github.com/halyardhq/halyard/internal/config"
	"github.com/halyardhq/halyard/internal/eventlog"
	"github.com/halyardhq/halyard/internal/git"
	"github.com/halyardhq/halyard/internal/logger"
	"github.com/halyardhq/halyard/internal/secrets"
	"github.com/halyardhq/halyard/internal/service"
	"github.com/halyardhq/halyard/internal/terminal"
	"github.com/halyardhq/halyard/internal/workspace"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"workspace_root", cfg.Workspace.Root,
		"default_provider", cfg.Agent.DefaultProvider,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := halotel.Init(ctx, "halyard-core", cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	bus, err := halnats.Connect(ctx, cfg.NATS.URL, log)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()
	log.Info("nats connected", "url", cfg.NATS.URL)

	// --- Agent providers ---
	vault, err := secrets.NewVault(secrets.EnvLoader("ANTHROPIC_API_KEY"))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	log.Info("secrets loaded",
		"keys", vault.Keys(),
		"anthropic_api_key", vault.Redacted("ANTHROPIC_API_KEY"),
	)
	registerProviders(cfg, log)

	// --- Services ---
	db := postgres.NewStore(pool)
	events := eventlog.New(postgres.NewEventStore(pool), log)
	gitPool := git.NewPool(cfg.Workspace.MaxConcurrent)
	wsm := workspace.New(cfg.Workspace.Root, gitPool, log, cfg.Workspace.CloneTimeout)
	gateway := service.NewGateway(events, log, cfg.Agent.StopTimeout, cfg.Agent.AbortTimeout)

	hub := ws.NewHub(log)
	terms := terminal.NewManager(cfg.Terminal, wsm, log)
	defer terms.Close()
	bridge := ws.NewTerminalBridge(terms, log)

	orch := service.NewOrchestrator(db, events, wsm, gateway, terms, bus, hub, log, service.OrchestratorConfig{
		DefaultProvider: cfg.Agent.DefaultProvider,
		DefaultModel:    cfg.Agent.DefaultModel,
		ProviderConfig: map[string]string{
			"command": cfg.Agent.Command,
			"api_key": vault.Get("ANTHROPIC_API_KEY"),
		},
	})

	diffCache, err := ristretto.NewHashCache(4096, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("diff cache: %w", err)
	}
	defer diffCache.Close()
	reviews := service.NewReviewService(db, wsm, diffCache, log)

	// Sessions left running by a previous process are unrecoverable.
	if err := orch.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale sessions: %w", err)
	}

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpSrv := halmcp.NewServer(
			halmcp.ServerConfig{
				Addr:    cfg.MCP.Addr,
				Name:    "halyard",
				Version: "0.1.0",
				APIKey:  cfg.MCP.APIKey,
			},
			halmcp.ServerDeps{Sessions: orch},
			log,
		)
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mcpSrv.Stop(stopCtx)
		}()
	}

	// --- HTTP ---
	health := map[string]halhttp.HealthCheck{
		"postgres": func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
		"nats": func() error {
			if !bus.Healthy() {
				return errors.New("nats connection down")
			}
			return nil
		},
	}

	handlers := halhttp.NewHandlers(orch, reviews, terms, bridge, hub, log, health)
	var router http.Handler = halhttp.NewRouter(handlers, cfg.Server.CORSOrigin, log)

	if cfg.Server.RateLimitRPS > 0 {
		limiter := halhttp.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		router = limiter.Handler(router)
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No global write timeout: SSE streams and terminal WebSockets are
		// long-lived.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

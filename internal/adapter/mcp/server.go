// Package mcp exposes session orchestration as Model Context Protocol tools,
// so agents running outside halyard can create and drive sessions.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// SessionAPI is the narrow slice of the orchestrator the MCP tools need.
type SessionAPI interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	Get(ctx context.Context, ownerID, sessionID string) (*session.Session, error)
	List(ctx context.Context, ownerID string) ([]session.Session, error)
	Start(ctx context.Context, ownerID, sessionID string) error
	SendMessage(ctx context.Context, ownerID, sessionID, content string) (*session.Message, error)
	Events(ctx context.Context, ownerID, sessionID string, afterSeq int64) ([]event.SessionEvent, error)
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps carries the dependencies the tools and resources call into.
type ServerDeps struct {
	Sessions SessionAPI
}

// Server wraps an mcp-go server with halyard's session tools registered.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	log       *slog.Logger
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(true, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server, mainly for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves the streamable HTTP transport on the configured address.
// Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer)

	var handler http.Handler = streamable
	if s.cfg.APIKey != "" {
		handler = AuthMiddleware(s.cfg.APIKey, handler)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the transport down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

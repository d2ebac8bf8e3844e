package mcp

import (
	"context"
	"encoding/json"
	"sort"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/halyardhq/halyard/internal/port/agentprovider"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"halyard://providers",
			"Agent Providers",
			mcplib.WithResourceDescription("Names of the registered agent providers"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProvidersResource,
	)
}

func (s *Server) handleProvidersResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	names := agentprovider.Available()
	sort.Strings(names)
	data, err := json.Marshal(names)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/halyardhq/halyard/internal/domain/session"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.createSessionTool(),
		s.getSessionTool(),
		s.listSessionsTool(),
		s.startSessionTool(),
		s.sendMessageTool(),
		s.getEventsTool(),
	)
}

func (s *Server) createSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("create_session",
		mcplib.WithDescription("Create a pending coding session against a registered repo"),
		mcplib.WithString("owner_id",
			mcplib.Required(),
			mcplib.Description("Owner the session belongs to"),
		),
		mcplib.WithString("repo_id",
			mcplib.Required(),
			mcplib.Description("Registered repo to work in"),
		),
		mcplib.WithString("prompt",
			mcplib.Required(),
			mcplib.Description("The task for the agent"),
		),
		mcplib.WithString("base_branch",
			mcplib.Description("Branch to fork from; defaults to the repo's default branch"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCreateSession}
}

func (s *Server) getSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session",
		mcplib.WithDescription("Get a session's current state by ID"),
		mcplib.WithString("owner_id",
			mcplib.Required(),
			mcplib.Description("Owner the session belongs to"),
		),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetSession}
}

func (s *Server) listSessionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_sessions",
		mcplib.WithDescription("List all sessions of an owner"),
		mcplib.WithString("owner_id",
			mcplib.Required(),
			mcplib.Description("Owner whose sessions to list"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListSessions}
}

func (s *Server) startSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("start_session",
		mcplib.WithDescription("Start the agent run for a pending session"),
		mcplib.WithString("owner_id",
			mcplib.Required(),
			mcplib.Description("Owner the session belongs to"),
		),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session to start"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleStartSession}
}

func (s *Server) sendMessageTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("send_message",
		mcplib.WithDescription("Send a user message to a running, idle or waiting session"),
		mcplib.WithString("owner_id",
			mcplib.Required(),
			mcplib.Description("Owner the session belongs to"),
		),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session to message"),
		),
		mcplib.WithString("content",
			mcplib.Required(),
			mcplib.Description("The message content"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSendMessage}
}

func (s *Server) getEventsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_events",
		mcplib.WithDescription("Replay a session's ordered event log after a sequence number"),
		mcplib.WithString("owner_id",
			mcplib.Required(),
			mcplib.Description("Owner the session belongs to"),
		),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session whose events to read"),
		),
		mcplib.WithNumber("after_seq",
			mcplib.Description("Replay only events with seq greater than this; 0 replays everything"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetEvents}
}

func (s *Server) handleCreateSession(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session api not configured"), nil
	}
	args := req.GetArguments()
	ownerID, _ := args["owner_id"].(string)
	repoID, _ := args["repo_id"].(string)
	prompt, _ := args["prompt"].(string)
	baseBranch, _ := args["base_branch"].(string)
	if ownerID == "" || repoID == "" || prompt == "" {
		return mcplib.NewToolResultError("owner_id, repo_id and prompt are required"), nil
	}

	created, err := s.deps.Sessions.Create(ctx, session.CreateRequest{
		OwnerID:    ownerID,
		RepoID:     repoID,
		Prompt:     prompt,
		BaseBranch: baseBranch,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to create session", err), nil
	}
	return marshalResult(created)
}

func (s *Server) handleGetSession(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session api not configured"), nil
	}
	ownerID, sessionID, errResult := ownerSession(req)
	if errResult != nil {
		return errResult, nil
	}

	found, err := s.deps.Sessions.Get(ctx, ownerID, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get session %s", sessionID), err,
		), nil
	}
	return marshalResult(found)
}

func (s *Server) handleListSessions(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session api not configured"), nil
	}
	ownerID, _ := req.GetArguments()["owner_id"].(string)
	if ownerID == "" {
		return mcplib.NewToolResultError("owner_id is required"), nil
	}

	sessions, err := s.deps.Sessions.List(ctx, ownerID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list sessions", err), nil
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	return marshalResult(sessions)
}

func (s *Server) handleStartSession(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session api not configured"), nil
	}
	ownerID, sessionID, errResult := ownerSession(req)
	if errResult != nil {
		return errResult, nil
	}

	if err := s.deps.Sessions.Start(ctx, ownerID, sessionID); err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to start session %s", sessionID), err,
		), nil
	}
	return mcplib.NewToolResultText(`{"status":"running"}`), nil
}

func (s *Server) handleSendMessage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session api not configured"), nil
	}
	ownerID, sessionID, errResult := ownerSession(req)
	if errResult != nil {
		return errResult, nil
	}
	content, _ := req.GetArguments()["content"].(string)
	if content == "" {
		return mcplib.NewToolResultError("content is required"), nil
	}

	msg, err := s.deps.Sessions.SendMessage(ctx, ownerID, sessionID, content)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to send message", err), nil
	}
	return marshalResult(msg)
}

func (s *Server) handleGetEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session api not configured"), nil
	}
	ownerID, sessionID, errResult := ownerSession(req)
	if errResult != nil {
		return errResult, nil
	}
	var afterSeq int64
	if v, ok := req.GetArguments()["after_seq"].(float64); ok {
		afterSeq = int64(v)
	}

	events, err := s.deps.Sessions.Events(ctx, ownerID, sessionID, afterSeq)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list events", err), nil
	}
	return marshalResult(events)
}

// ownerSession extracts the two arguments every session-scoped tool shares.
func ownerSession(req mcplib.CallToolRequest) (ownerID, sessionID string, errResult *mcplib.CallToolResult) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	ownerID, _ = args["owner_id"].(string)
	sessionID, _ = args["session_id"].(string)
	if ownerID == "" || sessionID == "" {
		return "", "", mcplib.NewToolResultError("owner_id and session_id are required")
	}
	return ownerID, sessionID, nil
}

func marshalResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

// Package claudecli implements the agent provider port on top of the Claude
// Code CLI. Each turn spawns the CLI in streaming JSON mode inside the
// session worktree; stdout is NDJSON, one event per line. Follow-up messages
// resume the CLI conversation with --continue.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/port/agentprovider"
)

const providerName = "claude"

// Register registers the Claude CLI provider factory. Config keys:
// "command" overrides the CLI binary (default "claude"), "api_key" is
// injected into the subprocess environment when set.
func Register(log *slog.Logger) {
	agentprovider.Register(providerName, func(cfg map[string]string) (agentprovider.Provider, error) {
		command := cfg["command"]
		if command == "" {
			command = "claude"
		}
		p := New(command, log)
		p.apiKey = cfg["api_key"]
		return p, nil
	})
}

type run struct {
	mu     sync.Mutex
	cmd    *exec.Cmd // current turn's process, nil between turns
	abort  context.CancelFunc
	stop   context.CancelFunc
	seenID bool
}

// Provider drives the Claude Code CLI as a subprocess per turn.
type Provider struct {
	command string
	apiKey  string // overrides the ambient credential when set
	log     *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a Claude CLI provider using the given binary.
func New(command string, log *slog.Logger) *Provider {
	return &Provider{command: command, log: log, runs: make(map[string]*run)}
}

// Name returns "claude".
func (p *Provider) Name() string { return providerName }

// Run executes turns until the conversation completes, is stopped, or fails.
func (p *Provider) Run(ctx context.Context, req agentprovider.RunRequest, emit agentprovider.EmitFunc) error {
	runCtx, abort := context.WithCancel(ctx)
	stopCtx, stop := context.WithCancel(runCtx)
	defer abort()
	defer stop()

	r := &run{abort: abort, stop: stop}

	p.mu.Lock()
	if _, exists := p.runs[req.Ref.SessionID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: run already active for %s", domain.ErrAgent, req.Ref.SessionID)
	}
	p.runs[req.Ref.SessionID] = r
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.runs, req.Ref.SessionID)
		p.mu.Unlock()
	}()

	input := req.Prompt
	resume := false
	for {
		if err := p.turn(stopCtx, r, req, input, resume, emit); err != nil {
			if stopCtx.Err() != nil {
				// Stopped or aborted mid-turn. Not a failure.
				return nil
			}
			emit(event.TypeError, event.ErrorPayload{Message: err.Error()})
			return fmt.Errorf("%w: %v", domain.ErrAgent, err)
		}
		resume = true

		emit(event.TypeWaitingForInput, event.StatusPayload{Status: "waiting_for_input"})

		next, err := req.Messages.Pop(stopCtx)
		switch {
		case errors.Is(err, agentprovider.ErrQueueClosed):
			emit(event.TypeCompleted, event.StatusPayload{Status: "completed"})
			return nil
		case err != nil:
			return nil
		}
		input = next
	}
}

// streamLine is one NDJSON line of the CLI's stream-json output.
type streamLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message *streamMessage  `json:"message,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (p *Provider) turn(ctx context.Context, r *run, req agentprovider.RunRequest, input string, resume bool, emit agentprovider.EmitFunc) error {
	args := []string{"-p", input, "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if resume {
		args = append(args, "--continue")
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()
	if p.apiKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+p.apiKey)
	}
	// Own process group so abort can kill the CLI and anything it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.command, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cmd = nil
		r.mu.Unlock()
	}()

	var resultErr string
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var sl streamLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			p.log.Debug("unparseable agent output line", "session", req.Ref.SessionID)
			continue
		}
		if sl.Type == "result" && sl.IsError {
			resultErr = sl.Result
			if resultErr == "" {
				resultErr = sl.Subtype
			}
		}
		p.emitLine(sl, emit)
	}
	scanErr := sc.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("agent exited: %s", msg)
	}
	if scanErr != nil {
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	if resultErr != "" {
		return fmt.Errorf("agent reported error: %s", resultErr)
	}
	return nil
}

func (p *Provider) emitLine(sl streamLine, emit agentprovider.EmitFunc) {
	if sl.Message == nil {
		return
	}
	for _, block := range sl.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				emit(event.TypeAgentOutput, event.OutputPayload{Text: block.Text})
			}
		case "tool_use":
			emit(event.TypeAgentToolUse, event.ToolUsePayload{
				Tool:  block.Name,
				Input: block.Input,
				ID:    block.ID,
			})
		case "tool_result":
			emit(event.TypeAgentToolResult, event.ToolResultPayload{
				ToolUseID: block.ToolUseID,
				Output:    string(block.Content),
				IsError:   block.IsError,
			})
		}
	}
}

// Interrupt sends SIGINT to the current turn's process so the CLI can wind
// down at a safe point. Between turns it is a no-op.
func (p *Provider) Interrupt(_ context.Context, sessionID string) error {
	r, ok := p.get(sessionID)
	if !ok {
		return fmt.Errorf("%w: no active run for %s", domain.ErrAgent, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil && r.cmd.Process != nil {
		if err := r.cmd.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("%w: interrupt: %v", domain.ErrAgent, err)
		}
	}
	return nil
}

// Stop cancels the run. The in-flight turn's process receives the context
// kill; queued messages are abandoned.
func (p *Provider) Stop(_ context.Context, sessionID string) error {
	r, ok := p.get(sessionID)
	if !ok {
		return fmt.Errorf("%w: no active run for %s", domain.ErrAgent, sessionID)
	}
	r.stop()
	return nil
}

// Abort kills the process group unconditionally. Idempotent, and safe even
// when the graceful paths hang.
func (p *Provider) Abort(sessionID string) {
	r, ok := p.get(sessionID)
	if !ok {
		return
	}
	r.abort()
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// IsRunning reports whether a run is active for the session.
func (p *Provider) IsRunning(sessionID string) bool {
	_, ok := p.get(sessionID)
	return ok
}

func (p *Provider) get(sessionID string) (*run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[sessionID]
	return r, ok
}

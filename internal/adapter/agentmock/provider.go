// Package agentmock implements a deterministic in-process agent provider
// used in tests and local development. It echoes prompts and messages as
// output events and honors the full interrupt/stop/abort surface.
package agentmock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/port/agentprovider"
)

const providerName = "mock"

// Register registers the mock provider factory.
func Register() {
	agentprovider.Register(providerName, func(cfg map[string]string) (agentprovider.Provider, error) {
		p := New()
		if d := cfg["turn_delay"]; d != "" {
			delay, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("agentmock: bad turn_delay %q: %w", d, err)
			}
			p.TurnDelay = delay
		}
		return p, nil
	})
}

type run struct {
	abort     context.CancelFunc
	stop      context.CancelFunc
	interrupt chan struct{}
}

// Provider is a scriptable mock agent. A prompt or message containing "fail"
// makes the run return an agent error; one containing "complete" ends the
// run successfully. Everything else is echoed and the run waits for the next
// message.
type Provider struct {
	// TurnDelay stretches each turn so interrupt paths are observable.
	TurnDelay time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a mock provider.
func New() *Provider {
	return &Provider{runs: make(map[string]*run)}
}

// Name returns "mock".
func (p *Provider) Name() string { return providerName }

// Run executes the scripted conversation loop.
func (p *Provider) Run(ctx context.Context, req agentprovider.RunRequest, emit agentprovider.EmitFunc) error {
	runCtx, abort := context.WithCancel(ctx)
	stopCtx, stop := context.WithCancel(runCtx)
	defer abort()
	defer stop()

	r := &run{abort: abort, stop: stop, interrupt: make(chan struct{}, 1)}

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
	for {
		done, err := p.turn(stopCtx, r, input, emit)
		if err != nil {
			return err
		}
		if done {
			emit(event.TypeCompleted, event.StatusPayload{Status: "completed"})
			return nil
		}

		emit(event.TypeWaitingForInput, event.StatusPayload{Status: "waiting_for_input"})

		next, err := req.Messages.Pop(stopCtx)
		switch {
		case errors.Is(err, agentprovider.ErrQueueClosed):
			emit(event.TypeCompleted, event.StatusPayload{Status: "completed"})
			return nil
		case err != nil:
			// Stopped or aborted while waiting. Not a failure.
			return nil
		}
		input = next
	}
}

// turn emits the scripted response for one input. done reports that the
// conversation should end.
func (p *Provider) turn(ctx context.Context, r *run, input string, emit agentprovider.EmitFunc) (done bool, err error) {
	if p.TurnDelay > 0 {
		select {
		case <-ctx.Done():
			return false, nil
		case <-r.interrupt:
			return false, nil
		case <-time.After(p.TurnDelay):
		}
	}

	if strings.Contains(input, "fail") {
		emit(event.TypeError, event.ErrorPayload{Message: "mock failure requested"})
		return false, fmt.Errorf("%w: mock failure requested", domain.ErrAgent)
	}

	emit(event.TypeAgentOutput, event.OutputPayload{Text: "mock: " + input})
	return strings.Contains(input, "complete"), nil
}

// Interrupt ends the current turn without ending the run.
func (p *Provider) Interrupt(_ context.Context, sessionID string) error {
	p.mu.Lock()
	r, ok := p.runs[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no active run for %s", domain.ErrAgent, sessionID)
	}
	select {
	case r.interrupt <- struct{}{}:
	default:
	}
	return nil
}

// Stop gracefully ends the run.
func (p *Provider) Stop(_ context.Context, sessionID string) error {
	p.mu.Lock()
	r, ok := p.runs[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no active run for %s", domain.ErrAgent, sessionID)
	}
	r.stop()
	return nil
}

// Abort forcefully tears the run down. Idempotent.
func (p *Provider) Abort(sessionID string) {
	p.mu.Lock()
	r, ok := p.runs[sessionID]
	p.mu.Unlock()
	if ok {
		r.abort()
	}
}

// IsRunning reports whether a run is active for the session.
func (p *Provider) IsRunning(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[sessionID]
	return ok
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/eventlog"
	"github.com/halyardhq/halyard/internal/port/agentprovider"
)

// activeRun tracks one in-flight agent run.
type activeRun struct {
	ref      session.Ref
	provider agentprovider.Provider
	queue    *agentprovider.MessageQueue
	cancel   context.CancelFunc
	done     chan struct{}
}

// RunCallbacks lets the orchestrator observe a run it started. OnEvent fires
// for every sequenced event, after log fan-out; OnDone fires exactly once
// when the provider returns, with its error.
type RunCallbacks struct {
	OnEvent func(ev event.SessionEvent)
	OnDone  func(err error)
}

// Gateway owns the agent side of a session: starting provider runs, wrapping
// their event callbacks so every event gets a sequence number from the event
// log before fan-out, delivering user messages into the per-session queue,
// and enforcing the bounded stop-then-abort shutdown path.
type Gateway struct {
	events       *eventlog.Log
	log          *slog.Logger
	stopTimeout  time.Duration
	abortTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*activeRun
}

// NewGateway creates a Gateway.
func NewGateway(events *eventlog.Log, log *slog.Logger, stopTimeout, abortTimeout time.Duration) *Gateway {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	if abortTimeout <= 0 {
		abortTimeout = 5 * time.Second
	}
	return &Gateway{
		events:       events,
		log:          log,
		stopTimeout:  stopTimeout,
		abortTimeout: abortTimeout,
		runs:         make(map[string]*activeRun),
	}
}

// StartRun launches provider.Run in the background for ref. The run detaches
// from the caller's context; it ends through provider completion, Stop, or
// Abort. Fails if a run is already active for ref.
func (g *Gateway) StartRun(ref session.Ref, provider agentprovider.Provider, prompt, dir, model string, cb RunCallbacks) error {
	runCtx, cancel := context.WithCancel(context.Background())

	r := &activeRun{
		ref:      ref,
		provider: provider,
		queue:    agentprovider.NewMessageQueue(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	if _, exists := g.runs[ref.Key()]; exists {
		g.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: run already active for %s", domain.ErrInvalidState, ref.Key())
	}
	g.runs[ref.Key()] = r
	g.mu.Unlock()

	emit := func(t event.Type, payload any) {
		ev, err := g.events.Emit(runCtx, ref, t, payload)
		if err != nil {
			g.log.Error("emit agent event", "ref", ref.Key(), "type", string(t), "error", err)
			return
		}
		if cb.OnEvent != nil {
			cb.OnEvent(ev)
		}
	}

	req := agentprovider.RunRequest{
		Ref:      ref,
		Prompt:   prompt,
		Dir:      dir,
		Model:    model,
		Messages: r.queue,
	}

	go func() {
		defer cancel()
		err := provider.Run(runCtx, req, emit)

		g.mu.Lock()
		delete(g.runs, ref.Key())
		g.mu.Unlock()
		close(r.done)

		if err != nil {
			g.log.Warn("agent run ended with error", "ref", ref.Key(), "error", err)
		}
		if cb.OnDone != nil {
			cb.OnDone(err)
		}
	}()

	return nil
}

// Deliver pushes a user message into the run's queue. Producers never block;
// the running agent loop consumes at its own pace.
func (g *Gateway) Deliver(ref session.Ref, text string) error {
	r, ok := g.get(ref)
	if !ok {
		return fmt.Errorf("%w: no active run for %s", domain.ErrInvalidState, ref.Key())
	}
	r.queue.Push(text)
	return nil
}

// Interrupt cooperatively stops the run's current turn.
func (g *Gateway) Interrupt(ctx context.Context, ref session.Ref) error {
	r, ok := g.get(ref)
	if !ok {
		return fmt.Errorf("%w: no active run for %s", domain.ErrInvalidState, ref.Key())
	}
	if err := r.provider.Interrupt(ctx, ref.SessionID); err != nil {
		return fmt.Errorf("interrupt %s: %w", ref.Key(), err)
	}
	return nil
}

// Stop ends the run: graceful provider stop first, then a bounded wait, then
// escalation to Abort, then a second bounded wait with an unconditional
// context kill at the end. Stop never hangs on a wedged provider. A ref with
// no active run is a no-op.
func (g *Gateway) Stop(ctx context.Context, ref session.Ref) error {
	r, ok := g.get(ref)
	if !ok {
		return nil
	}

	r.queue.Close()
	if err := r.provider.Stop(ctx, ref.SessionID); err != nil {
		g.log.Warn("graceful stop failed, escalating", "ref", ref.Key(), "error", err)
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(g.stopTimeout):
	}

	g.log.Warn("stop timed out, aborting run", "ref", ref.Key())
	r.provider.Abort(ref.SessionID)

	select {
	case <-r.done:
		return nil
	case <-time.After(g.abortTimeout):
	}

	// Last resort: cancel the run context so the goroutine unwinds even if
	// the provider ignored Abort.
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-time.After(g.abortTimeout):
		return fmt.Errorf("%w: run for %s did not terminate", domain.ErrAgent, ref.Key())
	}
}

// IsRunning reports whether a run is active for ref.
func (g *Gateway) IsRunning(ref session.Ref) bool {
	_, ok := g.get(ref)
	return ok
}

// Wait blocks until the run for ref ends, or returns immediately when no run
// is active.
func (g *Gateway) Wait(ref session.Ref) {
	r, ok := g.get(ref)
	if !ok {
		return
	}
	<-r.done
}

func (g *Gateway) get(ref session.Ref) (*activeRun, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[ref.Key()]
	return r, ok
}

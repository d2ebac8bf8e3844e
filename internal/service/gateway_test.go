package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/halyardhq/halyard/internal/adapter/agentmock"
	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/event"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/eventlog"
	"github.com/halyardhq/halyard/internal/port/agentprovider"
	"github.com/halyardhq/halyard/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T) (*service.Gateway, *eventlog.Log) {
	t.Helper()
	events := eventlog.New(newMemEventStore(), discardLogger())
	return service.NewGateway(events, discardLogger(), 200*time.Millisecond, 200*time.Millisecond), events
}

func gwRef() session.Ref {
	return session.Ref{OwnerID: "alice", RepoID: "api", SessionID: "s1"}
}

func TestGateway_RunEventsGetSequenced(t *testing.T) {
	g, _ := newGateway(t)
	ref := gwRef()

	var mu sync.Mutex
	var seqs []int64
	done := make(chan error, 1)

	err := g.StartRun(ref, agentmock.New(), "please complete", "/tmp", "", service.RunCallbacks{
		OnEvent: func(ev event.SessionEvent) {
			mu.Lock()
			seqs = append(seqs, ev.Seq)
			mu.Unlock()
		},
		OnDone: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) == 0 {
		t.Fatal("no events observed")
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("seqs = %v, want 1..%d gap-free", seqs, len(seqs))
		}
	}
}

func TestGateway_DuplicateStartRejected(t *testing.T) {
	g, _ := newGateway(t)
	ref := gwRef()

	done := make(chan error, 1)
	if err := g.StartRun(ref, agentmock.New(), "hello", "/tmp", "", service.RunCallbacks{
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	err := g.StartRun(ref, agentmock.New(), "again", "/tmp", "", service.RunCallbacks{})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("duplicate StartRun err = %v, want ErrInvalidState", err)
	}

	if err := g.Stop(context.Background(), ref); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-done
}

func TestGateway_DeliverFeedsRunningAgent(t *testing.T) {
	g, _ := newGateway(t)
	ref := gwRef()

	var mu sync.Mutex
	var outputs []string
	done := make(chan error, 1)

	if err := g.StartRun(ref, agentmock.New(), "hello", "/tmp", "", service.RunCallbacks{
		OnEvent: func(ev event.SessionEvent) {
			if ev.Type == event.TypeAgentOutput {
				mu.Lock()
				outputs = append(outputs, string(ev.Payload))
				mu.Unlock()
			}
		},
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitActive(t, g, ref)
	if err := g.Deliver(ref, "now complete"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after delivered message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outputs) != 2 {
		t.Errorf("outputs = %d, want 2 (prompt + delivered message)", len(outputs))
	}
}

func TestGateway_DeliverWithoutRunFails(t *testing.T) {
	g, _ := newGateway(t)
	if err := g.Deliver(gwRef(), "hello"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestGateway_StopIsNoopWithoutRun(t *testing.T) {
	g, _ := newGateway(t)
	if err := g.Stop(context.Background(), gwRef()); err != nil {
		t.Errorf("Stop without run: %v", err)
	}
}

func TestGateway_StopCutsLongTurnQuickly(t *testing.T) {
	g, _ := newGateway(t)
	ref := gwRef()

	p := agentmock.New()
	p.TurnDelay = 30 * time.Second

	done := make(chan error, 1)
	if err := g.StartRun(ref, p, "slow", "/tmp", "", service.RunCallbacks{
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitActive(t, g, ref)

	start := time.Now()
	if err := g.Stop(context.Background(), ref); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, want bounded by stop+abort timeouts", elapsed)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run goroutine leaked after Stop")
	}
	if g.IsRunning(ref) {
		t.Error("still tracked after Stop")
	}
}

// stubbornProvider ignores graceful stop and only dies when its run context
// is cancelled, forcing the gateway through the full abort escalation.
type stubbornProvider struct {
	aborted chan struct{}
}

func (s *stubbornProvider) Name() string { return "stubborn" }

func (s *stubbornProvider) Run(ctx context.Context, _ agentprovider.RunRequest, _ agentprovider.EmitFunc) error {
	select {
	case <-s.aborted:
	case <-ctx.Done():
	}
	return nil
}

func (s *stubbornProvider) Interrupt(context.Context, string) error { return nil }
func (s *stubbornProvider) Stop(context.Context, string) error     { return nil }
func (s *stubbornProvider) IsRunning(string) bool                  { return true }

func (s *stubbornProvider) Abort(string) {
	select {
	case <-s.aborted:
	default:
		close(s.aborted)
	}
}

func TestGateway_StopEscalatesToAbort(t *testing.T) {
	g, _ := newGateway(t)
	ref := gwRef()
	p := &stubbornProvider{aborted: make(chan struct{})}

	done := make(chan error, 1)
	if err := g.StartRun(ref, p, "x", "/tmp", "", service.RunCallbacks{
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitActive(t, g, ref)

	if err := g.Stop(context.Background(), ref); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-p.aborted:
	default:
		t.Error("Abort was never invoked")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not end after abort")
	}
}

func TestGateway_InterruptRequiresRun(t *testing.T) {
	g, _ := newGateway(t)
	if err := g.Interrupt(context.Background(), gwRef()); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func waitActive(t *testing.T, g *service.Gateway, ref session.Ref) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.IsRunning(ref) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never became active")
}

// Package terminal manages interactive PTY shells rooted in a session's
// worktree. Terminals live alongside the agent run but independently of it:
// they are created on demand, killed on session stop or delete, and their
// output is a subscribable live byte stream that is never persisted.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	halotel "github.com/halyardhq/halyard/internal/adapter/otel"
	"github.com/halyardhq/halyard/internal/config"
	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/session"
)

// subscriberBuffer is the per-subscriber chunk buffer. A subscriber that
// falls this far behind is detached; terminal output has no replay, so
// there is nothing to resume from.
const subscriberBuffer = 256

// WorktreeLocator resolves the worktree directory a terminal is rooted in.
// Implemented by the workspace manager.
type WorktreeLocator interface {
	WorktreeDir(ref session.Ref) string
}

// Info describes a live terminal.
type Info struct {
	ID        string    `json:"id"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	Shell     string    `json:"shell"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
}

// terminal is one live PTY process and its fan-out state.
type terminal struct {
	info Info
	ref  session.Ref

	ptmx *os.File
	cmd  *exec.Cmd

	mu         sync.Mutex
	scrollback []byte
	subs       map[int]chan []byte
	nextSub    int
	closed     bool

	done chan struct{}
}

// Manager owns the live terminal registry. All registry mutations are atomic
// with respect to concurrent Get/List calls.
type Manager struct {
	cfg  config.Terminal
	dirs WorktreeLocator
	log  *slog.Logger

	mu    sync.Mutex
	terms map[string]*terminal // ref key + "/" + terminal id
}

// NewManager creates a terminal manager.
func NewManager(cfg config.Terminal, dirs WorktreeLocator, log *slog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		dirs:  dirs,
		log:   log,
		terms: make(map[string]*terminal),
	}
}

func termKey(ref session.Ref, id string) string {
	return ref.Key() + "/" + id
}

// Create spawns a shell rooted at the session's worktree. A live (ref, id)
// pair is rejected with ErrAlreadyExists; a dead one may be reused.
func (m *Manager) Create(_ context.Context, ref session.Ref, id string, cols, rows uint16) (Info, error) {
	if id == "" {
		return Info{}, fmt.Errorf("%w: terminal id required", domain.ErrValidation)
	}
	if cols == 0 {
		cols = m.cfg.DefaultColumns
	}
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}

	dir := m.dirs.WorktreeDir(ref)
	if _, err := os.Stat(dir); err != nil {
		return Info{}, fmt.Errorf("%w: no worktree for session %s", domain.ErrNotFound, ref.SessionID)
	}

	key := termKey(ref, id)

	m.mu.Lock()
	if _, live := m.terms[key]; live {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: terminal %s", domain.ErrAlreadyExists, id)
	}
	if m.cfg.MaxPerSession > 0 && m.countLocked(ref) >= m.cfg.MaxPerSession {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: terminal limit %d reached", domain.ErrValidation, m.cfg.MaxPerSession)
	}
	// Reserve the key before the fork so concurrent creates race on the
	// registry, not on the PTY.
	m.terms[key] = nil
	m.mu.Unlock()

	shell := m.cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	// Deliberately not CommandContext: the shell outlives the request that
	// created it and dies only on Kill or shutdown.
	cmd := exec.Command(shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		m.mu.Lock()
		delete(m.terms, key)
		m.mu.Unlock()
		return Info{}, fmt.Errorf("start shell: %w", err)
	}

	t := &terminal{
		info: Info{
			ID:        id,
			Cols:      cols,
			Rows:      rows,
			Shell:     shell,
			Dir:       dir,
			CreatedAt: time.Now().UTC(),
		},
		ref:  ref,
		ptmx: ptmx,
		cmd:  cmd,
		subs: make(map[int]chan []byte),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.terms[key] = t
	m.mu.Unlock()

	go m.pump(key, t)

	m.log.Info("terminal created",
		"session", ref.SessionID, "terminal", id, "shell", shell, "pid", cmd.Process.Pid)
	return t.info, nil
}

// pump copies PTY output into the scrollback and live subscribers until the
// shell exits, then tears the terminal down.
func (m *Manager) pump(key string, t *terminal) {
	maxScrollback := m.cfg.ScrollbackKiB * 1024
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.deliver(chunk, maxScrollback)
			halotel.Instruments().TerminalBytes.Add(context.Background(), int64(n))
		}
		if err != nil {
			break
		}
	}

	m.remove(key, t)
	m.log.Info("terminal exited", "session", t.ref.SessionID, "terminal", t.info.ID)
}

// deliver appends a chunk to the scrollback and fans it out. A subscriber
// whose buffer is full is detached rather than blocking the PTY reader.
func (t *terminal) deliver(chunk []byte, maxScrollback int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scrollback = append(t.scrollback, chunk...)
	if maxScrollback > 0 && len(t.scrollback) > maxScrollback {
		t.scrollback = t.scrollback[len(t.scrollback)-maxScrollback:]
	}

	for id, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Write feeds input to the shell.
func (m *Manager) Write(ref session.Ref, id string, data []byte) error {
	t, err := m.get(ref, id)
	if err != nil {
		return err
	}
	if _, err := t.ptmx.Write(data); err != nil {
		return fmt.Errorf("write terminal %s: %w", id, err)
	}
	return nil
}

// Resize changes the PTY window size.
func (m *Manager) Resize(ref session.Ref, id string, cols, rows uint16) error {
	t, err := m.get(ref, id)
	if err != nil {
		return err
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize terminal %s: %w", id, err)
	}
	t.mu.Lock()
	t.info.Cols, t.info.Rows = cols, rows
	t.mu.Unlock()
	return nil
}

// Subscribe attaches to the terminal's output stream. It returns the current
// scrollback, a live chunk channel and a cancel func. The channel closes when
// the terminal exits or the subscriber falls too far behind.
func (m *Manager) Subscribe(ref session.Ref, id string) ([]byte, <-chan []byte, func(), error) {
	t, err := m.get(ref, id)
	if err != nil {
		return nil, nil, nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("%w: terminal %s", domain.ErrNotFound, id)
	}
	snapshot := make([]byte, len(t.scrollback))
	copy(snapshot, t.scrollback)
	subID := t.nextSub
	t.nextSub++
	ch := make(chan []byte, subscriberBuffer)
	t.subs[subID] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if sub, ok := t.subs[subID]; ok {
				delete(t.subs, subID)
				close(sub)
			}
			t.mu.Unlock()
		})
	}
	return snapshot, ch, cancel, nil
}

// Get returns the live terminal's description.
func (m *Manager) Get(ref session.Ref, id string) (Info, error) {
	t, err := m.get(ref, id)
	if err != nil {
		return Info{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info, nil
}

// List returns the session's live terminals ordered by creation time.
func (m *Manager) List(ref session.Ref) []Info {
	prefix := ref.Key() + "/"

	m.mu.Lock()
	var out []Info
	for key, t := range m.terms {
		if t == nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		t.mu.Lock()
		out = append(out, t.info)
		t.mu.Unlock()
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Kill ends the terminal and removes it from the registry. Killing a dead or
// unknown terminal is a no-op.
func (m *Manager) Kill(ref session.Ref, id string) {
	key := termKey(ref, id)
	m.mu.Lock()
	t := m.terms[key]
	m.mu.Unlock()
	if t == nil {
		return
	}
	m.remove(key, t)
}

// KillAllForSession ends every live terminal of the session. Idempotent.
func (m *Manager) KillAllForSession(ref session.Ref) {
	prefix := ref.Key() + "/"

	m.mu.Lock()
	victims := make(map[string]*terminal)
	for key, t := range m.terms {
		if t != nil && strings.HasPrefix(key, prefix) {
			victims[key] = t
		}
	}
	m.mu.Unlock()

	for key, t := range victims {
		m.remove(key, t)
	}
}

// Close kills every live terminal. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	victims := make(map[string]*terminal)
	for key, t := range m.terms {
		if t != nil {
			victims[key] = t
		}
	}
	m.mu.Unlock()

	for key, t := range victims {
		m.remove(key, t)
	}
}

// remove deregisters and tears down the terminal exactly once. The registry
// entry goes first so Get/List never observe a half-dead terminal.
func (m *Manager) remove(key string, t *terminal) {
	m.mu.Lock()
	if m.terms[key] != t {
		m.mu.Unlock()
		return
	}
	delete(m.terms, key)
	m.mu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()

	t.ptmx.Close()
	if t.cmd.Process != nil {
		// The shell runs in its own session; kill the whole process group
		// so children do not outlive the PTY.
		_ = syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = t.cmd.Wait()
	close(t.done)
}

func (m *Manager) get(ref session.Ref, id string) (*terminal, error) {
	m.mu.Lock()
	t := m.terms[termKey(ref, id)]
	m.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("%w: terminal %s", domain.ErrNotFound, id)
	}
	return t, nil
}

func (m *Manager) countLocked(ref session.Ref) int {
	prefix := ref.Key() + "/"
	n := 0
	for key := range m.terms {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

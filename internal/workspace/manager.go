// Package workspace manages bare clones and per-session git worktrees.
//
// Layout under the workspace root:
//
//	<root>/<owner>/<repo>.git                  shared bare clone
//	<root>/<owner>/<repo>/worktrees/<session>  per-session worktree
//
// The bare clone is shared across sessions of the same repo; worktrees are
// exclusive per session. All git invocations go through a shared Pool so a
// burst of sessions cannot exhaust the host.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/git"
	"github.com/halyardhq/halyard/internal/resilience"
)

// Author identifies the git author/committer for commits made on behalf of
// a session identity.
type Author struct {
	Name  string
	Email string
}

// Manager owns the on-disk workspace tree.
type Manager struct {
	root         string
	pool         *git.Pool
	log          *slog.Logger
	cloneTimeout time.Duration

	// fetch coalesces concurrent EnsureBareClone calls per repo so a
	// fetch already in flight is awaited, never duplicated.
	fetch singleflight.Group

	// remote breaks the circuit to the git remote after repeated
	// clone/fetch/push failures, so a dead remote fails sessions fast
	// instead of tying up pool slots on doomed network calls.
	remote *resilience.Breaker
}

// New creates a Manager rooted at root.
func New(root string, pool *git.Pool, log *slog.Logger, cloneTimeout time.Duration) *Manager {
	if cloneTimeout <= 0 {
		cloneTimeout = 5 * time.Minute
	}
	return &Manager{
		root:         root,
		pool:         pool,
		log:          log,
		cloneTimeout: cloneTimeout,
		remote:       resilience.NewBreaker(5, 30*time.Second),
	}
}

// WorktreeDir returns the worktree path for ref without touching disk.
func (m *Manager) WorktreeDir(ref session.Ref) string {
	return ref.WorktreeDir(m.root)
}

// EnsureBareClone clones the repo bare if absent, otherwise fetches.
// Concurrent calls for the same repo are coalesced. The clone lands in a
// temp directory and is renamed into place only on success, so a failed
// clone never leaves a corrupt repo behind.
func (m *Manager) EnsureBareClone(ctx context.Context, ref session.Ref, url string) (string, error) {
	bare := ref.BareDir(m.root)

	_, err, _ := m.fetch.Do(ref.RepoKey(), func() (any, error) {
		cloneCtx, cancel := context.WithTimeout(ctx, m.cloneTimeout)
		defer cancel()

		if _, statErr := os.Stat(bare); statErr == nil {
			_, fetchErr := m.runRemote(cloneCtx, bare, nil, "fetch", "--prune", "origin")
			if fetchErr != nil {
				return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrWorkspace, ref.RepoKey(), fetchErr)
			}
			return nil, nil
		}

		if mkErr := os.MkdirAll(filepath.Dir(bare), 0o755); mkErr != nil {
			return nil, fmt.Errorf("%w: prepare workspace dir: %v", domain.ErrWorkspace, mkErr)
		}
		tmp, tmpErr := os.MkdirTemp(filepath.Dir(bare), ".clone-*")
		if tmpErr != nil {
			return nil, fmt.Errorf("%w: temp clone dir: %v", domain.ErrWorkspace, tmpErr)
		}

		if _, cloneErr := m.runRemote(cloneCtx, "", nil, "clone", "--bare", url, tmp); cloneErr != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("%w: clone %s: %v", domain.ErrWorkspace, ref.RepoKey(), cloneErr)
		}
		// Bare clones do not map refs by default; worktrees need
		// origin/<branch> to resolve.
		if _, cfgErr := m.run(cloneCtx, tmp, nil,
			"config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"); cfgErr != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("%w: configure clone: %v", domain.ErrWorkspace, cfgErr)
		}
		if _, fetchErr := m.runRemote(cloneCtx, tmp, nil, "fetch", "origin"); fetchErr != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("%w: initial fetch: %v", domain.ErrWorkspace, fetchErr)
		}
		if renameErr := os.Rename(tmp, bare); renameErr != nil {
			os.RemoveAll(tmp)
			// A concurrent process may have won the rename.
			if _, statErr := os.Stat(bare); statErr == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: finalize clone: %v", domain.ErrWorkspace, renameErr)
		}
		m.log.Info("bare clone created", "repo", ref.RepoKey())
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return bare, nil
}

// CreateWorktree checks out sessionBranch from baseBranch in a fresh worktree
// for ref. An existing worktree is reused. If sessionBranch already exists
// with history that diverged from baseBranch, the call fails unless force is
// set, in which case the branch is recreated at baseBranch.
func (m *Manager) CreateWorktree(ctx context.Context, ref session.Ref, baseBranch, sessionBranch string, force bool) (string, error) {
	bare := ref.BareDir(m.root)
	dir := ref.WorktreeDir(m.root)

	if _, err := os.Stat(bare); err != nil {
		return "", fmt.Errorf("%w: no clone for %s", domain.ErrWorkspace, ref.RepoKey())
	}
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("%w: prepare worktree dir: %v", domain.ErrWorkspace, err)
	}

	base := "refs/remotes/origin/" + baseBranch
	if _, err := m.run(ctx, bare, nil, "rev-parse", "--verify", base); err != nil {
		// Fall back to a local branch, covers repos cloned from a path.
		base = baseBranch
		if _, err := m.run(ctx, bare, nil, "rev-parse", "--verify", base); err != nil {
			return "", fmt.Errorf("%w: base branch %q not found", domain.ErrWorkspace, baseBranch)
		}
	}

	branchExists := false
	if _, err := m.run(ctx, bare, nil, "show-ref", "--verify", "--quiet", "refs/heads/"+sessionBranch); err == nil {
		branchExists = true
	}

	if branchExists {
		// A pre-existing branch is reusable when one side contains the
		// other. True divergence (commits on both sides) needs force.
		branchRef := "refs/heads/" + sessionBranch
		_, aheadErr := m.run(ctx, bare, nil, "merge-base", "--is-ancestor", base, branchRef)
		_, behindErr := m.run(ctx, bare, nil, "merge-base", "--is-ancestor", branchRef, base)
		if aheadErr != nil && behindErr != nil {
			if !force {
				return "", fmt.Errorf("%w: branch %q exists with diverging history", domain.ErrWorkspace, sessionBranch)
			}
			if _, err := m.run(ctx, bare, nil, "branch", "-f", sessionBranch, base); err != nil {
				return "", fmt.Errorf("%w: reset branch %q: %v", domain.ErrWorkspace, sessionBranch, err)
			}
		}
		if _, err := m.run(ctx, bare, nil, "worktree", "add", dir, sessionBranch); err != nil {
			return "", fmt.Errorf("%w: add worktree: %v", domain.ErrWorkspace, err)
		}
		return dir, nil
	}

	if _, err := m.run(ctx, bare, nil, "worktree", "add", "-b", sessionBranch, dir, base); err != nil {
		return "", fmt.Errorf("%w: add worktree: %v", domain.ErrWorkspace, err)
	}
	return dir, nil
}

// RemoveWorktree removes ref's worktree. Idempotent, a missing worktree is
// not an error.
func (m *Manager) RemoveWorktree(ctx context.Context, ref session.Ref) error {
	bare := ref.BareDir(m.root)
	dir := ref.WorktreeDir(m.root)

	if _, err := os.Stat(dir); err == nil {
		if _, err := m.run(ctx, bare, nil, "worktree", "remove", "--force", dir); err != nil {
			// The worktree metadata may already be gone; fall back to
			// removing the directory and pruning.
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				return fmt.Errorf("%w: remove worktree: %v", domain.ErrWorkspace, rmErr)
			}
		}
	}
	if _, err := os.Stat(bare); err == nil {
		_, _ = m.run(ctx, bare, nil, "worktree", "prune")
	}
	return nil
}

// ChangedFiles lists files changed in ref's worktree relative to base
// (a branch name or commit). Untracked files are reported as added.
func (m *Manager) ChangedFiles(ctx context.Context, ref session.Ref, base string) ([]review.ChangedFile, error) {
	dir := ref.WorktreeDir(m.root)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: worktree for %s", domain.ErrNotFound, ref.Key())
	}
	baseRef, err := m.resolveBase(ctx, dir, base)
	if err != nil {
		return nil, err
	}

	statusOut, err := m.run(ctx, dir, nil, "diff", "--name-status", "-M", baseRef)
	if err != nil {
		return nil, fmt.Errorf("%w: diff %s: %v", domain.ErrWorkspace, ref.Key(), err)
	}
	numOut, err := m.run(ctx, dir, nil, "diff", "--numstat", "-M", baseRef)
	if err != nil {
		return nil, fmt.Errorf("%w: diff %s: %v", domain.ErrWorkspace, ref.Key(), err)
	}

	counts := parseNumstat(numOut)
	files := parseNameStatus(statusOut, counts)

	untrackedOut, err := m.run(ctx, dir, nil, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("%w: list untracked %s: %v", domain.ErrWorkspace, ref.Key(), err)
	}
	for _, path := range splitLines(untrackedOut) {
		files = append(files, review.ChangedFile{
			Path:      path,
			Status:    review.StatusAdded,
			Additions: countFileLines(filepath.Join(dir, path)),
		})
	}
	return files, nil
}

// FileDiff returns the file contents at base and in the working tree for
// side-by-side rendering. Original is nil for added files, Modified is nil
// for deleted ones.
func (m *Manager) FileDiff(ctx context.Context, ref session.Ref, path, base string) (review.FileDiff, error) {
	dir := ref.WorktreeDir(m.root)
	if _, err := os.Stat(dir); err != nil {
		return review.FileDiff{}, fmt.Errorf("%w: worktree for %s", domain.ErrNotFound, ref.Key())
	}
	baseRef, err := m.resolveBase(ctx, dir, base)
	if err != nil {
		return review.FileDiff{}, err
	}

	diff := review.FileDiff{Path: path}

	if out, err := m.run(ctx, dir, nil, "show", baseRef+":"+path); err == nil {
		diff.Original = &out
	}
	if data, err := os.ReadFile(filepath.Join(dir, path)); err == nil {
		s := string(data)
		diff.Modified = &s
	}
	if diff.Original == nil && diff.Modified == nil {
		return review.FileDiff{}, fmt.Errorf("%w: file %q", domain.ErrNotFound, path)
	}
	return diff, nil
}

// Commit stages everything in ref's worktree and commits as author. A clean
// worktree is a no-op: committed is false and no error is returned.
func (m *Manager) Commit(ctx context.Context, ref session.Ref, message string, author Author) (committed bool, sha string, err error) {
	dir := ref.WorktreeDir(m.root)
	if _, statErr := os.Stat(dir); statErr != nil {
		return false, "", fmt.Errorf("%w: worktree for %s", domain.ErrNotFound, ref.Key())
	}

	if _, err := m.run(ctx, dir, nil, "add", "-A"); err != nil {
		return false, "", fmt.Errorf("%w: stage changes: %v", domain.ErrWorkspace, err)
	}
	// Exit status 0 means nothing staged.
	if _, err := m.run(ctx, dir, nil, "diff", "--cached", "--quiet"); err == nil {
		return false, "", nil
	}

	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_COMMITTER_NAME=" + author.Name,
		"GIT_COMMITTER_EMAIL=" + author.Email,
	}
	if _, err := m.run(ctx, dir, env, "commit", "-m", message); err != nil {
		return false, "", fmt.Errorf("%w: commit: %v", domain.ErrWorkspace, err)
	}
	out, err := m.run(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return false, "", fmt.Errorf("%w: resolve HEAD: %v", domain.ErrWorkspace, err)
	}
	return true, strings.TrimSpace(out), nil
}

// Push pushes the worktree's HEAD to branch on origin. keyPEM, when set, is
// an SSH private key used for the push. Rejections are returned as
// workspace errors; the caller decides whether to retry.
func (m *Manager) Push(ctx context.Context, ref session.Ref, branch, keyPEM string) error {
	dir := ref.WorktreeDir(m.root)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: worktree for %s", domain.ErrNotFound, ref.Key())
	}

	var env []string
	if keyPEM != "" {
		keyFile, err := writeKeyFile(keyPEM)
		if err != nil {
			return fmt.Errorf("%w: prepare push key: %v", domain.ErrWorkspace, err)
		}
		defer os.Remove(keyFile)
		env = append(env,
			"GIT_SSH_COMMAND=ssh -i "+keyFile+" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new")
	}

	if _, err := m.runRemote(ctx, dir, env, "push", "origin", "HEAD:refs/heads/"+branch); err != nil {
		return fmt.Errorf("%w: push to %q rejected: %v", domain.ErrWorkspace, branch, err)
	}
	return nil
}

// RevertToCommit hard-resets ref's worktree to commitSHA, discarding later
// commits and all uncommitted changes. Destructive and irreversible at the
// git layer. The commit is verified before anything is touched so a bad SHA
// leaves the worktree unchanged.
func (m *Manager) RevertToCommit(ctx context.Context, ref session.Ref, commitSHA string) error {
	dir := ref.WorktreeDir(m.root)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: worktree for %s", domain.ErrNotFound, ref.Key())
	}
	if _, err := m.run(ctx, dir, nil, "cat-file", "-e", commitSHA+"^{commit}"); err != nil {
		return fmt.Errorf("%w: commit %q not found", domain.ErrWorkspace, commitSHA)
	}
	if _, err := m.run(ctx, dir, nil, "reset", "--hard", commitSHA); err != nil {
		return fmt.Errorf("%w: reset to %q: %v", domain.ErrWorkspace, commitSHA, err)
	}
	if _, err := m.run(ctx, dir, nil, "clean", "-fd"); err != nil {
		return fmt.Errorf("%w: clean after reset: %v", domain.ErrWorkspace, err)
	}
	return nil
}

// Branches lists the branch names known to the repo's bare clone.
func (m *Manager) Branches(ctx context.Context, ref session.Ref) ([]string, error) {
	bare := ref.BareDir(m.root)
	if _, err := os.Stat(bare); err != nil {
		return nil, fmt.Errorf("%w: clone for %s", domain.ErrNotFound, ref.RepoKey())
	}
	out, err := m.run(ctx, bare, nil,
		"for-each-ref", "--format=%(refname:short)", "refs/heads", "refs/remotes/origin")
	if err != nil {
		return nil, fmt.Errorf("%w: list branches: %v", domain.ErrWorkspace, err)
	}

	seen := make(map[string]struct{})
	var branches []string
	for _, name := range splitLines(out) {
		name = strings.TrimPrefix(name, "origin/")
		if name == "HEAD" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		branches = append(branches, name)
	}
	return branches, nil
}

// FileHash returns the git blob hash of path in ref's worktree, covering
// tracked and untracked files alike. A missing file hashes to "".
func (m *Manager) FileHash(ctx context.Context, ref session.Ref, path string) (string, error) {
	dir := ref.WorktreeDir(m.root)
	full := filepath.Join(dir, path)
	if _, err := os.Stat(full); err != nil {
		return "", nil
	}
	out, err := m.run(ctx, dir, nil, "hash-object", "--", path)
	if err != nil {
		return "", fmt.Errorf("%w: hash %q: %v", domain.ErrWorkspace, path, err)
	}
	return strings.TrimSpace(out), nil
}

// resolveBase maps a branch name to a resolvable rev, preferring the
// origin-tracking ref so diffs compare against the fetched base.
func (m *Manager) resolveBase(ctx context.Context, dir, base string) (string, error) {
	for _, cand := range []string{"refs/remotes/origin/" + base, base} {
		if _, err := m.run(ctx, dir, nil, "rev-parse", "--verify", cand+"^{commit}"); err == nil {
			return cand, nil
		}
	}
	return "", fmt.Errorf("%w: base %q not found", domain.ErrWorkspace, base)
}

// run executes one git command under the shared pool.
func (m *Manager) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	var out string
	err := m.pool.Run(ctx, func() error {
		cmd := exec.CommandContext(ctx, "git", args...)
		if dir != "" {
			cmd.Dir = dir
		}
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return fmt.Errorf("git %s: %s", args[0], msg)
		}
		out = stdout.String()
		return nil
	})
	return out, err
}

// runRemote is run for git commands that talk to the origin. Failures feed
// the remote circuit breaker; while the circuit is open the command is
// rejected without spawning git.
func (m *Manager) runRemote(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	var out string
	err := m.remote.Execute(func() error {
		var rerr error
		out, rerr = m.run(ctx, dir, env, args...)
		return rerr
	})
	return out, err
}

func writeKeyFile(pem string) (string, error) {
	f, err := os.CreateTemp("", "halyard-key-*")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if !strings.HasSuffix(pem, "\n") {
		pem += "\n"
	}
	if _, err := f.WriteString(pem); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), f.Close()
}

// parseNumstat maps path -> (additions, deletions) from git diff --numstat.
// Binary files report "-" and count as zero.
func parseNumstat(out string) map[string][2]int {
	counts := make(map[string][2]int)
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		add, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		counts[renameTarget(parts[2])] = [2]int{add, del}
	}
	return counts
}

// renameTarget resolves numstat's rename notations to the new path.
// Renames render as "old => new", "dir/{old => new}/file" when a path
// segment changed, or "old\tnew" under -z.
func renameTarget(p string) string {
	if i := strings.LastIndex(p, "\t"); i >= 0 {
		return p[i+1:]
	}
	if open := strings.Index(p, "{"); open >= 0 {
		if clos := strings.Index(p[open:], "}"); clos >= 0 {
			inner := p[open+1 : open+clos]
			if arrow := strings.Index(inner, " => "); arrow >= 0 {
				joined := p[:open] + inner[arrow+4:] + p[open+clos+1:]
				joined = strings.ReplaceAll(joined, "//", "/")
				return strings.TrimPrefix(joined, "/")
			}
		}
	}
	if i := strings.LastIndex(p, " => "); i >= 0 {
		return p[i+4:]
	}
	return p
}

func parseNameStatus(out string, counts map[string][2]int) []review.ChangedFile {
	var files []review.ChangedFile
	for _, line := range splitLines(out) {
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		cf := review.ChangedFile{Path: parts[1]}
		switch parts[0][0] {
		case 'A':
			cf.Status = review.StatusAdded
		case 'D':
			cf.Status = review.StatusDeleted
		case 'R':
			cf.Status = review.StatusRenamed
			if len(parts) >= 3 {
				cf.OldPath = parts[1]
				cf.Path = parts[2]
			}
		default:
			cf.Status = review.StatusModified
		}
		if c, ok := counts[cf.Path]; ok {
			cf.Additions, cf.Deletions = c[0], c[1]
		}
		files = append(files, cf)
	}
	return files
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func countFileLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

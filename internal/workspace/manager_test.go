package workspace_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halyardhq/halyard/internal/domain"
	"github.com/halyardhq/halyard/internal/domain/review"
	"github.com/halyardhq/halyard/internal/domain/session"
	"github.com/halyardhq/halyard/internal/git"
	"github.com/halyardhq/halyard/internal/workspace"
)

// initOriginRepo creates a repo with one commit on main, usable as a clone URL.
func initOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "initial commit")
	// Allow pushes back into this repo from worktree tests.
	gitRun(t, dir, "config", "receive.denyCurrentBranch", "ignore")

	return dir
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return strings.TrimSpace(string(out))
}

func newManager(t *testing.T) *workspace.Manager {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return workspace.New(t.TempDir(), git.NewPool(4), log, time.Minute)
}

func testRef() session.Ref {
	return session.Ref{OwnerID: "alice", RepoID: "api", SessionID: "s1"}
}

func author() workspace.Author {
	return workspace.Author{Name: "Agent", Email: "agent@halyard.dev"}
}

// setup clones origin and creates a worktree for ref, returning the
// worktree path.
func setup(t *testing.T, m *workspace.Manager, origin string, ref session.Ref) string {
	t.Helper()
	ctx := context.Background()
	if _, err := m.EnsureBareClone(ctx, ref, origin); err != nil {
		t.Fatalf("EnsureBareClone: %v", err)
	}
	dir, err := m.CreateWorktree(ctx, ref, "main", "halyard/"+ref.SessionID, false)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	return dir
}

func TestEnsureBareClone_ClonesAndFetches(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	ctx := context.Background()

	bare, err := m.EnsureBareClone(ctx, ref, origin)
	if err != nil {
		t.Fatalf("EnsureBareClone: %v", err)
	}
	if _, err := os.Stat(bare); err != nil {
		t.Fatalf("bare clone missing: %v", err)
	}

	// New upstream commit must be visible after the second ensure.
	if err := os.WriteFile(filepath.Join(origin, "new.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, origin, "add", "-A")
	gitRun(t, origin, "commit", "-m", "second")

	if _, err := m.EnsureBareClone(ctx, ref, origin); err != nil {
		t.Fatalf("second EnsureBareClone: %v", err)
	}
	out := gitRun(t, bare, "rev-list", "--count", "refs/remotes/origin/main")
	if out != "2" {
		t.Errorf("commit count = %s, want 2", out)
	}
}

func TestEnsureBareClone_ConcurrentCallsProduceOneClone(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.EnsureBareClone(context.Background(), ref, origin)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("concurrent EnsureBareClone: %v", err)
		}
	}

	bare, err := m.EnsureBareClone(context.Background(), ref, origin)
	if err != nil {
		t.Fatal(err)
	}
	// No leftover temp clone dirs next to the bare repo.
	entries, err := os.ReadDir(filepath.Dir(bare))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".clone-") {
			t.Errorf("leftover temp clone dir %s", e.Name())
		}
	}
}

func TestEnsureBareClone_BadURLFails(t *testing.T) {
	m := newManager(t)
	_, err := m.EnsureBareClone(context.Background(), testRef(), filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, domain.ErrWorkspace) {
		t.Errorf("err = %v, want ErrWorkspace", err)
	}
}

func TestCreateWorktree_ChecksOutSessionBranch(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)

	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Errorf("worktree missing checked-out file: %v", err)
	}
	if branch := gitRun(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); branch != "halyard/s1" {
		t.Errorf("branch = %q, want halyard/s1", branch)
	}
}

func TestCreateWorktree_ReusesExisting(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)

	again, err := m.CreateWorktree(context.Background(), ref, "main", "halyard/s1", false)
	if err != nil {
		t.Fatalf("second CreateWorktree: %v", err)
	}
	if again != dir {
		t.Errorf("path = %q, want %q", again, dir)
	}
}

func TestCreateWorktree_TwoSessionsGetSeparateTrees(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	a := session.Ref{OwnerID: "alice", RepoID: "api", SessionID: "s1"}
	b := session.Ref{OwnerID: "alice", RepoID: "api", SessionID: "s2"}

	dirA := setup(t, m, origin, a)
	dirB, err := m.CreateWorktree(context.Background(), b, "main", "halyard/s2", false)
	if err != nil {
		t.Fatalf("CreateWorktree for s2: %v", err)
	}
	if dirA == dirB {
		t.Fatal("worktrees overlap")
	}
}

func TestCreateWorktree_DivergedBranchNeedsForce(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	ctx := context.Background()
	dir := setup(t, m, origin, ref)

	// Commit on the session branch, then drop the worktree so only the
	// branch survives.
	if err := os.WriteFile(filepath.Join(dir, "agent.txt"), []byte("work\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Commit(ctx, ref, "agent work", author()); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveWorktree(ctx, ref); err != nil {
		t.Fatal(err)
	}

	// Advance origin main so the two histories diverge, then refresh.
	if err := os.WriteFile(filepath.Join(origin, "upstream.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, origin, "add", "-A")
	gitRun(t, origin, "commit", "-m", "upstream")
	if _, err := m.EnsureBareClone(ctx, ref, origin); err != nil {
		t.Fatal(err)
	}

	if _, err := m.CreateWorktree(ctx, ref, "main", "halyard/s1", false); !errors.Is(err, domain.ErrWorkspace) {
		t.Fatalf("err = %v, want ErrWorkspace", err)
	}
	if _, err := m.CreateWorktree(ctx, ref, "main", "halyard/s1", true); err != nil {
		t.Fatalf("forced CreateWorktree: %v", err)
	}
}

func TestRemoveWorktree_Idempotent(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	if err := m.RemoveWorktree(ctx, ref); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("worktree dir still present")
	}
	if err := m.RemoveWorktree(ctx, ref); err != nil {
		t.Fatalf("second RemoveWorktree: %v", err)
	}
}

func TestChangedFiles_ClassifiesChanges(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	// modified, deleted and untracked(added)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := m.ChangedFiles(ctx, ref, "main")
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}

	byPath := make(map[string]review.ChangedFile)
	for _, f := range files {
		byPath[f.Path] = f
	}
	if got := byPath["README.md"]; got.Status != review.StatusModified || got.Additions != 1 {
		t.Errorf("README.md = %+v, want modified with 1 addition", got)
	}
	if got := byPath["new.go"]; got.Status != review.StatusAdded || got.Additions != 1 {
		t.Errorf("new.go = %+v, want added with 1 line", got)
	}
}

func TestChangedFiles_RenameCarriesLineCounts(t *testing.T) {
	origin := initOriginRepo(t)

	// Files large enough for rename detection to pair them after an edit.
	if err := os.MkdirAll(filepath.Join(origin, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	lines := []byte("alpha\nbeta\ngamma\ndelta\n")
	if err := os.WriteFile(filepath.Join(origin, "notes.txt"), lines, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(origin, "pkg", "util.txt"), lines, 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, origin, "add", "-A")
	gitRun(t, origin, "commit", "-m", "add notes")

	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	// Whole-path rename with an edit, and a rename inside a directory which
	// git renders in the brace notation.
	gitRun(t, dir, "mv", "notes.txt", "docs.txt")
	if err := os.WriteFile(filepath.Join(dir, "docs.txt"), append(lines, []byte("epsilon\n")...), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "mv", filepath.Join("pkg", "util.txt"), filepath.Join("pkg", "helper.txt"))

	files, err := m.ChangedFiles(ctx, ref, "main")
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}

	byPath := make(map[string]review.ChangedFile)
	for _, f := range files {
		byPath[f.Path] = f
	}
	got := byPath["docs.txt"]
	if got.Status != review.StatusRenamed || got.OldPath != "notes.txt" {
		t.Fatalf("docs.txt = %+v, want renamed from notes.txt", got)
	}
	if got.Additions != 1 || got.Deletions != 0 {
		t.Errorf("docs.txt counts = +%d/-%d, want +1/-0", got.Additions, got.Deletions)
	}
	if got := byPath["pkg/helper.txt"]; got.Status != review.StatusRenamed || got.OldPath != "pkg/util.txt" {
		t.Errorf("pkg/helper.txt = %+v, want renamed from pkg/util.txt", got)
	}
}

func TestChangedFiles_DetectsDeletion(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)

	if err := os.Remove(filepath.Join(dir, "README.md")); err != nil {
		t.Fatal(err)
	}
	files, err := m.ChangedFiles(context.Background(), ref, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Status != review.StatusDeleted {
		t.Errorf("files = %+v, want one deleted README.md", files)
	}
}

func TestFileDiff_SidesForAddModifyDelete(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err := m.FileDiff(ctx, ref, "README.md", "main")
	if err != nil {
		t.Fatalf("FileDiff: %v", err)
	}
	if diff.Original == nil || *diff.Original != "hello\n" {
		t.Errorf("original = %v, want hello", diff.Original)
	}
	if diff.Modified == nil || *diff.Modified != "changed\n" {
		t.Errorf("modified = %v, want changed", diff.Modified)
	}

	// Added file has no original side.
	if err := os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err = m.FileDiff(ctx, ref, "new.go", "main")
	if err != nil {
		t.Fatal(err)
	}
	if diff.Original != nil {
		t.Error("added file should have nil original")
	}
	if diff.Modified == nil {
		t.Error("added file should have modified content")
	}

	// Deleted file has no modified side.
	if err := os.Remove(filepath.Join(dir, "README.md")); err != nil {
		t.Fatal(err)
	}
	diff, err = m.FileDiff(ctx, ref, "README.md", "main")
	if err != nil {
		t.Fatal(err)
	}
	if diff.Modified != nil {
		t.Error("deleted file should have nil modified")
	}

	if _, err := m.FileDiff(ctx, ref, "nonexistent.txt", "main"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCommit_NoopWhenClean(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	setup(t, m, origin, ref)

	committed, sha, err := m.Commit(context.Background(), ref, "nothing", author())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed || sha != "" {
		t.Errorf("committed=%v sha=%q, want clean no-op", committed, sha)
	}
}

func TestCommit_RecordsAuthor(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)

	if err := os.WriteFile(filepath.Join(dir, "work.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	committed, sha, err := m.Commit(context.Background(), ref, "agent turn", author())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !committed || sha == "" {
		t.Fatalf("committed=%v sha=%q", committed, sha)
	}
	if got := gitRun(t, dir, "log", "-1", "--format=%an <%ae>"); got != "Agent <agent@halyard.dev>" {
		t.Errorf("author = %q", got)
	}
}

func TestPush_DeliversBranchToOrigin(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "work.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Commit(ctx, ref, "agent turn", author()); err != nil {
		t.Fatal(err)
	}
	if err := m.Push(ctx, ref, "halyard/s1", ""); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if out := gitRun(t, origin, "show-ref", "--verify", "refs/heads/halyard/s1"); out == "" {
		t.Error("branch missing on origin")
	}
}

func TestRevertToCommit_DiscardsLaterWork(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, snapshot, err := m.Commit(ctx, ref, "turn one", author())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "two.txt"), []byte("2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Commit(ctx, ref, "turn two", author()); err != nil {
		t.Fatal(err)
	}
	// Plus an uncommitted stray.
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.RevertToCommit(ctx, ref, snapshot); err != nil {
		t.Fatalf("RevertToCommit: %v", err)
	}
	if got := gitRun(t, dir, "rev-parse", "HEAD"); got != snapshot {
		t.Errorf("HEAD = %s, want %s", got, snapshot)
	}
	for _, gone := range []string{"two.txt", "stray.txt"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Errorf("%s survived revert", gone)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "one.txt")); err != nil {
		t.Errorf("one.txt missing after revert: %v", err)
	}
}

func TestRevertToCommit_BadSHALeavesTreeUntouched(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("k\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := m.RevertToCommit(ctx, ref, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if !errors.Is(err, domain.ErrWorkspace) {
		t.Fatalf("err = %v, want ErrWorkspace", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Error("uncommitted file lost on failed revert")
	}
}

func TestBranches_ListsKnownBranches(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	setup(t, m, origin, ref)

	branches, err := m.Branches(context.Background(), ref)
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	want := map[string]bool{"main": false, "halyard/s1": false}
	for _, b := range branches {
		if _, ok := want[b]; ok {
			want[b] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("branch %q missing from %v", name, branches)
		}
	}
}

func TestFileHash_TrackedUntrackedAndMissing(t *testing.T) {
	origin := initOriginRepo(t)
	m := newManager(t)
	ref := testRef()
	dir := setup(t, m, origin, ref)
	ctx := context.Background()

	h1, err := m.FileHash(ctx, ref, "README.md")
	if err != nil || h1 == "" {
		t.Fatalf("hash of tracked file = %q, %v", h1, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("u\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h2, err := m.FileHash(ctx, ref, "untracked.txt")
	if err != nil || h2 == "" {
		t.Fatalf("hash of untracked file = %q, %v", h2, err)
	}

	h3, err := m.FileHash(ctx, ref, "missing.txt")
	if err != nil {
		t.Fatal(err)
	}
	if h3 != "" {
		t.Errorf("hash of missing file = %q, want empty", h3)
	}
}

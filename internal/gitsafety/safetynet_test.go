package gitsafety

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/store"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.name", "test"},
		{"config", "user.email", "test@example.com"},
		{"config", "commit.gpgsign", "false"},
	} {
		if _, err := run(ctx, dir, args...); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, dir, "a.txt", "one\n")
	if _, err := CommitAll(ctx, dir, "init"); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newNet(t *testing.T) *SafetyNet {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestSnapshotRestore_clean(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	net := newNet(t)
	ctx := context.Background()

	head, _ := HeadSHA(ctx, dir)
	snap, err := net.Snapshot(ctx, dir, nil, ReasonPreAgent)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.HasChanges || snap.StashSHA != nil {
		t.Errorf("clean tree snapshot has changes: %+v", snap)
	}
	if snap.HeadSHA != head {
		t.Errorf("HeadSHA = %q, want %q", snap.HeadSHA, head)
	}

	res, err := net.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.Conflict || res.Reapplied {
		t.Errorf("unexpected result %+v", res)
	}
	after, _ := HeadSHA(ctx, dir)
	if after != head {
		t.Errorf("HEAD moved: %q -> %q", head, after)
	}
	if dirty, _ := IsDirty(ctx, dir); dirty {
		t.Error("tree dirty after restore")
	}
}

func TestSnapshot_doesNotTouchTree(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	net := newNet(t)
	ctx := context.Background()

	writeFile(t, dir, "a.txt", "two\n")
	snap, err := net.Snapshot(ctx, dir, nil, ReasonManual)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.HasChanges || snap.StashSHA == nil {
		t.Fatalf("dirty tree snapshot missing stash: %+v", snap)
	}
	if got := readFile(t, dir, "a.txt"); got != "two\n" {
		t.Errorf("snapshot changed working tree: %q", got)
	}
	if out, _ := run(ctx, dir, "stash", "list"); out != "" {
		t.Errorf("snapshot pushed onto stash list: %q", out)
	}
}

func TestRestore_reappliesAfterAgentCommit(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	net := newNet(t)
	ctx := context.Background()

	head, _ := HeadSHA(ctx, dir)
	writeFile(t, dir, "a.txt", "two\n")
	snap, err := net.Snapshot(ctx, dir, nil, ReasonPreAgent)
	if err != nil {
		t.Fatal(err)
	}

	// Simulated agent work: commits and leaves an untracked file.
	writeFile(t, dir, "a.txt", "three\n")
	if _, err := CommitAll(ctx, dir, "agent"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "scratch.txt", "x\n")

	res, err := net.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !res.Reapplied {
		t.Errorf("Reapplied = false: %+v", res)
	}
	if after, _ := HeadSHA(ctx, dir); after != head {
		t.Errorf("HEAD = %q, want %q", after, head)
	}
	if got := readFile(t, dir, "a.txt"); got != "two\n" {
		t.Errorf("a.txt = %q, want restored dirty content", got)
	}
	if got := readFile(t, dir, "scratch.txt"); got != "x\n" {
		t.Errorf("untracked file touched: %q", got)
	}
}

func TestRestore_conflictResetsToHead(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	net := newNet(t)
	ctx := context.Background()

	head, _ := HeadSHA(ctx, dir)
	writeFile(t, dir, "new.txt", "staged\n")
	if _, err := run(ctx, dir, "add", "new.txt"); err != nil {
		t.Fatal(err)
	}
	snap, err := net.Snapshot(ctx, dir, nil, ReasonPreAgent)
	if err != nil {
		t.Fatal(err)
	}
	// An untracked file now occupies the path the stash wants to create.
	if _, err := run(ctx, dir, "rm", "--cached", "-q", "new.txt"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "new.txt", "other\n")

	res, err := net.Restore(ctx, snap.ID)
	if !errors.Is(err, apperr.ErrRestoreConflict) {
		t.Fatalf("Restore err = %v, want restore conflict", err)
	}
	if !res.Conflict {
		t.Errorf("Conflict = false: %+v", res)
	}
	if after, _ := HeadSHA(ctx, dir); after != head {
		t.Errorf("HEAD = %q, want %q", after, head)
	}
}

func TestRestore_unknownID(t *testing.T) {
	t.Parallel()
	net := newNet(t)
	_, err := net.Restore(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestList_mostRecentFirst(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	net := newNet(t)
	ctx := context.Background()

	first, err := net.Snapshot(ctx, dir, nil, ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	second, err := net.Snapshot(ctx, dir, nil, ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	list, err := net.List(ctx, dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("List order wrong: %+v", list)
	}
	if _, err := net.List(ctx, "", 10); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("List empty workspace: %v", err)
	}
}

func TestCommitAll_cleanTree(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	sha, err := CommitAll(context.Background(), dir, "noop")
	if err != nil {
		t.Fatal(err)
	}
	if sha != "" {
		t.Errorf("CommitAll on clean tree = %q, want empty", sha)
	}
}

func TestRunShell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if out, err := RunShell(ctx, "", "echo 1"); err != nil || out != "" {
		t.Errorf("RunShell empty dir: %q %v", out, err)
	}
	out, err := RunShell(ctx, t.TempDir(), "echo boom; exit 3")
	if err == nil {
		t.Fatal("RunShell: expected error")
	}
	if out != "boom\n" {
		t.Errorf("RunShell output = %q", out)
	}
}

package progress

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJournal_AppendAndRead(t *testing.T) {
	t.Parallel()
	j := New(t.TempDir())
	ctx := context.Background()
	ws := "/work/app"

	ts, _ := time.Parse(time.RFC3339, "2025-01-15T10:00:00Z")
	err := j.Append(ctx, ws, Entry{
		StoryID:    "s1",
		StoryTitle: "Add feature",
		Attempt:    1,
		Outcome:    "completed",
		CommitSHA:  "abc123",
		Detail:     "added handler\nand tests",
		CreatedAt:  ts,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	content, err := j.Read(ctx, ws, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, want := range []string{"## 2025-01-15 10:00: Add feature", "s1 (attempt 1)", "completed", "abc123", "added handler and tests"} {
		if !strings.Contains(content, want) {
			t.Errorf("Read: missing %q in %q", want, content)
		}
	}
}

func TestJournal_missingAndEmptyInputs(t *testing.T) {
	t.Parallel()
	j := New(t.TempDir())
	ctx := context.Background()
	s, err := j.Tail(ctx, "/never/used", 100)
	if err != nil || s != "" {
		t.Errorf("Tail missing journal: %q %v", s, err)
	}
	var nilJournal *Journal
	if err := nilJournal.Append(ctx, "/ws", Entry{}); err != nil {
		t.Errorf("nil Append: %v", err)
	}
}

func TestJournal_tailStartsAtEntry(t *testing.T) {
	t.Parallel()
	j := New(t.TempDir())
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := j.Append(ctx, "/ws", Entry{StoryID: "s", StoryTitle: "story", Attempt: i + 1, Outcome: "retry"}); err != nil {
			t.Fatal(err)
		}
	}
	tail, err := j.Tail(ctx, "/ws", 300)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tail, "## ") {
		t.Errorf("tail does not start at an entry: %q", tail)
	}
	if !strings.Contains(tail, "attempt 20") {
		t.Errorf("tail missing latest entry: %q", tail)
	}
}

func TestPaths(t *testing.T) {
	t.Parallel()
	if WorkspaceKey("/a/b/") != WorkspaceKey("/a/b") {
		t.Error("WorkspaceKey not stable across trailing slash")
	}
	if WorkspaceKey("/a") == WorkspaceKey("/b") {
		t.Error("WorkspaceKey collision")
	}
	got := JournalPath("/home", "/a")
	want := filepath.Join("/home", "workspaces", WorkspaceKey("/a"), "progress.md")
	if got != want {
		t.Errorf("JournalPath = %q, want %q", got, want)
	}
}

// Package progress keeps a per-workspace markdown log of story attempts. Its tail is fed back
// into the next prompt so later attempts see what earlier ones did.
package progress

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one attempt recorded in the journal.
type Entry struct {
	LoopID     string
	StoryID    string
	StoryTitle string
	Attempt    int
	Outcome    string
	Detail     string
	CommitSHA  string
	CreatedAt  time.Time
}

// Journal appends to and reads workspace journals under Home.
type Journal struct {
	Home string

	mu sync.Mutex
}

// New returns a Journal rooted at home.
func New(home string) *Journal {
	return &Journal{Home: home}
}

// Append adds an entry to the workspace journal, creating the directory and file as needed.
func (j *Journal) Append(ctx context.Context, workspacePath string, entry Entry) error {
	if j == nil || j.Home == "" || workspacePath == "" {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(WorkspaceDir(j.Home, workspacePath), 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	f, err := os.OpenFile(JournalPath(j.Home, workspacePath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(formatBlock(entry)); err != nil {
		return fmt.Errorf("write progress journal: %w", err)
	}
	return nil
}

func formatBlock(e Entry) string {
	var b strings.Builder
	b.WriteString("## ")
	b.WriteString(e.CreatedAt.Format("2006-01-02 15:04"))
	if e.StoryTitle != "" {
		b.WriteString(": ")
		b.WriteString(e.StoryTitle)
	}
	b.WriteString("\n\n")
	if e.StoryID != "" {
		fmt.Fprintf(&b, "- **Story:** %s (attempt %d)\n", e.StoryID, e.Attempt)
	}
	if e.Outcome != "" {
		b.WriteString("- **Outcome:** ")
		b.WriteString(e.Outcome)
		b.WriteString("\n")
	}
	if e.CommitSHA != "" {
		b.WriteString("- **Commit:** ")
		b.WriteString(e.CommitSHA)
		b.WriteString("\n")
	}
	if d := strings.TrimSpace(e.Detail); d != "" {
		b.WriteString("- **Notes:** ")
		b.WriteString(strings.ReplaceAll(d, "\n", " "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Read returns the last limitBytes of the journal, starting at an entry boundary when one
// is available. A limit of 0 returns the whole file. A missing journal reads as "".
func (j *Journal) Read(ctx context.Context, workspacePath string, limitBytes int) (string, error) {
	if j == nil || j.Home == "" || workspacePath == "" {
		return "", nil
	}
	data, err := os.ReadFile(JournalPath(j.Home, workspacePath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	s := string(data)
	if limitBytes <= 0 || len(s) <= limitBytes {
		return s, nil
	}
	s = s[len(s)-limitBytes:]
	if i := strings.Index(s, "## "); i >= 0 {
		s = s[i:]
	}
	return s, nil
}

// Tail returns the trimmed recent part of the journal for prompt context (4000 bytes if maxLen <= 0).
func (j *Journal) Tail(ctx context.Context, workspacePath string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4000
	}
	s, err := j.Read(ctx, workspacePath, maxLen)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

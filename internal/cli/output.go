package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/daemon"
	"github.com/airgap/maude-sub003/pkg/client"
	"github.com/airgap/maude-sub003/pkg/models"
)

// EnvServer overrides the daemon base URL for client commands.
const EnvServer = "MAUDE_URL"

// apiClient returns a client for the daemon: --server, then MAUDE_URL, then the running
// daemon's addr file. MAUDE_API_KEY is sent when set.
func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		base = os.Getenv(EnvServer)
	}
	if base == "" {
		base = daemon.BaseURL(config.MustHomeFrom(cmd.Context()))
	}
	return client.New(strings.TrimRight(base, "/"), os.Getenv(daemon.EnvAPIKey))
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// workspaceArg resolves a --workspace value to an absolute path, defaulting to the current directory.
func workspaceArg(ws string) (string, error) {
	if ws == "" {
		return os.Getwd()
	}
	return filepath.Abs(ws)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type palette struct {
	header lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	active lipgloss.Style
	muted  lipgloss.Style
}

// newPalette colours output only for terminals and when NO_COLOR is unset.
func newPalette(w io.Writer) palette {
	plain := lipgloss.NewStyle()
	p := palette{header: plain, ok: plain, warn: plain, bad: plain, active: plain, muted: plain}
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return p
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return p
	}
	p.header = lipgloss.NewStyle().Bold(true)
	p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	p.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	p.bad = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	p.active = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	p.muted = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	return p
}

// status renders a story, loop or event status in its colour.
func (p palette) status(s string) string {
	switch s {
	case models.StoryCompleted, models.EventStoryCompleted, models.SessionComplete:
		return p.ok.Render(s)
	case models.StoryFailed, models.EventStoryFailed, models.LoopCancelled, models.SessionError:
		return p.bad.Render(s)
	case models.StoryInProgress, models.LoopRunning, models.EventStarted, models.EventStoryStarted, models.EventResumed:
		return p.active.Render(s)
	case models.LoopPaused, models.OutcomeRetry:
		return p.warn.Render(s)
	case models.EventHeartbeat:
		return p.muted.Render(s)
	}
	return s
}

// table writes rows padded to the widest cell of each column. Cells may carry ANSI styling.
func (p palette) table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		var b strings.Builder
		for i, c := range cells {
			if style != nil {
				c = style.Render(c)
			}
			b.WriteString(c)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		_, _ = fmt.Fprintln(w, b.String())
	}
	line(header, &p.header)
	for _, r := range rows {
		line(r, nil)
	}
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

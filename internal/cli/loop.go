package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/pkg/models"
)

func newLoopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Start and control autonomous loops",
	}
	cmd.AddCommand(newLoopStartCmd())
	cmd.AddCommand(newLoopListCmd())
	cmd.AddCommand(newLoopGetCmd())
	cmd.AddCommand(newLoopControlCmd("pause", "Pause a running loop after its current story"))
	cmd.AddCommand(newLoopControlCmd("resume", "Resume a paused loop"))
	cmd.AddCommand(newLoopControlCmd("cancel", "Cancel a loop"))
	cmd.AddCommand(newLoopLogCmd())
	cmd.AddCommand(newLoopWatchCmd())
	return cmd
}

// parseChecks turns "name=command" flags into quality checks. A bare command is named after
// its first word.
func parseChecks(specs []string) ([]models.QualityCheck, error) {
	var out []models.QualityCheck
	for _, s := range specs {
		name, command, ok := strings.Cut(s, "=")
		if !ok {
			command = s
			if f := strings.Fields(s); len(f) > 0 {
				name = f[0]
			}
		}
		name, command = strings.TrimSpace(name), strings.TrimSpace(command)
		if name == "" || command == "" {
			return nil, fmt.Errorf("invalid --check %q (want name=command)", s)
		}
		out = append(out, models.QualityCheck{Name: name, Command: command})
	}
	return out, nil
}

func newLoopStartCmd() *cobra.Command {
	var (
		workspace string
		prdID     string
		cfg       models.LoopConfig
		checks    []string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a loop over a workspace's (or PRD's) pending stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceArg(workspace)
			if err != nil {
				return err
			}
			qc, err := parseChecks(checks)
			if err != nil {
				return err
			}
			cfg.QualityChecks = qc
			c := apiClient(cmd)
			loop, err := c.StartLoop(cmd.Context(), models.StartLoopRequest{
				PRDID:         optionalString(prdID),
				WorkspacePath: ws,
				Config:        &cfg,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) && !watch {
				return printJSON(out, loop)
			}
			_, _ = fmt.Fprintf(out, "Started loop %s on %s\n", loop.ID, ws)
			if !watch {
				return nil
			}
			return watchLoop(cmd, loop.ID)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace path (default: current directory)")
	cmd.Flags().StringVar(&prdID, "prd", "", "Restrict the loop to one PRD's stories")
	cmd.Flags().StringVar(&cfg.Model, "model", "", "Model passed to the agent runtime")
	cmd.Flags().IntVar(&cfg.MaxIterations, "max-iterations", 0, "Stop after this many iterations (0 = unlimited)")
	cmd.Flags().IntVar(&cfg.DelayBetweenMs, "delay-ms", 0, "Pause between iterations in milliseconds")
	cmd.Flags().IntVar(&cfg.AttemptTimeoutSec, "attempt-timeout", 0, "Per-attempt timeout in seconds")
	cmd.Flags().IntVar(&cfg.PromptTokenBudget, "prompt-budget", 0, "Token budget for the rendered prompt")
	cmd.Flags().StringArrayVar(&checks, "check", nil, "Quality check as name=command (repeatable)")
	cmd.Flags().BoolVar(&cfg.AutoCommit, "auto-commit", false, "Commit the workspace after each completed story")
	cmd.Flags().BoolVar(&cfg.RollbackOnFailure, "rollback", false, "Restore the pre-attempt snapshot when an attempt fails")
	cmd.Flags().BoolVar(&cfg.SyncStatusBack, "sync-back", false, "Push story status to its linked tracker issue")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream the loop's events until it finishes")
	return cmd
}

func newLoopListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			loops, err := apiClient(cmd).ListLoops(cmd.Context(), status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, loops)
			}
			p := newPalette(out)
			rows := make([][]string, 0, len(loops))
			for _, l := range loops {
				rows = append(rows, []string{l.ID, p.status(l.Status), strconv.Itoa(l.Iteration), l.Scope, shortTime(l.StartedAt)})
			}
			p.table(out, []string{"ID", "STATUS", "ITER", "SCOPE", "STARTED"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, paused, completed, failed, cancelled)")
	return cmd
}

func newLoopGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get LOOP_ID",
		Short: "Show a loop and its iteration log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := apiClient(cmd).GetLoop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, l)
			}
			p := newPalette(out)
			_, _ = fmt.Fprintf(out, "Loop       %s\n", l.ID)
			_, _ = fmt.Fprintf(out, "Status     %s\n", p.status(l.Status))
			_, _ = fmt.Fprintf(out, "Workspace  %s\n", l.WorkspacePath)
			if l.PRDID != nil {
				_, _ = fmt.Fprintf(out, "PRD        %s\n", *l.PRDID)
			}
			_, _ = fmt.Fprintf(out, "Iteration  %d\n", l.Iteration)
			if l.CurrentStoryID != nil {
				_, _ = fmt.Fprintf(out, "Current    %s\n", *l.CurrentStoryID)
			}
			if l.LastError != nil {
				_, _ = fmt.Fprintf(out, "Error      %s\n", p.bad.Render(*l.LastError))
			}
			_, _ = fmt.Fprintf(out, "Started    %s\n", shortTime(l.StartedAt))
			if l.EndedAt != nil {
				_, _ = fmt.Fprintf(out, "Ended      %s\n", shortTime(*l.EndedAt))
			}
			if len(l.IterationLog) > 0 {
				_, _ = fmt.Fprintln(out)
				writeIterationLog(out, p, l.IterationLog)
			}
			return nil
		},
	}
}

func newLoopControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " LOOP_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			var err error
			switch action {
			case "pause":
				err = c.PauseLoop(cmd.Context(), args[0])
			case "resume":
				err = c.ResumeLoop(cmd.Context(), args[0])
			default:
				err = c.CancelLoop(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Loop %s: %s requested\n", args[0], action)
			return nil
		},
	}
}

func newLoopLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log LOOP_ID",
		Short: "Show a loop's iteration log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := apiClient(cmd).LoopLog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, entries)
			}
			writeIterationLog(out, newPalette(out), entries)
			return nil
		},
	}
}

func writeIterationLog(w io.Writer, p palette, entries []models.IterationLogEntry) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		title := e.StoryTitle
		if title == "" {
			title = e.StoryID
		}
		rows = append(rows, []string{
			shortTime(e.StartedAt),
			truncate(title, 40),
			strconv.Itoa(e.Attempt),
			p.status(e.Outcome),
			truncate(e.Detail, 60),
		})
	}
	p.table(w, []string{"STARTED", "STORY", "ATTEMPT", "OUTCOME", "DETAIL"}, rows)
}

func newLoopWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [LOOP_ID]",
		Short: "Stream loop events (all loops when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return watchLoop(cmd, args[0])
			}
			out := cmd.OutOrStdout()
			p := newPalette(out)
			return apiClient(cmd).StreamAll(cmd.Context(), func(ev models.LoopEvent) error {
				return writeEvent(cmd, out, p, ev)
			})
		},
	}
}

func watchLoop(cmd *cobra.Command, loopID string) error {
	out := cmd.OutOrStdout()
	p := newPalette(out)
	var final string
	err := apiClient(cmd).StreamLoopEvents(cmd.Context(), loopID, func(ev models.LoopEvent) error {
		if ev.Type == models.EventLoopDone {
			if s, ok := ev.Data["status"].(string); ok {
				final = s
			}
		}
		return writeEvent(cmd, out, p, ev)
	})
	if err != nil {
		return err
	}
	if final == models.LoopFailed {
		return fmt.Errorf("loop %s failed", loopID)
	}
	return nil
}

func writeEvent(cmd *cobra.Command, w io.Writer, p palette, ev models.LoopEvent) error {
	if wantJSON(cmd) {
		return printJSON(w, ev)
	}
	if ev.Type == models.EventHeartbeat {
		return nil
	}
	var b strings.Builder
	b.WriteString(p.muted.Render(ev.Timestamp.Local().Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(p.status(ev.Type))
	if ev.StoryTitle != "" {
		b.WriteString(" " + strconv.Quote(ev.StoryTitle))
	}
	if ev.Attempt > 0 {
		fmt.Fprintf(&b, " attempt %d", ev.Attempt)
	}
	if ev.Message != "" {
		b.WriteString(": " + truncate(ev.Message, 120))
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}

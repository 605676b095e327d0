package cli

import (
	"fmt"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/daemon"
	"github.com/airgap/maude-sub003/pkg/models"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show maude daemon status and active loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, "maude not running")
				return nil
			}
			_, _ = fmt.Fprintf(out, "maude running (pid %d, addr %s)\n", st.PID, st.Addr)

			// Best-effort: the daemon may still be starting up.
			c := apiClient(cmd)
			for _, status := range []string{models.LoopRunning, models.LoopPaused} {
				loops, err := c.ListLoops(cmd.Context(), status)
				if err != nil {
					return nil
				}
				p := newPalette(out)
				for _, l := range loops {
					_, _ = fmt.Fprintf(out, "  %s %s iteration %d %s\n", l.ID, p.status(l.Status), l.Iteration, l.Scope)
				}
			}
			return nil
		},
	}
	return cmd
}

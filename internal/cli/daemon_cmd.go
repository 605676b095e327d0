package cli

import (
	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var opts daemon.StartOptions

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Home = config.MustHomeFrom(cmd.Context())
			// The DSN arrives through DATABASE_URL so it never shows up in ps output.
			return daemon.StartForeground(cmd.Context(), opts)
		},
	}
	daemonFlags(cmd, &opts)
	return cmd
}

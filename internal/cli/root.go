package cli

import (
	"os"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "maude",
		Short:        "maude runs coding agents over a story backlog until it is done",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override maude home directory (default: ~/.maude, env: MAUDE_HOME)")
	cmd.PersistentFlags().String("server", "", "Daemon base URL (default: from the running daemon, env: "+EnvServer+")")
	cmd.PersistentFlags().Bool("json", false, "Print JSON instead of tables")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.AddCommand(newLoopCmd())
	cmd.AddCommand(newStoryCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPRDCmd())
	cmd.AddCommand(newApikeyCmd())

	// Hidden internal subcommand used by `maude start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

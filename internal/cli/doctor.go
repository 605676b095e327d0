package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/sandbox"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			// git backs snapshots, rollback and auto-commit.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			cfg, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			} else {
				switch cfg.Agent.Runtime {
				case "subprocess":
					if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
						problems = append(problems, fmt.Sprintf("agent command %q not found on PATH", cfg.Agent.Command))
					}
				case "api":
					if cfg.Agent.APIKey() == "" {
						problems = append(problems, fmt.Sprintf("agent runtime api: $%s is not set", cfg.Agent.APIKeyEnv))
					}
				}
				if cfg.Agent.Sandbox && !sandbox.Available() {
					problems = append(problems, "agent.sandbox is set but bubblewrap (bwrap) is unavailable on this host")
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}

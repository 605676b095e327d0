package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/airgap/maude-sub003/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise config.yaml",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			path := config.Path(home)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(home, config.Default()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			redact(cfg)
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

const redacted = "********"

// redact masks secrets so config show is safe to paste.
func redact(cfg *config.Config) {
	if cfg.Server.APIKey != "" {
		cfg.Server.APIKey = redacted
	}
	for id, t := range cfg.Trackers {
		if t.Token != "" {
			t.Token = redacted
			cfg.Trackers[id] = t
		}
	}
	if cfg.Notify.Slack != nil && cfg.Notify.Slack.WebhookURL != "" {
		s := *cfg.Notify.Slack
		s.WebhookURL = redacted
		cfg.Notify.Slack = &s
	}
}

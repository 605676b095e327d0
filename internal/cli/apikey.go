package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/daemon"
)

func newApikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Generate an API key for protecting the daemon when it is exposed over a network",
	}
	cmd.AddCommand(newApikeyGenerateCmd())
	return cmd
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func appendEnvLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := io.WriteString(f, line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func newApikeyGenerateCmd() *cobra.Command {
	var (
		envFile    string
		saveConfig bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random API key and print usage instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateKey()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Generated API key (save it somewhere safe):")
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, "  "+key)
			_, _ = fmt.Fprintln(out)

			switch {
			case saveConfig:
				home := config.MustHomeFrom(cmd.Context())
				cfg, err := config.Load(home)
				if err != nil {
					return err
				}
				cfg.Server.APIKey = key
				if err := config.Save(home, cfg); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Saved server.api_key to %s (restart the daemon to apply)\n", config.Path(home))
			case envFile != "":
				if err := appendEnvLine(envFile, daemon.EnvAPIKey+"="+key+"\n"); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Appended %s to %s\n", daemon.EnvAPIKey, envFile)
				_, _ = fmt.Fprintln(out, "Start the daemon with: maude start --env-file "+envFile)
			default:
				_, _ = fmt.Fprintln(out, "Use it:")
				_, _ = fmt.Fprintf(out, "  1. On the daemon host: export %s=%s\n", daemon.EnvAPIKey, key)
				_, _ = fmt.Fprintln(out, "     or run: maude apikey generate --save")
			}
			_, _ = fmt.Fprintf(out, "  Clients send header X-API-Key: <key>; the CLI reads %s.\n", daemon.EnvAPIKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Append "+daemon.EnvAPIKey+" to this file (e.g. .env)")
	cmd.Flags().BoolVar(&saveConfig, "save", false, "Store the key as server.api_key in config.yaml")
	return cmd
}

package cli

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/daemon"
	"github.com/spf13/cobra"
)

// daemonFlags binds the flags shared by start and the hidden daemon command.
func daemonFlags(cmd *cobra.Command, opts *daemon.StartOptions) {
	cmd.Flags().IntVar(&opts.Port, "port", 0, "HTTP port (default: server.port from config.yaml, 3548)")
	cmd.Flags().BoolVar(&opts.Dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&opts.PprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&opts.Runtime, "runtime", "", "Agent runtime: stub, subprocess or api")
	cmd.Flags().StringVar(&opts.DBDriver, "db-driver", "", "Store driver: sqlite or postgres")
	cmd.Flags().BoolVar(&opts.Otel, "otel", false, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP instrumentation)")
}

func newStartCmd() *cobra.Command {
	var (
		opts       daemon.StartOptions
		foreground bool
		envFile    string
		noBrowser  bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the maude daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			opts.Home = config.MustHomeFrom(cmd.Context())

			port := opts.Port
			if port == 0 {
				cfg, err := config.Load(opts.Home)
				if err != nil {
					return err
				}
				port = cfg.Server.Port
			}
			ui := (&url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}).String()

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting maude in foreground on %s\n", ui)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "maude started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", ui)

			if !noBrowser && opts.Dev {
				_ = openBrowser(ui + "/health")
			}
			return nil
		},
	}

	daemonFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.DBURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open a browser in dev mode")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}

func openBrowser(u string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", u).Start()
	case "windows":
		return exec.Command("cmd", "/c", "start", u).Start()
	default:
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return err
		}
		return exec.Command("xdg-open", u).Start()
	}
}

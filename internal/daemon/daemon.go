package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/httpapi"
	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/internal/tracker"
	"github.com/airgap/maude-sub003/pkg/models"
)

var errNotRunning = errors.New("maude is not running")

// EnvAPIKey overrides server.api_key from the config file.
const EnvAPIKey = "MAUDE_API_KEY"

func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	cfg, err := config.Load(opts.Home)
	if err != nil {
		return err
	}
	opts.apply(cfg)

	// Ensure dirs exist.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	startPprof(opts.PprofAddr)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port)
	// Early port check for clearer error.
	if err := checkPortAvailable(cfg.Server.Port); err != nil {
		return err
	}

	c, err := wire(opts.Home, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	srvOpts := httpapi.ServerOptions{
		Addr:         addr,
		Dev:          cfg.Server.Dev,
		APIKey:       cfg.Server.APIKey,
		Heartbeat:    time.Duration(cfg.Server.HeartbeatSec) * time.Second,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if env := os.Getenv(EnvAPIKey); env != "" {
		srvOpts.APIKey = env
	}
	if cfg.Server.Otel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "maude")
		if err != nil {
			slog.Warn("otel init failed, using plain metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
			if err := otel.InitMetricsWithStoryCount(ctx, c.storyCounts); err != nil {
				slog.Warn("otel instruments", "err", err)
			}
		}
	}
	app, err := httpapi.NewApp(srvOpts, c.services())
	if err != nil {
		return err
	}

	// Loops left running by a previous process continue before new requests arrive.
	if err := c.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover loops: %w", err)
	}

	// Write PID + addr files.
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return err
	}
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if cfg.Sync.IntervalSec > 0 {
		go (&tracker.Worker{Reconciler: c.reconciler, Interval: cfg.Sync.Interval()}).Run(bgCtx)
	}
	go config.Watch(bgCtx, opts.Home, config.WatchOptions{}, c.reload)

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "runtime", c.runtime.Name(), "store", cfg.Store.Driver)
	errCh := make(chan error, 1)
	go func() { errCh <- app.Server.ListenAndServe() }()

	var serveErr error
	select {
	case <-ctx.Done():
		serveErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, io.EOF) {
			serveErr = err
		}
	}
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = app.Server.Shutdown(shutdownCtx)
	if err := c.scheduler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("loops did not stop in time", "err", err)
	}
	c.sessions.Shutdown(shutdownCtx)
	slog.Info("daemon stopped")
	if errors.Is(serveErr, context.Canceled) {
		return nil
	}
	return serveErr
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("maude already running (pid %d)", st.PID)
	}

	stderr, err := os.OpenFile(logPath(opts.Home), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	cmd := exec.Command(exe, opts.args()...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	if opts.DBURL != "" {
		cmd.Env = append(os.Environ(), "DATABASE_URL="+opts.DBURL)
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pb)))
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

// BaseURL returns the daemon's HTTP base URL from its addr file, defaulting to the default port.
func BaseURL(home string) string {
	port := strconv.Itoa(models.DefaultPort)
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		if _, p, err := net.SplitHostPort(strings.TrimSpace(string(ab))); err == nil && p != "" {
			port = p
		}
	}
	return "http://127.0.0.1:" + port
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}

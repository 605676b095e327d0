package daemon

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"path/filepath"
)

// Daemon state lives in <home>/protected next to the SQLite database.
func protectedDir(home string) string { return filepath.Join(home, "protected") }
func pidPath(home string) string { return filepath.Join(protectedDir(home), "daemon.pid") }
func lockPath(home string) string { return filepath.Join(protectedDir(home), "daemon.lock") }
func addrPath(home string) string { return filepath.Join(protectedDir(home), "daemon.addr") }
func logPath(home string) string { return filepath.Join(protectedDir(home), "daemon.log") }

// startPprof serves the profiling endpoints on their own listener, away from the API mux.
func startPprof(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		slog.Info("pprof listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Warn("pprof server stopped", "addr", addr, "err", err)
		}
	}()
}

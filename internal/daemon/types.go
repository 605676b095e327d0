package daemon

import (
	"strconv"

	"github.com/airgap/maude-sub003/internal/config"
)

// StartOptions configures the daemon. Non-zero fields override <home>/config.yaml.
type StartOptions struct {
	Home      string
	Port      int
	Dev       bool
	PprofAddr string
	Runtime   string // "stub", "subprocess" or "api"
	DBDriver  string // "sqlite" or "postgres"
	DBURL     string // postgres connection string (or DATABASE_URL env)
	Otel      bool   // OpenTelemetry metrics with the Prometheus exporter at /metrics
}

func (o StartOptions) apply(cfg *config.Config) {
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.Dev {
		cfg.Server.Dev = true
	}
	if o.Otel {
		cfg.Server.Otel = true
	}
	if o.Runtime != "" {
		cfg.Agent.Runtime = o.Runtime
	}
	if o.DBDriver != "" {
		cfg.Store.Driver = o.DBDriver
	}
	if o.DBURL != "" {
		cfg.Store.DSN = o.DBURL
	}
}

// args renders the options as `maude daemon` flags for a background child.
func (o StartOptions) args() []string {
	args := []string{"daemon", "--home", o.Home}
	if o.Port != 0 {
		args = append(args, "--port", strconv.Itoa(o.Port))
	}
	if o.Dev {
		args = append(args, "--dev")
	}
	if o.PprofAddr != "" {
		args = append(args, "--pprof", o.PprofAddr)
	}
	if o.Runtime != "" {
		args = append(args, "--runtime", o.Runtime)
	}
	if o.DBDriver != "" {
		args = append(args, "--db-driver", o.DBDriver)
	}
	if o.Otel {
		args = append(args, "--otel")
	}
	// The DSN is passed as DATABASE_URL to keep it out of the process list.
	return args
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}

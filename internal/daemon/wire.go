package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/airgap/maude-sub003/internal/agent/runtime"
	"github.com/airgap/maude-sub003/internal/agent/session"
	"github.com/airgap/maude-sub003/internal/config"
	"github.com/airgap/maude-sub003/internal/events"
	"github.com/airgap/maude-sub003/internal/gitsafety"
	"github.com/airgap/maude-sub003/internal/httpapi"
	"github.com/airgap/maude-sub003/internal/loop"
	"github.com/airgap/maude-sub003/internal/notify"
	"github.com/airgap/maude-sub003/internal/progress"
	"github.com/airgap/maude-sub003/internal/sandbox"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/internal/store/postgres"
	"github.com/airgap/maude-sub003/internal/tracker"
	"github.com/airgap/maude-sub003/pkg/models"
)

// components is everything the daemon runs, built from one config.
type components struct {
	store      store.Store
	runtime    runtime.Runtime
	bus        *events.Bus
	sessions   *session.Multiplexer
	safetyNet  *gitsafety.SafetyNet
	registry   *tracker.Registry
	reconciler *tracker.Reconciler
	notifier   *notify.Registry
	scheduler  *loop.Scheduler
}

func wire(home string, cfg *config.Config) (*components, error) {
	rt, err := buildRuntime(cfg.Agent)
	if err != nil {
		return nil, err
	}
	st, err := openStore(home, cfg.Store)
	if err != nil {
		return nil, err
	}
	c := &components{
		store:     st,
		runtime:   rt,
		bus:       events.NewBus(models.DefaultEventBuffer),
		sessions:  session.New(rt, session.Config{BufferSize: cfg.Sessions.BufferSize, Retention: cfg.Sessions.Retention()}),
		safetyNet: gitsafety.New(st),
		registry:  tracker.NewRegistry(),
		notifier:  notify.NewRegistry(),
	}
	c.reconciler = tracker.NewReconciler(st, c.registry)
	c.reload(cfg)
	c.scheduler = loop.New(loop.Options{
		Store:     st,
		Sessions:  c.sessions,
		Bus:       c.bus,
		SafetyNet: c.safetyNet,
		Journal:   progress.New(home),
		Notifier:  c.notifier,
		Tracker:   c.reconciler,
		Guard:     &sandbox.WorkspaceGuard{Home: home},
		Defaults:  cfg.Loop,
	})
	return c, nil
}

func (c *components) services() httpapi.Services {
	return httpapi.Services{
		Store:     c.store,
		Scheduler: c.scheduler,
		Bus:       c.bus,
		Sessions:  c.sessions,
		SafetyNet: c.safetyNet,
		Tracker:   c.reconciler,
	}
}

// reload swaps the tracker providers and notifiers. Other settings need a restart.
func (c *components) reload(cfg *config.Config) {
	providers, errs := buildProviders(cfg.Trackers)
	for _, err := range errs {
		slog.Warn("tracker provider skipped", "err", err)
	}
	c.registry.Replace(providers...)
	c.notifier.Replace(buildNotifiers(cfg.Notify)...)
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID())
	}
	slog.Info("integrations configured", "trackers", ids, "notifiers", c.notifier.Names())
}

func (c *components) storyCounts(ctx context.Context) (map[string]int64, error) {
	stories, err := c.store.ListStories(ctx, store.StoryFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, 4)
	for _, s := range stories {
		counts[s.Status]++
	}
	return counts, nil
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		slog.Warn("close store", "err", err)
	}
}

func openStore(home string, sc config.StoreConfig) (store.Store, error) {
	if sc.Driver == "postgres" {
		st, err := postgres.Open(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	}
	return store.OpenWithOptions(store.OpenOptions{Driver: "sqlite", Home: home, DSN: sc.DSN})
}

func buildRuntime(ac config.AgentConfig) (runtime.Runtime, error) {
	sub := runtime.SubprocessRuntime{
		Command: ac.Command,
		Args:    ac.Args,
		Env:     ac.Env,
		Timeout: ac.Timeout(),
		Sandbox: ac.Sandbox,
	}
	api := runtime.AnthropicRuntime{
		APIKey:    ac.APIKey(),
		BaseURL:   ac.BaseURL,
		Model:     ac.Model,
		MaxTokens: ac.MaxTokens,
		System:    ac.System,
	}
	return runtime.New(ac.Runtime, sub, api)
}

// buildProviders builds one provider per configured tracker, in id order. Entries that cannot
// be built are returned as errors and left out.
func buildProviders(trackers map[string]config.TrackerConfig) ([]tracker.Provider, []error) {
	ids := make([]string, 0, len(trackers))
	for id := range trackers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []tracker.Provider
	var errs []error
	for _, id := range ids {
		tc := trackers[id]
		p, err := tracker.New(id, tracker.Config{
			BaseURL:   tc.BaseURL,
			Email:     tc.Email,
			Token:     tc.Token,
			Workspace: tc.Workspace,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

func buildNotifiers(nc config.NotifyConfig) []notify.Notifier {
	var out []notify.Notifier
	if nc.Slack != nil {
		out = append(out, notify.SlackWebhook{
			WebhookURL: nc.Slack.WebhookURL,
			Channel:    nc.Slack.Channel,
			Username:   nc.Slack.Username,
		})
	}
	if nc.Log {
		out = append(out, notify.LogNotifier{})
	}
	return out
}

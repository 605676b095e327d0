// Package notify delivers loop outcome messages to chat integrations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/airgap/maude-sub003/pkg/models"
)

// Notifier posts a message to one integration.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Registry holds the configured notifiers by name. Safe for concurrent use; Replace swaps the
// whole set on config reload.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Notifier)}
}

func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[n.Name()] = n
}

func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items[name]
}

// Names returns registered notifier names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Replace swaps in a new set of notifiers.
func (r *Registry) Replace(ns ...Notifier) {
	items := make(map[string]Notifier, len(ns))
	for _, n := range ns {
		items[n.Name()] = n
	}
	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
}

// NotifyAll sends message to every notifier and joins their errors.
func (r *Registry) NotifyAll(ctx context.Context, message string) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ns := make([]Notifier, 0, len(r.items))
	for _, n := range r.items {
		ns = append(ns, n)
	}
	r.mu.RUnlock()
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LoopMessage renders a one-line summary of a loop reaching status.
func LoopMessage(l models.Loop, status, detail string) string {
	scope := l.WorkspacePath
	if l.PRDID != nil && *l.PRDID != "" {
		scope = "prd " + *l.PRDID + " in " + l.WorkspacePath
	}
	msg := fmt.Sprintf("maude loop %s %s after %d iterations (%s)", l.ID, status, l.Iteration, scope)
	if d := strings.TrimSpace(detail); d != "" {
		msg += ": " + d
	}
	return msg
}

// SlackWebhook sends messages to a Slack channel via incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
	Client     *http.Client
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": message}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes messages to the structured log. Used when no chat integration is configured.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(ctx context.Context, message string) error {
	slog.InfoContext(ctx, "notification", "message", message)
	return nil
}

// Package tracker imports issues from external trackers as stories, keeps linked stories in
// sync, and reports story outcomes back.
//
// Providers are a closed set (jira, linear, github, asana) built through the constructors
// table; there is no plugin loading.
package tracker

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/pkg/models"
)

// Normalized remote states.
const (
	StateTodo       = "todo"
	StateInProgress = "in_progress"
	StateDone       = "done"
)

// Issue is a tracker item in provider-neutral form.
type Issue struct {
	ExternalID  string    `json:"externalId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	State       string    `json:"state"`     // StateTodo, StateInProgress or StateDone
	RawStatus   string    `json:"rawStatus"` // the provider's own status name
	Priority    string    `json:"priority,omitempty"`
	URL         string    `json:"url,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Project is a container issues are listed from (Jira project, Linear team, GitHub repo, Asana project).
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// ListOptions narrows ListIssues.
type ListOptions struct {
	MaxResults int
}

// Provider is one issue tracker.
type Provider interface {
	ID() string
	TestConnection(ctx context.Context) error
	ListProjects(ctx context.Context) ([]Project, error)
	ListIssues(ctx context.Context, projectKey string, opts ListOptions) ([]Issue, error)
	GetIssue(ctx context.Context, externalID string) (Issue, error)
	// PushStatus reports a local outcome (models.StoryCompleted or models.StoryFailed) with evidence.
	PushStatus(ctx context.Context, externalID, status, evidence string) error
}

// Config holds connection settings for one provider.
type Config struct {
	BaseURL   string
	Email     string // Jira basic auth user
	Token     string
	Workspace string // Asana workspace gid
	Client    *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c Config) baseURL(def string) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return def
}

var constructors = map[string]func(Config) Provider{
	"jira":   func(c Config) Provider { return newJira(c) },
	"linear": func(c Config) Provider { return newLinear(c) },
	"github": func(c Config) Provider { return newGitHub(c) },
	"asana":  func(c Config) Provider { return newAsana(c) },
}

// ProviderIDs returns the supported provider ids, sorted.
func ProviderIDs() []string {
	out := make([]string, 0, len(constructors))
	for id := range constructors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// New builds the provider with the given id.
func New(id string, cfg Config) (Provider, error) {
	ctor, ok := constructors[id]
	if !ok {
		return nil, apperr.Validation("unknown tracker provider %q (supported: %s)", id, strings.Join(ProviderIDs(), ", "))
	}
	if cfg.Token == "" {
		return nil, apperr.Validation("tracker provider %q: token is required", id)
	}
	return ctor(cfg), nil
}

// LocalStatus maps a normalized remote state to a story status.
func LocalStatus(state string) string {
	switch state {
	case StateInProgress:
		return models.StoryInProgress
	case StateDone:
		return models.StoryCompleted
	default:
		return models.StoryPending
	}
}

// Registry holds the configured providers. Replace swaps the whole set on config reload.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{}
	r.Replace(ps...)
	return r
}

// Replace swaps in a new set of providers.
func (r *Registry) Replace(ps ...Provider) {
	m := make(map[string]Provider, len(ps))
	for _, p := range ps {
		m[p.ID()] = p
	}
	r.mu.Lock()
	r.providers = m
	r.mu.Unlock()
}

// Get returns the configured provider. Unknown ids are a Validation error, known but
// unconfigured ones are NotFound.
func (r *Registry) Get(id string) (Provider, error) {
	if _, ok := constructors[id]; !ok {
		return nil, apperr.Validation("unknown tracker provider %q", id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, apperr.NotFound("configured tracker provider", id)
	}
	return p, nil
}

// List returns every supported provider and whether it is configured.
func (r *Registry) List() []models.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderInfo, 0, len(constructors))
	for _, id := range ProviderIDs() {
		_, ok := r.providers[id]
		out = append(out, models.ProviderInfo{ID: id, Configured: ok})
	}
	return out
}

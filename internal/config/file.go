package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/airgap/maude-sub003/pkg/models"
)

// FileName is the config file inside the home directory.
const FileName = "config.yaml"

// Config is the daemon configuration read from <home>/config.yaml.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Store    StoreConfig              `yaml:"store"`
	Agent    AgentConfig              `yaml:"agent"`
	Loop     models.LoopConfig        `yaml:"loop"`
	Sessions SessionConfig            `yaml:"sessions"`
	Trackers map[string]TrackerConfig `yaml:"trackers"`
	Notify   NotifyConfig             `yaml:"notify"`
	Sync     SyncConfig               `yaml:"sync"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	APIKey       string `yaml:"api_key"`
	Dev          bool   `yaml:"dev"`
	Otel         bool   `yaml:"otel"`
	HeartbeatSec int    `yaml:"heartbeat_sec"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `yaml:"dsn"`
}

// AgentConfig selects the agent runtime.
type AgentConfig struct {
	Runtime    string   `yaml:"runtime"` // "stub", "subprocess" or "api"
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Env        []string `yaml:"env"`
	Sandbox    bool     `yaml:"sandbox"`
	TimeoutSec int      `yaml:"timeout_sec"`
	Model      string   `yaml:"model"`
	BaseURL    string   `yaml:"base_url"`
	APIKeyEnv  string   `yaml:"api_key_env"`
	MaxTokens  int      `yaml:"max_tokens"`
	System     string   `yaml:"system"`
}

type SessionConfig struct {
	BufferSize   int `yaml:"buffer_size"`
	RetentionSec int `yaml:"retention_sec"`
}

// TrackerConfig holds one provider's connection settings. Values may reference the
// environment as ${NAME}.
type TrackerConfig struct {
	BaseURL   string `yaml:"base_url"`
	Email     string `yaml:"email"`
	Token     string `yaml:"token"`
	Workspace string `yaml:"workspace"`
}

type NotifyConfig struct {
	Slack *SlackConfig `yaml:"slack"`
	Log   bool         `yaml:"log"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

type SyncConfig struct {
	IntervalSec int `yaml:"interval_sec"` // 0 disables the background refresh
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: models.DefaultPort},
		Store:  StoreConfig{Driver: "sqlite"},
		Agent:  AgentConfig{Runtime: "stub", APIKeyEnv: "ANTHROPIC_API_KEY"},
	}
}

// Path returns the config file path for home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references. Bare $NAME is left alone so shell commands in
// quality checks keep their variables.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

// Load reads <home>/config.yaml over the defaults. A missing file yields the defaults.
func Load(home string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(home))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(home), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", Path(home), err)
	}
	return cfg, nil
}

// Save writes cfg to <home>/config.yaml.
func Save(home string, cfg *Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o600)
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	switch c.Agent.Runtime {
	case "", "stub", "api":
	case "subprocess":
		if c.Agent.Command == "" {
			return errors.New("agent.command is required for the subprocess runtime")
		}
	default:
		return fmt.Errorf("agent.runtime must be stub, subprocess or api, got %q", c.Agent.Runtime)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Slack() != nil && c.Notify.Slack.WebhookURL == "" {
		return errors.New("notify.slack.webhook_url is required")
	}
	return nil
}

// Slack returns the Slack settings, or nil when not configured.
func (c *Config) Slack() *SlackConfig { return c.Notify.Slack }

// APIKey returns the configured Anthropic key from the named environment variable.
func (a AgentConfig) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

func (s SessionConfig) Retention() time.Duration {
	return time.Duration(s.RetentionSec) * time.Second
}

func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

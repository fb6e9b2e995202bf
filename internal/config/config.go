package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sprintboard.yml.
type Config struct {
	Replay struct {
		MaxEvents int           `yaml:"max_events"`
		MaxAge    time.Duration `yaml:"max_age"`
	} `yaml:"replay"`
	Gateway struct {
		QueueSize         int           `yaml:"queue_size"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
	} `yaml:"gateway"`
	Redelivery struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"redelivery"`
	Aggregate struct {
		ReconcileSchedule string `yaml:"reconcile_schedule"`
	} `yaml:"aggregate"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Auth struct {
		DevTokens bool `yaml:"dev_tokens"`
	} `yaml:"auth"`
	RBAC struct {
		Roles map[string]RoleConfig `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RoleConfig struct {
	Rank        int      `yaml:"rank"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var knownEvents = map[string]bool{"OwnershipTaken": true, "OwnershipReleased": true, "StatusChanged": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Replay.MaxEvents < 0 {
		return fmt.Errorf("replay.max_events must not be negative")
	}
	if c.Replay.MaxEvents == 0 && c.Replay.MaxAge <= 0 {
		return fmt.Errorf("replay needs max_events or max_age")
	}
	if c.Gateway.QueueSize <= 0 {
		return fmt.Errorf("gateway.queue_size must be positive")
	}
	if c.Gateway.HeartbeatInterval <= 0 || c.Gateway.HeartbeatTimeout <= 0 {
		return fmt.Errorf("gateway heartbeat interval and timeout are required")
	}
	if c.Gateway.HeartbeatTimeout <= c.Gateway.HeartbeatInterval {
		return fmt.Errorf("gateway.heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Redelivery.Interval <= 0 {
		return fmt.Errorf("redelivery.interval must be positive")
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for _, required := range []string{"viewer", "contributor", "maintainer", "admin"} {
		if _, ok := c.RBAC.Roles[required]; !ok {
			return fmt.Errorf("config.rbac.roles must include %s", required)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if !knownEvents[evt] {
				return fmt.Errorf("webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sprintboard.yml")
}

// Load reads the workspace config, falling back to defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DefaultYAML), &cfg); err != nil {
		return nil, fmt.Errorf("default config yaml: %w", err)
	}
	if string(data) != DefaultYAML {
		var override Config
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
		if len(override.RBAC.Roles) > 0 {
			cfg.RBAC.Roles = nil
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const DefaultYAML = `replay:
  max_events: 500
  max_age: 15m

gateway:
  queue_size: 64
  heartbeat_interval: 15s
  heartbeat_timeout: 45s
  write_timeout: 10s

redelivery:
  interval: 2s

aggregate:
  reconcile_schedule: "@every 1m"

store:
  driver: sqlite

auth:
  dev_tokens: false

rbac:
  roles:
    viewer:
      rank: 10
      description: "Reads the board"
      permissions: [board.read]
    contributor:
      rank: 20
      description: "Claims and works tasks"
      permissions: [board.read, task.claim, task.work]
    maintainer:
      rank: 30
      description: "Contributor who may release other people's tasks"
      permissions: [board.read, task.claim, task.work, ownership.override]
    admin:
      rank: 40
      description: "Full control including sprint setup"
      permissions: [board.read, task.claim, task.work, ownership.override, sprint.manage]
`

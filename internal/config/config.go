package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Rollover policies: "exact" advances only tasks whose day equals the day
// that just ended; "catchup" also folds in any overdue day (covers boundary
// runs missed during downtime).
const (
	RolloverExact   = "exact"
	RolloverCatchUp = "catchup"
)

// Notifier kinds.
const (
	NotifierLog      = "log"
	NotifierTelegram = "telegram"
)

// Config models daybook.yml.
type Config struct {
	Timezone string `yaml:"timezone"`
	Rollover struct {
		Policy string `yaml:"policy"`
	} `yaml:"rollover"`
	Notifier struct {
		Kind     string `yaml:"kind"`
		Telegram struct {
			Token string `yaml:"token"`
		} `yaml:"telegram"`
	} `yaml:"notifier"`
	Server struct {
		Addr             string `yaml:"addr"`
		BasePath         string `yaml:"base_path"`
		JWTSecret        string `yaml:"jwt_secret"`
		AllowOwnerHeader bool   `yaml:"allow_owner_header"`
		DevAuth          bool   `yaml:"dev_auth"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one event-forwarding target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with daybook config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timezone == "" {
		return fmt.Errorf("config.timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone %s is not a valid zone name: %w", c.Timezone, err)
	}
	switch c.Rollover.Policy {
	case RolloverExact, RolloverCatchUp:
	default:
		return fmt.Errorf("config.rollover.policy must be %q or %q", RolloverExact, RolloverCatchUp)
	}
	switch c.Notifier.Kind {
	case NotifierLog:
	case NotifierTelegram:
		if c.Notifier.Telegram.Token == "" {
			return fmt.Errorf("config.notifier.telegram.token is required for the telegram notifier")
		}
	default:
		return fmt.Errorf("config.notifier.kind must be %q or %q", NotifierLog, NotifierTelegram)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "daybook.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timezone: UTC

rollover:
  # exact: only tasks dated the day that just ended move forward.
  # catchup: any overdue pending task moves forward (for missed runs).
  policy: exact

notifier:
  kind: log
  telegram:
    token: ""

server:
  addr: ":8080"
  base_path: /v1
  jwt_secret: ""
  allow_owner_header: true
  dev_auth: false

webhooks: []
`

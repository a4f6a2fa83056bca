package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cleanctl.yml.
type Config struct {
	Defaults struct {
		Timezone    string `yaml:"timezone"`
		HorizonDays int    `yaml:"horizon_days"`
		GraceDays   int    `yaml:"grace_days"`
	} `yaml:"defaults"`
	Scheduler struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"scheduler"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one lifecycle-event subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.Timezone == "" {
		return fmt.Errorf("config.defaults.timezone is required")
	}
	if _, err := time.LoadLocation(c.Defaults.Timezone); err != nil {
		return fmt.Errorf("config.defaults.timezone: %w", err)
	}
	if c.Defaults.HorizonDays <= 0 {
		return fmt.Errorf("config.defaults.horizon_days must be positive")
	}
	if c.Defaults.GraceDays < 0 {
		return fmt.Errorf("config.defaults.grace_days must not be negative")
	}
	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("config.scheduler.interval_minutes must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// SweepInterval returns the scheduler cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cleanctl.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
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

// GenerateDefault returns default config YAML for bootstrapping a workspace.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `defaults:
  # Time zone applied to new definitions unless the operator sets one.
  timezone: Europe/Moscow
  # How far ahead the scheduler projects upcoming occurrences.
  horizon_days: 7
  # Days past due before an untouched occurrence is auto-failed.
  grace_days: 1

scheduler:
  interval_minutes: 60

webhooks: []
#  - url: https://chat-bridge.internal/hooks/cleaning
#    secret: ""
#    events: [occurrence.complete, occurrence.fail]
#    timeout_seconds: 5
`

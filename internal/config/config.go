// Package config provides YAML-based configuration loading for Threadyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

// Config is the top-level Threadyard configuration, loaded from threadyard.yaml.
type Config struct {
	Slack         SlackConfig         `yaml:"slack"`
	Anonymization AnonymizationConfig `yaml:"anonymization"`
	Store         StoreConfig         `yaml:"store"`
	Harvest       HarvestConfig       `yaml:"harvest"`
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Channels      []ChannelConfig     `yaml:"channels"`
}

// SlackConfig holds API credentials and retry policy for the Slack client.
type SlackConfig struct {
	TokenEnv          string        `yaml:"token_env"`
	MaxRetries        *int          `yaml:"max_retries"` // nil means 5; 0 disables retries
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	PageSize          int           `yaml:"page_size"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// Token returns the bot token from the configured environment variable.
func (s SlackConfig) Token() string {
	return os.Getenv(s.TokenEnv)
}

// AnonymizationConfig names where the run salt comes from.
type AnonymizationConfig struct {
	SaltEnv string `yaml:"salt_env"`
}

// Salt returns the configured salt, or "" when unset.
func (a AnonymizationConfig) Salt() string {
	return os.Getenv(a.SaltEnv)
}

// StoreConfig selects and addresses the content store backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	URI      string `yaml:"uri"`
}

// HarvestConfig controls the harvest loop.
type HarvestConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Schedule     string        `yaml:"schedule"`
	Workers      int           `yaml:"workers"`
	LookbackDays int           `yaml:"lookback_days"`
}

// ServerConfig holds read API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChannelConfig describes a monitored Slack channel.
type ChannelConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the channel should be harvested. Channels
// without an explicit enabled flag are enabled.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnabledChannelIDs returns the IDs of enabled channels in roster order.
func (c *Config) EnabledChannelIDs() []string {
	var ids []string
	for _, ch := range c.Channels {
		if ch.IsEnabled() {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

// Channel looks up a channel by ID.
func (c *Config) Channel(id string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Slack.TokenEnv == "" {
		c.Slack.TokenEnv = "SLACK_BOT_TOKEN"
	}
	if c.Slack.MaxRetries == nil {
		n := 5
		c.Slack.MaxRetries = &n
	}
	if c.Slack.InitialDelay == 0 {
		c.Slack.InitialDelay = time.Second
	}
	if c.Slack.MaxDelay == 0 {
		c.Slack.MaxDelay = time.Minute
	}
	if c.Slack.PageSize == 0 {
		c.Slack.PageSize = 200
	}
	if c.Anonymization.SaltEnv == "" {
		c.Anonymization.SaltEnv = "ANONYMIZATION_SALT"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			c.Store.Path = "threadyard.db"
		}
	case DriverMySQL:
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" {
			c.Store.Database = "threadyard"
		}
	case DriverMongo:
		if c.Store.URI == "" {
			c.Store.URI = "mongodb://127.0.0.1:27017"
		}
		if c.Store.Database == "" {
			c.Store.Database = "threadyard"
		}
	case DriverRedis:
		if c.Store.URI == "" {
			c.Store.URI = "redis://127.0.0.1:6379/0"
		}
	}

	if c.Harvest.Interval == 0 {
		c.Harvest.Interval = 5 * time.Minute
	}
	if c.Harvest.Workers == 0 {
		c.Harvest.Workers = 1
	}
	if c.Harvest.LookbackDays == 0 {
		c.Harvest.LookbackDays = 30
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Channels) == 0 {
		errs = append(errs, "at least one channel is required")
	}
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].id is required", i))
			continue
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("channels[%d].id %q is duplicated", i, ch.ID))
		}
		seen[ch.ID] = true
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMySQL, DriverMongo, DriverRedis:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if *c.Slack.MaxRetries < 0 {
		errs = append(errs, "slack.max_retries must not be negative")
	}
	if c.Slack.MaxDelay < c.Slack.InitialDelay {
		errs = append(errs, "slack.max_delay must be >= slack.initial_delay")
	}
	if c.Slack.PageSize < 1 || c.Slack.PageSize > 1000 {
		errs = append(errs, "slack.page_size must be between 1 and 1000")
	}
	if c.Slack.RequestsPerMinute < 0 {
		errs = append(errs, "slack.requests_per_minute must not be negative")
	}
	if c.Harvest.Workers < 1 {
		errs = append(errs, "harvest.workers must be >= 1")
	}
	if c.Harvest.Interval < 0 {
		errs = append(errs, "harvest.interval must not be negative")
	}
	if c.Harvest.LookbackDays < 0 {
		errs = append(errs, "harvest.lookback_days must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package config loads and validates lodge.yml, the configuration file shared
// by the hub daemon and the CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level lodge.yml configuration.
type Config struct {
	Version  string         `yaml:"version"`
	Instance string         `yaml:"instance"` // namespaces Redis keys and channels
	Server   ServerConfig   `yaml:"server,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Client   ClientConfig   `yaml:"client,omitempty"`
	Presence PresenceConfig `yaml:"presence,omitempty"`
	Limits   LimitsConfig   `yaml:"limits,omitempty"`
}

// ServerConfig specifies the hub daemon's listen address and token exchange.
type ServerConfig struct {
	Listen   string `yaml:"listen,omitempty"`    // address for /connect and /healthz
	TokenURL string `yaml:"token_url,omitempty"` // token-exchange endpoint consumed by clients
}

// RedisConfig specifies the Redis instance backing cross-process fan-out.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ClientConfig specifies reconnect and heartbeat behavior for the realtime
// client.
type ClientConfig struct {
	BackoffInitial time.Duration `yaml:"backoff_initial,omitempty"` // first reconnect delay
	BackoffMax     time.Duration `yaml:"backoff_max,omitempty"`     // cap on reconnect delay
	Heartbeat      time.Duration `yaml:"heartbeat,omitempty"`       // ping interval
}

// PresenceConfig specifies the presence tracker's timing policy. All three
// thresholds are deliberately configurable rather than hard-coded.
type PresenceConfig struct {
	IdleAfter    time.Duration `yaml:"idle_after,omitempty"`    // online → idle with no activity
	AwayAfter    time.Duration `yaml:"away_after,omitempty"`    // idle → away with no activity
	OfflineGrace time.Duration `yaml:"offline_grace,omitempty"` // disconnect → offline delay
	StaleAfter   time.Duration `yaml:"stale_after,omitempty"`   // entries older than this report offline
}

// LimitsConfig bounds every queue and backlog in the hub.
type LimitsConfig struct {
	SendQueue     int `yaml:"send_queue,omitempty"`     // client outbound buffer while reconnecting
	SessionQueue  int `yaml:"session_queue,omitempty"`  // per-session server outbound buffer
	Notifications int `yaml:"notifications,omitempty"`  // notification retention cap
	ActivityItems int `yaml:"activity_items,omitempty"` // activity items kept per scope
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{Version: "1.0", Instance: "lodge"}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a lodge.yml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "lodge"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Client.BackoffInitial == 0 {
		c.Client.BackoffInitial = 500 * time.Millisecond
	}
	if c.Client.BackoffMax == 0 {
		c.Client.BackoffMax = 30 * time.Second
	}
	if c.Client.Heartbeat == 0 {
		c.Client.Heartbeat = 25 * time.Second
	}
	if c.Presence.IdleAfter == 0 {
		c.Presence.IdleAfter = 2 * time.Minute
	}
	if c.Presence.AwayAfter == 0 {
		c.Presence.AwayAfter = 10 * time.Minute
	}
	if c.Presence.OfflineGrace == 0 {
		c.Presence.OfflineGrace = 8 * time.Second
	}
	if c.Presence.StaleAfter == 0 {
		c.Presence.StaleAfter = 15 * time.Minute
	}
	if c.Limits.SendQueue == 0 {
		c.Limits.SendQueue = 128
	}
	if c.Limits.SessionQueue == 0 {
		c.Limits.SessionQueue = 256
	}
	if c.Limits.Notifications == 0 {
		c.Limits.Notifications = 500
	}
	if c.Limits.ActivityItems == 0 {
		c.Limits.ActivityItems = 200
	}
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Instance == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if c.Client.BackoffInitial <= 0 {
		return fmt.Errorf("client.backoff_initial must be positive")
	}
	if c.Client.BackoffMax < c.Client.BackoffInitial {
		return fmt.Errorf("client.backoff_max must be >= client.backoff_initial")
	}
	if c.Client.Heartbeat <= 0 {
		return fmt.Errorf("client.heartbeat must be positive")
	}
	if c.Presence.IdleAfter <= 0 {
		return fmt.Errorf("presence.idle_after must be positive")
	}
	if c.Presence.AwayAfter <= c.Presence.IdleAfter {
		return fmt.Errorf("presence.away_after must be greater than presence.idle_after")
	}
	if c.Presence.OfflineGrace <= 0 {
		return fmt.Errorf("presence.offline_grace must be positive")
	}
	if c.Presence.StaleAfter <= 0 {
		return fmt.Errorf("presence.stale_after must be positive")
	}
	if c.Limits.SendQueue < 1 {
		return fmt.Errorf("limits.send_queue must be at least 1")
	}
	if c.Limits.SessionQueue < 1 {
		return fmt.Errorf("limits.session_queue must be at least 1")
	}
	if c.Limits.Notifications < 1 {
		return fmt.Errorf("limits.notifications must be at least 1")
	}
	if c.Limits.ActivityItems < 1 {
		return fmt.Errorf("limits.activity_items must be at least 1")
	}
	return nil
}

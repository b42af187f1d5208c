// Package config loads server configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent configures the runtime CLI launched per session.
type Agent struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the full server configuration.
type Config struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
	DBPath    string `yaml:"db_path"`

	MaxSessions      int `yaml:"max_sessions"`
	EventLogCapacity int `yaml:"event_log_capacity"`
	InboxCapacity    int `yaml:"inbox_capacity"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// GracePeriod is how long an ended session stays addressable
	// before its actor is torn down.
	GracePeriod time.Duration `yaml:"grace_period"`

	Agent Agent `yaml:"agent"`
}

// Default returns the configuration used when no file or overrides
// are present.
func Default() Config {
	return Config{
		Port:             8408,
		StaticDir:        "./static",
		DBPath:           "./sessionhub.db",
		MaxSessions:      32,
		EventLogCapacity: 1000,
		InboxCapacity:    256,
		SubscriberBuffer: 64,
		GracePeriod:      30 * time.Second,
		Agent: Agent{
			Command: "claude",
			Args:    []string{"--output-format", "stream-json"},
		},
	}
}

// Load reads the YAML file at path (if path is non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SESSIONHUB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSIONHUB_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("SESSIONHUB_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("SESSIONHUB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SESSIONHUB_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSIONHUB_MAX_SESSIONS: %w", err)
		}
		cfg.MaxSessions = n
	}
	if v := os.Getenv("SESSIONHUB_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if c.EventLogCapacity <= 0 {
		return fmt.Errorf("event_log_capacity must be positive")
	}
	if c.InboxCapacity <= 0 {
		return fmt.Errorf("inbox_capacity must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	return nil
}

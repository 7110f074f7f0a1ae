// Package config holds the engine configuration with defaults and YAML
// file loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/denkhaus/pulse/internal/types"
)

// Config is the full engine configuration.
type Config struct {
	// DefaultTaskTimeout bounds every task's execution.
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`

	// QueuePollInterval is the parent watch-loop cadence.
	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`

	// Groups configures the concurrency pools. The default group gets a cap
	// of 32 unless listed here.
	Groups []types.GroupConfig `yaml:"groups"`

	// EventBufferSize bounds each event subscriber's backlog.
	EventBufferSize int `yaml:"event_buffer_size"`

	// ListenAddr is the bind address of the websocket/metrics server.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the sqlite file used when the engine does not run on
	// the in-memory repository.
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTaskTimeout: 60 * time.Minute,
		QueuePollInterval:  100 * time.Millisecond,
		Groups: []types.GroupConfig{
			{ID: types.DefaultGroupID, MaxParallelism: types.DefaultGroupParallelism},
		},
		EventBufferSize: 256,
		ListenAddr:      ":8080",
		DatabasePath:    "pulse.db",
	}
}

// UnmarshalYAML decodes the config, accepting duration strings like "5m"
// or "250ms" and leaving absent keys at their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		DefaultTaskTimeout string              `yaml:"default_task_timeout"`
		QueuePollInterval  string              `yaml:"queue_poll_interval"`
		Groups             []types.GroupConfig `yaml:"groups"`
		EventBufferSize    *int                `yaml:"event_buffer_size"`
		ListenAddr         string              `yaml:"listen_addr"`
		DatabasePath       string              `yaml:"database_path"`
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	if r.DefaultTaskTimeout != "" {
		d, err := time.ParseDuration(r.DefaultTaskTimeout)
		if err != nil {
			return fmt.Errorf("default_task_timeout: %w", err)
		}
		c.DefaultTaskTimeout = d
	}
	if r.QueuePollInterval != "" {
		d, err := time.ParseDuration(r.QueuePollInterval)
		if err != nil {
			return fmt.Errorf("queue_poll_interval: %w", err)
		}
		c.QueuePollInterval = d
	}
	if r.Groups != nil {
		c.Groups = r.Groups
	}
	if r.EventBufferSize != nil {
		c.EventBufferSize = *r.EventBufferSize
	}
	if r.ListenAddr != "" {
		c.ListenAddr = r.ListenAddr
	}
	if r.DatabasePath != "" {
		c.DatabasePath = r.DatabasePath
	}
	return nil
}

// LoadFromFile reads a YAML config file over the defaults. A missing file
// is not an error; the defaults stand.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration values are valid
func Validate(c *Config) error {
	if c.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("default_task_timeout must be positive, got %s", c.DefaultTaskTimeout)
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("queue_poll_interval must be positive, got %s", c.QueuePollInterval)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("event_buffer_size must be at least 1, got %d", c.EventBufferSize)
	}
	for _, g := range c.Groups {
		if g.ID == "" {
			return fmt.Errorf("group id cannot be empty")
		}
		if g.MaxParallelism < 1 {
			return fmt.Errorf("group %q: max_parallelism must be at least 1, got %d", g.ID, g.MaxParallelism)
		}
	}
	return nil
}

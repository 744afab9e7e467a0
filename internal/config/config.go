// Package config loads the chainview YAML configuration file and maps it
// onto the runtime configs of the hub, the server, and the dev node.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full chainview.yaml schema.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Hub     HubConfig     `yaml:"hub"`
	Node    NodeConfig    `yaml:"node"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Address        string   `yaml:"address"`
	CertFile       string   `yaml:"cert_file"`
	KeyFile        string   `yaml:"key_file"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type HubConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	StateTimeout time.Duration `yaml:"state_timeout"`
}

// NodeConfig tunes the built-in simulated node used for development and
// demos.
type NodeConfig struct {
	Seed         int64         `yaml:"seed"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Accounts     int           `yaml:"accounts"`
}

type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Bucket   string        `yaml:"bucket"`
	Prefix   string        `yaml:"prefix"`
	Region   string        `yaml:"region"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8547",
		},
		Hub: HubConfig{
			SendBuffer:   64,
			WriteTimeout: 10 * time.Second,
			StateTimeout: 5 * time.Second,
		},
		Node: NodeConfig{
			Seed:         1,
			TickInterval: time.Second,
			Accounts:     8,
		},
		Archive: ArchiveConfig{
			Prefix:   "snapshots/",
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("config: cert_file and key_file must be set together")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.bucket is required when archive is enabled")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.Log.Level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

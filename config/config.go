// Package config loads chatlink settings from a TOML file with environment
// variable overrides. Every tunable carries the default the web client
// shipped with, so an empty configuration is fully usable.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// ErrEndpointRequired indicates a configuration without an API endpoint.
var ErrEndpointRequired = errors.New("api endpoint is required")

// History backends.
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the full chatlink configuration.
type Config struct {
	// Endpoint is the chat backend API base, e.g. "http://localhost:5000/api".
	Endpoint string `toml:"endpoint" env:"CHATLINK_ENDPOINT"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `toml:"log_level" env:"CHATLINK_LOG_LEVEL"`

	Delivery DeliveryConfig `toml:"delivery"`
	Stream   StreamConfig   `toml:"stream"`
	History  HistoryConfig  `toml:"history"`
	Status   StatusConfig   `toml:"status"`
}

// DeliveryConfig tunes the outbound retry and timeout behavior.
type DeliveryConfig struct {
	MaxRetries       int `toml:"max_retries" env:"CHATLINK_MAX_RETRIES"`
	RetryDelayMS     int `toml:"retry_delay_ms" env:"CHATLINK_RETRY_DELAY_MS"`
	MessageTimeoutMS int `toml:"message_timeout_ms" env:"CHATLINK_MESSAGE_TIMEOUT_MS"`
}

// StreamConfig tunes the push channel reconnect backoff.
type StreamConfig struct {
	BaseDelayMS int `toml:"base_delay_ms" env:"CHATLINK_STREAM_BASE_DELAY_MS"`
	MaxDelayMS  int `toml:"max_delay_ms" env:"CHATLINK_STREAM_MAX_DELAY_MS"`
}

// HistoryConfig tunes transcript retention and persistence.
type HistoryConfig struct {
	MaxSize int    `toml:"max_size" env:"CHATLINK_HISTORY_MAX_SIZE"`
	Backend string `toml:"backend" env:"CHATLINK_HISTORY_BACKEND"`
	Path    string `toml:"path" env:"CHATLINK_HISTORY_PATH"`
}

// StatusConfig tunes the backend status poller.
type StatusConfig struct {
	PollIntervalMS int `toml:"poll_interval_ms" env:"CHATLINK_STATUS_POLL_INTERVAL_MS"`
}

// Default returns the configuration the web client shipped with.
func Default() Config {
	return Config{
		Endpoint: "http://localhost:5000/api",
		LogLevel: "info",
		Delivery: DeliveryConfig{
			MaxRetries:       3,
			RetryDelayMS:     2000,
			MessageTimeoutMS: 30000,
		},
		Stream: StreamConfig{
			BaseDelayMS: 5000,
			MaxDelayMS:  30000,
		},
		History: HistoryConfig{
			MaxSize: 100,
			Backend: BackendNone,
		},
		Status: StatusConfig{
			PollIntervalMS: 10000,
		},
	}
}

// Load builds the configuration: defaults, overlaid with the TOML file at
// path (a missing file is logged and skipped), overlaid with CHATLINK_*
// environment variables, then validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
			}
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("Config file not found, using defaults")
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointRequired
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must be >= 0, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.RetryDelayMS < 0 || c.Delivery.MessageTimeoutMS < 0 {
		return errors.New("delivery delays must be >= 0")
	}
	if c.Stream.BaseDelayMS < 0 || c.Stream.MaxDelayMS < 0 {
		return errors.New("stream delays must be >= 0")
	}
	if c.History.MaxSize < 0 {
		return fmt.Errorf("history.max_size must be >= 0, got %d", c.History.MaxSize)
	}
	switch c.History.Backend {
	case "", BackendNone, BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	if (c.History.Backend == BackendFile || c.History.Backend == BackendSQLite) && c.History.Path == "" {
		return fmt.Errorf("history backend %q requires history.path", c.History.Backend)
	}
	return nil
}

// RetryDelay returns the delivery retry delay as a duration.
func (c DeliveryConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// MessageTimeout returns the response timeout as a duration.
func (c DeliveryConfig) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutMS) * time.Millisecond
}

// BaseDelay returns the reconnect base delay as a duration.
func (c StreamConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the reconnect backoff cap as a duration.
func (c StreamConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// PollInterval returns the status poll interval as a duration.
func (c StatusConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVSYNC_"

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session" env:"DEFAULT_SESSION"`

	// SelfID is the remote id of the local account. When the transport is
	// enabled the paired account's id takes precedence.
	SelfID   string `toml:"self_id" env:"SELF_ID"`
	SelfName string `toml:"self_name" env:"SELF_NAME"`

	LogLevel string `toml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	Sync      SyncConfig      `toml:"sync" envPrefix:"SYNC_"`
	Transport TransportConfig `toml:"transport" envPrefix:"TRANSPORT_"`
}

// SyncConfig tunes the sync engine, the read marker coalescing and the push loop.
type SyncConfig struct {
	EventBuffer         int           `toml:"event_buffer" env:"EVENT_BUFFER" validate:"gte=1"`
	MaxRetries          int           `toml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"`
	ReadMarkerDelay     time.Duration `toml:"read_marker_delay" env:"READ_MARKER_DELAY" validate:"gte=0"`
	PushInterval        time.Duration `toml:"push_interval" env:"PUSH_INTERVAL" validate:"gt=0"`
	PushConcurrency     int           `toml:"push_concurrency" env:"PUSH_CONCURRENCY" validate:"gte=1"`
	MaintenanceSchedule string        `toml:"maintenance_schedule" env:"MAINTENANCE_SCHEDULE"`
}

// TransportConfig configures the WhatsApp transport.
type TransportConfig struct {
	Enabled    bool   `toml:"enabled" env:"ENABLED"`
	DeviceName string `toml:"device_name" env:"DEVICE_NAME"`
}

// Default returns the configuration used when no file or override sets a key.
func Default() *Config {
	return &Config{
		SelfID:   "self@local",
		SelfName: "Me",
		LogLevel: "info",
		Sync: SyncConfig{
			EventBuffer:         256,
			MaxRetries:          3,
			ReadMarkerDelay:     time.Second,
			PushInterval:        500 * time.Millisecond,
			PushConcurrency:     4,
			MaintenanceSchedule: "@every 10m",
		},
		Transport: TransportConfig{
			DeviceName: "convsync",
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads the file when it exists, applies CONVSYNC_* environment
// overrides and validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the tunables are in range.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

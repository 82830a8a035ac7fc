// Package config handles configuration loading and validation for diaryd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config holds the complete client configuration.
type Config struct {
	// Storage configuration for the local event store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Device identity for event attribution.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Sync configuration for the remote sink.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds event store persistence settings.
type StorageConfig struct {
	// DatabasePath is the SQLite database location.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`
}

// DeviceConfig identifies this device.
type DeviceConfig struct {
	// DeviceID is the stable device UUID assigned at first run.
	DeviceID string `toml:"device_id" json:"device_id" yaml:"device_id"`

	// SecretPath points at the enrollment secret used to derive the
	// batch signing key.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
}

// SyncConfig holds remote sink settings.
type SyncConfig struct {
	// Endpoint is the sink base URL. Empty disables sync.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// IntervalSeconds between periodic sync attempts.
	IntervalSeconds int `toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"`

	// BatchSize caps events per push request.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// FilePath writes logs to a file when set; empty logs to stderr.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// Interval returns the sync interval as a duration.
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Default returns the default configuration with platform paths filled in.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DatabasePath: filepath.Join(defaultDataDir(), "diary.db"),
		},
		Device: DeviceConfig{
			SecretPath: filepath.Join(defaultDataDir(), "device.secret"),
		},
		Sync: SyncConfig{
			IntervalSeconds: 300,
			BatchSize:       100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the platform-specific default config file path.
func DefaultPath() string {
	return filepath.Join(defaultConfigDir(), "config.toml")
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "diaryd")
	case "windows":
		appData := os.Getenv("APPDATA")
		return filepath.Join(appData, "diaryd")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, _ := os.UserHomeDir()
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "diaryd")
	}
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "diaryd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		return filepath.Join(appData, "diaryd")
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, _ := os.UserHomeDir()
			dataHome = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataHome, "diaryd")
	}
}

// ApplyEnvOverrides lets DIARYD_* environment variables override file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DIARYD_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("DIARYD_DEVICE_ID"); v != "" {
		c.Device.DeviceID = v
	}
	if v := os.Getenv("DIARYD_SYNC_ENDPOINT"); v != "" {
		c.Sync.Endpoint = v
	}
	if v := os.Getenv("DIARYD_SYNC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.IntervalSeconds = n
		}
	}
	if v := os.Getenv("DIARYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.DatabasePath == "" {
		errs = append(errs, errors.New("storage.database_path is required"))
	}
	if c.Sync.IntervalSeconds < 0 {
		errs = append(errs, errors.New("sync.interval_seconds must not be negative"))
	}
	if c.Sync.BatchSize < 0 {
		errs = append(errs, errors.New("sync.batch_size must not be negative"))
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

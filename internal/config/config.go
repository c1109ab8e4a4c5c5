// Package config loads mxkeys settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/mxkeys/internal/store"
)

// Config holds the session settings. Command-line flags override it.
type Config struct {
	// Homeserver is the client-server API base URL.
	Homeserver string `yaml:"homeserver"`

	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`

	// AccessToken authenticates API calls when no cached token exists.
	AccessToken string `yaml:"access_token"`

	// DBPath is the SQLite key store.
	DBPath string `yaml:"db_path"`

	// LegacyPath is the plain key-value file read for token migration.
	LegacyPath string `yaml:"legacy_path"`

	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level"`
}

// DefaultPath returns the config file location under the data directory.
func DefaultPath() string {
	return filepath.Join(store.DefaultDataDir(), "config.yaml")
}

// Default returns the default configuration.
func Default() *Config {
	dir := store.DefaultDataDir()
	return &Config{
		DBPath:     filepath.Join(dir, "keys.db"),
		LegacyPath: filepath.Join(dir, "legacy.json"),
		LogLevel:   "info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories. The file may hold an
// access token and is written owner-only.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

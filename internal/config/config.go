// Package config loads glyph configuration from a YAML file with sensible
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	appDirName = "glyph"
	dbFileName = "glyph.db"
)

// Config holds all user-tunable settings.
type Config struct {
	// DatabasePath is the SQLite cache location.
	DatabasePath string `yaml:"database_path"`
	// Repositories lists tracked repositories in "owner/name" form.
	Repositories []string `yaml:"repositories"`
	// Token overrides automatic GitHub token discovery when set.
	Token string `yaml:"token"`

	// ItemPollSeconds is the interval between item-list sync cycles.
	ItemPollSeconds int `yaml:"item_poll_seconds"`
	// DetailPollSeconds is the interval between comment/review sync cycles
	// for the active item.
	DetailPollSeconds int `yaml:"detail_poll_seconds"`
	// RetryAttempts bounds retries of transient gateway failures.
	RetryAttempts int `yaml:"retry_attempts"`
	// RequestTimeoutSeconds applies per gateway call, not per sync cycle.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// CommentTTLDays is how long comment data for unopened items is kept
	// before the purge command prunes it.
	CommentTTLDays int `yaml:"comment_ttl_days"`
	// CommentCacheCap bounds how many items keep cached comments after a
	// purge, coldest evicted first. Zero disables the cap.
	CommentCacheCap int `yaml:"comment_cache_cap"`
	// SoftDeleteHours is how long soft-deleted rows linger before purge.
	SoftDeleteHours int `yaml:"soft_delete_hours"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DatabasePath:          DefaultDatabasePath(),
		ItemPollSeconds:       60,
		DetailPollSeconds:     20,
		RetryAttempts:         3,
		RequestTimeoutSeconds: 30,
		CommentTTLDays:        14,
		CommentCacheCap:       200,
		SoftDeleteHours:       24,
		LogLevel:              "info",
	}
}

// Load reads the configuration at path, applying defaults for unset fields.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath()
	}
	if cfg.ItemPollSeconds <= 0 {
		cfg.ItemPollSeconds = 60
	}
	if cfg.DetailPollSeconds <= 0 {
		cfg.DetailPollSeconds = 20
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	if cfg.CommentTTLDays <= 0 {
		cfg.CommentTTLDays = 14
	}
	// An explicit zero disables the cap; only negatives are nonsense.
	if cfg.CommentCacheCap < 0 {
		cfg.CommentCacheCap = 0
	}
	if cfg.SoftDeleteHours <= 0 {
		cfg.SoftDeleteHours = 24
	}

	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ItemPollInterval returns the item-list poll interval as a duration.
func (c *Config) ItemPollInterval() time.Duration {
	return time.Duration(c.ItemPollSeconds) * time.Second
}

// DetailPollInterval returns the detail poll interval as a duration.
func (c *Config) DetailPollInterval() time.Duration {
	return time.Duration(c.DetailPollSeconds) * time.Second
}

// RequestTimeout returns the per-call gateway timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CommentTTL returns the cold-comment retention window as a duration.
func (c *Config) CommentTTL() time.Duration {
	return time.Duration(c.CommentTTLDays) * 24 * time.Hour
}

// SoftDeleteAge returns the soft-delete retention window as a duration.
func (c *Config) SoftDeleteAge() time.Duration {
	return time.Duration(c.SoftDeleteHours) * time.Hour
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDirName, "config.yml")
	}
	return filepath.Join(".", "config.yml")
}

// DefaultDatabasePath returns the default cache database location,
// following the platform data-directory conventions.
func DefaultDatabasePath() string {
	return filepath.Join(dataDir(), appDirName, dbFileName)
}

func dataDir() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return dir
		}
		if dir := os.Getenv("APPDATA"); dir != "" {
			return dir
		}
	} else {
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return dir
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".local", "share")
		}
	}

	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}

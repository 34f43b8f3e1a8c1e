// Package config provides configuration management for SyncVault.
// Settings come from an optional YAML file, overridden by environment
// variables with the SYNCVAULT_ prefix, with sensible defaults for
// everything except the source and destination paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/syncvault/pkg/types"
)

// Config holds all configuration settings for a SyncVault run.
type Config struct {
	// Sources are the directories to back up. Each produces its own
	// archive and history chain.
	Sources []string `yaml:"sources"`

	// Destination is the directory archives and the history ledger live in.
	Destination string `yaml:"destination"`

	// BackupType selects full, differential, or auto (default: auto).
	BackupType string `yaml:"backup_type"`

	// Format selects the archive container: zip or targz (default: zip).
	Format string `yaml:"format"`

	// ExcludePatterns are base-name glob patterns skipped during
	// enumeration.
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// MaxWorkers bounds the fingerprint worker pool (0 = automatic).
	MaxWorkers int `yaml:"max_workers"`

	// ThrottleBytesPerSec limits read bandwidth during hashing and
	// archiving (0 = unthrottled).
	ThrottleBytesPerSec int64 `yaml:"throttle_bytes_per_sec"`

	// FullBackupDay is the weekday on which auto runs promote to full
	// backups (default: Sunday).
	FullBackupDay string `yaml:"full_backup_day"`

	// HistoryPath locates the history database. Empty means
	// <destination>/syncvault.db.
	HistoryPath string `yaml:"history_path"`

	// Retention controls pruning.
	Retention RetentionConfig `yaml:"retention"`

	// Watch controls watch mode.
	Watch WatchConfig `yaml:"watch"`
}

// RetentionConfig controls how much history Prune keeps.
type RetentionConfig struct {
	// KeepRuns keeps the newest N runs per source root (0 = unlimited).
	KeepRuns int `yaml:"keep_runs"`

	// KeepDays keeps runs newer than N days (0 = unlimited).
	KeepDays int `yaml:"keep_days"`
}

// WatchConfig controls watch mode behavior.
type WatchConfig struct {
	// DebounceSeconds is the quiet period after the last filesystem event
	// before a backup run triggers (default: 30).
	DebounceSeconds int `yaml:"debounce_seconds"`
}

// DefaultExcludePatterns are the patterns applied when the configuration
// names none: editor temp files and OS metadata droppings.
var DefaultExcludePatterns = []string{"*.tmp", "*.temp", "~*", "Thumbs.db", ".DS_Store"}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies SYNCVAULT_ environment overrides, and fills
// defaults. The result is not validated; call Validate before use.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No file is fine; env vars and defaults carry the run.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks the configuration for a backup run. List and restore
// operations only need Destination, which callers check separately.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("config: at least one source directory is required")
	}
	if c.Destination == "" {
		return errors.New("config: destination directory is required")
	}
	if bt := types.BackupType(c.BackupType); bt != types.BackupTypeAuto && !bt.Valid() {
		return fmt.Errorf("config: invalid backup_type %q (want full, differential, or auto)", c.BackupType)
	}
	if !types.CompressionFormat(c.Format).Valid() {
		return fmt.Errorf("config: invalid format %q (want zip or targz)", c.Format)
	}
	if _, err := c.FullBackupWeekday(); err != nil {
		return err
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("config: max_workers must not be negative, got %d", c.MaxWorkers)
	}
	if c.ThrottleBytesPerSec < 0 {
		return fmt.Errorf("config: throttle_bytes_per_sec must not be negative, got %d", c.ThrottleBytesPerSec)
	}
	return nil
}

// FullBackupWeekday parses FullBackupDay into a time.Weekday.
func (c *Config) FullBackupWeekday() (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(c.FullBackupDay))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("config: invalid full_backup_day %q", c.FullBackupDay)
}

// ResolvedHistoryPath returns the history database location, defaulting to
// syncvault.db inside the destination directory.
func (c *Config) ResolvedHistoryPath() string {
	if c.HistoryPath != "" {
		return c.HistoryPath
	}
	return filepath.Join(c.Destination, "syncvault.db")
}

// applyEnv overrides file values with SYNCVAULT_ environment variables.
func applyEnv(cfg *Config) {
	if v := getEnvList("SYNCVAULT_SOURCES"); v != nil {
		cfg.Sources = v
	}
	cfg.Destination = getEnv("SYNCVAULT_DESTINATION", cfg.Destination)
	cfg.BackupType = getEnv("SYNCVAULT_BACKUP_TYPE", cfg.BackupType)
	cfg.Format = getEnv("SYNCVAULT_FORMAT", cfg.Format)
	if v := getEnvList("SYNCVAULT_EXCLUDE_PATTERNS"); v != nil {
		cfg.ExcludePatterns = v
	}
	cfg.MaxWorkers = getEnvInt("SYNCVAULT_MAX_WORKERS", cfg.MaxWorkers)
	cfg.ThrottleBytesPerSec = getEnvInt64("SYNCVAULT_THROTTLE_BYTES_PER_SEC", cfg.ThrottleBytesPerSec)
	cfg.FullBackupDay = getEnv("SYNCVAULT_FULL_BACKUP_DAY", cfg.FullBackupDay)
	cfg.HistoryPath = getEnv("SYNCVAULT_HISTORY_PATH", cfg.HistoryPath)
	cfg.Retention.KeepRuns = getEnvInt("SYNCVAULT_RETENTION_KEEP_RUNS", cfg.Retention.KeepRuns)
	cfg.Retention.KeepDays = getEnvInt("SYNCVAULT_RETENTION_KEEP_DAYS", cfg.Retention.KeepDays)
	cfg.Watch.DebounceSeconds = getEnvInt("SYNCVAULT_WATCH_DEBOUNCE_SECONDS", cfg.Watch.DebounceSeconds)
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.BackupType == "" {
		cfg.BackupType = string(types.BackupTypeAuto)
	}
	if cfg.Format == "" {
		cfg.Format = string(types.CompressionZip)
	}
	if cfg.ExcludePatterns == nil {
		cfg.ExcludePatterns = append([]string(nil), DefaultExcludePatterns...)
	}
	if cfg.FullBackupDay == "" {
		cfg.FullBackupDay = time.Sunday.String()
	}
	if cfg.Watch.DebounceSeconds == 0 {
		cfg.Watch.DebounceSeconds = 30
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. An unparseable value falls back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer environment variable or returns a
// default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated environment variable as a slice.
// Returns nil when the variable is unset or empty.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

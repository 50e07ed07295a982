// Package config handles per-root configuration loading and validation for watchd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the per-root configuration file, looked up in the
// top level of the watched directory.
const FileName = "watchd.toml"

// Default garbage collection parameters. Entries that were deleted roughly
// 12-36 hours ago are pruned on the default schedule.
const (
	DefaultGCAgeSec      = 86400 / 2
	DefaultGCIntervalSec = 86400
)

// Config holds the configuration for one watched root.
type Config struct {
	// SettleMs is how long the root must be free of filesystem activity
	// before it is considered settled, in milliseconds.
	SettleMs int `toml:"settle_ms" json:"settle_ms"`

	// GCIntervalSec is the minimum interval between age-out passes, in
	// seconds. Zero disables aging entirely.
	GCIntervalSec int `toml:"gc_interval_sec" json:"gc_interval_sec"`

	// GCAgeSec is the minimum age of a deleted entry before an age-out
	// pass may purge it, in seconds.
	GCAgeSec int `toml:"gc_age_sec" json:"gc_age_sec"`

	// IdleReapAgeSec is how long a root may go without client commands
	// before it is reaped, in seconds. Zero disables reaping.
	IdleReapAgeSec int `toml:"idle_reap_age_sec" json:"idle_reap_age_sec"`

	// IgnoreDirs are directories (relative to the root) that are never
	// crawled or reported.
	IgnoreDirs []string `toml:"ignore_dirs" json:"ignore_dirs"`

	// IgnorePatterns are dockerignore-style patterns applied to paths
	// relative to the root.
	IgnorePatterns []string `toml:"ignore_patterns" json:"ignore_patterns"`

	// IgnoreVCS controls whether VCS metadata directories (.git, .hg,
	// .svn) are ignored. Defaults to true.
	IgnoreVCS *bool `toml:"ignore_vcs" json:"ignore_vcs"`
}

// Default returns the default per-root configuration.
func Default() *Config {
	return &Config{
		SettleMs:       20,
		GCIntervalSec:  DefaultGCIntervalSec,
		GCAgeSec:       DefaultGCAgeSec,
		IdleReapAgeSec: 0,
	}
}

// Load reads the configuration file from the top level of rootPath. A
// missing file is not an error; it yields the defaults.
func Load(rootPath string) (*Config, error) {
	path := filepath.Join(rootPath, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a TOML configuration document, filling in defaults for
// anything unset.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for nonsensical values.
func (c *Config) Validate() error {
	if c.SettleMs < 0 {
		return fmt.Errorf("settle_ms must not be negative, got %d", c.SettleMs)
	}
	if c.GCIntervalSec < 0 {
		return fmt.Errorf("gc_interval_sec must not be negative, got %d", c.GCIntervalSec)
	}
	if c.GCAgeSec < 0 {
		return fmt.Errorf("gc_age_sec must not be negative, got %d", c.GCAgeSec)
	}
	if c.IdleReapAgeSec < 0 {
		return fmt.Errorf("idle_reap_age_sec must not be negative, got %d", c.IdleReapAgeSec)
	}
	return nil
}

// Settle returns the settle period as a duration.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// GCInterval returns the minimum interval between age-out passes.
func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSec) * time.Second
}

// GCAge returns the minimum deletion age for purging.
func (c *Config) GCAge() time.Duration {
	return time.Duration(c.GCAgeSec) * time.Second
}

// IdleReapAge returns the idle period after which a root is reaped.
func (c *Config) IdleReapAge() time.Duration {
	return time.Duration(c.IdleReapAgeSec) * time.Second
}

// VCSIgnored reports whether VCS metadata directories should be ignored.
func (c *Config) VCSIgnored() bool {
	return c.IgnoreVCS == nil || *c.IgnoreVCS
}

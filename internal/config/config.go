// Package config handles configuration loading for edgarsync.
// It supports YAML config files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/layout"
	"github.com/seenimoa/edgarsync/internal/planner"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "EDGARSYNC"

// Config represents the complete application configuration.
type Config struct {
	Edgar     EdgarConfig     `mapstructure:"edgar"      yaml:"edgar"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Download  DownloadConfig  `mapstructure:"download"   yaml:"download"`
	Logging   LoggingConfig   `mapstructure:"logging"    yaml:"logging"`
}

// EdgarConfig holds the upstream service settings.
type EdgarConfig struct {
	BaseURL   string `mapstructure:"base_url"   yaml:"base_url"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"` // SEC requires "name contact"
}

// RateLimitConfig holds request pacing and retry settings.
type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Retries           int           `mapstructure:"retries"             yaml:"retries"`
	Pause             time.Duration `mapstructure:"pause"               yaml:"pause"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"      yaml:"backoff_factor"`
	Timeout           time.Duration `mapstructure:"timeout"             yaml:"timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"       yaml:"close_timeout"`
}

// DownloadConfig holds output layout and bulk retrieval settings.
type DownloadConfig struct {
	TargetDir      string `mapstructure:"target_dir"      yaml:"target_dir"`
	Template       string `mapstructure:"template"        yaml:"template"`
	BalancingPoint int    `mapstructure:"balancing_point" yaml:"balancing_point"` // days
	Workers        int    `mapstructure:"workers"         yaml:"workers"`
	ScratchDir     string `mapstructure:"scratch_dir"     yaml:"scratch_dir"`
	Strict         bool   `mapstructure:"strict"          yaml:"strict"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.edgarsync/config.yaml (home directory)
//  3. /etc/edgarsync/config.yaml (system)
//
// Environment variables override config file values.
// Format: EDGARSYNC_<SECTION>_<KEY>, e.g., EDGARSYNC_EDGAR_USER_AGENT
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".edgarsync"))
	v.AddConfigPath("/etc/edgarsync")

	// A missing config file is fine: defaults and env vars apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("edgar.base_url", edgar.DefaultBaseURL)
	v.SetDefault("edgar.user_agent", edgar.DefaultUserAgent)

	// SEC fair-access policy allows 10 requests per second
	v.SetDefault("rate_limit.requests_per_second", edgar.DefaultRequestsPerSecond)
	v.SetDefault("rate_limit.retries", 3)
	v.SetDefault("rate_limit.pause", 500*time.Millisecond)
	v.SetDefault("rate_limit.backoff_factor", 2.0)
	v.SetDefault("rate_limit.timeout", 30*time.Second)
	v.SetDefault("rate_limit.close_timeout", 5*time.Second)

	v.SetDefault("download.target_dir", ".")
	v.SetDefault("download.template", layout.DefaultTemplate)
	v.SetDefault("download.balancing_point", planner.DefaultBalancingPoint)
	v.SetDefault("download.workers", 8)
	v.SetDefault("download.scratch_dir", os.TempDir())
	v.SetDefault("download.strict", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Edgar.UserAgent) == "" {
		return errors.New("edgar.user_agent must not be empty")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive, got %v", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.Retries < 0 {
		return fmt.Errorf("rate_limit.retries must not be negative, got %d", c.RateLimit.Retries)
	}
	if c.Download.BalancingPoint < 0 {
		return fmt.Errorf("download.balancing_point must not be negative, got %d", c.Download.BalancingPoint)
	}
	if _, err := layout.Parse(c.Download.Template); err != nil {
		return fmt.Errorf("download.template: %w", err)
	}
	return nil
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

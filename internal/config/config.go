// Package config loads kiosk configuration from file, environment and
// defaults. Precedence, highest first: environment variables (GLOWWORM_*),
// config file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete kiosk configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Download DownloadConfig `mapstructure:"download"`
	Media    MediaConfig    `mapstructure:"media"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig points the kiosk at its content server.
type ServerConfig struct {
	// BaseURL of the content server, e.g. http://signage.local:8080.
	// Commands that talk to the server fail without it; cache-only commands
	// work offline.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`

	// FallbackURLs are backup content servers tried in order when the
	// primary does not answer.
	FallbackURLs []string `mapstructure:"fallback_urls" validate:"dive,url"`

	// CABundle is an optional PEM file trusted in addition to the system
	// CAs, for content servers behind a private CA.
	CABundle string `mapstructure:"ca_bundle"`
}

// CacheConfig selects and locates the blob store backend.
type CacheConfig struct {
	// Backend is the blob store implementation: sqlite, badger or memory.
	Backend string `mapstructure:"backend" validate:"required,oneof=sqlite badger memory"`

	// Dir is where the backend keeps its files.
	Dir string `mapstructure:"dir" validate:"required"`

	// ChecksumAlgo stamps stored payloads; see internal/hashutil for the
	// registered algorithms.
	ChecksumAlgo string `mapstructure:"checksum_algo" validate:"required"`
}

// QuotaConfig bounds cache growth.
type QuotaConfig struct {
	// MaxBytes is a fixed byte budget. Zero derives the budget from free
	// disk space instead.
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gte=0"`

	// ReserveBytes is free-space headroom left to the OS when the budget is
	// disk-derived.
	ReserveBytes int64 `mapstructure:"reserve_bytes" validate:"gte=0"`

	// UsageThresholdPct refuses new items above this fill level.
	UsageThresholdPct float64 `mapstructure:"usage_threshold_pct" validate:"gt=0,lte=100"`

	// EvictTargetPct is the fill level eviction drives usage down to. Must
	// be below the threshold.
	EvictTargetPct float64 `mapstructure:"evict_target_pct" validate:"gt=0,lte=100"`

	// EvictBatch is how many items one eviction round removes.
	EvictBatch int `mapstructure:"evict_batch" validate:"gt=0"`

	// MaintenanceInterval is the background prune/evict period.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
}

// DownloadConfig tunes the fetch pipeline.
type DownloadConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"gt=0"`
	StartsPerSecond  int           `mapstructure:"starts_per_second" validate:"gt=0"`
	ItemTimeout      time.Duration `mapstructure:"item_timeout" validate:"gt=0"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap" validate:"gt=0"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gt=0"`

	// ProbeURL is a small asset used to grade the link before a batch.
	// Empty disables the bandwidth probe.
	ProbeURL string `mapstructure:"probe_url" validate:"omitempty,url"`

	// DegradedBelowBps and FastAboveBps are probe throughput thresholds in
	// bytes per second. Zero leaves the grade at normal.
	DegradedBelowBps float64 `mapstructure:"degraded_below_bps" validate:"gte=0"`
	FastAboveBps     float64 `mapstructure:"fast_above_bps" validate:"gte=0"`
}

// MediaConfig bounds what payloads are admitted.
type MediaConfig struct {
	// MaxBytes rejects payloads above this size.
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gt=0"`

	// ProbeTimeout bounds the decode probe per payload.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// Load reads configuration from the given file (or the default location when
// empty), layers environment variables on top and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("GLOWWORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		// No file at the default location is fine; defaults and environment
		// cover it. An explicitly named file must exist.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key with viper so environment variables bind
// even when the config file does not mention them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.fallback_urls", []string{})
	v.SetDefault("server.ca_bundle", "")

	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.dir", dataDir())
	v.SetDefault("cache.checksum_algo", "sha256")

	v.SetDefault("quota.max_bytes", 0)
	v.SetDefault("quota.reserve_bytes", int64(512<<20))
	v.SetDefault("quota.usage_threshold_pct", 90.0)
	v.SetDefault("quota.evict_target_pct", 75.0)
	v.SetDefault("quota.evict_batch", 10)
	v.SetDefault("quota.maintenance_interval", 5*time.Minute)

	v.SetDefault("download.concurrency", 3)
	v.SetDefault("download.starts_per_second", 5)
	v.SetDefault("download.item_timeout", 30*time.Second)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.backoff_initial", time.Second)
	v.SetDefault("download.backoff_cap", 10*time.Second)
	v.SetDefault("download.progress_interval", 500*time.Millisecond)
	v.SetDefault("download.probe_url", "")
	v.SetDefault("download.degraded_below_bps", 0.0)
	v.SetDefault("download.fast_above_bps", 0.0)

	v.SetDefault("media.max_bytes", int64(50<<20))
	v.SetDefault("media.probe_timeout", 5*time.Second)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "glowworm-display")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "glowworm-display")
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "glowworm-display")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "glowworm-display")
}

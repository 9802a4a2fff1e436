// Package app assembles the media cache from kiosk configuration.
package app

import (
	"log/slog"
	"os"

	display "github.com/nstephens/glowworm-display"
	"github.com/nstephens/glowworm-display/internal/config"
	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/shogo82148/go-sfv"
)

// SetupLogging replaces the default slog logger per the logging config.
// Logs go to stderr so command output on stdout stays machine-readable.
func SetupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// NewCoordinator builds the cache coordinator from cfg. Content servers
// listed in GLOWWORM_DISPLAY_SERVER override the configured ones.
func NewCoordinator(cfg *config.Config) (*display.Coordinator, error) {
	server := cfg.Server.BaseURL
	fallbacks := cfg.Server.FallbackURLs
	if env := serversFromEnv(); len(env) > 0 {
		server, fallbacks = env[0], env[1:]
		slog.Info("Using content servers from environment", "count", len(env))
	}

	return display.Open(display.Config{
		ServerURL:    server,
		FallbackURLs: fallbacks,
		CABundle:     cfg.Server.CABundle,
		CacheDir:     cfg.Cache.Dir,
		Backend:      cfg.Cache.Backend,
		ChecksumAlgo: cfg.Cache.ChecksumAlgo,
		Quota: display.QuotaSettings{
			MaxBytes:            cfg.Quota.MaxBytes,
			ReserveBytes:        cfg.Quota.ReserveBytes,
			UsageThresholdPct:   cfg.Quota.UsageThresholdPct,
			EvictTargetPct:      cfg.Quota.EvictTargetPct,
			EvictBatch:          cfg.Quota.EvictBatch,
			MaintenanceInterval: cfg.Quota.MaintenanceInterval,
		},
		Download: display.DownloadSettings{
			Concurrency:      cfg.Download.Concurrency,
			StartsPerSecond:  cfg.Download.StartsPerSecond,
			ItemTimeout:      cfg.Download.ItemTimeout,
			MaxAttempts:      cfg.Download.MaxAttempts,
			BackoffInitial:   cfg.Download.BackoffInitial,
			BackoffCap:       cfg.Download.BackoffCap,
			ProgressInterval: cfg.Download.ProgressInterval,
			ProbeURL:         cfg.Download.ProbeURL,
			DegradedBelowBps: cfg.Download.DegradedBelowBps,
			FastAboveBps:     cfg.Download.FastAboveBps,
		},
		Media: display.MediaSettings{
			MaxBytes:     cfg.Media.MaxBytes,
			ProbeTimeout: cfg.Media.ProbeTimeout,
		},
	})
}

// serversFromEnv parses GLOWWORM_DISPLAY_SERVER, a structured-field list of
// content server base URLs. Fleet provisioning writes it so one disk image
// can serve many sites; the first entry is the primary, the rest fallbacks.
func serversFromEnv() []string {
	envServer := os.Getenv("GLOWWORM_DISPLAY_SERVER")
	if envServer == "" {
		return nil
	}

	list, err := sfv.DecodeList([]string{envServer})
	if err != nil {
		errutil.LogMsg(err, "Failed to parse GLOWWORM_DISPLAY_SERVER")
		return nil
	}

	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers
}

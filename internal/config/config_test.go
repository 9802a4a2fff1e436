package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate keeps the host's real config and data directories out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.ChecksumAlgo != "sha256" {
		t.Errorf("expected sha256 checksums, got %q", cfg.Cache.ChecksumAlgo)
	}
	if !strings.Contains(cfg.Cache.Dir, "glowworm-display") {
		t.Errorf("expected cache dir under the app data dir, got %q", cfg.Cache.Dir)
	}
	if cfg.Quota.UsageThresholdPct != 90 || cfg.Quota.EvictTargetPct != 75 || cfg.Quota.EvictBatch != 10 {
		t.Errorf("unexpected quota defaults: %+v", cfg.Quota)
	}
	if cfg.Quota.ReserveBytes != 512<<20 {
		t.Errorf("expected 512MiB reserve, got %d", cfg.Quota.ReserveBytes)
	}
	if cfg.Download.Concurrency != 3 || cfg.Download.StartsPerSecond != 5 || cfg.Download.MaxAttempts != 3 {
		t.Errorf("unexpected download defaults: %+v", cfg.Download)
	}
	if cfg.Download.ItemTimeout != 30*time.Second || cfg.Download.BackoffInitial != time.Second || cfg.Download.BackoffCap != 10*time.Second {
		t.Errorf("unexpected download timing defaults: %+v", cfg.Download)
	}
	if cfg.Download.ProgressInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms progress interval, got %s", cfg.Download.ProgressInterval)
	}
	if cfg.Media.MaxBytes != 50<<20 || cfg.Media.ProbeTimeout != 5*time.Second {
		t.Errorf("unexpected media defaults: %+v", cfg.Media)
	}
	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadFromFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  base_url: http://signage.local:8080
cache:
  backend: badger
  dir: /var/lib/kiosk
quota:
  usage_threshold_pct: 80
  evict_target_pct: 60
download:
  concurrency: 6
  item_timeout: 45s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.BaseURL != "http://signage.local:8080" {
		t.Errorf("unexpected base url %q", cfg.Server.BaseURL)
	}
	if cfg.Cache.Backend != "badger" || cfg.Cache.Dir != "/var/lib/kiosk" {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Quota.UsageThresholdPct != 80 || cfg.Quota.EvictTargetPct != 60 {
		t.Errorf("unexpected quota config: %+v", cfg.Quota)
	}
	if cfg.Download.Concurrency != 6 || cfg.Download.ItemTimeout != 45*time.Second {
		t.Errorf("unexpected download config: %+v", cfg.Download)
	}
	// Untouched keys keep their defaults.
	if cfg.Download.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts, got %d", cfg.Download.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("GLOWWORM_DOWNLOAD_CONCURRENCY", "7")
	t.Setenv("GLOWWORM_CACHE_BACKEND", "memory")
	t.Setenv("GLOWWORM_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Download.Concurrency != 7 {
		t.Errorf("expected env to override concurrency, got %d", cfg.Download.Concurrency)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected env to override backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected level normalized to DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	isolate(t)
	t.Setenv("GLOWWORM_DOWNLOAD_CONCURRENCY", "9")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("download:\n  concurrency: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Download.Concurrency != 9 {
		t.Errorf("expected env to win over file, got %d", cfg.Download.Concurrency)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for an explicitly named missing file")
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "cache:\n  backend: redis\n"},
		{"target above threshold", "quota:\n  evict_target_pct: 95\n"},
		{"zero attempts", "download:\n  max_attempts: 0\n"},
		{"backoff cap below initial", "download:\n  backoff_initial: 5s\n  backoff_cap: 1s\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad checksum algo", "cache:\n  checksum_algo: crc32\n"},
		{"bad base url", "server:\n  base_url: not-a-url\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

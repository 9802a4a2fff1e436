package app

import (
	"testing"

	"github.com/nstephens/glowworm-display/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Cache:   config.CacheConfig{Backend: "memory", ChecksumAlgo: "sha256"},
		Logging: config.LoggingConfig{Level: "INFO", Format: "text"},
	}
}

func TestNewCoordinator(t *testing.T) {
	c, err := NewCoordinator(testConfig())
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}
	defer c.Close()

	st, err := c.Stats(t.Context())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if st.Items != 0 {
		t.Errorf("fresh cache has %d items", st.Items)
	}
}

func TestServersFromEnv(t *testing.T) {
	t.Setenv("GLOWWORM_DISPLAY_SERVER", `"http://primary.local:8080", "http://backup.local:8080"`)

	servers := serversFromEnv()
	if len(servers) != 2 {
		t.Fatalf("parsed %d servers, want 2", len(servers))
	}
	if servers[0] != "http://primary.local:8080" || servers[1] != "http://backup.local:8080" {
		t.Errorf("unexpected servers: %v", servers)
	}
}

func TestServersFromEnvUnset(t *testing.T) {
	t.Setenv("GLOWWORM_DISPLAY_SERVER", "")

	if got := serversFromEnv(); got != nil {
		t.Errorf("expected nil for unset env, got %v", got)
	}
}

func TestServersFromEnvMalformed(t *testing.T) {
	t.Setenv("GLOWWORM_DISPLAY_SERVER", `"unterminated`)

	if got := serversFromEnv(); got != nil {
		t.Errorf("expected nil for malformed env, got %v", got)
	}
}

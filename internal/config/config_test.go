package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("LOT_CACHE_TTL_SECONDS", "15")
	t.Setenv("UPSTREAM_TIMEOUT_SECONDS", "nope")
	t.Setenv("RATE_MAX_AGE_SECONDS", "-4")

	cfg := Load()
	assert.Equal(t, 15*time.Second, cfg.LotCacheTTL)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 300*time.Second, cfg.RateMaxAge)
}

func TestLoadTrimsUpstreamURL(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "https://erp.example.test/api/")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, "https://erp.example.test/api", cfg.UpstreamBaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}

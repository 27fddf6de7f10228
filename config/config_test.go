package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/dispatchengine/router"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
nats:
  url: nats://nats.internal:4222
providers:
  openai:
    rpm_cap: 2
    concurrent_cap: 1
    processing_time_ms: 1000
router:
  max_retries: 2
  tick_interval: 1s
  adapter_timeout: 2m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATS.URL != "nats://nats.internal:4222" {
		t.Errorf("NATS.URL = %s", cfg.NATS.URL)
	}
	if got := cfg.Providers["openai"]; got.RPMCap != 2 || got.ConcurrentCap != 1 {
		t.Errorf("openai limits = %+v", got)
	}
	if cfg.Router.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d", cfg.Router.MaxRetries)
	}
	if cfg.Router.TickInterval != time.Second {
		t.Errorf("TickInterval = %s", cfg.Router.TickInterval)
	}
	// Untouched sections keep defaults.
	if cfg.Quality.ApproveAbove != 0.7 {
		t.Errorf("ApproveAbove = %f, want default 0.7", cfg.Quality.ApproveAbove)
	}
	if cfg.Webhooks.AttemptTimeout != 30*time.Second {
		t.Errorf("AttemptTimeout = %s, want default 30s", cfg.Webhooks.AttemptTimeout)
	}
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
router:
  tick_interval: 0s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error for zero tick interval")
	}
}

func TestValidateProviderLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers["bad"] = router.Limits{RPMCap: 10, ConcurrentCap: 0}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero concurrent cap")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "engine.yaml")

	cfg := DefaultConfig()
	cfg.NATS.URL = "nats://example:4222"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.NATS.URL != "nats://example:4222" {
		t.Errorf("NATS.URL = %s", loaded.NATS.URL)
	}
}

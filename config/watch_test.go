package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/dispatchengine/router"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatchProviderLimitsAppliesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	writeConfigFile(t, path, `
providers:
  openai:
    rpm_cap: 30
    concurrent_cap: 5
    processing_time_ms: 1000
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan map[string]router.Limits, 4)
	apply := func(limits map[string]router.Limits) {
		applied <- limits
	}

	done := make(chan error, 1)
	go func() {
		done <- WatchProviderLimits(ctx, path, slog.Default(), apply)
	}()

	// Give the watcher time to register before the rewrite.
	time.Sleep(100 * time.Millisecond)

	writeConfigFile(t, path, `
providers:
  openai:
    rpm_cap: 2
    concurrent_cap: 1
    processing_time_ms: 1000
`)

	select {
	case limits := <-applied:
		got := limits["openai"]
		if got.RPMCap != 2 || got.ConcurrentCap != 1 {
			t.Errorf("applied limits = %+v, want rpm 2 concurrent 1", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("apply was not called after config rewrite")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watcher returned %v on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchProviderLimitsSkipsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	writeConfigFile(t, path, "providers: {}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan map[string]router.Limits, 4)
	go func() {
		_ = WatchProviderLimits(ctx, path, slog.Default(), func(limits map[string]router.Limits) {
			applied <- limits
		})
	}()

	time.Sleep(100 * time.Millisecond)
	writeConfigFile(t, path, ": not yaml {{{\n")

	select {
	case limits := <-applied:
		t.Errorf("apply called with %+v for unparseable file", limits)
	case <-time.After(500 * time.Millisecond):
	}
}

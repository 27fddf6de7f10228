package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/dispatchengine/router"
)

// WatchProviderLimits watches the config file and calls apply with the
// new per-provider limits whenever the file changes and parses cleanly.
// A file that fails to load is logged and skipped; the previous limits
// stay in effect. Blocks until ctx is cancelled.
func WatchProviderLimits(ctx context.Context, path string, logger *slog.Logger, apply func(map[string]router.Limits)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadFromFile(path)
			if err != nil {
				logger.Warn("Ignoring config reload", "path", path, "error", err)
				continue
			}
			logger.Info("Reloading provider limits", "path", path, "providers", len(cfg.Providers))
			apply(cfg.Providers)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", "error", err)
		}
	}
}

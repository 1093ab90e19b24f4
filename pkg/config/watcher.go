package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watch reloads the config file on change and calls onChange with each
// successfully reloaded config. Failed reloads are logged and skipped, so
// a half-written file never replaces a good config. Blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory; editors replace files instead of writing in
	// place, which drops a direct file watch.
	configDir := filepath.Dir(absPath)
	configFile := filepath.Base(absPath)

	if err := watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", configDir, err)
	}

	slog.Info("Watching config file", "path", absPath)

	var debounceTimer *time.Timer
	reload := func() {
		cfg, err := Load(absPath)
		if err != nil {
			slog.Error("Failed to reload config", "error", err)
			return
		}
		slog.Info("Configuration reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}

			switch {
			case event.Op&fsnotify.Write == fsnotify.Write,
				event.Op&fsnotify.Create == fsnotify.Create:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, reload)

			case event.Op&fsnotify.Remove == fsnotify.Remove:
				slog.Warn("Config file was deleted", "path", absPath)
				go rewatch(ctx, watcher, configDir, absPath)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// rewatch retries the directory watch for a few seconds after the config
// file disappears, covering editors that delete-then-recreate.
func rewatch(ctx context.Context, watcher *fsnotify.Watcher, configDir, absPath string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(absPath); err == nil {
				if err := watcher.Add(configDir); err == nil {
					slog.Info("Re-established watch on config file", "path", absPath)
					return
				}
			}
		}
	}
	slog.Warn("Failed to re-establish watch on config file", "path", absPath)
}

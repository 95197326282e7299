package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

// WatchFile hot-reloads cfg from path whenever the file changes. Editors
// replace files by rename, so the parent directory is watched and events
// are filtered by name; rapid event bursts are debounced. A reload that
// fails to parse or validate is discarded and the running config is kept.
// onReload receives a snapshot of the config as it was before the swap.
func WatchFile(ctx context.Context, path string, cfg *Config, logger *slog.Logger, onReload func(prev *Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			next, err := Load(path)
			if err != nil {
				logger.Warn("config.reload_failed",
					"code", errcode.ReloadFailed.ID,
					"path", path,
					"error", err)
				return
			}
			prev := cfg.Snapshot()
			cfg.ReplaceFrom(next)
			logger.Info("config.reloaded", "path", path, "hash", cfg.Hash())
			if onReload != nil {
				onReload(prev)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config.watch_error", "error", err)
			}
		}
	}()

	return nil
}

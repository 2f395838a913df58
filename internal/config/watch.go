package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce when saving.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the holder whenever its config file changes on disk and
// calls onChange with each config that loaded. A file that fails to parse or
// validate is logged and the previous config stays in effect. The parent
// directory is watched so atomic rename-over saves are seen. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, h *Holder, logger *slog.Logger, onChange func(*Config)) error {
	path := h.Path()
	if path == "" {
		return fmt.Errorf("config: watch: no config file path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)

	var (
		timer   *time.Timer
		reloadC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}

			reloadC = timer.C

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-reloadC:
			reloadC = nil

			cfg, err := h.Reload()
			if err != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)

				continue
			}

			logger.Info("config reloaded",
				slog.String("path", path),
				slog.Uint64("generation", h.Generation()),
			)

			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}

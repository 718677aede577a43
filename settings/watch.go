package settings

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// debounce collapses the burst of events editors emit for one save.
const debounce = 200 * time.Millisecond

// Watch reloads the settings file whenever it changes and passes each valid
// result to fn. Invalid files are logged and skipped. The directory is
// watched rather than the file so atomic renames are picked up.
//
// Watch blocks until ctx is done.
//
// Arguments:
//   - ctx: Stops the watcher.
//   - path: The YAML settings file.
//   - logger: Receives reload failures; slog.Default when nil.
//   - fn: Called with every successfully reloaded Settings.
//
// Returns:
//   - error: An error if the watcher cannot be created.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(Settings)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "settings: create watcher")
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "settings: resolve %s", path)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "settings: watch %s", filepath.Dir(abs))
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings: watcher error", "error", err)

		case <-timer.C:
			s, err := Load(abs)
			if err != nil {
				logger.Warn("settings: reload failed", "path", abs, "error", err)
				continue
			}
			logger.Info("settings: reloaded", "path", abs, "settings", s.String())
			fn(s)
		}
	}
}

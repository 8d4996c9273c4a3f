package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/nutriscan/nutriscan/logging"
)

// watchDebounce collapses the burst of events an atomic rewrite produces into one callback.
const watchDebounce = 50 * time.Millisecond

// Watch calls onChange after the session file at path changes, until ctx is done. The parent
// directory is watched because rewrites replace the file.
func Watch(ctx context.Context, path string, logger logging.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create file watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Debugw("failed to close file watcher", "error", err)
		}
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "could not watch %s", filepath.Dir(abs))
	}

	debounced := debounce.New(watchDebounce)
	notify := func() {
		if ctx.Err() == nil {
			onChange()
		}
	}

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			logger.Debugw("session file changed", "op", event.Op.String())
			debounced(notify)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("session file watcher error", "error", err)
		}
	}
}

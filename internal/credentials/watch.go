package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch blocks until the context is cancelled, invoking onChange whenever
// the store file is created, rewritten, renamed into place, or deleted.
// The watch is placed on the parent directory because the atomic save path
// replaces the file node itself, which would silently detach a watch on
// the file.
//
// Callers use this to react immediately when another process (typically
// the interactive login) publishes a new record.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching credentials dir: %w", err)
	}

	s.logger.Debug("watching credentials file", slog.String("path", s.path))

	base := filepath.Base(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != base {
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			s.logger.Warn("credentials watch error", slog.String("error", err.Error()))
		}
	}
}

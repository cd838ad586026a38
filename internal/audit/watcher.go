package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRules reloads the rules file into set whenever it is written, created
// or renamed into place, until ctx is cancelled. The directory is watched
// rather than the file so editors that replace the file atomically are seen.
// A file that fails to load leaves the current snapshot in place.
func WatchRules(ctx context.Context, path string, set *RuleSet) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve rules path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				rules, err := LoadRulesFile(abs)
				if err != nil {
					slog.Error("failed to reload audit rules", "path", abs, "error", err)
					continue
				}
				set.Store(rules)
				slog.Info("audit rules reloaded", "path", abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("audit rules watcher error", "error", err)
			}
		}
	}()

	return nil
}

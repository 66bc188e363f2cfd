package infra

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher reports changes to a fixed set of files. It watches the parent
// directories so editors that replace files by rename are still seen, and
// coalesces bursts of events per file.
type FileWatcher struct {
	paths    map[string]struct{}
	debounce time.Duration
	logger   *zap.Logger
}

// NewFileWatcher creates a watcher for paths.
func NewFileWatcher(debounce time.Duration, logger *zap.Logger, paths ...string) *FileWatcher {
	w := &FileWatcher{
		paths:    make(map[string]struct{}, len(paths)),
		debounce: debounce,
		logger:   logger,
	}
	for _, p := range paths {
		w.paths[filepath.Clean(p)] = struct{}{}
	}
	return w
}

// Run blocks until ctx is done, calling onChange with the watched path after
// each settled burst of changes.
func (w *FileWatcher) Run(ctx context.Context, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	pending := make(map[string]struct{})
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			path, ok := w.match(event.Name)
			if !ok || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			w.logger.Debug("Watched file changed",
				zap.String("path", path),
				zap.String("op", event.Op.String()))
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			for path := range pending {
				onChange(path)
				delete(pending, path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// match maps an event name to a watched path. SQLite journal files count as
// changes to their database.
func (w *FileWatcher) match(name string) (string, bool) {
	name = filepath.Clean(name)
	if _, ok := w.paths[name]; ok {
		return name, true
	}
	for _, suffix := range []string{"-journal", "-wal"} {
		base := strings.TrimSuffix(name, suffix)
		if base == name {
			continue
		}
		if _, ok := w.paths[base]; ok {
			return base, true
		}
	}
	return "", false
}

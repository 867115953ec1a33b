// Package watcher turns fsnotify events into debounced touched-path
// notifications for the folder loop. A healthy watcher lets sync runs use the
// cheap database-and-filesystem discovery mode; when event delivery degrades
// the watcher reports itself unreliable and runs fall back to full walks.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vonshlovens/davsync/internal/exclude"
)

// Watcher monitors one sync root recursively.
type Watcher struct {
	rootPath  string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	excludes  *exclude.Matcher
	logger    *slog.Logger

	unreliable atomic.Bool
	stopCh     chan struct{}
}

// New creates a watcher for a root. Events are debounced by the given quiet
// period before they reach the folder loop.
func New(rootPath string, debounce time.Duration, excludes *exclude.Matcher, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		rootPath:  rootPath,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounce),
		excludes:  excludes,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start registers the whole tree and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}
	go w.processEvents(ctx)

	w.logger.Info("watcher started", "path", w.rootPath)
	return nil
}

// Events returns the channel of debounced touched paths.
func (w *Watcher) Events() <-chan TouchedPath {
	return w.debouncer.Events()
}

// Reliable reports whether event delivery can be trusted for touched-path
// discovery. It latches false on overflow or watch errors.
func (w *Watcher) Reliable() bool {
	return !w.unreliable.Load()
}

// Flush forces out all pending debounced events.
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	return w.watcher.Close()
}

// addRecursive registers a directory and everything below it. Only
// directories need watches; file events arrive via their parent.
func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			w.logger.Warn("error walking path", "path", path, "error", err)
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		rel, rerr := filepath.Rel(w.rootPath, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.excludes != nil && w.excludes.Classify(rel).Excluded() {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
			w.unreliable.Store(true)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && event.Op == fsnotify.Chmod {
				continue
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
			w.unreliable.Store(true)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.rootPath, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		rel = ""
	}
	if w.excludes != nil && w.excludes.Classify(rel).Excluded() {
		return
	}

	// New directories must be registered before events inside them are
	// missed; rename sources just mark the path touched like a delete.
	if event.Has(fsnotify.Create) {
		if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
				w.unreliable.Store(true)
			}
		}
	}

	w.debouncer.Touch(rel)
}

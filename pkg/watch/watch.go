// Package watch reports batches of changed files under a directory tree.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period a path needs before it is reported.
const DefaultDebounce = 300 * time.Millisecond

// Watcher emits changed file paths. Rapid changes to the same path are
// coalesced, and paths that settle together are delivered as one batch.
type Watcher interface {
	Start(ctx context.Context) error
	Stop() error
	Changes() <-chan []string
}

type watcher struct {
	log      logrus.FieldLogger
	root     string
	debounce time.Duration
	fs       *fsnotify.Watcher
	changes  chan []string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Ensure interface compliance.
var _ Watcher = (*watcher)(nil)

// NewWatcher creates a watcher for every directory under root.
func NewWatcher(log logrus.FieldLogger, root string, debounce time.Duration) (Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	return &watcher{
		log:      log.WithField("component", "watch"),
		root:     root,
		debounce: debounce,
		fs:       fsw,
		changes:  make(chan []string, 1),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (w *watcher) Changes() <-chan []string {
	return w.changes
}

// Start adds the directory tree and begins processing events.
func (w *watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.wg.Add(1)

	go w.loop(ctx)

	w.log.WithFields(logrus.Fields{
		"root":     w.root,
		"debounce": w.debounce,
	}).Info("Watching for changes")

	return nil
}

// Stop ends the event loop and cancels pending timers.
func (w *watcher) Stop() error {
	var err error

	w.stopOnce.Do(func() {
		close(w.done)

		err = w.fs.Close()

		w.wg.Wait()

		w.mu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
	})

	return err
}

func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}

		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		return nil
	})
}

func (w *watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}

			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}

			w.log.WithError(err).Warn("File watcher error")

		case <-w.done:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	if ignored(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDir(filepath.Base(event.Name)) {
				if err := w.addTree(event.Name); err != nil {
					w.log.WithError(err).Warn("Failed to watch new directory")
				}
			}

			return
		}
	}

	w.log.WithFields(logrus.Fields{
		"path": event.Name,
		"op":   event.Op.String(),
	}).Debug("File changed")

	w.schedule(event.Name)
}

// schedule (re)starts the debounce timer of path.
func (w *watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}

	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.settle(path)
	})
}

// settle moves path to the pending batch and flushes it once no other
// path is still settling.
func (w *watcher) settle(path string) {
	w.mu.Lock()

	delete(w.timers, path)
	w.pending[path] = struct{}{}

	if len(w.timers) > 0 {
		w.mu.Unlock()

		return
	}

	batch := make([]string, 0, len(w.pending))
	for p := range w.pending {
		batch = append(batch, p)
	}

	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(batch)

	select {
	case w.changes <- batch:
	case <-w.done:
	}
}

// ignored filters editor temp and hidden files.
func ignored(path string) bool {
	base := filepath.Base(path)

	return strings.Contains(base, ".tmp") ||
		strings.Contains(base, "~") ||
		strings.HasPrefix(base, ".")
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor"
}

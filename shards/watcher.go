package shards

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"pouw-captcha/logging"
)

// ReloadFunc rebuilds whatever depends on the models directory.
type ReloadFunc func(ctx context.Context) error

const DefaultDebounce = 500 * time.Millisecond

// Watcher triggers a reload once the models directory has been quiet for the
// debounce window. It watches the directory and each model subdirectory.
type Watcher struct {
	dir      string
	reload   ReloadFunc
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending time.Time
	running bool
	reloads int
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewWatcher(dir string, debounce time.Duration, reload ReloadFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	return &Watcher{
		dir:      dir,
		reload:   reload,
		debounce: debounce,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The loop ends on Stop or when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(w.dir); err != nil {
		_ = w.watcher.Close()
		return errors.Wrapf(err, "watch %s", w.dir)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = w.watcher.Close()
		return errors.Wrapf(err, "read %s", w.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addDir(filepath.Join(w.dir, entry.Name()))
		}
	}

	w.running = true
	go w.run(ctx)
	logging.Info("Watching models directory", logging.Shards, "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop ends the loop and waits for it to exit. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

// Reloads is the number of reloads triggered so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) addDir(path string) {
	if err := w.watcher.Add(path); err != nil {
		logging.Warn("Cannot watch model directory", logging.Shards, "path", path, "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer func() {
		if err := w.watcher.Close(); err != nil {
			logging.Warn("Error closing watcher", logging.Shards, "error", err)
		}
	}()

	ticker := time.NewTicker(w.debounce / 4)
	defer ticker.Stop()

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
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Watcher error", logging.Shards, "error", err)
		case <-ticker.C:
			w.fireIfSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(event.Name)
		}
	}
	logging.Debug("Models directory changed", logging.Shards, "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) fireIfSettled(ctx context.Context) {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.reloads++
	w.mu.Unlock()

	if err := w.reload(ctx); err != nil {
		logging.Error("Reload after change failed", logging.Shards, "error", err)
		return
	}
	logging.Info("Reloaded models after change", logging.Shards, "dir", w.dir)
}

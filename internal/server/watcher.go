package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/fsnotify/fsnotify"
)

// Bursts of events, such as a file being written in chunks, are coalesced
// into one reload.
const debounce = 250 * time.Millisecond

// watcher reloads data directories whose files change.
type watcher struct {
	logger *slog.Logger
	fs     *fsnotify.Watcher
	reload func(ctx context.Context, dir string)

	mu     sync.Mutex
	refs   map[string]int
	timers map[string]*time.Timer
}

func newWatcher(logger *slog.Logger, reload func(ctx context.Context, dir string)) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Errorf("failed to create directory watcher: %w", err)
	}
	return &watcher{
		logger: logger,
		fs:     fs,
		reload: reload,
		refs:   map[string]int{},
		timers: map[string]*time.Timer{},
	}, nil
}

// add starts watching dir. Directories are reference counted across sessions.
func (w *watcher) add(dir string) {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[dir]++
	if w.refs[dir] > 1 {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.logger.Warn("Could not watch directory", "dir", dir, "error", err)
		return
	}
	w.logger.Debug("Watching directory", "dir", dir)
}

func (w *watcher) remove(dir string) {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs[dir] == 0 {
		return
	}
	w.refs[dir]--
	if w.refs[dir] > 0 {
		return
	}
	delete(w.refs, dir)
	if err := w.fs.Remove(dir); err != nil {
		w.logger.Debug("Could not stop watching directory", "dir", dir, "error", err)
	}
}

func (w *watcher) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				w.schedule(ctx, filepath.Dir(event.Name))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Directory watcher error", "error", err)
		}
	}
}

func (w *watcher) schedule(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[dir]; ok {
		t.Reset(debounce)
		return
	}
	w.timers[dir] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.timers, dir)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.reload(ctx, dir)
	})
}

func (w *watcher) close() error {
	w.mu.Lock()
	for dir, t := range w.timers {
		t.Stop()
		delete(w.timers, dir)
	}
	w.mu.Unlock()
	return errors.WithStack(w.fs.Close())
}

// Package watcher reports changes to an explicit set of files.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrClosed is returned by Add and Start after Stop.
var ErrClosed = errors.New("watcher closed")

const minTick = 10 * time.Millisecond

// Watcher starts out watching nothing. Files are added as they are served
// and a change is reported once per debounce window. Parent directories are
// watched rather than the files themselves so that editors which save by
// rename keep being observed.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	files    map[string]struct{}
	dirs     map[string]struct{}
	pending  map[string]time.Time
	debounce time.Duration
	onChange func(path string)
	logger   *zap.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	closed    bool
	closeOnce sync.Once
}

func New(debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		pending:  make(map[string]time.Time),
		debounce: debounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnChange sets the function called with the absolute path of a changed
// file. Must be called before Start.
func (w *Watcher) OnChange(fn func(path string)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Add starts watching path. Adding a path twice is a no-op.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.files[abs]; ok {
		return nil
	}

	dir := filepath.Dir(abs)
	if _, ok := w.dirs[dir]; !ok {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	w.files[abs] = struct{}{}
	w.logger.Debug("watching file", zap.String("path", abs))
	return nil
}

// Watched returns the watched files in lexical order.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Start runs the event loop in the background until ctx is cancelled or
// Stop is called. Starting a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop ends the event loop, waits for it to exit and releases the
// underlying watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.closed = true
	w.mu.Unlock()

	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		if running {
			<-w.doneCh
		}
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 2
	if tick < minTick {
		tick = minTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	if _, ok := w.files[path]; !ok {
		w.mu.Unlock()
		return
	}
	w.pending[path] = time.Now().Add(w.debounce)
	w.mu.Unlock()
}

// flush reports every pending change whose debounce window has passed.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var due []string
	for path, at := range w.pending {
		if !now.Before(at) {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	fn := w.onChange
	w.mu.Unlock()

	if fn == nil {
		return
	}
	sort.Strings(due)
	for _, path := range due {
		w.logger.Debug("file changed", zap.String("path", path))
		fn(path)
	}
}

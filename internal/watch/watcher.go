// Package watch turns filesystem activity in source directories into debounced change
// notifications.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts such as a multi-file copy into one notification.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors directories (non-recursively) for changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// New creates a watcher over dirs.
func New(dirs []string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{watcher: fsWatcher, debounce: debounce, logger: logger, pending: make(map[string]struct{})}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			_ = fsWatcher.Close()
			return nil, fmt.Errorf("failed to resolve path: %w", err)
		}
		if err := fsWatcher.Add(abs); err != nil {
			_ = fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", abs, err)
		}
	}
	return w, nil
}

// Run calls onChange with the set of changed directories once activity has been quiet for the
// debounce window. It blocks until ctx is done and closes the watcher on return.
func (w *Watcher) Run(ctx context.Context, onChange func(dirs []string)) error {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Dir(event.Name), onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(dir string, onChange func([]string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[dir] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		dirs := make([]string, 0, len(w.pending))
		for d := range w.pending {
			dirs = append(dirs, d)
		}
		w.pending = make(map[string]struct{})
		w.mu.Unlock()
		if len(dirs) > 0 {
			onChange(dirs)
		}
	})
}

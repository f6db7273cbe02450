package observer

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RemovedCallback is called with the path of a workspace directory that
// disappeared from the workspace root
type RemovedCallback func(dir string)

// WorkspaceWatcher watches the workspace root for session directories being
// deleted or moved away behind the orchestrator's back
type WorkspaceWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	callback RemovedCallback
	log      *slog.Logger
	debounce time.Duration

	// Debounce state
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkspaceWatcher creates a watcher for root, which must exist
func NewWorkspaceWatcher(root string, log *slog.Logger, callback RemovedCallback) (*WorkspaceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}

	return &WorkspaceWatcher{
		watcher:  watcher,
		root:     filepath.Clean(root),
		callback: callback,
		log:      log,
		debounce: 200 * time.Millisecond, // rm -rf emits many events
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching for removals
func (w *WorkspaceWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
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
				w.log.Warn("workspace watcher error", "root", w.root, "error", err)
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (w *WorkspaceWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	if w.cancel != nil {
		<-w.done
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *WorkspaceWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	// Only direct children of the root are workspaces
	if filepath.Dir(filepath.Clean(event.Name)) != w.root {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.Clean(event.Name)] = struct{}{}

	// Reset or start debounce timer
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *WorkspaceWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}
	for dir := range pending {
		w.log.Info("workspace directory removed", "dir", dir)
		w.callback(dir)
	}
}

// SetDebounce sets the debounce duration for batching removals
func (w *WorkspaceWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

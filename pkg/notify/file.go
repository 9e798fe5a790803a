package notify

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeready-toolchain/livequery/pkg/reactive"
)

// defaultFileDebounce collapses editor event bursts (write + chmod + rename
// on save) into a single tick.
const defaultFileDebounce = 100 * time.Millisecond

// FileNotifier turns filesystem changes into reactive notifiers, one shared
// notifier per path. Watches are established on a path's first subscriber
// and removed on its last. The watch covers the parent directory so
// create events for a not-yet-existing file are observed too.
type FileNotifier struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}

	mu    sync.Mutex
	paths map[string]*watchedPath // absolute path → state
	dirs  map[string]int          // watched directory → path refcount
}

type watchedPath struct {
	notifier *reactive.Notifier
	timer    *time.Timer
	active   bool
}

// NewFileNotifier creates an adapter backed by one fsnotify watcher. A
// debounce of zero selects the default.
func NewFileNotifier(debounce time.Duration) (*FileNotifier, error) {
	if debounce <= 0 {
		debounce = defaultFileDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	f := &FileNotifier{
		watcher:  watcher,
		debounce: debounce,
		done:     make(chan struct{}),
		paths:    make(map[string]*watchedPath),
		dirs:     make(map[string]int),
	}
	go f.run()
	return f, nil
}

// Close stops the watcher and waits for the event loop to exit. Notifiers
// handed out earlier stop ticking but remain safe to use.
func (f *FileNotifier) Close() error {
	err := f.watcher.Close()
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, wp := range f.paths {
		if wp.timer != nil {
			wp.timer.Stop()
		}
	}
	return err
}

// NotifierFor returns the shared notifier for path, creating it on first
// use. Create, write, remove, rename and chmod events on the path tick the
// notifier, debounced.
func (f *FileNotifier) NotifierFor(path string) (*reactive.Notifier, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if wp, ok := f.paths[abs]; ok {
		return wp.notifier, nil
	}

	wp := &watchedPath{}
	wp.notifier = reactive.NewLazyNotifier(
		func() { f.addWatch(abs, wp) },
		func() { f.removeWatch(abs, wp) },
	)
	f.paths[abs] = wp
	return wp.notifier, nil
}

// addWatch establishes the directory watch backing one path. Directories
// shared by several watched paths are added to the fsnotify watcher once
// and refcounted.
func (f *FileNotifier) addWatch(abs string, wp *watchedPath) {
	dir := filepath.Dir(abs)

	f.mu.Lock()
	defer f.mu.Unlock()

	wp.active = true
	f.dirs[dir]++
	if f.dirs[dir] > 1 {
		return
	}
	if err := f.watcher.Add(dir); err != nil {
		slog.Error("Failed to watch directory", "dir", dir, "path", abs, "error", err)
	}
}

// removeWatch tears down the directory watch backing one path once its
// last subscriber is gone.
func (f *FileNotifier) removeWatch(abs string, wp *watchedPath) {
	dir := filepath.Dir(abs)

	f.mu.Lock()
	defer f.mu.Unlock()

	wp.active = false
	if wp.timer != nil {
		wp.timer.Stop()
		wp.timer = nil
	}

	f.dirs[dir]--
	if f.dirs[dir] > 0 {
		return
	}
	delete(f.dirs, dir)
	if err := f.watcher.Remove(dir); err != nil {
		slog.Debug("Failed to unwatch directory", "dir", dir, "error", err)
	}
}

// run dispatches fsnotify events to the watched paths until the watcher is
// closed.
func (f *FileNotifier) run() {
	defer close(f.done)

	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(event)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

// handleEvent restarts the debounce timer for the path named by the event.
// The timer firing delivers the tick, so a burst of events inside the
// window produces exactly one.
func (f *FileNotifier) handleEvent(event fsnotify.Event) {
	abs := filepath.Clean(event.Name)

	f.mu.Lock()
	defer f.mu.Unlock()

	wp, ok := f.paths[abs]
	if !ok || !wp.active {
		return
	}

	if wp.timer != nil {
		wp.timer.Stop()
	}
	wp.timer = time.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		live := wp.active
		wp.timer = nil
		f.mu.Unlock()

		if live {
			wp.notifier.Notify()
		}
	})
}

// WatchedDirs returns the number of directories currently watched.
// Used by tests to verify churn leaks nothing.
func (f *FileNotifier) WatchedDirs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirs)
}

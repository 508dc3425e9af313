package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize           = 256
	DefaultStabilityThreshold = 100 * time.Millisecond
	DefaultPollInterval       = 50 * time.Millisecond
)

// FilterCallback is a function that returns true if the event should be filtered
type FilterCallback func(path string) bool

type WatchOp uint8

const (
	OpWrite WatchOp = iota + 1
	OpRemove
)

func (op WatchOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// WatchEvent is a settled change of a regular file.
type WatchEvent struct {
	Path    string // absolute
	Op      WatchOp
	Mode    fs.FileMode
	ModTime time.Time
}

// stabilityCheck tracks a path until its size and mtime stop changing.
type stabilityCheck struct {
	size        int64
	modTime     time.Time
	stableSince time.Time
	timer       *time.Timer
}

// FileWatcher watches a tree recursively and emits an event per regular file
// once the file has been quiet for the stability threshold.
// Directories and symlinks are never reported.
type FileWatcher struct {
	watchDir  string
	rawEvents chan notify.EventInfo
	events    chan WatchEvent
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	checks             map[string]*stabilityCheck
	checkMu            sync.Mutex
	stabilityThreshold time.Duration
	pollInterval       time.Duration

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir:           watchDir,
		done:               make(chan struct{}),
		checks:             make(map[string]*stabilityCheck),
		stabilityThreshold: DefaultStabilityThreshold,
		pollInterval:       DefaultPollInterval,
	}
}

// SetStability configures the write-stability gate.
func (fw *FileWatcher) SetStability(threshold, pollInterval time.Duration) {
	if threshold >= 0 {
		fw.stabilityThreshold = threshold
	}
	if pollInterval > 0 {
		fw.pollInterval = pollInterval
	}
}

// FilterPaths sets a callback to drop raw events before they are checked.
// The callback should return true if the event should be ignored
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.callbackMu.Lock()
	defer fw.callbackMu.Unlock()
	fw.ignoreCallback = callback
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir, "stability", fw.stabilityThreshold, "poll", fw.pollInterval)

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.events = make(chan WatchEvent, eventBufferSize)

	recursivePath := fw.watchDir + "/..."
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.All); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.filterEvents(ctx)

	return nil
}

// Stop releases the OS watch. Pending checks are discarded.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)

		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()

		fw.checkMu.Lock()
		for path, check := range fw.checks {
			check.timer.Stop()
			delete(fw.checks, path)
		}
		fw.checkMu.Unlock()

		slog.Info("file watcher stopped")
	})
}

// Events is never closed. Select on Done to detect shutdown.
func (fw *FileWatcher) Events() <-chan WatchEvent {
	return fw.events
}

func (fw *FileWatcher) Done() <-chan struct{} {
	return fw.done
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer func() {
		slog.Debug("file watcher filter events done")
		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.rawEvents:
			if !ok {
				return
			}

			path := event.Path()
			if fw.shouldFilter(path) {
				continue
			}
			fw.observe(path)
		}
	}
}

func (fw *FileWatcher) shouldFilter(path string) bool {
	fw.callbackMu.RLock()
	defer fw.callbackMu.RUnlock()
	return fw.ignoreCallback != nil && fw.ignoreCallback(path)
}

// observe starts or refreshes the stability check for path.
func (fw *FileWatcher) observe(path string) {
	info, err := os.Lstat(path)

	fw.checkMu.Lock()
	check, exists := fw.checks[path]

	if exists {
		// any activity restarts the quiet period, the check reports the final state
		if err == nil {
			check.size, check.modTime = info.Size(), info.ModTime()
		}
		check.stableSince = time.Now()
		fw.checkMu.Unlock()
		return
	}

	if errors.Is(err, fs.ErrNotExist) {
		fw.checkMu.Unlock()
		fw.emit(WatchEvent{Path: path, Op: OpRemove, ModTime: time.Now()})
		return
	} else if err != nil {
		fw.checkMu.Unlock()
		slog.Warn("file watcher stat", "path", path, "error", err)
		return
	}

	if !info.Mode().IsRegular() {
		fw.checkMu.Unlock()
		return
	}

	check = &stabilityCheck{size: info.Size(), modTime: info.ModTime(), stableSince: time.Now()}
	check.timer = time.AfterFunc(fw.pollInterval, func() { fw.recheck(path) })
	fw.checks[path] = check
	fw.checkMu.Unlock()
}

// recheck runs on the check timer.
func (fw *FileWatcher) recheck(path string) {
	info, err := os.Lstat(path)

	fw.checkMu.Lock()
	check, exists := fw.checks[path]
	if !exists {
		fw.checkMu.Unlock()
		return
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		delete(fw.checks, path)
		fw.checkMu.Unlock()
		fw.emit(WatchEvent{Path: path, Op: OpRemove, ModTime: time.Now()})
		return

	case err != nil:
		delete(fw.checks, path)
		fw.checkMu.Unlock()
		slog.Warn("file watcher stat", "path", path, "error", err)
		return

	case !info.Mode().IsRegular():
		delete(fw.checks, path)
		fw.checkMu.Unlock()
		return

	case info.Size() != check.size || !info.ModTime().Equal(check.modTime):
		check.size, check.modTime = info.Size(), info.ModTime()
		check.stableSince = time.Now()
		check.timer.Reset(fw.pollInterval)
		fw.checkMu.Unlock()
		return

	case time.Since(check.stableSince) < fw.stabilityThreshold:
		check.timer.Reset(fw.pollInterval)
		fw.checkMu.Unlock()
		return
	}

	delete(fw.checks, path)
	fw.checkMu.Unlock()
	fw.emit(WatchEvent{Path: path, Op: OpWrite, Mode: info.Mode().Perm(), ModTime: info.ModTime()})
}

func (fw *FileWatcher) emit(ev WatchEvent) {
	select {
	case fw.events <- ev:
		slog.Debug("file watcher", "op", ev.Op, "path", ev.Path)
	case <-fw.done:
	}
}

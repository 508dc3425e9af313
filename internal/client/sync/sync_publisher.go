package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/syncmsg"
)

const publishRetryDelay = 2 * time.Second

// pendingChange is the latest known state of a path waiting to be published.
type pendingChange struct {
	mode    fs.FileMode
	mtime   time.Time
	deleted bool
}

// LocalPublisher turns watcher events into debounced change batches.
type LocalPublisher struct {
	session  *SyncSession
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]pendingChange
	timer   *time.Timer
	stopped bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newLocalPublisher(session *SyncSession) *LocalPublisher {
	return &LocalPublisher{
		session:  session,
		debounce: session.opts.PublishDebounce,
		pending:  make(map[string]pendingChange),
		stop:     make(chan struct{}),
	}
}

// Start consumes the watcher events until Stop.
func (p *LocalPublisher) Start(watcher *FileWatcher) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stop:
				return
			case <-watcher.Done():
				return
			case ev := <-watcher.Events():
				p.handleEvent(ev)
			}
		}
	}()
}

// Stop ends event intake and hands whatever is pending to the serializer.
func (p *LocalPublisher) Stop() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.flush()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// Pending is the number of paths waiting for the debounce timer.
func (p *LocalPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *LocalPublisher) handleEvent(ev WatchEvent) {
	s := p.session

	rel, ok := s.relPath(ev.Path)
	if !ok {
		return
	}

	if rel == IgnoreFileName {
		s.ignore.Load()
	}

	if s.ignore.ShouldIgnore(rel) {
		return
	}

	// our own write coming back from the watcher
	if s.recent.Consume(ev.Path) {
		slog.Debug("sync", "op", "echo", "path", rel)
		return
	}

	s.metadata.AdvanceMTime(ev.ModTime)
	if ev.Op != OpRemove {
		// released once a publish carries it
		s.metadata.Hold(rel, ev.ModTime)
	}

	change := pendingChange{mode: ev.Mode, mtime: ev.ModTime, deleted: ev.Op == OpRemove}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.pending[rel] = change
	p.armLocked(p.debounce)
}

func (p *LocalPublisher) armLocked(delay time.Duration) {
	if p.timer == nil {
		p.timer = time.AfterFunc(delay, p.flush)
		return
	}
	p.timer.Reset(delay)
}

// flush hands the pending map to the serializer.
func (p *LocalPublisher) flush() {
	p.mu.Lock()
	if len(p.pending) == 0 || p.stopped {
		p.mu.Unlock()
		return
	}
	changes := p.pending
	p.pending = make(map[string]pendingChange)
	p.mu.Unlock()

	err := p.session.serializer.Enqueue("publish", func(ctx context.Context) error {
		return p.publish(ctx, changes)
	})
	if err != nil {
		slog.Warn("sync", "op", "publish", "error", err, "dropped", len(changes))
	}
}

// publish runs on the serializer.
func (p *LocalPublisher) publish(ctx context.Context, changes map[string]pendingChange) error {
	s := p.session
	s.setActivity(PhasePublishing)
	defer s.setActivity(PhaseIdle)

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	cut := time.Now()
	cs := syncmsg.NewChangeSet()
	var size int64
	for _, path := range paths {
		change := changes[path]
		if change.deleted {
			cs.Put(&syncmsg.FileRecord{Path: path, Deleted: true})
			continue
		}

		data, info, err := s.readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			// vanished between event and read, the remove event follows
			s.metadata.Release(path, change.mtime)
			continue
		} else if err != nil {
			slog.Warn("sync", "op", "publish", "path", path, "error", err)
			continue
		}

		mode := change.mode
		if mode == 0 {
			mode = info.Mode().Perm()
		}
		cs.Put(&syncmsg.FileRecord{Path: path, Mode: mode, Content: data})
		size += int64(len(data))
	}

	if cs.Len() == 0 {
		return nil
	}

	batch := cs.Batch()
	batch.ExpectedVersion = s.metadata.Version()

	version, err := s.remote.Publish(ctx, batch)
	if err != nil {
		if IsAuthError(err) {
			s.fail(err)
			return err
		}
		p.requeue(changes)
		return err
	}

	for _, rec := range batch.Changed {
		s.metadata.Release(rec.Path, changes[rec.Path].mtime)
	}
	// a published delete settles any edit made before the batch was cut
	for _, rec := range batch.Deleted {
		s.metadata.Release(rec.Path, cut)
	}
	adopted := s.metadata.AdvanceVersion(version)
	slog.Info("sync", "type", "local", "op", "publish",
		"changed", len(batch.Changed), "deleted", len(batch.Deleted), "size", humanize.Bytes(uint64(size)),
		"expected", batch.ExpectedVersion, "version", version, "adopted", adopted)
	return nil
}

// requeue puts failed changes back unless newer events replaced them.
// Changes dropped while stopping keep their metadata hold.
func (p *LocalPublisher) requeue(changes map[string]pendingChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		slog.Warn("sync", "op", "publish", "dropped", len(changes), "reason", "stopping")
		return
	}
	for path, change := range changes {
		if _, newer := p.pending[path]; !newer {
			p.pending[path] = change
		}
	}
	p.armLocked(max(p.debounce, publishRetryDelay))
}

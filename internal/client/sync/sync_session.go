package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/treesync/internal/queue"
	"github.com/openmined/treesync/internal/utils"
)

const (
	DefaultPublishDebounce = 300 * time.Millisecond
	DefaultStopTimeout     = 30 * time.Second
	DefaultMaxScanFiles    = 20000

	idlePollInterval = 10 * time.Millisecond
)

var ErrSessionStopped = errors.New("sync: session stopped")

// SyncSessionOpts configures a SyncSession. Zero durations fall back to defaults.
type SyncSessionOpts struct {
	Dir      string
	Remote   RemoteAPI
	Prompter Prompter

	PublishDebounce    time.Duration
	StabilityThreshold time.Duration
	PollInterval       time.Duration
	StopTimeout        time.Duration
	MaxScanFiles       int

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (o *SyncSessionOpts) withDefaults() SyncSessionOpts {
	opts := *o
	if opts.PublishDebounce <= 0 {
		opts.PublishDebounce = DefaultPublishDebounce
	}
	if opts.StabilityThreshold <= 0 {
		opts.StabilityThreshold = DefaultStabilityThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.MaxScanFiles <= 0 {
		opts.MaxScanFiles = DefaultMaxScanFiles
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	return opts
}

// SyncSession keeps one local directory in sync with one remote app tree.
type SyncSession struct {
	opts SyncSessionOpts
	root string

	ignore     *SyncIgnoreList
	metadata   *MetadataStore
	serializer *queue.Serializer
	remote     RemoteAPI
	recent     *RecentWriteSet
	watcher    *FileWatcher
	publisher  *LocalPublisher
	subscriber *RemoteSubscriber
	reconciler *Reconciler
	phase      *phaseMachine

	ctx    context.Context
	cancel context.CancelFunc

	started      atomic.Bool
	startMu      sync.Mutex
	running      atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	done         chan struct{}

	errMu sync.Mutex
	err   error
}

func NewSyncSession(opts *SyncSessionOpts) (*SyncSession, error) {
	if opts == nil || opts.Dir == "" {
		return nil, errors.New("sync: dir is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("sync: remote api is required")
	}

	root, err := utils.ResolvePath(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("sync: resolve dir: %w", err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("sync: create dir: %w", err)
	}
	// the watcher reports resolved paths on some platforms
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	o := opts.withDefaults()
	s := &SyncSession{
		opts:     o,
		root:     root,
		ignore:   NewSyncIgnoreList(root),
		metadata: NewMetadataStore(root),
		remote:   o.Remote,
		recent:   NewRecentWriteSet(recentWriteTTL(o)),
		watcher:  NewFileWatcher(root),
		phase:    newPhaseMachine(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.watcher.SetStability(o.StabilityThreshold, o.PollInterval)
	s.serializer = queue.NewSerializer(nil)
	s.publisher = newLocalPublisher(s)
	s.subscriber = newRemoteSubscriber(s)
	s.reconciler = newReconciler(s)

	return s, nil
}

// echo entries must outlive the stability gate of the watcher
func recentWriteTTL(o SyncSessionOpts) time.Duration {
	return defaultRecentWriteTTL + o.StabilityThreshold + 2*o.PollInterval
}

func (s *SyncSession) Root() string {
	return s.root
}

func (s *SyncSession) Phase() Phase {
	return s.phase.Current()
}

// Start reconciles local and remote state, then starts syncing in the background.
// A failed reconciliation stops the session and is returned.
func (s *SyncSession) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.supervise()

	slog.Info("sync session start", "dir", s.root, "debounce", s.opts.PublishDebounce)

	s.ignore.Load()
	if err := s.metadata.Load(); err != nil {
		return s.abort(err, false)
	}

	if err := s.reconciler.Run(s.ctx); err != nil {
		return s.abort(err, true)
	}

	s.startMu.Lock()
	if s.stopRequested() {
		s.startMu.Unlock()
		return s.abort(ErrSessionStopped, true)
	}

	s.watcher.FilterPaths(s.ignore.ShouldIgnore)
	if err := s.watcher.Start(s.ctx); err != nil {
		s.startMu.Unlock()
		return s.abort(fmt.Errorf("sync: watch %s: %w", s.root, err), true)
	}
	s.recent.Start(0)
	s.publisher.Start(s.watcher)
	s.subscriber.Start(s.ctx)
	s.running.Store(true)
	err := s.phase.transition(PhaseIdle)
	s.startMu.Unlock()

	if err != nil {
		s.fail(err)
		return err
	}

	slog.Info("sync session running", "dir", s.root, "version", s.metadata.Version())
	return nil
}

// Stop requests a graceful shutdown. Only the first call has an effect.
func (s *SyncSession) Stop() {
	s.stopOnce.Do(func() {
		slog.Info("sync session stop requested", "phase", s.phase.Current())
		close(s.stopCh)
	})
}

// Wait blocks until the session reached PhaseStopped and returns the first fatal error.
func (s *SyncSession) Wait() error {
	<-s.done
	return s.Err()
}

// Run is Start followed by Wait. Cancelling ctx stops the session.
func (s *SyncSession) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

func (s *SyncSession) Done() <-chan struct{} {
	return s.done
}

func (s *SyncSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SubscribePhase delivers every phase change until cancel is called.
// Slow readers miss intermediate phases.
func (s *SyncSession) SubscribePhase(buffer int) (<-chan Phase, func()) {
	return s.phase.subscribe(buffer)
}

// WaitIdle blocks until the session is running, idle and has nothing queued.
func (s *SyncSession) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		phase, changed := s.phase.changedCh()
		switch {
		case phase == PhaseStopping || phase == PhaseStopped:
			return ErrSessionStopped
		case phase == PhaseIdle && s.publisher.Pending() == 0:
			select {
			case <-s.serializer.Idle():
				if s.phase.Current() == PhaseIdle {
					return nil
				}
			default:
			}
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail records a fatal error and stops the session. Safe from any goroutine.
func (s *SyncSession) fail(err error) {
	s.setErr(err)
	s.Stop()
}

func (s *SyncSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// setActivity moves between running sub-phases. It is a no-op once stopping.
func (s *SyncSession) setActivity(p Phase) {
	if err := s.phase.transition(p); err != nil {
		slog.Debug("sync phase change skipped", "to", p, "error", err)
	}
}

func (s *SyncSession) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// supervise turns a Stop or a cancelled context into a shutdown.
func (s *SyncSession) supervise() {
	select {
	case <-s.stopCh:
	case <-s.ctx.Done():
		s.Stop()
	case <-s.done:
		return
	}

	s.startMu.Lock()
	running := s.running.Load()
	s.startMu.Unlock()

	// Start is still reconciling: cancel it and let Start abort
	if !running {
		s.cancel()
		return
	}
	s.shutdown(nil, true)
}

func (s *SyncSession) abort(err error, saveMetadata bool) error {
	s.shutdown(err, saveMetadata)
	return s.Err()
}

// shutdown tears the session down in order: watcher, final publish,
// subscription, serializer drain, metadata, remote.
func (s *SyncSession) shutdown(cause error, saveMetadata bool) {
	s.shutdownOnce.Do(func() {
		s.setErr(cause)
		if err := s.phase.transition(PhaseStopping); err != nil {
			slog.Warn("sync phase", "error", err)
		}
		slog.Info("sync session stopping", "dir", s.root, "error", s.Err())

		if s.running.Load() {
			s.watcher.Stop()
			s.publisher.Stop()
		}

		s.cancel()
		if s.running.Load() {
			s.subscriber.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
		if err := s.serializer.Drain(ctx); err != nil {
			slog.Warn("sync session stop timeout, persisting metadata anyway", "timeout", s.opts.StopTimeout, "error", err)
		}
		cancel()

		if saveMetadata {
			if err := s.metadata.Save(); err != nil {
				slog.Error("sync metadata save", "path", s.metadata.Path(), "error", err)
				s.setErr(err)
			}
		}

		if err := s.remote.Close(); err != nil {
			slog.Warn("sync remote close", "error", err)
		}
		s.recent.Stop()

		if err := s.phase.transition(PhaseStopped); err != nil {
			slog.Warn("sync phase", "error", err)
		}
		slog.Info("sync session stopped", "dir", s.root, "version", s.metadata.Version())
		close(s.done)
	})
}

// relPath maps an absolute path below root to its forward slash relative form.
func (s *SyncSession) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || !utils.IsWithin(s.root, abs) {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", false
	}
	return rel, true
}

// absPath maps a relative wire path to an absolute path, rejecting escapes.
func (s *SyncSession) absPath(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("sync: invalid path %q", rel)
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if abs == s.root || !utils.IsWithin(s.root, abs) {
		return "", fmt.Errorf("sync: path %q escapes %s", rel, s.root)
	}
	return abs, nil
}

func (s *SyncSession) readFile(rel string) ([]byte, os.FileInfo, error) {
	abs, err := s.absPath(rel)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, os.ErrNotExist
	}
	data, err := os.ReadFile(abs)
	return data, info, err
}

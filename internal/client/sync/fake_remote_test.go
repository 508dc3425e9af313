package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteAPI.
type fakeRemote struct {
	mu             sync.Mutex
	version        syncmsg.Version
	published      []*syncmsg.ChangeBatch
	publishErr     error
	subscribeErrs  []error
	subscribeSince []syncmsg.Version
	subs           chan *fakeSubscription
	closed         bool
}

func newFakeRemote(version syncmsg.Version) *fakeRemote {
	return &fakeRemote{
		version: version,
		subs:    make(chan *fakeSubscription, 16),
	}
}

func (f *fakeRemote) CurrentVersion(ctx context.Context) (syncmsg.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, since syncmsg.Version) (Subscription, error) {
	f.mu.Lock()
	f.subscribeSince = append(f.subscribeSince, since)
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	sub := &fakeSubscription{batches: make(chan *syncmsg.ChangeBatch, 16)}
	f.subs <- sub
	return sub, nil
}

func (f *fakeRemote) Publish(ctx context.Context, batch *syncmsg.ChangeBatch) (syncmsg.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return syncmsg.ZeroVersion, f.publishErr
	}
	f.published = append(f.published, batch)
	f.version = f.version.Next()
	return f.version, nil
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRemote) Published() []*syncmsg.ChangeBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*syncmsg.ChangeBatch(nil), f.published...)
}

func (f *fakeRemote) Since() []syncmsg.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncmsg.Version(nil), f.subscribeSince...)
}

func (f *fakeRemote) setVersion(v syncmsg.Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

func (f *fakeRemote) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeRemote) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeRemote) nextSub(t *testing.T) *fakeSubscription {
	t.Helper()
	select {
	case sub := <-f.subs:
		return sub
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for subscription")
		return nil
	}
}

type fakeSubscription struct {
	batches chan *syncmsg.ChangeBatch
	mu      sync.Mutex
	err     error
	once    sync.Once
}

func (s *fakeSubscription) Batches() <-chan *syncmsg.ChangeBatch {
	return s.batches
}

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.batches) })
	return nil
}

func (s *fakeSubscription) push(batch *syncmsg.ChangeBatch) {
	s.batches <- batch
}

// end closes the stream with err, nil meaning the server completed it.
func (s *fakeSubscription) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

// recordingPrompter answers with a fixed decision and remembers what it was asked.
type recordingPrompter struct {
	decision ConflictDecision
	mu       sync.Mutex
	prompts  []*ConflictPrompt
}

func (p *recordingPrompter) ResolveConflict(ctx context.Context, prompt *ConflictPrompt) (ConflictDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	return p.decision, nil
}

func (p *recordingPrompter) Prompts() []*ConflictPrompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ConflictPrompt(nil), p.prompts...)
}

func newTestSession(t *testing.T, remote RemoteAPI, prompter Prompter) *SyncSession {
	t.Helper()
	return newTestSessionIn(t, t.TempDir(), remote, prompter)
}

// newTestSessionIn opens a session on an existing directory, as a restart does.
func newTestSessionIn(t *testing.T, dir string, remote RemoteAPI, prompter Prompter) *SyncSession {
	t.Helper()

	s, err := NewSyncSession(&SyncSessionOpts{
		Dir:                dir,
		Remote:             remote,
		Prompter:           prompter,
		PublishDebounce:    50 * time.Millisecond,
		StabilityThreshold: 30 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		StopTimeout:        5 * time.Second,
		ReconnectDelay:     10 * time.Millisecond,
		MaxReconnectDelay:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func startTestSession(t *testing.T, s *SyncSession) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		s.Stop()
		_ = s.Wait()
	})
}

func waitIdle(t *testing.T, s *SyncSession) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/openmined/treesync/internal/utils"
)

const (
	defaultReconnectDelay    = 1 * time.Second
	defaultMaxReconnectDelay = 8 * time.Second
	defaultFileMode          = 0o644
)

// RemoteSubscriber keeps a subscription open and applies incoming batches.
type RemoteSubscriber struct {
	session *SyncSession
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newRemoteSubscriber(session *SyncSession) *RemoteSubscriber {
	return &RemoteSubscriber{session: session}
}

func (r *RemoteSubscriber) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop closes the subscription. Apply tasks already queued still run.
func (r *RemoteSubscriber) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *RemoteSubscriber) run(ctx context.Context) {
	s := r.session
	delay := s.opts.ReconnectDelay
	attempt := 0

	for {
		// let queued applies land so the version below is current
		select {
		case <-s.serializer.Idle():
		case <-ctx.Done():
			return
		}

		since := s.metadata.Version()
		sub, err := s.remote.Subscribe(ctx, since)
		if err == nil {
			attempt = 0
			delay = s.opts.ReconnectDelay
			slog.Info("sync", "type", "remote", "op", "subscribe", "since", since)
			err = r.consume(ctx, sub)
			sub.Close()
		}

		if ctx.Err() != nil {
			return
		}
		if !IsRetryable(err) {
			slog.Error("sync", "type", "remote", "op", "subscribe", "error", err)
			s.fail(err)
			return
		}

		attempt++
		slog.Warn("sync", "type", "remote", "op", "subscribe", "error", err, "attempt", attempt, "retry", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, s.opts.MaxReconnectDelay)
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = time.Duration(float64(delay) * jitterFactor)
	}
}

// consume enqueues every batch until the stream ends and returns why it ended.
func (r *RemoteSubscriber) consume(ctx context.Context, sub Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case batch, ok := <-sub.Batches():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return ErrStreamCompleted
			}

			if batch.IsEmpty() {
				continue
			}

			if err := r.session.serializer.Enqueue("apply "+batch.Version.String(), func(ctx context.Context) error {
				return r.apply(batch)
			}); err != nil {
				return fmt.Errorf("sync: enqueue apply: %w", err)
			}
		}
	}
}

// apply writes one remote batch. It runs on the serializer.
func (r *RemoteSubscriber) apply(batch *syncmsg.ChangeBatch) error {
	s := r.session

	// The server refuses publishes whose expected version is stale, so a batch
	// at or below the local version was already applied or superseded.
	local := s.metadata.Version()
	if batch.Version != "" && !batch.Version.Greater(local) {
		slog.Debug("sync", "type", "remote", "op", "apply", "skip", "stale", "version", batch.Version, "local", local)
		return nil
	}

	s.setActivity(PhaseWriting)
	defer s.setActivity(PhaseIdle)

	written := mapset.NewThreadUnsafeSet[string]()
	var size int64
	var errs []error

	for _, rec := range syncmsg.ChangeSetFromBatch(batch).Records() {
		abs, err := s.absPath(rec.Path)
		if err != nil || isMetadataPath(rec.Path) {
			slog.Warn("sync", "type", "remote", "op", "apply", "path", rec.Path, "reason", "rejected", "error", err)
			continue
		}

		// recorded before touching disk so the watcher event is always covered
		s.recent.Add(abs)

		if rec.Deleted {
			if err := os.Remove(abs); err != nil {
				// nothing removed, nothing to echo
				s.recent.Forget(abs)
				if !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, fmt.Errorf("remove %s: %w", rec.Path, err))
				}
				continue
			}
			written.Add(rec.Path)
			continue
		}

		mode := rec.Mode.Perm()
		if mode == 0 {
			mode = defaultFileMode
		}
		if err := utils.WriteFileAtomic(abs, rec.Content, mode); err != nil {
			s.recent.Forget(abs)
			errs = append(errs, fmt.Errorf("write %s: %w", rec.Path, err))
			continue
		}
		if info, err := os.Stat(abs); err == nil {
			s.metadata.AdvanceMTime(info.ModTime())
		}
		written.Add(rec.Path)
		size += int64(len(rec.Content))
	}

	if written.Contains(IgnoreFileName) {
		s.ignore.Load()
	}

	s.metadata.AdvanceVersion(batch.Version)

	slog.Info("sync", "type", "remote", "op", "apply",
		"version", batch.Version, "changed", len(batch.Changed), "deleted", len(batch.Deleted),
		"applied", written.Cardinality(), "size", humanize.Bytes(uint64(size)))

	return errors.Join(errs...)
}

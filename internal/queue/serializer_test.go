package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}

func TestSerializer_RunsInOrderOneAtATime(t *testing.T) {
	s := NewSerializer(nil)
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var active, maxActive int32

	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, s.Enqueue("task", func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&active, -1)
			return nil
		}))
	}

	waitClosed(t, s.Idle())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestSerializer_IdleReflectsState(t *testing.T) {
	s := NewSerializer(nil)
	defer s.Close()

	waitClosed(t, s.Idle())

	release := make(chan struct{})
	require.NoError(t, s.Enqueue("block", func(ctx context.Context) error {
		<-release
		return nil
	}))

	idle := s.Idle()
	select {
	case <-idle:
		t.Fatal("serializer reported idle while a task is running")
	default:
	}

	close(release)
	waitClosed(t, idle)
}

func TestSerializer_CloseDrainsQueuedTasks(t *testing.T) {
	s := NewSerializer(nil)

	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue("slow", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil
		}))
	}

	s.Close()
	assert.ErrorIs(t, s.Enqueue("late", func(ctx context.Context) error { return nil }), ErrClosed)

	waitClosed(t, s.Done())
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestSerializer_DrainTimeout(t *testing.T) {
	s := NewSerializer(nil)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Enqueue("stuck", func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
}

func TestSerializer_ErrorsAndPanicsDoNotStopWorker(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	s := NewSerializer(func(name string, err error) {
		mu.Lock()
		failed = append(failed, name)
		mu.Unlock()
	})

	require.NoError(t, s.Enqueue("fails", func(ctx context.Context) error { return errors.New("nope") }))
	require.NoError(t, s.Enqueue("panics", func(ctx context.Context) error { panic("boom") }))

	var ok int32
	require.NoError(t, s.Enqueue("ok", func(ctx context.Context) error {
		atomic.StoreInt32(&ok, 1)
		return nil
	}))

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fails", "panics"}, failed)
}

func TestSerializer_TaskContextNotCancelledByClose(t *testing.T) {
	s := NewSerializer(nil)

	started := make(chan struct{})
	var ctxErr error
	require.NoError(t, s.Enqueue("long", func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		ctxErr = ctx.Err()
		return nil
	}))

	<-started
	s.Close()
	waitClosed(t, s.Done())
	assert.NoError(t, ctxErr)
}

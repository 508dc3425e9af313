package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrClosed = errors.New("queue: serializer closed")

// Task is a unit of work run by a Serializer.
type Task func(ctx context.Context) error

type job struct {
	name     string
	task     Task
	queuedAt time.Time
}

// Serializer runs tasks one at a time in the order they were enqueued.
// Tasks are never cancelled: they receive a context that outlives Close.
type Serializer struct {
	mu      sync.Mutex
	pending []*job
	running bool
	closed  bool
	idle    chan struct{}
	notify  chan struct{}
	done    chan struct{}
	ctx     context.Context
	onError func(name string, err error)
}

// NewSerializer starts the worker. onError may be nil, failed tasks are logged either way.
func NewSerializer(onError func(name string, err error)) *Serializer {
	idle := make(chan struct{})
	close(idle)

	s := &Serializer{
		idle:    idle,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		onError: onError,
	}
	go s.worker()
	return s
}

// Enqueue appends a task. It fails with ErrClosed once Close was called.
func (s *Serializer) Enqueue(name string, task Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.busyLocked() {
		s.idle = make(chan struct{})
	}
	s.pending = append(s.pending, &job{name: name, task: task, queuedAt: time.Now()})
	s.mu.Unlock()

	s.wake()
	return nil
}

// Idle returns a channel that is closed when no task is queued or running.
// The channel reflects the state at the time of the call.
func (s *Serializer) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// Len is the number of tasks waiting to run.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops intake. Already queued tasks still run.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Done is closed after Close once every queued task has finished.
func (s *Serializer) Done() <-chan struct{} {
	return s.done
}

// Drain closes the serializer and waits for the queue to empty or ctx to expire.
func (s *Serializer) Drain(ctx context.Context) error {
	s.Close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: drain: %d tasks left: %w", s.Len(), ctx.Err())
	}
}

func (s *Serializer) busyLocked() bool {
	return s.running || len(s.pending) > 0
}

func (s *Serializer) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Serializer) worker() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				close(s.done)
				return
			}
			<-s.notify
			continue
		}

		j := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.running = true
		s.mu.Unlock()

		s.run(j)

		s.mu.Lock()
		s.running = false
		if len(s.pending) == 0 {
			close(s.idle)
		}
		s.mu.Unlock()
	}
}

func (s *Serializer) run(j *job) {
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.task(s.ctx)
	}()

	if err != nil {
		slog.Error("serializer task failed", "task", j.name, "error", err)
		if s.onError != nil {
			s.onError(j.name, err)
		}
		return
	}

	slog.Debug("serializer task done", "task", j.name, "wait", start.Sub(j.queuedAt), "took", time.Since(start))
}

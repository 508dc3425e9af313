package syncapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/openmined/treesync/internal/wsproto"
)

const (
	wsBatchBufferSize   = 16
	wsClientPingPeriod  = 15 * time.Second
	wsClientPingTimeout = 5 * time.Second
)

// Subscription is a live change stream.
// Batches is closed when the stream ends, after which Err reports why:
// nil when the server completed the stream, ErrDisconnected on transport loss,
// ErrUnauthorized or a *StreamError for terminal server errors.
type Subscription struct {
	conn      *websocket.Conn
	batches   chan *syncmsg.ChangeBatch
	closing   chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func newSubscription(ctx context.Context, conn *websocket.Conn) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		conn:    conn,
		batches: make(chan *syncmsg.ChangeBatch, wsBatchBufferSize),
		closing: make(chan struct{}),
		cancel:  cancel,
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.pingLoop(ctx)
	return s
}

func (s *Subscription) Batches() <-chan *syncmsg.ChangeBatch {
	return s.batches
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream and waits for its goroutines.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.setErr(ErrSubscriptionClosed)
		s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.cancel()
	})
	s.wg.Wait()
	return nil
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("subscription reader shutdown")
		s.cancel()
		close(s.batches)
		s.wg.Done()
	}()

	for {
		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			s.setErr(classifyReadError(err))
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("subscription RECV decode", "error", err)
			continue
		}

		switch data := msg.Data.(type) {
		case syncmsg.System:
			slog.Debug("subscription RECV system", "id", msg.Id, "server", data.SystemVersion, "msg", data.Message)

		case syncmsg.Error:
			slog.Debug("subscription RECV error", "id", msg.Id, "code", data.Code, "msg", data.Message)
			if isAuthStatus(data.Code) {
				s.setErr(fmt.Errorf("%w: %s", ErrUnauthorized, data.Message))
			} else {
				s.setErr(&StreamError{Code: data.Code, Message: data.Message})
			}
			s.conn.CloseNow()
			return

		case syncmsg.ChangeBatch:
			batch := data
			select {
			case s.batches <- &batch:
			case <-s.closing:
				return
			}

		default:
			slog.Warn("subscription RECV unexpected payload", "id", msg.Id, "type", msg.Type)
		}
	}
}

func (s *Subscription) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsClientPingPeriod)
	defer func() {
		ticker.Stop()
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctxPing, cancel := context.WithTimeout(ctx, wsClientPingTimeout)
			err := s.conn.Ping(ctxPing)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("subscription PING", "error", err)
					s.setErr(fmt.Errorf("%w: ping: %w", ErrDisconnected, err))
					s.conn.CloseNow()
				}
				return
			}
		}
	}
}

func classifyReadError(err error) error {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrSubscriptionClosed
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		slog.Warn("subscription RECV", "error", err)
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

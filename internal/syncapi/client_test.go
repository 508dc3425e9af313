package syncapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/openmined/treesync/internal/wsproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-token"

type fakeServer struct {
	version   syncmsg.Version
	published []syncmsg.ChangeBatch
	frames    []*syncmsg.Message
	closeWith websocket.StatusCode
	since     chan string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+testToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /api/v1/apps/demo/version", auth(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VersionResponse{Version: f.version})
	}))

	mux.HandleFunc("POST /api/v1/apps/demo/changes", auth(func(w http.ResponseWriter, r *http.Request) {
		var batch syncmsg.ChangeBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		w.Header().Set("Content-Type", "application/json")
		if batch.ExpectedVersion.Cmp(f.version) != 0 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(APIError{Code: CodeVersionConflict, Message: "stale"})
			return
		}
		f.published = append(f.published, batch)
		f.version = f.version.Next()
		_ = json.NewEncoder(w).Encode(VersionResponse{Version: f.version})
	}))

	mux.HandleFunc("GET /api/v1/apps/demo/subscribe", auth(func(w http.ResponseWriter, r *http.Request) {
		if f.since != nil {
			f.since <- r.URL.Query().Get("since")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		enc := wsproto.PreferredEncoding(r.URL.Query().Get("enc"))
		for _, msg := range f.frames {
			typ, data, err := wsproto.Marshal(msg, enc)
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
		if f.closeWith != 0 {
			conn.Close(f.closeWith, "done")
			return
		}
		// hold the stream open until the client leaves
		_, _, _ = conn.Read(r.Context())
	}))

	return mux
}

func newTestClient(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	c, err := New(&Config{ServerURL: srv.URL, AppID: "demo", AccessToken: token, Encoding: wsproto.EncodingMsgPack})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Config{AppID: "a"}).Validate(), ErrNoServerURL)
	assert.ErrorIs(t, (&Config{ServerURL: "http://localhost"}).Validate(), ErrNoAppID)
	assert.Error(t, (&Config{ServerURL: "::bad", AppID: "a"}).Validate())
	assert.NoError(t, (&Config{ServerURL: "http://localhost:8080", AppID: "a"}).Validate())
}

func TestClient_CurrentVersionAndPublish(t *testing.T) {
	fake := &fakeServer{version: "41"}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv, testToken)
	ctx := context.Background()

	v, err := c.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncmsg.Version("41"), v)

	cs := syncmsg.NewChangeSet()
	cs.Put(&syncmsg.FileRecord{Path: "a.txt", Mode: 0o644, Content: []byte("hello")})
	batch := cs.Batch()
	batch.ExpectedVersion = "41"

	v, err = c.Publish(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, syncmsg.Version("42"), v)
	require.Len(t, fake.published, 1)
	assert.Equal(t, []byte("hello"), fake.published[0].Changed[0].Content)

	// stale expected version is rejected with an api error
	_, err = c.Publish(ctx, batch)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeVersionConflict, apiErr.Code)
}

func TestClient_Unauthorized(t *testing.T) {
	fake := &fakeServer{version: "1"}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv, "expired")
	ctx := context.Background()

	_, err := c.CurrentVersion(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Subscribe(ctx, "1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_TransportFailureIsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(&Config{ServerURL: url, AppID: "demo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = c.Subscribe(ctx, "0")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestSubscription_DeliversBatchesThenCompletes(t *testing.T) {
	fake := &fakeServer{
		version: "5",
		since:   make(chan string, 1),
		frames: []*syncmsg.Message{
			syncmsg.NewSystemMessage("1.0.0", "hello"),
			syncmsg.NewChangesMessage(&syncmsg.ChangeBatch{Version: "6", Changed: []syncmsg.ChangedFile{{Path: "x", Mode: 0o600, Content: []byte("x")}}}),
			syncmsg.NewChangesMessage(&syncmsg.ChangeBatch{Version: "7", Deleted: []syncmsg.DeletedFile{{Path: "x"}}}),
		},
		closeWith: websocket.StatusNormalClosure,
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv, testToken)
	sub, err := c.Subscribe(context.Background(), "5")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "5", <-fake.since)

	var got []*syncmsg.ChangeBatch
	for batch := range sub.Batches() {
		got = append(got, batch)
	}

	require.Len(t, got, 2)
	assert.Equal(t, syncmsg.Version("6"), got[0].Version)
	assert.Equal(t, "x", got[1].Deleted[0].Path)
	assert.NoError(t, sub.Err(), "normal closure means the stream completed")
}

func TestSubscription_ErrorFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame *syncmsg.Message
		check func(t *testing.T, err error)
	}{
		{
			name:  "auth",
			frame: syncmsg.NewError(401, "token expired"),
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrUnauthorized) },
		},
		{
			name:  "other",
			frame: syncmsg.NewError(500, "boom"),
			check: func(t *testing.T, err error) {
				var streamErr *StreamError
				require.ErrorAs(t, err, &streamErr)
				assert.Equal(t, 500, streamErr.Code)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeServer{version: "1", frames: []*syncmsg.Message{tc.frame}}
			srv := httptest.NewServer(fake.handler(t))
			defer srv.Close()

			c := newTestClient(t, srv, testToken)
			sub, err := c.Subscribe(context.Background(), "1")
			require.NoError(t, err)
			defer sub.Close()

			for range sub.Batches() {
			}
			tc.check(t, sub.Err())
		})
	}
}

func TestSubscription_ServerDropIsDisconnected(t *testing.T) {
	fake := &fakeServer{version: "1", closeWith: websocket.StatusGoingAway}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv, testToken)
	sub, err := c.Subscribe(context.Background(), "1")
	require.NoError(t, err)
	defer sub.Close()

	for range sub.Batches() {
	}
	assert.ErrorIs(t, sub.Err(), ErrDisconnected)
}

func TestSubscription_CloseFromClient(t *testing.T) {
	fake := &fakeServer{version: "1"}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv, testToken)
	sub, err := c.Subscribe(context.Background(), "1")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	_, ok := <-sub.Batches()
	assert.False(t, ok)
	assert.True(t, errors.Is(sub.Err(), ErrSubscriptionClosed))
}

func TestToWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://example.com/x", toWebsocketURL("https://example.com/x"))
	assert.Equal(t, "ws://localhost:8080/x", toWebsocketURL("http://localhost:8080/x"))
}

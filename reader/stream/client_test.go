package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tickflow/config"
	"tickflow/models"
)

var upgrader = websocket.Upgrader{}

type fakeServer struct {
	*httptest.Server
	conns   int32
	mu      sync.Mutex
	subs    []string
	headers []http.Header
	onConn  func(n int32, conn *websocket.Conn)
}

func newFakeServer(t *testing.T, onConn func(n int32, conn *websocket.Conn)) *fakeServer {
	fs := &fakeServer{onConn: onConn}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey != "key" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(sessionResponse{SessionToken: "tok-" + req.APISecret})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.headers = append(fs.headers, r.Header.Clone())
		fs.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.onConn(atomic.AddInt32(&fs.conns, 1), conn)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws"
}

func (fs *fakeServer) readSubs(conn *websocket.Conn, n int) bool {
	for i := 0; i < n; i++ {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return false
		}
		fs.mu.Lock()
		fs.subs = append(fs.subs, req.Action+":"+req.Token)
		fs.mu.Unlock()
	}
	return true
}

func drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextBatch(t *testing.T, c *Client) models.RawTickBatch {
	t.Helper()
	select {
	case b := <-c.Ticks():
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch received")
	}
	return models.RawTickBatch{}
}

func TestClientSubscribesAndForwardsFrames(t *testing.T) {
	var fs *fakeServer
	fs = newFakeServer(t, func(_ int32, conn *websocket.Conn) {
		if !fs.readSubs(conn, 2) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"token":"100","ltp":1.5},{"token":"200","ltp":2}]`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"100","ltp":1.6}`))
		drainUntilClosed(conn)
	})

	c := New(appconfig.FeedConfig{URL: fs.wsURL(), SessionToken: "abc", APIKey: "key"})
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx))
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx, []string{"100", "200"}))

	first := nextBatch(t, c)
	assert.Len(t, first.Ticks, 2)
	assert.Equal(t, "200", first.Ticks[1]["token"])
	second := nextBatch(t, c)
	require.Len(t, second.Ticks, 1)
	assert.Equal(t, json.Number("1.6"), second.Ticks[0]["ltp"])

	fs.mu.Lock()
	assert.Equal(t, []string{"subscribe:100", "subscribe:200"}, fs.subs)
	assert.Equal(t, "Bearer abc", fs.headers[0].Get("Authorization"))
	assert.Equal(t, "key", fs.headers[0].Get("X-Api-Key"))
	fs.mu.Unlock()

	require.NoError(t, c.Close())
	_, ok := <-c.Ticks()
	assert.False(t, ok)
}

func TestClientAuthenticatesAgainstSessionEndpoint(t *testing.T) {
	fs := newFakeServer(t, func(_ int32, conn *websocket.Conn) { drainUntilClosed(conn) })

	c := New(appconfig.FeedConfig{URL: fs.wsURL(), SessionURL: fs.URL + "/session", APIKey: "key", APISecret: "s3"})
	require.NoError(t, c.Authenticate(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, "Bearer tok-s3", fs.headers[0].Get("Authorization"))
}

func TestClientAuthenticationFailure(t *testing.T) {
	fs := newFakeServer(t, func(_ int32, conn *websocket.Conn) {})
	c := New(appconfig.FeedConfig{URL: fs.wsURL(), SessionURL: fs.URL + "/session", APIKey: "wrong"})
	require.Error(t, c.Authenticate(context.Background()))
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	var fs *fakeServer
	fs = newFakeServer(t, func(n int32, conn *websocket.Conn) {
		if !fs.readSubs(conn, 1) {
			return
		}
		if n == 1 {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"100","ltp":3}`))
		drainUntilClosed(conn)
	})

	c := New(appconfig.FeedConfig{URL: fs.wsURL(), ReconnectDelay: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx, []string{"100"}))

	batch := nextBatch(t, c)
	require.Len(t, batch.Ticks, 1)

	select {
	case err := <-c.Errors():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read loop failure was not reported")
	}

	fs.mu.Lock()
	assert.Equal(t, []string{"subscribe:100", "subscribe:100"}, fs.subs)
	fs.mu.Unlock()
	assert.EqualValues(t, 2, atomic.LoadInt32(&fs.conns))
	require.NoError(t, c.Close())
}

func TestClientConnectFailure(t *testing.T) {
	c := New(appconfig.FeedConfig{URL: "ws://127.0.0.1:1/ws"})
	require.Error(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Subscribe(context.Background(), []string{"1"}), ErrNotConnected)
	require.NoError(t, c.Close())
}

func TestSubscribeIsPaced(t *testing.T) {
	var fs *fakeServer
	fs = newFakeServer(t, func(_ int32, conn *websocket.Conn) {
		fs.readSubs(conn, 3)
		drainUntilClosed(conn)
	})

	c := New(appconfig.FeedConfig{URL: fs.wsURL(), SubscribeInterval: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	start := time.Now()
	require.NoError(t, c.Subscribe(ctx, []string{"1", "2", "3"}))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

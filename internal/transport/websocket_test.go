package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server

	upgrader websocket.Upgrader
	accepts  atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	recv  chan string
}

// newTestServer echoes every text frame back as {"type":"echo","value":...}
// and records what it received.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{recv: make(chan string, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepts.Add(1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.mu.Unlock()
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			ts.recv <- string(msg)
			_ = c.WriteMessage(websocket.TextMessage, []byte("echo:"+string(msg)))
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?src=cam"
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.conns = nil
}

func newTestTransport(t *testing.T) *WebSocket {
	t.Helper()
	w := NewWebSocket(Config{
		DialTimeout: 2 * time.Second,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
	t.Cleanup(w.Close)
	return w
}

func TestWebSocket_SendAndReceive(t *testing.T) {
	ts := newTestServer(t)
	w := newTestTransport(t)

	got := make(chan [2]string, 4)
	uid, err := w.Connect(context.Background(), ts.wsURL(), func(data string, from string) {
		got <- [2]string{data, from}
	}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, uid)
	require.True(t, w.IsConnected(uid))

	require.NoError(t, w.SendData(context.Background(), uid, `{"type":"webrtc/offer","value":"v=0"}`))

	select {
	case msg := <-ts.recv:
		require.Equal(t, `{"type":"webrtc/offer","value":"v=0"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}
	select {
	case msg := <-got:
		require.Equal(t, `echo:{"type":"webrtc/offer","value":"v=0"}`, msg[0])
		require.Equal(t, uid, msg[1])
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive echo")
	}
}

func TestWebSocket_ConnectFailureReturnsNoID(t *testing.T) {
	w := newTestTransport(t)

	uid, err := w.Connect(context.Background(), "ws://127.0.0.1:1/api/ws?src=x", nil, Options{})
	require.Error(t, err)
	require.Empty(t, uid)
	require.Equal(t, 0, w.Len())
}

func TestWebSocket_ExplicitDisconnectEmitsNoEvent(t *testing.T) {
	ts := newTestServer(t)
	w := newTestTransport(t)

	var events atomic.Int32
	uid, err := w.Connect(context.Background(), ts.wsURL(), nil, Options{
		AutoReconnect: true,
		OnStateChange: func(StateChange) { events.Add(1) },
	})
	require.NoError(t, err)

	w.Disconnect(uid)
	w.Disconnect(uid)
	require.False(t, w.IsConnected(uid))
	require.ErrorIs(t, w.SendData(context.Background(), uid, "x"), ErrUnknownSocket)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, events.Load())
	require.Equal(t, int32(1), ts.accepts.Load())
}

func TestWebSocket_RemoteDropWithoutReconnectForgetsSocket(t *testing.T) {
	ts := newTestServer(t)
	w := newTestTransport(t)

	events := make(chan StateChange, 4)
	uid, err := w.Connect(context.Background(), ts.wsURL(), nil, Options{
		OnStateChange: func(ev StateChange) { events <- ev },
	})
	require.NoError(t, err)

	ts.dropAll()

	select {
	case ev := <-events:
		require.Equal(t, StateChange{UID: uid, Connected: false}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
	require.Eventually(t, func() bool { return w.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.False(t, w.IsConnected(uid))
}

func TestWebSocket_RemoteDropReconnects(t *testing.T) {
	ts := newTestServer(t)
	w := newTestTransport(t)

	events := make(chan StateChange, 4)
	uid, err := w.Connect(context.Background(), ts.wsURL(), nil, Options{
		AutoReconnect: true,
		OnStateChange: func(ev StateChange) { events <- ev },
	})
	require.NoError(t, err)

	ts.dropAll()

	for _, want := range []bool{false, true} {
		select {
		case ev := <-events:
			require.Equal(t, uid, ev.UID)
			require.Equal(t, want, ev.Connected)
		case <-time.After(2 * time.Second):
			t.Fatalf("no state change connected=%v", want)
		}
	}
	require.True(t, w.IsConnected(uid))
	require.Equal(t, int32(2), ts.accepts.Load())

	require.NoError(t, w.SendData(context.Background(), uid, "after-reconnect"))
	select {
	case msg := <-ts.recv:
		require.Equal(t, "after-reconnect", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame after reconnect")
	}
}

func TestWebSocket_CloseRejectsConnect(t *testing.T) {
	ts := newTestServer(t)
	w := newTestTransport(t)

	uid, err := w.Connect(context.Background(), ts.wsURL(), nil, Options{})
	require.NoError(t, err)

	w.Close()
	require.False(t, w.IsConnected(uid))
	require.Equal(t, 0, w.Len())

	_, err = w.Connect(context.Background(), ts.wsURL(), nil, Options{})
	require.ErrorIs(t, err, ErrClosed)
}

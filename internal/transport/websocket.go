package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultMinBackoff      = 250 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultMaxMessageBytes = int64(1 << 20)
)

type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval <= 0 disables keepalive pings.
	PingInterval    time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	MaxMessageBytes int64

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// WebSocket is a Transport backed by gorilla/websocket client connections.
type WebSocket struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	sockets map[string]*socket
	closed  bool
}

var _ Transport = (*WebSocket)(nil)

type socket struct {
	uid    string
	url    string
	onData DataHandler
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn
}

func NewWebSocket(cfg Config) *WebSocket {
	cfg = cfg.withDefaults()
	return &WebSocket{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "transport"),
		sockets: make(map[string]*socket),
	}
}

func (w *WebSocket) Connect(ctx context.Context, url string, onData DataHandler, opts Options) (string, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	conn, err := w.dial(ctx, url)
	if err != nil {
		return "", err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		uid:    uuid.NewString(),
		url:    url,
		onData: onData,
		opts:   opts,
		ctx:    sctx,
		cancel: cancel,
		conn:   conn,
	}
	s.connected.Store(true)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		_ = conn.Close()
		return "", ErrClosed
	}
	w.sockets[s.uid] = s
	w.mu.Unlock()

	w.log.Debug("socket connected", "socket_id", s.uid, "url", url)
	go w.run(s, conn)
	return s.uid, nil
}

func (w *WebSocket) Disconnect(uid string) {
	w.mu.Lock()
	s, ok := w.sockets[uid]
	if ok {
		delete(w.sockets, uid)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	s.connected.Store(false)
	if conn := s.swapConn(nil); conn != nil {
		deadline := time.Now().Add(w.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	w.log.Debug("socket disconnected", "socket_id", uid)
}

func (w *WebSocket) IsConnected(uid string) bool {
	s := w.lookup(uid)
	return s != nil && s.connected.Load()
}

func (w *WebSocket) SendData(ctx context.Context, uid string, text string) error {
	s := w.lookup(uid)
	if s == nil {
		return ErrUnknownSocket
	}
	conn := s.currentConn()
	if conn == nil || !s.connected.Load() {
		return ErrNotConnected
	}

	deadline := time.Now().Add(w.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("write to socket %s: %w", uid, err)
	}
	return nil
}

// Close disconnects every socket and rejects further Connect calls.
func (w *WebSocket) Close() {
	w.mu.Lock()
	w.closed = true
	uids := make([]string, 0, len(w.sockets))
	for uid := range w.sockets {
		uids = append(uids, uid)
	}
	w.mu.Unlock()

	for _, uid := range uids {
		w.Disconnect(uid)
	}
}

// Len reports the number of tracked sockets.
func (w *WebSocket) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sockets)
}

func (w *WebSocket) lookup(uid string) *socket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sockets[uid]
}

func (w *WebSocket) forget(s *socket) {
	w.mu.Lock()
	if cur, ok := w.sockets[s.uid]; ok && cur == s {
		delete(w.sockets, s.uid)
	}
	w.mu.Unlock()
	s.cancel()
	if conn := s.swapConn(nil); conn != nil {
		_ = conn.Close()
	}
}

func (w *WebSocket) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := w.cfg.Dialer.DialContext(dctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(w.cfg.MaxMessageBytes)
	return conn, nil
}

func (w *WebSocket) run(s *socket, conn *websocket.Conn) {
	defer w.forget(s)

	for {
		w.serve(s, conn)
		if s.ctx.Err() != nil {
			return
		}

		s.connected.Store(false)
		s.swapConn(nil)
		_ = conn.Close()
		w.log.Warn("socket dropped", "socket_id", s.uid, "url", s.url)
		s.emit(StateChange{UID: s.uid, Connected: false})

		if !s.opts.AutoReconnect {
			return
		}
		conn = w.redial(s)
		if conn == nil {
			return
		}
		s.swapConn(conn)
		if s.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		s.connected.Store(true)
		w.log.Info("socket reconnected", "socket_id", s.uid, "url", s.url)
		s.emit(StateChange{UID: s.uid, Connected: true})
	}
}

// serve reads until the connection fails or the socket is disconnected.
func (w *WebSocket) serve(s *socket, conn *websocket.Conn) {
	pingCtx, stopPing := context.WithCancel(s.ctx)
	defer stopPing()
	if w.cfg.PingInterval > 0 {
		go w.pingLoop(pingCtx, s, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				w.log.Debug("socket read ended", "socket_id", s.uid, "err", err)
			}
			return
		}
		if s.onData != nil {
			s.onData(string(data), s.uid)
		}
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, s *socket, conn *websocket.Conn) {
	ticker := w.cfg.Clock.Ticker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.log.Debug("socket ping failed", "socket_id", s.uid, "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (w *WebSocket) redial(s *socket) *websocket.Conn {
	backoff := w.cfg.MinBackoff
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-w.cfg.Clock.After(backoff):
		}

		conn, err := w.dial(s.ctx, s.url)
		if err == nil {
			if s.ctx.Err() != nil {
				_ = conn.Close()
				return nil
			}
			return conn
		}
		w.log.Debug("socket redial failed", "socket_id", s.uid, "backoff", backoff, "err", err)

		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

func (s *socket) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *socket) swapConn(conn *websocket.Conn) *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	old := s.conn
	s.conn = conn
	return old
}

func (s *socket) emit(ev StateChange) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(ev)
	}
}

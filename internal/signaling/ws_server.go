package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
)

// Engine executes caller requests.
type Engine interface {
	HandleRequest(ctx context.Context, req wire.Request) (*wire.Response, error)
	CloseVideo(streamID, videoID string) bool
}

// EventSource broadcasts candidate events to subscribers.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan wire.Event, error)
}

type Config struct {
	AllowedOrigins       []string
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	// CloseOnDisconnect closes every video a connection offered for once the
	// connection ends.
	CloseOnDisconnect bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// WebSocketServer bridges caller WebSockets to the relay engine.
type WebSocketServer struct {
	cfg      Config
	engine   Engine
	events   EventSource
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWebSocketServer(cfg Config, engine Engine, events EventSource) (*WebSocketServer, error) {
	if engine == nil {
		return nil, errors.New("signaling: engine is required")
	}
	cfg = cfg.withDefaults()
	s := &WebSocketServer{
		cfg:    cfg,
		engine: engine,
		events: events,
		log:    cfg.Logger.With("component", "signaling"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.CheckRequest(r, cfg.AllowedOrigins)
		},
	}
	return s, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before upgrading so no event published after the handshake
	// completes is missed.
	var events <-chan wire.Event
	if s.events != nil {
		ch, err := s.events.Subscribe(ctx)
		if err != nil {
			s.log.Error("subscribe to events failed", "err", err)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		events = ch
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &callerConn{conn: conn, log: s.log.With("remote", r.RemoteAddr)}
	c.log.Debug("caller connected")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.forwardEvents(ctx, c, events)
	}()
	go func() {
		defer wg.Done()
		s.keepalive(ctx, c)
	}()

	s.readLoop(ctx, c, &wg)

	cancel()
	wg.Wait()

	if s.cfg.CloseOnDisconnect {
		for _, videoID := range c.offeredVideos() {
			s.engine.CloseVideo("", videoID)
		}
	}
	c.log.Debug("caller disconnected")
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *callerConn, wg *sync.WaitGroup) {
	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond)

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				writeClose(conn, websocket.ClosePolicyViolation, "idle timeout")
			}
			return
		}
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.CallerRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		req, err := wire.ParseRequest(msg)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.CallerRequestsInvalid)
			c.log.Warn("invalid caller request", "err", err)
			resp := wire.NewErrorResponse(wire.MessageInvalidRequest)
			resp.RequestID = requestIDOf(msg)
			if err := c.writeJSON(resp); err != nil {
				return
			}
			continue
		}

		switch req.Type {
		case wire.RequestOffer:
			c.trackVideo(req.VideoID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, c, req)
			}()
		default:
			s.handle(ctx, c, req)
		}
	}
}

func (s *WebSocketServer) handle(ctx context.Context, c *callerConn, req wire.Request) {
	resp, err := s.engine.HandleRequest(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("request produced no response", "type", string(req.Type), "stream_id", req.StreamIdent, "video_id", req.VideoID, "err", err)
		}
		return
	}
	if resp == nil {
		return
	}
	if err := c.writeJSON(resp); err != nil {
		c.log.Debug("write response failed", "err", err)
	}
}

func (s *WebSocketServer) forwardEvents(ctx context.Context, c *callerConn, events <-chan wire.Event) {
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.writeJSON(ev); err != nil {
				c.log.Debug("write event failed", "err", err)
				// Publishers block on this subscription until readLoop exits.
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketServer) keepalive(ctx context.Context, c *callerConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

type callerConn struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	videosMu sync.Mutex
	videos   []string
}

func (c *callerConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *callerConn) trackVideo(videoID string) {
	c.videosMu.Lock()
	defer c.videosMu.Unlock()
	for _, v := range c.videos {
		if v == videoID {
			return
		}
	}
	c.videos = append(c.videos, videoID)
}

func (c *callerConn) offeredVideos() []string {
	c.videosMu.Lock()
	defer c.videosMu.Unlock()
	return append([]string(nil), c.videos...)
}

// requestIDOf recovers request_id from a request that failed validation.
func requestIDOf(msg []byte) string {
	var envelope struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return ""
	}
	return envelope.RequestID
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

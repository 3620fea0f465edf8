package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/transport"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

const (
	DefaultAnswerTimeout      = 3 * time.Second
	DefaultSessionMaxLifetime = 10 * time.Minute
)

// EventPublisher delivers ICE candidate events to callers.
type EventPublisher interface {
	PublishCandidate(ctx context.Context, ev wire.Event) error
}

type Config struct {
	// ServerAddr is the media server host:port. Offers fail with ErrConfig
	// while it is empty.
	ServerAddr         string
	AnswerTimeout      time.Duration
	SessionMaxLifetime time.Duration
	// SettleDelay is waited between opening a socket and sending the offer.
	SettleDelay    time.Duration
	ValidateOffers bool
	// MaxSessions <= 0 means unlimited.
	MaxSessions int

	Transport transport.Transport
	Events    EventPublisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (c Config) WithDefaults() Config {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = DefaultAnswerTimeout
	}
	if c.SessionMaxLifetime <= 0 {
		c.SessionMaxLifetime = DefaultSessionMaxLifetime
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine drives offer/request and close/request against the media server and
// routes inbound socket frames back to callers.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	tr       transport.Transport
	registry *Registry

	closed atomic.Bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("relay: transport is required")
	}
	cfg = cfg.WithDefaults()
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "relay"),
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		tr:       cfg.Transport,
		registry: NewRegistry(cfg.Transport, cfg.MaxSessions),
	}, nil
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) ActiveSessions() int { return e.registry.Len() }

// HandleRequest executes a caller request. Offer failures that the caller
// should see are returned as error responses with a nil error. A nil response
// with a nil error means the request has no reply (close/request).
func (e *Engine) HandleRequest(ctx context.Context, req wire.Request) (*wire.Response, error) {
	switch req.Type {
	case wire.RequestOffer:
		sdp, err := e.Offer(ctx, req.StreamIdent, req.VideoID, req.ClientSDP)
		resp, err := offerResponse(sdp, err)
		if resp != nil {
			resp.RequestID = req.RequestID
		}
		return resp, err
	case wire.RequestClose:
		e.CloseVideo(req.StreamIdent, req.VideoID)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported request type %q", ErrProtocol, req.Type)
	}
}

func offerResponse(sdp string, err error) (*wire.Response, error) {
	switch {
	case err == nil:
		return wire.NewOfferResponse(sdp), nil
	case errors.Is(err, ErrConfig),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case errors.Is(err, ErrTimeout):
		return wire.NewErrorResponse(wire.MessageTimeout), nil
	case errors.Is(err, ErrInvalidOffer):
		return wire.NewErrorResponse(wire.MessageInvalidOffer), nil
	case errors.Is(err, ErrTooManySessions):
		return wire.NewErrorResponse(wire.MessageTooManySessions), nil
	case errors.Is(err, ErrEngineClosed):
		return wire.NewErrorResponse(wire.MessageShuttingDown), nil
	default:
		return wire.NewErrorResponse(wire.MessageConnectFailed), nil
	}
}

// Offer opens a socket for streamID, sends clientSDP and waits for the media
// server's answer. On success the session stays registered so candidates keep
// flowing until it is closed.
func (e *Engine) Offer(ctx context.Context, streamID, videoID, clientSDP string) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}
	if e.cfg.ServerAddr == "" {
		e.log.Error("offer dropped: media server address not configured", "stream_id", streamID, "video_id", videoID)
		return "", ErrConfig
	}
	e.metrics.Inc(metrics.Offers)

	if e.cfg.ValidateOffers {
		if err := validateOffer(clientSDP); err != nil {
			e.metrics.Inc(metrics.OffersInvalidSDP)
			e.log.Warn("rejecting offer with invalid sdp", "stream_id", streamID, "video_id", videoID, "err", err)
			return "", fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
	}

	socketURL := wire.SocketURL(e.cfg.ServerAddr, streamID)
	if stale := e.registry.ByURL(socketURL); stale != nil && e.registry.Remove(stale) {
		e.metrics.Inc(metrics.SessionsReplaced)
		e.log.Warn("closing stale session for stream", "socket_id", stale.SocketID(), "stream_id", streamID, "video_id", stale.VideoID())
	}

	// Cheap pre-check before dialing; Insert enforces the cap.
	if e.cfg.MaxSessions > 0 && e.registry.Len() >= e.cfg.MaxSessions {
		e.metrics.Inc(metrics.OffersRejectedCapacity)
		e.log.Warn("rejecting offer: too many sessions", "stream_id", streamID, "max_sessions", e.cfg.MaxSessions)
		return "", ErrTooManySessions
	}

	uid, err := e.tr.Connect(ctx, socketURL, e.handleFrame, transport.Options{
		AutoReconnect: true,
		OnStateChange: e.handleStateChange,
	})
	if err != nil || uid == "" {
		if err == nil {
			err = errors.New("transport returned no socket id")
		}
		e.metrics.Inc(metrics.TransportOpenFailures)
		e.log.Error("connecting to media server failed", "url", socketURL, "stream_id", streamID, "err", err)
		return "", fmt.Errorf("%w: open %s: %v", ErrTransport, socketURL, err)
	}

	sess := newSession(uid, socketURL, streamID, videoID, e.clock.Now())
	sess.setConnected(e.tr.IsConnected(uid))
	sess.armDeadline(e.clock, e.cfg.SessionMaxLifetime, func() { e.expire(sess) })

	replaced, err := e.registry.Insert(sess)
	if err != nil {
		sess.markRemoved()
		e.tr.Disconnect(uid)
		if errors.Is(err, ErrTooManySessions) {
			e.metrics.Inc(metrics.OffersRejectedCapacity)
			e.log.Warn("rejecting offer: too many sessions", "stream_id", streamID, "max_sessions", e.cfg.MaxSessions)
			return "", ErrTooManySessions
		}
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if replaced != nil {
		e.metrics.Inc(metrics.SessionsReplaced)
		e.log.Warn("replaced concurrent session for stream", "socket_id", replaced.SocketID(), "stream_id", streamID)
	}
	e.metrics.Inc(metrics.SessionsCreated)
	e.log.Info("session created", "socket_id", uid, "stream_id", streamID, "video_id", videoID)

	if e.closed.Load() {
		e.registry.Remove(sess)
		return "", ErrEngineClosed
	}

	if e.cfg.SettleDelay > 0 {
		select {
		case <-e.clock.After(e.cfg.SettleDelay):
		case <-sess.Done():
			return "", fmt.Errorf("%w: socket closed before offer", ErrTransport)
		case <-ctx.Done():
			e.registry.Remove(sess)
			return "", ctx.Err()
		}
	}

	timer := e.clock.Timer(e.cfg.AnswerTimeout)
	defer timer.Stop()

	e.sendOffer(ctx, sess, clientSDP)

	select {
	case <-sess.Answered():
		return e.answered(sess), nil
	case <-timer.C:
		if sdp, ok := sess.Answer(); ok {
			e.metrics.Inc(metrics.OfferResponses)
			return sdp, nil
		}
		e.registry.Remove(sess)
		e.metrics.Inc(metrics.OfferTimeouts)
		e.log.Warn("timed out waiting for answer", "socket_id", uid, "stream_id", streamID, "timeout", e.cfg.AnswerTimeout)
		return "", ErrTimeout
	case <-sess.Done():
		if _, ok := sess.Answer(); ok {
			return e.answered(sess), nil
		}
		return "", fmt.Errorf("%w: socket closed before answer", ErrTransport)
	case <-ctx.Done():
		e.registry.Remove(sess)
		return "", ctx.Err()
	}
}

func (e *Engine) answered(sess *Session) string {
	sdp, _ := sess.Answer()
	e.metrics.Inc(metrics.OfferResponses)
	return sdp
}

func (e *Engine) sendOffer(ctx context.Context, sess *Session, clientSDP string) {
	if !sess.Connected() {
		e.metrics.Inc(metrics.SendSkippedNotConnected)
		e.log.Warn("socket not connected, offer not sent", "socket_id", sess.SocketID(), "stream_id", sess.StreamID())
		return
	}
	frame, err := wire.EncodeSocketFrame(wire.SocketFrame{Type: wire.SocketFrameOffer, Value: clientSDP})
	if err != nil {
		e.metrics.Inc(metrics.SendFailures)
		e.log.Error("encode offer frame", "socket_id", sess.SocketID(), "err", err)
		return
	}
	if err := e.tr.SendData(ctx, sess.SocketID(), string(frame)); err != nil {
		e.metrics.Inc(metrics.SendFailures)
		e.log.Warn("send offer failed", "socket_id", sess.SocketID(), "err", err)
		return
	}
	e.log.Debug("offer sent", "socket_id", sess.SocketID(), "stream_id", sess.StreamID())
}

// CloseVideo removes the session serving videoID. It reports false when no
// such session is live.
func (e *Engine) CloseVideo(streamID, videoID string) bool {
	sess := e.registry.ByVideo(videoID)
	if sess == nil || !e.registry.Remove(sess) {
		e.log.Info("close requested for session already closed", "stream_id", streamID, "video_id", videoID)
		return false
	}
	e.metrics.Inc(metrics.SessionsClosed)
	e.log.Info("session closed", "socket_id", sess.SocketID(), "stream_id", sess.StreamID(), "video_id", videoID)
	return true
}

// Sessions returns the live sessions, oldest first.
func (e *Engine) Sessions() []SessionInfo {
	all := e.registry.Snapshot()
	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SocketID < out[j].SocketID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close removes every session and closes its socket. Later offers fail with
// ErrEngineClosed.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	removed := e.registry.RemoveAll()
	e.metrics.Add(metrics.SessionsClosed, uint64(len(removed)))
	e.log.Info("relay engine closed", "sessions", len(removed))
}

func (e *Engine) expire(sess *Session) {
	if !e.registry.Remove(sess) {
		return
	}
	e.metrics.Inc(metrics.SessionsExpired)
	e.log.Info("session reached max lifetime", "socket_id", sess.SocketID(), "stream_id", sess.StreamID(), "video_id", sess.VideoID())
}

func (e *Engine) handleStateChange(ev transport.StateChange) {
	sess := e.registry.BySocket(ev.UID)
	if sess == nil {
		e.log.Debug("state change for unknown socket", "socket_id", ev.UID, "connected", ev.Connected)
		return
	}
	sess.setConnected(ev.Connected)
	if ev.Connected {
		e.log.Info("socket connected", "socket_id", ev.UID, "stream_id", sess.StreamID())
		return
	}
	if e.registry.Remove(sess) {
		e.metrics.Inc(metrics.SessionsDisconnected)
		e.log.Warn("socket disconnected, session removed", "socket_id", ev.UID, "stream_id", sess.StreamID(), "video_id", sess.VideoID())
	}
}

func (e *Engine) handleFrame(data string, uid string) {
	frame, err := wire.ParseSocketFrame([]byte(data))
	if err != nil {
		e.metrics.Inc(metrics.FramesMalformed)
		e.log.Warn("discarding malformed frame", "socket_id", uid, "err", err)
		return
	}

	switch frame.Type {
	case wire.SocketFrameAnswer:
		sess := e.lookupForFrame(uid, frame.Type)
		if sess == nil {
			return
		}
		if !sess.setAnswer(frame.Value) {
			e.metrics.Inc(metrics.AnswersDuplicate)
			e.log.Debug("ignoring duplicate answer", "socket_id", uid)
			return
		}
		e.metrics.Inc(metrics.Answers)
		if n, err := inspectSDP(webrtc.SDPTypeAnswer, frame.Value); err != nil {
			e.log.Warn("answer sdp does not parse", "socket_id", uid, "err", err)
		} else {
			e.log.Debug("answer received", "socket_id", uid, "stream_id", sess.StreamID(), "media_sections", n)
		}
	case wire.SocketFrameCandidate:
		sess := e.lookupForFrame(uid, frame.Type)
		if sess == nil {
			return
		}
		e.forwardCandidate(sess, frame.Value)
	case wire.SocketFrameMSE:
		// Informational only.
	default:
		e.metrics.Inc(metrics.FramesUnknownType)
		e.log.Warn("discarding frame of unknown type", "socket_id", uid, "type", string(frame.Type))
	}
}

func (e *Engine) lookupForFrame(uid string, typ wire.SocketFrameType) *Session {
	sess := e.registry.BySocket(uid)
	if sess == nil {
		e.metrics.Inc(metrics.FramesUnknownSession)
		e.log.Warn("frame for unknown socket", "socket_id", uid, "type", string(typ))
	}
	return sess
}

func (e *Engine) forwardCandidate(sess *Session, candidate string) {
	if typ, err := candidateType(candidate); err != nil {
		e.log.Debug("candidate does not parse", "socket_id", sess.SocketID(), "err", err)
	} else {
		e.log.Debug("candidate received", "socket_id", sess.SocketID(), "video_id", sess.VideoID(), "candidate_type", typ)
	}

	if e.cfg.Events == nil {
		e.metrics.Inc(metrics.CandidatesDropped)
		return
	}
	if err := e.cfg.Events.PublishCandidate(context.Background(), wire.NewCandidateEvent(candidate, sess.VideoID())); err != nil {
		e.metrics.Inc(metrics.CandidatesDropped)
		e.log.Warn("publish candidate failed", "socket_id", sess.SocketID(), "err", err)
		return
	}
	e.metrics.Inc(metrics.CandidatesForwarded)
}

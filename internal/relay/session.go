package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Session is one live stream negotiation bound to a single transport socket.
type Session struct {
	socketID  string
	socketURL string
	streamID  string
	videoID   string
	createdAt time.Time

	connected atomic.Bool

	mu       sync.Mutex
	answer   string
	answered chan struct{}
	removed  bool
	done     chan struct{}
	deadline *clock.Timer
}

func newSession(socketID, socketURL, streamID, videoID string, now time.Time) *Session {
	return &Session{
		socketID:  socketID,
		socketURL: socketURL,
		streamID:  streamID,
		videoID:   videoID,
		createdAt: now,
		answered:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) SocketID() string     { return s.socketID }
func (s *Session) SocketURL() string    { return s.socketURL }
func (s *Session) StreamID() string     { return s.streamID }
func (s *Session) VideoID() string      { return s.videoID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Connected() bool      { return s.connected.Load() }

func (s *Session) setConnected(v bool) { s.connected.Store(v) }

// setAnswer records the answer SDP. Only the first answer is kept; later
// calls return false.
func (s *Session) setAnswer(sdp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.answered:
		return false
	default:
	}
	s.answer = sdp
	close(s.answered)
	return true
}

// Answer returns the answer SDP and whether it has arrived.
func (s *Session) Answer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.answered:
		return s.answer, true
	default:
		return "", false
	}
}

// Answered is closed once the answer SDP is set.
func (s *Session) Answered() <-chan struct{} { return s.answered }

// Done is closed when the session leaves the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// armDeadline schedules fn after d, replacing any previous deadline. It is a
// no-op once the session has been removed.
func (s *Session) armDeadline(clk clock.Clock, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return
	}
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline = clk.AfterFunc(d, fn)
}

// markRemoved cancels the deadline and closes Done. It reports false if the
// session was already removed.
func (s *Session) markRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.removed = true
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	close(s.done)
	return true
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	SocketID  string    `json:"socket_id"`
	SocketURL string    `json:"socket_url"`
	StreamID  string    `json:"stream_id"`
	VideoID   string    `json:"video_id"`
	Connected bool      `json:"connected"`
	Answered  bool      `json:"answered"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Session) Info() SessionInfo {
	_, answered := s.Answer()
	return SessionInfo{
		SocketID:  s.socketID,
		SocketURL: s.socketURL,
		StreamID:  s.streamID,
		VideoID:   s.videoID,
		Connected: s.Connected(),
		Answered:  answered,
		CreatedAt: s.createdAt,
	}
}

package metrics

import "sync"

// Event counter names shared by the relay components.
const (
	Offers                  = "offers"
	OfferResponses          = "offer_responses"
	OfferTimeouts           = "offer_timeouts"
	OffersInvalidSDP        = "offers_invalid_sdp"
	OffersRejectedCapacity  = "offers_rejected_capacity"
	TransportOpenFailures   = "transport_open_failures"
	SendSkippedNotConnected = "send_skipped_not_connected"
	SendFailures            = "send_failures"

	Answers             = "answers"
	AnswersDuplicate    = "answers_duplicate"
	CandidatesForwarded = "candidates_forwarded"
	CandidatesDropped   = "candidates_dropped"

	FramesMalformed      = "frames_malformed"
	FramesUnknownSession = "frames_unknown_session"
	FramesUnknownType    = "frames_unknown_type"

	SessionsCreated      = "sessions_created"
	SessionsReplaced     = "sessions_replaced"
	SessionsClosed       = "sessions_closed"
	SessionsExpired      = "sessions_expired"
	SessionsDisconnected = "sessions_disconnected"

	CallerRequestsInvalid = "caller_requests_invalid"
	CallerRateLimited     = "caller_rate_limited"

	DirectoryFetchFailures = "directory_fetch_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil receiver so components can run without a
// registry in tests.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

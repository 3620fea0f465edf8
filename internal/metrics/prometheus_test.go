package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(Offers)
	m.Add(Answers, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m, map[string]GaugeFunc{
		"active_sessions": func() float64 { return 3 },
	}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "# TYPE go2rtc_signaling_relay_events_total counter")
	require.Contains(t, body, `go2rtc_signaling_relay_events_total{event="answers"} 2`)
	require.Contains(t, body, `go2rtc_signaling_relay_events_total{event="offers"} 1`)
	require.Contains(t, body, `go2rtc_signaling_relay_events_total{event="quote\"back\\slash"} 1`)
	require.Contains(t, body, "# TYPE go2rtc_signaling_relay_active_sessions gauge")
	require.Contains(t, body, "go2rtc_signaling_relay_active_sessions 3")
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(Offers)
	require.Zero(t, m.Get(Offers))
	require.Nil(t, m.Snapshot())
}

package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// GaugeFunc reports a point-in-time value at scrape time.
type GaugeFunc func() float64

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric with an `event` label. Gauges are exported as
// individual metrics prefixed with the service name.
func PrometheusHandler(m *Metrics, gauges map[string]GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP go2rtc_signaling_relay_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE go2rtc_signaling_relay_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "go2rtc_signaling_relay_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		names := make([]string, 0, len(gauges))
		for name := range gauges {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			metric := "go2rtc_signaling_relay_" + name
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", metric)
			_, _ = fmt.Fprintf(w, "%s %g\n", metric, gauges[name]())
		}
	})
}

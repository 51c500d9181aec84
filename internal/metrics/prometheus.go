package metrics

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// PrometheusHandler exposes m as a single counter family with an `event` label.
// gauges are sampled at scrape time.
func PrometheusHandler(m *Metrics, gauges map[string]func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot()
		keys := slices.Sorted(maps.Keys(snap))

		esc := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP callsignal_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE callsignal_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "callsignal_events_total{event=\"%s\"} %d\n", esc.Replace(k), snap[k])
		}

		for _, name := range slices.Sorted(maps.Keys(gauges)) {
			_, _ = fmt.Fprintf(w, "# TYPE callsignal_%s gauge\n", name)
			_, _ = fmt.Fprintf(w, "callsignal_%s %d\n", name, gauges[name]())
		}
	})
}

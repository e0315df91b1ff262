// Package metrics exposes the pipeline's diagnostic counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BusEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_bus_events_total", Help: "Bus events by kind and result (published, delivered, saturated)"},
		[]string{"kind", "result"},
	)
	HandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_handler_errors_total", Help: "Subscriber failures isolated by the bus"},
		[]string{"kind"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_ticks_dropped_total", Help: "Queue entries evicted at capacity"},
		[]string{"symbol", "stream"},
	)
	TicksStale = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_ticks_stale_total", Help: "Unmatched queue heads evicted outside the match window"},
		[]string{"symbol", "stream"},
	)
	UnknownLines = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pairspread_unknown_line_total", Help: "Ticks rejected for unconfigured lines"},
	)
	Observations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_observations_total", Help: "Market observations emitted"},
		[]string{"symbol"},
	)
	Spreads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_spreads_total", Help: "Spread computations by result (emitted, stale)"},
		[]string{"result"},
	)
	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairspread_parse_errors_total", Help: "Malformed feed payloads"},
		[]string{"source"},
	)
	Spread = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pairspread_spread", Help: "Last emitted spread value"},
		[]string{"pair"},
	)
)

func init() {
	prometheus.MustRegister(
		BusEvents, HandlerErrors, TicksDropped, TicksStale, UnknownLines,
		Observations, Spreads, ParseErrors, Spread,
	)
}

// Serve starts a /metrics endpoint on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

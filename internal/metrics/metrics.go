// Package metrics provides Prometheus instrumentation for the mirror engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MirrorBuys counts per-account mirror buys by result ("ok" or a
	// failure reason).
	MirrorBuys = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_buys_total",
		Help: "Per-account mirror buy requests by result",
	}, []string{"result"})

	// TradesMirrored counts trade records produced by fan-outs.
	TradesMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_trades_total",
		Help: "Master buys mirrored (one per fan-out)",
	})

	BuyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mirror_buy_latency_seconds",
		Help:    "Latency of a single mirror buy request",
		Buckets: prometheus.DefBuckets,
	})

	FanOutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mirror_fanout_duration_seconds",
		Help:    "Time for a fan-out to complete on every target",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// DroppedEvents counts buy events dropped because the contract could
	// not be fetched.
	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_dropped_events_total",
		Help: "Master buy events dropped before fan-out",
	})

	// StreamEvents counts processed master stream messages by kind.
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_stream_events_total",
		Help: "Processed master stream messages",
	}, []string{"kind"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_active_sessions",
		Help: "Number of live copy sessions",
	})

	// ActiveClients tracks linked accounts in the connected state.
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_active_clients",
		Help: "Linked accounts currently connected",
	})

	// EventsPublished counts domain events written to the external sink.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_events_published_total",
		Help: "Domain events written to the event sink",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mirror_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern to keep account and trader ids out of
		// label values.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets WebSocket upgrades take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

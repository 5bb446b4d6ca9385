// Package metrics provides Prometheus instrumentation for the portfolio engine.
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

// Settlement outcomes used as the "outcome" label.
const (
	OutcomeApplied              = "applied"
	OutcomeInvalid              = "invalid_request"
	OutcomeInsufficientFunds    = "insufficient_funds"
	OutcomeNoPosition           = "no_position"
	OutcomeInsufficientQuantity = "insufficient_quantity"
	OutcomePersistenceFailure   = "persistence_failure"
	OutcomeCancelled            = "cancelled"
)

var (
	// SettlementsTotal counts settlement attempts by side and outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflow_settlements_total",
		Help: "Settlement requests by side and outcome",
	}, []string{"side", "outcome"})

	// SettlementLatency covers guard wait, engine and commit.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeflow_settlement_latency_seconds",
		Help:    "Settlement latency in seconds, including lock wait and commit",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// LockWait is the time spent queued for an account's section.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeflow_account_lock_wait_seconds",
		Help:    "Time spent waiting for an account's exclusive section",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// AccountsLocked tracks accounts currently inside a settlement.
	AccountsLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeflow_accounts_locked",
		Help: "Accounts currently holding their settlement section",
	})

	// TradeVolume tracks cumulative settled notional per side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflow_trade_notional_total",
		Help: "Cumulative settled notional (quantity * price)",
	}, []string{"side"})

	// EventsPublished counts outbox events acknowledged by the transport.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeflow_outbox_events_published_total",
		Help: "Settlement events acknowledged by the message transport",
	})

	// EventPublishFailures counts failed publication attempts.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeflow_outbox_publish_failures_total",
		Help: "Failed settlement event publication attempts",
	})

	// OutboxPending is the size of the last pending batch read by the relay.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeflow_outbox_pending",
		Help: "Pending settlement events seen by the last relay pass",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeflow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeflow_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep label cardinality bounded.
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

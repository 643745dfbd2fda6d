// Package metrics provides Prometheus instrumentation for the pot engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SwapsTotal counts swap attempts by outcome (completed, failed).
	SwapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potengine_swaps_total",
		Help: "Total number of vault swap attempts",
	}, []string{"outcome"})

	// SwapLatency tracks end-to-end swap protocol duration.
	SwapLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "potengine_swap_latency_seconds",
		Help:    "Swap protocol duration (authorize through revoke) in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RevokeFailures counts revoke-delegate failures. Any non-zero value
	// means a spend authorization may have been left live on a vault.
	RevokeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potengine_revoke_failures_total",
		Help: "Failed delegation revocations requiring operator action",
	})

	// LockContention counts trade-lock acquisitions rejected because
	// another trader held the pot.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potengine_trade_lock_contention_total",
		Help: "Trade lock acquisitions rejected due to an active holder",
	})

	// SharesMinted and SharesBurned track share ledger churn.
	SharesMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potengine_shares_minted_total",
		Help: "Cumulative shares minted across all pots",
	})
	SharesBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potengine_shares_burned_total",
		Help: "Cumulative shares burned across all pots",
	})

	// CopiedTradesTotal counts mirror outcomes by status label
	// (executed, failed, skipped, pending).
	CopiedTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potengine_copied_trades_total",
		Help: "Mirrored trade outcomes",
	}, []string{"status"})

	// CopyPollLatency tracks one wallet-history polling pass.
	CopyPollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "potengine_copy_poll_latency_seconds",
		Help:    "Duration of one copy-trade polling pass",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "potengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "potengine_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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

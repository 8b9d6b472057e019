// Package metrics provides Prometheus instrumentation for the farm engine.
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
	// OperationsTotal counts engine operations by kind and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_operations_total",
		Help: "Engine operations by kind and outcome",
	}, []string{"kind", "outcome"})

	// OperationLatency tracks engine operation latency, lock wait included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farm_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RewardsPaid is the cumulative reward paid out, in base units.
	RewardsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_rewards_paid_total",
		Help: "Cumulative reward tokens paid, in base units",
	}, []string{"pool_id"})

	// EscrowMinted and EscrowBurned track escrow supply changes, in base units.
	EscrowMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_escrow_minted_total",
		Help: "Cumulative escrow minted, in base units",
	})
	EscrowBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_escrow_burned_total",
		Help: "Cumulative escrow burned, in base units",
	})

	// ReserveFunded is the cumulative reward reserve top-up, in base units.
	ReserveFunded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_reserve_funded_total",
		Help: "Cumulative reward tokens minted into the reserve",
	})

	// PoolPrincipal and PoolEffectiveShare are per-pool totals.
	PoolPrincipal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "farm_pool_principal",
		Help: "Total principal deposited per pool, in base units",
	}, []string{"pool_id"})
	PoolEffectiveShare = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "farm_pool_effective_share",
		Help: "Total effective share per pool",
	}, []string{"pool_id"})

	// TotalStaked is the principal held by the escrow staking module.
	TotalStaked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_staking_total_staked",
		Help: "Total principal staked for escrow, in base units",
	})

	// RecorderFailures counts activity batches the journal failed to write.
	RecorderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_recorder_failures_total",
		Help: "Activity batches that could not be journaled",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farm_http_request_duration_seconds",
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

		// Route pattern keeps pool and user ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

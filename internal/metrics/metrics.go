// Package metrics provides Prometheus instrumentation for the scratch engine.
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
	// LedgerApplies counts ledger applies by reason and result
	// (applied, duplicate, insufficient).
	LedgerApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_ledger_applies_total",
		Help: "Ledger apply calls by reason and result",
	}, []string{"reason", "result"})

	// LedgerApplyLatency tracks the latency of non-duplicate applies.
	LedgerApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scratch_ledger_apply_latency_seconds",
		Help:    "Ledger apply latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"reason"})

	// RoundsTotal counts settled rounds by game and result (won, lost).
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_rounds_total",
		Help: "Settled game rounds",
	}, []string{"game_id", "result"})

	// RoundReplays counts resolve calls that hit an existing round.
	RoundReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scratch_round_replays_total",
		Help: "Resolve calls replaying an existing round",
	})

	// PrizePaid accumulates prize value credited, per game.
	PrizePaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_prize_paid_total",
		Help: "Prize value credited to players",
	}, []string{"game_id"})

	// Settlements counts beneficiary outcomes of commission settlement.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_commission_outcomes_total",
		Help: "Commission settlement outcomes per beneficiary type",
	}, []string{"beneficiary_type", "outcome"})

	// CommissionPaid accumulates commission credited, per beneficiary type.
	CommissionPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_commission_paid_total",
		Help: "Commission credited to beneficiaries",
	}, []string{"beneficiary_type"})

	// DepositEvents counts ingested deposit notifications by source and status.
	DepositEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_deposit_events_total",
		Help: "Deposit notifications ingested",
	}, []string{"source", "status"})

	// WebSocketClients tracks connected winners-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scratch_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scratch_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

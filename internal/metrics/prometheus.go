// Package metrics provides Prometheus metrics for floorsync.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Engine metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	StatusChanges      *prometheus.CounterVec
	ForcedStatuses     *prometheus.CounterVec

	// Broadcast metrics
	EventsPublished   *prometheus.CounterVec
	BroadcastFailures *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	BrokerTenants     prometheus.Gauge

	// Sweep metrics
	SweepRuns           *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
	SweepNodesEscalated prometheus.Counter
	SweepNodesSkipped   prometheus.Counter

	// Idempotency metrics
	IdempotencyHits   prometheus.Counter
	IdempotencyMisses prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_transitions_total",
				Help: "Total number of work item transitions by result",
			},
			[]string{"operation", "result"},
		),

		TransitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "floorsync_transition_duration_seconds",
				Help:    "Duration of engine operations including the transaction",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		StatusChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_node_status_changes_total",
				Help: "Total number of persisted node display status changes",
			},
			[]string{"new_status"},
		),

		ForcedStatuses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_forced_statuses_total",
				Help: "Total number of forced node statuses",
			},
			[]string{"status"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_events_published_total",
				Help: "Total number of change events handed to the broker",
			},
			[]string{"kind"},
		),

		BroadcastFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_broadcast_failures_total",
				Help: "Total number of failed event deliveries",
			},
			[]string{"reason"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "floorsync_sessions_active",
				Help: "Number of active subscriber sessions",
			},
		),

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_sessions_total",
				Help: "Total number of subscriber sessions by close reason",
			},
			[]string{"reason"},
		),

		BrokerTenants: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "floorsync_broker_tenants",
				Help: "Number of tenants with at least one subscriber",
			},
		),

		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_sweep_runs_total",
				Help: "Total number of escalation sweep runs",
			},
			[]string{"result"},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "floorsync_sweep_duration_seconds",
				Help:    "Duration of escalation sweep runs",
				Buckets: prometheus.DefBuckets,
			},
		),

		SweepNodesEscalated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "floorsync_sweep_nodes_escalated_total",
				Help: "Total number of nodes escalated to NEEDS_ATTENTION by the sweep",
			},
		),

		SweepNodesSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "floorsync_sweep_nodes_skipped_total",
				Help: "Total number of contended nodes skipped by the sweep",
			},
		),

		IdempotencyHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "floorsync_idempotency_hits_total",
				Help: "Total number of requests answered from the idempotency store",
			},
		),

		IdempotencyMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "floorsync_idempotency_misses_total",
				Help: "Total number of idempotency keys seen for the first time",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "floorsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "floorsync_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordTransition records an engine operation result and latency
func (m *Metrics) RecordTransition(operation, result string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(operation, result).Inc()
	m.TransitionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStatusChange records a persisted display status change
func (m *Metrics) RecordStatusChange(newStatus string) {
	m.StatusChanges.WithLabelValues(newStatus).Inc()
}

// RecordForcedStatus records a forced status
func (m *Metrics) RecordForcedStatus(status string) {
	m.ForcedStatuses.WithLabelValues(status).Inc()
}

// RecordEventPublished records an event handed to the broker
func (m *Metrics) RecordEventPublished(kind string) {
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// RecordBroadcastFailure records a failed delivery
func (m *Metrics) RecordBroadcastFailure(reason string) {
	m.BroadcastFailures.WithLabelValues(reason).Inc()
}

// SessionOpened records a new subscriber session
func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
}

// SessionClosed records a closed subscriber session
func (m *Metrics) SessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

// SetBrokerTenants records the number of tenants with subscribers
func (m *Metrics) SetBrokerTenants(n int) {
	m.BrokerTenants.Set(float64(n))
}

// RecordSweep records a sweep run
func (m *Metrics) RecordSweep(result string, escalated, skipped int, duration time.Duration) {
	m.SweepRuns.WithLabelValues(result).Inc()
	m.SweepDuration.Observe(duration.Seconds())
	m.SweepNodesEscalated.Add(float64(escalated))
	m.SweepNodesSkipped.Add(float64(skipped))
}

// RecordIdempotency records an idempotency lookup
func (m *Metrics) RecordIdempotency(hit bool) {
	if hit {
		m.IdempotencyHits.Inc()
	} else {
		m.IdempotencyMisses.Inc()
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// MetricsServer provides a separate HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server exposing gatherer at path
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	serveMux := http.NewServeMux()
	serveMux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           serveMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// Middleware records HTTP metrics labelled by route template
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper
func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

package relay

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session lifecycle events recorded by Metrics.
const (
	SessionEventOpened   = "opened"
	SessionEventClosed   = "closed"
	SessionEventEvicted  = "evicted"
	SessionEventExpired  = "expired"
	SessionEventRejected = "rejected"
)

// Request outcomes recorded by Metrics.
const (
	OutcomeLabelReply     = "reply"
	OutcomeLabelTimeout   = "timeout"
	OutcomeLabelTransport = "transport_error"
	OutcomeLabelFatal     = "fatal"
	OutcomeLabelCancelled = "cancelled"
	OutcomeLabelRejected  = "rejected"
)

// Metrics holds all Prometheus metrics for the relay. Methods are no-ops on
// a nil receiver so components can run without metrics.
type Metrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	pendingPolls    *prometheus.CounterVec
	lateReplies     prometheus.Counter
	pendingRequests prometheus.Gauge

	// Session metrics
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total number of correlated requests by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Time from send to resolution in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retries_total",
				Help: "Total number of resends that consumed a retry attempt",
			},
			[]string{"command"},
		),

		pendingPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pending_polls_total",
				Help: "Total number of re-polls after a pending reply",
			},
			[]string{"command"},
		),

		lateReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_late_replies_total",
				Help: "Total number of replies dropped because the request was already resolved",
			},
		),

		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_pending_requests",
				Help: "Number of unresolved correlated requests",
			},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Number of registered sessions",
			},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sessions_total",
				Help: "Total number of session lifecycle events",
			},
			[]string{"event"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.retriesTotal,
		m.pendingPolls,
		m.lateReplies,
		m.pendingRequests,
		m.sessionsActive,
		m.sessionsTotal,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordRequest records the resolution of a request
func (m *Metrics) RecordRequest(command, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(command, outcome).Inc()
	m.requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordRetry records a resend that consumed a retry attempt
func (m *Metrics) RecordRetry(command string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(command).Inc()
}

// RecordPendingPoll records a re-poll after a pending reply
func (m *Metrics) RecordPendingPoll(command string) {
	if m == nil {
		return
	}
	m.pendingPolls.WithLabelValues(command).Inc()
}

// RecordLateReply records a dropped duplicate or late reply
func (m *Metrics) RecordLateReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}

// SetPendingRequests updates the in-flight gauge
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// RecordSessionEvent records a session lifecycle event
func (m *Metrics) RecordSessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(event).Inc()
	switch event {
	case SessionEventOpened:
		m.sessionsActive.Inc()
	case SessionEventClosed, SessionEventEvicted, SessionEventExpired:
		m.sessionsActive.Dec()
	}
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP API request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// endpointName normalizes a path so session keys do not explode label cardinality
func endpointName(path string) string {
	switch {
	case path == "/health":
		return "health"
	case path == "/metrics":
		return "metrics"
	case strings.HasPrefix(path, "/sessions/") && strings.HasSuffix(path, "/requests"):
		return "requests"
	case strings.HasPrefix(path, "/sessions/"):
		return "sessions"
	default:
		return "unknown"
	}
}

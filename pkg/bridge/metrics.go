package bridge

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge
type Metrics struct {
	// Stream metrics
	linesTotal *prometheus.CounterVec

	// Route metrics
	payloadsForwarded  *prometheus.CounterVec
	bytesForwarded     *prometheus.CounterVec
	payloadsSuppressed *prometheus.CounterVec
	forwardLatency     *prometheus.HistogramVec
	writeErrors        *prometheus.CounterVec
	pipeOpenErrors     *prometheus.CounterVec

	// Process metrics
	processStatus *prometheus.GaugeVec
	processExits  *prometheus.CounterVec
	spawnFailures prometheus.Counter
	exitTimeouts  prometheus.Counter

	// Bridge state (one series per state, 1 for the current one)
	state *prometheus.GaugeVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		linesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_stream_lines_total",
				Help: "Total number of lines read from child output streams",
			},
			[]string{"stream"},
		),

		payloadsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_payloads_forwarded_total",
				Help: "Total number of payloads written to route destinations",
			},
			[]string{"source"},
		),

		bytesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_bytes_forwarded_total",
				Help: "Total number of bytes written to route destinations",
			},
			[]string{"source"},
		),

		payloadsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_payloads_suppressed_total",
				Help: "Total number of payloads dropped by a transform",
			},
			[]string{"source"},
		),

		forwardLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "interlink_forward_duration_seconds",
				Help:    "Time to transform and write one payload",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		writeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_write_errors_total",
				Help: "Total number of payloads dropped because the destination could not be written",
			},
			[]string{"source"},
		),

		pipeOpenErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_pipe_open_errors_total",
				Help: "Total number of source pipes that could not be opened",
			},
			[]string{"source"},
		),

		processStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "interlink_process_status",
				Help: "Status of child process (1=running, 0=stopped)",
			},
			[]string{"command"},
		),

		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_process_exits_total",
				Help: "Total number of child process exits by exit code",
			},
			[]string{"exit_code"},
		),

		spawnFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "interlink_spawn_failures_total",
				Help: "Total number of failed child process spawns",
			},
		),

		exitTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "interlink_child_exit_timeouts_total",
				Help: "Total number of times the child outlived its shutdown grace period",
			},
		),

		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "interlink_bridge_state",
				Help: "Current bridge state (1 for the active state)",
			},
			[]string{"state"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "interlink_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "interlink_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.linesTotal,
		m.payloadsForwarded,
		m.bytesForwarded,
		m.payloadsSuppressed,
		m.forwardLatency,
		m.writeErrors,
		m.pipeOpenErrors,
		m.processStatus,
		m.processExits,
		m.spawnFailures,
		m.exitTimeouts,
		m.state,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordLine counts one line read from a child stream
func (m *Metrics) RecordLine(stream string) {
	m.linesTotal.WithLabelValues(stream).Inc()
}

// RecordForward records a payload delivered to its destination
func (m *Metrics) RecordForward(source string, size int, duration time.Duration) {
	m.payloadsForwarded.WithLabelValues(source).Inc()
	m.bytesForwarded.WithLabelValues(source).Add(float64(size))
	m.forwardLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordSuppressed records a payload dropped by its transform
func (m *Metrics) RecordSuppressed(source string) {
	m.payloadsSuppressed.WithLabelValues(source).Inc()
}

// RecordWriteError records a payload lost to a destination write failure
func (m *Metrics) RecordWriteError(source string) {
	m.writeErrors.WithLabelValues(source).Inc()
}

// RecordPipeOpenError records a source pipe that could not be opened
func (m *Metrics) RecordPipeOpenError(source string) {
	m.pipeOpenErrors.WithLabelValues(source).Inc()
}

// UpdateProcessStatus updates the process status metric
func (m *Metrics) UpdateProcessStatus(command string, running bool) {
	status := 0.0
	if running {
		status = 1.0
	}
	m.processStatus.WithLabelValues(command).Set(status)
}

// RecordProcessExit records a collected child exit status
func (m *Metrics) RecordProcessExit(exitCode int) {
	m.processExits.WithLabelValues(strconv.Itoa(exitCode)).Inc()
}

// RecordSpawnFailure records a child that could not be started
func (m *Metrics) RecordSpawnFailure() {
	m.spawnFailures.Inc()
}

// RecordExitTimeout records a child that outlived its grace period
func (m *Metrics) RecordExitTimeout() {
	m.exitTimeouts.Inc()
}

// UpdateState marks s as the current bridge state
func (m *Metrics) UpdateState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1.0
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
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
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, getEndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
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

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case "/health":
		return "health"
	case "/output":
		return "output"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}

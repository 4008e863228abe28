// Package observability provides the Prometheus metrics registry and the
// health/readiness HTTP surface, served from the admin listener.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics owns the process-wide Prometheus registry and every instrument
// MCPHub exposes. All record/set methods are nil-safe so components can
// hold an optional *Metrics without guarding each call site.
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	started  time.Time

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	serversConfigured prometheus.Gauge
	serversConnected  prometheus.Gauge
	toolsIndexed      prometheus.Gauge
	sessionsActive    prometheus.Gauge

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

// NewMetrics builds the registry with every instrument registered,
// including the Go runtime and process collectors.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	m.serversConfigured = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphub_upstream_servers_configured",
		Help: "Number of enabled upstream servers",
	})
	m.serversConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphub_upstream_servers_connected",
		Help: "Number of upstream servers in the connected state",
	})
	m.toolsIndexed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphub_tools_indexed",
		Help: "Number of tool documents in the search index",
	})
	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcphub_downstream_sessions_active",
		Help: "Number of live downstream sessions",
	})

	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphub_tool_calls_total",
			Help: "Total number of dispatched tool calls",
		},
		[]string{"server", "tool", "status"},
	)
	m.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphub_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mcphub_uptime_seconds",
		Help: "Time since the process started",
	}, func() float64 { return time.Since(m.started).Seconds() })

	m.registry.MustRegister(
		uptime,
		m.httpRequests,
		m.httpDuration,
		m.serversConfigured,
		m.serversConnected,
		m.toolsIndexed,
		m.sessionsActive,
		m.toolCalls,
		m.toolDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordHTTPRequest records one admin-surface HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordToolCall records one dispatched tools/call. status is "success"
// or "error".
func (m *Metrics) RecordToolCall(server, tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, tool, status).Inc()
	m.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// SetServerStats updates the upstream gauges.
func (m *Metrics) SetServerStats(configured, connected int) {
	if m == nil {
		return
	}
	m.serversConfigured.Set(float64(configured))
	m.serversConnected.Set(float64(connected))
}

// SetToolsIndexed updates the search-index document gauge.
func (m *Metrics) SetToolsIndexed(count uint64) {
	if m == nil {
		return
	}
	m.toolsIndexed.Set(float64(count))
}

// SetSessionsActive updates the downstream-session gauge.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(count))
}

// HTTPMiddleware records request counts and latencies for every route it
// wraps, capturing the status code via a response-writer shim.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/telemetry"
)

// Metrics holds the Prometheus collectors exposed on the admin listener.
type Metrics struct {
	messagesTotal *prometheus.CounterVec

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	configChanges *prometheus.CounterVec
	configReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_messages_total",
				Help: "Total number of observed messages by tool and mutation outcome",
			},
			[]string{"tool", "outcome"},
		),

		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_fetch_total",
				Help: "Total number of form token fetches by result",
			},
			[]string{"result"},
		),

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_fetch_duration_seconds",
				Help:    "Form token fetch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		configChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_config_changes_total",
				Help: "Total number of token setting changes by field and result",
			},
			[]string{"field", "result"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_http_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_http_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.messagesTotal,
		m.fetchTotal,
		m.fetchDuration,
		m.configChanges,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// Emit implements domain.EventSink.
func (m *Metrics) Emit(_ context.Context, event domain.Event) {
	switch event.Kind {
	case domain.EventRequestFiltered, domain.EventPassThrough, domain.EventSubstituted:
		m.RecordMessage(event.Tool, event.Outcome)
	case domain.EventFetchCompleted:
		m.RecordFetch(telemetry.FetchResult(event.Err), event.Duration)
	case domain.EventConfigApplied:
		m.configChanges.WithLabelValues(event.Field, "applied").Inc()
	case domain.EventConfigRejected:
		m.configChanges.WithLabelValues(event.Field, "rejected").Inc()
	}
}

// RecordMessage records the outcome for one observed message.
func (m *Metrics) RecordMessage(tool domain.Tool, outcome domain.Outcome) {
	m.messagesTotal.WithLabelValues(string(tool), string(outcome)).Inc()
}

// RecordFetch records a form fetch.
func (m *Metrics) RecordFetch(result string, duration time.Duration) {
	m.fetchTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		m.fetchDuration.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
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

		duration := time.Since(start)
		endpoint := getEndpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
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

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case "/health":
		return "health"
	case "/metrics":
		return "metrics"
	case "/v1/intercept":
		return "intercept"
	case "/v1/settings":
		return "settings"
	case "/v1/token/fetch":
		return "token_fetch"
	default:
		return "unknown"
	}
}

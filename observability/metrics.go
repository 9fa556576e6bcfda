package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the gateway's instrumentation registry: request counts, error
// counts and latency, all segmented by module and operation.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	settled  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsReg  *Metrics
)

// GatewayMetrics returns the lazily-initialised metrics registry.
func GatewayMetrics() *Metrics {
	metricsOnce.Do(func() {
		m := &Metrics{registry: prometheus.NewRegistry()}
		m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lienvault",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total gateway requests segmented by module, operation and outcome.",
		}, []string{"module", "operation", "outcome"})
		m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lienvault",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Total gateway errors segmented by module, operation and HTTP status.",
		}, []string{"module", "operation", "status"})
		m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lienvault",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of gateway handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "operation"})
		m.settled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lienvault",
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Completed settlement operations segmented by operation.",
		}, []string{"operation"})
		m.registry.MustRegister(m.requests, m.errors, m.latency, m.settled)
		metricsReg = m
	})
	return metricsReg
}

// Registry exposes the prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one finished request.
func (m *Metrics) Observe(module, operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = normalizeLabel(module)
	operation = normalizeLabel(operation)
	outcome := "ok"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, operation, statusLabel(status)).Inc()
	}
	m.requests.WithLabelValues(module, operation, outcome).Inc()
	m.latency.WithLabelValues(module, operation).Observe(duration.Seconds())
}

// RecordSettlement counts one completed settlement operation.
func (m *Metrics) RecordSettlement(operation string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(normalizeLabel(operation)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// Package observability holds the Prometheus metrics and OpenTelemetry tracer
// shared by the session manager, the sweeper and the download server.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codesandbox"

// Metrics holds every collector on its own registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	UploadsTotal        prometheus.Counter
	UploadBytesTotal    prometheus.Counter
	EvictionsTotal      prometheus.Counter
	OrphansRemovedTotal prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently registered.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exec",
			Name:      "total",
			Help:      "Code executions by outcome.",
		}, []string{"outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Code execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		UploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "uploads_total",
			Help:      "Files uploaded into sessions.",
		}),

		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded into sessions.",
		}),

		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Idle sessions evicted by the sweeper.",
		}),

		OrphansRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "orphans_removed_total",
			Help:      "Orphaned sandbox runtimes removed during reconciliation.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.UploadsTotal,
		m.UploadBytesTotal,
		m.EvictionsTotal,
		m.OrphansRemovedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.ExecutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveUpload(sizeBytes int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.Inc()
	m.UploadBytesTotal.Add(float64(sizeBytes))
}

func (m *Metrics) SessionsEvicted(n int) {
	if m == nil {
		return
	}
	m.EvictionsTotal.Add(float64(n))
}

func (m *Metrics) OrphansRemoved(n int) {
	if m == nil {
		return
	}
	m.OrphansRemovedTotal.Add(float64(n))
}

// ObserveHTTPRequest records one request. route is the matched pattern, not
// the raw path, so session ids do not blow up label cardinality.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Package metrics provides Prometheus instrumentation for the
// assistant's answer pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	StageDuration     *prometheus.HistogramVec
	ProviderFailovers *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	TokensStreamed    prometheus.Counter
	ActiveStreams     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "istabot_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "istabot_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "istabot_stage_duration_seconds",
				Help:    "Answer pipeline stage latency (embed, retrieve, generate, persist).",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"stage"},
		),
		ProviderFailovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "istabot_provider_failovers_total",
				Help: "Failed hops of the LLM provider chain by provider.",
			},
			[]string{"provider"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "istabot_cache_lookups_total",
				Help: "Response cache lookups by outcome (hit/miss).",
			},
			[]string{"outcome"},
		),
		TokensStreamed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "istabot_tokens_streamed_total",
				Help: "Total answer tokens streamed to clients.",
			},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "istabot_active_streams",
				Help: "Number of answer streams currently open.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.StageDuration,
		m.ProviderFailovers,
		m.CacheLookups,
		m.TokensStreamed,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordStage records one pipeline stage's latency.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordFailover counts one failed provider hop.
func (m *Metrics) RecordFailover(provider string) {
	m.ProviderFailovers.WithLabelValues(provider).Inc()
}

// RecordCacheLookup counts one response cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveStreams.Inc()
		defer m.ActiveStreams.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streaming keeps working
// behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

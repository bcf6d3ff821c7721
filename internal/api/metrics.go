package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus collectors exposed at GET /metrics, per
// spec.md §6. Ingestion and query-pipeline counters are updated by the
// handlers that drive those subsystems rather than by a generic
// middleware, since both are asynchronous operations whose outcome isn't
// known at request-return time.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ingestionsTotal *prometheus.CounterVec
	chatsTotal      *prometheus.CounterVec
	secretsFound    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegrok_http_requests_total",
			Help: "Total HTTP requests by route and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codegrok_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		ingestionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegrok_ingestions_total",
			Help: "Ingestion workflow runs started, labeled by outcome.",
		}, []string{"outcome"}),
		chatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegrok_chat_requests_total",
			Help: "Chat pipeline runs, labeled by outcome.",
		}, []string{"outcome"}),
		secretsFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "codegrok_secrets_detected_total",
			Help: "Secrets detected across all ingested codebases.",
		}),
	}
}

// instrument wraps a route handler, recording request count and latency
// labeled by the chi route pattern (not the raw path, to keep
// cardinality bounded for path-parameterized routes).
func (s *Server) instrument(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.Metrics.requestsTotal.WithLabelValues(pattern, r.Method, strconv.Itoa(rec.status)).Inc()
		s.Metrics.requestDuration.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush satisfies http.Flusher so the SSE chat handler can still flush
// through the instrumentation wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleMetrics() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}

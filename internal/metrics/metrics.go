package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inferenceTime   prometheus.Histogram
	diagnoses       *prometheus.CounterVec
	routes          map[string]struct{}
}

// otherRoute labels every path that is not a registered route.
const otherRoute = "other"

// New builds the collectors. Requests are labelled with their path only when
// it is one of routes.
func New(routes ...string) *Metrics {
	known := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		known[r] = struct{}{}
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routes:   known,
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		inferenceTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leaf_inference_duration_seconds",
				Help:    "Duration of a single model forward pass",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
			},
		),
		diagnoses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_diagnoses_total",
				Help: "Diagnoses by outcome",
			}, []string{"outcome"},
		),
	}
	m.registry.MustRegister(m.requestCount, m.requestDuration, m.inferenceTime, m.diagnoses)
	return m
}

// ObserveInference records one forward pass.
func (m *Metrics) ObserveInference(d time.Duration) {
	m.inferenceTime.Observe(d.Seconds())
}

// IncDiagnosis counts a finished diagnosis.
func (m *Metrics) IncDiagnosis(outcome string) {
	m.diagnoses.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests and their latency per path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := m.route(r.URL.Path)
		m.requestCount.WithLabelValues(route, method(r.Method), strconv.Itoa(sw.statusCode)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) route(path string) string {
	if _, ok := m.routes[path]; ok {
		return path
	}
	return otherRoute
}

func method(s string) string {
	switch s {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return s
	}
	return otherRoute
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

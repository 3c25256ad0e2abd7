package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"id4meauth/login"
)

// Metrics holds the collectors of one App on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	logins          *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	rateLimitedHits prometheus.Counter
}

// NewMetrics registers the HTTP, login and cache collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "id4me_login_callbacks_total",
			Help: "Login callbacks by outcome",
		}, []string{"outcome"}), // outcome: success|cancelled|rejected|failed
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "id4me_registration_cache_lookups_total",
			Help: "Client registration cache lookups by result",
		}, []string{"result"}),
		rateLimitedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "id4me_rate_limited_total",
			Help: "Requests rejected by the login throttle",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.duration,
		m.logins,
		m.registrations,
		m.rateLimitedHits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(method, path string, status int, dur time.Duration) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, path).Observe(dur.Seconds())
}

// LoginOutcome counts a finished callback.
func (m *Metrics) LoginOutcome(o login.Outcome) {
	m.logins.WithLabelValues(string(o)).Inc()
}

// RegistrationLookup counts a registration cache hit or miss.
func (m *Metrics) RegistrationLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.registrations.WithLabelValues(result).Inc()
}

// RateLimited counts a throttled request.
func (m *Metrics) RateLimited() {
	m.rateLimitedHits.Inc()
}

// routePattern keeps label cardinality bounded by using the matched route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

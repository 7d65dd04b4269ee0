package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	UpstreamRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Vertex call duration in seconds, streams measured to completion",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	EligibleTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eligible_targets",
			Help: "Number of targets currently eligible for dispatch",
		},
	)
	RequestLogAppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "request_log_append_failures_total",
			Help: "Request log records that could not be persisted",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(EligibleTargets)
	prometheus.MustRegister(RequestLogAppendFailures)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// DispatchMetrics adapts the package-level collectors to the dispatch
// engine's metrics hook.
type DispatchMetrics struct{}

func (DispatchMetrics) DispatchAttempt(outcome string) {
	DispatchAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (DispatchMetrics) ObserveUpstream(d time.Duration) {
	UpstreamRequestDuration.Observe(d.Seconds())
}

func (DispatchMetrics) LogAppendFailure() {
	RequestLogAppendFailures.Inc()
}

// SetEligibleTargets publishes the pool gauge.
func SetEligibleTargets(n int) {
	EligibleTargets.Set(float64(n))
}

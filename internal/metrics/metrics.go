// Package metrics holds the Prometheus collectors for the shim.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// States reported by the init state gauge.
var states = []string{"uninitialized", "initializing", "ready", "failed"}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmshim_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmshim_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	initAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmshim_init_attempts_total",
			Help: "Module initialization attempts by outcome.",
		},
		[]string{"outcome"},
	)

	initDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmshim_init_duration_seconds",
			Help:    "Time from starting an initialization attempt to its outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	initState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmshim_init_state",
			Help: "Current initializer state; the active state is 1.",
		},
		[]string{"state"},
	)

	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmshim_invocations_total",
			Help: "Requests forwarded to the module by outcome.",
		},
		[]string{"outcome"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmshim_invocation_duration_seconds",
			Help:    "Time spent waiting on the module's entry point.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		initAttemptsTotal,
		initDuration,
		initState,
		invocationsTotal,
		invocationDuration,
	)
}

// ObserveInitAttempt records one initialization attempt. outcome is "ok" or
// a failure class such as "validation".
func ObserveInitAttempt(outcome string, d time.Duration) {
	initAttemptsTotal.WithLabelValues(outcome).Inc()
	initDuration.Observe(d.Seconds())
}

// SetInitState marks state as the active initializer state.
func SetInitState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		initState.WithLabelValues(s).Set(v)
	}
}

// ObserveInvocation records one forwarded request.
func ObserveInvocation(outcome string, d time.Duration) {
	invocationsTotal.WithLabelValues(outcome).Inc()
	invocationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Middleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

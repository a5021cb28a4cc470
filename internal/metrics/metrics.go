// Package metrics exposes Prometheus collectors for the verifier service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	verificationSeconds        prometheus.Histogram
	outcomesTotal              *prometheus.CounterVec
	admissionRejectedTotal     *prometheus.CounterVec
	poolPendingJobs            prometheus.Gauge
	poolProcesses              prometheus.Gauge
	poolFatalTotal             prometheus.Counter

	once    sync.Once
	enabled = atomic.NewBool(true)
)

// SetEnabled turns recording on or off. While disabled the Observe* and
// SetPool* helpers are no-ops and register nothing.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports whether recording is on.
func Enabled() bool {
	return enabled.Load()
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		verificationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verifier_assertion_verification_seconds",
				Help:    "Time from job enqueue to worker result.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 10},
			},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_outcomes_total",
				Help: "Total number of verification outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		admissionRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_admission_rejected_total",
				Help: "Requests rejected before validation, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolPendingJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifier_pool_pending_jobs",
				Help: "Jobs enqueued or running in the worker pool.",
			},
		)

		poolProcesses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifier_pool_processes",
				Help: "Live worker processes.",
			},
		)

		poolFatalTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verifier_pool_fatal_total",
				Help: "Pool-fatal events (worker crash or protocol violation).",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !Enabled() {
		return
	}
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveVerification records the enqueue-to-result latency of one job.
func ObserveVerification(duration time.Duration) {
	if !Enabled() {
		return
	}
	Init()
	verificationSeconds.Observe(duration.Seconds())
}

// ObserveOutcome increments the outcome counter for the given status.
func ObserveOutcome(status string) {
	if !Enabled() {
		return
	}
	Init()
	outcomesTotal.WithLabelValues(status).Inc()
}

// ObserveAdmissionRejected counts a request shed by admission control.
func ObserveAdmissionRejected(reason string) {
	if !Enabled() {
		return
	}
	Init()
	admissionRejectedTotal.WithLabelValues(reason).Inc()
}

// SetPoolPending reports the number of jobs the pool currently holds.
func SetPoolPending(n int) {
	if !Enabled() {
		return
	}
	Init()
	poolPendingJobs.Set(float64(n))
}

// SetPoolProcesses reports the number of live worker processes.
func SetPoolProcesses(n int) {
	if !Enabled() {
		return
	}
	Init()
	poolProcesses.Set(float64(n))
}

// ObservePoolFatal counts a pool-fatal event.
func ObservePoolFatal() {
	if !Enabled() {
		return
	}
	Init()
	poolFatalTotal.Inc()
}

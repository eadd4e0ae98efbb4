// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterItemsTotal             *prometheus.CounterVec
	harvesterAttemptsTotal          *prometheus.CounterVec
	harvesterAttemptDurationSeconds *prometheus.HistogramVec
	harvesterQuotaUsed              *prometheus.GaugeVec
	harvesterActiveWorkers          prometheus.Gauge
	harvesterStaleClaimsTotal       prometheus.Counter
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. It is safe to call
// multiple times; the observation helpers call it themselves so they work
// in any startup order.
func Init() {
	once.Do(func() {
		harvesterItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Total queue item transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		harvesterAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_attempts_total",
				Help: "Total strategy attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		harvesterAttemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_attempt_duration_seconds",
				Help:    "Histogram of strategy attempt latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
			},
			[]string{"strategy"},
		)

		harvesterQuotaUsed = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_quota_used",
				Help: "Quota units consumed in the current period, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		harvesterStaleClaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_stale_claims_total",
				Help: "Total in-progress claims returned to the queue by the reaper.",
			},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the item transition counter for the given status.
func ObserveItem(status string) {
	Init()
	harvesterItemsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt records one strategy attempt.
func ObserveAttempt(strategy, outcome string, duration time.Duration) {
	Init()
	harvesterAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	if duration > 0 {
		harvesterAttemptDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
	}
}

// SetQuotaUsed publishes the current period's quota consumption.
func SetQuotaUsed(strategy string, used int) {
	Init()
	harvesterQuotaUsed.WithLabelValues(strategy).Set(float64(used))
}

// ObserveStaleClaims counts claims the reaper returned to the queue.
func ObserveStaleClaims(n int) {
	Init()
	if n > 0 {
		harvesterStaleClaimsTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	harvesterActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	harvesterActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

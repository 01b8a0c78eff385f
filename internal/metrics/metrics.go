// Package metrics exposes Prometheus collectors for the notifier service.
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
	cyclesTotal             *prometheus.CounterVec
	cycleDurationSeconds    prometheus.Histogram
	lastCycleTimestamp      prometheus.Gauge
	fetchTotal              *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	newItemsTotal           *prometheus.CounterVec
	seededItemsTotal        *prometheus.CounterVec
	notificationsTotal      *prometheus.CounterVec
	stateLoadTotal          *prometheus.CounterVec
	stateSaveTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds  *prometheus.HistogramVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_cycles_total",
				Help: "Total number of poll cycles, labeled by outcome.",
			},
			[]string{"status"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bilimon_cycle_duration_seconds",
				Help:    "Histogram of poll cycle durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		lastCycleTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bilimon_last_cycle_timestamp_seconds",
				Help: "Unix time at which the last poll cycle finished.",
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_fetch_total",
				Help: "Total number of fetches, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bilimon_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		)

		newItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_new_items_total",
				Help: "Total number of new items detected, labeled by kind.",
			},
			[]string{"kind"},
		)

		seededItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_seeded_items_total",
				Help: "Total number of items recorded silently as baseline, labeled by kind.",
			},
			[]string{"kind"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_notifications_total",
				Help: "Total number of notification attempts, labeled by channel and status.",
			},
			[]string{"channel", "status"},
		)

		stateLoadTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_state_load_total",
				Help: "State file loads, labeled by result.",
			},
			[]string{"result"},
		)

		stateSaveTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_state_save_total",
				Help: "State file saves, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bilimon_rate_limit_delays_seconds",
				Help:    "Histogram of upstream rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bilimon_http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bilimon_http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records a finished poll cycle.
func ObserveCycle(status string, duration time.Duration, finished time.Time) {
	Init()
	cyclesTotal.WithLabelValues(status).Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
	lastCycleTimestamp.Set(float64(finished.Unix()))
}

// ObserveFetch records one fetch attempt for a kind.
func ObserveFetch(kind, status string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(kind, status).Inc()
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddNewItems counts items that will be notified.
func AddNewItems(kind string, n int) {
	Init()
	if n > 0 {
		newItemsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// AddSeededItems counts items recorded without notification.
func AddSeededItems(kind string, n int) {
	Init()
	if n > 0 {
		seededItemsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveNotification records one channel delivery attempt.
func ObserveNotification(channel, status string) {
	Init()
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

// ObserveStateLoad records the outcome of loading the state file.
func ObserveStateLoad(result string) {
	Init()
	stateLoadTotal.WithLabelValues(result).Inc()
}

// ObserveStateSave records the outcome of persisting the state file.
func ObserveStateSave(result string) {
	Init()
	stateSaveTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveHTTPRequest records a status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

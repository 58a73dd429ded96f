// Package metrics exposes Prometheus collectors for the collector service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collectorAttemptsTotal          *prometheus.CounterVec
	collectorBytesTotal             *prometheus.CounterVec
	collectorFetchDurationSeconds   *prometheus.HistogramVec
	collectorRunsTotal              *prometheus.CounterVec
	collectorActiveWorkers          prometheus.Gauge
	collectorRateLimitDelaysSeconds *prometheus.HistogramVec
	collectorMetadataSavesTotal     *prometheus.CounterVec
	collectorMessagesReceivedTotal  *prometheus.CounterVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectorAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_attempts_total",
				Help: "Collection attempts, labeled by source and the last state reached before cleanup.",
			},
			[]string{"source", "state"},
		)

		collectorBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_bytes_total",
				Help: "Raw bytes collected, labeled by source.",
			},
			[]string{"source"},
		)

		collectorFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_fetch_duration_seconds",
				Help:    "Histogram of full GET durations, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"site"},
		)

		collectorRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_runs_total",
				Help: "Completed runs over all configured sources, labeled by status.",
			},
			[]string{"status"},
		)

		collectorActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_active_workers",
				Help: "Number of workers currently processing a source.",
			},
		)

		collectorRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		collectorMetadataSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_metadata_saves_total",
				Help: "Metadata store saves, labeled by result.",
			},
			[]string{"result"},
		)

		collectorMessagesReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_messages_received_total",
				Help: "Messages handled by the receiver, labeled by result.",
			},
			[]string{"result"},
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

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAttempt counts one pipeline run for a source.
func ObserveAttempt(source, state string, rawBytes int) {
	Init()
	collectorAttemptsTotal.WithLabelValues(source, state).Inc()
	if rawBytes > 0 {
		collectorBytesTotal.WithLabelValues(source).Add(float64(rawBytes))
	}
}

// ObserveFetch records a full GET duration.
func ObserveFetch(rawURL string, duration time.Duration) {
	Init()
	collectorFetchDurationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveRun counts a completed run.
func ObserveRun(status string) {
	Init()
	collectorRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	collectorActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	collectorActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	collectorRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveMetadataSave counts a metadata save attempt.
func ObserveMetadataSave(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	collectorMetadataSavesTotal.WithLabelValues(result).Inc()
}

// ObserveMessageReceived counts a message handled by the receiver.
func ObserveMessageReceived(result string) {
	Init()
	collectorMessagesReceivedTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

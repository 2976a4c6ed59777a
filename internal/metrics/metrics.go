// Package metrics exposes Prometheus collectors for the rank tracker.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Keyword check outcomes.
const (
	OutcomeFound          = "found"
	OutcomeNotFound       = "not_found"
	OutcomeStructureMiss  = "structure_miss"
	OutcomeError          = "error"
	OutcomeDiscarded      = "discarded"
	OutcomeSnapshotFailed = "snapshot_failed"
)

var (
	keywordsCheckedTotal       *prometheus.CounterVec
	keywordCheckSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueRunningTasks          prometheus.Gauge
	eventSubscribers           prometheus.Gauge
	browserLaunchesTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	schedulerCyclesTotal       *prometheus.CounterVec

	once        sync.Once
	initialized atomic.Bool
)

// Init registers the collectors with the default registry. Safe to call
// multiple times. Until it runs the Observe, Inc and Set helpers do nothing.
func Init() {
	once.Do(func() {
		keywordsCheckedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranktracker_keywords_checked_total",
				Help: "Keyword checks, labeled by job type and outcome.",
			},
			[]string{"job_type", "outcome"},
		)

		keywordCheckSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ranktracker_keyword_check_seconds",
				Help:    "Wall time of a single keyword check.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"job_type"},
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

		queueRunningTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ranktracker_queue_running_tasks",
				Help: "Keyword tasks currently holding a queue slot.",
			},
		)

		eventSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ranktracker_event_subscribers",
				Help: "Live event stream subscribers.",
			},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranktracker_browser_launches_total",
				Help: "Browser process launches, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ranktracker_rate_limit_delays_seconds",
				Help:    "Histogram of navigation pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		schedulerCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ranktracker_scheduler_cycles_total",
				Help: "Scheduler cycles, labeled by scope and trigger.",
			},
			[]string{"scope", "trigger"},
		)
		initialized.Store(true)
	})
}

// Enabled reports whether Init has registered the collectors.
func Enabled() bool {
	return initialized.Load()
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// ObserveKeyword records one keyword check.
func ObserveKeyword(jobType, outcome string, duration time.Duration) {
	if !Enabled() {
		return
	}
	keywordsCheckedTotal.WithLabelValues(jobType, outcome).Inc()
	if duration > 0 {
		keywordCheckSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !Enabled() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncQueueRunning increments the running task gauge.
func IncQueueRunning() {
	if !Enabled() {
		return
	}
	queueRunningTasks.Inc()
}

// DecQueueRunning decrements the running task gauge.
func DecQueueRunning() {
	if !Enabled() {
		return
	}
	queueRunningTasks.Dec()
}

// SetEventSubscribers sets the live subscriber gauge.
func SetEventSubscribers(n int) {
	if !Enabled() {
		return
	}
	eventSubscribers.Set(float64(n))
}

// ObserveBrowserLaunch counts a launch attempt.
func ObserveBrowserLaunch(err error) {
	if !Enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	browserLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if !Enabled() {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveSchedulerCycle counts a scheduler cycle.
func ObserveSchedulerCycle(scope, trigger string) {
	if !Enabled() {
		return
	}
	schedulerCyclesTotal.WithLabelValues(scope, trigger).Inc()
}

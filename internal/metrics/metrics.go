// Package metrics exposes Prometheus collectors for the crawlic service.
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
	tasksSubmittedTotal        *prometheus.CounterVec
	tasksCompletedTotal        *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	taskRetriesTotal           *prometheus.CounterVec
	pageLoadsTotal             *prometheus.CounterVec
	pageBytesTotal             *prometheus.CounterVec
	browserSessionsTotal       *prometheus.CounterVec
	processesReapedTotal       *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	throttleDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		tasksSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_tasks_submitted_total",
				Help: "Total number of tasks accepted, labeled by kind.",
			},
			[]string{"kind"},
		)

		tasksCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_tasks_completed_total",
				Help: "Total number of tasks that reached a terminal state, labeled by kind and state.",
			},
			[]string{"kind", "state"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlic_task_duration_seconds",
				Help:    "Histogram of task attempt durations, labeled by kind.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		)

		taskRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_task_retries_total",
				Help: "Total number of task retries scheduled, labeled by kind.",
			},
			[]string{"kind"},
		)

		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_page_loads_total",
				Help: "Total number of pages loaded, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_page_bytes_total",
				Help: "Total number of markup bytes read, labeled by site.",
			},
			[]string{"site"},
		)

		browserSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_browser_sessions_total",
				Help: "Total number of browser sessions opened, labeled by driver and outcome.",
			},
			[]string{"driver", "outcome"},
		)

		processesReapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlic_processes_reaped_total",
				Help: "Total number of browser processes terminated, labeled by trigger.",
			},
			[]string{"trigger"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlic_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlic_throttle_delay_seconds",
				Help:    "Histogram of per-host throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// SanitizeSite reduces a URL to a lowercase hostname, or "unknown".
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
	return promhttp.Handler()
}

// ObserveTaskSubmitted counts an accepted task.
func ObserveTaskSubmitted(kind string) {
	Init()
	tasksSubmittedTotal.WithLabelValues(kind).Inc()
}

// ObserveTaskCompleted counts a terminal transition.
func ObserveTaskCompleted(kind, state string) {
	Init()
	tasksCompletedTotal.WithLabelValues(kind, state).Inc()
}

// ObserveTaskDuration records how long one attempt ran.
func ObserveTaskDuration(kind string, d time.Duration) {
	Init()
	taskDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveTaskRetry counts a scheduled retry.
func ObserveTaskRetry(kind string) {
	Init()
	taskRetriesTotal.WithLabelValues(kind).Inc()
}

// ObservePageLoad records a page load and the bytes it produced.
func ObservePageLoad(site, status string, bytesRead int) {
	Init()
	sanitized := SanitizeSite(site)
	pageLoadsTotal.WithLabelValues(sanitized, status).Inc()
	if bytesRead > 0 {
		pageBytesTotal.WithLabelValues(sanitized).Add(float64(bytesRead))
	}
}

// ObserveSession counts a browser session launch attempt.
func ObserveSession(driver, outcome string) {
	Init()
	browserSessionsTotal.WithLabelValues(driver, outcome).Inc()
}

// ObserveProcessesReaped counts processes killed by a lease release or a sweep.
func ObserveProcessesReaped(trigger string, n int) {
	if n <= 0 {
		return
	}
	Init()
	processesReapedTotal.WithLabelValues(trigger).Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveThrottleDelay records the duration of a per-host throttle wait.
func ObserveThrottleDelay(host string, d time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(SanitizeSite(host)).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the ingest worker.
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
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	politenessWaitSeconds      *prometheus.HistogramVec
	robotsFailOpenTotal        *prometheus.CounterVec
	tickItemsTotal             *prometheus.CounterVec
	tickDurationSeconds        prometheus.Histogram
	queueItems                 *prometheus.GaugeVec
	apiRateLimitedTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_total",
				Help: "Fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Decoded response bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Time spent on the network per fetch, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
			},
			[]string{"site"},
		)

		politenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Time spent waiting for a host permit plus the politeness delay.",
				Buckets: []float64{0.1, 0.35, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		robotsFailOpenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fail_open_total",
				Help: "robots.txt lookups that failed and were treated as allow-all.",
			},
			[]string{"site"},
		)

		tickItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tick_items_total",
				Help: "Queue items processed by ticks, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tickDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_tick_duration_seconds",
				Help:    "Wall time of a full tick.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		)

		queueItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_items",
				Help: "Queue rows by state at the last stats read.",
			},
			[]string{"state"},
		)

		apiRateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "api_rate_limited_total",
				Help: "Admin API requests rejected by the per-client rate limiter.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite reduces a URL or host to a lowercase hostname.
// It returns "unknown" if the input has no usable host.
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, outcome string, bytesFetched int, duration time.Duration) {
	Init()
	host := SanitizeSite(site)
	fetchTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
	}
}

// ObservePolitenessWait records time spent throttled before a request.
func ObservePolitenessWait(site string, wait time.Duration) {
	Init()
	politenessWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(wait.Seconds())
}

// ObserveRobotsFailOpen counts a robots.txt lookup that fell back to allow-all.
func ObserveRobotsFailOpen(site string) {
	Init()
	robotsFailOpenTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveTickItem counts one processed queue item.
func ObserveTickItem(outcome string) {
	Init()
	tickItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTick records a tick's duration.
func ObserveTick(duration time.Duration) {
	Init()
	tickDurationSeconds.Observe(duration.Seconds())
}

// SetQueueDepth publishes the queue gauges.
func SetQueueDepth(due, total, dead int64) {
	Init()
	queueItems.WithLabelValues("due").Set(float64(due))
	queueItems.WithLabelValues("total").Set(float64(total))
	queueItems.WithLabelValues("dead").Set(float64(dead))
}

// ObserveRateLimited counts a rejected API request.
func ObserveRateLimited() {
	Init()
	apiRateLimitedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RobotsFailOpenCounter exposes the fail-open counter for assertions.
func RobotsFailOpenCounter() *prometheus.CounterVec {
	Init()
	return robotsFailOpenTotal
}

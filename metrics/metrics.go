// Package metrics exposes Prometheus instrumentation for the poll engine and HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the instrumentation surface used across the service.
type Recorder interface {
	ObservePoll(outcome string, duration time.Duration)
	AddMergedComments(n int)
	SetActivePollers(n int)
	IncRequests(endpoint string, status int)
	IncCacheHits()
	IncCacheMisses()
	IncNotifyFailures(provider string)
	Handler() http.Handler
}

// Prometheus records into its own registry.
type Prometheus struct {
	registry       *prometheus.Registry
	pollsTotal     *prometheus.CounterVec
	pollDuration   *prometheus.HistogramVec
	mergedComments prometheus.Counter
	activePollers  prometheus.Gauge
	requestsTotal  *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	notifyFailures *prometheus.CounterVec
}

// New returns a Prometheus recorder, or a no-op recorder when disabled.
func New(enabled bool) Recorder {
	if !enabled {
		return Nop{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		pollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsync_polls_total",
			Help: "Total number of feed polls by outcome",
		}, []string{"outcome"}),

		pollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtsync_poll_duration_seconds",
			Help:    "Feed poll duration in seconds, fetch and decode included",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		mergedComments: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsync_merged_comments_total",
			Help: "Total number of new comments merged into conversation lists",
		}),

		activePollers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtsync_active_pollers",
			Help: "Number of conversations currently polled",
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsync_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"endpoint", "status"}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsync_cache_hits_total",
			Help: "Total number of counter cache hits",
		}),

		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsync_cache_misses_total",
			Help: "Total number of counter cache misses",
		}),

		notifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsync_notify_failures_total",
			Help: "Total number of failed notification deliveries",
		}, []string{"provider"}),
	}
}

func (m *Prometheus) ObservePoll(outcome string, duration time.Duration) {
	m.pollsTotal.WithLabelValues(outcome).Inc()
	m.pollDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Prometheus) AddMergedComments(n int) {
	m.mergedComments.Add(float64(n))
}

func (m *Prometheus) SetActivePollers(n int) {
	m.activePollers.Set(float64(n))
}

func (m *Prometheus) IncRequests(endpoint string, status int) {
	m.requestsTotal.WithLabelValues(endpoint, statusBucket(status)).Inc()
}

func (m *Prometheus) IncCacheHits() {
	m.cacheHits.Inc()
}

func (m *Prometheus) IncCacheMisses() {
	m.cacheMisses.Inc()
}

func (m *Prometheus) IncNotifyFailures(provider string) {
	m.notifyFailures.WithLabelValues(provider).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObservePoll(string, time.Duration) {}
func (Nop) AddMergedComments(int)             {}
func (Nop) SetActivePollers(int)              {}
func (Nop) IncRequests(string, int)           {}
func (Nop) IncCacheHits()                     {}
func (Nop) IncCacheMisses()                   {}
func (Nop) IncNotifyFailures(string)          {}

func (Nop) Handler() http.Handler {
	return http.NotFoundHandler()
}

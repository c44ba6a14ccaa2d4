// Package telemetry exposes the SDK's live health as Prometheus metrics:
// which backend is active, whether it is connected, how large each kind's
// watch-set has grown, and how often polling errors and backend promotions
// occur. Adapted from the teacher's internal/monitoring/monitoring_system.go
// and internal/escrow/metrics.go, trading the teacher's hand-rolled
// snapshot/histogram-bucket bookkeeping for promauto-registered collectors
// that a normal Prometheus scrape already aggregates.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this SDK publishes. One Collector is meant
// to be shared by the whole process (client + cmd/huskar-agent).
type Collector struct {
	gatherer prometheus.Gatherer

	backendConnected *prometheus.GaugeVec
	backendRunning   *prometheus.GaugeVec
	watchSetSize     *prometheus.GaugeVec
	pollingErrors    *prometheus.CounterVec
	promotions       prometheus.Counter
	sessionDuration  *prometheus.HistogramVec
}

// NewCollector constructs and registers every metric against reg. Pass a
// *prometheus.Registry (itself satisfies both Registerer and Gatherer) for
// an isolated registry (tests, multiple SDK instances in one process), or
// nil to register against the default, process-wide registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Collector{
		gatherer: gatherer,
		backendConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huskar_backend_connected",
			Help: "Whether the active observation backend currently has a live session (1) or not (0).",
		}, []string{"backend"}),

		backendRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huskar_backend_running",
			Help: "Whether the active observation backend's event loop is running (1) or stopped (0).",
		}, []string{"backend"}),

		watchSetSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huskar_watch_set_size",
			Help: "Number of (app, cluster) pairs currently being watched, per kind.",
		}, []string{"kind"}),

		pollingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huskar_polling_errors_total",
			Help: "Total classified polling errors reported by a backend's error hook.",
		}, []string{"backend"}),

		promotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "huskar_backend_promotions_total",
			Help: "Total number of times a File-Cache backend has promoted itself to Long-Poll after winning the host writer lock.",
		}),

		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huskar_longpoll_session_duration_seconds",
			Help:    "Duration of a single long-poll HTTP session from connect to disconnect or error.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
	}
}

// RecordPollingError increments the polling-error counter for backend,
// suitable for direct use as a longpoll.Config.PollingErrorHook.
func (c *Collector) RecordPollingError(backend string) func(error) {
	return func(error) { c.pollingErrors.WithLabelValues(backend).Inc() }
}

// RecordPromotion counts one File-Cache-to-Long-Poll promotion.
func (c *Collector) RecordPromotion() { c.promotions.Inc() }

// RecordSessionDuration records the wall-clock length of one long-poll
// session.
func (c *Collector) RecordSessionDuration(backend string, seconds float64) {
	c.sessionDuration.WithLabelValues(backend).Observe(seconds)
}

// Handler returns the Prometheus scrape endpoint handler for this
// Collector's registry. cmd/huskar-agent mounts this under /metrics on its
// debug mux.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

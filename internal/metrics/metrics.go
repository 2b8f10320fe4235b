// Package metrics provides Prometheus metrics for a preview session.
//
// Each session owns its own registry so that several sessions can live in one
// process. All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors for one session.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
	hotUpdatesTotal  *prometheus.CounterVec
	refreshWait      prometheus.Histogram
	realmsActive     prometheus.Gauge
}

// New creates a registry and registers every collector on it.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		// Preview event metrics
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "isolate_events_total",
				Help: "Total number of preview events delivered to the host",
			},
			[]string{"kind"},
		),

		// Bridge metrics
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "isolate_resolutions_total",
				Help: "Total number of module resolutions by outcome",
			},
			[]string{"outcome"},
		),

		hotUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "isolate_hot_updates_total",
				Help: "Total number of hot updates sent to the sandbox",
			},
			[]string{"result"},
		),

		// Refresh metrics
		refreshWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "isolate_refresh_wait_seconds",
				Help:    "Time spent waiting for an expected refresh",
				Buckets: prometheus.DefBuckets,
			},
		),

		realmsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "isolate_realms_active",
				Help: "Number of sandbox realms connected to the channel",
			},
		),
	}
}

// Registry returns the session registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler for this session.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordEvent counts a delivered event of the given kind.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// RecordResolution counts a bridge resolution outcome.
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordHotUpdate counts a hot update by result (ok, error, full-reload).
func (m *Metrics) RecordHotUpdate(result string) {
	if m == nil {
		return
	}
	m.hotUpdatesTotal.WithLabelValues(result).Inc()
}

// ObserveRefreshWait records how long a refresh wait took.
func (m *Metrics) ObserveRefreshWait(d time.Duration) {
	if m == nil {
		return
	}
	m.refreshWait.Observe(d.Seconds())
}

// RealmConnected increments the active realm gauge.
func (m *Metrics) RealmConnected() {
	if m == nil {
		return
	}
	m.realmsActive.Inc()
}

// RealmDisconnected decrements the active realm gauge.
func (m *Metrics) RealmDisconnected() {
	if m == nil {
		return
	}
	m.realmsActive.Dec()
}

// Package metrics exposes the broker's Prometheus collectors
// (SPEC_FULL.md §3, domain stack). Following the explicit-wiring
// rule established for internal/logging, Metrics is constructed once
// in cmd/broker/main.go and handed to internal/pipeline and
// internal/subscriptions via their SetMetrics setters, rather than
// reached for through a package-level registry the way
// r3e-network-service_layer's pkg/metrics does.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the broker registers. Namespace is
// fixed to "databroker"; subsystems mirror the kernel components that
// report through them.
type Metrics struct {
	registry *prometheus.Registry

	entriesRegistered prometheus.Counter
	entriesTotal      prometheus.Gauge

	subscriptionsOpened prometheus.Counter
	subscriptionsClosed *prometheus.CounterVec
	subscriptionsActive prometheus.Gauge

	changesetsApplied   prometheus.Counter
	changesetRejections *prometheus.CounterVec
	updatesDispatched   prometheus.Counter
}

// New builds a Metrics instance backed by its own registry, so tests
// can construct independent instances without colliding on the global
// default registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		entriesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "databroker",
			Subsystem: "entrystore",
			Name:      "entries_registered_total",
			Help:      "Total number of entries registered into the catalogue.",
		}),
		entriesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "databroker",
			Subsystem: "entrystore",
			Name:      "entries",
			Help:      "Current number of entries in the catalogue.",
		}),

		subscriptionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "databroker",
			Subsystem: "subscriptions",
			Name:      "opened_total",
			Help:      "Total number of subscriptions opened.",
		}),
		subscriptionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "databroker",
			Subsystem: "subscriptions",
			Name:      "closed_total",
			Help:      "Total number of subscriptions closed, by reason.",
		}, []string{"reason"}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "databroker",
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Current number of open subscriptions.",
		}),

		changesetsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "databroker",
			Subsystem: "pipeline",
			Name:      "changesets_applied_total",
			Help:      "Total number of changesets committed to the entry store.",
		}),
		changesetRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "databroker",
			Subsystem: "pipeline",
			Name:      "changeset_rejections_total",
			Help:      "Total number of changesets rejected, by error kind.",
		}, []string{"kind"}),
		updatesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "databroker",
			Subsystem: "pipeline",
			Name:      "updates_dispatched_total",
			Help:      "Total number of messages delivered to subscribers.",
		}),
	}

	m.registry.MustRegister(
		m.entriesRegistered,
		m.entriesTotal,
		m.subscriptionsOpened,
		m.subscriptionsClosed,
		m.subscriptionsActive,
		m.changesetsApplied,
		m.changesetRejections,
		m.updatesDispatched,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registered collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EntryRegistered records a new entry joining the catalogue. total is
// the catalogue's size after the registration.
func (m *Metrics) EntryRegistered(total int) {
	m.entriesRegistered.Inc()
	m.entriesTotal.Set(float64(total))
}

// SubscriptionOpened records a newly created subscription. active is
// the engine's open-subscription count after the open.
func (m *Metrics) SubscriptionOpened(active int) {
	m.subscriptionsOpened.Inc()
	m.subscriptionsActive.Set(float64(active))
}

// SubscriptionClosed records a subscription closing, labelled by why:
// "unsubscribed", "expired" or "queue_overflow".
func (m *Metrics) SubscriptionClosed(reason string, active int) {
	if reason == "" {
		reason = "unknown"
	}
	m.subscriptionsClosed.WithLabelValues(reason).Inc()
	m.subscriptionsActive.Set(float64(active))
}

// ChangesetApplied records a committed, non-empty changeset handed to
// the subscription engine's channel.
func (m *Metrics) ChangesetApplied() {
	m.changesetsApplied.Inc()
}

// ChangesetRejected records a changeset that failed, labelled by the
// brokererr.Kind string that rejected it.
func (m *Metrics) ChangesetRejected(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.changesetRejections.WithLabelValues(kind).Inc()
}

// UpdateDispatched records one message delivered to a subscriber's
// outbound queue.
func (m *Metrics) UpdateDispatched() {
	m.updatesDispatched.Inc()
}

// Package metrics defines the Prometheus instrumentation for Conduit Core.
//
// The core emits passive counters and gauges; nothing here is queried by the
// routing logic itself. Scrape them from GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HubMetrics holds all Prometheus collectors for the hub core.
type HubMetrics struct {
	// Message pipeline
	MessagesSubmittedTotal *prometheus.CounterVec
	MessagesByStatusTotal  *prometheus.CounterVec
	DeliveryAttemptsTotal  *prometheus.CounterVec
	DeliveryDuration       *prometheus.HistogramVec
	QueueDepth             *prometheus.GaugeVec

	// Device registry
	ConnectionsActive    prometheus.Gauge
	RegistrationsTotal   *prometheus.CounterVec
	LivenessDemotedTotal prometheus.Counter

	// Cache layer
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// New creates and registers all hub metrics with the default registry.
func New() *HubMetrics {
	return &HubMetrics{
		MessagesSubmittedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_messages_submitted_total",
				Help: "Messages accepted at ingestion, by QoS level.",
			},
			[]string{"qos"},
		),

		MessagesByStatusTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_messages_by_status_total",
				Help: "Message status transitions, by resulting status.",
			},
			[]string{"status"},
		),

		DeliveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_delivery_attempts_total",
				Help: "Delivery attempts, by outcome (delivered, congested, closed, timeout).",
			},
			[]string{"outcome"},
		),

		DeliveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_delivery_duration_seconds",
				Help:    "Time from dispatch pop to delivery acknowledgment.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
			},
			[]string{"qos"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_queue_depth",
				Help: "Messages waiting in the dispatch queue, by priority band.",
			},
			[]string{"priority"},
		),

		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_connections_active",
				Help: "Currently live device sessions.",
			},
		),

		RegistrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_registrations_total",
				Help: "Registration handshakes, by kind (new, reconnect, superseded).",
			},
			[]string{"kind"},
		),

		LivenessDemotedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_liveness_demoted_total",
				Help: "Devices demoted to offline by the liveness sweep.",
			},
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_cache_hits_total",
				Help: "Cache hits, by tier.",
			},
			[]string{"tier"},
		),

		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_cache_misses_total",
				Help: "Cache misses (loader invocations), by tier.",
			},
			[]string{"tier"},
		),
	}
}

// RecordSubmitted records an accepted message.
func (m *HubMetrics) RecordSubmitted(qos string) {
	m.MessagesSubmittedTotal.WithLabelValues(qos).Inc()
}

// RecordStatus records a message status transition.
func (m *HubMetrics) RecordStatus(status string) {
	m.MessagesByStatusTotal.WithLabelValues(status).Inc()
}

// RecordDeliveryAttempt records one delivery attempt outcome.
func (m *HubMetrics) RecordDeliveryAttempt(outcome string) {
	m.DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordDeliveryDuration records the dispatch-to-ack latency in seconds.
func (m *HubMetrics) RecordDeliveryDuration(qos string, seconds float64) {
	m.DeliveryDuration.WithLabelValues(qos).Observe(seconds)
}

// SetQueueDepth sets the current queue depth for a priority band.
func (m *HubMetrics) SetQueueDepth(priority string, depth float64) {
	m.QueueDepth.WithLabelValues(priority).Set(depth)
}

// RecordRegistration records a registration handshake by kind.
func (m *HubMetrics) RecordRegistration(kind string) {
	m.RegistrationsTotal.WithLabelValues(kind).Inc()
}

// RecordLivenessDemoted records a device demoted to offline by the sweep.
func (m *HubMetrics) RecordLivenessDemoted() {
	m.LivenessDemotedTotal.Inc()
}

// SetConnectionsActive sets the live session gauge.
func (m *HubMetrics) SetConnectionsActive(n int) {
	m.ConnectionsActive.Set(float64(n))
}

// RecordCacheHit records a cache hit for a tier.
func (m *HubMetrics) RecordCacheHit(tier string) {
	m.CacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss for a tier.
func (m *HubMetrics) RecordCacheMiss(tier string) {
	m.CacheMissesTotal.WithLabelValues(tier).Inc()
}

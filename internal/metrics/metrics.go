// Package metrics provides Prometheus metrics for QuicGate.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "quicgate"
)

// Metrics contains all Prometheus metrics for a QuicGate process. The same
// set serves all three roles; counters a role never touches simply stay zero.
type Metrics struct {
	// Tunnel connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionCloses  *prometheus.CounterVec

	// Registration metrics
	ServicesRegistered prometheus.Gauge
	AgentTargets       prometheus.Gauge
	Registrations      *prometheus.CounterVec

	// Datagram relay metrics
	DatagramsRelayed *prometheus.CounterVec
	BytesRelayed     *prometheus.CounterVec
	RouteErrors      *prometheus.CounterVec

	// Retry token and connection id metrics
	TokenRejections prometheus.Counter
	CIDRotations    prometheus.Counter

	// Flow proxy metrics
	FlowsActive    *prometheus.GaugeVec
	FlowsTotal     *prometheus.CounterVec
	AdmissionDrops prometheus.Counter

	// Hole punch metrics
	PunchOutcomes *prometheus.CounterVec
	PunchDuration prometheus.Histogram
	SignalSessions prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live tunnel connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total tunnel connections by peer role",
		}, []string{"role"}),
		ConnectionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_closes_total",
			Help:      "Total tunnel connection closes by reason",
		}, []string{"reason"}),

		ServicesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_registered",
			Help:      "Number of service ids with a live Connector owner",
		}),
		AgentTargets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_targets",
			Help:      "Number of Agent service targets currently registered",
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total registration frames processed by outcome",
		}, []string{"outcome"}),

		DatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_relayed_total",
			Help:      "Total application datagrams relayed by direction",
		}, []string{"direction"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total application datagram bytes relayed by direction",
		}, []string{"direction"}),
		RouteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_errors_total",
			Help:      "Total datagram routing rejections by kind",
		}, []string{"kind"}),

		TokenRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_rejections_total",
			Help:      "Total retry tokens rejected",
		}),
		CIDRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cid_rotations_total",
			Help:      "Total connection id rotations performed",
		}),

		FlowsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of active proxy flows by protocol",
		}, []string{"protocol"}),
		FlowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Total proxy flows created by protocol",
		}, []string{"protocol"}),
		AdmissionDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_drops_total",
			Help:      "Total TCP connection attempts shed by the per-source rate limit",
		}),

		PunchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hole_punch_outcomes_total",
			Help:      "Total hole punch attempts by outcome",
		}, []string{"outcome"}),
		PunchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hole_punch_duration_seconds",
			Help:      "Histogram of hole punch attempt duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SignalSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_sessions_active",
			Help:      "Number of hole punch signaling sessions tracked by the relay",
		}),
	}
}

// RecordConnectionOpen records a new tunnel connection from a peer role.
func (m *Metrics) RecordConnectionOpen(role string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordConnectionClose records a tunnel connection close.
func (m *Metrics) RecordConnectionClose(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionCloses.WithLabelValues(reason).Inc()
}

// RecordRegistration records one processed registration frame.
// outcome is "ack", "nack" or "duplicate".
func (m *Metrics) RecordRegistration(outcome string) {
	m.Registrations.WithLabelValues(outcome).Inc()
}

// SetRegistryCounts updates the registry gauges.
func (m *Metrics) SetRegistryCounts(services, targets int) {
	m.ServicesRegistered.Set(float64(services))
	m.AgentTargets.Set(float64(targets))
}

// RecordRelayedDatagram records one forwarded application datagram.
// direction is "to_connector" or "to_agent".
func (m *Metrics) RecordRelayedDatagram(direction string, bytes int) {
	m.DatagramsRelayed.WithLabelValues(direction).Inc()
	m.BytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRouteError records a routing rejection.
// kind is "unknown_service" or "unauthorized".
func (m *Metrics) RecordRouteError(kind string) {
	m.RouteErrors.WithLabelValues(kind).Inc()
}

// RecordFlowOpen records a new proxy flow.
func (m *Metrics) RecordFlowOpen(protocol string) {
	m.FlowsActive.WithLabelValues(protocol).Inc()
	m.FlowsTotal.WithLabelValues(protocol).Inc()
}

// RecordFlowClose records a proxy flow teardown.
func (m *Metrics) RecordFlowClose(protocol string) {
	m.FlowsActive.WithLabelValues(protocol).Dec()
}

// RecordPunchOutcome records a finished hole punch attempt.
// outcome is "direct" or "fallback".
func (m *Metrics) RecordPunchOutcome(outcome string, elapsed time.Duration) {
	m.PunchOutcomes.WithLabelValues(outcome).Inc()
	m.PunchDuration.Observe(elapsed.Seconds())
}

package core

// Metrics exposes the counters/gauges spec.md §5 and §7 call for: dropped
// inbound frames under backpressure, replay hits, rate-limit rejections,
// and DHT lookup rounds. Grounded on the teacher's HealthLogger
// (core/system_health_logging.go), generalized from block-height/supply
// gauges to the messaging-substrate counters this spec needs.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a small prometheus registry wrapper. A nil *Metrics is valid
// and every method on it is a no-op, so components can be constructed
// without metrics wired in (e.g. in tests).
type Metrics struct {
	registry *prometheus.Registry

	inboxDropped      prometheus.Counter
	replayDetected    prometheus.Counter
	rateLimited       prometheus.Counter
	dhtLookupRounds   prometheus.Histogram
	onionHopFailures  prometheus.Counter
	epochAdvances     prometheus.Counter
}

// NewMetrics creates a fresh registry and the gauges/counters this package
// increments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		inboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilmesh_inbox_dropped_total",
			Help: "Inbound frames dropped because a per-group inbox was full.",
		}),
		replayDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilmesh_replay_detected_total",
			Help: "Messages or requests rejected as replays.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilmesh_rate_limited_total",
			Help: "RPC requests rejected by the per-peer token bucket.",
		}),
		dhtLookupRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "veilmesh_dht_lookup_rounds",
			Help:    "Number of iterative rounds an DHT lookup took to converge.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		onionHopFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilmesh_onion_hop_failures_total",
			Help: "Onion hops that refused or dropped a frame.",
		}),
		epochAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilmesh_epoch_advances_total",
			Help: "Successful epoch advances across all locally hosted groups.",
		}),
	}
	reg.MustRegister(m.inboxDropped, m.replayDetected, m.rateLimited, m.dhtLookupRounds, m.onionHopFailures, m.epochAdvances)
	return m
}

// Registry exposes the underlying prometheus.Registry, e.g. for wiring into
// promhttp.HandlerFor in the optional facade.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) incInboxDropped() {
	if m != nil {
		m.inboxDropped.Inc()
	}
}

func (m *Metrics) incReplayDetected() {
	if m != nil {
		m.replayDetected.Inc()
	}
}

func (m *Metrics) incRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) observeLookupRounds(rounds int) {
	if m != nil {
		m.dhtLookupRounds.Observe(float64(rounds))
	}
}

func (m *Metrics) incOnionHopFailure() {
	if m != nil {
		m.onionHopFailures.Inc()
	}
}

func (m *Metrics) incEpochAdvance() {
	if m != nil {
		m.epochAdvances.Inc()
	}
}

package core

// metrics.go exposes the per-round and per-validation-outcome counters that
// gossip.go's Finish stage and validation.go's Integrate/Reject paths
// record: an owned prometheus.Registry (never the global default registry,
// so multiple cells in one process don't collide) wrapping a fixed set of
// gauges/counters registered once at construction.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the prometheus surface for one cell's gossip and validation
// activity. A nil *Metrics is valid and every method on it is a no-op, so
// callers that don't care about metrics (most tests) need not construct one.
type Metrics struct {
	registry *prometheus.Registry

	roundsFinished   prometheus.Counter
	roundsAborted    prometheus.Counter
	roundDuration    prometheus.Histogram
	opsReceivedTotal prometheus.Counter
	opsSentTotal     prometheus.Counter

	opsIntegrated prometheus.Counter
	opsRejected   prometheus.Counter
	opsAbandoned  prometheus.Counter
	warrantsIssued prometheus.Counter
}

// NewMetrics builds a fresh, self-contained registry and registers every
// gauge/counter this package emits.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		roundsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_gossip_rounds_finished_total",
			Help: "Gossip rounds that completed all five stages.",
		}),
		roundsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_gossip_rounds_aborted_total",
			Help: "Gossip rounds that ended early (timeout, unexpected message, transport error).",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellmesh_gossip_round_duration_seconds",
			Help:    "Wall-clock duration of a gossip round.",
			Buckets: prometheus.DefBuckets,
		}),
		opsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_gossip_ops_received_total",
			Help: "DHT ops pulled from a partner during a gossip round.",
		}),
		opsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_gossip_ops_sent_total",
			Help: "DHT ops pushed to a partner during a gossip round.",
		}),
		opsIntegrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_validation_ops_integrated_total",
			Help: "Ops that reached the Integrated state.",
		}),
		opsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_validation_ops_rejected_total",
			Help: "Ops that reached the Rejected state.",
		}),
		opsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_validation_ops_abandoned_total",
			Help: "Ops dropped from limbo after exceeding the AwaitingDeps retry budget.",
		}),
		warrantsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellmesh_warrants_issued_total",
			Help: "Warrants this authority issued against another author.",
		}),
	}
	reg.MustRegister(
		m.roundsFinished, m.roundsAborted, m.roundDuration,
		m.opsReceivedTotal, m.opsSentTotal,
		m.opsIntegrated, m.opsRejected, m.opsAbandoned, m.warrantsIssued,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for promhttp.HandlerFor in
// an admin surface.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeRound(round *Round) {
	if m == nil {
		return
	}
	if round.Stage == StageAborted {
		m.roundsAborted.Inc()
	} else {
		m.roundsFinished.Inc()
	}
	m.roundDuration.Observe(round.Metrics.Duration.Seconds())
	m.opsReceivedTotal.Add(float64(round.Metrics.OpsReceived))
	m.opsSentTotal.Add(float64(round.Metrics.OpsSent))
}

func (m *Metrics) observeIntegrated() {
	if m == nil {
		return
	}
	m.opsIntegrated.Inc()
}

func (m *Metrics) observeRejected() {
	if m == nil {
		return
	}
	m.opsRejected.Inc()
}

func (m *Metrics) observeAbandoned() {
	if m == nil {
		return
	}
	m.opsAbandoned.Inc()
}

func (m *Metrics) observeWarrant() {
	if m == nil {
		return
	}
	m.warrantsIssued.Inc()
}

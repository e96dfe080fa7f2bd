package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the observer's gauges and counters. Each Metrics owns a
// private prometheus.Registry
// (rather than registering into the global DefaultRegisterer) so multiple
// Observers — one per test, or one per chain in a multi-chain deployment —
// never collide on metric names; callers merge Registry() into their HTTP
// handler. Metrics is constructed independently of Observer so a caller can
// wrap its event sink with it before the loops (and therefore the Observer)
// exist.
type Metrics struct {
	registry *prometheus.Registry

	lastSyncedBlock prometheus.Gauge
	targetBlock     prometheus.Gauge
	progressPercent prometheus.Gauge
	phase           prometheus.Gauge
	loopSuccesses   prometheus.Counter
	loopFailures    prometheus.Counter
	reorgs          prometheus.Counter
}

// NewMetrics builds a Metrics instance with its own private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		lastSyncedBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_observer_last_synced_block",
			Help: "Highest block height the observer has fully processed.",
		}),
		targetBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_observer_target_block",
			Help: "Chain tip the observer is syncing toward.",
		}),
		progressPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_observer_historical_progress_percent",
			Help: "Historical sync progress, lastSyncedBlock/targetBlock as a percentage.",
		}),
		phase: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anchor_observer_phase",
			Help: "Current sync phase: 0=Historical, 1=Live.",
		}),
		loopSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchor_observer_live_loop_success_total",
			Help: "Total live-loop iterations that completed without error.",
		}),
		loopFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchor_observer_live_loop_failure_total",
			Help: "Total live-loop iterations that failed.",
		}),
		reorgs: factory.NewCounter(prometheus.CounterOpts{
			Name: "anchor_observer_reorgs_total",
			Help: "Total chain reorganizations detected and rewound.",
		}),
	}
}

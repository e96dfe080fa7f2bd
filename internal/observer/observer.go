// Package observer is the top-level orchestrator: it takes the sync-state
// machine's on-start decision, drives the historical loop to completion,
// then hands over to the live loop, exposing status and health for the
// operator-facing HTTP surface.
package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/eventsink"
	"github.com/trustbloc-labs/anchor-observer/internal/lifecycle"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
	"github.com/trustbloc-labs/anchor-observer/internal/syncstate"
)

// HistoricalLoop is the subset of historicalsync.Loop the observer drives.
type HistoricalLoop interface {
	Run(ctx context.Context) error
}

// LiveLoop is the subset of livesync.Loop the observer drives.
type LiveLoop interface {
	Run(ctx context.Context) error
}

// Status is the operator-facing snapshot returned by GetStatus.
type Status struct {
	Phase           string
	LastSyncedBlock uint64
	TargetBlock     uint64
	ProgressPercent float64
	Healthy         bool
	StartedAt       time.Time
}

// Observer ties the sync-state machine to the historical and live loops.
type Observer struct {
	machine    *syncstate.Machine
	historical HistoricalLoop
	live       LiveLoop
	stop       *lifecycle.StopFlag
	logger     zerolog.Logger
	metrics    *Metrics

	startedAt time.Time
	runErr    atomic.Value
	done      chan struct{}
	startOnce sync.Once
}

// New constructs an Observer. machine must already reflect the sync-state
// machine's on-start decision (syncstate.Decide). metrics should be the same
// instance used to wrap the event sink passed to the historical/live loops
// (see Metrics.WrapSink), so loop-level counters and phase gauges share one
// registry; pass NewMetrics() if the caller has no wrapped sink to share.
func New(machine *syncstate.Machine, historical HistoricalLoop, live LiveLoop, stop *lifecycle.StopFlag, metrics *Metrics, logger zerolog.Logger) *Observer {
	return &Observer{
		machine:    machine,
		historical: historical,
		live:       live,
		stop:       stop,
		logger:     logger.With().Str("component", "observer").Logger(),
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// Start runs the observer in a background goroutine: historical catch-up
// (if the machine started in that phase) followed by the live loop. Start
// is idempotent; call Wait or Stop to manage its lifecycle.
func (o *Observer) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.startedAt = time.Now()
		go o.run(ctx)
	})
}

func (o *Observer) run(ctx context.Context) {
	defer close(o.done)

	o.reportState()

	if o.machine.Get().Phase == model.PhaseHistorical {
		o.logger.Info().Msg("starting historical sync")
		if err := o.historical.Run(ctx); err != nil {
			o.logger.Error().Err(err).Msg("historical sync aborted")
			o.runErr.Store(err)
			return
		}
	}

	o.reportState()

	if o.stop.Stopped() {
		return
	}

	o.logger.Info().Msg("starting live sync")
	if err := o.live.Run(ctx); err != nil {
		o.logger.Error().Err(err).Msg("live sync exited")
		o.runErr.Store(err)
	}
}

func (o *Observer) reportState() {
	state := o.machine.Get()
	o.metrics.lastSyncedBlock.Set(float64(state.LastSyncedBlock))
	o.metrics.targetBlock.Set(float64(state.TargetBlock))
	o.metrics.progressPercent.Set(o.machine.Progress())
	if state.Phase == model.PhaseLive {
		o.metrics.phase.Set(1)
	} else {
		o.metrics.phase.Set(0)
	}
}

// Stop signals both loops to exit between batches/iterations. In-flight
// processing tasks are allowed to finish; there is no hard kill.
func (o *Observer) Stop() {
	o.stop.Stop()
}

// Wait blocks until the background run loop has exited.
func (o *Observer) Wait() {
	<-o.done
}

// GetStatus returns a snapshot for operator-facing surfaces.
func (o *Observer) GetStatus() Status {
	state := o.machine.Get()
	return Status{
		Phase:           state.Phase.String(),
		LastSyncedBlock: state.LastSyncedBlock,
		TargetBlock:     state.TargetBlock,
		ProgressPercent: o.machine.Progress(),
		Healthy:         o.Healthy(),
		StartedAt:       o.startedAt,
	}
}

// Healthy reports whether the run loop has not exited with an error.
func (o *Observer) Healthy() bool {
	return o.runErr.Load() == nil
}

// Registry returns this Observer's private metrics registry, for the
// caller to merge into its /metrics HTTP handler.
func (o *Observer) Registry() *prometheus.Registry {
	return o.metrics.registry
}

// metricsSink wraps an eventsink.Sink, incrementing m's Prometheus counters
// as events pass through, then forwarding to inner.
type metricsSink struct {
	inner   eventsink.Sink
	metrics *Metrics
}

// WrapSink wraps inner so events emitted through it also increment m's
// Prometheus counters. Call this before constructing the historical/live
// loops so they (and the Observer built from the same m) share one registry.
func (m *Metrics) WrapSink(inner eventsink.Sink) eventsink.Sink {
	return &metricsSink{inner: inner, metrics: m}
}

// Emit implements eventsink.Sink.
func (s *metricsSink) Emit(ctx context.Context, event eventsink.Event) error {
	switch event.Type {
	case eventsink.LoopSuccess:
		s.metrics.loopSuccesses.Inc()
	case eventsink.LoopFailure:
		s.metrics.loopFailures.Inc()
	case eventsink.BlockReorganization:
		s.metrics.reorgs.Inc()
	}
	return s.inner.Emit(ctx, event)
}

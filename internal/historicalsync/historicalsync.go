// Package historicalsync implements the historical sync loop: walk
// [lastSyncedBlock, targetBlock] in rate-limited batches, persisting
// records in strictly increasing transactionNumber order.
package historicalsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trustbloc-labs/anchor-observer/internal/chain"
	"github.com/trustbloc-labs/anchor-observer/internal/lifecycle"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
	"github.com/trustbloc-labs/anchor-observer/internal/syncstate"
)

// Paginator is the subset of paginator.Paginator this loop drives.
type Paginator interface {
	Walk(ctx context.Context, from, to uint64, opts chain.RangeOptions) ([]model.AnchorRecord, error)
}

// TransactionStore is the subset of store.TransactionStore this loop writes.
type TransactionStore interface {
	AddTransaction(ctx context.Context, record model.AnchorRecord) error
}

// UnresolvableStore is the subset of store.UnresolvableTransactionStore this
// loop writes.
type UnresolvableStore interface {
	RecordUnresolvableTransactionFetchAttempt(ctx context.Context, record model.AnchorRecord) error
}

// Processor runs a single anchor record.
type Processor interface {
	Process(ctx context.Context, record model.AnchorRecord) (bool, error)
}

// Config parameterizes the loop.
type Config struct {
	BatchSize      uint64
	RateLimitDelay time.Duration
}

// Loop is the historical sync loop.
type Loop struct {
	paginator    Paginator
	txStore      TransactionStore
	unresolvable UnresolvableStore
	processor    Processor
	machine      *syncstate.Machine
	stop         *lifecycle.StopFlag
	cfg          Config
	limiter      *rate.Limiter
	logger       zerolog.Logger
}

// New constructs a historical sync Loop.
func New(
	paginator Paginator,
	txStore TransactionStore,
	unresolvable UnresolvableStore,
	processor Processor,
	machine *syncstate.Machine,
	stop *lifecycle.StopFlag,
	cfg Config,
	logger zerolog.Logger,
) *Loop {
	delay := cfg.RateLimitDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return &Loop{
		paginator:    paginator,
		txStore:      txStore,
		unresolvable: unresolvable,
		processor:    processor,
		machine:      machine,
		stop:         stop,
		cfg:          cfg,
		limiter:      rate.NewLimiter(rate.Every(delay), 1),
		logger:       logger.With().Str("component", "historicalsync").Logger(),
	}
}

// Run drives the loop until historical catch-up completes, the stop flag is
// set, or a fatal error aborts it. The stop flag is consulted between
// batches; an in-flight batch is allowed to complete.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.stop.Stopped() {
			l.logger.Info().Msg("historical sync stopped")
			return nil
		}

		state := l.machine.Get()
		if state.Phase != model.PhaseHistorical {
			return nil
		}

		from := state.LastSyncedBlock
		to := from + l.cfg.BatchSize
		if to > state.TargetBlock {
			to = state.TargetBlock
		}

		if from >= to {
			l.machine.AdvanceHistorical(to)
			return nil
		}

		records, err := l.paginator.Walk(ctx, from, to, chain.RangeOptions{})
		if err != nil {
			return fmt.Errorf("historicalsync: walk [%d, %d]: %w", from, to, err)
		}

		if err := l.processBatch(ctx, records); err != nil {
			return err
		}

		l.machine.AdvanceHistorical(to)

		l.logger.Info().
			Uint64("lastSyncedBlock", to).
			Uint64("targetBlock", state.TargetBlock).
			Float64("progressPercent", l.machine.Progress()).
			Msg("historical sync progress")

		if l.machine.Get().Phase != model.PhaseHistorical {
			return nil
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("historicalsync: rate limit wait: %w", err)
		}
	}
}

// processBatch runs each record through the processor in order, persisting
// successes and recording logical failures as unresolvable. A fatal
// processor error aborts the batch: the next process start resumes from
// the last persisted position via cursor recovery.
func (l *Loop) processBatch(ctx context.Context, records []model.AnchorRecord) error {
	for _, record := range records {
		ok, err := l.processor.Process(ctx, record)
		if err != nil {
			return fmt.Errorf("historicalsync: fatal processing transaction %d: %w", record.TransactionNumber, err)
		}

		if ok {
			if err := l.txStore.AddTransaction(ctx, record); err != nil {
				return fmt.Errorf("historicalsync: persist transaction %d: %w", record.TransactionNumber, err)
			}
			continue
		}

		if err := l.unresolvable.RecordUnresolvableTransactionFetchAttempt(ctx, record); err != nil {
			l.logger.Warn().Err(err).Uint64("transactionNumber", record.TransactionNumber).Msg("failed to record unresolvable attempt")
		}
	}

	return nil
}

// Package livesync implements the live processing loop: a periodic
// incremental read from a cursor, concurrent download/processing with
// bounded in-flight work, reorg detection, and the unresolvable retry
// sweep.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/chain"
	"github.com/trustbloc-labs/anchor-observer/internal/eventsink"
	"github.com/trustbloc-labs/anchor-observer/internal/lifecycle"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// ChainReader is the subset of chain.Client the live loop drives directly
// (GetRange/paginated reads belong to historicalsync; this loop only does
// cursor-driven incremental reads and the reorg probe).
type ChainReader interface {
	GetLatestTime(ctx context.Context) (chain.LatestTime, error)
	Read(ctx context.Context, sinceNumber uint64, sinceHash string) (chain.ReadResult, error)
}

// TransactionStore is the subset of store.TransactionStore this loop uses.
type TransactionStore interface {
	AddTransaction(ctx context.Context, record model.AnchorRecord) error
	GetLastTransaction(ctx context.Context) (*model.AnchorRecord, error)
}

// UnresolvableStore is the subset of store.UnresolvableTransactionStore this
// loop uses directly (the rewinder holds its own pruning subset).
type UnresolvableStore interface {
	RecordUnresolvableTransactionFetchAttempt(ctx context.Context, record model.AnchorRecord) error
	RemoveUnresolvableTransaction(ctx context.Context, transactionNumber uint64) error
	GetUnresolvableTransactionsDueForRetry(ctx context.Context) ([]model.AnchorRecord, error)
}

// Processor runs a single anchor record.
type Processor interface {
	Process(ctx context.Context, record model.AnchorRecord) (bool, error)
}

// Config parameterizes the live loop.
type Config struct {
	MaxConcurrentDownloads int
	ObservingInterval      time.Duration
}

// Loop is the live processing loop.
type Loop struct {
	chain        ChainReader
	txStore      TransactionStore
	unresolvable UnresolvableStore
	processor    Processor
	limiter      *Limiter
	rewinder     *Rewinder
	sequence     *Sequence
	events       eventsink.Sink
	stop         *lifecycle.StopFlag
	cfg          Config
	logger       zerolog.Logger
}

// New constructs a live-loop Loop.
func New(
	chainReader ChainReader,
	txStore TransactionStore,
	unresolvable UnresolvableStore,
	processor Processor,
	limiter *Limiter,
	rewinder *Rewinder,
	events eventsink.Sink,
	stop *lifecycle.StopFlag,
	cfg Config,
	logger zerolog.Logger,
) *Loop {
	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = 1
	}
	if cfg.ObservingInterval <= 0 {
		cfg.ObservingInterval = 30 * time.Second
	}

	return &Loop{
		chain:        chainReader,
		txStore:      txStore,
		unresolvable: unresolvable,
		processor:    processor,
		limiter:      limiter,
		rewinder:     rewinder,
		sequence:     NewSequence(),
		events:       events,
		stop:         stop,
		cfg:          cfg,
		logger:       logger.With().Str("component", "livesync").Logger(),
	}
}

// Run drives the live loop until the stop flag is set or ctx is canceled.
// Processing failures never abort the loop permanently; they are logged,
// surfaced as LoopFailure events, and retried on the next tick. Only
// context cancellation returns a non-nil error.
func (l *Loop) Run(ctx context.Context) error {
	for !l.stop.Stopped() {
		if err := l.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("live loop iteration failed")
			l.emit(ctx, eventsink.LoopFailure, map[string]any{"error": err.Error()})
		} else {
			l.emit(ctx, eventsink.LoopSuccess, nil)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ObservingInterval):
		}
	}

	l.logger.Info().Msg("live loop stopped")
	return nil
}

// iterate runs one full iteration through to quiescence: consolidate,
// read/admit, backpressure, error fencing, and reorg handling, repeating
// while the chain reports more transactions or a reorg forced a re-read.
// It then drains the tail of in-flight work and sweeps unresolvables.
func (l *Loop) iterate(ctx context.Context) error {
	for {
		l.consolidate(ctx)

		moreTransactions, reorgDetected, err := l.readAndAdmit(ctx)
		if err != nil {
			return err
		}

		if err := l.waitForBackpressure(ctx); err != nil {
			return err
		}

		if l.sequence.HasError() {
			if err := l.drainAndFence(ctx); err != nil {
				return err
			}
		}

		if !moreTransactions && !reorgDetected {
			break
		}
	}

	// Drain the tail so this iteration's records are persisted before the
	// sweep and the next scheduled tick.
	if err := l.drainInFlight(ctx); err != nil {
		return err
	}
	l.consolidate(ctx)
	if l.sequence.HasError() {
		l.sequence.Clear()
	}

	return l.sweep(ctx)
}

// consolidate persists every consecutive Processed entry from the head of
// the sequence, removing each as it lands. Entries whose processor reported
// a logical failure are recorded as unresolvable instead of persisted.
func (l *Loop) consolidate(ctx context.Context) {
	for _, outcome := range l.sequence.Consolidate() {
		if outcome.Success {
			if err := l.txStore.AddTransaction(ctx, outcome.Record); err != nil {
				l.logger.Error().Err(err).Uint64("transactionNumber", outcome.Record.TransactionNumber).Msg("failed to persist transaction")
				continue
			}
			if err := l.unresolvable.RemoveUnresolvableTransaction(ctx, outcome.Record.TransactionNumber); err != nil {
				l.logger.Debug().Err(err).Msg("best-effort unresolvable cleanup failed")
			}
			continue
		}

		if err := l.unresolvable.RecordUnresolvableTransactionFetchAttempt(ctx, outcome.Record); err != nil {
			l.logger.Warn().Err(err).Uint64("transactionNumber", outcome.Record.TransactionNumber).Msg("failed to record unresolvable attempt")
		}
	}
}

// readAndAdmit reads from the cursor, admits the result through the
// throughput limiter, spawns processing tasks, and detects reorgs.
func (l *Loop) readAndAdmit(ctx context.Context) (moreTransactions, reorgDetected bool, err error) {
	cursor, err := l.currentCursor(ctx)
	if err != nil {
		return false, false, err
	}

	var cursorNumber uint64
	var cursorHash string
	if cursor != nil {
		cursorNumber, cursorHash = cursor.TransactionNumber, cursor.TransactionTimeHash
	}

	result, readErr := l.chain.Read(ctx, cursorNumber, cursorHash)
	if readErr != nil {
		if !errors.Is(readErr, chain.ErrInvalidCursor) {
			l.logger.Warn().Err(readErr).Msg("live read failed, will retry next iteration")
			return false, false, nil
		}

		if cursor == nil {
			// Nothing persisted yet: an invalid cursor can't mean a reorg.
			return false, false, nil
		}

		latest, latestErr := l.chain.GetLatestTime(ctx)
		if latestErr != nil {
			return false, false, fmt.Errorf("livesync: get latest time after invalid cursor: %w", latestErr)
		}

		if latest.Time >= cursor.TransactionTime {
			return false, true, l.handleReorg(ctx)
		}

		l.logger.Debug().Msg("chain client behind cursor, idling")
		return false, false, nil
	}

	// Each spawn waits for a free slot so the count of in-flight tasks
	// never exceeds maxConcurrentDownloads, even transiently.
	for _, record := range l.limiter.Admit(result.Transactions) {
		if err := l.waitForSlot(ctx); err != nil {
			return false, false, err
		}
		entry := l.sequence.Append(record)
		go l.runTask(ctx, entry)
	}

	return result.MoreTransactions, false, nil
}

// currentCursor derives the cursor from the last persisted transaction; a
// nil record means "start from genesis / deployment".
func (l *Loop) currentCursor(ctx context.Context) (*model.AnchorRecord, error) {
	last, err := l.txStore.GetLastTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("livesync: get last transaction: %w", err)
	}
	return last, nil
}

// handleReorg performs the rewind and emits the reorganization event.
func (l *Loop) handleReorg(ctx context.Context) error {
	validAt, err := l.rewinder.Rewind(ctx)
	if err != nil {
		return fmt.Errorf("livesync: reorg rewind: %w", err)
	}

	l.emit(ctx, eventsink.BlockReorganization, map[string]any{"validTransactionNumber": validAt})
	return nil
}

// waitForBackpressure polls at 1s intervals until in-flight work falls to
// or below maxConcurrentDownloads.
func (l *Loop) waitForBackpressure(ctx context.Context) error {
	for l.sequence.InFlightCount() > l.cfg.MaxConcurrentDownloads {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// waitForSlot polls until in-flight work is strictly below
// maxConcurrentDownloads, so one more task can start without exceeding it.
func (l *Loop) waitForSlot(ctx context.Context) error {
	for l.sequence.InFlightCount() >= l.cfg.MaxConcurrentDownloads {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// drainInFlight waits for every in-flight processing task to finish.
func (l *Loop) drainInFlight(ctx context.Context) error {
	for l.sequence.InFlightCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// drainAndFence waits for all in-flight work to finish, re-consolidates,
// then discards the sequence entirely so the next iteration re-derives the
// cursor from storage. A failed prerequisite can therefore never be raced
// past: nothing after the failed entry is persisted.
func (l *Loop) drainAndFence(ctx context.Context) error {
	if err := l.drainInFlight(ctx); err != nil {
		return err
	}

	l.consolidate(ctx)
	l.sequence.Clear()

	return nil
}

// runTask is the spawned processing task body: it runs the processor and
// writes only the status field of its entry; persistence is the
// consolidator's job.
func (l *Loop) runTask(ctx context.Context, e *entry) {
	ok, err := l.processor.Process(ctx, e.record)
	if err != nil {
		l.logger.Error().Err(err).Uint64("transactionNumber", e.record.TransactionNumber).Msg("fatal processing error")
		e.MarkError()
		return
	}
	e.MarkProcessed(ok)
}

func (l *Loop) emit(ctx context.Context, eventType eventsink.EventType, detail map[string]any) {
	if err := l.events.Emit(ctx, eventsink.Event{Type: eventType, Detail: detail}); err != nil {
		l.logger.Warn().Err(err).Str("type", string(eventType)).Msg("failed to emit event")
	}
}

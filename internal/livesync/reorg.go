// Reorg rewind: sample recent persisted state, probe the chain for the
// deepest still-valid point, then prune forward state in dependency order.
package livesync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// ChainProbe is the reorg-probe subset of the chain-client capability.
type ChainProbe interface {
	GetFirstValidTransaction(ctx context.Context, sample []model.AnchorRecord) (*model.AnchorRecord, error)
}

// TransactionPruner is the subset of store.TransactionStore the rewinder uses.
type TransactionPruner interface {
	GetExponentiallySpacedTransactions(ctx context.Context) ([]model.AnchorRecord, error)
	RemoveTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error
}

// OperationPruner is the subset of store.OperationStore the rewinder uses.
type OperationPruner interface {
	Delete(ctx context.Context, afterTransactionNumber *uint64) error
}

// UnresolvablePruner is the subset of store.UnresolvableTransactionStore the
// rewinder uses.
type UnresolvablePruner interface {
	RemoveUnresolvableTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error
}

// Rewinder performs the reorg rewind: find the deepest still-valid anchor,
// then prune every derived store back to it.
type Rewinder struct {
	chain        ChainProbe
	transactions TransactionPruner
	operations   OperationPruner
	unresolvable UnresolvablePruner
	logger       zerolog.Logger
}

// NewRewinder constructs a Rewinder.
func NewRewinder(chain ChainProbe, transactions TransactionPruner, operations OperationPruner, unresolvable UnresolvablePruner, logger zerolog.Logger) *Rewinder {
	return &Rewinder{
		chain:        chain,
		transactions: transactions,
		operations:   operations,
		unresolvable: unresolvable,
		logger:       logger.With().Str("component", "livesync.reorg").Logger(),
	}
}

// Rewind samples recent transactions, asks the chain for the newest one
// still canonical, and prunes operations, then unresolvables, then
// transactions past that point. That order keeps an interruption
// recoverable: operations without a transaction can be re-derived, the
// converse cannot. When no sampled record is still valid, it rewinds to
// the network floor (transactionNumber 0).
func (r *Rewinder) Rewind(ctx context.Context) (validTransactionNumber uint64, err error) {
	sample, err := r.transactions.GetExponentiallySpacedTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("livesync: sample transactions for rewind: %w", err)
	}

	valid, err := r.chain.GetFirstValidTransaction(ctx, sample)
	if err != nil {
		return 0, fmt.Errorf("livesync: get first valid transaction: %w", err)
	}

	var v uint64
	if valid != nil {
		v = valid.TransactionNumber
	}

	if err := r.operations.Delete(ctx, &v); err != nil {
		return 0, fmt.Errorf("livesync: prune operations past %d: %w", v, err)
	}
	if err := r.unresolvable.RemoveUnresolvableTransactionsLaterThan(ctx, v); err != nil {
		return 0, fmt.Errorf("livesync: prune unresolvables past %d: %w", v, err)
	}
	if err := r.transactions.RemoveTransactionsLaterThan(ctx, v); err != nil {
		return 0, fmt.Errorf("livesync: prune transactions past %d: %w", v, err)
	}

	r.logger.Warn().Uint64("validTransactionNumber", v).Msg("reorg rewind complete")

	return v, nil
}

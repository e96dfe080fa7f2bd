// Package store defines the persistent-store capabilities consumed by the
// observer, plus the bbolt and Postgres implementations backing them. The
// observer core binds only to the interfaces.
package store

import (
	"context"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// Operation is one DID operation extracted from a processed anchor batch,
// grouped by DID suffix.
type Operation struct {
	DIDSuffix         string `json:"didSuffix"`
	TransactionNumber uint64 `json:"transactionNumber"`
	TransactionTime   uint64 `json:"transactionTime"`
	Type              string `json:"type"`
	Data              []byte `json:"data"`
}

// TransactionStore persists AnchorRecords in strictly increasing
// transactionNumber order.
type TransactionStore interface {
	AddTransaction(ctx context.Context, record model.AnchorRecord) error
	GetLastTransaction(ctx context.Context) (*model.AnchorRecord, error)
	RemoveTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error
	// GetExponentiallySpacedTransactions returns a sample of persisted
	// records at indices 1, 2, 4, 8, ... from the tail, newest first,
	// for the reorg rewind probe.
	GetExponentiallySpacedTransactions(ctx context.Context) ([]model.AnchorRecord, error)
}

// OperationStore persists DID operations extracted from anchor batches.
type OperationStore interface {
	InsertOrReplace(ctx context.Context, batch []Operation) error
	// Delete removes operations with transaction number strictly greater
	// than afterTransactionNumber. A nil afterTransactionNumber deletes all.
	Delete(ctx context.Context, afterTransactionNumber *uint64) error
	DeleteUpdatesEarlierThan(ctx context.Context, transactionNumber uint64) error
}

// UnresolvableTransactionStore tracks anchor records the processor could
// not resolve, with store-owned retry scheduling.
type UnresolvableTransactionStore interface {
	RecordUnresolvableTransactionFetchAttempt(ctx context.Context, record model.AnchorRecord) error
	RemoveUnresolvableTransaction(ctx context.Context, transactionNumber uint64) error
	GetUnresolvableTransactionsDueForRetry(ctx context.Context) ([]model.AnchorRecord, error)
	RemoveUnresolvableTransactionsLaterThan(ctx context.Context, transactionNumber uint64) error
}

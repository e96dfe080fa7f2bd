// Package chain defines the chain-client capability the observer consumes
// and provides a go-ethereum-backed implementation of it.
//
// The capability interface is deliberately narrow: only the methods the
// observer core actually calls. Write (anchoring) belongs to the anchorer,
// not this receive-side engine, and is not part of Client.
package chain

import (
	"context"
	"errors"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// ErrInvalidCursor is returned when a (transactionNumber, transactionTimeHash)
// cursor's hash no longer matches the chain at that height. It is the
// expected reorg signal, not a failure.
var ErrInvalidCursor = errors.New("chain: invalid cursor")

// ErrRangeTooLarge is an advisory error: the caller asked for more than
// maxBatchSize blocks in one range read. A Client MAY still succeed despite
// this; the paginator is what actually enforces the cap.
var ErrRangeTooLarge = errors.New("chain: range too large")

// LatestTime is the current chain tip.
type LatestTime struct {
	Time uint64
	Hash string
}

// ReadResult is the cursor-driven incremental read result.
type ReadResult struct {
	MoreTransactions bool
	Transactions     []model.AnchorRecord
}

// RangeOptions are recognized by GetRange.
type RangeOptions struct {
	// OmitTimestamp skips the block-header lookup for speed.
	OmitTimestamp bool
	// Filter is an opaque pass-through topic/indexed-arg filter.
	Filter any
}

// Client is the chain-client capability consumed by the observer.
type Client interface {
	// GetLatestTime returns the current chain tip.
	GetLatestTime(ctx context.Context) (LatestTime, error)

	// Read performs a cursor-driven incremental read. A nil cursor (both
	// fields zero) means "from genesis". Returns ErrInvalidCursor when
	// sinceHash no longer matches the chain at sinceNumber's height.
	Read(ctx context.Context, sinceNumber uint64, sinceHash string) (ReadResult, error)

	// GetRange performs an explicit-range read, chronological by
	// transactionNumber (ties broken by log index within block).
	GetRange(ctx context.Context, fromBlock, toBlock uint64, opts RangeOptions) ([]model.AnchorRecord, error)

	// GetFirstValidTransaction returns the newest record in sample whose
	// (number, hash) still matches the chain, or nil if none do.
	GetFirstValidTransaction(ctx context.Context, sample []model.AnchorRecord) (*model.AnchorRecord, error)

	// GetBlockNumberByHash resolves a block hash to its height.
	GetBlockNumberByHash(ctx context.Context, hash string) (uint64, error)
}

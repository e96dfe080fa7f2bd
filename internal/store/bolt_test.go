package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

func newTestBoltStore(t *testing.T, opts ...BoltOption) *BoltStore {
	t.Helper()

	s, err := NewBoltStore(filepath.Join(t.TempDir(), "observer.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func record(n, height uint64) model.AnchorRecord {
	return model.AnchorRecord{
		TransactionNumber:   n,
		TransactionTime:     height,
		TransactionTimeHash: "hash",
		AnchorString:        "1.uri",
	}
}

func TestAddAndGetLastTransaction(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	last, err := s.GetLastTransaction(ctx)
	require.NoError(t, err)
	require.Nil(t, last)

	for _, n := range []uint64{0, 1, 2} {
		require.NoError(t, s.AddTransaction(ctx, record(n, 100+n)))
	}

	last, err = s.GetLastTransaction(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last.TransactionNumber)
}

func TestRemoveTransactionsLaterThan(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for n := uint64(0); n < 10; n++ {
		require.NoError(t, s.AddTransaction(ctx, record(n, n)))
	}

	require.NoError(t, s.RemoveTransactionsLaterThan(ctx, 6))

	last, err := s.GetLastTransaction(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(6), last.TransactionNumber)
}

func TestGetExponentiallySpacedTransactions(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for n := uint64(0); n < 10; n++ {
		require.NoError(t, s.AddTransaction(ctx, record(n, n)))
	}

	sample, err := s.GetExponentiallySpacedTransactions(ctx)
	require.NoError(t, err)

	// tail indices 1, 2, 4, 8 of [9..0] newest-first
	var numbers []uint64
	for _, r := range sample {
		numbers = append(numbers, r.TransactionNumber)
	}
	require.Equal(t, []uint64{9, 8, 6, 2}, numbers)
}

func TestUnresolvableRetryLifecycle(t *testing.T) {
	s := newTestBoltStore(t, WithRetryDelays(0, 0))
	ctx := context.Background()

	require.NoError(t, s.RecordUnresolvableTransactionFetchAttempt(ctx, record(3, 3)))
	require.NoError(t, s.RecordUnresolvableTransactionFetchAttempt(ctx, record(5, 5)))

	due, err := s.GetUnresolvableTransactionsDueForRetry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, uint64(3), due[0].TransactionNumber)
	require.Equal(t, uint64(5), due[1].TransactionNumber)

	require.NoError(t, s.RemoveUnresolvableTransaction(ctx, 3))

	due, err = s.GetUnresolvableTransactionsDueForRetry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, uint64(5), due[0].TransactionNumber)
}

func TestUnresolvableBackoffDefersRetry(t *testing.T) {
	s := newTestBoltStore(t, WithRetryDelays(time.Hour, 24*time.Hour))
	ctx := context.Background()

	require.NoError(t, s.RecordUnresolvableTransactionFetchAttempt(ctx, record(1, 1)))

	due, err := s.GetUnresolvableTransactionsDueForRetry(ctx)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRemoveUnresolvableTransactionsLaterThan(t *testing.T) {
	s := newTestBoltStore(t, WithRetryDelays(0, 0))
	ctx := context.Background()

	for _, n := range []uint64{2, 4, 6, 8} {
		require.NoError(t, s.RecordUnresolvableTransactionFetchAttempt(ctx, record(n, n)))
	}

	require.NoError(t, s.RemoveUnresolvableTransactionsLaterThan(ctx, 5))

	due, err := s.GetUnresolvableTransactionsDueForRetry(ctx)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, uint64(2), due[0].TransactionNumber)
	require.Equal(t, uint64(4), due[1].TransactionNumber)
}

package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trustbloc-labs/anchor-observer/internal/chain"
	"github.com/trustbloc-labs/anchor-observer/internal/eventsink"
	"github.com/trustbloc-labs/anchor-observer/internal/lifecycle"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

type fakeChainReader struct {
	mu        sync.Mutex
	latest    chain.LatestTime
	reads     []chain.ReadResult
	readErrs  []error
	callCount int
}

func (f *fakeChainReader) GetLatestTime(ctx context.Context) (chain.LatestTime, error) {
	return f.latest, nil
}

func (f *fakeChainReader) Read(ctx context.Context, sinceNumber uint64, sinceHash string) (chain.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.callCount
	if idx >= len(f.reads) {
		idx = len(f.reads) - 1
	}
	f.callCount++

	var err error
	if idx < len(f.readErrs) {
		err = f.readErrs[idx]
	}
	return f.reads[idx], err
}

type fakeTxStore struct {
	mu    sync.Mutex
	added []model.AnchorRecord
	last  *model.AnchorRecord
}

func (f *fakeTxStore) AddTransaction(ctx context.Context, record model.AnchorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, record)
	f.last = &record
	return nil
}

func (f *fakeTxStore) GetLastTransaction(ctx context.Context) (*model.AnchorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

type fakeUnresolvableStore struct {
	mu        sync.Mutex
	attempts  []model.AnchorRecord
	removed   []uint64
	dueToSend []model.AnchorRecord
}

func (f *fakeUnresolvableStore) RecordUnresolvableTransactionFetchAttempt(ctx context.Context, record model.AnchorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, record)
	return nil
}

func (f *fakeUnresolvableStore) RemoveUnresolvableTransaction(ctx context.Context, transactionNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, transactionNumber)
	return nil
}

func (f *fakeUnresolvableStore) GetUnresolvableTransactionsDueForRetry(ctx context.Context) ([]model.AnchorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := f.dueToSend
	f.dueToSend = nil
	return due, nil
}

type fakeProcessor struct {
	result func(record model.AnchorRecord) (bool, error)
}

func (f *fakeProcessor) Process(ctx context.Context, record model.AnchorRecord) (bool, error) {
	return f.result(record)
}

type fakeSink struct {
	mu     sync.Mutex
	events []eventsink.Event
}

func (f *fakeSink) Emit(ctx context.Context, event eventsink.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func allowAllVersion(uint64) string { return "v1" }

func TestIterateConsolidatesSuccessfulRecords(t *testing.T) {
	chainReader := &fakeChainReader{
		reads: []chain.ReadResult{
			{MoreTransactions: false, Transactions: []model.AnchorRecord{
				{TransactionNumber: 0, TransactionTime: 10},
				{TransactionNumber: 1, TransactionTime: 10},
			}},
		},
	}
	txStore := &fakeTxStore{}
	unresolvable := &fakeUnresolvableStore{}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) { return true, nil }}
	limiter := NewLimiter(10, nil, allowAllVersion)

	loop := New(chainReader, txStore, unresolvable, processor, limiter, nil, eventsink.NopSink{}, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 5, ObservingInterval: time.Hour}, zerolog.Nop())

	err := loop.iterate(context.Background())
	require.NoError(t, err)
	require.Len(t, txStore.added, 2)
}

func TestIterateRecordsUnresolvableOnLogicalFailure(t *testing.T) {
	chainReader := &fakeChainReader{
		reads: []chain.ReadResult{
			{MoreTransactions: false, Transactions: []model.AnchorRecord{{TransactionNumber: 0}}},
		},
	}
	txStore := &fakeTxStore{}
	unresolvable := &fakeUnresolvableStore{}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) { return false, nil }}
	limiter := NewLimiter(10, nil, allowAllVersion)

	loop := New(chainReader, txStore, unresolvable, processor, limiter, nil, eventsink.NopSink{}, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 5, ObservingInterval: time.Hour}, zerolog.Nop())

	err := loop.iterate(context.Background())
	require.NoError(t, err)
	require.Empty(t, txStore.added)
	require.Len(t, unresolvable.attempts, 1)
}

func TestIterateFencesOnProcessorError(t *testing.T) {
	chainReader := &fakeChainReader{
		reads: []chain.ReadResult{
			{MoreTransactions: false, Transactions: []model.AnchorRecord{{TransactionNumber: 0}}},
		},
	}
	txStore := &fakeTxStore{}
	unresolvable := &fakeUnresolvableStore{}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) { return false, errors.New("boom") }}
	limiter := NewLimiter(10, nil, allowAllVersion)

	loop := New(chainReader, txStore, unresolvable, processor, limiter, nil, eventsink.NopSink{}, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 5, ObservingInterval: time.Hour}, zerolog.Nop())

	err := loop.iterate(context.Background())
	require.NoError(t, err)
	require.Empty(t, txStore.added)
	require.Equal(t, 0, loop.sequence.Len())
}

func TestBackpressureNeverExceedsMaxConcurrent(t *testing.T) {
	records := make([]model.AnchorRecord, 10)
	for i := range records {
		records[i] = model.AnchorRecord{TransactionNumber: uint64(i)}
	}

	var maxObserved int
	var mu sync.Mutex

	chainReader := &fakeChainReader{
		reads: []chain.ReadResult{{MoreTransactions: false, Transactions: records}},
	}
	txStore := &fakeTxStore{}
	unresolvable := &fakeUnresolvableStore{}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) {
		time.Sleep(10 * time.Millisecond)
		return true, nil
	}}
	limiter := NewLimiter(100, nil, allowAllVersion)

	loop := New(chainReader, txStore, unresolvable, processor, limiter, nil, eventsink.NopSink{}, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 2, ObservingInterval: time.Hour}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			inFlight := loop.sequence.InFlightCount()
			mu.Lock()
			if inFlight > maxObserved {
				maxObserved = inFlight
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	err := loop.iterate(context.Background())
	require.NoError(t, err)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxObserved, 2)
	require.Len(t, txStore.added, 10)
}

func TestIterateRewindsOnInvalidCursor(t *testing.T) {
	last := model.AnchorRecord{TransactionNumber: 10, TransactionTime: 10, TransactionTimeHash: "H10"}

	chainReader := &fakeChainReader{
		latest:   chain.LatestTime{Time: 20, Hash: "H20"},
		reads:    []chain.ReadResult{{}, {}},
		readErrs: []error{chain.ErrInvalidCursor, nil},
	}
	txStore := &fakeTxStore{last: &last}
	unresolvable := &fakeUnresolvableStore{}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) { return true, nil }}
	limiter := NewLimiter(10, nil, allowAllVersion)

	valid := model.AnchorRecord{TransactionNumber: 7}
	txPruner := &fakeTxPruner{sample: []model.AnchorRecord{last}}
	opPruner := &fakeOpPruner{}
	unresolvablePruner := &fakeUnresolvablePruner{}
	rewinder := NewRewinder(&fakeChainProbe{valid: &valid}, txPruner, opPruner, unresolvablePruner, zerolog.Nop())

	sink := &fakeSink{}
	loop := New(chainReader, txStore, unresolvable, processor, limiter, rewinder, sink, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 5, ObservingInterval: time.Hour}, zerolog.Nop())

	err := loop.iterate(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint64(7), *opPruner.deletedAfter)
	require.Equal(t, uint64(7), *unresolvablePruner.removedLaterThan)
	require.Equal(t, uint64(7), *txPruner.removedLaterThan)

	require.Len(t, sink.events, 1)
	require.Equal(t, eventsink.BlockReorganization, sink.events[0].Type)
}

func TestIterateIdlesWhenChainClientBehindCursor(t *testing.T) {
	last := model.AnchorRecord{TransactionNumber: 10, TransactionTime: 10, TransactionTimeHash: "H10"}

	chainReader := &fakeChainReader{
		latest:   chain.LatestTime{Time: 5, Hash: "H5"},
		reads:    []chain.ReadResult{{}},
		readErrs: []error{chain.ErrInvalidCursor},
	}
	txStore := &fakeTxStore{last: &last}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) { return true, nil }}
	limiter := NewLimiter(10, nil, allowAllVersion)

	sink := &fakeSink{}
	loop := New(chainReader, txStore, &fakeUnresolvableStore{}, processor, limiter, nil, sink, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 5, ObservingInterval: time.Hour}, zerolog.Nop())

	err := loop.iterate(context.Background())
	require.NoError(t, err)
	require.Empty(t, sink.events)
}

func TestSweepReprocessesDueRecords(t *testing.T) {
	chainReader := &fakeChainReader{reads: []chain.ReadResult{{MoreTransactions: false}}}
	txStore := &fakeTxStore{}
	unresolvable := &fakeUnresolvableStore{dueToSend: []model.AnchorRecord{{TransactionNumber: 3}}}
	processor := &fakeProcessor{result: func(model.AnchorRecord) (bool, error) { return true, nil }}
	limiter := NewLimiter(10, nil, allowAllVersion)

	loop := New(chainReader, txStore, unresolvable, processor, limiter, nil, eventsink.NopSink{}, lifecycle.NewStopFlag(),
		Config{MaxConcurrentDownloads: 5, ObservingInterval: time.Hour}, zerolog.Nop())

	err := loop.iterate(context.Background())
	require.NoError(t, err)
	require.Len(t, txStore.added, 1)
	require.Equal(t, uint64(3), txStore.added[0].TransactionNumber)
}

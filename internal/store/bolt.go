package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

var (
	transactionsBucket = []byte("transactions")
	unresolvableBucket = []byte("unresolvable")
)

// BoltStore is a bbolt-backed TransactionStore and
// UnresolvableTransactionStore: one file, JSON-marshaled values, one bucket
// per concern. Keys are big-endian transaction numbers so bucket order is
// transaction order.
type BoltStore struct {
	db *bbolt.DB

	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithRetryDelays overrides the default exponential unresolvable-retry
// schedule (base 1m, capped at 24h, doubling per attempt).
func WithRetryDelays(base, max time.Duration) BoltOption {
	return func(s *BoltStore) {
		s.baseRetryDelay = base
		s.maxRetryDelay = max
	}
}

// NewBoltStore opens (creating if necessary) a bbolt database at path and
// ensures both buckets exist.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(transactionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(unresolvableBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	s := &BoltStore{
		db:             db,
		baseRetryDelay: time.Minute,
		maxRetryDelay:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func transactionKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// AddTransaction persists record under its transactionNumber key.
func (s *BoltStore) AddTransaction(ctx context.Context, record model.AnchorRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal transaction: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transactionsBucket).Put(transactionKey(record.TransactionNumber), data)
	})
}

// GetLastTransaction returns the highest-numbered persisted record, or nil
// if the store is empty.
func (s *BoltStore) GetLastTransaction(ctx context.Context) (*model.AnchorRecord, error) {
	var record *model.AnchorRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transactionsBucket).Cursor()
		_, value := c.Last()
		if value == nil {
			return nil
		}

		var r model.AnchorRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("store: unmarshal transaction: %w", err)
		}
		record = &r
		return nil
	})

	return record, err
}

// RemoveTransactionsLaterThan deletes every record with transactionNumber
// strictly greater than n.
func (s *BoltStore) RemoveTransactionsLaterThan(ctx context.Context, n uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.Seek(transactionKey(n + 1)); k != nil; k, _ = c.Next() {
			key := append([]byte(nil), k...)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetExponentiallySpacedTransactions returns records at tail-indices
// 1, 2, 4, 8, ... (newest first), for the reorg rewind probe.
func (s *BoltStore) GetExponentiallySpacedTransactions(ctx context.Context) ([]model.AnchorRecord, error) {
	var all []model.AnchorRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transactionsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r model.AnchorRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("store: unmarshal transaction: %w", err)
			}
			all = append(all, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var sample []model.AnchorRecord
	for step := 1; step <= len(all); step *= 2 {
		sample = append(sample, all[step-1])
	}

	return sample, nil
}

type unresolvableEntry struct {
	Record      model.AnchorRecord `json:"record"`
	Attempts    int                `json:"attempts"`
	NextRetryAt time.Time          `json:"nextRetryAt"`
}

// RecordUnresolvableTransactionFetchAttempt records (or updates) a failed
// processing attempt, scheduling the next retry with exponential backoff.
func (s *BoltStore) RecordUnresolvableTransactionFetchAttempt(ctx context.Context, record model.AnchorRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(unresolvableBucket)
		key := transactionKey(record.TransactionNumber)

		entry := unresolvableEntry{Record: record}
		if existing := b.Get(key); existing != nil {
			if err := json.Unmarshal(existing, &entry); err != nil {
				return fmt.Errorf("store: unmarshal unresolvable entry: %w", err)
			}
		}

		entry.Attempts++
		entry.NextRetryAt = time.Now().Add(s.backoffFor(entry.Attempts))

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("store: marshal unresolvable entry: %w", err)
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) backoffFor(attempt int) time.Duration {
	delay := s.baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxRetryDelay {
			return s.maxRetryDelay
		}
	}
	return delay
}

// RemoveUnresolvableTransaction removes the entry for transactionNumber, if
// present.
func (s *BoltStore) RemoveUnresolvableTransaction(ctx context.Context, transactionNumber uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(unresolvableBucket).Delete(transactionKey(transactionNumber))
	})
}

// GetUnresolvableTransactionsDueForRetry returns every entry whose scheduled
// retry time has passed, oldest transaction number first.
func (s *BoltStore) GetUnresolvableTransactionsDueForRetry(ctx context.Context) ([]model.AnchorRecord, error) {
	var due []model.AnchorRecord
	now := time.Now()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(unresolvableBucket).ForEach(func(k, v []byte) error {
			var entry unresolvableEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("store: unmarshal unresolvable entry: %w", err)
			}
			if !entry.NextRetryAt.After(now) {
				due = append(due, entry.Record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool { return due[i].TransactionNumber < due[j].TransactionNumber })
	return due, nil
}

// RemoveUnresolvableTransactionsLaterThan deletes entries with
// transactionNumber strictly greater than n.
func (s *BoltStore) RemoveUnresolvableTransactionsLaterThan(ctx context.Context, n uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(unresolvableBucket)
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.Seek(transactionKey(n + 1)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

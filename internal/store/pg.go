package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgOperationStore is a Postgres-backed OperationStore: batched upserts
// via pgx.Batch, keyed on (did_suffix, transaction_number).
type PgOperationStore struct {
	pool *pgxpool.Pool
}

// NewPgOperationStore wraps an existing pgx pool. The caller owns migrations;
// the expected table is:
//
//	CREATE TABLE operations (
//	    did_suffix          TEXT NOT NULL,
//	    transaction_number  BIGINT NOT NULL,
//	    transaction_time    BIGINT NOT NULL,
//	    type                TEXT NOT NULL,
//	    data                BYTEA NOT NULL,
//	    PRIMARY KEY (did_suffix, transaction_number)
//	);
func NewPgOperationStore(pool *pgxpool.Pool) *PgOperationStore {
	return &PgOperationStore{pool: pool}
}

// InsertOrReplace upserts a batch of operations in one round trip.
func (s *PgOperationStore) InsertOrReplace(ctx context.Context, batch []Operation) error {
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, op := range batch {
		// A nil Data would be sent as NULL; the data column is NOT NULL.
		data := op.Data
		if data == nil {
			data = []byte{}
		}
		b.Queue(
			`INSERT INTO operations (did_suffix, transaction_number, transaction_time, type, data)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (did_suffix, transaction_number) DO UPDATE
			 SET transaction_time = EXCLUDED.transaction_time,
			     type = EXCLUDED.type,
			     data = EXCLUDED.data`,
			op.DIDSuffix, op.TransactionNumber, op.TransactionTime, op.Type, data,
		)
	}

	results := s.pool.SendBatch(ctx, b)
	defer results.Close()

	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: insert operation batch: %w", err)
		}
	}

	return nil
}

// Delete removes operations with transaction number strictly greater than
// afterTransactionNumber, or all operations when afterTransactionNumber is nil.
func (s *PgOperationStore) Delete(ctx context.Context, afterTransactionNumber *uint64) error {
	var err error
	if afterTransactionNumber == nil {
		_, err = s.pool.Exec(ctx, `DELETE FROM operations`)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM operations WHERE transaction_number > $1`, *afterTransactionNumber)
	}
	if err != nil {
		return fmt.Errorf("store: delete operations: %w", err)
	}
	return nil
}

// DeleteUpdatesEarlierThan prunes operations superseded before
// transactionNumber, keeping only the latest update per DID suffix that
// remains reachable — used to bound storage growth for long-lived DIDs.
func (s *PgOperationStore) DeleteUpdatesEarlierThan(ctx context.Context, transactionNumber uint64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM operations o
		WHERE o.transaction_number < $1
		  AND EXISTS (
		      SELECT 1 FROM operations newer
		      WHERE newer.did_suffix = o.did_suffix
		        AND newer.transaction_number > o.transaction_number
		  )`, transactionNumber)
	if err != nil {
		return fmt.Errorf("store: delete superseded operations: %w", err)
	}
	return nil
}

// Package paginator wraps a chain reader with sub-range splitting and
// per-range retry/backoff, so callers can request arbitrarily wide block
// ranges without hammering the RPC endpoint.
package paginator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/chain"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// Reader is the subset of chain.Client the Paginator drives.
type Reader interface {
	GetRange(ctx context.Context, fromBlock, toBlock uint64, opts chain.RangeOptions) ([]model.AnchorRecord, error)
}

// Config bounds the Paginator's behavior.
type Config struct {
	DefaultBatchSize uint64
	MaxBatchSize     uint64
	MaxRetries       int
	RetryDelay       time.Duration
}

// DefaultConfig returns the balanced defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBatchSize: 1000,
		MaxBatchSize:     10000,
		MaxRetries:       3,
		RetryDelay:       time.Second,
	}
}

// Paginator splits wide ranges into DefaultBatchSize-sized sub-ranges and
// retries each with linear backoff before giving up on the whole walk.
type Paginator struct {
	reader Reader
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and returns a Paginator over reader.
func New(reader Reader, cfg Config, logger zerolog.Logger) (*Paginator, error) {
	if cfg.DefaultBatchSize == 0 || cfg.DefaultBatchSize > cfg.MaxBatchSize {
		return nil, fmt.Errorf("paginator: invalid batch sizes: default=%d max=%d", cfg.DefaultBatchSize, cfg.MaxBatchSize)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("paginator: maxRetries must be >= 1, got %d", cfg.MaxRetries)
	}

	return &Paginator{
		reader: reader,
		cfg:    cfg,
		logger: logger.With().Str("component", "paginator").Logger(),
	}, nil
}

// Walk reads [from, to] as a sequence of sub-ranges, in order. A sub-range
// whose final retry attempt fails aborts the walk; records collected from
// already-completed sub-ranges are returned alongside the error so the
// caller can persist the valid prefix and resume from it on the next start.
func (p *Paginator) Walk(ctx context.Context, from, to uint64, opts chain.RangeOptions) ([]model.AnchorRecord, error) {
	if from > to {
		return nil, fmt.Errorf("paginator: invalid range [%d, %d]", from, to)
	}

	var all []model.AnchorRecord

	for start := from; start <= to; start += p.cfg.DefaultBatchSize {
		end := start + p.cfg.DefaultBatchSize - 1
		if end > to {
			end = to
		}

		records, err := p.fetchWithRetry(ctx, start, end, opts)
		if err != nil {
			return all, fmt.Errorf("paginator: sub-range [%d, %d] exhausted retries: %w", start, end, err)
		}

		all = append(all, records...)

		if end == to {
			break
		}
	}

	return all, nil
}

func (p *Paginator) fetchWithRetry(ctx context.Context, from, to uint64, opts chain.RangeOptions) ([]model.AnchorRecord, error) {
	var records []model.AnchorRecord
	attempt := 0

	operation := func() error {
		attempt++
		var err error
		records, err = p.reader.GetRange(ctx, from, to, opts)
		if err != nil && errors.Is(err, chain.ErrRangeTooLarge) {
			// Advisory only: records were still returned.
			return nil
		}
		if err != nil {
			p.logger.Warn().Err(err).Int("attempt", attempt).Uint64("from", from).Uint64("to", to).Msg("range fetch failed, retrying")
		}
		return err
	}

	policy := backoff.WithContext(&linearBackOff{delay: p.cfg.RetryDelay, maxAttempts: p.cfg.MaxRetries}, ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return records, nil
}

// linearBackOff implements backoff.BackOff with a delay × attemptIndex
// schedule, capped at maxAttempts total tries.
type linearBackOff struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

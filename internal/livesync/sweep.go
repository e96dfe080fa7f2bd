package livesync

import (
	"context"
	"fmt"
)

// sweep retries unresolvable transactions: fetch records due for retry,
// enqueue them into the same under-processing discipline, and await their
// collective completion before the next scheduled iteration. Due-for-retry
// policy is owned by the unresolvable store; this only drives the sweep.
func (l *Loop) sweep(ctx context.Context) error {
	due, err := l.unresolvable.GetUnresolvableTransactionsDueForRetry(ctx)
	if err != nil {
		return fmt.Errorf("livesync: get unresolvable transactions due for retry: %w", err)
	}

	if len(due) == 0 {
		return nil
	}

	l.logger.Info().Int("count", len(due)).Msg("sweeping unresolvable transactions due for retry")

	for _, record := range due {
		if err := l.waitForSlot(ctx); err != nil {
			return err
		}
		entry := l.sequence.Append(record)
		go l.runTask(ctx, entry)
	}

	if err := l.drainInFlight(ctx); err != nil {
		return err
	}

	l.consolidate(ctx)

	return nil
}

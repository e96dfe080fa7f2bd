package livesync

import (
	"sync"
	"sync/atomic"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// entry is one member of the transactions-under-processing sequence: a
// single consumer (the consolidator) trims the head while many producers
// (the processing tasks) mutate only the status field, which is why status
// and success are atomics rather than plain fields.
type entry struct {
	record  model.AnchorRecord
	status  atomic.Int32
	success atomic.Bool
}

func newEntry(record model.AnchorRecord) *entry {
	e := &entry{record: record}
	e.status.Store(int32(model.StatusProcessing))
	return e
}

// MarkProcessed records a completed attempt: success=true means the
// processor returned true (persist); success=false means it returned false
// (logical/unresolvable failure, do not persist).
func (e *entry) MarkProcessed(success bool) {
	e.success.Store(success)
	e.status.Store(int32(model.StatusProcessed))
}

// MarkError records a fatal processing error.
func (e *entry) MarkError() {
	e.status.Store(int32(model.StatusError))
}

func (e *entry) Status() model.TransactionStatus {
	return model.TransactionStatus(e.status.Load())
}

// Outcome is a consolidated entry's record plus whether the processor
// reported success (true) or a logical failure (false).
type Outcome struct {
	Record  model.AnchorRecord
	Success bool
}

// Sequence is the transactions-under-processing queue: appended by the
// enqueuer, trimmed by the consolidator, with status mutated by each
// processing task.
type Sequence struct {
	mu      sync.Mutex
	entries []*entry
}

// NewSequence returns an empty Sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Append adds record to the tail in Processing status and returns its entry
// handle, used by the processing task to report its outcome.
func (s *Sequence) Append(record model.AnchorRecord) *entry {
	e := newEntry(record)
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e
}

// Consolidate walks the sequence from its head, collecting every
// consecutive Processed entry and removing it, stopping at the first
// non-Processed entry.
func (s *Sequence) Consolidate() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	var outcomes []Outcome
	for i < len(s.entries) && s.entries[i].Status() == model.StatusProcessed {
		outcomes = append(outcomes, Outcome{Record: s.entries[i].record, Success: s.entries[i].success.Load()})
		i++
	}
	s.entries = s.entries[i:]

	return outcomes
}

// HasError reports whether any entry currently in the sequence is in Error
// status.
func (s *Sequence) HasError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Status() == model.StatusError {
			return true
		}
	}
	return false
}

// InFlightCount returns the number of entries still in Processing status.
func (s *Sequence) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if e.Status() == model.StatusProcessing {
			count++
		}
	}
	return count
}

// Clear discards every entry, used after the error-fencing drain.
func (s *Sequence) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Len returns the current sequence length.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

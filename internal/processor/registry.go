// Package processor dispatches an AnchorRecord to the protocol-version
// processor responsible for its transactionTime band.
package processor

import (
	"context"
	"fmt"
	"sort"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// VersionProcessor resolves one anchor record's off-chain data and persists
// its operations. It returns (true, nil) on full success, (false, nil) on
// logical failure (size limits, malformed deltas, missing CAS content
// after timeout — the record is unresolvable and may be retried later),
// and a non-nil error only for a fatal condition that should fence the
// pipeline.
type VersionProcessor interface {
	Process(ctx context.Context, record model.AnchorRecord) (bool, error)
}

type versionBand struct {
	effectiveSince uint64
	name           string
	processor      VersionProcessor
}

// Registry maps a transactionTime to the VersionProcessor responsible for
// it. Bands are registered with their effective-since block height; lookup
// picks the band with the greatest effectiveSince not exceeding the given
// transactionTime.
type Registry struct {
	bands []versionBand
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a processor effective from (and including) effectiveSince.
func (r *Registry) Register(effectiveSince uint64, name string, p VersionProcessor) {
	r.bands = append(r.bands, versionBand{effectiveSince: effectiveSince, name: name, processor: p})
	sort.Slice(r.bands, func(i, j int) bool { return r.bands[i].effectiveSince < r.bands[j].effectiveSince })
}

// Resolve returns the processor covering transactionTime.
func (r *Registry) Resolve(transactionTime uint64) (VersionProcessor, error) {
	var match *versionBand
	for i := range r.bands {
		if r.bands[i].effectiveSince > transactionTime {
			break
		}
		match = &r.bands[i]
	}

	if match == nil {
		return nil, fmt.Errorf("processor: no version covers transactionTime %d", transactionTime)
	}

	return match.processor, nil
}

// Process dispatches record to its covering version and runs it.
func (r *Registry) Process(ctx context.Context, record model.AnchorRecord) (bool, error) {
	p, err := r.Resolve(record.TransactionTime)
	if err != nil {
		return false, err
	}

	return p.Process(ctx, record)
}

// BandCount returns the number of registered version bands.
func (r *Registry) BandCount() int { return len(r.bands) }

// VersionName returns the name of the version band covering transactionTime,
// or "" if none matches. Keys the live loop's per-version admission caps.
func (r *Registry) VersionName(transactionTime uint64) string {
	var name string
	for i := range r.bands {
		if r.bands[i].effectiveSince > transactionTime {
			break
		}
		name = r.bands[i].name
	}
	return name
}

// Package sidetree implements the default VersionProcessor for the
// sidetree anchoring protocol: walk the anchor file graph (core index ->
// provisional index -> chunk files), collect per-suffix operations, and
// persist them as one batch.
package sidetree

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/anchorstring"
	"github.com/trustbloc-labs/anchor-observer/internal/cas"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
	"github.com/trustbloc-labs/anchor-observer/internal/store"
)

// CoreIndexFile is the root of the anchor file graph: the file whose CID is
// embedded in the anchor string itself.
type CoreIndexFile struct {
	ProvisionalIndexFileURI string          `json:"provisionalIndexFileUri,omitempty"`
	CoreProofFileURI        string          `json:"coreProofFileUri,omitempty"`
	Operations              CoreOperations  `json:"operations"`
}

// CoreOperations holds the operation types anchored directly in the core
// index file.
type CoreOperations struct {
	Create     []SuffixOperation `json:"create,omitempty"`
	Recover    []SuffixOperation `json:"recover,omitempty"`
	Deactivate []SuffixOperation `json:"deactivate,omitempty"`
}

// ProvisionalIndexFile references chunk files and carries update operations.
type ProvisionalIndexFile struct {
	Chunks                  []ChunkEntry         `json:"chunks,omitempty"`
	ProvisionalProofFileURI string               `json:"provisionalProofFileUri,omitempty"`
	Operations              ProvisionalOperations `json:"operations"`
}

// ProvisionalOperations holds operations anchored via the provisional index.
type ProvisionalOperations struct {
	Update []SuffixOperation `json:"update,omitempty"`
}

// ChunkEntry points at one chunk file.
type ChunkEntry struct {
	ChunkFileURI string `json:"chunkFileUri"`
}

// ChunkFile carries the state-delta payloads referenced by index-file
// operations; deltas are opaque to this processor (wire format is a
// non-goal). Process downloads each chunk file so that a missing one makes
// the record unresolvable, but it does not persist the deltas.
type ChunkFile struct {
	Deltas []json.RawMessage `json:"deltas"`
}

// SuffixOperation is one DID operation referenced from an index file.
type SuffixOperation struct {
	DIDSuffix string `json:"didSuffix"`
}

// Processor is the sidetree VersionProcessor.
type Processor struct {
	cas        cas.Store
	operations store.OperationStore

	downloadTimeout time.Duration
	maxFileSize     int64

	logger zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithDownloadTimeout overrides the default 10s CAS read timeout.
func WithDownloadTimeout(d time.Duration) Option {
	return func(p *Processor) { p.downloadTimeout = d }
}

// WithMaxFileSize bounds any single CAS read; 0 means unbounded.
func WithMaxFileSize(n int64) Option {
	return func(p *Processor) { p.maxFileSize = n }
}

// New constructs a sidetree Processor.
func New(casStore cas.Store, operations store.OperationStore, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		cas:             casStore,
		operations:      operations,
		downloadTimeout: 10 * time.Second,
		logger:          logger.With().Str("component", "processor.sidetree").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements processor.VersionProcessor.
func (p *Processor) Process(ctx context.Context, record model.AnchorRecord) (bool, error) {
	_, coreURI, err := anchorstring.Decode(record.AnchorString)
	if err != nil {
		p.logger.Warn().Err(err).Uint64("transactionNumber", record.TransactionNumber).Msg("malformed anchor string")
		return false, nil
	}

	var coreIndex CoreIndexFile
	if ok, err := p.fetchJSON(ctx, coreURI, &coreIndex); err != nil {
		return false, fmt.Errorf("sidetree: fetch core index file: %w", err)
	} else if !ok {
		return false, nil
	}

	batch := make([]store.Operation, 0, len(coreIndex.Operations.Create)+len(coreIndex.Operations.Recover)+len(coreIndex.Operations.Deactivate))
	batch = appendSuffixOps(batch, coreIndex.Operations.Create, "create", record)
	batch = appendSuffixOps(batch, coreIndex.Operations.Recover, "recover", record)
	batch = appendSuffixOps(batch, coreIndex.Operations.Deactivate, "deactivate", record)

	if coreIndex.ProvisionalIndexFileURI != "" {
		var provisionalIndex ProvisionalIndexFile
		ok, err := p.fetchJSON(ctx, coreIndex.ProvisionalIndexFileURI, &provisionalIndex)
		if err != nil {
			return false, fmt.Errorf("sidetree: fetch provisional index file: %w", err)
		}
		if !ok {
			return false, nil
		}

		batch = appendSuffixOps(batch, provisionalIndex.Operations.Update, "update", record)

		for _, chunk := range provisionalIndex.Chunks {
			var chunkFile ChunkFile
			ok, err := p.fetchJSON(ctx, chunk.ChunkFileURI, &chunkFile)
			if err != nil {
				return false, fmt.Errorf("sidetree: fetch chunk file: %w", err)
			}
			if !ok {
				return false, nil
			}
		}
	}

	if len(batch) == 0 {
		return true, nil
	}

	if err := p.operations.InsertOrReplace(ctx, batch); err != nil {
		return false, fmt.Errorf("sidetree: persist operations: %w", err)
	}

	return true, nil
}

// fetchJSON downloads uri via CAS and unmarshals it into v. ok is false for
// a logical (unresolvable) failure: NotFound, MaxSizeExceeded, or malformed
// JSON. A non-nil error means a fatal transport failure.
func (p *Processor) fetchJSON(ctx context.Context, uri string, v any) (ok bool, err error) {
	result, err := p.cas.Read(ctx, uri, p.downloadTimeout, p.maxFileSize)
	if err != nil {
		return false, err
	}
	if result.Code != cas.Success {
		p.logger.Debug().Str("uri", uri).Str("code", result.Code.String()).Msg("cas read not successful")
		return false, nil
	}
	if err := json.Unmarshal(result.Content, v); err != nil {
		p.logger.Warn().Err(err).Str("uri", uri).Msg("malformed file content")
		return false, nil
	}
	return true, nil
}

func appendSuffixOps(batch []store.Operation, ops []SuffixOperation, opType string, record model.AnchorRecord) []store.Operation {
	for _, op := range ops {
		batch = append(batch, store.Operation{
			DIDSuffix:         op.DIDSuffix,
			TransactionNumber: record.TransactionNumber,
			TransactionTime:   record.TransactionTime,
			Type:              opType,
		})
	}
	return batch
}

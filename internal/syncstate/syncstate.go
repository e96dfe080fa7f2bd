// Package syncstate implements the sync-state machine: the on-start
// decision between historical catch-up and live polling, plus the mutable
// SyncState, owned exclusively by this machine and the historical loop and
// read-only to everyone else.
package syncstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustbloc-labs/anchor-observer/internal/chain"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// ChainTip is the subset of the chain-client capability the machine needs.
type ChainTip interface {
	GetLatestTime(ctx context.Context) (chain.LatestTime, error)
	GetBlockNumberByHash(ctx context.Context, hash string) (uint64, error)
}

// LastTransactionReader is the subset of TransactionStore the machine needs.
type LastTransactionReader interface {
	GetLastTransaction(ctx context.Context) (*model.AnchorRecord, error)
}

// Config parameterizes the historical/live decision.
type Config struct {
	// HistoricalBatchSize is the gap threshold below which a single live
	// iteration is cheaper than resuming historical mode.
	HistoricalBatchSize uint64
	// ContractDeploymentBlock seeds a cold start with no persisted records.
	ContractDeploymentBlock uint64
}

// Machine owns the mutable SyncState.
type Machine struct {
	mu    sync.RWMutex
	state model.SyncState
}

// Decide runs the on-start procedure and returns a Machine seeded with the
// resulting state: no persisted record means a cold historical start from
// the deployment block; otherwise the gap between the last record's height
// and the chain tip decides between resuming historical and going live.
// The batch size is the cheapest gap probe: below it, a single live-loop
// iteration catches up.
func Decide(ctx context.Context, chainClient ChainTip, txStore LastTransactionReader, cfg Config) (*Machine, error) {
	tip, err := chainClient.GetLatestTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncstate: get latest time: %w", err)
	}

	lastRecord, err := txStore.GetLastTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncstate: get last transaction: %w", err)
	}

	if lastRecord == nil {
		return &Machine{state: model.SyncState{
			Phase:                   model.PhaseHistorical,
			LastSyncedBlock:         cfg.ContractDeploymentBlock,
			TargetBlock:             tip.Time,
			ContractDeploymentBlock: cfg.ContractDeploymentBlock,
			IsComplete:              false,
		}}, nil
	}

	lastHeight := lastRecord.TransactionTime
	if height, err := chainClient.GetBlockNumberByHash(ctx, lastRecord.TransactionTimeHash); err == nil {
		lastHeight = height
	}
	// If the hash no longer resolves, the last-known height is the best
	// available estimate; the live loop's own reorg handling will correct
	// it on the first iteration.

	var gap uint64
	if tip.Time > lastHeight {
		gap = tip.Time - lastHeight
	}

	if gap > cfg.HistoricalBatchSize {
		return &Machine{state: model.SyncState{
			Phase:                   model.PhaseHistorical,
			LastSyncedBlock:         lastHeight,
			TargetBlock:             tip.Time,
			ContractDeploymentBlock: cfg.ContractDeploymentBlock,
			IsComplete:              false,
		}}, nil
	}

	return &Machine{state: model.SyncState{
		Phase:                   model.PhaseLive,
		LastSyncedBlock:         lastHeight,
		TargetBlock:             tip.Time,
		ContractDeploymentBlock: cfg.ContractDeploymentBlock,
		IsComplete:              true,
	}}, nil
}

// Get returns a snapshot of the current state.
func (m *Machine) Get() model.SyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AdvanceHistorical records progress within historical mode and, once
// lastSyncedBlock reaches targetBlock, transitions one-way to Live. Live
// never returns to Historical within the same process lifetime; a forced
// resync means a restart.
func (m *Machine) AdvanceHistorical(lastSyncedBlock uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LastSyncedBlock = lastSyncedBlock
	if m.state.LastSyncedBlock >= m.state.TargetBlock {
		m.state.Phase = model.PhaseLive
		m.state.IsComplete = true
	}
}

// UpdateTarget refreshes the chain-tip estimate the historical loop is
// walking toward.
func (m *Machine) UpdateTarget(targetBlock uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.TargetBlock = targetBlock
}

// Progress returns lastSyncedBlock/targetBlock as a percentage, for
// operator-facing stall detection.
func (m *Machine) Progress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state.TargetBlock == 0 {
		return 0
	}
	return float64(m.state.LastSyncedBlock) / float64(m.state.TargetBlock) * 100
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/anchorstring"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
	"github.com/trustbloc-labs/anchor-observer/pkg/contracts"
)

// EthClient implements Client over a go-ethereum JSON-RPC connection,
// decoding the anchor contract's AnchorCommitted log into AnchorRecords.
type EthClient struct {
	rpc      *ethclient.Client
	contract *contracts.AnchorContract
	address  common.Address
	logger   zerolog.Logger

	// maxBatchSize is advisory: GetRange still attempts wider ranges but
	// reports ErrRangeTooLarge alongside a successful result.
	maxBatchSize uint64
}

// Config configures an EthClient.
type Config struct {
	RPCURL          string
	ContractAddress common.Address
	ChainID         int64
	MaxBatchSize    uint64
}

// NewEthClient dials the RPC endpoint and verifies the chain ID when one
// is configured.
func NewEthClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	if cfg.ChainID != 0 {
		actual, err := rpc.ChainID(ctx)
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("chain: get chain id: %w", err)
		}
		if actual.Cmp(big.NewInt(cfg.ChainID)) != 0 {
			rpc.Close()
			return nil, fmt.Errorf("chain: chain id mismatch: expected %d, got %d", cfg.ChainID, actual)
		}
	}

	maxBatch := cfg.MaxBatchSize
	if maxBatch == 0 {
		maxBatch = 10000
	}

	logger.Info().
		Str("rpc_url", cfg.RPCURL).
		Str("contract", cfg.ContractAddress.Hex()).
		Msg("chain client initialized")

	return &EthClient{
		rpc:          rpc,
		contract:     contracts.NewAnchorContract(cfg.ContractAddress, rpc),
		address:      cfg.ContractAddress,
		logger:       logger.With().Str("component", "chain").Logger(),
		maxBatchSize: maxBatch,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *EthClient) Close() { c.rpc.Close() }

// GetLatestTime returns the current chain tip.
func (c *EthClient) GetLatestTime(ctx context.Context) (LatestTime, error) {
	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return LatestTime{}, fmt.Errorf("chain: get latest header: %w", err)
	}

	return LatestTime{Time: header.Number.Uint64(), Hash: header.Hash().Hex()}, nil
}

// GetBlockNumberByHash resolves a block hash to its height.
func (c *EthClient) GetBlockNumberByHash(ctx context.Context, hash string) (uint64, error) {
	header, err := c.rpc.HeaderByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return 0, fmt.Errorf("chain: get header by hash %s: %w", hash, err)
	}

	return header.Number.Uint64(), nil
}

// GetRange performs an explicit-range read of AnchorCommitted logs, ordered
// chronologically by transactionNumber (ties resolved by log index).
func (c *EthClient) GetRange(ctx context.Context, fromBlock, toBlock uint64, opts RangeOptions) ([]model.AnchorRecord, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("chain: invalid range [%d, %d]", fromBlock, toBlock)
	}

	end := toBlock
	it, err := c.contract.FilterAnchorCommitted(&bind.FilterOpts{
		Start:   fromBlock,
		End:     &end,
		Context: ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter anchor logs: %w", err)
	}
	defer it.Close()

	var records []model.AnchorRecord
	for it.Next() {
		rec, err := c.decode(ctx, it.Event, opts.OmitTimestamp)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("chain: iterate anchor logs: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].TransactionNumber < records[j].TransactionNumber
	})

	if toBlock-fromBlock > c.maxBatchSize {
		return records, fmt.Errorf("%w: [%d,%d] exceeds %d", ErrRangeTooLarge, fromBlock, toBlock, c.maxBatchSize)
	}

	return records, nil
}

// Read performs a cursor-driven incremental read from (sinceNumber,
// sinceHash) to the current tip.
func (c *EthClient) Read(ctx context.Context, sinceNumber uint64, sinceHash string) (ReadResult, error) {
	latest, err := c.GetLatestTime(ctx)
	if err != nil {
		return ReadResult{}, err
	}

	fromBlock := uint64(0)

	if sinceHash != "" {
		height, err := c.GetBlockNumberByHash(ctx, sinceHash)
		if err != nil {
			// The hash is no longer resolvable on the canonical chain: a reorg.
			return ReadResult{}, ErrInvalidCursor
		}
		fromBlock = height
	}

	if fromBlock > latest.Time {
		return ReadResult{MoreTransactions: false}, nil
	}

	records, rangeErr := c.GetRange(ctx, fromBlock, latest.Time, RangeOptions{})
	if rangeErr != nil && !isRangeTooLarge(rangeErr) {
		return ReadResult{}, rangeErr
	}

	filtered := records[:0:0]
	for _, r := range records {
		if r.TransactionNumber > sinceNumber {
			filtered = append(filtered, r)
		}
	}

	// "Chain has more anchors after cursor" is unknowable cheaply from a
	// single filter call, so report "more" when the read saturated
	// maxBatchSize worth of blocks. A spurious true only costs one extra
	// empty iteration; a spurious false is caught on the next tick.
	more := latest.Time-fromBlock >= c.maxBatchSize

	return ReadResult{MoreTransactions: more, Transactions: filtered}, nil
}

// GetFirstValidTransaction returns the newest record in sample whose
// (number, hash) still matches the canonical chain.
func (c *EthClient) GetFirstValidTransaction(ctx context.Context, sample []model.AnchorRecord) (*model.AnchorRecord, error) {
	sorted := make([]model.AnchorRecord, len(sample))
	copy(sorted, sample)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TransactionNumber > sorted[j].TransactionNumber
	})

	for i := range sorted {
		height, err := c.GetBlockNumberByHash(ctx, sorted[i].TransactionTimeHash)
		if err != nil {
			continue // hash no longer canonical, try the next (older) sample
		}
		if height == sorted[i].TransactionTime {
			rec := sorted[i]
			return &rec, nil
		}
	}

	return nil, nil
}

func (c *EthClient) decode(ctx context.Context, event *contracts.AnchorContractAnchorCommitted, omitTimestamp bool) (model.AnchorRecord, error) {
	var digest [32]byte
	copy(digest[:], event.AnchorFileHash[:])

	anchorString, err := anchorstring.Encode(event.NumberOfOperations.Uint64(), digest)
	if err != nil {
		return model.AnchorRecord{}, err
	}

	rec := model.AnchorRecord{
		TransactionNumber:   event.TransactionNumber.Uint64(),
		TransactionTime:     event.Raw.BlockNumber,
		TransactionTimeHash: event.Raw.BlockHash.Hex(),
		AnchorString:        anchorString,
		Writer:              event.Writer.Hex(),
	}

	if !omitTimestamp {
		header, err := c.rpc.HeaderByHash(ctx, event.Raw.BlockHash)
		if err != nil {
			return model.AnchorRecord{}, fmt.Errorf("chain: get header for timestamp: %w", err)
		}
		ts := time.Unix(int64(header.Time), 0).UTC()
		rec.TransactionTimestamp = &ts
	}

	return rec, nil
}

func isRangeTooLarge(err error) bool {
	return err != nil && errors.Is(err, ErrRangeTooLarge)
}

// GetLatestBlockNumber is a convenience used by the deployment-block
// fallback and by callers that only need the height.
func (c *EthClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: get latest block number: %w", err)
	}
	return n, nil
}

// HasCode reports whether the contract address has code at blockNumber; used
// by DeriveDeploymentBlock's binary search.
func (c *EthClient) HasCode(ctx context.Context, blockNumber uint64) (bool, error) {
	code, err := c.rpc.CodeAt(ctx, c.address, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return false, fmt.Errorf("chain: get code at %d: %w", blockNumber, err)
	}
	return len(code) > 0, nil
}

// DeriveDeploymentBlock binary-searches for the first block at which the
// anchor contract has code. Costs O(log N) eth_getCode calls, so it is a
// fallback only; prefer an operator-configured deployment block.
func DeriveDeploymentBlock(ctx context.Context, c *EthClient, latest uint64) (uint64, error) {
	lo, hi := uint64(0), latest
	for lo < hi {
		mid := lo + (hi-lo)/2
		has, err := c.HasCode(ctx, mid)
		if err != nil {
			return 0, err
		}
		if has {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// Package contracts provides a hand-trimmed abigen-style binding for the
// anchor contract: just enough of the generated surface (event struct,
// filter iterator, topic hash, ABI-decode helper) to support the chain
// reader. A full abigen binding would include the write-side methods
// (anchor/write) that this receive-side observer never calls.
package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// anchorContractABI is the minimal ABI fragment needed to decode the
// AnchorCommitted event. The indexed parameters (writer) are read straight
// off log.Topics; only the non-indexed data fields go through ABI unpacking.
const anchorContractABI = `[{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes32","name":"anchorFileHash","type":"bytes32"},{"indexed":false,"internalType":"uint256","name":"numberOfOperations","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"transactionNumber","type":"uint256"},{"indexed":true,"internalType":"address","name":"writer","type":"address"}],"name":"AnchorCommitted","type":"event"}]`

// AnchorCommittedEventName is the name abigen would give this event.
const AnchorCommittedEventName = "AnchorCommitted"

var parsedAnchorContractABI abi.ABI

// AnchorCommittedSig is the Keccak-256 topic hash for
// AnchorCommitted(bytes32,uint256,uint256,address).
var AnchorCommittedSig = crypto.Keccak256Hash([]byte("AnchorCommitted(bytes32,uint256,uint256,address)"))

func init() {
	parsed, err := abi.JSON(strings.NewReader(anchorContractABI))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid embedded ABI: %v", err))
	}
	parsedAnchorContractABI = parsed
}

// AnchorContract is a thin read-only binding over the anchor contract,
// abigen-style: construct with NewAnchorContract, then Filter/Parse events.
type AnchorContract struct {
	address common.Address
	filterer bind.ContractFilterer
}

// NewAnchorContract binds to the anchor contract's logs at address using
// filterer (typically *ethclient.Client).
func NewAnchorContract(address common.Address, filterer bind.ContractFilterer) *AnchorContract {
	return &AnchorContract{address: address, filterer: filterer}
}

// AnchorContractAnchorCommitted is the abigen-style decoded event struct.
type AnchorContractAnchorCommitted struct {
	AnchorFileHash     [32]byte
	NumberOfOperations *big.Int
	TransactionNumber  *big.Int
	Writer             common.Address
	Raw                types.Log
}

// AnchorContractAnchorCommittedIterator iterates over AnchorCommitted logs,
// mirroring the iterator abigen generates for bind.ContractFilterer results.
type AnchorContractAnchorCommittedIterator struct {
	logs  []types.Log
	index int
	Event *AnchorContractAnchorCommitted
	err   error
}

// Next advances the iterator, decoding the next log into Event. Returns
// false when exhausted or on decode error (check Error()).
func (it *AnchorContractAnchorCommittedIterator) Next() bool {
	if it.index >= len(it.logs) {
		return false
	}

	log := it.logs[it.index]
	it.index++

	event, err := parseAnchorCommitted(log)
	if err != nil {
		it.err = err
		return false
	}

	it.Event = event
	return true
}

// Error returns the first decode error encountered, if any.
func (it *AnchorContractAnchorCommittedIterator) Error() error { return it.err }

// Close is a no-op for the in-memory iterator; kept for abigen-shape parity.
func (it *AnchorContractAnchorCommittedIterator) Close() error { return nil }

// FilterAnchorCommitted queries AnchorCommitted logs emitted by the contract
// in [fromBlock, toBlock].
func (c *AnchorContract) FilterAnchorCommitted(opts *bind.FilterOpts) (*AnchorContractAnchorCommittedIterator, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{AnchorCommittedSig}},
	}
	if opts != nil {
		query.FromBlock = new(big.Int).SetUint64(opts.Start)
		if opts.End != nil {
			query.ToBlock = new(big.Int).SetUint64(*opts.End)
		}
	}

	ctx := context.Background()
	if opts != nil && opts.Context != nil {
		ctx = opts.Context
	}

	logs, err := c.filterer.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("contracts: filter AnchorCommitted logs: %w", err)
	}

	return &AnchorContractAnchorCommittedIterator{logs: logs}, nil
}

// ParseAnchorCommitted decodes a single raw log into the typed event.
func ParseAnchorCommitted(log types.Log) (*AnchorContractAnchorCommitted, error) {
	return parseAnchorCommitted(log)
}

func parseAnchorCommitted(log types.Log) (*AnchorContractAnchorCommitted, error) {
	if len(log.Topics) == 0 || log.Topics[0] != AnchorCommittedSig {
		return nil, fmt.Errorf("contracts: log is not an AnchorCommitted event")
	}
	if len(log.Topics) != 2 {
		return nil, fmt.Errorf("contracts: invalid AnchorCommitted topics: expected 2, got %d", len(log.Topics))
	}

	event := new(AnchorContractAnchorCommitted)
	if err := parsedAnchorContractABI.UnpackIntoInterface(event, AnchorCommittedEventName, log.Data); err != nil {
		return nil, fmt.Errorf("contracts: unpack AnchorCommitted data: %w", err)
	}

	event.Writer = common.BytesToAddress(log.Topics[1].Bytes())
	event.Raw = log

	return event, nil
}

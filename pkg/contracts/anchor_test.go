package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func anchorLog(t *testing.T, digest [32]byte, numberOfOperations, transactionNumber uint64, writer common.Address) types.Log {
	t.Helper()

	data := make([]byte, 0, 96)
	data = append(data, digest[:]...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(numberOfOperations).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(transactionNumber).Bytes(), 32)...)

	return types.Log{
		Topics: []common.Hash{
			AnchorCommittedSig,
			common.BytesToHash(common.LeftPadBytes(writer.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: 100,
	}
}

func TestParseAnchorCommitted(t *testing.T) {
	var digest [32]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	writer := common.HexToAddress("0x3333333333333333333333333333333333333333")

	event, err := ParseAnchorCommitted(anchorLog(t, digest, 12, 7, writer))
	require.NoError(t, err)

	require.Equal(t, digest, event.AnchorFileHash)
	require.Equal(t, uint64(12), event.NumberOfOperations.Uint64())
	require.Equal(t, uint64(7), event.TransactionNumber.Uint64())
	require.Equal(t, writer, event.Writer)
	require.Equal(t, uint64(100), event.Raw.BlockNumber)
}

func TestParseAnchorCommittedRejectsForeignLog(t *testing.T) {
	_, err := ParseAnchorCommitted(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.Error(t, err)

	_, err = ParseAnchorCommitted(types.Log{Topics: []common.Hash{AnchorCommittedSig}})
	require.Error(t, err)
}

func TestIteratorDecodesInOrder(t *testing.T) {
	var digest [32]byte
	writer := common.HexToAddress("0x3333333333333333333333333333333333333333")

	it := &AnchorContractAnchorCommittedIterator{logs: []types.Log{
		anchorLog(t, digest, 1, 0, writer),
		anchorLog(t, digest, 2, 1, writer),
	}}

	var numbers []uint64
	for it.Next() {
		numbers = append(numbers, it.Event.TransactionNumber.Uint64())
	}
	require.NoError(t, it.Error())
	require.Equal(t, []uint64{0, 1}, numbers)
}

package livesync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

func TestLimiterCapsPerBlockPerVersion(t *testing.T) {
	records := []model.AnchorRecord{
		{TransactionNumber: 0, TransactionTime: 100},
		{TransactionNumber: 1, TransactionTime: 100},
		{TransactionNumber: 2, TransactionTime: 100},
		{TransactionNumber: 3, TransactionTime: 200},
	}

	limiter := NewLimiter(2, nil, func(uint64) string { return "v1" })
	admitted := limiter.Admit(records)

	require.Len(t, admitted, 3) // 2 from block 100, 1 from block 200
}

func TestLimiterPerVersionOverride(t *testing.T) {
	records := []model.AnchorRecord{
		{TransactionNumber: 0, TransactionTime: 100},
		{TransactionNumber: 1, TransactionTime: 100},
		{TransactionNumber: 2, TransactionTime: 100},
	}

	limiter := NewLimiter(1, map[string]int{"v2": 5}, func(uint64) string { return "v2" })
	admitted := limiter.Admit(records)

	require.Len(t, admitted, 3)
}

func TestLimiterStableSortsByTransactionNumber(t *testing.T) {
	records := []model.AnchorRecord{
		{TransactionNumber: 5, TransactionTime: 100},
		{TransactionNumber: 2, TransactionTime: 200},
		{TransactionNumber: 3, TransactionTime: 300},
	}

	limiter := NewLimiter(10, nil, func(uint64) string { return "v1" })
	admitted := limiter.Admit(records)

	require.Equal(t, []uint64{2, 3, 5}, []uint64{admitted[0].TransactionNumber, admitted[1].TransactionNumber, admitted[2].TransactionNumber})
}

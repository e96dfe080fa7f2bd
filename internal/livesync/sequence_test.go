package livesync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

func TestConsolidateStopsAtFirstNonProcessed(t *testing.T) {
	s := NewSequence()

	e0 := s.Append(model.AnchorRecord{TransactionNumber: 0})
	e1 := s.Append(model.AnchorRecord{TransactionNumber: 1})
	s.Append(model.AnchorRecord{TransactionNumber: 2})

	e0.MarkProcessed(true)
	e1.MarkProcessed(false)

	outcomes := s.Consolidate()
	require.Len(t, outcomes, 2)
	require.True(t, outcomes[0].Success)
	require.False(t, outcomes[1].Success)
	require.Equal(t, 1, s.Len()) // entry 2 still processing

	// entry 2 is still processing, so the next pass collects nothing
	outcomes = s.Consolidate()
	require.Empty(t, outcomes)
}

func TestHasErrorAndInFlightCount(t *testing.T) {
	s := NewSequence()

	e0 := s.Append(model.AnchorRecord{TransactionNumber: 0})
	e1 := s.Append(model.AnchorRecord{TransactionNumber: 1})

	require.Equal(t, 2, s.InFlightCount())
	require.False(t, s.HasError())

	e0.MarkProcessed(true)
	require.Equal(t, 1, s.InFlightCount())

	e1.MarkError()
	require.Equal(t, 0, s.InFlightCount())
	require.True(t, s.HasError())
}

func TestClearDiscardsAllEntries(t *testing.T) {
	s := NewSequence()
	s.Append(model.AnchorRecord{TransactionNumber: 0})
	s.Append(model.AnchorRecord{TransactionNumber: 1})

	s.Clear()
	require.Equal(t, 0, s.Len())
	require.False(t, s.HasError())
}

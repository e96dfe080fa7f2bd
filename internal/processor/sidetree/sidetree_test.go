package sidetree

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/trustbloc-labs/anchor-observer/internal/anchorstring"
	"github.com/trustbloc-labs/anchor-observer/internal/cas"
	"github.com/trustbloc-labs/anchor-observer/internal/model"
	"github.com/trustbloc-labs/anchor-observer/internal/store"
)

type fakeCAS struct {
	files map[string][]byte
}

func (f *fakeCAS) Read(ctx context.Context, uri string, timeout time.Duration, maxSize int64) (cas.ReadResult, error) {
	content, ok := f.files[uri]
	if !ok {
		return cas.ReadResult{Code: cas.NotFound}, nil
	}
	if maxSize > 0 && int64(len(content)) > maxSize {
		return cas.ReadResult{Code: cas.MaxSizeExceeded}, nil
	}
	return cas.ReadResult{Code: cas.Success, Content: content}, nil
}

func (f *fakeCAS) Write(ctx context.Context, content []byte) (string, error) {
	digest := sha256.Sum256(content)
	uri, err := anchorstring.EncodeCASURI(digest)
	if err != nil {
		return "", err
	}
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[uri] = content
	return uri, nil
}

type fakeOperationStore struct {
	batches [][]store.Operation
}

func (f *fakeOperationStore) InsertOrReplace(ctx context.Context, batch []store.Operation) error {
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeOperationStore) Delete(ctx context.Context, afterTransactionNumber *uint64) error {
	return nil
}

func (f *fakeOperationStore) DeleteUpdatesEarlierThan(ctx context.Context, transactionNumber uint64) error {
	return nil
}

// anchorFor writes the file graph to the CAS and returns an anchor string
// whose URI points at the core index file.
func anchorFor(t *testing.T, c *fakeCAS, numberOfOperations uint64, coreIndex []byte) string {
	t.Helper()

	digest := sha256.Sum256(coreIndex)
	uri, err := anchorstring.EncodeCASURI(digest)
	require.NoError(t, err)
	if c.files == nil {
		c.files = make(map[string][]byte)
	}
	c.files[uri] = coreIndex

	s, err := anchorstring.Encode(numberOfOperations, digest)
	require.NoError(t, err)
	return s
}

func TestProcessWalksAnchorFileGraph(t *testing.T) {
	c := &fakeCAS{files: map[string][]byte{
		"provisional-uri": []byte(`{"chunks":[{"chunkFileUri":"chunk-uri"}],"operations":{"update":[{"didSuffix":"upd1"}]}}`),
		"chunk-uri":       []byte(`{"deltas":[]}`),
	}}
	anchor := anchorFor(t, c, 3, []byte(`{"provisionalIndexFileUri":"provisional-uri","operations":{"create":[{"didSuffix":"cr1"},{"didSuffix":"cr2"}],"deactivate":[{"didSuffix":"de1"}]}}`))

	ops := &fakeOperationStore{}
	p := New(c, ops, zerolog.Nop())

	ok, err := p.Process(context.Background(), model.AnchorRecord{
		TransactionNumber: 7,
		TransactionTime:   100,
		AnchorString:      anchor,
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, ops.batches, 1)
	batch := ops.batches[0]
	require.Len(t, batch, 4)

	byType := map[string][]string{}
	for _, op := range batch {
		byType[op.Type] = append(byType[op.Type], op.DIDSuffix)
		require.Equal(t, uint64(7), op.TransactionNumber)
		require.Equal(t, uint64(100), op.TransactionTime)
	}
	require.Equal(t, []string{"cr1", "cr2"}, byType["create"])
	require.Equal(t, []string{"de1"}, byType["deactivate"])
	require.Equal(t, []string{"upd1"}, byType["update"])
}

func TestProcessUnresolvableOnMissingCoreIndex(t *testing.T) {
	c := &fakeCAS{}
	// anchor string points at content the CAS does not hold
	digest := sha256.Sum256([]byte("missing"))
	anchor, err := anchorstring.Encode(1, digest)
	require.NoError(t, err)

	ops := &fakeOperationStore{}
	p := New(c, ops, zerolog.Nop())

	ok, err := p.Process(context.Background(), model.AnchorRecord{AnchorString: anchor})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, ops.batches)
}

func TestProcessUnresolvableOnMissingChunkFile(t *testing.T) {
	c := &fakeCAS{files: map[string][]byte{
		"provisional-uri": []byte(`{"chunks":[{"chunkFileUri":"gone"}],"operations":{}}`),
	}}
	anchor := anchorFor(t, c, 1, []byte(`{"provisionalIndexFileUri":"provisional-uri","operations":{"create":[{"didSuffix":"cr1"}]}}`))

	ops := &fakeOperationStore{}
	p := New(c, ops, zerolog.Nop())

	ok, err := p.Process(context.Background(), model.AnchorRecord{AnchorString: anchor})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, ops.batches)
}

func TestProcessUnresolvableOnMalformedAnchorString(t *testing.T) {
	p := New(&fakeCAS{}, &fakeOperationStore{}, zerolog.Nop())

	ok, err := p.Process(context.Background(), model.AnchorRecord{AnchorString: "not-an-anchor-string"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessUnresolvableOnOversizedFile(t *testing.T) {
	c := &fakeCAS{}
	anchor := anchorFor(t, c, 1, []byte(`{"operations":{"create":[{"didSuffix":"cr1"},{"didSuffix":"cr2"}]}}`))

	ops := &fakeOperationStore{}
	p := New(c, ops, zerolog.Nop(), WithMaxFileSize(4))

	ok, err := p.Process(context.Background(), model.AnchorRecord{AnchorString: anchor})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, ops.batches)
}

package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSStore is an IPFS-backed Store over the go-ipfs HTTP API.
type IPFSStore struct {
	shell *shell.Shell
}

// NewIPFSStore connects to an IPFS HTTP API at apiURL (e.g. "localhost:5001").
func NewIPFSStore(apiURL string) *IPFSStore {
	return &IPFSStore{shell: shell.NewShell(apiURL)}
}

// Read fetches the object at uri (an IPFS CID). A context deadline or the
// timeout parameter, whichever is sooner, bounds reading the content once
// the Cat request has returned; a read cut off that way maps to NotFound.
// The Cat request itself is not given the context or the timeout; any
// error it returns also maps to NotFound.
func (s *IPFSStore) Read(ctx context.Context, uri string, timeout time.Duration, maxSize int64) (ReadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, err := s.shell.Cat(uri)
	if err != nil {
		// IPFS has no content at uri, or the dial itself timed out: both
		// map to NotFound.
		return ReadResult{Code: NotFound}, nil
	}
	defer reader.Close()

	done := make(chan struct{})
	var content []byte
	var readErr error

	go func() {
		defer close(done)
		if maxSize > 0 {
			limited := io.LimitReader(reader, maxSize+1)
			content, readErr = io.ReadAll(limited)
		} else {
			content, readErr = io.ReadAll(reader)
		}
	}()

	select {
	case <-ctx.Done():
		return ReadResult{Code: NotFound}, nil
	case <-done:
	}

	if readErr != nil {
		return ReadResult{Code: Error}, fmt.Errorf("cas: read %s: %w", uri, readErr)
	}

	if maxSize > 0 && int64(len(content)) > maxSize {
		return ReadResult{Code: MaxSizeExceeded}, nil
	}

	return ReadResult{Code: Success, Content: content}, nil
}

// Write adds content to IPFS and returns its CID.
func (s *IPFSStore) Write(ctx context.Context, content []byte) (string, error) {
	cid, err := s.shell.Add(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("cas: write: %w", err)
	}
	return cid, nil
}

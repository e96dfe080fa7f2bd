// Package anchorstring implements the canonical, bit-exact anchor string
// encoding shared with on-chain consumers: "<numberOfOperations>.<casUri>".
//
// casUri is a base58-encoded multihash: a 2-byte multihash prefix (0x12 0x20
// for SHA2-256, 32 bytes) followed by the raw digest read from the anchor
// contract log's anchorFileHash field. Both directions must round-trip.
package anchorstring

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// ErrMalformed is returned when a string does not have the
// "<count>.<cas-uri>" shape.
var ErrMalformed = errors.New("anchorstring: malformed anchor string")

// Encode produces the canonical anchor string for a batch of
// numberOfOperations whose Core Index File digest is anchorFileHash (a raw,
// un-prefixed SHA2-256 digest as read from the contract log).
func Encode(numberOfOperations uint64, anchorFileHash [32]byte) (string, error) {
	uri, err := EncodeCASURI(anchorFileHash)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d.%s", numberOfOperations, uri), nil
}

// EncodeCASURI multihash-wraps and base58-encodes a raw 32-byte SHA2-256
// digest into a CAS URI.
func EncodeCASURI(digest [32]byte) (string, error) {
	mh, err := multihash.Encode(digest[:], multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("anchorstring: encode multihash: %w", err)
	}

	return base58.Encode(mh), nil
}

// Decode splits an anchor string into its operation count and CAS URI.
func Decode(anchorString string) (numberOfOperations uint64, casURI string, err error) {
	parts := strings.SplitN(anchorString, ".", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformed, anchorString)
	}

	n, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: operation count: %s", ErrMalformed, err)
	}

	if parts[1] == "" {
		return 0, "", fmt.Errorf("%w: empty cas uri", ErrMalformed)
	}

	return n, parts[1], nil
}

// DecodeCASURIHash reverses EncodeCASURI, returning the raw 32-byte SHA2-256
// digest embedded in the multihash.
func DecodeCASURIHash(casURI string) ([32]byte, error) {
	var digest [32]byte

	raw, err := base58.Decode(casURI)
	if err != nil {
		return digest, fmt.Errorf("anchorstring: base58 decode: %w", err)
	}

	decoded, err := multihash.Decode(raw)
	if err != nil {
		return digest, fmt.Errorf("anchorstring: multihash decode: %w", err)
	}

	if decoded.Code != multihash.SHA2_256 {
		return digest, fmt.Errorf("anchorstring: unexpected multihash code %d", decoded.Code)
	}

	if len(decoded.Digest) != len(digest) {
		return digest, fmt.Errorf("anchorstring: unexpected digest length %d", len(decoded.Digest))
	}

	copy(digest[:], decoded.Digest)

	return digest, nil
}

package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound    = errors.New("content: not found")
	ErrInvalidCID  = errors.New("content: invalid cid")
	ErrCIDMismatch = errors.New("content: cid mismatch")
	ErrTooLarge    = errors.New("content: object too large")
)

// ParseCID validates a content identifier.
func ParseCID(s string) (cid.Cid, error) {
	id, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	if !id.Defined() {
		return cid.Undef, ErrInvalidCID
	}
	return id, nil
}

// RawCID returns the CIDv1 (raw codec, sha2-256) of data. This is the id
// IPFS assigns a single-block file added with raw leaves.
func RawCID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Verify checks data against id when id addresses raw bytes. Other codecs
// hash an encoded DAG node rather than the file, so they are not checked.
func Verify(id cid.Cid, data []byte) error {
	if id.Prefix().Codec != cid.Raw {
		return nil
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("content: hash data: %w", err)
	}
	if !got.Equals(id) {
		return ErrCIDMismatch
	}
	return nil
}

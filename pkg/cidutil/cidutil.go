package cidutil

import (
	"bytes"
	"fmt"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Builder creates and verifies chunk CIDs. Chunk CIDs are computed over the
// stored bytes (post-compression, post-seal) so storage nodes can verify
// integrity without holding any key.
type Builder interface {
	ChunkCID(stored []byte) (core.CID, error)
	Verify(c core.CID, stored []byte) error
}

type builder struct{}

// NewBuilder returns a new CID builder implementation.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) ChunkCID(stored []byte) (core.CID, error) {
	hash, err := multihash.Sum(stored, multihash.SHA2_256, -1)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to compute multihash: %w", err)
	}

	c := cid.NewCidV1(cid.Raw, hash)
	return core.CID{Bytes: c.Bytes()}, nil
}

func (b *builder) Verify(c core.CID, stored []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID bytes: %v", core.ErrCorrupt, err)
	}

	prefix := id.Prefix()
	hash, err := multihash.Sum(stored, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}

	if !bytes.Equal(id.Hash(), hash) {
		return fmt.Errorf("%w: CID mismatch", core.ErrCorrupt)
	}

	return nil
}

// Format renders a CID in its canonical string form for URLs and JSON.
func Format(c core.CID) (string, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: invalid CID bytes: %v", core.ErrInvalidInput, err)
	}
	return id.String(), nil
}

// MustFormat is Format for CIDs already known to be well formed.
func MustFormat(c core.CID) string {
	s, err := Format(c)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse decodes the canonical string form back into CID bytes.
func Parse(s string) (core.CID, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return core.CID{}, fmt.Errorf("%w: invalid CID %q: %v", core.ErrInvalidInput, s, err)
	}
	return core.CID{Bytes: id.Bytes()}, nil
}

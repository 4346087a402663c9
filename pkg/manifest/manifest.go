package manifest

import (
	"fmt"
	"time"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// Version is the current manifest schema version.
const Version = 1

// Manifest is the durable record of one uploaded file: where its chunks
// live and the key that opens them. Manifests are mutable (healing and node
// death rewrite holder lists) and are sealed with the coordinator master key
// at rest; DataKey is the per-file key for the chunk payloads themselves.
type Manifest struct {
	Version  uint16      `cbor:"version"`
	FileID   core.FileID `cbor:"file_id"`
	Filename string      `cbor:"filename"`
	Length   uint64      `cbor:"length"`

	ChunkingMode string `cbor:"chunking_mode,omitempty"`
	ChunkSize    int    `cbor:"chunk_size,omitempty"`

	DataKey []byte             `cbor:"data_key"`
	Chunks  []core.ChunkRecord `cbor:"chunks"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// Record returns the chunk record with the given CID, or nil.
func (m *Manifest) Record(c core.CID) *core.ChunkRecord {
	for i := range m.Chunks {
		if m.Chunks[i].CID.Equal(c) {
			return &m.Chunks[i]
		}
	}
	return nil
}

// ScrubHolder removes a node from every chunk record and returns the CIDs
// whose replica count dropped below want.
func (m *Manifest) ScrubHolder(id core.NodeID, want int) []core.CID {
	var degraded []core.CID
	for i := range m.Chunks {
		if m.Chunks[i].RemoveHolder(id) && len(m.Chunks[i].Holders) < want {
			degraded = append(degraded, m.Chunks[i].CID)
		}
	}
	return degraded
}

// Codec defines the interface for manifest encoding/decoding and validation.
type Codec interface {
	Encode(m *Manifest) ([]byte, error)
	Decode(b []byte) (*Manifest, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a new Codec implementation.
func NewCodec(limits core.LimitsConfig) Codec {
	// Use canonical CBOR encoding (Core Deterministic Encoding Requirements)
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{
		limits:  limits,
		encMode: em,
	}
}

func (c *codec) Encode(m *Manifest) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	return c.encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrCorrupt, err)
	}

	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}

	return &m, nil
}

func (c *codec) validate(m *Manifest) error {
	if m.Version != Version {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	if m.FileID == "" {
		return fmt.Errorf("missing file ID")
	}

	if c.limits.MaxFilenameLen > 0 && len(m.Filename) > c.limits.MaxFilenameLen {
		return fmt.Errorf("filename too long: %d > %d", len(m.Filename), c.limits.MaxFilenameLen)
	}

	if c.limits.MaxChunksPerFile > 0 && uint32(len(m.Chunks)) > c.limits.MaxChunksPerFile {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxChunksPerFile)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		if len(chunk.CID.Bytes) == 0 {
			return fmt.Errorf("chunk %d has empty CID", i)
		}
		if chunk.Index != uint32(i) {
			return fmt.Errorf("chunk %d has index %d; records must be in stream order", i, chunk.Index)
		}
		seen := make(map[core.NodeID]struct{}, len(chunk.Holders))
		for _, h := range chunk.Holders {
			if _, dup := seen[h]; dup {
				return fmt.Errorf("chunk %d lists holder %s twice", i, h)
			}
			seen[h] = struct{}{}
		}
		sumLength += uint64(chunk.Len)
	}

	if sumLength != m.Length {
		return fmt.Errorf("length mismatch: manifest says %d, chunks sum to %d", m.Length, sumLength)
	}

	if m.Length == 0 && len(m.Chunks) > 0 {
		return fmt.Errorf("length is 0 but chunks are present")
	}

	return nil
}

package core

import (
	"time"

	"github.com/google/uuid"
)

// CID represents binary CID bytes.
type CID struct {
	Bytes []byte
}

// Equal reports whether two CIDs carry the same bytes.
func (c CID) Equal(other CID) bool {
	if len(c.Bytes) != len(other.Bytes) {
		return false
	}
	for i := range c.Bytes {
		if c.Bytes[i] != other.Bytes[i] {
			return false
		}
	}
	return true
}

// NodeID identifies a storage node in the network.
type NodeID string

// FileID identifies an uploaded file and its manifest.
type FileID string

// NewFileID generates a file ID of the form "file-xxxxxx".
func NewFileID() FileID {
	return FileID("file-" + uuid.NewString()[:6])
}

// NewNodeID generates a node ID of the form "node-xxxxxx".
func NewNodeID() NodeID {
	return NodeID("node-" + uuid.NewString()[:6])
}

// NodeState describes the liveness of a registered node.
type NodeState string

const (
	NodeAlive NodeState = "alive"
	NodeDead  NodeState = "dead"
)

// NodeInfo is what the coordinator knows about one storage node.
type NodeInfo struct {
	ID               NodeID    `json:"node_id"`
	Address          string    `json:"address"` // host:port of the node's chunk API
	StorageAvailable uint64    `json:"storage_available"`
	ChunkCount       uint64    `json:"chunk_count"`
	LastSeen         time.Time `json:"last_seen"`
	State            NodeState `json:"state"`
}

// ChunkRecord ties one chunk of a file to the nodes holding its replicas.
// Index is the chunk's position in the original byte stream; Len is the
// plaintext length before the transform pipeline.
type ChunkRecord struct {
	CID     CID      `json:"-" cbor:"cid"`
	Index   uint32   `json:"index" cbor:"index"`
	Len     uint32   `json:"len" cbor:"len"`
	Holders []NodeID `json:"node_ids" cbor:"holders"`
}

// HasHolder reports whether the record already lists the given node.
func (r *ChunkRecord) HasHolder(id NodeID) bool {
	for _, h := range r.Holders {
		if h == id {
			return true
		}
	}
	return false
}

// AddHolder appends a holder unless it is already present.
func (r *ChunkRecord) AddHolder(id NodeID) {
	if !r.HasHolder(id) {
		r.Holders = append(r.Holders, id)
	}
}

// RemoveHolder drops a holder from the record and reports whether it was present.
func (r *ChunkRecord) RemoveHolder(id NodeID) bool {
	for i, h := range r.Holders {
		if h == id {
			r.Holders = append(r.Holders[:i], r.Holders[i+1:]...)
			return true
		}
	}
	return false
}

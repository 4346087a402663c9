package coordinator

import (
	"sync"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/manifest"
)

// chunkIndex is the coordinator's in-memory chunk location map. It is
// derived state: rebuilt from the manifest store at startup and kept
// current by uploads, healing, manual assignment and node eviction.
type chunkIndex struct {
	mu      sync.RWMutex
	holders map[string][]core.NodeID // keyed by raw CID bytes
}

func newChunkIndex() *chunkIndex {
	return &chunkIndex{holders: make(map[string][]core.NodeID)}
}

// IndexManifest replaces the holder set of every chunk the manifest records.
func (x *chunkIndex) IndexManifest(m *manifest.Manifest) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range m.Chunks {
		rec := &m.Chunks[i]
		x.holders[string(rec.CID.Bytes)] = append([]core.NodeID(nil), rec.Holders...)
	}
}

// Add records one more holder for a chunk. Idempotent.
func (x *chunkIndex) Add(c core.CID, id core.NodeID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := string(c.Bytes)
	for _, h := range x.holders[key] {
		if h == id {
			return
		}
	}
	x.holders[key] = append(x.holders[key], id)
}

// Locations reports the nodes believed to hold a chunk.
func (x *chunkIndex) Locations(c core.CID) ([]core.NodeID, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids, ok := x.holders[string(c.Bytes)]
	if !ok {
		return nil, false
	}
	return append([]core.NodeID(nil), ids...), true
}

// DropNode removes a node from every chunk's holder set. Chunks left with
// zero holders stay indexed so their loss remains visible.
func (x *chunkIndex) DropNode(id core.NodeID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for key, ids := range x.holders {
		for i, h := range ids {
			if h == id {
				x.holders[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// Len reports the number of distinct chunks indexed.
func (x *chunkIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.holders)
}

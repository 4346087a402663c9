package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agenthands/chunknet/pkg/core"
)

// Stats carries the optional load report a node attaches to a heartbeat.
type Stats struct {
	StorageAvailable uint64
	ChunkCount       uint64
}

// Registry tracks the storage nodes the coordinator currently trusts.
// State is held in memory only: after a coordinator restart the registry
// refills as nodes re-register and heartbeat.
type Registry struct {
	timeout time.Duration

	mu    sync.RWMutex
	nodes map[core.NodeID]*core.NodeInfo
}

// New returns an empty registry. Nodes silent for longer than timeout are
// removed by Sweep.
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = core.DefaultHeartbeatTimeout
	}
	return &Registry{
		timeout: timeout,
		nodes:   make(map[core.NodeID]*core.NodeInfo),
	}
}

// Register upserts a node. Re-registration refreshes the address and
// storage figures; it never loses chunk assignments, which live in
// manifests.
func (r *Registry) Register(info core.NodeInfo) error {
	if info.ID == "" {
		return fmt.Errorf("%w: missing node ID", core.ErrInvalidInput)
	}
	if info.Address == "" {
		return fmt.Errorf("%w: missing node address", core.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info.LastSeen = time.Now()
	info.State = core.NodeAlive
	r.nodes[info.ID] = &info
	return nil
}

// Heartbeat refreshes a node's last-seen time. Unknown nodes are rejected:
// a heartbeat never implies registration.
func (r *Registry) Heartbeat(id core.NodeID, stats *Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotRegistered, id)
	}

	n.LastSeen = time.Now()
	if stats != nil {
		n.StorageAvailable = stats.StorageAvailable
		n.ChunkCount = stats.ChunkCount
	}
	return nil
}

// Node returns a snapshot of one node.
func (r *Registry) Node(id core.NodeID) (core.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return core.NodeInfo{}, false
	}
	return *n, true
}

// Nodes returns a snapshot of every registered node, sorted by ID.
func (r *Registry) Nodes() []core.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Pick selects up to n distinct nodes uniformly at random, skipping any in
// exclude. It returns fewer than n when the registry is smaller than asked.
func (r *Registry) Pick(n int, exclude map[core.NodeID]struct{}) []core.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]core.NodeInfo, 0, len(r.nodes))
	for id, info := range r.nodes {
		if _, skip := exclude[id]; skip {
			continue
		}
		candidates = append(candidates, *info)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

// Sweep drops every node whose last heartbeat is older than the timeout and
// returns the evicted nodes marked dead. The caller owns follow-up work
// (scrubbing manifests, queueing heals).
func (r *Registry) Sweep(now time.Time) []core.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []core.NodeInfo
	for id, n := range r.nodes {
		if now.Sub(n.LastSeen) > r.timeout {
			dead := *n
			dead.State = core.NodeDead
			evicted = append(evicted, dead)
			delete(r.nodes, id)
		}
	}

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })
	return evicted
}

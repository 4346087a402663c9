// Package healing restores chunk replication after node loss.
//
// Repairs flow through a FIFO queue of (file, chunk) tasks. The runner
// drains the queue on a ticker or when kicked, copies each degraded chunk
// from a surviving holder to replacement nodes, and rewrites the file's
// manifest to match.
package healing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/manifest"
	"github.com/agenthands/chunknet/pkg/registry"
)

// Task names one chunk of one file that may be under-replicated.
type Task struct {
	FileID core.FileID
	Chunk  core.CID
}

func (t Task) key() string {
	return string(t.FileID) + "\x00" + string(t.Chunk.Bytes)
}

// Transport moves sealed chunk bytes between nodes.
// *client.NodeClient satisfies it.
type Transport interface {
	FetchChunk(ctx context.Context, addr string, chunk core.CID) ([]byte, error)
	StoreChunk(ctx context.Context, addr string, chunk core.CID, stored []byte) error
}

// Index is told when a repair rewrites a manifest's holder sets, so that
// chunk location lookups stay consistent. May be nil.
type Index interface {
	IndexManifest(m *manifest.Manifest)
}

// Config controls the repair loop.
type Config struct {
	// Replication is the target copy count per chunk, capped by the
	// number of live nodes.
	Replication int
	// Interval is how often the queue is drained absent a kick.
	Interval time.Duration
	// FetchTimeout bounds each per-node fetch or store during a repair.
	FetchTimeout time.Duration
}

// Result summarizes one drain of the queue.
type Result struct {
	Healed  int // chunks that gained at least one copy
	Dropped int // tasks that needed nothing or could never be repaired
	Failed  int // tasks that errored and were requeued
}

// errTaskGone marks tasks whose manifest or record no longer exists.
var errTaskGone = errors.New("task target gone")

// queue is a FIFO of tasks with duplicate suppression: a task already
// waiting is not enqueued again.
type queue struct {
	mu      sync.Mutex
	tasks   []Task
	pending map[string]struct{}
}

func (q *queue) push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		q.pending = make(map[string]struct{})
	}
	k := t.key()
	if _, ok := q.pending[k]; ok {
		return false
	}
	q.pending[k] = struct{}{}
	q.tasks = append(q.tasks, t)
	return true
}

func (q *queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	delete(q.pending, t.key())
	return t, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Runner drives the repair loop.
type Runner struct {
	cfg       Config
	registry  *registry.Registry
	manifests *manifest.Store
	transport Transport
	index     Index
	logger    *zap.Logger

	queue queue
	kick  chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRunner wires a runner over the registry and manifest store. A nil
// logger is replaced with a nop logger; a nil index disables location
// updates.
func NewRunner(cfg Config, reg *registry.Registry, manifests *manifest.Store, transport Transport, index Index, logger *zap.Logger) *Runner {
	if cfg.Replication <= 0 {
		cfg.Replication = core.DefaultReplicationFactor
	}
	if cfg.Interval <= 0 {
		cfg.Interval = core.DefaultHealingInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		registry:  reg,
		manifests: manifests,
		transport: transport,
		index:     index,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue queues a chunk for repair, waking the runner. Reports whether the
// task was new; duplicates of a still-pending task are suppressed.
func (r *Runner) Enqueue(fileID core.FileID, chunk core.CID) bool {
	if !r.queue.push(Task{FileID: fileID, Chunk: chunk}) {
		return false
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
	return true
}

// Pending reports the number of queued tasks.
func (r *Runner) Pending() int {
	return r.queue.len()
}

// Start launches the repair loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
			case <-r.kick:
			}

			res, err := r.RunOnce(ctx)
			if err != nil {
				return
			}
			if res.Healed > 0 || res.Dropped > 0 || res.Failed > 0 {
				r.logger.Info("healing pass finished",
					zap.Int("healed", res.Healed),
					zap.Int("dropped", res.Dropped),
					zap.Int("failed", res.Failed))
			}
		}
	}()
}

// Stop halts the loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		close(r.stopCh)
	}
}

// RunOnce drains the tasks queued at the time of the call. Tasks that fail
// transiently are requeued for the next pass; tasks that can never succeed
// are dropped. The only returned error is the context's.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	// Bound the pass so requeued failures do not spin within it.
	n := r.queue.len()
	for i := 0; i < n; i++ {
		task, ok := r.queue.pop()
		if !ok {
			break
		}

		placed, err := r.healOne(ctx, task)
		switch {
		case err == nil && placed > 0:
			res.Healed++
		case err == nil:
			res.Dropped++
		case errors.Is(err, errTaskGone):
			res.Dropped++
		case errors.Is(err, core.ErrUnhealable):
			res.Dropped++
			r.logger.Warn("chunk lost beyond repair",
				zap.String("file_id", string(task.FileID)),
				zap.String("chunk_id", cidutil.MustFormat(task.Chunk)))
		case ctx.Err() != nil:
			r.queue.push(task)
			return res, ctx.Err()
		default:
			res.Failed++
			r.queue.push(task)
			r.logger.Warn("chunk repair failed",
				zap.String("file_id", string(task.FileID)),
				zap.String("chunk_id", cidutil.MustFormat(task.Chunk)),
				zap.Error(err))
		}
	}
	return res, nil
}

// healOne repairs a single chunk: it prunes dead holders from the record,
// copies the chunk from a surviving holder onto replacement nodes, and
// persists the updated manifest. Returns the number of new copies placed.
func (r *Runner) healOne(ctx context.Context, task Task) (int, error) {
	m, err := r.manifests.Load(task.FileID)
	if errors.Is(err, core.ErrNotFound) {
		return 0, errTaskGone
	}
	if err != nil {
		return 0, err
	}

	rec := m.Record(task.Chunk)
	if rec == nil {
		return 0, errTaskGone
	}

	// Split recorded holders into live donors and dead weight.
	donors := make([]core.NodeInfo, 0, len(rec.Holders))
	liveHolders := make([]core.NodeID, 0, len(rec.Holders))
	exclude := make(map[core.NodeID]struct{}, len(rec.Holders))
	for _, id := range rec.Holders {
		info, ok := r.registry.Node(id)
		if !ok {
			continue
		}
		donors = append(donors, info)
		liveHolders = append(liveHolders, id)
		exclude[id] = struct{}{}
	}

	if len(donors) == 0 {
		return 0, fmt.Errorf("no live holder for chunk: %w", core.ErrUnhealable)
	}
	pruned := len(liveHolders) != len(rec.Holders)

	target := r.cfg.Replication
	if n := r.registry.Len(); n < target {
		target = n
	}
	needed := target - len(donors)

	var placed int
	if needed > 0 {
		candidates := r.registry.Pick(needed, exclude)

		var stored []byte
		if len(candidates) > 0 {
			stored, err = r.fetchFromAny(ctx, donors, task.Chunk)
			if err != nil {
				return 0, err
			}
		}

		rec.Holders = liveHolders
		for _, cand := range candidates {
			sctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
			err := r.transport.StoreChunk(sctx, cand.Address, task.Chunk, stored)
			cancel()
			if err != nil {
				r.logger.Warn("replacement store failed",
					zap.String("node_id", string(cand.ID)),
					zap.Error(err))
				continue
			}
			rec.AddHolder(cand.ID)
			placed++
		}
	} else {
		rec.Holders = liveHolders
	}

	if placed > 0 || pruned {
		m.UpdatedAt = time.Now().UTC()
		if err := r.manifests.Save(m); err != nil {
			return placed, fmt.Errorf("persisting repaired manifest: %w", err)
		}
		if r.index != nil {
			r.index.IndexManifest(m)
		}
	}

	if needed > 0 && placed < needed {
		return placed, fmt.Errorf("placed %d of %d replacement copies", placed, needed)
	}
	return placed, nil
}

// fetchFromAny tries each donor in random order until one serves the chunk.
func (r *Runner) fetchFromAny(ctx context.Context, donors []core.NodeInfo, chunk core.CID) ([]byte, error) {
	rand.Shuffle(len(donors), func(i, j int) {
		donors[i], donors[j] = donors[j], donors[i]
	})

	var lastErr error
	for _, donor := range donors {
		fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		stored, err := r.transport.FetchChunk(fctx, donor.Address, chunk)
		cancel()
		if err == nil {
			return stored, nil
		}
		lastErr = err
		r.logger.Warn("donor fetch failed",
			zap.String("node_id", string(donor.ID)),
			zap.Error(err))
	}
	return nil, fmt.Errorf("no donor served chunk: %w", lastErr)
}

// Scan walks every manifest and queues chunks whose live copy count is
// below target, or whose record lists holders no longer registered.
// Returns the number of newly queued tasks.
func (r *Runner) Scan(ctx context.Context) (int, error) {
	ids, err := r.manifests.List()
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return queued, err
		}

		m, err := r.manifests.Load(id)
		if err != nil {
			r.logger.Warn("skipping unreadable manifest",
				zap.String("file_id", string(id)),
				zap.Error(err))
			continue
		}

		target := r.cfg.Replication
		if n := r.registry.Len(); n < target {
			target = n
		}

		for i := range m.Chunks {
			rec := &m.Chunks[i]
			live := 0
			for _, h := range rec.Holders {
				if _, ok := r.registry.Node(h); ok {
					live++
				}
			}
			if live < target || live < len(rec.Holders) {
				if r.Enqueue(id, rec.CID) {
					queued++
				}
			}
		}
	}
	return queued, nil
}

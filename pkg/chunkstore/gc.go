package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/cockroachdb/pebble"
	carv2 "github.com/ipld/go-car/v2"
	"go.uber.org/zap"
)

// compactThreshold is the live-block fraction below which a sealed pack is
// rewritten instead of merely kept.
const compactThreshold = 0.5

// GCResult reports what one GC pass did.
type GCResult struct {
	PacksSwept  int
	BlocksMoved int
}

// GC reclaims pack space. Deleted chunks leave dead blocks behind in their
// packs; this pass removes sealed packs with no live blocks and compacts
// sealed packs whose live fraction fell under the threshold by re-writing
// the survivors into the active pack.
func (s *Store) GC(ctx context.Context) (GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res GCResult
	if s.closed {
		return res, core.ErrClosed
	}

	liveByPack, err := s.liveByPackLocked()
	if err != nil {
		return res, fmt.Errorf("mark failed: %w", err)
	}

	var toCompact, toSweep []uint64
	for id := range s.sealed {
		total, err := s.countPackBlocks(ctx, id)
		if err != nil {
			return res, err
		}
		live := len(liveByPack[id])

		switch {
		case total == 0 || live == 0:
			toSweep = append(toSweep, id)
		case float64(live)/float64(total) < compactThreshold:
			toCompact = append(toCompact, id)
		}
	}

	for _, id := range toCompact {
		moved, err := s.compactPackLocked(ctx, id, liveByPack[id])
		if err != nil {
			return res, fmt.Errorf("compaction of pack %d failed: %w", id, err)
		}
		res.BlocksMoved += moved
		toSweep = append(toSweep, id)
	}

	// Seal so the moved blocks live in a durable pack before their old
	// home is removed.
	if res.BlocksMoved > 0 {
		if err := s.sealActiveLocked(); err != nil {
			return res, err
		}
	}

	for _, id := range toSweep {
		if err := s.removePackLocked(id); err != nil {
			return res, err
		}
		res.PacksSwept++
	}

	return res, nil
}

// liveByPackLocked groups every catalog entry by its owning pack.
func (s *Store) liveByPackLocked() (map[uint64][]core.CID, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixChunk,
		UpperBound: prefixUpperBound(prefixChunk),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	live := make(map[uint64][]core.CID)
	for iter.First(); iter.Valid(); iter.Next() {
		cidBytes := make([]byte, len(iter.Key())-len(prefixChunk))
		copy(cidBytes, iter.Key()[len(prefixChunk):])

		packID, _, err := decodeCatalogValue(iter.Value())
		if err != nil {
			return nil, err
		}
		live[packID] = append(live[packID], core.CID{Bytes: cidBytes})
	}
	return live, nil
}

// countPackBlocks walks the CAR file linearly. The go-car index is not
// consulted; it narrows every CID to the raw codec, and counting is cheap.
func (s *Store) countPackBlocks(ctx context.Context, packID uint64) (int, error) {
	f, err := os.Open(s.packPath(packID))
	if err != nil {
		return 0, fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return 0, fmt.Errorf("failed to read pack %d: %w", packID, err)
	}

	count := 0
	for {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if _, err := br.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("failed to scan pack %d: %w", packID, err)
		}
		count++
	}
}

// compactPackLocked moves the given live blocks out of a pack into the
// active one, re-pointing the catalog as it goes.
func (s *Store) compactPackLocked(ctx context.Context, packID uint64, toMove []core.CID) (int, error) {
	batch := s.db.NewBatch()
	defer batch.Close()

	moved := 0
	for _, c := range toMove {
		stored, err := s.readBlock(ctx, packID, c)
		if err != nil {
			return moved, err
		}

		_, size, ok, err := s.lookup(c)
		if err != nil {
			return moved, err
		}
		if !ok {
			continue
		}

		if err := s.putBlockLocked(ctx, c, stored); err != nil {
			return moved, err
		}
		if err := batch.Set(catalogKey(c), encodeCatalogValue(s.currentID, size), nil); err != nil {
			return moved, err
		}
		moved++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return moved, fmt.Errorf("failed to commit compaction: %w", err)
	}
	return moved, nil
}

func (s *Store) removePackLocked(packID uint64) error {
	if bs, ok := s.sealed[packID]; ok {
		delete(s.sealed, packID)
		_ = bs.Close()
	} else if packID == s.currentID {
		return fmt.Errorf("%w: cannot remove active pack", core.ErrInvalidInput)
	}
	return os.Remove(s.packPath(packID))
}

// GCRunner drives periodic GC passes.
type GCRunner struct {
	store  *Store
	cfg    core.GCConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewGCRunner returns a runner over the store. A nil logger is replaced
// with a nop logger.
func NewGCRunner(store *Store, cfg core.GCConfig, logger *zap.Logger) *GCRunner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCRunner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic loop; it is a no-op when GC is disabled.
func (r *GCRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				res, err := r.store.GC(ctx)
				if err != nil {
					r.logger.Warn("pack gc failed", zap.Error(err))
					continue
				}
				if res.PacksSwept > 0 || res.BlocksMoved > 0 {
					r.logger.Info("pack gc finished",
						zap.Int("packs_swept", res.PacksSwept),
						zap.Int("blocks_moved", res.BlocksMoved))
				}
			}
		}
	}()
}

// Stop halts the loop.
func (r *GCRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		close(r.stopCh)
	}
}

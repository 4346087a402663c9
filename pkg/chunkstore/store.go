package chunkstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/cockroachdb/pebble"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car/v2/blockstore"
)

var prefixChunk = []byte("ck:")

// Stats summarizes what a store currently holds. LogicalBytes counts the
// stored (sealed) sizes, not pack file sizes; garbage awaiting GC is not
// included.
type Stats struct {
	Chunks       uint64
	LogicalBytes uint64
	Packs        int
}

// Config tunes a chunk store.
type Config struct {
	Dir             string
	TargetPackBytes uint64
}

// Store is a node-local content-addressed chunk store. Chunk bytes live as
// blocks in CARv2 pack files; a Pebble catalog maps CID to the owning pack
// and records the stored size. Writes go to a single active pack which is
// sealed and rotated once it reaches TargetPackBytes. Deletes only unindex;
// the bytes become garbage that pack GC reclaims.
type Store struct {
	cfg    Config
	db     *pebble.DB
	cidHub cidutil.Builder

	mu        sync.RWMutex
	closed    bool
	currentID uint64
	active    *blockstore.ReadWrite
	sealed    map[uint64]*blockstore.ReadOnly

	chunks       uint64
	logicalBytes uint64
}

// Open opens (creating if necessary) a chunk store rooted at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: chunk store directory not specified", core.ErrInvalidInput)
	}
	if cfg.TargetPackBytes == 0 {
		cfg.TargetPackBytes = core.DefaultTargetPackBytes
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, "packs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	db, err := pebble.Open(filepath.Join(cfg.Dir, "catalog"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		db:     db,
		cidHub: cidutil.NewBuilder(),
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}

	if err := s.discoverPacks(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.loadCounters(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) packPath(id uint64) string {
	return filepath.Join(s.cfg.Dir, "packs", fmt.Sprintf("pack-%016x.car", id))
}

func (s *Store) discoverPacks() error {
	entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, "packs"))
	if err != nil {
		return err
	}

	var packIDs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".car") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".car"), 16, 64)
		if err != nil {
			continue
		}
		packIDs = append(packIDs, id)
	}

	sort.Slice(packIDs, func(i, j int) bool { return packIDs[i] < packIDs[j] })

	// Every discovered pack is treated as sealed; resuming a half-written
	// CARv2 file is not worth the complexity, so a fresh active pack is
	// always opened.
	for _, id := range packIDs {
		bs, err := blockstore.OpenReadOnly(s.packPath(id))
		if err != nil {
			return fmt.Errorf("failed to open sealed pack %d: %w", id, err)
		}
		s.sealed[id] = bs
		s.currentID = id
	}

	s.currentID++
	return s.openActive(s.currentID)
}

func (s *Store) openActive(id uint64) error {
	bs, err := blockstore.OpenReadWrite(s.packPath(id), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", id, err)
	}
	s.active = bs
	return nil
}

func (s *Store) loadCounters() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixChunk,
		UpperBound: prefixUpperBound(prefixChunk),
	})
	if err != nil {
		return fmt.Errorf("failed to scan catalog: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		_, size, err := decodeCatalogValue(iter.Value())
		if err != nil {
			return err
		}
		s.chunks++
		s.logicalBytes += uint64(size)
	}
	return nil
}

// Put stores sealed chunk bytes under their CID. The CID is verified
// against the bytes before anything is written; storing the same chunk
// twice is a no-op.
func (s *Store) Put(ctx context.Context, c core.CID, stored []byte) error {
	if err := s.cidHub.Verify(c, stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrClosed
	}

	if _, _, ok, err := s.lookup(c); err != nil {
		return err
	} else if ok {
		return nil
	}

	if err := s.putBlockLocked(ctx, c, stored); err != nil {
		return err
	}

	if err := s.db.Set(catalogKey(c), encodeCatalogValue(s.currentID, uint32(len(stored))), pebble.Sync); err != nil {
		return fmt.Errorf("failed to index block: %w", err)
	}

	s.chunks++
	s.logicalBytes += uint64(len(stored))

	return s.rotateIfNeededLocked(ctx)
}

// Get returns the stored bytes for a CID, verifying them on the way out.
func (s *Store) Get(ctx context.Context, c core.CID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, core.ErrClosed
	}

	packID, _, ok, err := s.lookup(c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: chunk not held", core.ErrNotFound)
	}

	stored, err := s.readBlock(ctx, packID, c)
	if err != nil {
		return nil, err
	}

	if err := s.cidHub.Verify(c, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Has reports whether the store currently indexes the CID.
func (s *Store) Has(ctx context.Context, c core.CID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, core.ErrClosed
	}

	_, _, ok, err := s.lookup(c)
	return ok, err
}

// Delete unindexes a chunk. The block's bytes stay in their pack until GC
// compacts it away. Deleting an absent chunk is a no-op.
func (s *Store) Delete(ctx context.Context, c core.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrClosed
	}

	_, size, ok, err := s.lookup(c)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.db.Delete(catalogKey(c), pebble.Sync); err != nil {
		return fmt.Errorf("failed to unindex block: %w", err)
	}

	s.chunks--
	s.logicalBytes -= uint64(size)
	return nil
}

// List calls fn for every indexed chunk.
func (s *Store) List(ctx context.Context, fn func(c core.CID, size uint32) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return core.ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixChunk,
		UpperBound: prefixUpperBound(prefixChunk),
	})
	if err != nil {
		return fmt.Errorf("failed to scan catalog: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cidBytes := make([]byte, len(iter.Key())-len(prefixChunk))
		copy(cidBytes, iter.Key()[len(prefixChunk):])

		_, size, err := decodeCatalogValue(iter.Value())
		if err != nil {
			return err
		}

		if err := fn(core.CID{Bytes: cidBytes}, size); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Chunks:       s.chunks,
		LogicalBytes: s.logicalBytes,
		Packs:        len(s.sealed) + 1,
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []string
	if s.active != nil {
		_ = s.active.Finalize()
	}
	for id, bs := range s.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("pack %d: %v", id, err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("catalog: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing chunk store: %s", strings.Join(errs, "; "))
	}
	return nil
}

// lookup reads the catalog entry for a CID. Callers hold s.mu.
func (s *Store) lookup(c core.CID) (packID uint64, size uint32, ok bool, err error) {
	val, closer, err := s.db.Get(catalogKey(c))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	defer closer.Close()

	packID, size, err = decodeCatalogValue(val)
	if err != nil {
		return 0, 0, false, err
	}
	return packID, size, true, nil
}

// putBlockLocked writes a block into the active pack. Callers hold s.mu and
// own the catalog update.
func (s *Store) putBlockLocked(ctx context.Context, c core.CID, stored []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	blk, err := blocks.NewBlockWithCid(stored, id)
	if err != nil {
		return err
	}

	if err := s.active.Put(ctx, blk); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

// readBlock fetches raw block bytes from the owning pack. Callers hold s.mu.
func (s *Store) readBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	var bs interface {
		Get(context.Context, cid.Cid) (blocks.Block, error)
	}
	if packID == s.currentID {
		bs = s.active
	} else {
		rbs, ok := s.sealed[packID]
		if !ok {
			return nil, fmt.Errorf("%w: pack %d not found", core.ErrNotFound, packID)
		}
		bs = rbs
	}

	blk, err := bs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	return blk.RawData(), nil
}

// rotateIfNeededLocked seals the active pack and opens a fresh one once the
// active file reaches the target size. Callers hold s.mu.
func (s *Store) rotateIfNeededLocked(ctx context.Context) error {
	fi, err := os.Stat(s.packPath(s.currentID))
	if err != nil {
		return err
	}
	if uint64(fi.Size()) < s.cfg.TargetPackBytes {
		return nil
	}
	return s.sealActiveLocked()
}

// SealActive finalizes the active pack regardless of size and opens a fresh
// one. Normal rotation is size-driven; this forces the cutover.
func (s *Store) SealActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrClosed
	}
	return s.sealActiveLocked()
}

func (s *Store) sealActiveLocked() error {
	if err := s.active.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize active pack: %w", err)
	}

	bs, err := blockstore.OpenReadOnly(s.packPath(s.currentID))
	if err != nil {
		return fmt.Errorf("failed to reopen sealed pack: %w", err)
	}
	s.sealed[s.currentID] = bs

	s.currentID++
	return s.openActive(s.currentID)
}

func catalogKey(c core.CID) []byte {
	return append(append([]byte{}, prefixChunk...), c.Bytes...)
}

func encodeCatalogValue(packID uint64, size uint32) []byte {
	val := make([]byte, 12)
	binary.BigEndian.PutUint64(val[:8], packID)
	binary.BigEndian.PutUint32(val[8:], size)
	return val
}

func decodeCatalogValue(val []byte) (packID uint64, size uint32, err error) {
	if len(val) != 12 {
		return 0, 0, fmt.Errorf("%w: invalid catalog entry length %d", core.ErrCorrupt, len(val))
	}
	return binary.BigEndian.Uint64(val[:8]), binary.BigEndian.Uint32(val[8:]), nil
}

func prefixUpperBound(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}

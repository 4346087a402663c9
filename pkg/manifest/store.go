package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/transform"
)

const (
	// DefaultPieceSize is how large each sealed manifest piece is on disk.
	DefaultPieceSize = 4096

	pieceSuffix = ".cnm"
)

// StoreConfig configures the on-disk manifest store.
type StoreConfig struct {
	Dir       string
	MasterKey []byte
	PieceSize int
	Limits    core.LimitsConfig
}

// Store keeps manifests on disk as sequences of fixed-size sealed pieces.
// A manifest is CBOR-encoded, cut into PieceSize slices, and each slice
// sealed with the master key before it touches disk, so holder topology
// and per-file data keys are never stored in the clear.
type Store struct {
	dir       string
	pieceSize int
	seal      transform.Transform
	codec     Codec

	mu sync.RWMutex
}

// NewStore opens (and creates if needed) a manifest store rooted at cfg.Dir.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: manifest directory not specified", core.ErrInvalidInput)
	}

	seal, err := transform.NewSealed(cfg.MasterKey, core.SealConfig{Compression: core.CompressionNone})
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest seal: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	pieceSize := cfg.PieceSize
	if pieceSize <= 0 {
		pieceSize = DefaultPieceSize
	}

	return &Store{
		dir:       cfg.Dir,
		pieceSize: pieceSize,
		seal:      seal,
		codec:     NewCodec(cfg.Limits),
	}, nil
}

func (s *Store) piecePath(id core.FileID, idx int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.piece-%04d%s", id, idx, pieceSuffix))
}

// Save writes the manifest, replacing any previous version. Stale pieces
// beyond the new piece count are removed so a shrinking manifest cannot
// leave trailing garbage for Load to pick up.
func (s *Store) Save(m *Manifest) error {
	encoded, err := s.codec.Encode(m)
	if err != nil {
		return err
	}

	var pieces [][]byte
	for off := 0; off < len(encoded); off += s.pieceSize {
		end := off + s.pieceSize
		if end > len(encoded) {
			end = len(encoded)
		}
		sealed, err := s.seal.Encode(encoded[off:end])
		if err != nil {
			return fmt.Errorf("failed to seal manifest piece: %w", err)
		}
		pieces = append(pieces, sealed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, piece := range pieces {
		if err := os.WriteFile(s.piecePath(m.FileID, idx), piece, 0o644); err != nil {
			return fmt.Errorf("failed to write manifest piece %d: %w", idx, err)
		}
	}

	for idx := len(pieces); ; idx++ {
		path := s.piecePath(m.FileID, idx)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return fmt.Errorf("failed to remove stale manifest piece %d: %w", idx, err)
		}
	}

	return nil
}

// Load reads and validates the manifest for the given file ID.
func (s *Store) Load(id core.FileID) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encoded []byte
	for idx := 0; ; idx++ {
		sealed, err := os.ReadFile(s.piecePath(id, idx))
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, fmt.Errorf("failed to read manifest piece %d: %w", idx, err)
		}

		piece, err := s.seal.Decode(sealed)
		if err != nil {
			return nil, fmt.Errorf("manifest %s piece %d: %w", id, idx, err)
		}
		encoded = append(encoded, piece...)
	}

	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: manifest %s", core.ErrNotFound, id)
	}

	return s.codec.Decode(encoded)
}

// Delete removes every piece of the manifest. Deleting a manifest that does
// not exist is not an error.
func (s *Store) Delete(id core.FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := 0; ; idx++ {
		if err := os.Remove(s.piecePath(id, idx)); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to remove manifest piece %d: %w", idx, err)
		}
	}
}

// List returns the file IDs present in the store, sorted.
func (s *Store) List() ([]core.FileID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	set := make(map[core.FileID]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, pieceSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, pieceSuffix)
		id, _, ok := strings.Cut(stem, ".piece-")
		if !ok || id == "" {
			continue
		}
		set[core.FileID(id)] = struct{}{}
	}

	ids := make([]core.FileID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

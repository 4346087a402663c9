package testkit

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/chunknet/pkg/chunkstore"
	"github.com/agenthands/chunknet/pkg/core"
)

// CountStoredChunks returns the number of CIDs a store currently indexes.
func CountStoredChunks(ctx context.Context, s *chunkstore.Store) (int, error) {
	count := 0
	err := s.List(ctx, func(core.CID, uint32) error {
		count++
		return nil
	})
	return count, err
}

// CountPackFiles returns how many pack files exist under a store directory,
// the active pack included.
func CountPackFiles(dir string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "packs"))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "pack-") && strings.HasSuffix(name, ".car") {
			count++
		}
	}
	return count, nil
}

// CorruptChunk takes stored chunk bytes and flips a byte to simulate corruption.
// This assumes the payload is at least 1 byte long.
func CorruptChunk(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	if len(out) > 0 {
		out[0] ^= 0xFF // Flip bits in the first byte
	}
	return out
}

package coordinator

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/manifest"
	"github.com/agenthands/chunknet/pkg/transform"
)

// openFile loads a manifest and returns a reader that re-assembles the file
// chunk by chunk as it is consumed. Chunks are fetched lazily so a download
// holds at most one plaintext chunk in memory.
func (s *Service) openFile(ctx context.Context, id core.FileID) (*manifest.Manifest, *fileReader, error) {
	m, err := s.manifests.Load(id)
	if err != nil {
		return nil, nil, err
	}

	seal, err := transform.NewSealed(m.DataKey, s.cfg.Seal)
	if err != nil {
		return nil, nil, fmt.Errorf("unsealing %s: %w", id, err)
	}

	return m, &fileReader{svc: s, ctx: ctx, m: m, seal: seal}, nil
}

// fileReader streams a file's plaintext in chunk index order.
type fileReader struct {
	svc  *Service
	ctx  context.Context
	m    *manifest.Manifest
	seal transform.Transform

	next int
	buf  []byte
}

// prime fetches the first chunk so holder outages surface before any body
// bytes are written.
func (r *fileReader) prime() error {
	if r.next > 0 || len(r.m.Chunks) == 0 {
		return nil
	}
	return r.fill()
}

func (r *fileReader) fill() error {
	plain, err := r.svc.fetchChunk(r.ctx, r.seal, &r.m.Chunks[r.next])
	if err != nil {
		return err
	}
	r.buf = plain
	r.next++
	return nil
}

func (r *fileReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= len(r.m.Chunks) {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// fetchChunk retrieves one chunk's plaintext, trying the live holders in
// random order. The node client verifies the CID against the fetched bytes;
// the seal rejects tampered or mis-keyed payloads.
func (s *Service) fetchChunk(ctx context.Context, seal transform.Transform, rec *core.ChunkRecord) ([]byte, error) {
	holders := make([]core.NodeInfo, 0, len(rec.Holders))
	for _, id := range rec.Holders {
		if info, ok := s.registry.Node(id); ok {
			holders = append(holders, info)
		}
	}
	rand.Shuffle(len(holders), func(i, j int) {
		holders[i], holders[j] = holders[j], holders[i]
	})

	var lastErr error
	for _, h := range holders {
		fctx, cancel := context.WithTimeout(ctx, s.cfg.Healing.FetchTimeout)
		stored, err := s.nodes.FetchChunk(fctx, h.Address, rec.CID)
		cancel()
		if err != nil {
			lastErr = err
			s.logger.Warn("holder fetch failed",
				zap.String("node_id", string(h.ID)),
				zap.String("chunk_id", cidutil.MustFormat(rec.CID)),
				zap.Error(err))
			continue
		}

		plain, err := seal.Decode(stored)
		if err != nil {
			lastErr = err
			s.logger.Warn("chunk unseal failed",
				zap.String("node_id", string(h.ID)),
				zap.String("chunk_id", cidutil.MustFormat(rec.CID)),
				zap.Error(err))
			continue
		}
		return plain, nil
	}

	if lastErr == nil {
		lastErr = core.ErrNoNodes
	}
	return nil, fmt.Errorf("chunk %s unavailable: %w", cidutil.MustFormat(rec.CID), lastErr)
}

package coordinator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/manifest"
	"github.com/agenthands/chunknet/pkg/transform"
)

// ingest runs the upload pipeline: split the stream into chunks, seal each
// with a fresh per-file key, replicate the sealed bytes across nodes, and
// persist the manifest. On failure any chunks already placed are deleted
// from their holders best-effort.
func (s *Service) ingest(ctx context.Context, filename string, r io.Reader) (*manifest.Manifest, error) {
	if s.registry.Len() == 0 {
		return nil, fmt.Errorf("upload refused: %w", core.ErrNoNodes)
	}
	if limit := s.cfg.Limits.MaxFilenameLen; limit > 0 && len(filename) > limit {
		return nil, fmt.Errorf("%w: filename longer than %d bytes", core.ErrInvalidInput, limit)
	}

	dataKey, err := transform.GenerateKey()
	if err != nil {
		return nil, err
	}
	seal, err := transform.NewSealed(dataKey, s.cfg.Seal)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &manifest.Manifest{
		Version:      manifest.Version,
		FileID:       core.NewFileID(),
		Filename:     filename,
		ChunkingMode: s.cfg.Chunking.Mode,
		ChunkSize:    s.cfg.Chunking.Size,
		DataKey:      dataKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Cancellation stops the splitter goroutine when the pipeline aborts.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := s.splitter.Split(ctx, r)
	var total uint64
	for chunk := range chunks {
		plain := chunk.Buf[:chunk.N]
		total += uint64(chunk.N)

		if max := s.cfg.Limits.MaxFileBytes; max > 0 && total > max {
			s.splitter.ReturnBuffer(chunk.Buf)
			s.unplace(m)
			return nil, fmt.Errorf("%w: file exceeds %d bytes", core.ErrTooLarge, max)
		}
		if max := s.cfg.Limits.MaxChunksPerFile; max > 0 && uint32(len(m.Chunks)) >= max {
			s.splitter.ReturnBuffer(chunk.Buf)
			s.unplace(m)
			return nil, fmt.Errorf("%w: file exceeds %d chunks", core.ErrTooLarge, max)
		}

		stored, err := seal.Encode(plain)
		s.splitter.ReturnBuffer(chunk.Buf)
		if err != nil {
			s.unplace(m)
			return nil, fmt.Errorf("sealing chunk %d: %w", len(m.Chunks), err)
		}

		c, err := s.cidHub.ChunkCID(stored)
		if err != nil {
			s.unplace(m)
			return nil, err
		}

		holders, err := s.placeChunk(ctx, c, stored)
		if err != nil {
			s.unplace(m)
			return nil, err
		}

		m.Chunks = append(m.Chunks, core.ChunkRecord{
			CID:     c,
			Index:   uint32(len(m.Chunks)),
			Len:     uint32(chunk.N),
			Holders: holders,
		})
	}
	if err := <-errs; err != nil {
		s.unplace(m)
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	m.Length = total

	if err := s.manifests.Save(m); err != nil {
		s.unplace(m)
		return nil, fmt.Errorf("persisting manifest: %w", err)
	}
	s.index.IndexManifest(m)

	s.logger.Info("file ingested",
		zap.String("file_id", string(m.FileID)),
		zap.String("filename", filename),
		zap.Uint64("length", m.Length),
		zap.Int("chunks", len(m.Chunks)))
	return m, nil
}

// placeChunk stores sealed bytes on up to R nodes in parallel and returns
// the IDs that accepted. Partial placement succeeds; zero acceptance fails.
func (s *Service) placeChunk(ctx context.Context, c core.CID, stored []byte) ([]core.NodeID, error) {
	targets := s.registry.Pick(s.cfg.Replication.Factor, nil)
	if len(targets) == 0 {
		return nil, fmt.Errorf("placement: %w", core.ErrNoNodes)
	}

	var (
		mu      sync.Mutex
		holders []core.NodeID
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			if err := s.nodes.StoreChunk(gctx, target.Address, c, stored); err != nil {
				s.logger.Warn("replica store failed",
					zap.String("node_id", string(target.ID)),
					zap.String("chunk_id", cidutil.MustFormat(c)),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			holders = append(holders, target.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(holders) == 0 {
		return nil, fmt.Errorf("no node accepted chunk %s", cidutil.MustFormat(c))
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
	return holders, nil
}

// unplace deletes a failed upload's already-placed chunks, best-effort.
func (s *Service) unplace(m *manifest.Manifest) {
	if len(m.Chunks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := range m.Chunks {
		rec := &m.Chunks[i]
		for _, id := range rec.Holders {
			info, ok := s.registry.Node(id)
			if !ok {
				continue
			}
			if err := s.nodes.DeleteChunk(ctx, info.Address, rec.CID); err != nil {
				s.logger.Warn("orphan chunk cleanup failed",
					zap.String("node_id", string(id)),
					zap.String("chunk_id", cidutil.MustFormat(rec.CID)),
					zap.Error(err))
			}
		}
	}
}

// Package coordinator implements the metadata service of the network: it
// ingests files (chunk, seal, replicate), serves them back, tracks node
// liveness, and drives manifest scrubbing and replication repair when
// nodes disappear.
//
// All durable state lives in the sealed manifest store; the node registry
// and the chunk location index are in-memory and rebuilt from
// re-registration and the manifests respectively.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/chunker"
	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/client"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/healing"
	"github.com/agenthands/chunknet/pkg/manifest"
	"github.com/agenthands/chunknet/pkg/registry"
	"github.com/agenthands/chunknet/pkg/transform"
)

const masterKeyFile = "master.key"

// Service wires the coordinator's pieces together and owns its background
// loops (registry sweep, healing).
type Service struct {
	cfg    core.CoordinatorConfig
	logger *zap.Logger

	registry  *registry.Registry
	manifests *manifest.Store
	index     *chunkIndex
	healer    *healing.Runner
	splitter  chunker.Chunker
	cidHub    cidutil.Builder
	nodes     *client.NodeClient

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New builds a Service under cfg.WorkDir, creating the directory and the
// master key on first run and re-indexing existing manifests.
func New(cfg core.CoordinatorConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	masterKey, err := loadOrCreateMasterKey(filepath.Join(cfg.WorkDir, masterKeyFile))
	if err != nil {
		return nil, err
	}

	manifests, err := manifest.NewStore(manifest.StoreConfig{
		Dir:       filepath.Join(cfg.WorkDir, "manifests"),
		MasterKey: masterKey,
		Limits:    cfg.Limits,
	})
	if err != nil {
		return nil, fmt.Errorf("opening manifest store: %w", err)
	}

	splitter, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		registry:  registry.New(cfg.HeartbeatTimeout),
		manifests: manifests,
		index:     newChunkIndex(),
		splitter:  splitter,
		cidHub:    cidutil.NewBuilder(),
		nodes:     client.NewNodeClient(cfg.Healing.FetchTimeout),
		stopCh:    make(chan struct{}),
	}

	s.healer = healing.NewRunner(healing.Config{
		Replication:  cfg.Replication.Factor,
		Interval:     cfg.Healing.Interval,
		FetchTimeout: cfg.Healing.FetchTimeout,
	}, s.registry, s.manifests, s.nodes, s.index, logger.Named("healing"))

	s.rebuildIndex()
	return s, nil
}

// loadOrCreateMasterKey reads the base64 master key at path, generating and
// persisting a fresh one when the file does not exist yet.
func loadOrCreateMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := transform.DecodeKey(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("master key at %s: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key, err := transform.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(transform.EncodeKey(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	return key, nil
}

// rebuildIndex restores the chunk location index from stored manifests.
func (s *Service) rebuildIndex() {
	ids, err := s.manifests.List()
	if err != nil {
		s.logger.Warn("manifest listing failed during reindex", zap.Error(err))
		return
	}
	for _, id := range ids {
		m, err := s.manifests.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable manifest during reindex",
				zap.String("file_id", string(id)),
				zap.Error(err))
			continue
		}
		s.index.IndexManifest(m)
	}
	if len(ids) > 0 {
		s.logger.Info("chunk index rebuilt",
			zap.Int("files", len(ids)),
			zap.Int("chunks", s.index.Len()))
	}
}

// Start launches the healing loop and the registry sweep.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.healer.Start(ctx)

	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				for _, info := range s.registry.Sweep(time.Now()) {
					s.logger.Warn("node presumed dead",
						zap.String("node_id", string(info.ID)),
						zap.String("address", info.Address),
						zap.Time("last_seen", info.LastSeen))
					s.scrubNode(info.ID)
				}
			}
		}
	}()
}

// Stop halts the background loops.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		s.healer.Stop()
		close(s.stopCh)
	}
}

// scrubNode removes a dead node from every manifest's holder lists and
// queues the chunks that fell under the replication target for repair.
func (s *Service) scrubNode(dead core.NodeID) {
	s.index.DropNode(dead)

	ids, err := s.manifests.List()
	if err != nil {
		s.logger.Warn("manifest listing failed during scrub", zap.Error(err))
		return
	}

	queued := 0
	for _, id := range ids {
		m, err := s.manifests.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable manifest during scrub",
				zap.String("file_id", string(id)),
				zap.Error(err))
			continue
		}

		held := false
		for i := range m.Chunks {
			if m.Chunks[i].HasHolder(dead) {
				held = true
				break
			}
		}
		if !held {
			continue
		}

		degraded := m.ScrubHolder(dead, s.cfg.Replication.Factor)
		m.UpdatedAt = time.Now().UTC()
		if err := s.manifests.Save(m); err != nil {
			s.logger.Warn("persisting scrubbed manifest failed",
				zap.String("file_id", string(id)),
				zap.Error(err))
			continue
		}

		for _, c := range degraded {
			if s.healer.Enqueue(id, c) {
				queued++
			}
		}
	}

	if queued > 0 {
		s.logger.Info("queued repairs for dead node",
			zap.String("node_id", string(dead)),
			zap.Int("chunks", queued))
	}
}

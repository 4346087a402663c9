package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/api"
	"github.com/agenthands/chunknet/pkg/chunkstore"
	"github.com/agenthands/chunknet/pkg/client"
	"github.com/agenthands/chunknet/pkg/core"
)

// registerRetry paces registration attempts while the coordinator is down.
const registerRetry = 2 * time.Second

// Agent keeps a node visible to the coordinator: it registers on start and
// heartbeats on an interval, carrying current storage stats. When the
// coordinator forgets the node (its registry is in RAM and dies with it),
// the agent re-registers.
type Agent struct {
	cfg    core.NodeConfig
	coord  *client.CoordinatorClient
	store  *chunkstore.Store
	logger *zap.Logger
}

// NewAgent wires an agent. A nil logger is replaced with a nop logger.
func NewAgent(cfg core.NodeConfig, coord *client.CoordinatorClient, store *chunkstore.Store, logger *zap.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = core.DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{cfg: cfg, coord: coord, store: store, logger: logger}
}

// Run registers and then heartbeats until the context ends.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.register(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("registration failed; retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetry):
		}
	}
	a.logger.Info("registered with coordinator",
		zap.String("node_id", string(a.cfg.ID)),
		zap.String("address", a.cfg.AdvertiseAddr))

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := a.heartbeat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, core.ErrNotRegistered):
				a.logger.Warn("coordinator dropped us; re-registering")
				if err := a.register(ctx); err != nil {
					a.logger.Warn("re-registration failed", zap.Error(err))
				}
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	return a.coord.Register(ctx, core.NodeInfo{
		ID:               a.cfg.ID,
		Address:          a.cfg.AdvertiseAddr,
		StorageAvailable: a.available(),
	})
}

func (a *Agent) heartbeat(ctx context.Context) error {
	stats := a.store.Stats()
	avail := a.available()
	return a.coord.Heartbeat(ctx, a.cfg.ID, &api.HeartbeatRequest{
		StorageAvailable: &avail,
		ChunkCount:       &stats.Chunks,
	})
}

// available reports the advisory free space: the configured budget less
// bytes already stored.
func (a *Agent) available() uint64 {
	used := a.store.Stats().LogicalBytes
	if a.cfg.StorageBudget <= used {
		return 0
	}
	return a.cfg.StorageBudget - used
}

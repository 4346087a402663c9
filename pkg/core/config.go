package core

import (
	"time"
)

// Chunking modes.
const (
	ChunkingFixed = "fixed"
	ChunkingCDC   = "cdc"
)

// Compression names accepted by SealConfig.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// CoordinatorConfig configures the coordinator service.
type CoordinatorConfig struct {
	ListenAddr string
	WorkDir    string // spools uploads and holds the manifest store

	Chunking    ChunkingConfig
	Seal        SealConfig
	Limits      LimitsConfig
	Replication ReplicationConfig
	Healing     HealingConfig

	HeartbeatTimeout time.Duration // node silent longer than this is dead
	SweepInterval    time.Duration // how often the registry is swept
}

// NodeConfig configures a storage node.
type NodeConfig struct {
	ID            NodeID
	ListenAddr    string
	AdvertiseAddr string // address the coordinator should dial; defaults to ListenAddr
	DataDir       string

	// StorageBudget is the advisory capacity reported to the coordinator;
	// heartbeats report the budget minus bytes already stored.
	StorageBudget uint64

	CoordinatorURL    string
	HeartbeatInterval time.Duration

	Pack PackConfig
	GC   GCConfig
}

// ChunkingConfig selects and tunes the file splitter.
type ChunkingConfig struct {
	Mode string // "fixed" (default) or "cdc"

	// Fixed mode: every chunk is exactly Size bytes except the last.
	Size int

	// CDC mode bounds.
	Min int
	Avg int
	Max int
}

// SealConfig tunes the chunk transform pipeline. Chunks are compressed
// (optionally) and then sealed with a per-file data key; manifests are
// sealed with the coordinator master key.
type SealConfig struct {
	Compression string // "none" or "zstd"
	ZstdLevel   int
}

// ReplicationConfig sets how many copies of each chunk the network keeps.
type ReplicationConfig struct {
	Factor int
}

// HealingConfig tunes the replication repair loop.
type HealingConfig struct {
	Interval     time.Duration // queue drain cadence
	FetchTimeout time.Duration // per donor fetch / replica push
}

// LimitsConfig bounds what the coordinator accepts.
type LimitsConfig struct {
	MaxFileBytes     uint64
	MaxChunksPerFile uint32
	MaxFilenameLen   int
}

// PackConfig tunes the node's pack file layout.
type PackConfig struct {
	TargetPackBytes uint64
}

// GCConfig tunes the node's pack compaction.
type GCConfig struct {
	Enabled  bool
	RunEvery time.Duration
}

// Default sizing mirrors the network's original tuning: 100 KiB fixed
// chunks, three replicas, 30 s liveness timeout, 5 s heartbeats.
const (
	DefaultChunkSize         = 100 * 1024
	DefaultReplicationFactor = 3
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultHealingInterval   = 5 * time.Second
	DefaultTargetPackBytes   = 64 << 20
)

// DefaultCoordinatorConfig returns a config with every knob at its default.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ListenAddr: ":8000",
		WorkDir:    "work_dir",
		Chunking: ChunkingConfig{
			Mode: ChunkingFixed,
			Size: DefaultChunkSize,
			Min:  32 * 1024,
			Avg:  DefaultChunkSize,
			Max:  256 * 1024,
		},
		Seal: SealConfig{
			Compression: CompressionZstd,
			ZstdLevel:   3,
		},
		Limits: LimitsConfig{
			MaxChunksPerFile: 100_000,
			MaxFilenameLen:   512,
		},
		Replication:      ReplicationConfig{Factor: DefaultReplicationFactor},
		Healing:          HealingConfig{Interval: DefaultHealingInterval, FetchTimeout: 10 * time.Second},
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		SweepInterval:    DefaultSweepInterval,
	}
}

// DefaultNodeConfig returns a storage node config with defaults applied.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddr:        ":5001",
		DataDir:           "chunks",
		StorageBudget:     10 << 30,
		CoordinatorURL:    "http://localhost:8000",
		HeartbeatInterval: DefaultHeartbeatInterval,
		Pack:              PackConfig{TargetPackBytes: DefaultTargetPackBytes},
		GC:                GCConfig{Enabled: true, RunEvery: time.Hour},
	}
}

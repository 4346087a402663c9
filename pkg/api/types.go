// Package api holds the JSON wire types shared by the coordinator and node
// HTTP surfaces and their clients.
package api

import (
	"time"
)

// RegisterRequest is a node announcing itself to the coordinator.
type RegisterRequest struct {
	NodeID           string `json:"node_id"`
	Address          string `json:"address"`
	StorageAvailable uint64 `json:"storage_available"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Status string `json:"status"`
}

// HeartbeatRequest refreshes a node's liveness; the load figures are
// optional and absent fields leave the registry's view unchanged.
type HeartbeatRequest struct {
	NodeID           string  `json:"node_id"`
	StorageAvailable *uint64 `json:"storage_available,omitempty"`
	ChunkCount       *uint64 `json:"chunk_count,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status string `json:"status"`
}

// AssignRequest manually records a chunk replica on a node.
type AssignRequest struct {
	ChunkID string `json:"chunk_id"`
	NodeID  string `json:"node_id"`
}

// AssignResponse acknowledges an assignment.
type AssignResponse struct {
	Status string `json:"status"`
}

// ChunkLocations lists the nodes currently believed to hold a chunk.
type ChunkLocations struct {
	ChunkID string   `json:"chunk_id"`
	Nodes   []string `json:"nodes"`
}

// UploadResponse reports a stored file.
type UploadResponse struct {
	FileID       string `json:"file_id"`
	ChunksStored int    `json:"chunks_stored"`
	Length       uint64 `json:"length"`
}

// ManifestChunk is one chunk record in a manifest view.
type ManifestChunk struct {
	ChunkID string   `json:"chunk_id"`
	Index   uint32   `json:"index"`
	Len     uint32   `json:"len"`
	NodeIDs []string `json:"node_ids"`
}

// ManifestView is the JSON rendering of a stored manifest.
type ManifestView struct {
	FileID           string          `json:"file_id"`
	OriginalFilename string          `json:"original_filename"`
	Length           uint64          `json:"length"`
	EncryptionKey    string          `json:"encryption_key"`
	Chunks           []ManifestChunk `json:"chunks"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ManifestList enumerates stored manifests.
type ManifestList struct {
	FileIDs []string `json:"file_ids"`
}

// FileDetail summarizes one file inside a status response.
type FileDetail struct {
	OriginalFilename string `json:"original_filename"`
	ChunkCount       int    `json:"chunk_count"`
}

// ManifestError reports a manifest that could not be loaded.
type ManifestError struct {
	FileID string `json:"file_id"`
	Error  string `json:"error"`
}

// StatusResponse is the coordinator's network overview.
type StatusResponse struct {
	NodeCount       int                   `json:"node_count"`
	RegisteredNodes []string              `json:"registered_nodes"`
	FileCount       int                   `json:"file_count"`
	Files           map[string]FileDetail `json:"files"`
	TotalChunks     int                   `json:"total_chunks"`
	ManifestErrors  []ManifestError       `json:"manifest_errors"`
}

// KeysResponse reports how many per-file keys the coordinator holds.
type KeysResponse struct {
	StoredKeys int `json:"stored_keys"`
}

// HealResponse acknowledges a healing kick.
type HealResponse struct {
	Status string `json:"status"`
	Queued int    `json:"queued"`
}

// StoreChunkResponse acknowledges a chunk write on a node.
type StoreChunkResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	ChunkID string `json:"chunk_id"`
}

// ChunkInfo describes one chunk a node holds.
type ChunkInfo struct {
	ChunkID string `json:"chunk_id"`
	Size    uint32 `json:"size"`
}

// ChunkList enumerates a node's chunks.
type ChunkList struct {
	Chunks []ChunkInfo `json:"chunks"`
}

// NodeHealth is a node's liveness and stats report.
type NodeHealth struct {
	Status       string `json:"status"`
	NodeID       string `json:"node_id"`
	Chunks       uint64 `json:"chunks"`
	LogicalBytes uint64 `json:"logical_bytes"`
	Packs        int    `json:"packs"`
}

// Error is the JSON body every non-2xx response carries.
type Error struct {
	Error string `json:"error"`
}

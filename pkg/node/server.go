// Package node implements the storage node: an HTTP chunk service over the
// pack store, and the agent that keeps the node registered and heartbeating
// with the coordinator.
package node

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/api"
	"github.com/agenthands/chunknet/pkg/chunkstore"
	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
)

// maxChunkBytes caps a single stored chunk; far above any sane chunking
// config, it only guards against runaway request bodies.
const maxChunkBytes = 32 << 20

// Server exposes a chunk store over HTTP.
type Server struct {
	cfg    core.NodeConfig
	store  *chunkstore.Store
	logger *zap.Logger
}

// NewServer wraps the store. A nil logger is replaced with a nop logger.
func NewServer(cfg core.NodeConfig, store *chunkstore.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, store: store, logger: logger}
}

// Handler returns the node's HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/chunks/{cid}", s.handlePut)
	mux.HandleFunc("GET /v1/chunks/{cid}", s.handleGet)
	mux.HandleFunc("DELETE /v1/chunks/{cid}", s.handleDelete)
	mux.HandleFunc("GET /v1/chunks", s.handleList)
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	return mux
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	c, err := cidutil.Parse(r.PathValue("cid"))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	stored, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.WriteError(w, fmt.Errorf("%w: chunk body over %d bytes", core.ErrTooLarge, tooBig.Limit))
			return
		}
		api.WriteError(w, fmt.Errorf("%w: reading chunk body: %v", core.ErrInvalidInput, err))
		return
	}

	if err := s.store.Put(r.Context(), c, stored); err != nil {
		api.WriteError(w, err)
		return
	}

	s.logger.Debug("chunk stored",
		zap.String("chunk_id", cidutil.MustFormat(c)),
		zap.Int("size", len(stored)))
	api.WriteJSON(w, http.StatusOK, api.StoreChunkResponse{
		Status:  "stored",
		NodeID:  string(s.cfg.ID),
		ChunkID: cidutil.MustFormat(c),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := cidutil.Parse(r.PathValue("cid"))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	stored, err := s.store.Get(r.Context(), c)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(stored)))
	_, _ = w.Write(stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, err := cidutil.Parse(r.PathValue("cid"))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	if err := s.store.Delete(r.Context(), c); err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.StoreChunkResponse{
		Status:  "deleted",
		NodeID:  string(s.cfg.ID),
		ChunkID: cidutil.MustFormat(c),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	out := api.ChunkList{Chunks: []api.ChunkInfo{}}
	err := s.store.List(r.Context(), func(c core.CID, size uint32) error {
		out.Chunks = append(out.Chunks, api.ChunkInfo{
			ChunkID: cidutil.MustFormat(c),
			Size:    size,
		})
		return nil
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	api.WriteJSON(w, http.StatusOK, api.NodeHealth{
		Status:       "ok",
		NodeID:       string(s.cfg.ID),
		Chunks:       stats.Chunks,
		LogicalBytes: stats.LogicalBytes,
		Packs:        stats.Packs,
	})
}

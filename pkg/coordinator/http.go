package coordinator

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/api"
	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/manifest"
	"github.com/agenthands/chunknet/pkg/registry"
	"github.com/agenthands/chunknet/pkg/transform"
)

// Handler returns the coordinator's HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/register", s.handleRegister)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/nodes", s.handleNodes)
	mux.HandleFunc("GET /v1/chunks/{cid}", s.handleChunkLocations)
	mux.HandleFunc("POST /v1/chunks", s.handleAssign)
	mux.HandleFunc("GET /v1/manifests", s.handleManifestList)
	mux.HandleFunc("GET /v1/manifests/{file_id}", s.handleManifest)
	mux.HandleFunc("GET /v1/keys", s.handleKeys)
	mux.HandleFunc("POST /v1/files", s.handleUpload)
	mux.HandleFunc("GET /v1/files/{file_id}", s.handleDownload)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/heal", s.handleHeal)
	return s.logRequests(mux)
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	info := core.NodeInfo{
		ID:               core.NodeID(req.NodeID),
		Address:          req.Address,
		StorageAvailable: req.StorageAvailable,
	}
	if err := s.registry.Register(info); err != nil {
		api.WriteError(w, err)
		return
	}

	s.logger.Info("node registered",
		zap.String("node_id", req.NodeID),
		zap.String("address", req.Address))
	api.WriteJSON(w, http.StatusOK, api.RegisterResponse{Status: "registered"})
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	var stats *registry.Stats
	if req.StorageAvailable != nil || req.ChunkCount != nil {
		stats = &registry.Stats{}
		if req.StorageAvailable != nil {
			stats.StorageAvailable = *req.StorageAvailable
		}
		if req.ChunkCount != nil {
			stats.ChunkCount = *req.ChunkCount
		}
	}

	if err := s.registry.Heartbeat(core.NodeID(req.NodeID), stats); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.HeartbeatResponse{Status: "alive"})
}

func (s *Service) handleNodes(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.registry.Nodes())
}

func (s *Service) handleChunkLocations(w http.ResponseWriter, r *http.Request) {
	c, err := cidutil.Parse(r.PathValue("cid"))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	ids, ok := s.index.Locations(c)
	if !ok {
		api.WriteError(w, fmt.Errorf("%w: unknown chunk", core.ErrNotFound))
		return
	}

	nodes := make([]string, len(ids))
	for i, id := range ids {
		nodes[i] = string(id)
	}
	api.WriteJSON(w, http.StatusOK, api.ChunkLocations{ChunkID: cidutil.MustFormat(c), Nodes: nodes})
}

func (s *Service) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req api.AssignRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	c, err := cidutil.Parse(req.ChunkID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if _, ok := s.registry.Node(core.NodeID(req.NodeID)); !ok {
		api.WriteError(w, fmt.Errorf("%w: unknown node %s", core.ErrNotRegistered, req.NodeID))
		return
	}

	s.index.Add(c, core.NodeID(req.NodeID))
	api.WriteJSON(w, http.StatusOK, api.AssignResponse{Status: "assigned"})
}

func (s *Service) handleManifestList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manifests.List()
	if err != nil {
		api.WriteError(w, err)
		return
	}

	out := api.ManifestList{FileIDs: make([]string, len(ids))}
	for i, id := range ids {
		out.FileIDs[i] = string(id)
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.manifests.Load(core.FileID(r.PathValue("file_id")))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, viewManifest(m))
}

func viewManifest(m *manifest.Manifest) api.ManifestView {
	view := api.ManifestView{
		FileID:           string(m.FileID),
		OriginalFilename: m.Filename,
		Length:           m.Length,
		EncryptionKey:    transform.EncodeKey(m.DataKey),
		Chunks:           make([]api.ManifestChunk, len(m.Chunks)),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	for i := range m.Chunks {
		rec := &m.Chunks[i]
		nodes := make([]string, len(rec.Holders))
		for j, id := range rec.Holders {
			nodes[j] = string(id)
		}
		view.Chunks[i] = api.ManifestChunk{
			ChunkID: cidutil.MustFormat(rec.CID),
			Index:   rec.Index,
			Len:     rec.Len,
			NodeIDs: nodes,
		}
	}
	return view
}

func (s *Service) handleKeys(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manifests.List()
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.KeysResponse{StoredKeys: len(ids)})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		api.WriteError(w, fmt.Errorf("%w: expected multipart form: %v", core.ErrInvalidInput, err))
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			api.WriteError(w, fmt.Errorf("%w: reading multipart form: %v", core.ErrInvalidInput, err))
			return
		}
		if part.FormName() != "file" {
			continue
		}

		m, err := s.ingest(r.Context(), part.FileName(), part)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.UploadResponse{
			FileID:       string(m.FileID),
			ChunksStored: len(m.Chunks),
			Length:       m.Length,
		})
		return
	}
	api.WriteError(w, fmt.Errorf("%w: multipart form has no file field", core.ErrInvalidInput))
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	m, rd, err := s.openFile(r.Context(), core.FileID(r.PathValue("file_id")))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	// Surface unreachable holders as a gateway failure while headers can
	// still say so.
	if err := rd.prime(); err != nil {
		api.WriteJSON(w, http.StatusBadGateway, api.Error{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatUint(m.Length, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": m.Filename}))

	if _, err := io.Copy(w, rd); err != nil {
		s.logger.Warn("download aborted mid-stream",
			zap.String("file_id", string(m.FileID)),
			zap.Error(err))
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manifests.List()
	if err != nil {
		api.WriteError(w, err)
		return
	}

	nodes := s.registry.Nodes()
	resp := api.StatusResponse{
		NodeCount:       len(nodes),
		RegisteredNodes: make([]string, len(nodes)),
		FileCount:       len(ids),
		Files:           make(map[string]api.FileDetail, len(ids)),
		ManifestErrors:  []api.ManifestError{},
	}
	for i, info := range nodes {
		resp.RegisteredNodes[i] = string(info.ID)
	}

	for _, id := range ids {
		m, err := s.manifests.Load(id)
		if err != nil {
			resp.ManifestErrors = append(resp.ManifestErrors, api.ManifestError{
				FileID: string(id),
				Error:  err.Error(),
			})
			continue
		}
		resp.Files[string(id)] = api.FileDetail{
			OriginalFilename: m.Filename,
			ChunkCount:       len(m.Chunks),
		}
		resp.TotalChunks += len(m.Chunks)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) handleHeal(w http.ResponseWriter, r *http.Request) {
	queued, err := s.healer.Scan(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.HealResponse{Status: "healing", Queued: queued})
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agenthands/chunknet/pkg/api"
	"github.com/agenthands/chunknet/pkg/core"
)

// CoordinatorClient talks to the coordinator API. It is used by storage
// nodes (register, heartbeat) and by chunkctl (everything else).
type CoordinatorClient struct {
	base string
	http *http.Client
}

// NewCoordinatorClient returns a client for the coordinator at base, e.g.
// "http://localhost:8000". Uploads and downloads move whole files, so the
// timeout should be generous; zero means DefaultTimeout.
func NewCoordinatorClient(base string, timeout time.Duration) *CoordinatorClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CoordinatorClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *CoordinatorClient) url(path string) string {
	return c.base + path
}

func (c *CoordinatorClient) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *CoordinatorClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register announces a node to the coordinator.
func (c *CoordinatorClient) Register(ctx context.Context, info core.NodeInfo) error {
	in := api.RegisterRequest{
		NodeID:           string(info.ID),
		Address:          info.Address,
		StorageAvailable: info.StorageAvailable,
	}
	var out api.RegisterResponse
	if err := c.postJSON(ctx, "/v1/register", in, &out); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Heartbeat refreshes a node's liveness. If the coordinator does not know
// the node (a restart lost the in-memory registry), the error wraps
// core.ErrNotRegistered and the caller should re-register.
func (c *CoordinatorClient) Heartbeat(ctx context.Context, id core.NodeID, stats *api.HeartbeatRequest) error {
	in := api.HeartbeatRequest{NodeID: string(id)}
	if stats != nil {
		in.StorageAvailable = stats.StorageAvailable
		in.ChunkCount = stats.ChunkCount
	}

	var out api.HeartbeatResponse
	err := c.postJSON(ctx, "/v1/heartbeat", in, &out)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("heartbeat: %w", core.ErrNotRegistered)
		}
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Nodes lists the currently registered nodes.
func (c *CoordinatorClient) Nodes(ctx context.Context) ([]core.NodeInfo, error) {
	var out []core.NodeInfo
	if err := c.getJSON(ctx, "/v1/nodes", &out); err != nil {
		return nil, fmt.Errorf("nodes: %w", err)
	}
	return out, nil
}

// Status fetches the coordinator's cluster summary.
func (c *CoordinatorClient) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.getJSON(ctx, "/v1/status", &out); err != nil {
		return out, fmt.Errorf("status: %w", err)
	}
	return out, nil
}

// Upload streams a local file to the coordinator and returns the assigned
// file ID.
func (c *CoordinatorClient) Upload(ctx context.Context, path string) (api.UploadResponse, error) {
	var out api.UploadResponse

	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/v1/files"), pr)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("upload: %w", decodeError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("upload: %w", err)
	}
	return out, nil
}

// Download streams a file's reassembled plaintext into w and returns the
// original filename reported by the coordinator.
func (c *CoordinatorClient) Download(ctx context.Context, fileID core.FileID, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v1/files/"+string(fileID)), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %w", fileID, decodeError(resp))
	}

	filename := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			filename = params["filename"]
		}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return filename, fmt.Errorf("download %s: %w", fileID, err)
	}
	return filename, nil
}

// Manifest fetches a single file's manifest view.
func (c *CoordinatorClient) Manifest(ctx context.Context, fileID core.FileID) (api.ManifestView, error) {
	var out api.ManifestView
	if err := c.getJSON(ctx, "/v1/manifests/"+string(fileID), &out); err != nil {
		return out, fmt.Errorf("manifest %s: %w", fileID, err)
	}
	return out, nil
}

// ManifestIDs lists the file IDs with stored manifests.
func (c *CoordinatorClient) ManifestIDs(ctx context.Context) ([]core.FileID, error) {
	var out api.ManifestList
	if err := c.getJSON(ctx, "/v1/manifests", &out); err != nil {
		return nil, fmt.Errorf("manifests: %w", err)
	}
	ids := make([]core.FileID, len(out.FileIDs))
	for i, id := range out.FileIDs {
		ids[i] = core.FileID(id)
	}
	return ids, nil
}

// AssignChunk records that a node holds a chunk.
func (c *CoordinatorClient) AssignChunk(ctx context.Context, chunkID string, nodeID core.NodeID) error {
	in := api.AssignRequest{ChunkID: chunkID, NodeID: string(nodeID)}
	var out api.AssignResponse
	if err := c.postJSON(ctx, "/v1/chunks", in, &out); err != nil {
		return fmt.Errorf("assign chunk: %w", err)
	}
	return nil
}

// ChunkLocations reports which nodes hold a chunk.
func (c *CoordinatorClient) ChunkLocations(ctx context.Context, chunkID string) (api.ChunkLocations, error) {
	var out api.ChunkLocations
	if err := c.getJSON(ctx, "/v1/chunks/"+chunkID, &out); err != nil {
		return out, fmt.Errorf("chunk locations: %w", err)
	}
	return out, nil
}

// Heal asks the coordinator to scan all manifests and queue under-replicated
// chunks for repair.
func (c *CoordinatorClient) Heal(ctx context.Context) (api.HealResponse, error) {
	var out api.HealResponse
	if err := c.postJSON(ctx, "/v1/heal", struct{}{}, &out); err != nil {
		return out, fmt.Errorf("heal: %w", err)
	}
	return out, nil
}

// Keys lists the file IDs whose data keys the coordinator can recover.
func (c *CoordinatorClient) Keys(ctx context.Context) (api.KeysResponse, error) {
	var out api.KeysResponse
	if err := c.getJSON(ctx, "/v1/keys", &out); err != nil {
		return out, fmt.Errorf("keys: %w", err)
	}
	return out, nil
}

// Package client provides HTTP clients for the coordinator and storage
// node APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agenthands/chunknet/pkg/api"
	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
)

// DefaultTimeout bounds a single node or coordinator round trip.
const DefaultTimeout = 30 * time.Second

// NodeClient talks to storage node chunk APIs. One client serves any number
// of nodes; the target address is passed per call.
type NodeClient struct {
	http   *http.Client
	cidHub cidutil.Builder
}

// NewNodeClient returns a client with the given per-request timeout.
func NewNodeClient(timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NodeClient{
		http:   &http.Client{Timeout: timeout},
		cidHub: cidutil.NewBuilder(),
	}
}

func nodeURL(addr, path string) string {
	return "http://" + addr + path
}

// StoreChunk uploads sealed chunk bytes to a node.
func (c *NodeClient) StoreChunk(ctx context.Context, addr string, chunk core.CID, stored []byte) error {
	cidStr, err := cidutil.Format(chunk)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, nodeURL(addr, "/v1/chunks/"+cidStr), bytes.NewReader(stored))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store chunk on %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store chunk on %s: %w", addr, decodeError(resp))
	}
	return nil
}

// FetchChunk downloads a chunk's sealed bytes and verifies them against the
// CID before returning.
func (c *NodeClient) FetchChunk(ctx context.Context, addr string, chunk core.CID) ([]byte, error) {
	cidStr, err := cidutil.Format(chunk)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeURL(addr, "/v1/chunks/"+cidStr), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chunk from %s: %w", addr, decodeError(resp))
	}

	stored, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk from %s: %w", addr, err)
	}

	if err := c.cidHub.Verify(chunk, stored); err != nil {
		return nil, fmt.Errorf("chunk from %s failed verification: %w", addr, err)
	}
	return stored, nil
}

// DeleteChunk asks a node to drop a chunk. Absent chunks are not an error.
func (c *NodeClient) DeleteChunk(ctx context.Context, addr string, chunk core.CID) error {
	cidStr, err := cidutil.Format(chunk)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, nodeURL(addr, "/v1/chunks/"+cidStr), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete chunk on %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete chunk on %s: %w", addr, decodeError(resp))
	}
	return nil
}

// Health fetches a node's health report.
func (c *NodeClient) Health(ctx context.Context, addr string) (api.NodeHealth, error) {
	var out api.NodeHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeURL(addr, "/v1/healthz"), nil)
	if err != nil {
		return out, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("health of %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("health of %s: %w", addr, decodeError(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("health of %s: %w", addr, err)
	}
	return out, nil
}

// decodeError turns a non-2xx response into an error, folding well-known
// status codes onto the package sentinels so callers can errors.Is them.
func decodeError(resp *http.Response) error {
	var body api.Error
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", core.ErrNotFound, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", core.ErrNoNodes, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", core.ErrCorrupt, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", core.ErrInvalidInput, msg)
	default:
		return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
}

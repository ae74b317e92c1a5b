// Package vdbclient is a thin Go SDK over the coordinator's and data
// nodes' operational HTTP surfaces (health, debug state, cluster
// membership, admin triggers) — never the vector data plane, which the
// storage engine exposes only over net/rpc (see coordinator.Serve,
// datanode.Serve) and deliberately leaves without an HTTP/CLI front-end.
// Request/response plumbing is narrowed from
// ppriyankuu-godkv/internal/client/client.go's New(baseURL,timeout)+JSON
// do() helper.
package vdbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when the server responds 404.
var ErrNotFound = errors.New("not found")

// Client talks to one process's (coordinator or data node) operational HTTP
// API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8091").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Healthz reports the process's reported state.
func (c *Client) Healthz(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// DebugState reports the process's debug status payload.
func (c *Client) DebugState(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/debug/state", nil, &out)
	return out, err
}

// RegisterNode registers a data node's RPC address with the coordinator.
func (c *Client) RegisterNode(ctx context.Context, nodeID, address string) error {
	body := map[string]string{"node_id": nodeID, "address": address}
	return c.do(ctx, http.MethodPost, "/cluster/register", body, nil)
}

// ListNodes returns the coordinator's live node set.
func (c *Client) ListNodes(ctx context.Context) (map[string]string, error) {
	var out struct {
		Nodes map[string]string `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// Rebuild triggers a data node's HNSW index rebuild.
func (c *Client) Rebuild(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/rebuild", nil, nil)
}

// Snapshot triggers a data node's on-demand snapshot.
func (c *Client) Snapshot(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/snapshot", nil, nil)
}

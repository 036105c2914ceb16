// Package ingest provides the Go client for the temporal graph ingestion API.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the ingestion ingress service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// ClientConfig configures the ingestion client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new ingestion client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		baseURL: config.BaseURL,
	}
}

type wireMessage struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name,omitempty"`
	Role              string `json:"role,omitempty"`
	RoleType          string `json:"role_type,omitempty"`
	Content           string `json:"content"`
	Timestamp         string `json:"timestamp,omitempty"`
	SourceDescription string `json:"source_description,omitempty"`
}

// AddMessages enqueues the given messages as episode ingestion tasks.
func (c *Client) AddMessages(ctx context.Context, tenant string, messages []Message) (*EnqueueResult, error) {
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			ID:                m.ID,
			Name:              m.Name,
			Role:              m.Role,
			RoleType:          m.RoleType,
			Content:           m.Content,
			SourceDescription: m.SourceDescription,
		}
		if !m.Timestamp.IsZero() {
			wm.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
		}
		wire = append(wire, wm)
	}

	req := map[string]any{"tenant": tenant, "messages": wire}
	var resp EnqueueResult
	if err := c.post(ctx, "/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddEntity enqueues a single entity save task.
func (c *Client) AddEntity(ctx context.Context, tenant string, entity Entity) (*EnqueueResult, error) {
	req := map[string]any{"tenant": tenant, "entity": entity}
	var resp EnqueueResult
	if err := c.post(ctx, "/queue/entity", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddBatch enqueues a low-priority batch of operations as one task.
func (c *Client) AddBatch(ctx context.Context, tenant string, ops []BatchOperation) (*EnqueueResult, error) {
	req := map[string]any{"tenant": tenant, "operations": ops}
	var resp EnqueueResult
	if err := c.post(ctx, "/queue/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteEpisode removes an episode node from the graph.
func (c *Client) DeleteEpisode(ctx context.Context, episodeID string) error {
	return c.delete(ctx, "/episode/"+episodeID)
}

// DeleteEdge removes an entity edge from the graph.
func (c *Client) DeleteEdge(ctx context.Context, edgeID string) error {
	return c.delete(ctx, "/entity-edge/"+edgeID)
}

// DeleteGroup removes everything belonging to one tenant.
func (c *Client) DeleteGroup(ctx context.Context, tenant string) error {
	return c.delete(ctx, "/group/"+tenant)
}

// Clear wipes the whole graph.
func (c *Client) Clear(ctx context.Context) error {
	return c.post(ctx, "/clear", map[string]any{}, nil)
}

// QueueStatus reports broker queue depths.
func (c *Client) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	var resp QueueStatus
	if err := c.get(ctx, "/queue/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReprocessDLQ re-enqueues up to limit dead-lettered tasks. A zero limit
// uses the server default.
func (c *Client) ReprocessDLQ(ctx context.Context, limit int) (*ReprocessResult, error) {
	req := map[string]any{}
	if limit > 0 {
		req["limit"] = limit
	}
	var resp ReprocessResult
	if err := c.post(ctx, "/dlq/reprocess", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the ingress service.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

// post makes a POST request.
func (c *Client) post(ctx context.Context, path string, body, resp any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, resp)
}

// get makes a GET request.
func (c *Client) get(ctx context.Context, path string, resp any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, resp)
}

// delete makes a DELETE request.
func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, resp any) error {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		msg := string(bytes.TrimSpace(data))
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil {
		return json.NewDecoder(httpResp.Body).Decode(resp)
	}
	return nil
}

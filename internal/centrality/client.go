// Package centrality calls the external graph-analytics service that
// recomputes centrality metrics. Callers fall back to local approximations
// when the service is unreachable, so every method here fails fast.
package centrality

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
)

// Config holds the centrality-service client settings.
type Config struct {
	ServiceURL string        `env:"CENTRALITY_SERVICE_URL" envDefault:"http://localhost:8002"`
	Timeout    time.Duration `env:"CENTRALITY_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{ServiceURL: "http://localhost:8002", Timeout: 10 * time.Second}
}

// ConfigFromEnv overlays CENTRALITY_* variables on the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse centrality config: %w", err)
	}
	return cfg, nil
}

// Client is the HTTP client for the centrality service. It implements
// merge.CentralityRefresher.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient wires the client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("centrality"),
	}
}

type refreshNodeRequest struct {
	NodeID string `json:"node_uuid"`
}

type refreshTenantRequest struct {
	Tenant string `json:"group_id"`
}

// RefreshNode asks the service to recompute one node's metrics and write
// them back to the graph.
func (c *Client) RefreshNode(ctx context.Context, nodeID string) error {
	return c.post(ctx, "/centrality/node", refreshNodeRequest{NodeID: nodeID})
}

// RefreshTenant triggers a tenant-wide recomputation, e.g. after a
// maintenance sweep merged many nodes.
func (c *Client) RefreshTenant(ctx context.Context, tenant string) error {
	return c.post(ctx, "/centrality/recalculate", refreshTenantRequest{Tenant: tenant})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode centrality request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build centrality request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call centrality service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("centrality service returned status %d", resp.StatusCode)
	}
	return nil
}

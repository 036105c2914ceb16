// Package llm calls the language-model service for the judgment calls the
// pipeline cannot make heuristically: duplicate verdicts and name-variant
// selection.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
)

// Config holds the model-service client settings.
type Config struct {
	ServiceURL string        `env:"LLM_SERVICE_URL" envDefault:"http://localhost:8003"`
	Provider   string        `env:"LLM_PROVIDER" envDefault:"glm"`
	Model      string        `env:"LLM_MODEL" envDefault:"glm-4-plus"`
	Timeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		ServiceURL: "http://localhost:8003",
		Provider:   "glm",
		Model:      "glm-4-plus",
		Timeout:    30 * time.Second,
	}
}

// ConfigFromEnv overlays LLM_* variables on the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse llm config: %w", err)
	}
	return cfg, nil
}

// Client posts prompts to the model service and decodes JSON replies.
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
		logger: logger.Named("llm"),
	}
}

type extractRequest struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type extractResponse struct {
	Result string `json:"result"`
}

// ExtractJSON sends the prompt and unmarshals the model's JSON reply into
// out. The service may wrap the reply in a result field or return it raw;
// both are handled, as are markdown code fences around the JSON.
func (c *Client) ExtractJSON(ctx context.Context, prompt string, out any) error {
	body, err := jsonx.Marshal(extractRequest{Prompt: prompt, Provider: c.cfg.Provider, Model: c.cfg.Model})
	if err != nil {
		return fmt.Errorf("failed to encode llm request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/extract_json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call llm service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm service returned status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("failed to read llm response: %w", err)
	}
	raw := buf.Bytes()

	// Wrapped form first.
	var wrapped extractResponse
	if err := jsonx.Unmarshal(raw, &wrapped); err == nil && wrapped.Result != "" {
		return jsonx.UnmarshalFromString(stripFences(wrapped.Result), out)
	}
	return jsonx.Unmarshal(raw, out)
}

// stripFences removes a surrounding markdown code fence, which some models
// insist on emitting around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

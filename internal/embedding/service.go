// Package embedding turns names and facts into vectors for semantic
// duplicate recall. Production uses an HTTP embedding service; tests use the
// deterministic local embedder.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
)

// Embedder produces embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds the embedding client settings.
type Config struct {
	ServiceURL string        `env:"EMBEDDING_SERVICE_URL" envDefault:"http://localhost:8003"`
	Timeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"10s"`
	CacheSize  int           `env:"EMBEDDING_CACHE_SIZE" envDefault:"10000"`
	// Optional means embedding failures degrade to nil vectors instead of
	// failing the caller.
	Optional bool `env:"EMBEDDING_OPTIONAL" envDefault:"true"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		ServiceURL: "http://localhost:8003",
		Timeout:    10 * time.Second,
		CacheSize:  10000,
		Optional:   true,
	}
}

// ConfigFromEnv overlays EMBEDDING_* variables on the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse embedding config: %w", err)
	}
	return cfg, nil
}

// Client calls the embedding service over HTTP with an LRU cache in front.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *lru.Cache[string, []float32]
	logger *zap.Logger
}

// NewClient wires the client. CacheSize zero disables caching.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("embedding"),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for one text. With Optional set, a transport
// failure returns (nil, nil) so ingestion proceeds without the embedding.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	if c.cache != nil {
		if vec, ok := c.cache.Get(text); ok {
			return vec, nil
		}
	}

	body, err := jsonx.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if c.cfg.Optional {
			c.logger.Warn("embedding service unavailable, skipping embedding", zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to call embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := jsonx.Decode(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}

	if c.cache != nil {
		c.cache.Add(text, result.Embedding)
	}
	return result.Embedding, nil
}

// EmbedBatch embeds many texts in one call. Texts already cached are served
// locally; the rest go to the batch endpoint.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if text == "" {
			continue
		}
		if c.cache != nil {
			if vec, ok := c.cache.Get(text); ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	body, err := jsonx.Marshal(embedBatchRequest{Texts: missing})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/embed/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if c.cfg.Optional {
			c.logger.Warn("embedding service unavailable, skipping batch", zap.Error(err))
			return out, nil
		}
		return nil, fmt.Errorf("failed to call embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var result embedBatchResponse
	if err := jsonx.Decode(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode batch embed response: %w", err)
	}
	if len(result.Embeddings) != len(missing) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts",
			len(result.Embeddings), len(missing))
	}

	for j, i := range missingIdx {
		out[i] = result.Embeddings[j]
		if c.cache != nil {
			c.cache.Add(missing[j], result.Embeddings[j])
		}
	}
	return out, nil
}

// CosineSimilarity is the float32 cosine of two vectors, 0 on mismatch.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Local is a deterministic offline embedder: the same text always maps to
// the same unit vector. It has no semantic power beyond exact repetition and
// exists for tests and degraded operation.
type Local struct {
	Dim int
}

// NewLocal returns a local embedder with the given dimensionality.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 64
	}
	return &Local{Dim: dim}
}

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	vec := make([]float32, l.Dim)
	h := fnv.New64a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		// Map the hash onto [-1, 1).
		vec[i] = float32(int64(h.Sum64())) / float32(math.MaxInt64)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := l.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

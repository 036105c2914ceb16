// Package dedup resolves duplicate entities: per-episode resolution of newly
// extracted nodes against the graph, and an offline maintenance sweep over a
// tenant. Candidate recall combines a Bleve lexical index with embedding
// similarity, fused by reciprocal rank.
package dedup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/model"
)

// IndexConfig holds configuration for the lexical candidate index.
type IndexConfig struct {
	Path      string
	InMemory  bool
	Fuzziness int
	MinScore  float64
}

// DefaultIndexConfig returns sensible defaults.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Path:      "./data/candidates.bleve",
		InMemory:  false,
		Fuzziness: 2,
		MinScore:  0.1,
	}
}

// CandidateIndex is the fuzzy name index the hybrid search recalls from.
type CandidateIndex struct {
	index  bleve.Index
	cfg    IndexConfig
	logger *zap.Logger
	mu     sync.RWMutex
	stats  IndexStats
}

// IndexStats tracks index usage.
type IndexStats struct {
	TotalIndexed  int64     `json:"total_indexed"`
	TotalSearches int64     `json:"total_searches"`
	TotalHits     int64     `json:"total_hits"`
	LastUpdated   time.Time `json:"last_updated"`
	mu            sync.Mutex
}

type candidateDoc struct {
	Name   string `json:"name"`
	Tenant string `json:"tenant"`
}

// Hit is one lexical search result.
type Hit struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Tenant string  `json:"tenant"`
	Score  float64 `json:"score"`
}

// NewCandidateIndex opens or creates the index.
func NewCandidateIndex(cfg IndexConfig, logger *zap.Logger) (*CandidateIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ci := &CandidateIndex{cfg: cfg, logger: logger.Named("candidate_index")}

	var err error
	if cfg.InMemory {
		ci.index, err = bleve.NewMemOnly(ci.buildMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		ci.index, err = bleve.Open(cfg.Path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			ci.index, err = bleve.New(cfg.Path, ci.buildMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open candidate index: %w", err)
	}

	ci.logger.Info("candidate index ready",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory))
	return ci, nil
}

func (ci *CandidateIndex) buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Store = true
	nameField.IncludeTermVectors = true
	doc.AddFieldMappingsAt("name", nameField)

	tenantField := bleve.NewTextFieldMapping()
	tenantField.Store = true
	tenantField.IncludeInAll = false
	doc.AddFieldMappingsAt("tenant", tenantField)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("candidate", doc)
	m.DefaultAnalyzer = "standard"
	return m
}

// Index adds or updates one entity.
func (ci *CandidateIndex) Index(ctx context.Context, entity *model.Entity) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if err := ci.index.Index(entity.ID, candidateDoc{Name: entity.Name, Tenant: entity.Tenant}); err != nil {
		return fmt.Errorf("failed to index entity %s: %w", entity.ID, err)
	}
	ci.stats.mu.Lock()
	ci.stats.TotalIndexed++
	ci.stats.LastUpdated = time.Now()
	ci.stats.mu.Unlock()
	return nil
}

// IndexBatch bulk-loads entities, e.g. when warming from the store.
func (ci *CandidateIndex) IndexBatch(ctx context.Context, entities []*model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	ci.mu.Lock()
	defer ci.mu.Unlock()

	batch := ci.index.NewBatch()
	for _, entity := range entities {
		if err := batch.Index(entity.ID, candidateDoc{Name: entity.Name, Tenant: entity.Tenant}); err != nil {
			ci.logger.Warn("failed to add entity to index batch",
				zap.String("id", entity.ID), zap.Error(err))
		}
	}
	if err := ci.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute index batch: %w", err)
	}
	ci.stats.mu.Lock()
	ci.stats.TotalIndexed += int64(len(entities))
	ci.stats.LastUpdated = time.Now()
	ci.stats.mu.Unlock()
	return nil
}

// Remove drops an entity from the index, e.g. after a merge tombstones it.
func (ci *CandidateIndex) Remove(ctx context.Context, id string) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if err := ci.index.Delete(id); err != nil {
		return fmt.Errorf("failed to remove entity %s from index: %w", id, err)
	}
	return nil
}

// Search runs a fuzzy name query, optionally restricted to one tenant.
func (ci *CandidateIndex) Search(ctx context.Context, name, tenant string, limit int) ([]Hit, error) {
	ci.stats.mu.Lock()
	ci.stats.TotalSearches++
	ci.stats.mu.Unlock()

	fuzzy := query.NewFuzzyQuery(name)
	fuzzy.SetField("name")
	fuzzy.SetFuzziness(ci.cfg.Fuzziness)

	match := query.NewMatchQuery(name)
	match.SetField("name")

	var final query.Query = query.NewDisjunctionQuery([]query.Query{fuzzy, match})
	if tenant != "" {
		tenantQuery := query.NewTermQuery(tenant)
		tenantQuery.SetField("tenant")
		final = query.NewConjunctionQuery([]query.Query{final, tenantQuery})
	}

	req := bleve.NewSearchRequest(final)
	req.Size = limit
	req.Fields = []string{"name", "tenant"}

	res, err := ci.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("candidate search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if ci.cfg.MinScore > 0 && hit.Score < ci.cfg.MinScore {
			continue
		}
		h := Hit{ID: hit.ID, Score: hit.Score}
		if hit.Fields != nil {
			if n, ok := hit.Fields["name"].(string); ok {
				h.Name = n
			}
			if tn, ok := hit.Fields["tenant"].(string); ok {
				h.Tenant = tn
			}
		}
		hits = append(hits, h)
	}

	ci.stats.mu.Lock()
	ci.stats.TotalHits += int64(len(hits))
	ci.stats.mu.Unlock()
	return hits, nil
}

// Stats returns a copy of the counters.
func (ci *CandidateIndex) Stats() (indexed, searches, hits int64) {
	ci.stats.mu.Lock()
	defer ci.stats.mu.Unlock()
	return ci.stats.TotalIndexed, ci.stats.TotalSearches, ci.stats.TotalHits
}

// Close releases the index.
func (ci *CandidateIndex) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.index.Close()
}

package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/validation"
)

// rrfK is the reciprocal-rank-fusion constant. The standard value keeps any
// single ranker from dominating the fused ordering.
const rrfK = 60

// HybridSearcher recalls duplicate candidates for a node by fusing the
// lexical index ranking with an embedding-similarity ranking.
type HybridSearcher struct {
	index  *CandidateIndex
	store  graph.Store
	logger *zap.Logger
}

// NewHybridSearcher wires the searcher.
func NewHybridSearcher(index *CandidateIndex, store graph.Store, logger *zap.Logger) *HybridSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridSearcher{index: index, store: store, logger: logger.Named("hybrid_search")}
}

// Candidates returns up to limit candidate entities ranked by fused score.
// Tombstoned entities and the node itself are excluded.
func (h *HybridSearcher) Candidates(ctx context.Context, node *model.Entity, limit int) ([]*model.Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	fused := make(map[string]float64)

	hits, err := h.index.Search(ctx, node.Name, node.Tenant, limit*2)
	if err != nil {
		return nil, fmt.Errorf("failed lexical candidate search: %w", err)
	}
	for rank, hit := range hits {
		if hit.ID == node.ID {
			continue
		}
		fused[hit.ID] += 1.0 / float64(rrfK+rank+1)
	}

	if len(node.NameEmbedding) > 0 {
		semantic, err := h.semanticRanking(ctx, node, limit*2)
		if err != nil {
			h.logger.Warn("semantic candidate ranking failed, using lexical only",
				zap.Error(err))
		}
		for rank, id := range semantic {
			fused[id] += 1.0 / float64(rrfK+rank+1)
		}
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(fused))
	for id, score := range fused {
		ranked = append(ranked, scored{id, score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	out := make([]*model.Entity, 0, limit)
	for _, candidate := range ranked {
		if len(out) == limit {
			break
		}
		entity, err := h.store.GetEntity(ctx, candidate.id)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue // index lag; the row was deleted
			}
			return nil, fmt.Errorf("failed to load candidate %s: %w", candidate.id, err)
		}
		if entity.IsMerged {
			continue
		}
		out = append(out, entity)
	}
	return out, nil
}

// semanticRanking orders the tenant's entities by cosine similarity against
// the node's embedding.
func (h *HybridSearcher) semanticRanking(ctx context.Context, node *model.Entity, limit int) ([]string, error) {
	entities, err := h.store.EntitiesByTenant(ctx, node.Tenant)
	if err != nil {
		return nil, err
	}
	type scored struct {
		id  string
		sim float64
	}
	var ranked []scored
	for _, candidate := range entities {
		if candidate.ID == node.ID || candidate.IsMerged || len(candidate.NameEmbedding) == 0 {
			continue
		}
		sim := validation.SemanticSimilarity(node.NameEmbedding, candidate.NameEmbedding)
		if sim > 0 {
			ranked = append(ranked, scored{candidate.ID, sim})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, candidate := range ranked {
		out[i] = candidate.id
	}
	return out, nil
}

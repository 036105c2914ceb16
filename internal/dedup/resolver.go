package dedup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/cache"
	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/model"
)

// LLMResolution is the model's verdict for one deferred node. DuplicateIdx
// is the index into that node's candidate list, or -1 for "new entity".
type LLMResolution struct {
	ID           string   `json:"id"`
	DuplicateIdx int      `json:"duplicate_idx"`
	Duplicates   []string `json:"duplicates"`
}

// LLMDeduper asks a language model to decide duplicates among candidates.
type LLMDeduper interface {
	// ResolveDuplicates returns one resolution per node, aligned by index.
	ResolveDuplicates(ctx context.Context, nodes []*model.Entity, candidates [][]*model.Entity) ([]LLMResolution, error)
	// SelectBestVariant picks the best of several name variants.
	SelectBestVariant(ctx context.Context, names []string) (int, error)
}

// Method records how a node's identity was resolved.
type Method string

const (
	MethodEpisodeMap Method = "episode_map"
	MethodCache      Method = "cache"
	MethodExactMatch Method = "exact_match"
	MethodLLM        Method = "llm"
	MethodNew        Method = "new"
)

// Resolution pairs an extracted node with its resolved canonical identity.
type Resolution struct {
	Node       *model.Entity
	ResolvedID string
	Duplicate  bool
	Method     Method
}

// ResolverConfig tunes the per-episode resolver.
type ResolverConfig struct {
	// CrossTenant keys the in-episode map by name alone instead of
	// (name, tenant).
	CrossTenant    bool
	CandidateLimit int
}

// DefaultResolverConfig returns the standard tenant-scoped settings.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{CrossTenant: false, CandidateLimit: 10}
}

// Resolver resolves newly extracted nodes against the graph, strictly
// sequentially within an episode so two mentions of the same name cannot
// race each other into separate nodes.
type Resolver struct {
	cfg      ResolverConfig
	store    graph.Store
	search   *HybridSearcher
	cache    *cache.ResolutionCache
	identity identity.Config
	llm      LLMDeduper
	logger   *zap.Logger
}

// NewResolver wires the resolver. The cache and llm may be nil; without an
// llm, deferred nodes are treated as new entities.
func NewResolver(cfg ResolverConfig, store graph.Store, search *HybridSearcher, resolutionCache *cache.ResolutionCache, idCfg identity.Config, llm LLMDeduper, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:      cfg,
		store:    store,
		search:   search,
		cache:    resolutionCache,
		identity: idCfg,
		llm:      llm,
		logger:   logger.Named("dedup"),
	}
}

func (r *Resolver) episodeKey(node *model.Entity) string {
	if r.cfg.CrossTenant {
		return r.identity.Normalize(node.Name)
	}
	return node.Tenant + "\x00" + r.identity.Normalize(node.Name)
}

// ResolveEpisode resolves one episode's extracted nodes. Nodes without ids
// get deterministic ones assigned. The returned slice is aligned with the
// input.
func (r *Resolver) ResolveEpisode(ctx context.Context, extracted []*model.Entity) ([]Resolution, error) {
	resolutions := make([]Resolution, len(extracted))
	episodeMap := make(map[string]string)

	var deferred []int
	for i, node := range extracted {
		if node.ID == "" {
			node.ID = r.identity.EntityID(node.Name, node.Tenant)
		}
		key := r.episodeKey(node)

		// 1. In-episode map.
		if resolvedID, seen := episodeMap[key]; seen {
			resolutions[i] = Resolution{Node: node, ResolvedID: resolvedID, Duplicate: true, Method: MethodEpisodeMap}
			continue
		}

		// 2. Shared resolution cache.
		if r.cache != nil {
			if resolvedID, hit := r.cache.Lookup(ctx, node.Tenant, r.identity.Normalize(node.Name)); hit {
				episodeMap[key] = resolvedID
				resolutions[i] = Resolution{Node: node, ResolvedID: resolvedID, Duplicate: resolvedID != node.ID, Method: MethodCache}
				continue
			}
		}

		// 3. Exact name match in the store, oldest first.
		tenant := node.Tenant
		if r.cfg.CrossTenant {
			tenant = ""
		}
		existing, err := r.store.FindEntityByName(ctx, node.Name, tenant)
		switch {
		case err == nil:
			episodeMap[key] = existing.ID
			r.remember(ctx, node, existing.ID)
			resolutions[i] = Resolution{Node: node, ResolvedID: existing.ID, Duplicate: existing.ID != node.ID, Method: MethodExactMatch}
			continue
		case !errors.Is(err, graph.ErrNotFound):
			return nil, fmt.Errorf("failed exact-match lookup for %q: %w", node.Name, err)
		}

		// 4. Claim the name in-episode and defer to the LLM.
		episodeMap[key] = node.ID
		deferred = append(deferred, i)
	}

	if err := r.resolveDeferred(ctx, extracted, resolutions, deferred); err != nil {
		return nil, err
	}
	return resolutions, nil
}

// resolveDeferred runs hybrid candidate search plus the LLM over nodes no
// earlier step could resolve.
func (r *Resolver) resolveDeferred(ctx context.Context, extracted []*model.Entity, resolutions []Resolution, deferred []int) error {
	if len(deferred) == 0 {
		return nil
	}
	if r.llm == nil || r.search == nil {
		for _, i := range deferred {
			resolutions[i] = Resolution{Node: extracted[i], ResolvedID: extracted[i].ID, Method: MethodNew}
			r.remember(ctx, extracted[i], extracted[i].ID)
		}
		return nil
	}

	nodes := make([]*model.Entity, len(deferred))
	candidates := make([][]*model.Entity, len(deferred))
	for j, i := range deferred {
		nodes[j] = extracted[i]
		found, err := r.search.Candidates(ctx, extracted[i], r.cfg.CandidateLimit)
		if err != nil {
			return fmt.Errorf("failed candidate search for %q: %w", extracted[i].Name, err)
		}
		candidates[j] = found
	}

	verdicts, err := r.llm.ResolveDuplicates(ctx, nodes, candidates)
	if err != nil {
		r.logger.Warn("llm resolution failed, treating deferred nodes as new", zap.Error(err))
		for _, i := range deferred {
			resolutions[i] = Resolution{Node: extracted[i], ResolvedID: extracted[i].ID, Method: MethodNew}
			r.remember(ctx, extracted[i], extracted[i].ID)
		}
		return nil
	}

	for j, i := range deferred {
		node := extracted[i]
		resolved := Resolution{Node: node, ResolvedID: node.ID, Method: MethodNew}
		if j < len(verdicts) {
			idx := verdicts[j].DuplicateIdx
			switch {
			case idx < 0:
				// new entity
			case idx < len(candidates[j]):
				resolved = Resolution{Node: node, ResolvedID: candidates[j][idx].ID, Duplicate: true, Method: MethodLLM}
			default:
				r.logger.Warn("llm returned out-of-range duplicate index",
					zap.String("name", node.Name),
					zap.Int("index", idx),
					zap.Int("candidates", len(candidates[j])))
			}
		}
		resolutions[i] = resolved
		r.remember(ctx, node, resolved.ResolvedID)
	}
	return nil
}

func (r *Resolver) remember(ctx context.Context, node *model.Entity, resolvedID string) {
	if r.cache != nil {
		r.cache.Store(ctx, node.Tenant, r.identity.Normalize(node.Name), resolvedID)
	}
}

// PrimaryScore ranks duplicate-group members: embedding and summary presence
// add bonuses, age subtracts, so the oldest non-empty node wins.
func PrimaryScore(e *model.Entity) float64 {
	var score float64
	if len(e.NameEmbedding) > 0 {
		score += 1000
	}
	if e.Summary != "" {
		score += 100
	}
	return score - float64(e.CreatedAt.Unix())
}

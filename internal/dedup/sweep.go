package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/merge"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/validation"
)

// SweepTarget selects what the maintenance sweep deduplicates.
type SweepTarget string

const (
	SweepNodes SweepTarget = "nodes"
	SweepEdges SweepTarget = "edges"
	SweepBoth  SweepTarget = "both"
)

// SweepConfig parameterizes one maintenance run.
type SweepConfig struct {
	Tenant              string
	Target              SweepTarget
	SimilarityThreshold float64
}

// SweepResult counts what each phase merged.
type SweepResult struct {
	Tenant           string        `json:"tenant"`
	ExactMerged      int           `json:"exact_merged"`
	CaseMerged       int           `json:"case_insensitive_merged"`
	NormalizedMerged int           `json:"normalized_merged"`
	EmbeddingMerged  int           `json:"embedding_merged"`
	EdgesFolded      int           `json:"edges_folded"`
	GroupsSkipped    int           `json:"groups_skipped"`
	Duration         time.Duration `json:"duration_ms"`
	Errors           []string      `json:"errors,omitempty"`
}

// Merged sums the node merges across phases.
func (r *SweepResult) Merged() int {
	return r.ExactMerged + r.CaseMerged + r.NormalizedMerged + r.EmbeddingMerged
}

// Sweeper runs the offline four-phase duplicate sweep over a tenant. Each
// phase operates on the remainder after earlier phases.
type Sweeper struct {
	store    graph.Store
	engine   *merge.Engine
	identity identity.Config
	llm      LLMDeduper
	logger   *zap.Logger
}

// NewSweeper wires the sweeper. The llm may be nil; the primary-score
// heuristic then picks every group's survivor.
func NewSweeper(store graph.Store, engine *merge.Engine, idCfg identity.Config, llm LLMDeduper, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, engine: engine, identity: idCfg, llm: llm, logger: logger.Named("sweep")}
}

// Run executes the configured phases and returns per-phase counts.
func (s *Sweeper) Run(ctx context.Context, cfg SweepConfig) (*SweepResult, error) {
	started := time.Now()
	if cfg.Target == "" {
		cfg.Target = SweepNodes
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = s.identity.SimilarityThreshold
	}
	result := &SweepResult{Tenant: cfg.Tenant}

	if cfg.Target == SweepNodes || cfg.Target == SweepBoth {
		phases := []struct {
			name    string
			counter *int
			run     func(context.Context, SweepConfig, *SweepResult) (int, error)
		}{
			{"exact", &result.ExactMerged, s.phaseExact},
			{"case_insensitive", &result.CaseMerged, s.phaseCaseInsensitive},
			{"normalized", &result.NormalizedMerged, s.phaseNormalized},
			{"embedding", &result.EmbeddingMerged, s.phaseEmbedding},
		}
		for _, phase := range phases {
			merged, err := phase.run(ctx, cfg, result)
			if err != nil {
				return result, fmt.Errorf("failed %s dedup phase: %w", phase.name, err)
			}
			*phase.counter = merged
			s.logger.Info("sweep phase complete",
				zap.String("tenant", cfg.Tenant),
				zap.String("phase", phase.name),
				zap.Int("merged", merged))
		}
	}

	if cfg.Target == SweepEdges || cfg.Target == SweepBoth {
		folded, err := s.foldParallelEdges(ctx, cfg.Tenant)
		if err != nil {
			return result, fmt.Errorf("failed edge dedup phase: %w", err)
		}
		result.EdgesFolded = folded
	}

	result.Duration = time.Since(started)
	return result, nil
}

// live returns the tenant's non-tombstoned entities.
func (s *Sweeper) live(ctx context.Context, tenant string) ([]*model.Entity, error) {
	entities, err := s.store.EntitiesByTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := entities[:0]
	for _, e := range entities {
		if !e.IsMerged {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Sweeper) phaseExact(ctx context.Context, cfg SweepConfig, result *SweepResult) (int, error) {
	return s.mergeByKey(ctx, cfg.Tenant, result, false, func(e *model.Entity) string {
		return e.Name
	})
}

func (s *Sweeper) phaseCaseInsensitive(ctx context.Context, cfg SweepConfig, result *SweepResult) (int, error) {
	return s.mergeByKey(ctx, cfg.Tenant, result, false, func(e *model.Entity) string {
		return strings.ToLower(e.Name)
	})
}

func (s *Sweeper) phaseNormalized(ctx context.Context, cfg SweepConfig, result *SweepResult) (int, error) {
	return s.mergeByKey(ctx, cfg.Tenant, result, true, func(e *model.Entity) string {
		return s.identity.Normalize(e.Name)
	})
}

// mergeByKey groups live entities by key and merges every group larger than
// one. With guarded set, a group containing a compound-name pair is skipped.
func (s *Sweeper) mergeByKey(ctx context.Context, tenant string, result *SweepResult, guarded bool, key func(*model.Entity) string) (int, error) {
	entities, err := s.live(ctx, tenant)
	if err != nil {
		return 0, err
	}
	groups := make(map[string][]*model.Entity)
	for _, e := range entities {
		k := key(e)
		groups[k] = append(groups[k], e)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := 0
	for _, k := range keys {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		if guarded && s.hasCompoundPair(group) {
			result.GroupsSkipped++
			continue
		}
		n, err := s.mergeGroup(ctx, group, result)
		if err != nil {
			return merged, err
		}
		merged += n
	}
	return merged, nil
}

// phaseEmbedding clusters by pairwise cosine similarity with transitive
// union, then merges each cluster. Compound-name pairs never join a cluster.
func (s *Sweeper) phaseEmbedding(ctx context.Context, cfg SweepConfig, result *SweepResult) (int, error) {
	entities, err := s.live(ctx, cfg.Tenant)
	if err != nil {
		return 0, err
	}
	var embeddable []*model.Entity
	for _, e := range entities {
		if len(e.NameEmbedding) > 0 {
			embeddable = append(embeddable, e)
		}
	}
	if len(embeddable) < 2 {
		return 0, nil
	}

	parent := make([]int, len(embeddable))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	for i := 0; i < len(embeddable); i++ {
		for j := i + 1; j < len(embeddable); j++ {
			if s.identity.IsCompoundPair(embeddable[i].Name, embeddable[j].Name) {
				continue
			}
			sim := validation.SemanticSimilarity(embeddable[i].NameEmbedding, embeddable[j].NameEmbedding)
			if sim >= cfg.SimilarityThreshold {
				union(i, j)
			}
		}
	}

	clusters := make(map[int][]*model.Entity)
	for i, e := range embeddable {
		root := find(i)
		clusters[root] = append(clusters[root], e)
	}
	roots := make([]int, 0, len(clusters))
	for root := range clusters {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	merged := 0
	for _, root := range roots {
		cluster := clusters[root]
		if len(cluster) < 2 {
			continue
		}
		if s.hasCompoundPair(cluster) {
			result.GroupsSkipped++
			continue
		}
		n, err := s.mergeGroup(ctx, cluster, result)
		if err != nil {
			return merged, err
		}
		merged += n
	}
	return merged, nil
}

// mergeGroup picks the primary and merges the rest into it. The LLM may veto
// the heuristic primary by choosing a better name variant.
func (s *Sweeper) mergeGroup(ctx context.Context, group []*model.Entity, result *SweepResult) (int, error) {
	sort.Slice(group, func(i, j int) bool {
		si, sj := PrimaryScore(group[i]), PrimaryScore(group[j])
		if si != sj {
			return si > sj
		}
		return group[i].ID < group[j].ID
	})
	primary := group[0]

	if s.llm != nil {
		names := make([]string, len(group))
		for i, e := range group {
			names[i] = e.Name
		}
		if idx, err := s.llm.SelectBestVariant(ctx, names); err == nil && idx >= 0 && idx < len(group) {
			primary = group[idx]
		}
	}

	merged := 0
	for _, member := range group {
		if member.ID == primary.ID {
			continue
		}
		if _, err := s.engine.Merge(ctx, member.ID, primary.ID, merge.DefaultOptions()); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("merge %s into %s: %v", member.ID, primary.ID, err))
			continue
		}
		merged++
	}
	return merged, nil
}

func (s *Sweeper) hasCompoundPair(group []*model.Entity) bool {
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			if s.identity.IsCompoundPair(group[i].Name, group[j].Name) {
				return true
			}
		}
	}
	return false
}

// foldParallelEdges merges duplicate edges sharing endpoints and type.
func (s *Sweeper) foldParallelEdges(ctx context.Context, tenant string) (int, error) {
	entities, err := s.live(ctx, tenant)
	if err != nil {
		return 0, err
	}
	folded := 0
	for _, entity := range entities {
		edges, err := s.store.EdgesFrom(ctx, entity.ID)
		if err != nil {
			return folded, err
		}
		groups := make(map[string][]*model.Edge)
		for _, edge := range edges {
			if edge.Name == model.AuditRelation {
				continue
			}
			k := edge.TargetID + "\x00" + strings.ToUpper(edge.Name)
			groups[k] = append(groups[k], edge)
		}
		for _, group := range groups {
			if len(group) < 2 {
				continue
			}
			sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
			survivor := group[0]
			for _, extra := range group[1:] {
				survivor = merge.MergeEdgeProperties(survivor, extra)
				if err := s.store.DeleteEdge(ctx, extra.ID); err != nil {
					return folded, fmt.Errorf("failed to delete parallel edge %s: %w", extra.ID, err)
				}
				folded++
			}
			if err := s.store.UpsertEdge(ctx, survivor); err != nil {
				return folded, fmt.Errorf("failed to update folded edge %s: %w", survivor.ID, err)
			}
		}
	}
	return folded, nil
}

package validation

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/model"
)

// FuzzyConfig holds the duplicate-analysis thresholds. Combined score weighs
// word overlap at 0.3 and semantic similarity at 0.7.
type FuzzyConfig struct {
	EntityThreshold   float64
	EdgeThreshold     float64
	WordWeight        float64
	SemanticWeight    float64
	BoostExactMatches bool
}

// DefaultFuzzyConfig mirrors the dedup similarity default.
func DefaultFuzzyConfig() FuzzyConfig {
	return FuzzyConfig{
		EntityThreshold:   0.85,
		EdgeThreshold:     0.85,
		WordWeight:        0.3,
		SemanticWeight:    0.7,
		BoostExactMatches: true,
	}
}

// FuzzyConfigFromEnv starts from the FUZZY_MATCHING_STRATEGY preset
// (strict, balanced, permissive or custom; balanced is the default) and
// applies per-threshold overrides.
func FuzzyConfigFromEnv() FuzzyConfig {
	cfg := DefaultFuzzyConfig()
	switch strings.ToLower(os.Getenv("FUZZY_MATCHING_STRATEGY")) {
	case "strict":
		cfg.EntityThreshold = 0.95
		cfg.EdgeThreshold = 0.95
		cfg.BoostExactMatches = false
	case "permissive":
		cfg.EntityThreshold = 0.75
		cfg.EdgeThreshold = 0.75
	case "balanced", "custom", "":
	}
	if v, err := strconv.ParseFloat(os.Getenv("FUZZY_ENTITY_THRESHOLD"), 64); err == nil {
		cfg.EntityThreshold = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("FUZZY_EDGE_THRESHOLD"), 64); err == nil {
		cfg.EdgeThreshold = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("FUZZY_WORD_WEIGHT"), 64); err == nil {
		cfg.WordWeight = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("FUZZY_SEMANTIC_WEIGHT"), 64); err == nil {
		cfg.SemanticWeight = v
	}
	return cfg
}

// FuzzyMatcher scores entity and edge pairs for likely duplication.
type FuzzyMatcher struct {
	cfg      FuzzyConfig
	identity identity.Config
}

// NewFuzzyMatcher builds a matcher; normalization follows the identity config.
func NewFuzzyMatcher(cfg FuzzyConfig, idCfg identity.Config) *FuzzyMatcher {
	return &FuzzyMatcher{cfg: cfg, identity: idCfg}
}

// WordOverlap is the Jaccard similarity of the normalized token sets.
func (m *FuzzyMatcher) WordOverlap(a, b string) float64 {
	ta := tokenSet(m.identity.Normalize(a))
	tb := tokenSet(m.identity.Normalize(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if tb[tok] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

// SemanticSimilarity is the cosine of the two L2-normalized embeddings; zero
// when either is missing.
func SemanticSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CombinedScore blends word overlap and semantic similarity. An exact word
// match is boosted to 1.0 when configured. Without embeddings the word score
// carries the full weight.
func (m *FuzzyMatcher) CombinedScore(nameA, nameB string, embA, embB []float32) float64 {
	word := m.WordOverlap(nameA, nameB)
	if m.cfg.BoostExactMatches && word == 1 {
		return 1
	}
	if len(embA) == 0 || len(embB) == 0 {
		return word
	}
	semantic := SemanticSimilarity(embA, embB)
	return m.cfg.WordWeight*word + m.cfg.SemanticWeight*semantic
}

// MatchEntities reports whether the pair scores at or above the entity
// threshold, with the compound-name guard applied first.
func (m *FuzzyMatcher) MatchEntities(a, b *model.Entity) (bool, float64) {
	if m.identity.IsCompoundPair(a.Name, b.Name) {
		return false, 0
	}
	score := m.CombinedScore(a.Name, b.Name, a.NameEmbedding, b.NameEmbedding)
	return score >= m.cfg.EntityThreshold, score
}

// MatchEdges requires the same endpoint pair and a combined fact similarity
// at or above the edge threshold.
func (m *FuzzyMatcher) MatchEdges(a, b *model.Edge) (bool, float64) {
	if a.SourceID != b.SourceID || a.TargetID != b.TargetID {
		return false, 0
	}
	score := m.CombinedScore(a.Fact, b.Fact, a.FactEmbedding, b.FactEmbedding)
	return score >= m.cfg.EdgeThreshold, score
}

func tokenSet(normalized string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Split(normalized, "_") {
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

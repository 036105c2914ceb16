// Package merge collapses duplicate entities into a canonical node: the
// policy layer decides which node survives and how fields combine, the engine
// transfers edges and finalizes the duplicate.
package merge

import (
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/temporal-graph-ingest/internal/model"
)

// Strategy selects the primary among a duplicate group.
type Strategy string

const (
	PreserveOldest            Strategy = "preserve_oldest"
	PreserveNewest            Strategy = "preserve_newest"
	PreserveMostComplete      Strategy = "preserve_most_complete"
	PreserveHighestCentrality Strategy = "preserve_highest_centrality"
	AggregateAll              Strategy = "aggregate_all"
)

// FieldRule is what happens to a field during a merge.
type FieldRule string

const (
	RuleOverwrite FieldRule = "overwrite"
	RuleMerge     FieldRule = "merge"
	RulePreserve  FieldRule = "preserve"
	RuleSkip      FieldRule = "skip"
)

// Resolution breaks ties when both sides carry a value.
type Resolution string

const (
	FirstWins   Resolution = "first_wins"
	LastWins    Resolution = "last_wins"
	LongestWins Resolution = "longest_wins"
	MaxWins     Resolution = "max"
	MinWins     Resolution = "min"
	Average     Resolution = "average"
	Concatenate Resolution = "concatenate"
	ListUnion   Resolution = "list_union"
	Custom      Resolution = "custom"
)

// FieldPolicy pairs a rule with its conflict resolution.
type FieldPolicy struct {
	Rule       FieldRule
	Resolution Resolution
}

// Policy is the full merge configuration.
type Policy struct {
	Strategy          Strategy
	DefaultResolution Resolution
	Fields            map[string]FieldPolicy
}

// DefaultPolicy returns the tabulated default field rules.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:          PreserveOldest,
		DefaultResolution: FirstWins,
		Fields: map[string]FieldPolicy{
			"id":             {RulePreserve, FirstWins},
			"name":           {RuleMerge, LongestWins},
			"summary":        {RuleMerge, LongestWins},
			"labels":         {RuleMerge, ListUnion},
			"tenant":         {RulePreserve, FirstWins},
			"created_at":     {RulePreserve, MinWins},
			"updated_at":     {RuleOverwrite, MaxWins},
			"name_embedding": {RuleMerge, LongestWins},
			"centrality":     {RuleMerge, MaxWins},
		},
	}
}

// PolicyFromEnv overlays MERGE_STRATEGY and MERGE_DEFAULT_CONFLICT_RESOLUTION.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()
	if s := strings.ToLower(os.Getenv("MERGE_STRATEGY")); s != "" {
		switch Strategy(s) {
		case PreserveOldest, PreserveNewest, PreserveMostComplete,
			PreserveHighestCentrality, AggregateAll:
			p.Strategy = Strategy(s)
		}
	}
	if r := strings.ToLower(os.Getenv("MERGE_DEFAULT_CONFLICT_RESOLUTION")); r != "" {
		p.DefaultResolution = Resolution(r)
	}
	return p
}

// CompletenessScore rewards filled fields: presence plus length bonuses for
// summary, labels, embedding, attribute count, and connection count.
func CompletenessScore(e *model.Entity, connections int) float64 {
	var score float64
	if e.Name != "" {
		score += 1
	}
	if e.Summary != "" {
		score += 1 + min(float64(len(e.Summary))/1000, 1)
	}
	if len(e.Labels) > 0 {
		score += 0.5 + 0.1*float64(len(e.Labels))
	}
	if len(e.NameEmbedding) > 0 {
		score += 1
	}
	score += 0.1 * float64(len(e.Attributes))
	score += 0.05 * float64(connections)
	return score
}

// CentralityScore is the weighted blend used to pick the most central node.
func CentralityScore(e *model.Entity) float64 {
	c := e.Centrality
	return 0.3*c.Pagerank + 0.25*c.Degree + 0.2*c.Betweenness +
		0.15*c.Eigenvector + 0.1*c.Importance
}

// SelectPrimary picks the surviving node from a duplicate group. The
// connections map (node id to degree) feeds the completeness strategy and may
// be nil. AggregateAll keeps the oldest as the base the rest fold into.
func (p Policy) SelectPrimary(group []*model.Entity, connections map[string]int) *model.Entity {
	if len(group) == 0 {
		return nil
	}
	best := group[0]
	for _, candidate := range group[1:] {
		if p.better(candidate, best, connections) {
			best = candidate
		}
	}
	return best
}

func (p Policy) better(a, b *model.Entity, connections map[string]int) bool {
	switch p.Strategy {
	case PreserveNewest:
		return a.CreatedAt.After(b.CreatedAt)
	case PreserveMostComplete:
		return CompletenessScore(a, connections[a.ID]) > CompletenessScore(b, connections[b.ID])
	case PreserveHighestCentrality:
		return CentralityScore(a) > CentralityScore(b)
	default: // PreserveOldest, AggregateAll
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

// MergeEntities folds the duplicate's fields into a copy of the primary
// according to the field policies. The duplicate's name, when it loses, is
// retained under the alternate_names attribute.
func (p Policy) MergeEntities(primary, duplicate *model.Entity) *model.Entity {
	merged := *primary
	merged.Labels = append([]string(nil), primary.Labels...)
	merged.Attributes = shallowCopy(primary.Attributes)

	// name: merge/longest, losing name kept as history
	if len(duplicate.Name) > len(merged.Name) {
		recordAlternateName(&merged, merged.Name)
		merged.Name = duplicate.Name
	} else if duplicate.Name != "" && duplicate.Name != merged.Name {
		recordAlternateName(&merged, duplicate.Name)
	}

	// summary: merge/longest
	if len(duplicate.Summary) > len(merged.Summary) {
		merged.Summary = duplicate.Summary
	}

	// labels: merge/union
	merged.Labels = lo.Union(merged.Labels, duplicate.Labels)

	// created_at: preserve/min; updated_at: overwrite/max
	if !duplicate.CreatedAt.IsZero() &&
		(merged.CreatedAt.IsZero() || duplicate.CreatedAt.Before(merged.CreatedAt)) {
		merged.CreatedAt = duplicate.CreatedAt
	}
	if duplicate.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = duplicate.UpdatedAt
	}

	// name_embedding: merge/longest
	if len(duplicate.NameEmbedding) > len(merged.NameEmbedding) {
		merged.NameEmbedding = duplicate.NameEmbedding
	}

	// centrality: merge/max per metric
	merged.Centrality.Degree = max(merged.Centrality.Degree, duplicate.Centrality.Degree)
	merged.Centrality.Pagerank = max(merged.Centrality.Pagerank, duplicate.Centrality.Pagerank)
	merged.Centrality.Betweenness = max(merged.Centrality.Betweenness, duplicate.Centrality.Betweenness)
	merged.Centrality.Eigenvector = max(merged.Centrality.Eigenvector, duplicate.Centrality.Eigenvector)
	merged.Centrality.Importance = max(merged.Centrality.Importance, duplicate.Centrality.Importance)

	// attributes: shallow merge, existing wins
	for key, value := range duplicate.Attributes {
		if _, exists := merged.Attributes[key]; !exists {
			merged.Attributes[key] = value
		}
	}
	return &merged
}

func recordAlternateName(e *model.Entity, name string) {
	if name == "" {
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	existing, _ := e.Attributes["alternate_names"].([]string)
	if lo.Contains(existing, name) {
		return
	}
	e.Attributes["alternate_names"] = append(existing, name)
}

// MergeEdgeProperties folds an incoming parallel edge into the existing one:
// episodes are an ordered union, temporal fields widen, content fields keep
// the existing value unless empty, attributes shallow-merge with existing
// winning on conflict.
func MergeEdgeProperties(existing, incoming *model.Edge) *model.Edge {
	merged := *existing
	merged.Episodes = lo.Union(existing.Episodes, incoming.Episodes)

	if !incoming.CreatedAt.IsZero() &&
		(merged.CreatedAt.IsZero() || incoming.CreatedAt.Before(merged.CreatedAt)) {
		merged.CreatedAt = incoming.CreatedAt
	}
	if !incoming.ValidAt.IsZero() &&
		(merged.ValidAt.IsZero() || incoming.ValidAt.Before(merged.ValidAt)) {
		merged.ValidAt = incoming.ValidAt
	}
	merged.InvalidAt = laterOf(existing.InvalidAt, incoming.InvalidAt)

	if merged.Fact == "" {
		merged.Fact = incoming.Fact
	}
	if len(merged.FactEmbedding) == 0 {
		merged.FactEmbedding = incoming.FactEmbedding
	}

	merged.Attributes = shallowCopy(existing.Attributes)
	for key, value := range incoming.Attributes {
		if current, exists := merged.Attributes[key]; !exists || isEmptyValue(current) {
			merged.Attributes[key] = value
		}
	}
	return &merged
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}

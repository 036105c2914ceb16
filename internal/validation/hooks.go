// Package validation guards graph writes: pre-save hooks, post-save integrity
// checks, centrality bounds, fuzzy duplicate analysis, and the orchestrator
// that composes them into a single report per operation.
package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/temporal-graph-ingest/internal/model"
)

// HookKind selects which registry bucket a hook runs in.
type HookKind string

const (
	HookPreEntity      HookKind = "pre_entity"
	HookPreEdge        HookKind = "pre_edge"
	HookPreEpisode     HookKind = "pre_episode"
	HookPreBatch       HookKind = "pre_batch"
	HookPostValidation HookKind = "post_validation"
)

// Outcome is the tri-state result of a hook.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeSkip short-circuits with success but the record is not persisted.
	OutcomeSkip
	// OutcomeFail short-circuits with failure.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSkip:
		return "skip"
	case OutcomeFail:
		return "fail"
	}
	return "unknown"
}

// HookResult carries the outcome and, for skip/fail, the reason.
type HookResult struct {
	Outcome Outcome
	Reason  string
}

func hookOK() HookResult { return HookResult{Outcome: OutcomeOK} }

func hookSkip(format string, args ...any) HookResult {
	return HookResult{Outcome: OutcomeSkip, Reason: fmt.Sprintf(format, args...)}
}

func hookFail(format string, args ...any) HookResult {
	return HookResult{Outcome: OutcomeFail, Reason: fmt.Sprintf(format, args...)}
}

// BatchState accumulates what earlier members of the current batch claimed,
// backing intra-batch duplicate detection. Not safe for concurrent use; one
// batch is processed by one goroutine.
type BatchState struct {
	ids   map[string]bool
	names map[string]bool
}

// NewBatchState returns empty per-batch bookkeeping.
func NewBatchState() *BatchState {
	return &BatchState{ids: make(map[string]bool), names: make(map[string]bool)}
}

func (b *BatchState) nameKey(name, tenant string) string {
	return tenant + "\x00" + strings.ToLower(strings.TrimSpace(name))
}

// Subject carries the records a hook kind operates on; fields the kind does
// not use are nil.
type Subject struct {
	Batch    *BatchState
	Entity   *model.Entity
	Edge     *model.Edge
	Episode  *model.Episode
	Entities []*model.Entity
	Report   *Report
}

// Hook is one registered validation hook. Hooks of the same kind run in
// ascending priority and short-circuit on the first skip or fail.
type Hook struct {
	Name     string
	Kind     HookKind
	Priority int
	Enabled  bool
	Fn       func(ctx context.Context, s *Subject) HookResult
}

// HookRegistry holds the hooks, bucketed by kind.
type HookRegistry struct {
	mu         sync.RWMutex
	buckets    map[HookKind][]*Hook
	logger     *zap.Logger
	titleCaser cases.Caser
}

// HookConfig toggles the built-in hooks.
type HookConfig struct {
	NormalizeNames bool
	TitleCaseNames bool
	// MaxBatch fails pre_batch when a batch exceeds it. Zero disables.
	MaxBatch int
}

// DefaultHookConfig enables normalization without title casing.
func DefaultHookConfig() HookConfig {
	return HookConfig{NormalizeNames: true, TitleCaseNames: false, MaxBatch: 1000}
}

// NewHookRegistry builds a registry pre-loaded with the built-in hooks.
func NewHookRegistry(cfg HookConfig, logger *zap.Logger) *HookRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &HookRegistry{
		buckets:    make(map[HookKind][]*Hook),
		logger:     logger.Named("hooks"),
		titleCaser: cases.Title(language.Und),
	}
	r.Register(&Hook{
		Name: "required_fields", Kind: HookPreEntity, Priority: 10, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			e := s.Entity
			if e.ID == "" {
				return hookFail("entity missing required field: id")
			}
			if strings.TrimSpace(e.Name) == "" {
				return hookFail("entity %s missing required field: name", e.ID)
			}
			if e.Tenant == "" {
				return hookFail("entity %s missing required field: tenant", e.ID)
			}
			return hookOK()
		},
	})
	r.Register(&Hook{
		Name: "normalize_name", Kind: HookPreEntity, Priority: 20, Enabled: cfg.NormalizeNames,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			trimmed := strings.Join(strings.Fields(s.Entity.Name), " ")
			if cfg.TitleCaseNames {
				trimmed = r.titleCaser.String(trimmed)
			}
			s.Entity.Name = trimmed
			return hookOK()
		},
	})
	r.Register(&Hook{
		Name: "intra_batch_duplicates", Kind: HookPreEntity, Priority: 30, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			batch, e := s.Batch, s.Entity
			if batch == nil {
				return hookOK()
			}
			if batch.ids[e.ID] {
				return hookFail("duplicate id %s within batch", e.ID)
			}
			key := batch.nameKey(e.Name, e.Tenant)
			if batch.names[key] {
				return hookSkip("duplicate name %q in tenant %s within batch", e.Name, e.Tenant)
			}
			batch.ids[e.ID] = true
			batch.names[key] = true
			return hookOK()
		},
	})
	r.Register(&Hook{
		Name: "required_fields", Kind: HookPreEdge, Priority: 10, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			edge := s.Edge
			if edge.ID == "" {
				return hookFail("edge missing required field: id")
			}
			if edge.SourceID == "" || edge.TargetID == "" {
				return hookFail("edge %s missing endpoint", edge.ID)
			}
			if edge.Tenant == "" {
				return hookFail("edge %s missing required field: tenant", edge.ID)
			}
			return hookOK()
		},
	})
	r.Register(&Hook{
		Name: "required_fields", Kind: HookPreEpisode, Priority: 10, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			ep := s.Episode
			if ep.Tenant == "" {
				return hookFail("episode is missing a tenant")
			}
			if ep.Content == "" {
				return hookFail("episode %s has no content", ep.ID)
			}
			return hookOK()
		},
	})
	r.Register(&Hook{
		Name: "batch_size", Kind: HookPreBatch, Priority: 10, Enabled: cfg.MaxBatch > 0,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			if len(s.Entities) > cfg.MaxBatch {
				return hookFail("batch of %d exceeds limit %d", len(s.Entities), cfg.MaxBatch)
			}
			return hookOK()
		},
	})
	return r
}

// Register adds a hook to its kind's bucket, keeping it priority-sorted.
func (r *HookRegistry) Register(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := append(r.buckets[h.Kind], h)
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].Priority < bucket[j].Priority
	})
	r.buckets[h.Kind] = bucket
}

// SetEnabled toggles hooks by name across all kinds. Unknown names are
// ignored.
func (r *HookRegistry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bucket := range r.buckets {
		for _, h := range bucket {
			if h.Name == name {
				h.Enabled = enabled
			}
		}
	}
}

// run executes one kind's bucket in ascending priority, short-circuiting on
// the first skip or fail. The subject may be transformed in place.
func (r *HookRegistry) run(ctx context.Context, kind HookKind, s *Subject) HookResult {
	r.mu.RLock()
	hooks := make([]*Hook, len(r.buckets[kind]))
	copy(hooks, r.buckets[kind])
	r.mu.RUnlock()

	for _, h := range hooks {
		if !h.Enabled {
			continue
		}
		result := h.Fn(ctx, s)
		if result.Outcome != OutcomeOK {
			r.logger.Debug("hook short-circuit",
				zap.String("kind", string(kind)),
				zap.String("hook", h.Name),
				zap.String("outcome", result.Outcome.String()),
				zap.String("reason", result.Reason))
			return result
		}
	}
	return hookOK()
}

// RunEntity executes the pre_entity hooks against one batch member.
func (r *HookRegistry) RunEntity(ctx context.Context, batch *BatchState, e *model.Entity) HookResult {
	return r.run(ctx, HookPreEntity, &Subject{Batch: batch, Entity: e})
}

// RunEdge executes the pre_edge hooks.
func (r *HookRegistry) RunEdge(ctx context.Context, edge *model.Edge) HookResult {
	return r.run(ctx, HookPreEdge, &Subject{Edge: edge})
}

// RunEpisode executes the pre_episode hooks.
func (r *HookRegistry) RunEpisode(ctx context.Context, episode *model.Episode) HookResult {
	return r.run(ctx, HookPreEpisode, &Subject{Episode: episode})
}

// RunBatch executes the pre_batch hooks once over a whole batch.
func (r *HookRegistry) RunBatch(ctx context.Context, entities []*model.Entity) HookResult {
	return r.run(ctx, HookPreBatch, &Subject{Entities: entities})
}

// RunReport executes the post_validation hooks over a finished report.
func (r *HookRegistry) RunReport(ctx context.Context, report *Report) HookResult {
	return r.run(ctx, HookPostValidation, &Subject{Report: report})
}

// EntityDecision pairs a batch member with its hook outcome.
type EntityDecision struct {
	Entity *model.Entity
	Result HookResult
}

// RunEntityBatch runs the pre_entity hooks over a whole batch, sharing one
// BatchState so intra-batch duplicates are caught.
func (r *HookRegistry) RunEntityBatch(ctx context.Context, entities []*model.Entity) []EntityDecision {
	batch := NewBatchState()
	out := make([]EntityDecision, 0, len(entities))
	for _, e := range entities {
		out = append(out, EntityDecision{Entity: e, Result: r.RunEntity(ctx, batch, e)})
	}
	return out
}

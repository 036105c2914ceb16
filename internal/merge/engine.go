package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/taskerr"
)

// CentralityRefresher recomputes centrality for a single node, typically by
// calling the external centrality service.
type CentralityRefresher interface {
	RefreshNode(ctx context.Context, nodeID string) error
}

// Options tune one merge call.
type Options struct {
	// CreateAuditEdge writes duplicate-[:IS_DUPLICATE_OF]->canonical.
	CreateAuditEdge bool
	// DeleteDuplicate physically removes the duplicate; otherwise it is
	// tombstoned with is_merged / merged_into / merged_at.
	DeleteDuplicate bool
	// AllowCrossTenant permits merging across tenants. Such merges are logged.
	AllowCrossTenant bool
	// SkipCentralityRefresh leaves canonical's metrics untouched.
	SkipCentralityRefresh bool
}

// DefaultOptions tombstones the duplicate and writes the audit edge.
func DefaultOptions() Options {
	return Options{CreateAuditEdge: true}
}

// Result reports what one merge did.
type Result struct {
	EdgesTransferred       int           `json:"edges_transferred"`
	ConflictsResolved      int           `json:"conflicts_resolved"`
	NodesDeleted           int           `json:"nodes_deleted"`
	CentralityRecalculated bool          `json:"centrality_recalculated"`
	CentralityMethod       string        `json:"centrality_method,omitempty"`
	Duration               time.Duration `json:"duration_ms"`
	Errors                 []string      `json:"errors,omitempty"`
}

// Engine merges a duplicate node into a canonical one. Each step is a single
// store operation and individually idempotent, so a crashed merge can be
// re-run safely.
type Engine struct {
	store      graph.Store
	policy     Policy
	identity   identity.Config
	centrality CentralityRefresher
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine builds a merge engine. The refresher may be nil; the engine then
// always falls back to the local degree-based approximation.
func NewEngine(store graph.Store, policy Policy, idCfg identity.Config, refresher CentralityRefresher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		policy:     policy,
		identity:   idCfg,
		centrality: refresher,
		logger:     logger.Named("merge"),
		now:        time.Now,
	}
}

// Merge folds duplicateID into canonicalID. Re-running a completed merge is
// a no-op.
func (e *Engine) Merge(ctx context.Context, duplicateID, canonicalID string, opts Options) (*Result, error) {
	started := e.now()
	result := &Result{}

	if duplicateID == canonicalID {
		return nil, taskerr.Permanent(&taskerr.MergeError{Reason: "cannot merge a node into itself"})
	}

	duplicate, err := e.store.GetEntity(ctx, duplicateID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, taskerr.Permanent(&taskerr.MergeError{
				Reason: fmt.Sprintf("duplicate node %s does not exist", duplicateID)})
		}
		return nil, fmt.Errorf("failed to load duplicate %s: %w", duplicateID, err)
	}
	canonical, err := e.store.GetEntity(ctx, canonicalID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, taskerr.Permanent(&taskerr.MergeError{
				Reason: fmt.Sprintf("canonical node %s does not exist", canonicalID)})
		}
		return nil, fmt.Errorf("failed to load canonical %s: %w", canonicalID, err)
	}

	// Idempotency: already merged into this canonical.
	if duplicate.IsMerged && duplicate.MergedInto == canonicalID {
		result.Duration = e.now().Sub(started)
		return result, nil
	}

	if duplicate.Tenant != canonical.Tenant {
		if !opts.AllowCrossTenant {
			return nil, taskerr.Permanent(&taskerr.MergeError{
				Reason: fmt.Sprintf("cross-tenant merge %s -> %s without allow_cross_tenant_merge",
					duplicate.Tenant, canonical.Tenant)})
		}
		e.logger.Warn("cross-tenant merge",
			zap.String("duplicate", duplicateID),
			zap.String("canonical", canonicalID),
			zap.String("from_tenant", duplicate.Tenant),
			zap.String("to_tenant", canonical.Tenant))
	}

	// Fold the duplicate's fields into the canonical per policy.
	merged := e.policy.MergeEntities(canonical, duplicate)
	if err := e.store.UpsertEntity(ctx, merged); err != nil {
		return result, fmt.Errorf("failed to update canonical %s: %w", canonicalID, err)
	}

	// Step 1: transfer incoming edges X -> duplicate.
	incoming, err := e.store.EdgesTo(ctx, duplicateID)
	if err != nil {
		return result, fmt.Errorf("failed to load incoming edges of %s: %w", duplicateID, err)
	}
	for _, edge := range incoming {
		if edge.SourceID == canonicalID || edge.Name == model.AuditRelation {
			continue // residue cleanup handles canonical->duplicate edges
		}
		if err := e.transferEdge(ctx, edge, edge.SourceID, canonicalID, canonical.Tenant, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	// Step 2: transfer outgoing edges duplicate -> Y, skipping self-references.
	outgoing, err := e.store.EdgesFrom(ctx, duplicateID)
	if err != nil {
		return result, fmt.Errorf("failed to load outgoing edges of %s: %w", duplicateID, err)
	}
	for _, edge := range outgoing {
		if edge.TargetID == canonicalID || edge.Name == model.AuditRelation {
			continue
		}
		if err := e.transferEdge(ctx, edge, canonicalID, edge.TargetID, canonical.Tenant, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	// Step 3: delete residual non-audit edges still touching the duplicate.
	if err := e.deleteResidue(ctx, duplicateID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	// Step 4: audit edge.
	mergedAt := e.now().UTC()
	if opts.CreateAuditEdge && !opts.DeleteDuplicate {
		if err := e.store.MergeAuditEdge(ctx, duplicateID, canonicalID, mergedAt); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	// Step 5: finalize the duplicate.
	if opts.DeleteDuplicate {
		if err := e.store.DeleteEntity(ctx, duplicateID, true); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.NodesDeleted++
		}
	} else {
		duplicate.IsMerged = true
		duplicate.MergedInto = canonicalID
		duplicate.MergedAt = mergedAt
		duplicate.UpdatedAt = mergedAt
		if err := e.store.UpsertEntity(ctx, duplicate); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	// Step 6: centrality refresh for the canonical, best effort.
	if !opts.SkipCentralityRefresh {
		result.CentralityMethod = e.refreshCentrality(ctx, canonicalID)
		result.CentralityRecalculated = result.CentralityMethod != ""
	}

	result.Duration = e.now().Sub(started)
	e.logger.Info("merge complete",
		zap.String("duplicate", duplicateID),
		zap.String("canonical", canonicalID),
		zap.Int("edges_transferred", result.EdgesTransferred),
		zap.Int("conflicts_resolved", result.ConflictsResolved),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// MergeGroup resolves a whole duplicate group: the policy picks the primary
// and every other member is merged into it sequentially.
func (e *Engine) MergeGroup(ctx context.Context, group []*model.Entity, opts Options) (*model.Entity, []*Result, error) {
	if len(group) == 0 {
		return nil, nil, taskerr.Permanent(&taskerr.MergeError{Reason: "duplicate group is empty"})
	}
	if len(group) == 1 {
		return group[0], nil, nil
	}
	connections := make(map[string]int, len(group))
	for _, member := range group {
		degree, err := e.store.Degree(ctx, member.ID)
		if err == nil {
			connections[member.ID] = degree
		}
	}
	primary := e.policy.SelectPrimary(group, connections)

	var results []*Result
	for _, member := range group {
		if member.ID == primary.ID {
			continue
		}
		result, err := e.Merge(ctx, member.ID, primary.ID, opts)
		if err != nil {
			return primary, results, fmt.Errorf("failed to merge %s into %s: %w", member.ID, primary.ID, err)
		}
		results = append(results, result)
	}
	return primary, results, nil
}

// transferEdge re-points one edge at the canonical node, either creating a
// fresh edge or folding into an existing parallel one.
func (e *Engine) transferEdge(ctx context.Context, edge *model.Edge, newSource, newTarget, tenant string, result *Result) error {
	existing, err := e.store.FindEdge(ctx, newSource, newTarget, edge.Name)
	switch {
	case err == nil:
		folded := MergeEdgeProperties(existing, edge)
		if err := e.store.UpsertEdge(ctx, folded); err != nil {
			return fmt.Errorf("failed to fold edge %s into %s: %w", edge.ID, existing.ID, err)
		}
		result.ConflictsResolved++
	case errors.Is(err, graph.ErrNotFound):
		moved := *edge
		moved.ID = e.identity.EdgeID(newSource, newTarget, edge.Name, tenant)
		moved.SourceID = newSource
		moved.TargetID = newTarget
		moved.Tenant = tenant
		if err := e.store.UpsertEdge(ctx, &moved); err != nil {
			return fmt.Errorf("failed to create transferred edge for %s: %w", edge.ID, err)
		}
		result.EdgesTransferred++
	default:
		return fmt.Errorf("failed to look up parallel edge for %s: %w", edge.ID, err)
	}
	if err := e.store.DeleteEdge(ctx, edge.ID); err != nil && !errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("failed to delete original edge %s: %w", edge.ID, err)
	}
	return nil
}

func (e *Engine) deleteResidue(ctx context.Context, duplicateID string) error {
	for _, load := range []func(context.Context, string) ([]*model.Edge, error){e.store.EdgesTo, e.store.EdgesFrom} {
		edges, err := load(ctx, duplicateID)
		if err != nil {
			return fmt.Errorf("failed to load residual edges of %s: %w", duplicateID, err)
		}
		for _, edge := range edges {
			if edge.Name == model.AuditRelation {
				continue
			}
			if err := e.store.DeleteEdge(ctx, edge.ID); err != nil && !errors.Is(err, graph.ErrNotFound) {
				return fmt.Errorf("failed to delete residual edge %s: %w", edge.ID, err)
			}
		}
	}
	return nil
}

// refreshCentrality prefers the external service; on failure it computes a
// conservative degree-based approximation locally.
func (e *Engine) refreshCentrality(ctx context.Context, nodeID string) string {
	if e.centrality != nil {
		if err := e.centrality.RefreshNode(ctx, nodeID); err == nil {
			return "service"
		}
		e.logger.Debug("centrality service refresh failed, using local fallback",
			zap.String("node", nodeID))
	}
	degree, err := e.store.Degree(ctx, nodeID)
	if err != nil {
		return ""
	}
	entity, err := e.store.GetEntity(ctx, nodeID)
	if err != nil {
		return ""
	}
	d := float64(degree)
	entity.Centrality.Degree = min(1, d/10)
	entity.Centrality.Pagerank = min(1, 0.15+0.85*d/100)
	entity.Centrality.Betweenness = min(1, d/20)
	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		return ""
	}
	return "local_fallback"
}

// Package ingester is the episode-to-graph core: it persists episodes,
// extracts entities and relationships, resolves them against existing graph
// content, and writes validated nodes and edges through the store.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/dedup"
	"github.com/temporal-graph-ingest/internal/embedding"
	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/merge"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/taskerr"
	"github.com/temporal-graph-ingest/internal/validation"
	"github.com/temporal-graph-ingest/internal/webhook"
)

// Extraction is what the extractor pulls out of one episode. Entity ids may
// be empty; the resolver assigns identities.
type Extraction struct {
	Entities []*model.Entity
	Edges    []*ExtractedEdge
}

// ExtractedEdge references its endpoints by extracted name; the engine maps
// names to resolved entity ids.
type ExtractedEdge struct {
	SourceName string
	TargetName string
	Relation   string
	Fact       string
}

// Extractor turns episode content into entity and relationship candidates.
// Implementations call the language-model service.
type Extractor interface {
	Extract(ctx context.Context, episode *model.Episode) (*Extraction, error)
}

// CentralityRefresher matches the centrality service client. Refreshes after
// ingestion are fire-and-forget.
type CentralityRefresher interface {
	RefreshNode(ctx context.Context, nodeID string) error
}

// Events receives post-ingest notifications. *webhook.Dispatcher satisfies
// it.
type Events interface {
	Emit(event webhook.Event)
}

// EpisodeResult reports what one episode produced.
type EpisodeResult struct {
	EpisodeID        string        `json:"episode_id"`
	EntitiesCreated  int           `json:"entities_created"`
	EntitiesResolved int           `json:"entities_resolved"`
	EdgesCreated     int           `json:"edges_created"`
	EdgesUpdated     int           `json:"edges_updated"`
	Duration         time.Duration `json:"duration_ms"`
}

// Engine wires the ingestion core. All collaborators are shared across the
// worker pool and must be safe for concurrent use.
type Engine struct {
	store     graph.Store
	identity  identity.Config
	extractor Extractor
	embedder  embedding.Embedder
	resolver  *dedup.Resolver
	sweeper   *dedup.Sweeper
	policy    merge.Policy
	validator *validation.Orchestrator
	index     *dedup.CandidateIndex
	centrality CentralityRefresher
	events    Events
	logger    *zap.Logger
	now       func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Extractor  Extractor
	Embedder   embedding.Embedder
	Index      *dedup.CandidateIndex
	Centrality CentralityRefresher
	Events     Events
	Policy     *merge.Policy
}

// NewEngine builds the ingestion core. Resolver and sweeper are required;
// everything in opts may be nil and degrades gracefully.
func NewEngine(store graph.Store, idCfg identity.Config, resolver *dedup.Resolver, sweeper *dedup.Sweeper, validator *validation.Orchestrator, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := merge.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	return &Engine{
		store:      store,
		identity:   idCfg,
		extractor:  opts.Extractor,
		embedder:   opts.Embedder,
		resolver:   resolver,
		sweeper:    sweeper,
		policy:     policy,
		validator:  validator,
		index:      opts.Index,
		centrality: opts.Centrality,
		events:     opts.Events,
		logger:     logger.Named("ingester"),
		now:        time.Now,
	}
}

// AddEpisode runs the full pipeline for one episode: persist, extract,
// resolve, validate, write, notify.
func (e *Engine) AddEpisode(ctx context.Context, episode *model.Episode) (*EpisodeResult, error) {
	started := e.now()
	if result := e.validator.ValidateEpisode(ctx, episode); result.Outcome == validation.OutcomeFail {
		return nil, taskerr.Permanentf("invalid episode: %s", result.Reason)
	}
	if episode.ID == "" {
		episode.ID = uuid.NewString()
	}
	if episode.CreatedAt.IsZero() {
		episode.CreatedAt = e.now().UTC()
	}
	if episode.ValidAt.IsZero() {
		episode.ValidAt = episode.CreatedAt
	}
	if episode.Source == "" {
		episode.Source = model.SourceMessage
	}

	if err := e.store.UpsertEpisode(ctx, episode); err != nil {
		return nil, fmt.Errorf("failed to persist episode %s: %w", episode.ID, err)
	}

	extraction := &Extraction{}
	if e.extractor != nil {
		var err error
		extraction, err = e.extractor.Extract(ctx, episode)
		if err != nil {
			return nil, taskerr.Transient(fmt.Errorf("failed to extract episode %s: %w", episode.ID, err))
		}
		if extraction == nil {
			extraction = &Extraction{}
		}
	}

	for _, node := range extraction.Entities {
		node.Tenant = episode.Tenant
		if !containsFold(node.Labels, "Entity") {
			node.Labels = append(node.Labels, "Entity")
		}
		if len(node.NameEmbedding) == 0 && e.embedder != nil {
			vec, err := e.embedder.Embed(ctx, node.Name)
			if err != nil {
				e.logger.Warn("failed to embed entity name",
					zap.String("name", node.Name), zap.Error(err))
			} else {
				node.NameEmbedding = vec
			}
		}
	}

	report := e.validator.ValidatePreSave(ctx, extraction.Entities, nil)
	if e.validator.Failed(report) && len(report.FailedEntities) == len(extraction.Entities) && len(extraction.Entities) > 0 {
		return nil, taskerr.Permanent(&taskerr.ValidationFailure{
			Reason: fmt.Sprintf("every extracted entity failed validation (operation %s)", report.OperationID)})
	}
	surviving := survivors(extraction.Entities, report)

	resolutions, err := e.resolver.ResolveEpisode(ctx, surviving)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve episode %s: %w", episode.ID, err)
	}

	result := &EpisodeResult{EpisodeID: episode.ID}
	resolvedByName := make(map[string]string, len(resolutions))
	var savedIDs []string
	for _, resolution := range resolutions {
		resolvedByName[e.identity.Normalize(resolution.Node.Name)] = resolution.ResolvedID
		switch {
		case resolution.Duplicate && resolution.ResolvedID != resolution.Node.ID:
			if err := e.foldIntoCanonical(ctx, resolution); err != nil {
				return nil, err
			}
			result.EntitiesResolved++
		default:
			node := resolution.Node
			node.ID = resolution.ResolvedID
			// A "new" resolution can still land on an existing row: the
			// resolver's exact-name lookup is case-sensitive while the
			// deterministic id is not. Fold instead of overwriting so
			// created_at and accumulated fields survive.
			existing, err := e.store.GetEntity(ctx, node.ID)
			switch {
			case err == nil:
				merged := e.policy.MergeEntities(existing, node)
				merged.UpdatedAt = e.now().UTC()
				if err := e.store.UpsertEntity(ctx, merged); err != nil {
					return nil, fmt.Errorf("failed to update canonical %s: %w", merged.ID, err)
				}
				result.EntitiesResolved++
			case errors.Is(err, graph.ErrNotFound):
				node.CreatedAt = e.now().UTC()
				node.UpdatedAt = node.CreatedAt
				if err := e.saveEntity(ctx, node); err != nil {
					return nil, err
				}
				result.EntitiesCreated++
			default:
				return nil, fmt.Errorf("failed to load entity %s: %w", node.ID, err)
			}
		}
		savedIDs = append(savedIDs, resolution.ResolvedID)
	}

	var savedEdgeIDs []string
	for _, extracted := range extraction.Edges {
		created, edgeID, err := e.saveExtractedEdge(ctx, episode, extracted, resolvedByName)
		if err != nil {
			return nil, err
		}
		if edgeID == "" {
			continue
		}
		savedEdgeIDs = append(savedEdgeIDs, edgeID)
		if created {
			result.EdgesCreated++
		} else {
			result.EdgesUpdated++
		}
	}

	if post := e.validator.ValidatePostSave(ctx, savedIDs, savedEdgeIDs, episode.Tenant); post.HasErrors() {
		e.logger.Warn("post-save validation found issues",
			zap.String("episode", episode.ID),
			zap.String("operation_id", post.OperationID),
			zap.Int("errors", post.ErrorCount()))
	}

	e.kickCentrality(savedIDs)
	result.Duration = e.now().Sub(started)

	if e.events != nil {
		e.events.Emit(webhook.Event{
			Type:   webhook.EventEpisodeIngested,
			Tenant: episode.Tenant,
			Payload: map[string]any{
				"episode_id":        episode.ID,
				"entities_created":  result.EntitiesCreated,
				"entities_resolved": result.EntitiesResolved,
				"edges_created":     result.EdgesCreated,
			},
		})
	}
	e.logger.Info("episode ingested",
		zap.String("episode", episode.ID),
		zap.String("tenant", episode.Tenant),
		zap.Int("entities_created", result.EntitiesCreated),
		zap.Int("entities_resolved", result.EntitiesResolved),
		zap.Int("edges_created", result.EdgesCreated),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// foldIntoCanonical merges the extracted node's fields into the already
// existing canonical entity by policy.
func (e *Engine) foldIntoCanonical(ctx context.Context, resolution dedup.Resolution) error {
	canonical, err := e.store.GetEntity(ctx, resolution.ResolvedID)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			// Cache pointed at a deleted row; save the node under the
			// resolved id instead.
			node := resolution.Node
			node.ID = resolution.ResolvedID
			node.CreatedAt = e.now().UTC()
			node.UpdatedAt = node.CreatedAt
			return e.saveEntity(ctx, node)
		}
		return fmt.Errorf("failed to load canonical %s: %w", resolution.ResolvedID, err)
	}
	merged := e.policy.MergeEntities(canonical, resolution.Node)
	merged.UpdatedAt = e.now().UTC()
	if err := e.store.UpsertEntity(ctx, merged); err != nil {
		return fmt.Errorf("failed to update canonical %s: %w", merged.ID, err)
	}
	return nil
}

// SaveEntity persists one entity through validation. A unique-constraint
// collision counts as success: the canonical row already exists.
func (e *Engine) SaveEntity(ctx context.Context, entity *model.Entity) error {
	if entity.Tenant == "" || entity.Name == "" {
		return taskerr.Permanent(&taskerr.ValidationFailure{Reason: "entity requires name and tenant"})
	}
	if entity.ID == "" {
		entity.ID = e.identity.EntityID(entity.Name, entity.Tenant)
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = e.now().UTC()
	}
	entity.UpdatedAt = e.now().UTC()
	if !containsFold(entity.Labels, "Entity") {
		entity.Labels = append(entity.Labels, "Entity")
	}

	report := e.validator.ValidatePreSave(ctx, []*model.Entity{entity}, nil)
	if len(report.FailedEntities) > 0 {
		return taskerr.Permanent(&taskerr.ValidationFailure{
			Reason: fmt.Sprintf("entity %s failed pre-save validation", entity.ID)})
	}
	if len(report.SkippedEntities) > 0 {
		return nil
	}

	if len(entity.NameEmbedding) == 0 && e.embedder != nil {
		if vec, err := e.embedder.Embed(ctx, entity.Name); err == nil {
			entity.NameEmbedding = vec
		}
	}

	if err := e.saveEntity(ctx, entity); err != nil {
		return err
	}
	if e.events != nil {
		e.events.Emit(webhook.Event{
			Type:    webhook.EventEntitySaved,
			Tenant:  entity.Tenant,
			Payload: map[string]any{"entity_id": entity.ID, "name": entity.Name},
		})
	}
	return nil
}

// saveEntity writes the row and keeps the candidate index in step. Duplicate
// unique-constraint violations are success.
func (e *Engine) saveEntity(ctx context.Context, entity *model.Entity) error {
	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			e.logger.Debug("entity already exists, treating as success",
				zap.String("id", entity.ID), zap.String("name", entity.Name))
			return nil
		}
		return fmt.Errorf("failed to save entity %s: %w", entity.ID, err)
	}
	if e.index != nil {
		if err := e.index.Index(ctx, entity); err != nil {
			e.logger.Warn("failed to index entity",
				zap.String("id", entity.ID), zap.Error(err))
		}
	}
	return nil
}

// saveExtractedEdge maps endpoint names to resolved ids and writes or folds
// the edge. Unresolvable endpoints skip the edge with a warning.
func (e *Engine) saveExtractedEdge(ctx context.Context, episode *model.Episode, extracted *ExtractedEdge, resolvedByName map[string]string) (created bool, edgeID string, err error) {
	sourceID, okSource := resolvedByName[e.identity.Normalize(extracted.SourceName)]
	targetID, okTarget := resolvedByName[e.identity.Normalize(extracted.TargetName)]
	if !okSource || !okTarget {
		e.logger.Warn("edge references unresolved endpoint, skipping",
			zap.String("source", extracted.SourceName),
			zap.String("target", extracted.TargetName))
		return false, "", nil
	}
	if sourceID == targetID {
		return false, "", nil
	}

	relation := strings.ToUpper(strings.TrimSpace(extracted.Relation))
	if relation == "" {
		relation = model.DefaultRelation
	}
	edge := &model.Edge{
		ID:        e.identity.EdgeID(sourceID, targetID, relation, episode.Tenant),
		SourceID:  sourceID,
		TargetID:  targetID,
		Tenant:    episode.Tenant,
		Name:      relation,
		Fact:      extracted.Fact,
		Episodes:  []string{episode.ID},
		CreatedAt: e.now().UTC(),
		ValidAt:   episode.ValidAt,
	}
	if e.embedder != nil && edge.Fact != "" {
		if vec, err := e.embedder.Embed(ctx, edge.Fact); err == nil {
			edge.FactEmbedding = vec
		}
	}

	existing, err := e.store.FindEdge(ctx, sourceID, targetID, relation)
	switch {
	case err == nil:
		folded := merge.MergeEdgeProperties(existing, edge)
		if err := e.store.UpsertEdge(ctx, folded); err != nil {
			return false, "", fmt.Errorf("failed to update edge %s: %w", folded.ID, err)
		}
		return false, folded.ID, nil
	case errors.Is(err, graph.ErrNotFound):
		if err := e.store.UpsertEdge(ctx, edge); err != nil {
			return false, "", fmt.Errorf("failed to save edge %s: %w", edge.ID, err)
		}
		return true, edge.ID, nil
	}
	return false, "", fmt.Errorf("failed to look up edge %s->%s: %w", sourceID, targetID, err)
}

// AddTriplet materializes a source node, target node and the edge between
// them, flowing both nodes through the save path.
func (e *Engine) AddTriplet(ctx context.Context, source, target *model.Entity, edge *model.Edge) error {
	if source == nil || target == nil {
		return taskerr.Permanentf("triplet requires both endpoints")
	}
	for _, node := range []*model.Entity{source, target} {
		existing, err := e.store.FindEntityByName(ctx, node.Name, node.Tenant)
		switch {
		case err == nil:
			node.ID = existing.ID
		case errors.Is(err, graph.ErrNotFound):
			if err := e.SaveEntity(ctx, node); err != nil {
				return err
			}
		default:
			return fmt.Errorf("failed to look up node %q: %w", node.Name, err)
		}
	}

	if edge == nil {
		edge = &model.Edge{}
	}
	relation := strings.ToUpper(strings.TrimSpace(edge.Name))
	if relation == "" {
		relation = model.DefaultRelation
	}
	edge.Name = relation
	edge.SourceID = source.ID
	edge.TargetID = target.ID
	edge.Tenant = source.Tenant
	if edge.ID == "" {
		edge.ID = e.identity.EdgeID(source.ID, target.ID, relation, edge.Tenant)
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = e.now().UTC()
	}
	if edge.ValidAt.IsZero() {
		edge.ValidAt = edge.CreatedAt
	}

	existing, err := e.store.FindEdge(ctx, edge.SourceID, edge.TargetID, relation)
	switch {
	case err == nil:
		edge = merge.MergeEdgeProperties(existing, edge)
	case !errors.Is(err, graph.ErrNotFound):
		return fmt.Errorf("failed to look up edge: %w", err)
	}
	if err := e.store.UpsertEdge(ctx, edge); err != nil {
		return fmt.Errorf("failed to save edge %s: %w", edge.ID, err)
	}

	if e.events != nil {
		e.events.Emit(webhook.Event{
			Type:    webhook.EventEdgeSaved,
			Tenant:  edge.Tenant,
			Payload: map[string]any{"edge_id": edge.ID, "name": edge.Name},
		})
	}
	e.kickCentrality([]string{source.ID, target.ID})
	return nil
}

// Sweep runs the maintenance dedup pass over the given tenants.
func (e *Engine) Sweep(ctx context.Context, tenants []string, target string, threshold float64) error {
	if e.sweeper == nil {
		return taskerr.Permanentf("deduplication sweeps are not configured")
	}
	sweepTarget := dedup.SweepTarget(target)
	if target == "" {
		sweepTarget = dedup.SweepNodes
	}
	for _, tenant := range tenants {
		result, err := e.sweeper.Run(ctx, dedup.SweepConfig{
			Tenant:              tenant,
			Target:              sweepTarget,
			SimilarityThreshold: threshold,
		})
		if err != nil {
			return fmt.Errorf("failed sweep for tenant %s: %w", tenant, err)
		}
		if e.events != nil {
			e.events.Emit(webhook.Event{
				Type:   webhook.EventSweepCompleted,
				Tenant: tenant,
				Payload: map[string]any{
					"merged":       result.Merged(),
					"edges_folded": result.EdgesFolded,
				},
			})
		}
	}
	return nil
}

// kickCentrality requests metric refreshes without blocking ingestion.
func (e *Engine) kickCentrality(ids []string) {
	if e.centrality == nil || len(ids) == 0 {
		return
	}
	go func(ids []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range ids {
			if err := e.centrality.RefreshNode(ctx, id); err != nil {
				e.logger.Debug("centrality refresh failed",
					zap.String("node", id), zap.Error(err))
				return
			}
		}
	}(ids)
}

func survivors(entities []*model.Entity, report *validation.Report) []*model.Entity {
	if len(report.FailedEntities) == 0 && len(report.SkippedEntities) == 0 {
		return entities
	}
	rejected := make(map[string]bool, len(report.FailedEntities)+len(report.SkippedEntities))
	for _, id := range report.FailedEntities {
		rejected[id] = true
	}
	for _, id := range report.SkippedEntities {
		rejected[id] = true
	}
	out := entities[:0:0]
	for _, entity := range entities {
		if !rejected[entity.ID] {
			out = append(out, entity)
		}
	}
	return out
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

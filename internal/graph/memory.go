package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/temporal-graph-ingest/internal/model"
)

// MemoryStore is an in-process Store used by tests and local development.
// It enforces the same unique (name_normalized, tenant) semantics the
// database constraints provide, via the Normalizer hook.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*model.Entity
	edges    map[string]*model.Edge
	episodes map[string]*model.Episode

	// Normalizer, when set, backs the unique (name_normalized, tenant)
	// constraint on upsert.
	Normalizer func(string) string
}

// NewMemoryStore returns an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*model.Entity),
		edges:    make(map[string]*model.Edge),
		episodes: make(map[string]*model.Episode),
	}
}

func (s *MemoryStore) Provider() string { return "memory" }

func (s *MemoryStore) EnsureConstraints(ctx context.Context) error { return nil }

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *entity
	return &clone, nil
}

func (s *MemoryStore) FindEntityByName(ctx context.Context, name, tenant string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *model.Entity
	for _, entity := range s.entities {
		if entity.Name != name {
			continue
		}
		if tenant != "" && entity.Tenant != tenant {
			continue
		}
		if oldest == nil || entity.CreatedAt.Before(oldest.CreatedAt) {
			oldest = entity
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	clone := *oldest
	return &clone, nil
}

func (s *MemoryStore) EntitiesByTenant(ctx context.Context, tenant string) ([]*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Entity
	for _, entity := range s.entities {
		if tenant == "" || entity.Tenant == tenant {
			clone := *entity
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountEntityID(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entities[id]; ok {
		return 1, nil
	}
	return 0, nil
}

func (s *MemoryStore) UpsertEntity(ctx context.Context, entity *model.Entity) error {
	if entity.ID == "" || entity.Name == "" || entity.Tenant == "" {
		return fmt.Errorf("entity missing required fields: id=%q name=%q tenant=%q",
			entity.ID, entity.Name, entity.Tenant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Normalizer != nil {
		key := s.Normalizer(entity.Name)
		for _, existing := range s.entities {
			if existing.ID == entity.ID || existing.Tenant != entity.Tenant || existing.IsMerged {
				continue
			}
			if s.Normalizer(existing.Name) == key {
				return fmt.Errorf("unique constraint violated: duplicate name %q in tenant %s",
					entity.Name, entity.Tenant)
			}
		}
	}
	clone := *entity
	s.entities[entity.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteEntity(ctx context.Context, id string, detach bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return ErrNotFound
	}
	if detach {
		for edgeID, edge := range s.edges {
			if edge.SourceID == id || edge.TargetID == id {
				delete(s.edges, edgeID)
			}
		}
	} else {
		for _, edge := range s.edges {
			if edge.SourceID == id || edge.TargetID == id {
				return fmt.Errorf("cannot delete entity %s: edges still attached", id)
			}
		}
	}
	delete(s.entities, id)
	return nil
}

func (s *MemoryStore) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *edge
	return &clone, nil
}

func (s *MemoryStore) FindEdge(ctx context.Context, sourceID, targetID, name string) (*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, edge := range s.edges {
		if edge.SourceID == sourceID && edge.TargetID == targetID &&
			strings.EqualFold(edge.Name, name) {
			clone := *edge
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) EdgesTo(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return s.edgesWhere(func(e *model.Edge) bool { return e.TargetID == nodeID })
}

func (s *MemoryStore) EdgesFrom(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return s.edgesWhere(func(e *model.Edge) bool { return e.SourceID == nodeID })
}

func (s *MemoryStore) edgesWhere(match func(*model.Edge) bool) ([]*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Edge
	for _, edge := range s.edges {
		if match(edge) {
			clone := *edge
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertEdge(ctx context.Context, edge *model.Edge) error {
	if edge.ID == "" || edge.SourceID == "" || edge.TargetID == "" || edge.Tenant == "" {
		return fmt.Errorf("edge missing required fields: id=%q", edge.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[edge.SourceID]; !ok {
		return fmt.Errorf("edge %s references missing source %s", edge.ID, edge.SourceID)
	}
	if _, ok := s.entities[edge.TargetID]; !ok {
		return fmt.Errorf("edge %s references missing target %s", edge.ID, edge.TargetID)
	}
	clone := *edge
	s.edges[edge.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[id]; !ok {
		return ErrNotFound
	}
	delete(s.edges, id)
	return nil
}

func (s *MemoryStore) Degree(ctx context.Context, nodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, edge := range s.edges {
		if edge.Name == model.AuditRelation {
			continue
		}
		if edge.SourceID == nodeID || edge.TargetID == nodeID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MergeAuditEdge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, edge := range s.edges {
		if edge.Name == model.AuditRelation &&
			edge.SourceID == duplicateID && edge.TargetID == canonicalID {
			return nil
		}
	}
	dup, ok := s.entities[duplicateID]
	if !ok {
		return fmt.Errorf("audit edge source %s: %w", duplicateID, ErrNotFound)
	}
	id := fmt.Sprintf("audit-%s-%s", duplicateID, canonicalID)
	s.edges[id] = &model.Edge{
		ID:       id,
		SourceID: duplicateID,
		TargetID: canonicalID,
		Tenant:   dup.Tenant,
		Name:     model.AuditRelation,
		Attributes: map[string]any{
			"merged_at": mergedAt.UTC().Format(time.RFC3339),
		},
		CreatedAt: mergedAt,
		ValidAt:   mergedAt,
	}
	return nil
}

func (s *MemoryStore) UpsertEpisode(ctx context.Context, episode *model.Episode) error {
	if episode.ID == "" || episode.Tenant == "" {
		return fmt.Errorf("episode missing required fields: id=%q", episode.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *episode
	s.episodes[episode.ID] = &clone
	return nil
}

func (s *MemoryStore) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ep
	return &clone, nil
}

func (s *MemoryStore) DeleteEpisode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.episodes[id]; !ok {
		return ErrNotFound
	}
	delete(s.episodes, id)
	return nil
}

func (s *MemoryStore) DeleteTenant(ctx context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entity := range s.entities {
		if entity.Tenant == tenant {
			delete(s.entities, id)
		}
	}
	for id, edge := range s.edges {
		if edge.Tenant == tenant {
			delete(s.edges, id)
		}
	}
	for id, ep := range s.episodes {
		if ep.Tenant == tenant {
			delete(s.episodes, id)
		}
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]*model.Entity)
	s.edges = make(map[string]*model.Edge)
	s.episodes = make(map[string]*model.Episode)
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

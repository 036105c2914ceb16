// Package graph provides the narrow store contract the ingestion core writes
// through, with Neo4j and FalkorDB backends plus an in-memory implementation
// used by tests. The two database backends differ only in query and
// constraint syntax; everything above this package is backend-agnostic.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/temporal-graph-ingest/internal/model"
)

// ErrNotFound is returned when a node or edge does not exist.
var ErrNotFound = errors.New("not found")

// Store is the narrow driver interface all graph access goes through.
// Implementations must be safe for concurrent use.
type Store interface {
	Provider() string

	// EnsureConstraints applies the unique and mandatory constraints
	// idempotently. Called once at startup.
	EnsureConstraints(ctx context.Context) error

	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	// FindEntityByName returns the oldest entity with that exact name in the
	// tenant, or ErrNotFound. An empty tenant searches across tenants.
	FindEntityByName(ctx context.Context, name, tenant string) (*model.Entity, error)
	EntitiesByTenant(ctx context.Context, tenant string) ([]*model.Entity, error)
	// CountEntityID reports how many nodes carry the id. Used by integrity
	// checks; anything other than 1 is a defect.
	CountEntityID(ctx context.Context, id string) (int, error)
	UpsertEntity(ctx context.Context, entity *model.Entity) error
	// DeleteEntity removes the node. With detach set, incident edges go too;
	// without it, deletion fails while edges remain.
	DeleteEntity(ctx context.Context, id string, detach bool) error

	GetEdge(ctx context.Context, id string) (*model.Edge, error)
	// FindEdge locates an edge by endpoints and relation name.
	FindEdge(ctx context.Context, sourceID, targetID, name string) (*model.Edge, error)
	// EdgesTo returns edges pointing at the node; EdgesFrom edges leaving it.
	EdgesTo(ctx context.Context, nodeID string) ([]*model.Edge, error)
	EdgesFrom(ctx context.Context, nodeID string) ([]*model.Edge, error)
	UpsertEdge(ctx context.Context, edge *model.Edge) error
	DeleteEdge(ctx context.Context, id string) error

	// Degree counts edges incident to the node, audit edges excluded.
	Degree(ctx context.Context, nodeID string) (int, error)

	// MergeAuditEdge idempotently writes duplicate-[:IS_DUPLICATE_OF]->canonical.
	MergeAuditEdge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error

	UpsertEpisode(ctx context.Context, episode *model.Episode) error
	GetEpisode(ctx context.Context, id string) (*model.Episode, error)
	DeleteEpisode(ctx context.Context, id string) error

	// DeleteTenant removes every node and edge in the tenant.
	DeleteTenant(ctx context.Context, tenant string) error
	// Clear wipes the graph. Operator-only.
	Clear(ctx context.Context) error

	Close(ctx context.Context) error
}

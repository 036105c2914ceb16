// Package model defines the core graph and ingestion types shared across
// the queue client, worker pool, dedup engine, and validation suite.
package model

import (
	"time"
)

// TaskKind identifies what an ingestion task carries.
type TaskKind string

const (
	TaskEpisode       TaskKind = "episode"
	TaskEntity        TaskKind = "entity"
	TaskBatch         TaskKind = "batch"
	TaskRelationship  TaskKind = "relationship"
	TaskDeduplication TaskKind = "deduplication"
)

// Valid reports whether the kind belongs to the closed task-kind set.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskEpisode, TaskEntity, TaskBatch, TaskRelationship, TaskDeduplication:
		return true
	}
	return false
}

// Priority orders tasks within the queue. Higher values are delivered first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// EpisodeSource is the origin format of an episode.
type EpisodeSource string

const (
	SourceMessage EpisodeSource = "message"
	SourceText    EpisodeSource = "text"
	SourceJSON    EpisodeSource = "json"
)

// Relation label applied when an extracted edge carries no explicit name.
const DefaultRelation = "RELATES_TO"

// AuditRelation marks the duplicate -> canonical edge written after a merge.
const AuditRelation = "IS_DUPLICATE_OF"

// Centrality holds the per-entity centrality scores, each in [0, 1].
type Centrality struct {
	Degree      float64 `json:"degree"`
	Pagerank    float64 `json:"pagerank"`
	Betweenness float64 `json:"betweenness"`
	Eigenvector float64 `json:"eigenvector"`
	Importance  float64 `json:"importance"`
}

// Entity is a canonical node in the temporal knowledge graph.
type Entity struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Tenant        string                 `json:"tenant"`
	Labels        []string               `json:"labels,omitempty"`
	Summary       string                 `json:"summary,omitempty"`
	NameEmbedding []float32              `json:"name_embedding,omitempty"`
	Attributes    map[string]any         `json:"attributes,omitempty"`
	Centrality    Centrality             `json:"centrality"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`

	// Tombstone fields set when the entity was merged away instead of deleted.
	IsMerged   bool      `json:"is_merged,omitempty"`
	MergedInto string    `json:"merged_into,omitempty"`
	MergedAt   time.Time `json:"merged_at,omitempty"`
}

// CentralityValue returns the named metric, or (0, false) for unknown names.
func (e *Entity) CentralityValue(metric string) (float64, bool) {
	switch metric {
	case "degree":
		return e.Centrality.Degree, true
	case "pagerank":
		return e.Centrality.Pagerank, true
	case "betweenness":
		return e.Centrality.Betweenness, true
	case "eigenvector":
		return e.Centrality.Eigenvector, true
	case "importance":
		return e.Centrality.Importance, true
	}
	return 0, false
}

// Edge is a directed, typed relationship between two entities.
type Edge struct {
	ID            string         `json:"id"`
	SourceID      string         `json:"source_id"`
	TargetID      string         `json:"target_id"`
	Tenant        string         `json:"tenant"`
	Name          string         `json:"name"`
	Fact          string         `json:"fact,omitempty"`
	FactEmbedding []float32      `json:"fact_embedding,omitempty"`
	Episodes      []string       `json:"episodes,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ValidAt       time.Time      `json:"valid_at"`
	InvalidAt     *time.Time     `json:"invalid_at,omitempty"`
}

// Episode is one ingested event from which entities and edges are extracted.
type Episode struct {
	ID                string        `json:"id"`
	Tenant            string        `json:"tenant"`
	Name              string        `json:"name"`
	Content           string        `json:"content"`
	Source            EpisodeSource `json:"source"`
	SourceDescription string        `json:"source_description,omitempty"`
	ValidAt           time.Time     `json:"valid_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// IngestionTask is the unit of work carried through the queue.
type IngestionTask struct {
	ID                string         `json:"id"`
	Kind              TaskKind       `json:"type"`
	Payload           map[string]any `json:"payload"`
	Tenant            string         `json:"group_id,omitempty"`
	Priority          Priority       `json:"priority"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	CreatedAt         time.Time      `json:"created_at"`
	VisibilityTimeout int            `json:"visibility_timeout"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SetMeta records a metadata key, allocating the map on first use.
func (t *IngestionTask) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

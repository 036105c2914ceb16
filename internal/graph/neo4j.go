package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
	"github.com/temporal-graph-ingest/internal/model"
)

// Neo4jConfig holds connection settings for the Neo4j backend.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jStore implements Store against Neo4j using parameterized Cypher.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewNeo4jStore connects and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, logger *zap.Logger) (*Neo4jStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", cfg.URI, err)
	}
	return &Neo4jStore{driver: driver, database: cfg.Database, logger: logger.Named("neo4j")}, nil
}

func (s *Neo4jStore) Provider() string { return "neo4j" }

func (s *Neo4jStore) run(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.database))
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (s *Neo4jStore) EnsureConstraints(ctx context.Context) error {
	for _, constraint := range neo4jConstraints {
		if _, err := s.run(ctx, constraint, nil); err != nil {
			// Existence constraints need enterprise; log and continue rather
			// than refusing to start against community edition.
			if strings.Contains(err.Error(), "Unsupported administration command") ||
				strings.Contains(err.Error(), "Enterprise") {
				s.logger.Warn("constraint not supported by this edition",
					zap.String("constraint", constraint), zap.Error(err))
				continue
			}
			return fmt.Errorf("failed to apply constraint: %w", err)
		}
	}
	return nil
}

func entityParams(e *model.Entity) map[string]any {
	attrs, _ := jsonx.MarshalToString(e.Attributes)
	params := map[string]any{
		"uuid":        e.ID,
		"name":        e.Name,
		"group_id":    e.Tenant,
		"labels":      e.Labels,
		"summary":     e.Summary,
		"embedding":   floats64(e.NameEmbedding),
		"attributes":  attrs,
		"degree":      e.Centrality.Degree,
		"pagerank":    e.Centrality.Pagerank,
		"betweenness": e.Centrality.Betweenness,
		"eigenvector": e.Centrality.Eigenvector,
		"importance":  e.Centrality.Importance,
		"created_at":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"is_merged":   e.IsMerged,
		"merged_into": e.MergedInto,
		"merged_at":   nil,
	}
	if !e.MergedAt.IsZero() {
		params["merged_at"] = e.MergedAt.UTC().Format(time.RFC3339Nano)
	}
	return params
}

const entityReturn = `n.uuid AS uuid, n.name AS name, n.group_id AS group_id,
n.labels AS labels, n.summary AS summary, n.name_embedding AS embedding,
n.attributes AS attributes, n.degree_centrality AS degree,
n.pagerank_centrality AS pagerank, n.betweenness_centrality AS betweenness,
n.eigenvector_centrality AS eigenvector, n.importance_score AS importance,
n.created_at AS created_at, n.updated_at AS updated_at,
n.is_merged AS is_merged, n.merged_into AS merged_into, n.merged_at AS merged_at`

func entityFromRecord(rec *neo4j.Record) *model.Entity {
	get := func(key string) any {
		v, _ := rec.Get(key)
		return v
	}
	e := &model.Entity{
		ID:      str(get("uuid")),
		Name:    str(get("name")),
		Tenant:  str(get("group_id")),
		Summary: str(get("summary")),
		Centrality: model.Centrality{
			Degree:      f64(get("degree")),
			Pagerank:    f64(get("pagerank")),
			Betweenness: f64(get("betweenness")),
			Eigenvector: f64(get("eigenvector")),
			Importance:  f64(get("importance")),
		},
		CreatedAt:  parseTime(get("created_at")),
		UpdatedAt:  parseTime(get("updated_at")),
		IsMerged:   boolean(get("is_merged")),
		MergedInto: str(get("merged_into")),
		MergedAt:   parseTime(get("merged_at")),
	}
	if labels, ok := get("labels").([]any); ok {
		for _, l := range labels {
			e.Labels = append(e.Labels, str(l))
		}
	}
	if emb, ok := get("embedding").([]any); ok {
		for _, v := range emb {
			e.NameEmbedding = append(e.NameEmbedding, float32(f64(v)))
		}
	}
	if raw := str(get("attributes")); raw != "" && raw != "null" {
		_ = jsonx.UnmarshalFromString(raw, &e.Attributes)
	}
	return e
}

func (s *Neo4jStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	records, err := s.run(ctx,
		"MATCH (n:Entity {uuid: $uuid}) RETURN "+entityReturn+" LIMIT 1",
		map[string]any{"uuid": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return entityFromRecord(records[0]), nil
}

func (s *Neo4jStore) FindEntityByName(ctx context.Context, name, tenant string) (*model.Entity, error) {
	query := "MATCH (n:Entity {name: $name}) "
	params := map[string]any{"name": name}
	if tenant != "" {
		query = "MATCH (n:Entity {name: $name, group_id: $group_id}) "
		params["group_id"] = tenant
	}
	query += "WHERE n.is_merged IS NULL OR n.is_merged = false " +
		"RETURN " + entityReturn + " ORDER BY n.created_at ASC LIMIT 1"
	records, err := s.run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to find entity by name: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return entityFromRecord(records[0]), nil
}

func (s *Neo4jStore) EntitiesByTenant(ctx context.Context, tenant string) ([]*model.Entity, error) {
	records, err := s.run(ctx,
		"MATCH (n:Entity {group_id: $group_id}) RETURN "+entityReturn+" ORDER BY n.created_at ASC",
		map[string]any{"group_id": tenant})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities for tenant %s: %w", tenant, err)
	}
	out := make([]*model.Entity, 0, len(records))
	for _, rec := range records {
		out = append(out, entityFromRecord(rec))
	}
	return out, nil
}

func (s *Neo4jStore) CountEntityID(ctx context.Context, id string) (int, error) {
	records, err := s.run(ctx,
		"MATCH (n {uuid: $uuid}) RETURN count(n) AS count",
		map[string]any{"uuid": id})
	if err != nil {
		return 0, fmt.Errorf("failed to count entity %s: %w", id, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	v, _ := records[0].Get("count")
	return int(i64(v)), nil
}

func (s *Neo4jStore) UpsertEntity(ctx context.Context, entity *model.Entity) error {
	_, err := s.run(ctx, `
MERGE (n:Entity {uuid: $uuid})
SET n.name = $name, n.group_id = $group_id, n.labels = $labels,
    n.summary = $summary, n.name_embedding = $embedding,
    n.attributes = $attributes,
    n.degree_centrality = $degree, n.pagerank_centrality = $pagerank,
    n.betweenness_centrality = $betweenness,
    n.eigenvector_centrality = $eigenvector, n.importance_score = $importance,
    n.created_at = $created_at, n.updated_at = $updated_at,
    n.is_merged = $is_merged, n.merged_into = $merged_into,
    n.merged_at = $merged_at`,
		entityParams(entity))
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", entity.ID, err)
	}
	return nil
}

func (s *Neo4jStore) DeleteEntity(ctx context.Context, id string, detach bool) error {
	query := "MATCH (n:Entity {uuid: $uuid}) DELETE n"
	if detach {
		query = "MATCH (n:Entity {uuid: $uuid}) DETACH DELETE n"
	}
	if _, err := s.run(ctx, query, map[string]any{"uuid": id}); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

func edgeParams(e *model.Edge) map[string]any {
	attrs, _ := jsonx.MarshalToString(e.Attributes)
	params := map[string]any{
		"uuid":       e.ID,
		"source":     e.SourceID,
		"target":     e.TargetID,
		"group_id":   e.Tenant,
		"name":       strings.ToUpper(e.Name),
		"fact":       e.Fact,
		"embedding":  floats64(e.FactEmbedding),
		"episodes":   e.Episodes,
		"attributes": attrs,
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"valid_at":   e.ValidAt.UTC().Format(time.RFC3339Nano),
		"invalid_at": nil,
	}
	if e.InvalidAt != nil {
		params["invalid_at"] = e.InvalidAt.UTC().Format(time.RFC3339Nano)
	}
	return params
}

const edgeReturn = `e.uuid AS uuid, src.uuid AS source, dst.uuid AS target,
e.group_id AS group_id, type(e) AS name, e.fact AS fact,
e.fact_embedding AS embedding, e.episodes AS episodes,
e.attributes AS attributes, e.created_at AS created_at,
e.valid_at AS valid_at, e.invalid_at AS invalid_at`

func edgeFromRecord(rec *neo4j.Record) *model.Edge {
	get := func(key string) any {
		v, _ := rec.Get(key)
		return v
	}
	edge := &model.Edge{
		ID:        str(get("uuid")),
		SourceID:  str(get("source")),
		TargetID:  str(get("target")),
		Tenant:    str(get("group_id")),
		Name:      str(get("name")),
		Fact:      str(get("fact")),
		CreatedAt: parseTime(get("created_at")),
		ValidAt:   parseTime(get("valid_at")),
	}
	if t := parseTime(get("invalid_at")); !t.IsZero() {
		edge.InvalidAt = &t
	}
	if eps, ok := get("episodes").([]any); ok {
		for _, ep := range eps {
			edge.Episodes = append(edge.Episodes, str(ep))
		}
	}
	if emb, ok := get("embedding").([]any); ok {
		for _, v := range emb {
			edge.FactEmbedding = append(edge.FactEmbedding, float32(f64(v)))
		}
	}
	if raw := str(get("attributes")); raw != "" && raw != "null" {
		_ = jsonx.UnmarshalFromString(raw, &edge.Attributes)
	}
	return edge
}

func (s *Neo4jStore) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	records, err := s.run(ctx,
		"MATCH (src)-[e {uuid: $uuid}]->(dst) RETURN "+edgeReturn+" LIMIT 1",
		map[string]any{"uuid": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get edge %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return edgeFromRecord(records[0]), nil
}

func (s *Neo4jStore) FindEdge(ctx context.Context, sourceID, targetID, name string) (*model.Edge, error) {
	records, err := s.run(ctx,
		"MATCH (src {uuid: $source})-[e]->(dst {uuid: $target}) WHERE type(e) = $name RETURN "+
			edgeReturn+" LIMIT 1",
		map[string]any{"source": sourceID, "target": targetID, "name": strings.ToUpper(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to find edge: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return edgeFromRecord(records[0]), nil
}

func (s *Neo4jStore) EdgesTo(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return s.edges(ctx, "MATCH (src)-[e]->(dst {uuid: $uuid}) RETURN "+edgeReturn, nodeID)
}

func (s *Neo4jStore) EdgesFrom(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return s.edges(ctx, "MATCH (src {uuid: $uuid})-[e]->(dst) RETURN "+edgeReturn, nodeID)
}

func (s *Neo4jStore) edges(ctx context.Context, query, nodeID string) ([]*model.Edge, error) {
	records, err := s.run(ctx, query, map[string]any{"uuid": nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges for %s: %w", nodeID, err)
	}
	out := make([]*model.Edge, 0, len(records))
	for _, rec := range records {
		out = append(out, edgeFromRecord(rec))
	}
	return out, nil
}

func (s *Neo4jStore) UpsertEdge(ctx context.Context, edge *model.Edge) error {
	// Relationship types cannot be parameterized; the name is normalized to
	// upper snake case and interpolated.
	relation := sanitizeRelation(edge.Name)
	query := fmt.Sprintf(`
MATCH (src {uuid: $source}), (dst {uuid: $target})
MERGE (src)-[e:%s {uuid: $uuid}]->(dst)
SET e.group_id = $group_id, e.fact = $fact, e.fact_embedding = $embedding,
    e.episodes = $episodes, e.attributes = $attributes,
    e.created_at = $created_at, e.valid_at = $valid_at,
    e.invalid_at = $invalid_at`, relation)
	if _, err := s.run(ctx, query, edgeParams(edge)); err != nil {
		return fmt.Errorf("failed to upsert edge %s: %w", edge.ID, err)
	}
	return nil
}

func (s *Neo4jStore) DeleteEdge(ctx context.Context, id string) error {
	if _, err := s.run(ctx,
		"MATCH ()-[e {uuid: $uuid}]->() DELETE e", map[string]any{"uuid": id}); err != nil {
		return fmt.Errorf("failed to delete edge %s: %w", id, err)
	}
	return nil
}

func (s *Neo4jStore) Degree(ctx context.Context, nodeID string) (int, error) {
	records, err := s.run(ctx,
		"MATCH (n {uuid: $uuid})-[e]-() WHERE type(e) <> 'IS_DUPLICATE_OF' RETURN count(e) AS count",
		map[string]any{"uuid": nodeID})
	if err != nil {
		return 0, fmt.Errorf("failed to compute degree of %s: %w", nodeID, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	v, _ := records[0].Get("count")
	return int(i64(v)), nil
}

func (s *Neo4jStore) MergeAuditEdge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error {
	_, err := s.run(ctx, `
MATCH (dup {uuid: $dup}), (canon {uuid: $canon})
MERGE (dup)-[e:IS_DUPLICATE_OF]->(canon)
ON CREATE SET e.merged_at = $merged_at`,
		map[string]any{
			"dup":       duplicateID,
			"canon":     canonicalID,
			"merged_at": mergedAt.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("failed to write audit edge: %w", err)
	}
	return nil
}

func (s *Neo4jStore) UpsertEpisode(ctx context.Context, episode *model.Episode) error {
	_, err := s.run(ctx, `
MERGE (n:Episodic {uuid: $uuid})
SET n.group_id = $group_id, n.name = $name, n.content = $content,
    n.source = $source, n.source_description = $source_description,
    n.valid_at = $valid_at, n.created_at = $created_at`,
		map[string]any{
			"uuid":               episode.ID,
			"group_id":           episode.Tenant,
			"name":               episode.Name,
			"content":            episode.Content,
			"source":             string(episode.Source),
			"source_description": episode.SourceDescription,
			"valid_at":           episode.ValidAt.UTC().Format(time.RFC3339Nano),
			"created_at":         episode.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("failed to upsert episode %s: %w", episode.ID, err)
	}
	return nil
}

func (s *Neo4jStore) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	records, err := s.run(ctx, `
MATCH (n:Episodic {uuid: $uuid})
RETURN n.uuid AS uuid, n.group_id AS group_id, n.name AS name,
       n.content AS content, n.source AS source,
       n.source_description AS source_description,
       n.valid_at AS valid_at, n.created_at AS created_at
LIMIT 1`, map[string]any{"uuid": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get episode %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	get := func(key string) any {
		v, _ := records[0].Get(key)
		return v
	}
	return &model.Episode{
		ID:                str(get("uuid")),
		Tenant:            str(get("group_id")),
		Name:              str(get("name")),
		Content:           str(get("content")),
		Source:            model.EpisodeSource(str(get("source"))),
		SourceDescription: str(get("source_description")),
		ValidAt:           parseTime(get("valid_at")),
		CreatedAt:         parseTime(get("created_at")),
	}, nil
}

func (s *Neo4jStore) DeleteEpisode(ctx context.Context, id string) error {
	if _, err := s.run(ctx,
		"MATCH (n:Episodic {uuid: $uuid}) DETACH DELETE n", map[string]any{"uuid": id}); err != nil {
		return fmt.Errorf("failed to delete episode %s: %w", id, err)
	}
	return nil
}

func (s *Neo4jStore) DeleteTenant(ctx context.Context, tenant string) error {
	if _, err := s.run(ctx,
		"MATCH (n {group_id: $group_id}) DETACH DELETE n", map[string]any{"group_id": tenant}); err != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", tenant, err)
	}
	return nil
}

func (s *Neo4jStore) Clear(ctx context.Context) error {
	if _, err := s.run(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("failed to clear graph: %w", err)
	}
	return nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// conversion helpers shared by both database backends

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return ""
}

func f64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0
}

func i64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if t == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func floats64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// sanitizeRelation upper-cases a relation label and strips anything outside
// [A-Z0-9_], defaulting to RELATES_TO. Relation types cannot be passed as
// query parameters.
func sanitizeRelation(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else if r == ' ' || r == '-' {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return model.DefaultRelation
	}
	return b.String()
}

package graph

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
	"github.com/temporal-graph-ingest/internal/model"
)

// FalkorConfig holds connection settings for the FalkorDB backend.
type FalkorConfig struct {
	Addr     string
	Password string
	Graph    string
}

// FalkorStore implements Store over the RESP GRAPH.QUERY command. FalkorDB
// speaks openCypher, so the queries mirror the Neo4j backend; only parameter
// passing and reply decoding differ.
type FalkorStore struct {
	client *redis.Client
	graph  string
	logger *zap.Logger
}

// NewFalkorStore connects and pings the server.
func NewFalkorStore(ctx context.Context, cfg FalkorConfig, logger *zap.Logger) (*FalkorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Graph == "" {
		cfg.Graph = "graph"
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to falkordb at %s: %w", cfg.Addr, err)
	}
	return &FalkorStore{client: client, graph: cfg.Graph, logger: logger.Named("falkordb")}, nil
}

func (s *FalkorStore) Provider() string { return "falkordb" }

// query runs a Cypher statement and returns the result rows. Parameters are
// inlined via a CYPHER preamble since GRAPH.QUERY takes a single string.
func (s *FalkorStore) query(ctx context.Context, cypher string, params map[string]any) ([][]any, error) {
	full := cypherPreamble(params) + cypher
	reply, err := s.client.Do(ctx, "GRAPH.QUERY", s.graph, full).Result()
	if err != nil {
		return nil, err
	}
	// Verbose reply shape is [header, rows, stats]; write-only statements may
	// return just [stats].
	parts, ok := reply.([]any)
	if !ok || len(parts) < 3 {
		return nil, nil
	}
	rawRows, ok := parts[1].([]any)
	if !ok {
		return nil, nil
	}
	rows := make([][]any, 0, len(rawRows))
	for _, raw := range rawRows {
		if cells, ok := raw.([]any); ok {
			rows = append(rows, cells)
		}
	}
	return rows, nil
}

// cypherPreamble serializes parameters into the CYPHER prefix form
// FalkorDB expects: "CYPHER name=value name2=value2 ".
func cypherPreamble(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("CYPHER ")
	for name, value := range params {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(cypherLiteral(value))
		b.WriteByte(' ')
	}
	return b.String()
}

func cypherLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []string:
		parts := make([]string, len(t))
		for i, s := range t {
			parts[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []float64:
		parts := make([]string, len(t))
		for i, f := range t {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		encoded, err := jsonx.MarshalToString(t)
		if err != nil {
			return "null"
		}
		return encoded
	}
}

func (s *FalkorStore) EnsureConstraints(ctx context.Context) error {
	for _, index := range falkorIndexes {
		if _, err := s.query(ctx, index, nil); err != nil {
			if !strings.Contains(err.Error(), "already indexed") {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
	}
	for _, spec := range falkorConstraintArgs {
		args := make([]any, 0, len(spec)+2)
		args = append(args, "GRAPH.CONSTRAINT", "CREATE", s.graph)
		for _, a := range spec {
			args = append(args, a)
		}
		if err := s.client.Do(ctx, args...).Err(); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("failed to create constraint %v: %w", spec, err)
		}
	}
	return nil
}

// Entity rows are returned property-by-property in this fixed order.
const falkorEntityReturn = `n.uuid, n.name, n.group_id, n.labels, n.summary,
n.name_embedding, n.attributes, n.degree_centrality, n.pagerank_centrality,
n.betweenness_centrality, n.eigenvector_centrality, n.importance_score,
n.created_at, n.updated_at, n.is_merged, n.merged_into, n.merged_at`

func falkorEntityFromRow(row []any) *model.Entity {
	cell := func(i int) any {
		if i < len(row) {
			return row[i]
		}
		return nil
	}
	e := &model.Entity{
		ID:      str(cell(0)),
		Name:    str(cell(1)),
		Tenant:  str(cell(2)),
		Summary: str(cell(4)),
		Centrality: model.Centrality{
			Degree:      f64(cell(7)),
			Pagerank:    f64(cell(8)),
			Betweenness: f64(cell(9)),
			Eigenvector: f64(cell(10)),
			Importance:  f64(cell(11)),
		},
		CreatedAt:  parseTime(cell(12)),
		UpdatedAt:  parseTime(cell(13)),
		MergedInto: str(cell(15)),
		MergedAt:   parseTime(cell(16)),
	}
	switch t := cell(14).(type) {
	case bool:
		e.IsMerged = t
	case string:
		e.IsMerged = t == "true"
	case int64:
		e.IsMerged = t != 0
	}
	if labels, ok := cell(3).([]any); ok {
		for _, l := range labels {
			e.Labels = append(e.Labels, str(l))
		}
	}
	if emb, ok := cell(5).([]any); ok {
		for _, v := range emb {
			e.NameEmbedding = append(e.NameEmbedding, float32(falkorFloat(v)))
		}
	}
	if raw := str(cell(6)); raw != "" && raw != "null" {
		_ = jsonx.UnmarshalFromString(raw, &e.Attributes)
	}
	return e
}

// falkorFloat also accepts the string-encoded doubles verbose replies use.
func falkorFloat(v any) float64 {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f
		}
		return 0
	}
	return f64(v)
}

func (s *FalkorStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	rows, err := s.query(ctx,
		"MATCH (n:Entity {uuid: $uuid}) RETURN "+falkorEntityReturn+" LIMIT 1",
		map[string]any{"uuid": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return falkorEntityFromRow(rows[0]), nil
}

func (s *FalkorStore) FindEntityByName(ctx context.Context, name, tenant string) (*model.Entity, error) {
	query := "MATCH (n:Entity {name: $name}) "
	params := map[string]any{"name": name}
	if tenant != "" {
		query = "MATCH (n:Entity {name: $name, group_id: $group_id}) "
		params["group_id"] = tenant
	}
	query += "WHERE n.is_merged IS NULL OR n.is_merged = false " +
		"RETURN " + falkorEntityReturn + " ORDER BY n.created_at ASC LIMIT 1"
	rows, err := s.query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to find entity by name: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return falkorEntityFromRow(rows[0]), nil
}

func (s *FalkorStore) EntitiesByTenant(ctx context.Context, tenant string) ([]*model.Entity, error) {
	rows, err := s.query(ctx,
		"MATCH (n:Entity {group_id: $group_id}) RETURN "+falkorEntityReturn+" ORDER BY n.created_at ASC",
		map[string]any{"group_id": tenant})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities for tenant %s: %w", tenant, err)
	}
	out := make([]*model.Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, falkorEntityFromRow(row))
	}
	return out, nil
}

func (s *FalkorStore) CountEntityID(ctx context.Context, id string) (int, error) {
	rows, err := s.query(ctx,
		"MATCH (n {uuid: $uuid}) RETURN count(n)", map[string]any{"uuid": id})
	if err != nil {
		return 0, fmt.Errorf("failed to count entity %s: %w", id, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return int(i64(rows[0][0])), nil
}

func (s *FalkorStore) UpsertEntity(ctx context.Context, entity *model.Entity) error {
	_, err := s.query(ctx, `
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
		falkorEntityParams(entity))
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", entity.ID, err)
	}
	return nil
}

func falkorEntityParams(e *model.Entity) map[string]any {
	params := entityParams(e)
	// FalkorDB rejects string lists for labels when null; normalize.
	if e.Labels == nil {
		params["labels"] = []string{}
	} else {
		params["labels"] = e.Labels
	}
	if e.NameEmbedding == nil {
		params["embedding"] = []float64{}
	}
	return params
}

func (s *FalkorStore) DeleteEntity(ctx context.Context, id string, detach bool) error {
	if !detach {
		rows, err := s.query(ctx,
			"MATCH (n:Entity {uuid: $uuid})-[e]-() RETURN count(e)",
			map[string]any{"uuid": id})
		if err != nil {
			return fmt.Errorf("failed to check edges of %s: %w", id, err)
		}
		if len(rows) > 0 && len(rows[0]) > 0 && i64(rows[0][0]) > 0 {
			return fmt.Errorf("cannot delete entity %s: edges still attached", id)
		}
	}
	if _, err := s.query(ctx,
		"MATCH (n:Entity {uuid: $uuid}) DELETE n", map[string]any{"uuid": id}); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

const falkorEdgeReturn = `e.uuid, src.uuid, dst.uuid, e.group_id, type(e),
e.fact, e.fact_embedding, e.episodes, e.attributes, e.created_at,
e.valid_at, e.invalid_at`

func falkorEdgeFromRow(row []any) *model.Edge {
	cell := func(i int) any {
		if i < len(row) {
			return row[i]
		}
		return nil
	}
	edge := &model.Edge{
		ID:        str(cell(0)),
		SourceID:  str(cell(1)),
		TargetID:  str(cell(2)),
		Tenant:    str(cell(3)),
		Name:      str(cell(4)),
		Fact:      str(cell(5)),
		CreatedAt: parseTime(cell(9)),
		ValidAt:   parseTime(cell(10)),
	}
	if t := parseTime(cell(11)); !t.IsZero() {
		edge.InvalidAt = &t
	}
	if emb, ok := cell(6).([]any); ok {
		for _, v := range emb {
			edge.FactEmbedding = append(edge.FactEmbedding, float32(falkorFloat(v)))
		}
	}
	if eps, ok := cell(7).([]any); ok {
		for _, ep := range eps {
			edge.Episodes = append(edge.Episodes, str(ep))
		}
	}
	if raw := str(cell(8)); raw != "" && raw != "null" {
		_ = jsonx.UnmarshalFromString(raw, &edge.Attributes)
	}
	return edge
}

func (s *FalkorStore) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	rows, err := s.query(ctx,
		"MATCH (src)-[e {uuid: $uuid}]->(dst) RETURN "+falkorEdgeReturn+" LIMIT 1",
		map[string]any{"uuid": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get edge %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return falkorEdgeFromRow(rows[0]), nil
}

func (s *FalkorStore) FindEdge(ctx context.Context, sourceID, targetID, name string) (*model.Edge, error) {
	rows, err := s.query(ctx,
		"MATCH (src {uuid: $source})-[e]->(dst {uuid: $target}) WHERE type(e) = $name RETURN "+
			falkorEdgeReturn+" LIMIT 1",
		map[string]any{"source": sourceID, "target": targetID, "name": strings.ToUpper(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to find edge: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return falkorEdgeFromRow(rows[0]), nil
}

func (s *FalkorStore) EdgesTo(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return s.edges(ctx, "MATCH (src)-[e]->(dst {uuid: $uuid}) RETURN "+falkorEdgeReturn, nodeID)
}

func (s *FalkorStore) EdgesFrom(ctx context.Context, nodeID string) ([]*model.Edge, error) {
	return s.edges(ctx, "MATCH (src {uuid: $uuid})-[e]->(dst) RETURN "+falkorEdgeReturn, nodeID)
}

func (s *FalkorStore) edges(ctx context.Context, query, nodeID string) ([]*model.Edge, error) {
	rows, err := s.query(ctx, query, map[string]any{"uuid": nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges for %s: %w", nodeID, err)
	}
	out := make([]*model.Edge, 0, len(rows))
	for _, row := range rows {
		out = append(out, falkorEdgeFromRow(row))
	}
	return out, nil
}

func (s *FalkorStore) UpsertEdge(ctx context.Context, edge *model.Edge) error {
	relation := sanitizeRelation(edge.Name)
	query := fmt.Sprintf(`
MATCH (src {uuid: $source}), (dst {uuid: $target})
MERGE (src)-[e:%s {uuid: $uuid}]->(dst)
SET e.group_id = $group_id, e.fact = $fact, e.fact_embedding = $embedding,
    e.episodes = $episodes, e.attributes = $attributes,
    e.created_at = $created_at, e.valid_at = $valid_at,
    e.invalid_at = $invalid_at`, relation)
	params := edgeParams(edge)
	if edge.FactEmbedding == nil {
		params["embedding"] = []float64{}
	}
	if edge.Episodes == nil {
		params["episodes"] = []string{}
	}
	if _, err := s.query(ctx, query, params); err != nil {
		return fmt.Errorf("failed to upsert edge %s: %w", edge.ID, err)
	}
	return nil
}

func (s *FalkorStore) DeleteEdge(ctx context.Context, id string) error {
	if _, err := s.query(ctx,
		"MATCH ()-[e {uuid: $uuid}]->() DELETE e", map[string]any{"uuid": id}); err != nil {
		return fmt.Errorf("failed to delete edge %s: %w", id, err)
	}
	return nil
}

func (s *FalkorStore) Degree(ctx context.Context, nodeID string) (int, error) {
	rows, err := s.query(ctx,
		"MATCH (n {uuid: $uuid})-[e]-() WHERE type(e) <> 'IS_DUPLICATE_OF' RETURN count(e)",
		map[string]any{"uuid": nodeID})
	if err != nil {
		return 0, fmt.Errorf("failed to compute degree of %s: %w", nodeID, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return int(i64(rows[0][0])), nil
}

func (s *FalkorStore) MergeAuditEdge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error {
	_, err := s.query(ctx, `
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

func (s *FalkorStore) UpsertEpisode(ctx context.Context, episode *model.Episode) error {
	_, err := s.query(ctx, `
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

func (s *FalkorStore) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	rows, err := s.query(ctx, `
MATCH (n:Episodic {uuid: $uuid})
RETURN n.uuid, n.group_id, n.name, n.content, n.source,
       n.source_description, n.valid_at, n.created_at
LIMIT 1`, map[string]any{"uuid": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get episode %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]
	cell := func(i int) any {
		if i < len(row) {
			return row[i]
		}
		return nil
	}
	return &model.Episode{
		ID:                str(cell(0)),
		Tenant:            str(cell(1)),
		Name:              str(cell(2)),
		Content:           str(cell(3)),
		Source:            model.EpisodeSource(str(cell(4))),
		SourceDescription: str(cell(5)),
		ValidAt:           parseTime(cell(6)),
		CreatedAt:         parseTime(cell(7)),
	}, nil
}

func (s *FalkorStore) DeleteEpisode(ctx context.Context, id string) error {
	if _, err := s.query(ctx,
		"MATCH (n:Episodic {uuid: $uuid}) DETACH DELETE n", map[string]any{"uuid": id}); err != nil {
		return fmt.Errorf("failed to delete episode %s: %w", id, err)
	}
	return nil
}

func (s *FalkorStore) DeleteTenant(ctx context.Context, tenant string) error {
	if _, err := s.query(ctx,
		"MATCH (n {group_id: $group_id}) DETACH DELETE n",
		map[string]any{"group_id": tenant}); err != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", tenant, err)
	}
	return nil
}

func (s *FalkorStore) Clear(ctx context.Context) error {
	if _, err := s.query(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("failed to clear graph: %w", err)
	}
	return nil
}

func (s *FalkorStore) Close(ctx context.Context) error {
	return s.client.Close()
}

package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/model"
)

// Severity grades an integrity finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// IntegrityResult is one check's verdict over one persisted record.
type IntegrityResult struct {
	CheckName    string   `json:"check_name"`
	Passed       bool     `json:"passed"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

func passed(check string) IntegrityResult {
	return IntegrityResult{CheckName: check, Passed: true, Severity: SeverityInfo, Message: "ok"}
}

func failed(check string, severity Severity, message, fix string) IntegrityResult {
	return IntegrityResult{
		CheckName: check, Passed: false, Severity: severity,
		Message: message, SuggestedFix: fix,
	}
}

// IntegrityChecker verifies persisted rows against the store after a write.
type IntegrityChecker struct {
	store  graph.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewIntegrityChecker wires the checker to a store.
func NewIntegrityChecker(store graph.Store, logger *zap.Logger) *IntegrityChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntegrityChecker{store: store, logger: logger.Named("integrity"), now: time.Now}
}

// CheckEntity runs every entity-level check against the persisted row.
func (c *IntegrityChecker) CheckEntity(ctx context.Context, id string) []IntegrityResult {
	var results []IntegrityResult

	entity, err := c.store.GetEntity(ctx, id)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			results = append(results, failed("entity_exists", SeverityError,
				fmt.Sprintf("entity %s not found after save", id),
				"re-run the save or inspect the write path"))
		} else {
			results = append(results, failed("entity_exists", SeverityError,
				fmt.Sprintf("failed to load entity %s: %v", id, err), ""))
		}
		return results
	}
	results = append(results, passed("entity_exists"))

	results = append(results, c.checkIDUniqueness(ctx, id))
	results = append(results, checkCentralityBounds(entity))
	results = append(results, checkEntityRequiredFields(entity))
	results = append(results, checkEmbeddingConsistency(entity))
	results = append(results, c.checkTemporalConsistency(entity))
	return results
}

// CheckEdge verifies the edge row and that both endpoints exist.
func (c *IntegrityChecker) CheckEdge(ctx context.Context, id string) []IntegrityResult {
	var results []IntegrityResult

	edge, err := c.store.GetEdge(ctx, id)
	if err != nil {
		results = append(results, failed("entity_exists", SeverityError,
			fmt.Sprintf("edge %s not found after save: %v", id, err), ""))
		return results
	}
	results = append(results, passed("entity_exists"))

	refs := passed("edge_node_references")
	for _, endpoint := range []string{edge.SourceID, edge.TargetID} {
		if _, err := c.store.GetEntity(ctx, endpoint); err != nil {
			refs = failed("edge_node_references", SeverityError,
				fmt.Sprintf("edge %s references missing node %s", id, endpoint),
				"delete the dangling edge or restore the node")
			break
		}
	}
	results = append(results, refs)

	if edge.Fact != "" && len(edge.FactEmbedding) == 0 {
		results = append(results, failed("embedding_consistency", SeverityWarning,
			fmt.Sprintf("edge %s has a fact but no fact embedding", id),
			"re-embed the fact"))
	} else {
		results = append(results, passed("embedding_consistency"))
	}

	if edge.InvalidAt != nil && !edge.ValidAt.Before(*edge.InvalidAt) {
		results = append(results, failed("temporal_consistency", SeverityWarning,
			fmt.Sprintf("edge %s valid_at is not before invalid_at", id), ""))
	} else {
		results = append(results, passed("temporal_consistency"))
	}
	return results
}

// CheckBatch verifies a saved batch as a whole: unique ids, and a common
// tenant when one is expected.
func (c *IntegrityChecker) CheckBatch(ctx context.Context, ids []string, expectedTenant string) []IntegrityResult {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return []IntegrityResult{failed("batch_consistency", SeverityWarning,
				fmt.Sprintf("duplicate id %s within batch", id), "")}
		}
		seen[id] = true
	}
	if expectedTenant != "" {
		for _, id := range ids {
			entity, err := c.store.GetEntity(ctx, id)
			if err != nil {
				continue
			}
			if entity.Tenant != expectedTenant {
				return []IntegrityResult{failed("batch_consistency", SeverityWarning,
					fmt.Sprintf("entity %s belongs to tenant %s, expected %s",
						id, entity.Tenant, expectedTenant), "")}
			}
		}
	}
	return []IntegrityResult{passed("batch_consistency")}
}

func (c *IntegrityChecker) checkIDUniqueness(ctx context.Context, id string) IntegrityResult {
	count, err := c.store.CountEntityID(ctx, id)
	if err != nil {
		return failed("id_uniqueness", SeverityError,
			fmt.Sprintf("failed to count nodes with id %s: %v", id, err), "")
	}
	if count != 1 {
		return failed("id_uniqueness", SeverityError,
			fmt.Sprintf("id %s appears on %d nodes", id, count),
			"merge or delete the extra nodes")
	}
	return passed("id_uniqueness")
}

func checkCentralityBounds(entity *model.Entity) IntegrityResult {
	metrics := map[string]float64{
		"degree":      entity.Centrality.Degree,
		"pagerank":    entity.Centrality.Pagerank,
		"betweenness": entity.Centrality.Betweenness,
		"eigenvector": entity.Centrality.Eigenvector,
		"importance":  entity.Centrality.Importance,
	}
	for name, value := range metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return failed("centrality_bounds", SeverityError,
				fmt.Sprintf("entity %s %s centrality is not finite", entity.ID, name),
				"reset the metric to 0")
		}
		if value < 0 || value > 1 {
			return failed("centrality_bounds", SeverityError,
				fmt.Sprintf("entity %s %s centrality %.4f outside [0, 1]", entity.ID, name, value),
				"clamp the metric into range")
		}
	}
	return passed("centrality_bounds")
}

func checkEntityRequiredFields(entity *model.Entity) IntegrityResult {
	if entity.ID == "" || entity.Name == "" || entity.Tenant == "" {
		return failed("required_fields", SeverityError,
			fmt.Sprintf("entity %s persisted with missing required fields", entity.ID), "")
	}
	return passed("required_fields")
}

func checkEmbeddingConsistency(entity *model.Entity) IntegrityResult {
	if entity.Name != "" && len(entity.NameEmbedding) == 0 {
		return failed("embedding_consistency", SeverityWarning,
			fmt.Sprintf("entity %s has a name but no name embedding", entity.ID),
			"re-embed the name")
	}
	return passed("embedding_consistency")
}

func (c *IntegrityChecker) checkTemporalConsistency(entity *model.Entity) IntegrityResult {
	now := c.now().Add(time.Minute) // small allowance for clock skew
	if entity.CreatedAt.After(now) || entity.UpdatedAt.After(now) {
		return failed("temporal_consistency", SeverityWarning,
			fmt.Sprintf("entity %s carries a future timestamp", entity.ID), "")
	}
	if !entity.UpdatedAt.IsZero() && entity.UpdatedAt.Before(entity.CreatedAt) {
		return failed("temporal_consistency", SeverityWarning,
			fmt.Sprintf("entity %s updated_at precedes created_at", entity.ID), "")
	}
	return passed("temporal_consistency")
}

package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/ingester"
	"github.com/temporal-graph-ingest/internal/model"
)

// Extractor pulls entities and relationships out of episode content with the
// model service. It implements ingester.Extractor.
type Extractor struct {
	client *Client
	logger *zap.Logger
}

// NewExtractor wires the extractor over an existing client.
func NewExtractor(client *Client, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{client: client, logger: logger.Named("extractor")}
}

type extractedEntity struct {
	Name    string   `json:"name"`
	Labels  []string `json:"labels,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

type extractedRelation struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
	Fact     string `json:"fact,omitempty"`
}

type extractionReply struct {
	Entities      []extractedEntity   `json:"entities"`
	Relationships []extractedRelation `json:"relationships"`
}

// Extract asks the model for the episode's entities and relationships.
// Entities with empty names and relationships with missing endpoints are
// dropped with a warning rather than failing the episode.
func (e *Extractor) Extract(ctx context.Context, episode *model.Episode) (*ingester.Extraction, error) {
	var reply extractionReply
	if err := e.client.ExtractJSON(ctx, buildExtractionPrompt(episode), &reply); err != nil {
		return nil, fmt.Errorf("failed to extract episode %s: %w", episode.ID, err)
	}

	out := &ingester.Extraction{}
	seen := make(map[string]bool, len(reply.Entities))
	for _, raw := range reply.Entities {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Entities = append(out.Entities, &model.Entity{
			Name:    name,
			Labels:  raw.Labels,
			Summary: raw.Summary,
		})
	}
	for _, raw := range reply.Relationships {
		source := strings.TrimSpace(raw.Source)
		target := strings.TrimSpace(raw.Target)
		if source == "" || target == "" {
			e.logger.Warn("model returned relationship with missing endpoint",
				zap.String("episode", episode.ID),
				zap.String("relation", raw.Relation))
			continue
		}
		out.Edges = append(out.Edges, &ingester.ExtractedEdge{
			SourceName: source,
			TargetName: target,
			Relation:   raw.Relation,
			Fact:       raw.Fact,
		})
	}
	e.logger.Debug("extracted episode",
		zap.String("episode", episode.ID),
		zap.Int("entities", len(out.Entities)),
		zap.Int("relationships", len(out.Edges)))
	return out, nil
}

func buildExtractionPrompt(episode *model.Episode) string {
	var b strings.Builder
	b.WriteString("Extract the entities and relationships from the text below.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Entities are people, organizations, places, products, and concepts explicitly mentioned.\n")
	b.WriteString("- Use the entity's full name as it appears in the text.\n")
	b.WriteString("- A relationship connects two extracted entities; relation is a short UPPER_SNAKE_CASE verb phrase.\n")
	b.WriteString("- fact is one sentence from the text supporting the relationship.\n")
	b.WriteString("- Do not invent entities or relationships that are not in the text.\n\n")
	if episode.SourceDescription != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", episode.SourceDescription)
	}
	fmt.Fprintf(&b, "Text:\n%s\n\n", episode.Content)
	b.WriteString(`Respond with JSON only:
{
  "entities": [{"name": "...", "labels": ["Person"], "summary": "..."}],
  "relationships": [{"source": "...", "target": "...", "relation": "WORKS_AT", "fact": "..."}]
}`)
	return b.String()
}

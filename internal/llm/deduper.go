package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/dedup"
	"github.com/temporal-graph-ingest/internal/model"
)

// Deduper asks the model service for duplicate verdicts. It implements
// dedup.LLMDeduper.
type Deduper struct {
	client *Client
	logger *zap.Logger
}

// NewDeduper wires the deduper.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{client: client, logger: logger.Named("llm_dedup")}
}

type dedupVerdicts struct {
	Resolutions []dedup.LLMResolution `json:"entity_resolutions"`
}

// ResolveDuplicates returns one verdict per node, aligned by index. Nodes
// with no candidates get an implicit "new entity" verdict locally without
// bothering the model.
func (d *Deduper) ResolveDuplicates(ctx context.Context, nodes []*model.Entity, candidates [][]*model.Entity) ([]dedup.LLMResolution, error) {
	verdicts := make([]dedup.LLMResolution, len(nodes))
	var askNodes []*model.Entity
	var askCandidates [][]*model.Entity
	var askIdx []int
	for i, node := range nodes {
		verdicts[i] = dedup.LLMResolution{ID: node.ID, DuplicateIdx: -1}
		if len(candidates[i]) > 0 {
			askNodes = append(askNodes, node)
			askCandidates = append(askCandidates, candidates[i])
			askIdx = append(askIdx, i)
		}
	}
	if len(askNodes) == 0 {
		return verdicts, nil
	}

	var reply dedupVerdicts
	if err := d.client.ExtractJSON(ctx, buildDedupPrompt(askNodes, askCandidates), &reply); err != nil {
		return nil, fmt.Errorf("failed duplicate resolution: %w", err)
	}
	if len(reply.Resolutions) != len(askNodes) {
		d.logger.Warn("verdict count mismatch, treating unanswered nodes as new",
			zap.Int("asked", len(askNodes)),
			zap.Int("answered", len(reply.Resolutions)))
	}
	for j, i := range askIdx {
		if j < len(reply.Resolutions) {
			verdicts[i] = reply.Resolutions[j]
			verdicts[i].ID = nodes[i].ID
		}
	}
	return verdicts, nil
}

type variantVerdict struct {
	BestIdx int `json:"best_idx"`
}

// SelectBestVariant picks the canonical spelling among name variants.
func (d *Deduper) SelectBestVariant(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return -1, fmt.Errorf("no name variants to select from")
	}
	if len(names) == 1 {
		return 0, nil
	}
	var reply variantVerdict
	if err := d.client.ExtractJSON(ctx, buildVariantPrompt(names), &reply); err != nil {
		return -1, fmt.Errorf("failed variant selection: %w", err)
	}
	if reply.BestIdx < 0 || reply.BestIdx >= len(names) {
		return -1, fmt.Errorf("variant index %d out of range for %d names", reply.BestIdx, len(names))
	}
	return reply.BestIdx, nil
}

func buildDedupPrompt(nodes []*model.Entity, candidates [][]*model.Entity) string {
	var b strings.Builder
	b.WriteString(`Determine which newly extracted entities duplicate existing ones.

For each NEW entity, compare it against its numbered CANDIDATES. Two entries
are duplicates only when they refer to the same real-world thing; a division
or product is NOT a duplicate of its parent ("BMO Corporate Travel" is not
"BMO").

`)
	for i, node := range nodes {
		fmt.Fprintf(&b, "NEW %d: %q", i, node.Name)
		if node.Summary != "" {
			fmt.Fprintf(&b, " — %s", node.Summary)
		}
		b.WriteString("\nCANDIDATES:\n")
		for j, candidate := range candidates[i] {
			fmt.Fprintf(&b, "  %d: %q", j, candidate.Name)
			if candidate.Summary != "" {
				fmt.Fprintf(&b, " — %s", candidate.Summary)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(`Return JSON with one entry per NEW entity, in order:
{"entity_resolutions": [{"duplicate_idx": <candidate index or -1 for a new entity>, "duplicates": ["<names of all matching candidates>"]}]}`)
	return b.String()
}

func buildVariantPrompt(names []string) string {
	var b strings.Builder
	b.WriteString(`These names all refer to the same entity. Pick the most complete,
correctly spelled form.

`)
	for i, name := range names {
		fmt.Fprintf(&b, "%d: %q\n", i, name)
	}
	b.WriteString("\nReturn JSON: {\"best_idx\": <index>}")
	return b.String()
}

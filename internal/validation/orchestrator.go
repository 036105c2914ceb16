package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/model"
)

// OrchestratorConfig tunes which validation phases run and how strict the
// report verdict is.
type OrchestratorConfig struct {
	PreSaveEnabled         bool          `env:"VALIDATION_PRE_SAVE_ENABLED" envDefault:"true"`
	CentralityEnabled      bool          `env:"VALIDATION_CENTRALITY_ENABLED" envDefault:"true"`
	DedupAnalysisEnabled   bool          `env:"VALIDATION_DEDUP_ANALYSIS_ENABLED" envDefault:"true"`
	PostSaveEnabled        bool          `env:"POST_SAVE_VALIDATION_ENABLED" envDefault:"true"`
	AutoCorrectCentrality  bool          `env:"POST_SAVE_AUTO_REPAIR" envDefault:"true"`
	PostSaveTimeout        time.Duration `env:"POST_SAVE_TIMEOUT" envDefault:"30s"`
	FailOnWarnings         bool          `env:"VALIDATION_FAIL_ON_WARNINGS" envDefault:"false"`
	FailOnCentralityErrors bool          `env:"VALIDATION_FAIL_ON_CENTRALITY_ERRORS" envDefault:"true"`
	MaxDuration            time.Duration `env:"VALIDATION_MAX_DURATION" envDefault:"60s"`
}

// DefaultOrchestratorConfig returns the defaults without touching the
// environment.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PreSaveEnabled:         true,
		CentralityEnabled:      true,
		DedupAnalysisEnabled:   true,
		PostSaveEnabled:        true,
		AutoCorrectCentrality:  true,
		PostSaveTimeout:        30 * time.Second,
		FailOnWarnings:         false,
		FailOnCentralityErrors: true,
		MaxDuration:            60 * time.Second,
	}
}

// OrchestratorConfigFromEnv overlays VALIDATION_* and POST_SAVE_* variables.
func OrchestratorConfigFromEnv() (OrchestratorConfig, error) {
	cfg := DefaultOrchestratorConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse validation config: %w", err)
	}
	return cfg, nil
}

// Phase names as they appear on issues.
const (
	PhasePreSave       = "pre_save"
	PhaseCentrality    = "centrality"
	PhaseDedupAnalysis = "deduplication_analysis"
	PhasePostSave      = "post_save"
)

// Issue is one finding attributed to a phase.
type Issue struct {
	Phase        string   `json:"phase"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	EntityID     string   `json:"entity_id,omitempty"`
	Field        string   `json:"field,omitempty"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// Report aggregates everything one validation run found.
type Report struct {
	OperationID     string        `json:"operation_id"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	EntitiesChecked int           `json:"entities_checked"`
	EdgesChecked    int           `json:"edges_checked"`
	SkippedEntities []string      `json:"skipped_entities,omitempty"`
	FailedEntities  []string      `json:"failed_entities,omitempty"`
	Issues          []Issue       `json:"issues,omitempty"`
}

func (r *Report) add(issue Issue) { r.Issues = append(r.Issues, issue) }

// ErrorCount counts error and critical issues.
func (r *Report) ErrorCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError || issue.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// WarningCount counts warning issues.
func (r *Report) WarningCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error or critical issue was recorded.
func (r *Report) HasErrors() bool { return r.ErrorCount() > 0 }

// IsValid reports whether the run recorded no critical issue.
func (r *Report) IsValid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// Orchestrator runs the validation phases in order and collects a Report.
type Orchestrator struct {
	cfg       OrchestratorConfig
	hooks     *HookRegistry
	bounds    CentralityBounds
	fuzzy     *FuzzyMatcher
	integrity *IntegrityChecker
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator wires all validation sub-components together.
func NewOrchestrator(cfg OrchestratorConfig, store graph.Store, idCfg identity.Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		hooks:     NewHookRegistry(DefaultHookConfig(), logger),
		bounds:    DefaultCentralityBounds(),
		fuzzy:     NewFuzzyMatcher(DefaultFuzzyConfig(), idCfg),
		integrity: NewIntegrityChecker(store, logger),
		logger:    logger.Named("validation"),
		now:       time.Now,
	}
}

// Hooks exposes the registry so callers can add custom hooks.
func (o *Orchestrator) Hooks() *HookRegistry { return o.hooks }

// ValidatePreSave runs pre_save, centrality and dedup-analysis over a batch.
// Entities failed or skipped by hooks are listed on the report and must not
// be persisted by the caller.
func (o *Orchestrator) ValidatePreSave(ctx context.Context, entities []*model.Entity, edges []*model.Edge) *Report {
	report := &Report{
		OperationID:     uuid.NewString(),
		StartedAt:       o.now(),
		EntitiesChecked: len(entities),
		EdgesChecked:    len(edges),
	}
	defer o.finish(report)

	var surviving []*model.Entity
	if o.cfg.PreSaveEnabled {
		if result := o.hooks.RunBatch(ctx, entities); result.Outcome == OutcomeFail {
			for _, entity := range entities {
				report.FailedEntities = append(report.FailedEntities, entity.ID)
			}
			report.add(Issue{
				Phase: PhasePreSave, Severity: SeverityError, Message: result.Reason,
			})
			o.hooks.RunReport(ctx, report)
			return report
		}
		for _, decision := range o.hooks.RunEntityBatch(ctx, entities) {
			switch decision.Result.Outcome {
			case OutcomeFail:
				report.FailedEntities = append(report.FailedEntities, decision.Entity.ID)
				report.add(Issue{
					Phase: PhasePreSave, Severity: SeverityError,
					Message: decision.Result.Reason, EntityID: decision.Entity.ID,
				})
			case OutcomeSkip:
				report.SkippedEntities = append(report.SkippedEntities, decision.Entity.ID)
				report.add(Issue{
					Phase: PhasePreSave, Severity: SeverityInfo,
					Message: decision.Result.Reason, EntityID: decision.Entity.ID,
				})
			default:
				surviving = append(surviving, decision.Entity)
			}
		}
		for _, edge := range edges {
			if result := o.hooks.RunEdge(ctx, edge); result.Outcome == OutcomeFail {
				report.add(Issue{
					Phase: PhasePreSave, Severity: SeverityError,
					Message: result.Reason, EntityID: edge.ID,
				})
			}
		}
	} else {
		surviving = entities
	}

	if o.cfg.CentralityEnabled {
		for _, entity := range surviving {
			result := ValidateCentrality(entity, o.bounds, o.cfg.AutoCorrectCentrality)
			for _, msg := range result.Errors {
				severity := SeverityWarning
				if o.cfg.FailOnCentralityErrors {
					severity = SeverityError
				}
				report.add(Issue{
					Phase: PhaseCentrality, Severity: severity,
					Message: msg, EntityID: entity.ID, Field: "centrality",
				})
			}
			for _, msg := range result.Warnings {
				report.add(Issue{
					Phase: PhaseCentrality, Severity: SeverityWarning,
					Message: msg, EntityID: entity.ID, Field: "centrality",
				})
			}
			if o.cfg.AutoCorrectCentrality {
				ApplyCorrections(entity, result.Corrected)
			}
		}
	}

	if o.cfg.DedupAnalysisEnabled {
		o.analyzeDuplicates(report, surviving)
	}
	if result := o.hooks.RunReport(ctx, report); result.Outcome == OutcomeFail {
		report.add(Issue{
			Phase: PhasePreSave, Severity: SeverityError, Message: result.Reason,
		})
	}
	return report
}

// ValidateEpisode runs the pre_episode hooks over a single episode before it
// is persisted.
func (o *Orchestrator) ValidateEpisode(ctx context.Context, episode *model.Episode) HookResult {
	if !o.cfg.PreSaveEnabled {
		return HookResult{Outcome: OutcomeOK}
	}
	return o.hooks.RunEpisode(ctx, episode)
}

// analyzeDuplicates flags likely-duplicate pairs inside the batch. Findings
// are advisory; the dedup engine decides.
func (o *Orchestrator) analyzeDuplicates(report *Report, entities []*model.Entity) {
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			if entities[i].Tenant != entities[j].Tenant {
				continue
			}
			if match, score := o.fuzzy.MatchEntities(entities[i], entities[j]); match {
				report.add(Issue{
					Phase:    PhaseDedupAnalysis,
					Severity: SeverityWarning,
					Message: fmt.Sprintf("entities %q and %q look like duplicates (score %.2f)",
						entities[i].Name, entities[j].Name, score),
					EntityID:     entities[i].ID,
					SuggestedFix: "route the pair through the dedup engine",
				})
			}
		}
	}
}

// ValidatePostSave re-verifies persisted rows. The run is bounded by the
// configured post-save timeout.
func (o *Orchestrator) ValidatePostSave(ctx context.Context, entityIDs, edgeIDs []string, tenant string) *Report {
	report := &Report{
		OperationID:     uuid.NewString(),
		StartedAt:       o.now(),
		EntitiesChecked: len(entityIDs),
		EdgesChecked:    len(edgeIDs),
	}
	defer o.finish(report)

	if !o.cfg.PostSaveEnabled {
		return report
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PostSaveTimeout)
	defer cancel()

	for _, id := range entityIDs {
		o.collect(report, o.integrity.CheckEntity(ctx, id), id)
	}
	for _, id := range edgeIDs {
		o.collect(report, o.integrity.CheckEdge(ctx, id), id)
	}
	o.collect(report, o.integrity.CheckBatch(ctx, entityIDs, tenant), "")
	if result := o.hooks.RunReport(ctx, report); result.Outcome == OutcomeFail {
		report.add(Issue{
			Phase: PhasePostSave, Severity: SeverityError, Message: result.Reason,
		})
	}
	return report
}

func (o *Orchestrator) collect(report *Report, results []IntegrityResult, id string) {
	for _, result := range results {
		if result.Passed {
			continue
		}
		report.add(Issue{
			Phase:        PhasePostSave,
			Severity:     result.Severity,
			Message:      result.Message,
			EntityID:     id,
			Field:        result.CheckName,
			SuggestedFix: result.SuggestedFix,
		})
	}
}

// finish stamps the duration and records a critical issue when the run blew
// its wall-clock budget.
func (o *Orchestrator) finish(report *Report) {
	report.Duration = o.now().Sub(report.StartedAt)
	if o.cfg.MaxDuration > 0 && report.Duration > o.cfg.MaxDuration {
		report.add(Issue{
			Phase:    PhasePostSave,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("validation exceeded time budget: %s > %s",
				report.Duration, o.cfg.MaxDuration),
		})
	}
	if report.HasErrors() || (o.cfg.FailOnWarnings && report.WarningCount() > 0) {
		o.logger.Warn("validation found issues",
			zap.String("operation_id", report.OperationID),
			zap.Int("errors", report.ErrorCount()),
			zap.Int("warnings", report.WarningCount()))
	}
}

// Failed applies the configured strictness to a report.
func (o *Orchestrator) Failed(report *Report) bool {
	if report.HasErrors() {
		return true
	}
	return o.cfg.FailOnWarnings && report.WarningCount() > 0
}

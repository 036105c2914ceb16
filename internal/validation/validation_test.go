package validation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/model"
)

func entity(id, name, tenant string) *model.Entity {
	now := time.Now().UTC()
	return &model.Entity{ID: id, Name: name, Tenant: tenant, CreatedAt: now, UpdatedAt: now}
}

func TestHooksRequiredFields(t *testing.T) {
	reg := NewHookRegistry(DefaultHookConfig(), nil)
	ctx := context.Background()

	result := reg.RunEntity(ctx, NewBatchState(), entity("", "Alice", "t1"))
	assert.Equal(t, OutcomeFail, result.Outcome)

	result = reg.RunEntity(ctx, NewBatchState(), entity("e1", "   ", "t1"))
	assert.Equal(t, OutcomeFail, result.Outcome)

	result = reg.RunEntity(ctx, NewBatchState(), entity("e1", "Alice", ""))
	assert.Equal(t, OutcomeFail, result.Outcome)

	result = reg.RunEntity(ctx, NewBatchState(), entity("e1", "Alice", "t1"))
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestHooksNormalizeName(t *testing.T) {
	reg := NewHookRegistry(HookConfig{NormalizeNames: true, TitleCaseNames: true}, nil)

	e := entity("e1", "  alice   smith ", "t1")
	result := reg.RunEntity(context.Background(), NewBatchState(), e)
	require.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, "Alice Smith", e.Name)
}

func TestHooksIntraBatchDuplicates(t *testing.T) {
	reg := NewHookRegistry(DefaultHookConfig(), nil)

	decisions := reg.RunEntityBatch(context.Background(), []*model.Entity{
		entity("e1", "Alice", "t1"),
		entity("e1", "Bob", "t1"),     // same id: fail
		entity("e2", "alice", "t1"),   // same name+tenant: skip
		entity("e3", "Alice", "t2"),   // other tenant: fine
	})
	require.Len(t, decisions, 4)
	assert.Equal(t, OutcomeOK, decisions[0].Result.Outcome)
	assert.Equal(t, OutcomeFail, decisions[1].Result.Outcome)
	assert.Equal(t, OutcomeSkip, decisions[2].Result.Outcome)
	assert.Equal(t, OutcomeOK, decisions[3].Result.Outcome)
}

func TestHooksEpisodeBucket(t *testing.T) {
	reg := NewHookRegistry(DefaultHookConfig(), nil)
	ctx := context.Background()

	result := reg.RunEpisode(ctx, &model.Episode{ID: "ep1", Content: "x"})
	assert.Equal(t, OutcomeFail, result.Outcome)

	result = reg.RunEpisode(ctx, &model.Episode{ID: "ep1", Tenant: "t1"})
	assert.Equal(t, OutcomeFail, result.Outcome)

	result = reg.RunEpisode(ctx, &model.Episode{ID: "ep1", Tenant: "t1", Content: "x"})
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestHooksBatchSizeBucket(t *testing.T) {
	reg := NewHookRegistry(HookConfig{NormalizeNames: true, MaxBatch: 2}, nil)
	ctx := context.Background()

	small := []*model.Entity{entity("e1", "Alice", "t1"), entity("e2", "Bob", "t1")}
	assert.Equal(t, OutcomeOK, reg.RunBatch(ctx, small).Outcome)

	big := append(small, entity("e3", "Carol", "t1"))
	result := reg.RunBatch(ctx, big)
	assert.Equal(t, OutcomeFail, result.Outcome)
	assert.Contains(t, result.Reason, "exceeds limit")
}

func TestOrchestratorRunsBatchAndReportHooks(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	o := NewOrchestrator(DefaultOrchestratorConfig(), store, identity.DefaultConfig(), nil)

	var reviewed *Report
	o.Hooks().Register(&Hook{
		Name: "report_audit", Kind: HookPostValidation, Priority: 10, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			reviewed = s.Report
			return hookOK()
		},
	})
	o.Hooks().Register(&Hook{
		Name: "tiny_batches_only", Kind: HookPreBatch, Priority: 5, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			if len(s.Entities) > 1 {
				return hookFail("batch too large for this tenant")
			}
			return hookOK()
		},
	})

	report := o.ValidatePreSave(ctx, []*model.Entity{entity("e1", "Alice", "t1")}, nil)
	assert.False(t, o.Failed(report))
	require.NotNil(t, reviewed)
	assert.Equal(t, report.OperationID, reviewed.OperationID)

	report = o.ValidatePreSave(ctx, []*model.Entity{
		entity("e1", "Alice", "t1"), entity("e2", "Bob", "t1"),
	}, nil)
	assert.True(t, o.Failed(report))
	assert.ElementsMatch(t, []string{"e1", "e2"}, report.FailedEntities)
}

func TestOrchestratorValidateEpisode(t *testing.T) {
	ctx := context.Background()
	o := NewOrchestrator(DefaultOrchestratorConfig(), graph.NewMemoryStore(), identity.DefaultConfig(), nil)

	result := o.ValidateEpisode(ctx, &model.Episode{ID: "ep1"})
	assert.Equal(t, OutcomeFail, result.Outcome)

	result = o.ValidateEpisode(ctx, &model.Episode{ID: "ep1", Tenant: "t1", Content: "x"})
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestHooksPriorityOrderAndDisable(t *testing.T) {
	reg := NewHookRegistry(DefaultHookConfig(), nil)

	var order []string
	reg.Register(&Hook{
		Name: "second", Kind: HookPreEntity, Priority: 25, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			order = append(order, "second")
			return hookOK()
		},
	})
	reg.Register(&Hook{
		Name: "first", Kind: HookPreEntity, Priority: 5, Enabled: true,
		Fn: func(ctx context.Context, s *Subject) HookResult {
			order = append(order, "first")
			return hookOK()
		},
	})
	reg.RunEntity(context.Background(), NewBatchState(), entity("e1", "Alice", "t1"))
	require.Equal(t, []string{"first", "second"}, order)

	reg.SetEnabled("first", false)
	order = nil
	reg.RunEntity(context.Background(), NewBatchState(), entity("e2", "Bob", "t1"))
	assert.Equal(t, []string{"second"}, order)
}

func TestIntegrityEntityChecks(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	checker := NewIntegrityChecker(store, nil)

	results := checker.CheckEntity(ctx, "missing")
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "entity_exists", results[0].CheckName)

	good := entity("e1", "Alice", "t1")
	good.NameEmbedding = []float32{0.1, 0.2}
	require.NoError(t, store.UpsertEntity(ctx, good))

	for _, result := range checker.CheckEntity(ctx, "e1") {
		assert.True(t, result.Passed, result.CheckName)
	}

	bad := entity("e2", "Bob", "t1")
	bad.Centrality.Pagerank = 1.7
	require.NoError(t, store.UpsertEntity(ctx, bad))

	byName := map[string]IntegrityResult{}
	for _, result := range checker.CheckEntity(ctx, "e2") {
		byName[result.CheckName] = result
	}
	assert.False(t, byName["centrality_bounds"].Passed)
	assert.Equal(t, SeverityError, byName["centrality_bounds"].Severity)
	assert.False(t, byName["embedding_consistency"].Passed)
	assert.Equal(t, SeverityWarning, byName["embedding_consistency"].Severity)
}

func TestIntegrityEdgeReferences(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	checker := NewIntegrityChecker(store, nil)

	require.NoError(t, store.UpsertEntity(ctx, entity("a", "A", "t1")))
	require.NoError(t, store.UpsertEntity(ctx, entity("b", "B", "t1")))
	require.NoError(t, store.UpsertEdge(ctx, &model.Edge{
		ID: "ab", SourceID: "a", TargetID: "b", Tenant: "t1",
		Name: "KNOWS", Fact: "a knows b", FactEmbedding: []float32{1},
	}))

	for _, result := range checker.CheckEdge(ctx, "ab") {
		assert.True(t, result.Passed, result.CheckName)
	}

	results := checker.CheckBatch(ctx, []string{"a", "a"}, "")
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "batch_consistency", results[0].CheckName)

	results = checker.CheckBatch(ctx, []string{"a", "b"}, "t2")
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
}

func TestCentralityClampAndValidate(t *testing.T) {
	bounds := DefaultCentralityBounds()
	assert.Equal(t, 0.0, bounds.Clamp(-0.5))
	assert.Equal(t, 1.0, bounds.Clamp(3.2))
	assert.Equal(t, 0.4, bounds.Clamp(0.4))
	assert.Equal(t, 0.0, bounds.Clamp(math.NaN()))
	assert.Equal(t, 0.0, bounds.Clamp(math.Inf(1)))

	e := entity("e1", "Alice", "t1")
	e.Centrality.Degree = 1.5
	e.Centrality.Pagerank = math.NaN()

	strict := ValidateCentrality(e, bounds, false)
	assert.False(t, strict.Valid)
	assert.Len(t, strict.Errors, 2)

	corrected := ValidateCentrality(e, bounds, true)
	assert.True(t, corrected.Valid)
	assert.Equal(t, 1.0, corrected.Corrected["degree"])
	assert.Equal(t, 0.0, corrected.Corrected["pagerank"])

	ApplyCorrections(e, corrected.Corrected)
	assert.Equal(t, 1.0, e.Centrality.Degree)
	assert.Equal(t, 0.0, e.Centrality.Pagerank)
}

func TestCentralityNormalization(t *testing.T) {
	a := entity("a", "A", "t1")
	b := entity("b", "B", "t1")
	c := entity("c", "C", "t1")
	a.Centrality.Degree = 0.2
	b.Centrality.Degree = 0.6
	c.Centrality.Degree = 1.0
	entities := []*model.Entity{a, b, c}

	minmax := NormalizeMinMax(entities, "degree")
	assert.Equal(t, 0.0, minmax["a"])
	assert.InDelta(t, 0.5, minmax["b"], 1e-9)
	assert.Equal(t, 1.0, minmax["c"])

	// Degenerate range maps to zero.
	b.Centrality.Pagerank = 0.3
	a.Centrality.Pagerank = 0.3
	c.Centrality.Pagerank = 0.3
	flat := NormalizeMinMax(entities, "pagerank")
	assert.Equal(t, 0.0, flat["a"])

	z := NormalizeZScore(entities, "degree")
	// Sigmoid keeps everything in (0, 1), mean maps to 0.5.
	assert.InDelta(t, 0.5, z["b"], 1e-9)
	assert.Less(t, z["a"], 0.5)
	assert.Greater(t, z["c"], 0.5)
}

func TestCentralityAnomalies(t *testing.T) {
	entities := make([]*model.Entity, 0, 11)
	for i := 0; i < 10; i++ {
		e := entity(string(rune('a'+i)), "E", "t1")
		e.Centrality.Degree = 0.5
		entities = append(entities, e)
	}
	outlier := entity("outlier", "O", "t1")
	outlier.Centrality.Degree = 1.0
	entities = append(entities, outlier)

	anomalies := DetectAnomalies(entities, "degree", 3)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "outlier", anomalies[0].EntityID)
	assert.Greater(t, anomalies[0].ZScore, 3.0)
}

func TestFuzzyMatching(t *testing.T) {
	m := NewFuzzyMatcher(DefaultFuzzyConfig(), identity.DefaultConfig())

	// Exact word overlap boosts to 1.0 regardless of embeddings.
	score := m.CombinedScore("Acme Corp", "acme corp", nil, nil)
	assert.Equal(t, 1.0, score)

	// Orthogonal embeddings drag the combined score down.
	low := m.CombinedScore("Acme Industries", "Acme Holdings",
		[]float32{1, 0}, []float32{0, 1})
	assert.Less(t, low, 0.85)

	a := entity("a", "Acme", "t1")
	b := entity("b", "Acme", "t1")
	matched, score := m.MatchEntities(a, b)
	assert.True(t, matched)
	assert.Equal(t, 1.0, score)

	// Compound-name guard blocks subset pairs.
	parent := entity("p", "BMO", "t1")
	child := entity("c", "BMO Corporate Travel", "t1")
	matched, _ = m.MatchEntities(parent, child)
	assert.False(t, matched)
}

func TestFuzzyEdgeMatching(t *testing.T) {
	m := NewFuzzyMatcher(DefaultFuzzyConfig(), identity.DefaultConfig())

	a := &model.Edge{SourceID: "s", TargetID: "t", Fact: "works at acme"}
	b := &model.Edge{SourceID: "s", TargetID: "t", Fact: "works at acme"}
	matched, score := m.MatchEdges(a, b)
	assert.True(t, matched)
	assert.Equal(t, 1.0, score)

	// Different endpoints never match.
	c := &model.Edge{SourceID: "s", TargetID: "other", Fact: "works at acme"}
	matched, _ = m.MatchEdges(a, c)
	assert.False(t, matched)
}

func TestOrchestratorPreSave(t *testing.T) {
	store := graph.NewMemoryStore()
	o := NewOrchestrator(DefaultOrchestratorConfig(), store, identity.DefaultConfig(), nil)

	bad := entity("", "NoID", "t1")
	clampMe := entity("e1", "Alice", "t1")
	clampMe.Centrality.Degree = 2.5
	dupA := entity("e2", "Acme", "t1")
	dupB := entity("e3", "Acme Inc", "t1")

	report := o.ValidatePreSave(context.Background(),
		[]*model.Entity{bad, clampMe, dupA, dupB}, nil)

	assert.Contains(t, report.FailedEntities, "")
	assert.GreaterOrEqual(t, report.ErrorCount(), 1)
	// Auto-correct clamped the out-of-range metric.
	assert.Equal(t, 1.0, clampMe.Centrality.Degree)
	assert.True(t, report.IsValid())
	assert.NotEmpty(t, report.OperationID)
}

func TestOrchestratorPostSaveAndBudget(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	cfg := DefaultOrchestratorConfig()
	o := NewOrchestrator(cfg, store, identity.DefaultConfig(), nil)

	saved := entity("e1", "Alice", "t1")
	saved.NameEmbedding = []float32{0.1}
	require.NoError(t, store.UpsertEntity(ctx, saved))

	report := o.ValidatePostSave(ctx, []string{"e1"}, nil, "t1")
	assert.False(t, report.HasErrors())
	assert.True(t, report.IsValid())

	// Missing row surfaces as an error.
	report = o.ValidatePostSave(ctx, []string{"ghost"}, nil, "")
	assert.True(t, report.HasErrors())

	// Exceeding the wall-clock budget records a critical issue.
	tight := cfg
	tight.MaxDuration = time.Nanosecond
	slow := NewOrchestrator(tight, store, identity.DefaultConfig(), nil)
	report = slow.ValidatePostSave(ctx, []string{"e1"}, nil, "")
	assert.False(t, report.IsValid())
}

func TestOrchestratorFailOnWarnings(t *testing.T) {
	store := graph.NewMemoryStore()
	cfg := DefaultOrchestratorConfig()
	cfg.FailOnWarnings = true
	o := NewOrchestrator(cfg, store, identity.DefaultConfig(), nil)

	dupA := entity("a", "Acme", "t1")
	dupB := entity("b", "Acme Inc", "t1")
	report := o.ValidatePreSave(context.Background(), []*model.Entity{dupA, dupB}, nil)
	if report.WarningCount() > 0 {
		assert.True(t, o.Failed(report))
	}
}

func TestOrchestratorConfigFromEnv(t *testing.T) {
	t.Setenv("VALIDATION_FAIL_ON_WARNINGS", "true")
	t.Setenv("POST_SAVE_TIMEOUT", "5s")
	t.Setenv("POST_SAVE_VALIDATION_ENABLED", "false")

	cfg, err := OrchestratorConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.FailOnWarnings)
	assert.Equal(t, 5*time.Second, cfg.PostSaveTimeout)
	assert.False(t, cfg.PostSaveEnabled)
}

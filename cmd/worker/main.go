// Ingestion worker service: consumes tasks from the queue broker and writes
// the temporal knowledge graph.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/cache"
	"github.com/temporal-graph-ingest/internal/centrality"
	"github.com/temporal-graph-ingest/internal/config"
	"github.com/temporal-graph-ingest/internal/dedup"
	"github.com/temporal-graph-ingest/internal/embedding"
	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/ingester"
	"github.com/temporal-graph-ingest/internal/llm"
	"github.com/temporal-graph-ingest/internal/merge"
	"github.com/temporal-graph-ingest/internal/policy"
	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/validation"
	"github.com/temporal-graph-ingest/internal/webhook"
	"github.com/temporal-graph-ingest/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := queue.NewClient(cfg.Broker.Client(), logger)
	if _, err := broker.ListQueues(ctx); err != nil {
		logger.Fatal("queue broker unreachable", zap.Error(err))
	}
	if err := broker.EnsureQueue(ctx, queue.DefaultQueue); err != nil {
		logger.Fatal("failed to ensure ingestion queue", zap.Error(err))
	}
	if err := broker.EnsureQueue(ctx, queue.DeadLetterQueue); err != nil {
		logger.Fatal("failed to ensure dead-letter queue", zap.Error(err))
	}

	store := buildStore(ctx, cfg, logger)
	if err := store.EnsureConstraints(ctx); err != nil {
		logger.Fatal("failed to apply graph constraints", zap.Error(err))
	}

	embedder, err := embedding.NewClient(cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("failed to build embedding client", zap.Error(err))
	}
	llmClient := llm.NewClient(cfg.LLM, logger)
	deduper := llm.NewDeduper(llmClient, logger)
	extractor := llm.NewExtractor(llmClient, logger)
	centralityClient := centrality.NewClient(cfg.Centrality, logger)

	resolutionCache, err := cache.NewResolutionCache(100_000, time.Hour, nil, logger)
	if err != nil {
		logger.Fatal("failed to build resolution cache", zap.Error(err))
	}
	defer resolutionCache.Close()

	index, err := dedup.NewCandidateIndex(dedup.DefaultIndexConfig(), logger)
	if err != nil {
		logger.Fatal("failed to open candidate index", zap.Error(err))
	}
	defer index.Close()

	searcher := dedup.NewHybridSearcher(index, store, logger)
	resolver := dedup.NewResolver(dedup.DefaultResolverConfig(), store, searcher, resolutionCache, cfg.Identity, deduper, logger)
	mergeEngine := merge.NewEngine(store, merge.DefaultPolicy(), cfg.Identity, centralityClient, logger)
	sweeper := dedup.NewSweeper(store, mergeEngine, cfg.Identity, deduper, logger)
	validator := validation.NewOrchestrator(validation.DefaultOrchestratorConfig(), store, cfg.Identity, logger)

	var internalHandlers []webhook.Handler
	if cfg.NATSURL != "" {
		publisher, err := webhook.NewNATSPublisher(cfg.NATSURL, "", logger)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		defer publisher.Close()
		internalHandlers = append(internalHandlers, publisher)
	}
	dispatcher := webhook.NewDispatcher(cfg.Webhook, cfg.Targets, internalHandlers, logger)
	dispatcher.Start()

	engine := ingester.NewEngine(store, cfg.Identity, resolver, sweeper, validator, ingester.Options{
		Extractor:  extractor,
		Embedder:   embedder,
		Index:      index,
		Centrality: centralityClient,
		Events:     dispatcher,
	}, logger)

	limiter := policy.NewRateLimiter(cfg.RateLimiter, logger)
	pool := worker.NewPool(cfg.Worker, broker, limiter, engine, logger)
	pool.Start(ctx)

	logger.Info("ingestion worker service started",
		zap.String("graph_backend", cfg.Graph.Backend),
		zap.Int("workers", cfg.Worker.Workers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	pool.Stop()
	dispatcher.Stop()
	if err := store.Close(context.Background()); err != nil {
		logger.Warn("failed to close graph store", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) graph.Store {
	switch cfg.Graph.Backend {
	case "neo4j":
		store, err := graph.NewNeo4jStore(ctx, cfg.Graph.Neo4j(), logger)
		if err != nil {
			logger.Fatal("failed to connect to neo4j", zap.Error(err))
		}
		return store
	case "falkordb":
		store, err := graph.NewFalkorStore(ctx, cfg.Graph.Falkor(), logger)
		if err != nil {
			logger.Fatal("failed to connect to falkordb", zap.Error(err))
		}
		return store
	case "memory":
		return graph.NewMemoryStore()
	}
	logger.Fatal("unknown graph backend", zap.String("backend", cfg.Graph.Backend))
	return nil
}

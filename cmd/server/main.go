// Ingress API service: accepts producer requests, enqueues ingestion tasks,
// and exposes queue health, metrics, and the websocket event stream.
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
	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/metrics"
	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/server"
	"github.com/temporal-graph-ingest/internal/webhook"
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
	if err := broker.EnsureQueue(ctx, queue.DefaultQueue); err != nil {
		logger.Fatal("failed to ensure ingestion queue", zap.Error(err))
	}

	store := buildStore(ctx, cfg, logger)
	if err := store.EnsureConstraints(ctx); err != nil {
		logger.Fatal("failed to apply graph constraints", zap.Error(err))
	}

	resolutionCache, err := cache.NewResolutionCache(100_000, time.Hour, nil, logger)
	if err != nil {
		logger.Fatal("failed to build resolution cache", zap.Error(err))
	}
	defer resolutionCache.Close()

	hub := webhook.NewHub(logger)
	defer hub.Close()
	handlersList := []webhook.Handler{hub}
	if cfg.NATSURL != "" {
		publisher, err := webhook.NewNATSPublisher(cfg.NATSURL, "", logger)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		defer publisher.Close()
		handlersList = append(handlersList, publisher)
	}
	dispatcher := webhook.NewDispatcher(cfg.Webhook, cfg.Targets, handlersList, logger)
	dispatcher.Start()

	registry := metrics.NewRegistry(metrics.Sources{
		Queue:     broker.Stats,
		Webhook:   dispatcher.Snapshot,
		WSClients: hub.Count,
	})

	srv := server.New(cfg.ServerAddr, server.Deps{
		Queue:      broker,
		Store:      store,
		Events:     dispatcher,
		Hub:        hub,
		Cache:      resolutionCache,
		Centrality: centrality.NewClient(cfg.Centrality, logger),
		Metrics:    registry.Handler(),
	}, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("ingress server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
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

// Package worker consumes ingestion tasks from the broker: each worker polls
// a batch, admits tasks through the rate limiter, dispatches by kind into the
// ingestion core, and classifies failures into retry, dead-letter, or ack.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/ingester"
	"github.com/temporal-graph-ingest/internal/jsonx"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/taskerr"
)

// Queue is the broker surface the worker needs. *queue.Client satisfies it.
type Queue interface {
	Poll(ctx context.Context, queueName string, count, visibilityTimeout int) ([]queue.PolledTask, error)
	Ack(ctx context.Context, queueName string, messageID, pollTag int64) error
	Extend(ctx context.Context, queueName string, messageID, pollTag int64, visibilityTimeout int) (int64, error)
	Enqueue(ctx context.Context, queueName string, tasks []*model.IngestionTask) ([]int64, error)
	RecordFailure()
}

// Admitter is the rate-limiter surface. *policy.RateLimiter satisfies it.
type Admitter interface {
	Acquire(tenant string) error
}

// Core is the ingestion surface tasks dispatch into. *ingester.Engine
// satisfies it.
type Core interface {
	AddEpisode(ctx context.Context, episode *model.Episode) (*ingester.EpisodeResult, error)
	SaveEntity(ctx context.Context, entity *model.Entity) error
	AddTriplet(ctx context.Context, source, target *model.Entity, edge *model.Edge) error
	Sweep(ctx context.Context, tenants []string, target string, threshold float64) error
}

// retryTracker counts delivery failures per broker message. The broker cannot
// rewrite task bodies on extend, so the retry count for a redelivered message
// lives here, shared by every worker in the pool.
type retryTracker struct {
	mu     sync.Mutex
	counts map[int64]int
}

func newRetryTracker() *retryTracker {
	return &retryTracker{counts: make(map[int64]int)}
}

func (t *retryTracker) count(messageID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[messageID]
}

func (t *retryTracker) bump(messageID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[messageID]++
	return t.counts[messageID]
}

func (t *retryTracker) forget(messageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, messageID)
}

// Worker is one consumer loop. Workers share the queue, limiter, core, and
// retry tracker; each owns only the tasks between poll and ack.
type Worker struct {
	id      string
	cfg     Config
	queue   Queue
	limiter Admitter
	core    Core
	tracker *retryTracker
	stats   *PoolStats
	logger  *zap.Logger
	sleep   func(time.Duration)
}

func newWorker(id string, cfg Config, q Queue, limiter Admitter, core Core, tracker *retryTracker, stats *PoolStats, logger *zap.Logger) *Worker {
	return &Worker{
		id:      id,
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
		core:    core,
		tracker: tracker,
		stats:   stats,
		logger:  logger.Named(id),
		sleep:   time.Sleep,
	}
}

// run polls until the context is cancelled. Tasks within a batch are
// processed sequentially in delivery order.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := w.queue.Poll(ctx, w.cfg.Queue, w.cfg.BatchSize, w.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("poll failed", zap.Error(err))
			w.idle(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.idle(ctx)
			continue
		}
		for _, polled := range tasks {
			w.process(ctx, polled)
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// process runs one task end to end: admit, dispatch, then ack or classify
// the failure.
func (w *Worker) process(ctx context.Context, polled queue.PolledTask) {
	task := polled.Task
	w.stats.bump(func(s *Counters) { s.Processed++ })

	if err := w.limiter.Acquire(task.Tenant); err != nil {
		w.handleRateLimit(ctx, polled, err)
		return
	}

	if err := w.dispatch(ctx, task); err != nil {
		w.handleFailure(ctx, polled, err)
		return
	}

	if err := w.queue.Ack(ctx, w.cfg.Queue, polled.MessageID, polled.PollTag); err != nil {
		if errors.Is(err, taskerr.ErrStaleTag) {
			// Another consumer owns it now.
			w.logger.Debug("ack raced a visibility expiry",
				zap.Int64("message_id", polled.MessageID))
		} else {
			w.logger.Warn("ack failed", zap.Int64("message_id", polled.MessageID), zap.Error(err))
		}
	}
	w.tracker.forget(polled.MessageID)
	w.stats.bump(func(s *Counters) { s.Completed++ })
}

// dispatch routes the task to the core by kind. Classification of raw errors
// happens here so the failure handler only sees typed errors.
func (w *Worker) dispatch(ctx context.Context, task *model.IngestionTask) error {
	var err error
	switch task.Kind {
	case model.TaskEpisode:
		err = w.dispatchEpisode(ctx, task)
	case model.TaskEntity:
		err = w.dispatchEntity(ctx, task)
	case model.TaskRelationship:
		err = w.dispatchRelationship(ctx, task)
	case model.TaskDeduplication:
		err = w.dispatchDeduplication(ctx, task)
	case model.TaskBatch:
		err = w.dispatchBatch(ctx, task)
	default:
		return taskerr.Permanentf("unknown task kind %q", task.Kind)
	}
	if err != nil {
		return taskerr.Classify(err)
	}
	return nil
}

func (w *Worker) dispatchEpisode(ctx context.Context, task *model.IngestionTask) error {
	episode, err := decodePayload[model.Episode](task.Payload)
	if err != nil {
		return err
	}
	if episode.Tenant == "" {
		episode.Tenant = task.Tenant
	}
	if ts, ok := task.Payload["timestamp"].(string); ok && episode.ValidAt.IsZero() {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return taskerr.Permanentf("episode has malformed timestamp %q", ts)
		}
		episode.ValidAt = parsed
	}
	result, err := w.core.AddEpisode(ctx, episode)
	if err != nil {
		return err
	}
	w.logger.Debug("episode processed",
		zap.String("episode", result.EpisodeID),
		zap.Int("entities_created", result.EntitiesCreated),
		zap.Int("edges_created", result.EdgesCreated))
	return nil
}

func (w *Worker) dispatchEntity(ctx context.Context, task *model.IngestionTask) error {
	entity, err := decodePayload[model.Entity](task.Payload)
	if err != nil {
		return err
	}
	if entity.Tenant == "" {
		entity.Tenant = task.Tenant
	}
	err = w.core.SaveEntity(ctx, entity)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate") {
		return nil
	}
	return err
}

type relationshipPayload struct {
	Source *model.Entity `json:"source"`
	Target *model.Entity `json:"target"`
	Edge   *model.Edge   `json:"edge"`
}

func (w *Worker) dispatchRelationship(ctx context.Context, task *model.IngestionTask) error {
	payload, err := decodePayload[relationshipPayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.Source == nil || payload.Target == nil {
		return taskerr.Permanentf("relationship task %s is missing an endpoint", task.ID)
	}
	for _, node := range []*model.Entity{payload.Source, payload.Target} {
		if node.Tenant == "" {
			node.Tenant = task.Tenant
		}
	}
	return w.core.AddTriplet(ctx, payload.Source, payload.Target, payload.Edge)
}

type deduplicationPayload struct {
	Tenants             []string `json:"group_ids"`
	Type                string   `json:"type"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
}

func (w *Worker) dispatchDeduplication(ctx context.Context, task *model.IngestionTask) error {
	payload, err := decodePayload[deduplicationPayload](task.Payload)
	if err != nil {
		return err
	}
	tenants := payload.Tenants
	if len(tenants) == 0 && task.Tenant != "" {
		tenants = []string{task.Tenant}
	}
	if len(tenants) == 0 {
		return taskerr.Permanentf("deduplication task %s names no tenants", task.ID)
	}
	return w.core.Sweep(ctx, tenants, payload.Type, payload.SimilarityThreshold)
}

type batchPayload struct {
	Operations []batchOperation `json:"operations"`
}

type batchOperation struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// dispatchBatch processes each operation as its own dispatch. Partial failure
// is tolerated; the batch fails only when every operation fails.
func (w *Worker) dispatchBatch(ctx context.Context, task *model.IngestionTask) error {
	payload, err := decodePayload[batchPayload](task.Payload)
	if err != nil {
		return err
	}
	if len(payload.Operations) == 0 {
		return taskerr.Permanentf("batch task %s has no operations", task.ID)
	}

	var succeeded, failed int
	var lastErr error
	for i, op := range payload.Operations {
		kind := model.TaskKind(op.Type)
		if kind == model.TaskBatch || !kind.Valid() {
			failed++
			lastErr = taskerr.Permanentf("batch operation %d has invalid type %q", i, op.Type)
			continue
		}
		sub := &model.IngestionTask{
			ID:      fmt.Sprintf("%s#%d", task.ID, i),
			Kind:    kind,
			Payload: op.Payload,
			Tenant:  task.Tenant,
		}
		if err := w.dispatch(ctx, sub); err != nil {
			failed++
			lastErr = err
			w.logger.Warn("batch operation failed",
				zap.String("task", sub.ID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		succeeded++
	}
	w.logger.Info("batch processed",
		zap.String("task", task.ID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))
	if succeeded == 0 {
		return fmt.Errorf("all %d batch operations failed: %w", failed, lastErr)
	}
	return nil
}

// handleRateLimit pushes the task back with a delay scaled by how often it
// has already been retried.
func (w *Worker) handleRateLimit(ctx context.Context, polled queue.PolledTask, err error) {
	retries := w.retries(polled)
	retryAfter := 1
	var limited *taskerr.RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		retryAfter = limited.RetryAfter
	}
	delay := capDelay(retryAfter << retries)

	w.stats.bump(func(s *Counters) { s.RateLimited++ })
	w.logger.Debug("task rate limited",
		zap.Int64("message_id", polled.MessageID),
		zap.String("tenant", polled.Task.Tenant),
		zap.Int("delay_secs", delay))
	w.extend(ctx, polled, delay)
}

// handleFailure classifies one dispatch error into retry or dead-letter.
func (w *Worker) handleFailure(ctx context.Context, polled queue.PolledTask, err error) {
	if errors.Is(err, taskerr.ErrStaleTag) {
		w.tracker.forget(polled.MessageID)
		return
	}
	var limited *taskerr.RateLimitedError
	if errors.As(err, &limited) {
		w.handleRateLimit(ctx, polled, err)
		return
	}

	kind := taskerr.Kind(err)
	permanent := kind == "PermanentError" || kind == "ValidationFailure" || kind == "MergeError"
	maxRetries := polled.Task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetries
	}
	prior := w.retries(polled)

	if !permanent && prior < maxRetries {
		attempt := w.bumpRetries(polled)
		delay := capDelay(10 << attempt)
		w.stats.bump(func(s *Counters) { s.Retried++ })
		w.logger.Warn("task failed, retrying",
			zap.Int64("message_id", polled.MessageID),
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Int("delay_secs", delay),
			zap.Error(err))
		w.extend(ctx, polled, delay)
		return
	}

	w.deadLetter(ctx, polled, err, kind)
}

// deadLetter preserves the task on the dead-letter queue with failure
// metadata, then acks the original delivery.
func (w *Worker) deadLetter(ctx context.Context, polled queue.PolledTask, cause error, kind string) {
	task := *polled.Task
	task.RetryCount = w.retries(polled)
	task.SetMeta("error_type", kind)
	task.SetMeta("error_message", cause.Error())
	task.SetMeta("failed_at", time.Now().UTC().Format(time.RFC3339))
	task.SetMeta("worker_id", w.id)

	if _, err := w.queue.Enqueue(ctx, queue.DeadLetterQueue, []*model.IngestionTask{&task}); err != nil {
		// Leave the delivery to expire and come back.
		w.logger.Error("failed to dead-letter task",
			zap.String("task", task.ID), zap.Error(err))
		return
	}
	if err := w.queue.Ack(ctx, w.cfg.Queue, polled.MessageID, polled.PollTag); err != nil && !errors.Is(err, taskerr.ErrStaleTag) {
		w.logger.Warn("ack after dead-letter failed",
			zap.Int64("message_id", polled.MessageID), zap.Error(err))
	}
	w.tracker.forget(polled.MessageID)
	w.queue.RecordFailure()
	w.stats.bump(func(s *Counters) { s.DeadLettered++ })
	w.logger.Error("task dead-lettered",
		zap.String("task", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("error_type", kind),
		zap.Error(cause))
}

func (w *Worker) extend(ctx context.Context, polled queue.PolledTask, delaySecs int) {
	if _, err := w.queue.Extend(ctx, w.cfg.Queue, polled.MessageID, polled.PollTag, delaySecs); err != nil {
		if errors.Is(err, taskerr.ErrStaleTag) {
			w.tracker.forget(polled.MessageID)
			return
		}
		w.logger.Warn("failed to extend visibility",
			zap.Int64("message_id", polled.MessageID), zap.Error(err))
	}
}

// retries returns the effective retry count for the delivery: whatever the
// producer stamped on the task plus failures seen by this pool.
func (w *Worker) retries(polled queue.PolledTask) int {
	return polled.Task.RetryCount + w.tracker.count(polled.MessageID)
}

func (w *Worker) bumpRetries(polled queue.PolledTask) int {
	return polled.Task.RetryCount + w.tracker.bump(polled.MessageID)
}

func capDelay(secs int) int {
	if secs > queue.DefaultVisibilityTimeout || secs <= 0 {
		return queue.DefaultVisibilityTimeout
	}
	return secs
}

func decodePayload[T any](payload map[string]any) (*T, error) {
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, taskerr.Permanentf("failed to encode payload: %v", err)
	}
	out := new(T)
	if err := jsonx.Unmarshal(raw, out); err != nil {
		return nil, taskerr.Permanentf("malformed payload: %v", err)
	}
	return out, nil
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/queue"
)

// Config tunes the worker pool.
type Config struct {
	Queue             string        `env:"WORKER_QUEUE" envDefault:"ingestion"`
	Workers           int           `env:"WORKER_COUNT" envDefault:"3"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"5"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	VisibilityTimeout int           `env:"VISIBILITY_TIMEOUT" envDefault:"300"`
	DrainTimeout      time.Duration `env:"WORKER_DRAIN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Queue:             queue.DefaultQueue,
		Workers:           3,
		BatchSize:         5,
		PollInterval:      2 * time.Second,
		MaxRetries:        3,
		VisibilityTimeout: queue.DefaultVisibilityTimeout,
		DrainTimeout:      30 * time.Second,
	}
}

// ConfigFromEnv overlays WORKER_*, BATCH_SIZE, POLL_INTERVAL, and MAX_RETRIES
// variables on the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return cfg, nil
}

// Counters aggregates outcomes across the pool.
type Counters struct {
	Processed    int64 `json:"processed"`
	Completed    int64 `json:"completed"`
	Retried      int64 `json:"retried"`
	RateLimited  int64 `json:"rate_limited"`
	DeadLettered int64 `json:"dead_lettered"`
}

// SuccessRate is completed over processed, in [0, 1].
func (c Counters) SuccessRate() float64 {
	if c.Processed == 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Processed)
}

// PoolStats is the shared counter block; workers bump it under its own lock.
type PoolStats struct {
	mu       sync.Mutex
	counters Counters
}

func (s *PoolStats) bump(f func(*Counters)) {
	s.mu.Lock()
	f(&s.counters)
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *PoolStats) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Pool runs N workers over a shared queue client, rate limiter, and
// ingestion core.
type Pool struct {
	cfg     Config
	queue   Queue
	limiter Admitter
	core    Core
	tracker *retryTracker
	stats   *PoolStats
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool wires the pool. The queue, limiter, and core are shared by every
// worker.
func NewPool(cfg Config, q Queue, limiter Admitter, core Core, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Queue == "" {
		cfg.Queue = queue.DefaultQueue
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	return &Pool{
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
		core:    core,
		tracker: newRetryTracker(),
		stats:   &PoolStats{},
		logger:  logger.Named("pool"),
	}
}

// Start launches the workers. It returns immediately; call Stop to drain.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(fmt.Sprintf("worker-%d", i+1), p.cfg, p.queue, p.limiter, p.core, p.tracker, p.stats, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.String("queue", p.cfg.Queue),
		zap.Int("batch_size", p.cfg.BatchSize))
}

// Stop cancels polling and waits for in-flight tasks up to DrainTimeout.
func (p *Pool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("worker pool drained")
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("worker pool drain timed out")
		}
	})
}

// Stats returns the aggregate counters.
func (p *Pool) Stats() Counters { return p.stats.Snapshot() }

// ReprocessDLQ moves up to limit dead-lettered tasks back onto the main
// queue with a reset retry count and the failure metadata stripped. It
// returns how many tasks were requeued.
func ReprocessDLQ(ctx context.Context, q Queue, limit int, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 100
	}
	polled, err := q.Poll(ctx, queue.DeadLetterQueue, limit, queue.DefaultVisibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to poll dead-letter queue: %w", err)
	}

	requeued := 0
	for _, delivery := range polled {
		task := *delivery.Task
		task.RetryCount = 0
		if task.Metadata != nil {
			delete(task.Metadata, "error_type")
			delete(task.Metadata, "error_message")
			delete(task.Metadata, "failed_at")
			delete(task.Metadata, "worker_id")
		}
		if _, err := q.Enqueue(ctx, queue.DefaultQueue, []*model.IngestionTask{&task}); err != nil {
			// Leave the delivery to reappear on the DLQ.
			logger.Warn("failed to requeue dead-lettered task",
				zap.String("task", task.ID), zap.Error(err))
			continue
		}
		if err := q.Ack(ctx, queue.DeadLetterQueue, delivery.MessageID, delivery.PollTag); err != nil {
			logger.Warn("failed to ack dead-lettered task",
				zap.Int64("message_id", delivery.MessageID), zap.Error(err))
		}
		requeued++
	}
	logger.Info("dead-letter reprocess complete",
		zap.Int("requeued", requeued),
		zap.Int("polled", len(polled)))
	return requeued, nil
}

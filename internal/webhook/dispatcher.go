// Package webhook fans post-ingest events out to external HTTP subscribers
// and internal in-process handlers. Emission is non-blocking: ingestion is
// never slowed by a subscriber, and overflow drops events (oldest first by
// default) with an error log.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
)

// Event is one post-ingest notification.
type Event struct {
	Type      string         `json:"type"`
	Tenant    string         `json:"tenant,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the ingestion pipeline.
const (
	EventEpisodeIngested = "episode.ingested"
	EventEntitySaved     = "entity.saved"
	EventEdgeSaved       = "edge.saved"
	EventEntitiesMerged  = "entities.merged"
	EventSweepCompleted  = "sweep.completed"
	EventGraphCleared    = "graph.cleared"
)

// Target is one external HTTP subscriber.
type Target struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// Handler is an internal in-process subscriber. Handlers run for every event
// and bypass the circuit breaker.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize        int           `env:"WEBHOOK_QUEUE_SIZE" envDefault:"10000"`
	Workers          int           `env:"WEBHOOK_WORKERS" envDefault:"3"`
	MaxRetries       int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
	Timeout          time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	BreakerThreshold uint32        `env:"WEBHOOK_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset     time.Duration `env:"WEBHOOK_BREAKER_RESET" envDefault:"30s"`
	DrainTimeout     time.Duration `env:"WEBHOOK_DRAIN_TIMEOUT" envDefault:"10s"`
	// DropOldest evicts the oldest queued event to make room on overflow;
	// when false the incoming event is refused instead.
	DropOldest bool `env:"WEBHOOK_DROP_OLDEST" envDefault:"true"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:        10000,
		Workers:          3,
		MaxRetries:       3,
		Timeout:          5 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		DrainTimeout:     10 * time.Second,
		DropOldest:       true,
	}
}

// ConfigFromEnv overlays WEBHOOK_* variables on the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse webhook config: %w", err)
	}
	return cfg, nil
}

// Stats counts dispatcher outcomes.
type Stats struct {
	Dispatched   int64     `json:"dispatched"`
	Failed       int64     `json:"failed"`
	Retried      int64     `json:"retried"`
	Dropped      int64     `json:"dropped"`
	QueueMaxSeen int       `json:"queue_max_size_seen"`
	LastError    time.Time `json:"last_error_time,omitempty"`
	LastSuccess  time.Time `json:"last_success_time,omitempty"`
}

// Dispatcher owns the bounded event queue and its worker tasks.
type Dispatcher struct {
	cfg      Config
	targets  []Target
	handlers []Handler
	breakers map[string]*gobreaker.CircuitBreaker
	http     *http.Client
	logger   *zap.Logger

	events chan Event
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once

	stats   Stats
	statsMu sync.Mutex

	// sleep is swappable so tests do not wait out real backoff.
	sleep func(time.Duration)
}

// NewDispatcher wires the dispatcher. Targets and handlers may both be empty;
// emitted events are then counted and discarded.
func NewDispatcher(cfg Config, targets []Target, handlers []Handler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	d := &Dispatcher{
		cfg:      cfg,
		targets:  targets,
		handlers: handlers,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(targets)),
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("webhook"),
		events:   make(chan Event, cfg.QueueSize),
		stop:     make(chan struct{}),
		sleep:    time.Sleep,
	}
	for _, target := range targets {
		threshold := cfg.BreakerThreshold
		d.breakers[target.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    target.Name,
			Timeout: cfg.BreakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}
	return d
}

// Start launches the worker tasks.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("webhook dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
		zap.Int("targets", len(d.targets)),
		zap.Int("handlers", len(d.handlers)))
}

// Emit queues an event without blocking. On overflow either the oldest
// queued event is evicted or the incoming one refused, per DropOldest.
func (d *Dispatcher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for {
		select {
		case d.events <- event:
			d.bump(func(s *Stats) {
				if n := len(d.events); n > s.QueueMaxSeen {
					s.QueueMaxSeen = n
				}
			})
			return
		default:
		}

		if !d.cfg.DropOldest {
			d.bump(func(s *Stats) { s.Dropped++ })
			d.logger.Error("webhook queue full, refusing event",
				zap.String("type", event.Type),
				zap.String("tenant", event.Tenant))
			return
		}
		select {
		case evicted := <-d.events:
			d.bump(func(s *Stats) { s.Dropped++ })
			d.logger.Error("webhook queue full, dropping oldest event",
				zap.String("type", evicted.Type),
				zap.String("tenant", evicted.Tenant))
		default:
			// A worker drained the queue between the two selects; retry the
			// send.
		}
	}
}

// Stop drains the queue for up to DrainTimeout, then cancels.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.stop)
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(d.cfg.DrainTimeout):
			d.logger.Warn("webhook drain timed out",
				zap.Int("remaining", len(d.events)))
		}
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.events:
			d.dispatch(event)
		case <-d.stop:
			// Drain what is already queued.
			for {
				select {
				case event := <-d.events:
					d.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	for _, handler := range d.handlers {
		if err := handler.Handle(ctx, event); err != nil {
			d.bump(func(s *Stats) { s.Failed++; s.LastError = time.Now() })
			d.logger.Warn("internal webhook handler failed",
				zap.String("handler", handler.Name()),
				zap.String("type", event.Type),
				zap.Error(err))
			continue
		}
		d.bump(func(s *Stats) { s.Dispatched++; s.LastSuccess = time.Now() })
	}

	for _, target := range d.targets {
		breaker := d.breakers[target.Name]
		_, err := breaker.Execute(func() (any, error) {
			return nil, d.post(target, event)
		})
		if err != nil {
			d.bump(func(s *Stats) { s.Failed++; s.LastError = time.Now() })
			d.logger.Warn("webhook delivery failed",
				zap.String("target", target.Name),
				zap.String("type", event.Type),
				zap.Error(err))
			continue
		}
		d.bump(func(s *Stats) { s.Dispatched++; s.LastSuccess = time.Now() })
	}
}

// post delivers one event with exponential backoff. Only network errors and
// 5xx responses are retried; a 4xx is terminal.
func (d *Dispatcher) post(target Target, event Event) error {
	body, err := jsonx.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d.bump(func(s *Stats) { s.Retried++ })
			d.sleep(time.Duration(1<<attempt) * time.Second)
		}
		req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("webhook target returned status %d", resp.StatusCode)
		default:
			return fmt.Errorf("webhook target rejected event with status %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("webhook delivery to %s exhausted retries: %w", target.Name, lastErr)
}

// CircuitOpen reports whether the named target's breaker is open.
func (d *Dispatcher) CircuitOpen(target string) bool {
	breaker, ok := d.breakers[target]
	return ok && breaker.State() == gobreaker.StateOpen
}

// QueueDepth is the number of events waiting for dispatch.
func (d *Dispatcher) QueueDepth() int { return len(d.events) }

// Snapshot returns a copy of the counters.
func (d *Dispatcher) Snapshot() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Dispatcher) bump(f func(*Stats)) {
	d.statsMu.Lock()
	f(&d.stats)
	d.statsMu.Unlock()
}

// Package queue wraps the durable message broker behind a typed client.
//
// The broker stores opaque msgpack-framed messages and provides at-least-once
// delivery through visibility timeouts and poll tags. Priority is not native:
// it travels inside the message envelope and the client sorts polled batches
// by descending priority before handing them to consumers.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/taskerr"
)

const (
	contentTypeMsgpack = "application/msgpack"

	// DefaultQueue is the main ingestion queue.
	DefaultQueue = "ingestion"
	// DeadLetterQueue receives tasks that exhausted their retries.
	DeadLetterQueue = "ingestion_dlq"

	// DefaultVisibilityTimeout hides a polled message for five minutes.
	DefaultVisibilityTimeout = 300
)

// Config tunes the broker transport.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxRetries bounds transport-level retries on idempotent calls.
	MaxRetries uint64
}

// DefaultConfig returns the production transport settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:8093",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// PolledTask is one delivered message: the broker id, the decoded task, and
// the poll tag that proves ownership until visibility expires.
type PolledTask struct {
	MessageID int64
	Task      *model.IngestionTask
	PollTag   int64
}

// Stats counts client-side task outcomes.
type Stats struct {
	Pushed    int64 `json:"pushed"`
	Polled    int64 `json:"polled"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// SuccessRate is completed / polled, or zero before any polls.
func (s Stats) SuccessRate() float64 {
	if s.Polled == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Polled)
}

// envelope frames a task inside broker message contents. The task itself is
// stored as a JSON string so the broker and the envelope stay agnostic of
// task schema changes.
type envelope struct {
	Priority int    `json:"priority"`
	Task     string `json:"task"`
}

// Client talks to the queued broker over HTTP with msgpack bodies.
// Safe for concurrent use by all workers in a pool.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	knownQueues map[string]bool

	stats   Stats
	statsMu sync.Mutex
}

// NewClient builds a broker client with a pooled transport.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:      logger.Named("queue"),
		knownQueues: make(map[string]bool),
	}
}

// EnsureQueue creates the queue if it does not exist. Idempotent; results are
// memoized per client.
func (c *Client) EnsureQueue(ctx context.Context, queue string) error {
	c.mu.Lock()
	known := c.knownQueues[queue]
	c.mu.Unlock()
	if known {
		return nil
	}

	err := c.withRetry(ctx, func() error {
		status, _, err := c.do(ctx, http.MethodPut, "/queue/"+queue, map[string]any{})
		if err != nil {
			return err
		}
		// 409 means the queue already exists.
		if status != http.StatusOK && status != http.StatusConflict {
			return fmt.Errorf("unexpected status %d creating queue %s", status, queue)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ensure queue %s: %w", queue, err)
	}

	c.mu.Lock()
	c.knownQueues[queue] = true
	c.mu.Unlock()
	return nil
}

// Enqueue pushes a batch of tasks and returns broker message ids in order.
func (c *Client) Enqueue(ctx context.Context, queue string, tasks []*model.IngestionTask) ([]int64, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if err := c.EnsureQueue(ctx, queue); err != nil {
		return nil, err
	}

	messages := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		taskJSON, err := jsonx.MarshalToString(task)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize task %s: %w", task.ID, err)
		}
		contents, err := jsonx.MarshalToString(envelope{
			Priority: int(task.Priority),
			Task:     taskJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to frame task %s: %w", task.ID, err)
		}
		visibility := task.VisibilityTimeout
		if visibility <= 0 {
			visibility = DefaultVisibilityTimeout
		}
		messages = append(messages, map[string]any{
			"contents":                contents,
			"visibility_timeout_secs": visibility,
		})
	}

	status, body, err := c.do(ctx, http.MethodPost, "/queue/"+queue+"/messages/push",
		map[string]any{"messages": messages})
	if err != nil {
		return nil, fmt.Errorf("failed to push to queue %s: %w", queue, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("push to queue %s returned status %d", queue, status)
	}

	var result struct {
		IDs []int64 `msgpack:"ids"`
	}
	if err := msgpack.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}

	c.bump(func(s *Stats) { s.Pushed += int64(len(tasks)) })
	c.logger.Debug("pushed tasks",
		zap.String("queue", queue),
		zap.Int("count", len(tasks)))
	return result.IDs, nil
}

// Poll fetches up to count visible messages, hiding them for
// visibilityTimeout seconds, and returns them sorted by descending priority.
// An empty result is normal.
func (c *Client) Poll(ctx context.Context, queue string, count, visibilityTimeout int) ([]PolledTask, error) {
	if err := c.EnsureQueue(ctx, queue); err != nil {
		return nil, err
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}

	var polled []PolledTask
	err := c.withRetry(ctx, func() error {
		status, body, err := c.do(ctx, http.MethodPost, "/queue/"+queue+"/messages/poll",
			map[string]any{
				"count":                   count,
				"visibility_timeout_secs": visibilityTimeout,
			})
		if err != nil {
			return err
		}
		if status == http.StatusNoContent {
			polled = nil
			return nil
		}
		if status != http.StatusOK {
			return fmt.Errorf("poll returned status %d", status)
		}

		var result struct {
			Messages []struct {
				ID       int64  `msgpack:"id"`
				Contents []byte `msgpack:"contents"`
				PollTag  int64  `msgpack:"poll_tag"`
			} `msgpack:"messages"`
		}
		if err := msgpack.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("failed to decode poll response: %w", err)
		}

		type ranked struct {
			priority int
			task     PolledTask
		}
		decoded := make([]ranked, 0, len(result.Messages))
		for _, msg := range result.Messages {
			var env envelope
			if err := jsonx.Unmarshal(msg.Contents, &env); err != nil {
				c.logger.Error("failed to parse message envelope",
					zap.Int64("message_id", msg.ID), zap.Error(err))
				continue
			}
			var task model.IngestionTask
			if err := jsonx.UnmarshalFromString(env.Task, &task); err != nil {
				c.logger.Error("failed to parse task",
					zap.Int64("message_id", msg.ID), zap.Error(err))
				continue
			}
			decoded = append(decoded, ranked{
				priority: env.Priority,
				task:     PolledTask{MessageID: msg.ID, Task: &task, PollTag: msg.PollTag},
			})
		}
		// Higher priority first; stable so broker order breaks ties.
		sort.SliceStable(decoded, func(i, j int) bool {
			return decoded[i].priority > decoded[j].priority
		})
		polled = make([]PolledTask, len(decoded))
		for i, r := range decoded {
			polled[i] = r.task
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll queue %s: %w", queue, err)
	}

	if len(polled) > 0 {
		c.bump(func(s *Stats) { s.Polled += int64(len(polled)) })
	}
	return polled, nil
}

// Ack deletes a processed message. Deleting an already-deleted message is
// idempotent success; a poll-tag mismatch returns taskerr.ErrStaleTag.
func (c *Client) Ack(ctx context.Context, queue string, messageID, pollTag int64) error {
	status, _, err := c.do(ctx, http.MethodPost, "/queue/"+queue+"/messages/delete",
		map[string]any{
			"messages": []map[string]any{{
				"id":       messageID,
				"poll_tag": pollTag,
			}},
		})
	if err != nil {
		return fmt.Errorf("failed to ack message %d: %w", messageID, err)
	}
	switch status {
	case http.StatusOK, http.StatusNotFound:
		c.bump(func(s *Stats) { s.Completed++ })
		return nil
	case http.StatusConflict:
		return taskerr.ErrStaleTag
	}
	return fmt.Errorf("ack of message %d returned status %d", messageID, status)
}

// Extend postpones redelivery of a message and returns the new poll tag that
// must be used for subsequent operations. A poll-tag mismatch returns
// taskerr.ErrStaleTag.
func (c *Client) Extend(ctx context.Context, queue string, messageID, pollTag int64, visibilityTimeout int) (int64, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/queue/"+queue+"/messages/update",
		map[string]any{
			"id":                      messageID,
			"poll_tag":                pollTag,
			"visibility_timeout_secs": visibilityTimeout,
		})
	if err != nil {
		return 0, fmt.Errorf("failed to extend message %d: %w", messageID, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusConflict, http.StatusNotFound:
		return 0, taskerr.ErrStaleTag
	default:
		return 0, fmt.Errorf("extend of message %d returned status %d", messageID, status)
	}

	var result struct {
		NewPollTag int64 `msgpack:"new_poll_tag"`
	}
	if err := msgpack.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("failed to decode extend response: %w", err)
	}
	c.bump(func(s *Stats) { s.Retried++ })
	return result.NewPollTag, nil
}

// BrokerStats mirrors the broker /metrics payload: per-queue depth, in-flight
// count, and age of the oldest message.
type BrokerStats struct {
	Queues map[string]QueueDepth `msgpack:"queues" json:"queues"`
}

// QueueDepth is the broker's view of a single queue.
type QueueDepth struct {
	Depth      int64 `msgpack:"depth" json:"depth"`
	InFlight   int64 `msgpack:"in_flight" json:"in_flight"`
	OldestSecs int64 `msgpack:"oldest_age_secs" json:"oldest_age_secs"`
}

// BrokerStats fetches queue depths from the broker.
func (c *Client) BrokerStats(ctx context.Context) (*BrokerStats, error) {
	var stats BrokerStats
	err := c.withRetry(ctx, func() error {
		status, body, err := c.do(ctx, http.MethodGet, "/metrics", nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("metrics returned status %d", status)
		}
		return msgpack.Unmarshal(body, &stats)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch broker stats: %w", err)
	}
	return &stats, nil
}

// ListQueues returns all queue names known to the broker. Used as a liveness
// probe at service startup.
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	var names []string
	err := c.withRetry(ctx, func() error {
		status, body, err := c.do(ctx, http.MethodGet, "/queues", nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("queues returned status %d", status)
		}
		var result struct {
			Queues []struct {
				Name string `msgpack:"name"`
			} `msgpack:"queues"`
		}
		if err := msgpack.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("failed to decode queues response: %w", err)
		}
		names = names[:0]
		for _, q := range result.Queues {
			names = append(names, q.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	return names, nil
}

// RecordFailure notes a task that was processed but failed.
func (c *Client) RecordFailure() {
	c.bump(func(s *Stats) { s.Failed++ })
}

// Stats returns a snapshot of client-side counters.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Client) bump(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

// do sends one msgpack request and returns the status and raw body.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var reqBody io.Reader
	if payload != nil {
		packed, err := msgpack.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		if _, err := buf.Write(packed); err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(buf.B)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeMsgpack)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, taskerr.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, taskerr.Transient(err)
	}
	return resp.StatusCode, body, nil
}

// withRetry runs an idempotent call with capped exponential backoff.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var tr *taskerr.TransientError
		if errors.As(err, &tr) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

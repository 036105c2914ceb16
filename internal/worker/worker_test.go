package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/ingester"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/taskerr"
)

type extendCall struct {
	messageID int64
	delaySecs int
}

type fakeQueue struct {
	mu       sync.Mutex
	batches  [][]queue.PolledTask
	acks     map[string][]int64
	extends  []extendCall
	enqueued map[string][]*model.IngestionTask
	failures int
	ackErr   error
	extErr   error
}

func newFakeQueue(batches ...[]queue.PolledTask) *fakeQueue {
	return &fakeQueue{
		batches:  batches,
		acks:     make(map[string][]int64),
		enqueued: make(map[string][]*model.IngestionTask),
	}
}

func (q *fakeQueue) Poll(ctx context.Context, queueName string, count, visibility int) ([]queue.PolledTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return nil, nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, nil
}

func (q *fakeQueue) Ack(ctx context.Context, queueName string, messageID, pollTag int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acks[queueName] = append(q.acks[queueName], messageID)
	return nil
}

func (q *fakeQueue) Extend(ctx context.Context, queueName string, messageID, pollTag int64, visibility int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.extErr != nil {
		return 0, q.extErr
	}
	q.extends = append(q.extends, extendCall{messageID: messageID, delaySecs: visibility})
	return pollTag + 1, nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName string, tasks []*model.IngestionTask) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued[queueName] = append(q.enqueued[queueName], tasks...)
	ids := make([]int64, len(tasks))
	return ids, nil
}

func (q *fakeQueue) RecordFailure() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures++
}

func (q *fakeQueue) ackedOn(queueName string) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.acks[queueName]...)
}

func (q *fakeQueue) deadLettered() []*model.IngestionTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*model.IngestionTask(nil), q.enqueued[queue.DeadLetterQueue]...)
}

type fakeAdmitter struct {
	err error
}

func (a *fakeAdmitter) Acquire(tenant string) error { return a.err }

type fakeCore struct {
	mu       sync.Mutex
	episodes []*model.Episode
	entities []*model.Entity
	triplets int
	sweeps   [][]string
	err      error
}

func (c *fakeCore) AddEpisode(ctx context.Context, episode *model.Episode) (*ingester.EpisodeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.episodes = append(c.episodes, episode)
	return &ingester.EpisodeResult{EpisodeID: episode.ID}, nil
}

func (c *fakeCore) SaveEntity(ctx context.Context, entity *model.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entities = append(c.entities, entity)
	return nil
}

func (c *fakeCore) AddTriplet(ctx context.Context, source, target *model.Entity, edge *model.Edge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.triplets++
	return nil
}

func (c *fakeCore) Sweep(ctx context.Context, tenants []string, target string, threshold float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sweeps = append(c.sweeps, tenants)
	return nil
}

func testWorker(q Queue, limiter Admitter, core Core) *Worker {
	return newWorker("worker-1", DefaultConfig(), q, limiter, core, newRetryTracker(), &PoolStats{}, zap.NewNop())
}

func polledEpisode(messageID int64, retryCount int) queue.PolledTask {
	return queue.PolledTask{
		MessageID: messageID,
		PollTag:   1,
		Task: &model.IngestionTask{
			ID:         "task-1",
			Kind:       model.TaskEpisode,
			Tenant:     "t1",
			RetryCount: retryCount,
			Payload:    map[string]any{"content": "Alice joined Acme."},
		},
	}
}

func TestWorkerAcksSuccessfulTask(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{}
	w := testWorker(q, &fakeAdmitter{}, core)

	w.process(context.Background(), polledEpisode(7, 0))

	assert.Equal(t, []int64{7}, q.ackedOn(queue.DefaultQueue))
	require.Len(t, core.episodes, 1)
	assert.Equal(t, "t1", core.episodes[0].Tenant)
	stats := w.stats.Snapshot()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, float64(1), stats.SuccessRate())
}

func TestWorkerEpisodeTimestampParsing(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{}
	w := testWorker(q, &fakeAdmitter{}, core)

	polled := polledEpisode(1, 0)
	polled.Task.Payload["timestamp"] = "2026-08-25T10:00:00Z"
	w.process(context.Background(), polled)

	require.Len(t, core.episodes, 1)
	assert.Equal(t, 2026, core.episodes[0].ValidAt.Year())

	// Malformed timestamps are permanent: straight to the DLQ.
	bad := polledEpisode(2, 0)
	bad.Task.Payload["timestamp"] = "yesterday"
	w.process(context.Background(), bad)

	require.Len(t, q.deadLettered(), 1)
	assert.Equal(t, "PermanentError", q.deadLettered()[0].Metadata["error_type"])
}

func TestWorkerRateLimitExtendsVisibility(t *testing.T) {
	q := newFakeQueue()
	w := testWorker(q, &fakeAdmitter{err: &taskerr.RateLimitedError{Scope: "t1", RetryAfter: 30}}, &fakeCore{})

	w.process(context.Background(), polledEpisode(1, 0))
	require.Len(t, q.extends, 1)
	assert.Equal(t, 30, q.extends[0].delaySecs)

	// The delay scales with the task's retry count and caps at the
	// visibility timeout.
	w.process(context.Background(), polledEpisode(2, 3))
	assert.Equal(t, 240, q.extends[1].delaySecs)

	w.process(context.Background(), polledEpisode(3, 5))
	assert.Equal(t, 300, q.extends[2].delaySecs)

	assert.Empty(t, q.ackedOn(queue.DefaultQueue))
	assert.Equal(t, int64(3), w.stats.Snapshot().RateLimited)
}

func TestWorkerTransientRetryBackoff(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{err: errors.New("connection refused")}
	w := testWorker(q, &fakeAdmitter{}, core)

	polled := polledEpisode(9, 0)
	w.process(context.Background(), polled)
	w.process(context.Background(), polled)
	w.process(context.Background(), polled)

	require.Len(t, q.extends, 3)
	assert.Equal(t, 20, q.extends[0].delaySecs)
	assert.Equal(t, 40, q.extends[1].delaySecs)
	assert.Equal(t, 80, q.extends[2].delaySecs)
	assert.Empty(t, q.deadLettered())

	// Fourth failure exhausts max_retries (3) and dead-letters.
	w.process(context.Background(), polled)
	dead := q.deadLettered()
	require.Len(t, dead, 1)
	assert.Equal(t, "TransientError", dead[0].Metadata["error_type"])
	assert.Equal(t, "worker-1", dead[0].Metadata["worker_id"])
	assert.NotEmpty(t, dead[0].Metadata["failed_at"])
	assert.Equal(t, 3, dead[0].RetryCount)
	assert.Equal(t, []int64{9}, q.ackedOn(queue.DefaultQueue))
	assert.Equal(t, 1, q.failures)
}

func TestWorkerPermanentGoesStraightToDLQ(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{err: taskerr.Permanentf("schema violation")}
	w := testWorker(q, &fakeAdmitter{}, core)

	w.process(context.Background(), polledEpisode(4, 0))

	dead := q.deadLettered()
	require.Len(t, dead, 1)
	assert.Equal(t, "PermanentError", dead[0].Metadata["error_type"])
	assert.Contains(t, dead[0].Metadata["error_message"], "schema violation")
	assert.Empty(t, q.extends)
	assert.Equal(t, int64(1), w.stats.Snapshot().DeadLettered)
}

func TestWorkerStaleTagIsSilentSuccess(t *testing.T) {
	q := newFakeQueue()
	q.ackErr = taskerr.ErrStaleTag
	w := testWorker(q, &fakeAdmitter{}, &fakeCore{})

	w.process(context.Background(), polledEpisode(5, 0))
	assert.Equal(t, int64(1), w.stats.Snapshot().Completed)
	assert.Empty(t, q.deadLettered())
}

func TestWorkerUnknownKindIsPermanent(t *testing.T) {
	q := newFakeQueue()
	w := testWorker(q, &fakeAdmitter{}, &fakeCore{})

	w.process(context.Background(), queue.PolledTask{
		MessageID: 1, PollTag: 1,
		Task: &model.IngestionTask{ID: "x", Kind: "mystery", Payload: map[string]any{}},
	})
	require.Len(t, q.deadLettered(), 1)
}

func TestWorkerDispatchEntityAndRelationship(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{}
	w := testWorker(q, &fakeAdmitter{}, core)

	w.process(context.Background(), queue.PolledTask{
		MessageID: 1, PollTag: 1,
		Task: &model.IngestionTask{
			ID: "e1", Kind: model.TaskEntity, Tenant: "t1",
			Payload: map[string]any{"name": "Acme"},
		},
	})
	require.Len(t, core.entities, 1)
	assert.Equal(t, "t1", core.entities[0].Tenant)

	w.process(context.Background(), queue.PolledTask{
		MessageID: 2, PollTag: 1,
		Task: &model.IngestionTask{
			ID: "r1", Kind: model.TaskRelationship, Tenant: "t1",
			Payload: map[string]any{
				"source": map[string]any{"name": "Alice"},
				"target": map[string]any{"name": "Acme"},
				"edge":   map[string]any{"name": "WORKS_AT"},
			},
		},
	})
	assert.Equal(t, 1, core.triplets)
	assert.Equal(t, []int64{1, 2}, q.ackedOn(queue.DefaultQueue))
}

func TestWorkerDispatchDeduplication(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{}
	w := testWorker(q, &fakeAdmitter{}, core)

	w.process(context.Background(), queue.PolledTask{
		MessageID: 1, PollTag: 1,
		Task: &model.IngestionTask{
			ID: "d1", Kind: model.TaskDeduplication,
			Payload: map[string]any{
				"group_ids":            []string{"t1", "t2"},
				"type":                 "nodes",
				"similarity_threshold": 0.9,
			},
		},
	})
	require.Len(t, core.sweeps, 1)
	assert.Equal(t, []string{"t1", "t2"}, core.sweeps[0])
}

func TestWorkerBatchPartialFailureSucceeds(t *testing.T) {
	q := newFakeQueue()
	core := &fakeCore{}
	w := testWorker(q, &fakeAdmitter{}, core)

	w.process(context.Background(), queue.PolledTask{
		MessageID: 1, PollTag: 1,
		Task: &model.IngestionTask{
			ID: "b1", Kind: model.TaskBatch, Tenant: "t1",
			Payload: map[string]any{
				"operations": []map[string]any{
					{"type": "entity", "payload": map[string]any{"name": "Acme"}},
					{"type": "nonsense", "payload": map[string]any{}},
				},
			},
		},
	})

	// One operation succeeded, so the batch acks.
	assert.Equal(t, []int64{1}, q.ackedOn(queue.DefaultQueue))
	assert.Len(t, core.entities, 1)
}

func TestWorkerBatchAllFailDeadLetters(t *testing.T) {
	q := newFakeQueue()
	w := testWorker(q, &fakeAdmitter{}, &fakeCore{})

	w.process(context.Background(), queue.PolledTask{
		MessageID: 1, PollTag: 1,
		Task: &model.IngestionTask{
			ID: "b2", Kind: model.TaskBatch,
			Payload: map[string]any{
				"operations": []map[string]any{
					{"type": "nonsense", "payload": map[string]any{}},
					{"type": "batch", "payload": map[string]any{}},
				},
			},
		},
	})
	require.Len(t, q.deadLettered(), 1)
}

func TestPoolProcessesAndDrains(t *testing.T) {
	q := newFakeQueue([]queue.PolledTask{polledEpisode(1, 0)})
	core := &fakeCore{}
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond
	pool := NewPool(cfg, q, &fakeAdmitter{}, core, zap.NewNop())

	pool.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for pool.Stats().Completed < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	pool.Stop()

	assert.Equal(t, int64(1), pool.Stats().Completed)
	require.Len(t, core.episodes, 1)
}

func TestReprocessDLQ(t *testing.T) {
	dead := &model.IngestionTask{
		ID: "dlq-1", Kind: model.TaskEpisode, RetryCount: 3,
		Payload: map[string]any{"content": "x"},
		Metadata: map[string]any{
			"error_type":    "TransientError",
			"error_message": "timeout",
			"failed_at":     "2026-08-25T00:00:00Z",
			"worker_id":     "worker-2",
		},
	}
	q := newFakeQueue([]queue.PolledTask{{MessageID: 11, PollTag: 1, Task: dead}})

	requeued, err := ReprocessDLQ(context.Background(), q, 10, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	main := q.enqueued[queue.DefaultQueue]
	require.Len(t, main, 1)
	assert.Equal(t, 0, main[0].RetryCount)
	assert.NotContains(t, main[0].Metadata, "error_type")
	assert.Equal(t, []int64{11}, q.ackedOn(queue.DeadLetterQueue))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WORKER_COUNT", "6")
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
}

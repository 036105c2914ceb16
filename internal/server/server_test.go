package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/jsonx"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/queue"
)

type fakeBroker struct {
	mu       sync.Mutex
	enqueued map[string][]*model.IngestionTask
	dlq      []queue.PolledTask
	acks     map[string][]int64
	stats    *queue.BrokerStats
	statsErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		enqueued: make(map[string][]*model.IngestionTask),
		acks:     make(map[string][]int64),
		stats:    &queue.BrokerStats{Queues: map[string]queue.QueueDepth{}},
	}
}

func (b *fakeBroker) Enqueue(ctx context.Context, queueName string, tasks []*model.IngestionTask) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued[queueName] = append(b.enqueued[queueName], tasks...)
	return make([]int64, len(tasks)), nil
}

func (b *fakeBroker) Poll(ctx context.Context, queueName string, count, visibility int) ([]queue.PolledTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queueName != queue.DeadLetterQueue {
		return nil, nil
	}
	out := b.dlq
	b.dlq = nil
	return out, nil
}

func (b *fakeBroker) Ack(ctx context.Context, queueName string, messageID, pollTag int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[queueName] = append(b.acks[queueName], messageID)
	return nil
}

func (b *fakeBroker) Extend(ctx context.Context, queueName string, messageID, pollTag int64, visibility int) (int64, error) {
	return pollTag, nil
}

func (b *fakeBroker) RecordFailure() {}

func (b *fakeBroker) BrokerStats(ctx context.Context) (*queue.BrokerStats, error) {
	if b.statsErr != nil {
		return nil, b.statsErr
	}
	return b.stats, nil
}

func (b *fakeBroker) Stats() queue.Stats { return queue.Stats{} }

func (b *fakeBroker) tasksOn(queueName string) []*model.IngestionTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*model.IngestionTask(nil), b.enqueued[queueName]...)
}

type testEnv struct {
	srv    *httptest.Server
	broker *fakeBroker
	store  *graph.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	broker := newFakeBroker()
	store := graph.NewMemoryStore()
	s := New(":0", Deps{Queue: broker, Store: store}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, broker: broker, store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := jsonx.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, jsonx.Decode(resp.Body, &out))
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestMessagesEnqueueEpisodes(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/messages", map[string]any{
		"tenant": "t1",
		"messages": []map[string]any{
			{"content": "Alice joined Acme.", "timestamp": "2026-08-25T10:00:00Z"},
			{"content": "Bob left Beta."},
			{"content": ""},
		},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["queued"])
	assert.Equal(t, float64(1), body["failed"])

	tasks := env.broker.tasksOn(queue.DefaultQueue)
	require.Len(t, tasks, 2)
	assert.Equal(t, model.TaskEpisode, tasks[0].Kind)
	assert.Equal(t, "t1", tasks[0].Tenant)
	assert.Equal(t, model.PriorityNormal, tasks[0].Priority)
	assert.Equal(t, "2026-08-25T10:00:00Z", tasks[0].Payload["timestamp"])
}

func TestMessagesRequireTenant(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/messages", map[string]any{"messages": []map[string]any{{"content": "x"}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEntityRoutes(t *testing.T) {
	env := newTestEnv(t)

	// Flat form.
	resp := env.post(t, "/entity-node", map[string]any{"tenant": "t1", "name": "Acme"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Nested form.
	resp = env.post(t, "/queue/entity", map[string]any{
		"tenant": "t1",
		"entity": map[string]any{"name": "Beta", "summary": "competitor"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	tasks := env.broker.tasksOn(queue.DefaultQueue)
	require.Len(t, tasks, 2)
	assert.Equal(t, model.TaskEntity, tasks[0].Kind)
	assert.Equal(t, "Beta", tasks[1].Payload["name"])

	resp = env.post(t, "/entity-node", map[string]any{"tenant": "t1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBatchEnqueuesLowPriority(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/queue/batch", map[string]any{
		"tenant": "t1",
		"operations": []map[string]any{
			{"type": "entity", "payload": map[string]any{"name": "Acme"}},
		},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	tasks := env.broker.tasksOn(queue.DefaultQueue)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskBatch, tasks[0].Kind)
	assert.Equal(t, model.PriorityLow, tasks[0].Priority)
}

func TestDeleteRoutes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.UpsertEpisode(ctx, &model.Episode{ID: "ep1", Tenant: "t1", Content: "x"}))
	require.NoError(t, env.store.UpsertEntity(ctx, &model.Entity{ID: "a", Name: "A", Tenant: "t1"}))
	require.NoError(t, env.store.UpsertEntity(ctx, &model.Entity{ID: "b", Name: "B", Tenant: "t1"}))
	require.NoError(t, env.store.UpsertEdge(ctx, &model.Edge{ID: "e1", SourceID: "a", TargetID: "b", Tenant: "t1", Name: "KNOWS"}))

	resp := env.do(t, http.MethodDelete, "/episode/ep1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/episode/ep1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/entity-edge/e1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/group/t1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	entities, err := env.store.EntitiesByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.UpsertEntity(ctx, &model.Entity{ID: "a", Name: "A", Tenant: "t1"}))

	resp := env.post(t, "/clear", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	entities, err := env.store.EntitiesByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t)
	env.broker.stats = &queue.BrokerStats{Queues: map[string]queue.QueueDepth{
		queue.DefaultQueue:    {Depth: 5, InFlight: 2},
		queue.DeadLetterQueue: {Depth: 3},
	}}

	resp := env.do(t, http.MethodGet, "/queue/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["dlq_depth"])
}

func TestReprocessDLQ(t *testing.T) {
	env := newTestEnv(t)
	env.broker.dlq = []queue.PolledTask{{
		MessageID: 7, PollTag: 1,
		Task: &model.IngestionTask{
			ID: "dead-1", Kind: model.TaskEpisode, RetryCount: 3,
			Payload:  map[string]any{"content": "x"},
			Metadata: map[string]any{"error_type": "TransientError"},
		},
	}}

	resp := env.post(t, "/dlq/reprocess", map[string]any{"limit": 10})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decodeBody(t, resp)["requeued"])

	requeued := env.broker.tasksOn(queue.DefaultQueue)
	require.Len(t, requeued, 1)
	assert.Equal(t, 0, requeued[0].RetryCount)
	assert.NotContains(t, requeued[0].Metadata, "error_type")
}

func TestShutdownDrains(t *testing.T) {
	s := New("127.0.0.1:0", Deps{Queue: newFakeBroker(), Store: graph.NewMemoryStore()}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

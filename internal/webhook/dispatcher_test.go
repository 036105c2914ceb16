package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordingHandler) Name() string { return "recorder" }

func (h *recordingHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherDeliversToTargetAndHandler(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recorder := &recordingHandler{}
	d := NewDispatcher(DefaultConfig(), []Target{{Name: "t", URL: srv.URL}}, []Handler{recorder}, nil)
	d.sleep = func(time.Duration) {}
	d.Start()
	defer d.Stop()

	d.Emit(Event{Type: EventEntitySaved, Tenant: "t1"})

	waitFor(t, func() bool { return received.Load() == 1 && recorder.count() == 1 })
	stats := d.Snapshot()
	assert.Equal(t, int64(2), stats.Dispatched)
	assert.Equal(t, int64(0), stats.Failed)
	assert.False(t, stats.LastSuccess.IsZero())
}

func TestDispatcherRetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(DefaultConfig(), []Target{{Name: "flaky", URL: srv.URL}}, nil, nil)
	d.sleep = func(time.Duration) {}
	d.Start()
	defer d.Stop()

	d.Emit(Event{Type: EventEdgeSaved})

	waitFor(t, func() bool { return d.Snapshot().Dispatched == 1 })
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(2), d.Snapshot().Retried)
}

func TestDispatcher4xxIsTerminal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(DefaultConfig(), []Target{{Name: "reject", URL: srv.URL}}, nil, nil)
	d.sleep = func(time.Duration) {}
	d.Start()
	defer d.Stop()

	d.Emit(Event{Type: EventEntitySaved})

	waitFor(t, func() bool { return d.Snapshot().Failed == 1 })
	assert.Equal(t, int64(1), calls.Load())
}

func TestDispatcherCircuitOpensAndSkipsTarget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	recorder := &recordingHandler{}
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 2
	cfg.Workers = 1
	d := NewDispatcher(cfg, []Target{{Name: "down", URL: srv.URL}}, []Handler{recorder}, nil)
	d.sleep = func(time.Duration) {}
	d.Start()
	defer d.Stop()

	for i := 0; i < 4; i++ {
		d.Emit(Event{Type: EventEntitySaved})
	}

	// Internal handler keeps running even once the breaker is open.
	waitFor(t, func() bool { return recorder.count() == 4 })
	waitFor(t, func() bool { return d.CircuitOpen("down") })
	assert.LessOrEqual(t, calls.Load(), int64(2))
	assert.Equal(t, int64(4), d.Snapshot().Failed)
}

func TestDispatcherDropsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, nil, nil, nil)
	// Not started: nothing consumes the queue.

	d.Emit(Event{Type: EventEntitySaved})
	d.Emit(Event{Type: EventEdgeSaved})

	assert.Equal(t, int64(1), d.Snapshot().Dropped)
	assert.Equal(t, 1, d.QueueDepth())
	// The newest event survives; the oldest was evicted.
	assert.Equal(t, EventEdgeSaved, (<-d.events).Type)
}

func TestDispatcherRefusesNewestWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	cfg.DropOldest = false
	d := NewDispatcher(cfg, nil, nil, nil)

	d.Emit(Event{Type: EventEntitySaved})
	d.Emit(Event{Type: EventEdgeSaved})

	assert.Equal(t, int64(1), d.Snapshot().Dropped)
	assert.Equal(t, 1, d.QueueDepth())
	assert.Equal(t, EventEntitySaved, (<-d.events).Type)
}

func TestDispatcherDrainsOnStop(t *testing.T) {
	recorder := &recordingHandler{}
	cfg := DefaultConfig()
	cfg.Workers = 1
	d := NewDispatcher(cfg, nil, []Handler{recorder}, nil)
	d.Start()

	for i := 0; i < 10; i++ {
		d.Emit(Event{Type: EventSweepCompleted})
	}
	d.Stop()

	assert.Equal(t, 10, recorder.count())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_QUEUE_SIZE", "42")
	t.Setenv("WEBHOOK_WORKERS", "7")
	t.Setenv("WEBHOOK_BREAKER_THRESHOLD", "9")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.QueueSize)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, uint32(9), cfg.BreakerThreshold)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := dialWS(url)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return hub.Count() == 1 })

	require.NoError(t, hub.Handle(context.Background(), Event{Type: EventEpisodeIngested, Tenant: "t1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), EventEpisodeIngested)
	assert.Contains(t, string(payload), "t1")
}

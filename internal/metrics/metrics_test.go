package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/webhook"
	"github.com/temporal-graph-ingest/internal/worker"
)

func TestRegistryScrape(t *testing.T) {
	reg := NewRegistry(Sources{
		Queue:     func() queue.Stats { return queue.Stats{Pushed: 10, Polled: 8, Completed: 6} },
		Pool:      func() worker.Counters { return worker.Counters{Processed: 8, Completed: 6, DeadLettered: 1} },
		Webhook:   func() webhook.Stats { return webhook.Stats{Dispatched: 4, Dropped: 2} },
		WSClients: func() int { return 3 },
	})

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, fam := range families {
		if len(fam.GetMetric()) == 1 && fam.GetMetric()[0].GetCounter() != nil {
			byName[fam.GetName()] = fam.GetMetric()[0].GetCounter().GetValue()
		}
		if len(fam.GetMetric()) == 1 && fam.GetMetric()[0].GetGauge() != nil {
			byName[fam.GetName()] = fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(10), byName["ingest_queue_pushed_total"])
	assert.Equal(t, float64(6), byName["ingest_worker_completed_total"])
	assert.Equal(t, float64(2), byName["ingest_webhook_dropped_total"])
	assert.Equal(t, float64(3), byName["ingest_websocket_clients"])
	assert.InDelta(t, 0.75, byName["ingest_queue_success_rate"], 0.001)
}

func TestRegistrySkipsNilSources(t *testing.T) {
	reg := NewRegistry(Sources{})
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		assert.NotContains(t, fam.GetName(), "ingest_queue")
	}
}

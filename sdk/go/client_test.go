package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMessagesFormatsTimestamps(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"queued": 2, "failed": 0})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	result, err := client.AddMessages(context.Background(), "t1", []Message{
		{Content: "Alice joined Acme.", Timestamp: ts},
		{Content: "Bob left Beta."},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Queued)

	assert.Equal(t, "t1", got["tenant"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "2026-08-25T10:00:00Z", messages[0].(map[string]any)["timestamp"])
	assert.NotContains(t, messages[1].(map[string]any), "timestamp")
}

func TestQueueStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queue/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"queues": map[string]any{
				"ingestion": map[string]any{"depth": 5, "in_flight": 2},
			},
			"dlq_depth": 3,
		})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	status, err := client.QueueStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.DLQDepth)
	assert.Equal(t, int64(5), status.Queues["ingestion"].Depth)
}

func TestErrorsCarryStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tenant is required", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := client.AddEntity(context.Background(), "", Entity{Name: "Acme"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "tenant is required")
}

func TestDeleteAndHealth(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	ctx := context.Background()
	require.NoError(t, client.DeleteEpisode(ctx, "ep1"))
	require.NoError(t, client.DeleteGroup(ctx, "t1"))
	require.NoError(t, client.Health(ctx))

	assert.Equal(t, []string{
		"DELETE /episode/ep1",
		"DELETE /group/t1",
		"GET /healthz",
	}, paths)
}

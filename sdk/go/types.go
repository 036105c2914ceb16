package ingest

import "time"

// Message is one conversational event to ingest as an episode.
type Message struct {
	ID                string    `json:"id,omitempty"`
	Name              string    `json:"name,omitempty"`
	Role              string    `json:"role,omitempty"`
	RoleType          string    `json:"role_type,omitempty"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"-"`
	SourceDescription string    `json:"source_description,omitempty"`
}

// Entity is a node to persist through the entity save path.
type Entity struct {
	Name    string   `json:"name"`
	Summary string   `json:"summary,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

// BatchOperation is one operation inside a batch task.
type BatchOperation struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// EnqueueResult reports how an enqueue request fared.
type EnqueueResult struct {
	Queued     int    `json:"queued"`
	Failed     int    `json:"failed"`
	TaskID     string `json:"task_id,omitempty"`
	Operations int    `json:"operations,omitempty"`
}

// QueueDepth is one queue's live state.
type QueueDepth struct {
	Depth      int64 `json:"depth"`
	InFlight   int64 `json:"in_flight"`
	OldestSecs int64 `json:"oldest_age_secs"`
}

// QueueStatus is the broker-wide view.
type QueueStatus struct {
	Queues   map[string]QueueDepth `json:"queues"`
	DLQDepth int64                 `json:"dlq_depth"`
}

// ReprocessResult reports a dead-letter reprocess run.
type ReprocessResult struct {
	Requeued int `json:"requeued"`
}

// APIError is a non-2xx response from the ingestion API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string { return e.Message }

// Package server is the ingress API: producers enqueue ingestion tasks over
// HTTP, operators inspect queue health, reprocess the dead-letter queue, and
// stream events over a websocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/cache"
	"github.com/temporal-graph-ingest/internal/centrality"
	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/jsonx"
	"github.com/temporal-graph-ingest/internal/model"
	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/webhook"
	"github.com/temporal-graph-ingest/internal/worker"
)

// Broker is the queue surface the ingress needs. *queue.Client satisfies it.
type Broker interface {
	worker.Queue
	BrokerStats(ctx context.Context) (*queue.BrokerStats, error)
	Stats() queue.Stats
}

// Deps carries the collaborators. Store and Queue are required; the rest may
// be nil and their routes degrade accordingly.
type Deps struct {
	Queue      Broker
	Store      graph.Store
	Events     *webhook.Dispatcher
	Hub        *webhook.Hub
	Cache      *cache.ResolutionCache
	Centrality *centrality.Client
	Metrics    http.Handler
	Pool       *worker.Pool
}

// Server owns the router and the HTTP listener.
type Server struct {
	deps   Deps
	router *mux.Router
	http   *http.Server
	logger *zap.Logger
}

// New wires the routes.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.Named("server"),
	}
	s.routes()

	var root http.Handler = s.router
	root = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(root)
	root = handlers.CombinedLoggingHandler(os.Stdout, root)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/messages", s.handleMessages).Methods(http.MethodPost)
	s.router.HandleFunc("/entity-node", s.handleEntity).Methods(http.MethodPost)
	s.router.HandleFunc("/queue/entity", s.handleEntity).Methods(http.MethodPost)
	s.router.HandleFunc("/queue/batch", s.handleBatch).Methods(http.MethodPost)

	s.router.HandleFunc("/episode/{id}", s.handleDeleteEpisode).Methods(http.MethodDelete)
	s.router.HandleFunc("/entity-edge/{id}", s.handleDeleteEdge).Methods(http.MethodDelete)
	s.router.HandleFunc("/group/{tenant}", s.handleDeleteTenant).Methods(http.MethodDelete)
	s.router.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)

	s.router.HandleFunc("/queue/status", s.handleQueueStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/dlq/reprocess", s.handleReprocessDLQ).Methods(http.MethodPost)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	if s.deps.Hub != nil {
		s.router.HandleFunc("/ws", s.deps.Hub.ServeWS).Methods(http.MethodGet)
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("ingress listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

type inboundMessage struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name,omitempty"`
	Role              string `json:"role,omitempty"`
	RoleType          string `json:"role_type,omitempty"`
	Content           string `json:"content"`
	Timestamp         string `json:"timestamp,omitempty"`
	SourceDescription string `json:"source_description,omitempty"`
}

type messagesRequest struct {
	Tenant   string           `json:"tenant"`
	Messages []inboundMessage `json:"messages"`
}

// handleMessages turns each message into one episode task and enqueues the
// lot. Malformed messages are counted as failed without rejecting the rest.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := jsonx.Decode(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	var tasks []*model.IngestionTask
	failed := 0
	for _, msg := range req.Messages {
		if msg.Content == "" {
			failed++
			continue
		}
		payload := map[string]any{
			"id":      msg.ID,
			"name":    msg.Name,
			"content": msg.Content,
			"source":  string(model.SourceMessage),
		}
		if msg.Timestamp != "" {
			payload["timestamp"] = msg.Timestamp
		}
		if msg.SourceDescription != "" {
			payload["source_description"] = msg.SourceDescription
		} else if msg.Role != "" || msg.RoleType != "" {
			payload["source_description"] = msg.RoleType + " " + msg.Role
		}
		tasks = append(tasks, &model.IngestionTask{
			ID:         uuid.NewString(),
			Kind:       model.TaskEpisode,
			Payload:    payload,
			Tenant:     req.Tenant,
			Priority:   model.PriorityNormal,
			MaxRetries: 3,
			CreatedAt:  time.Now().UTC(),
		})
	}

	queued := 0
	if len(tasks) > 0 {
		if _, err := s.deps.Queue.Enqueue(r.Context(), queue.DefaultQueue, tasks); err != nil {
			s.logger.Error("failed to enqueue messages", zap.Error(err))
			writeError(w, http.StatusBadGateway, "failed to enqueue")
			return
		}
		queued = len(tasks)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued, "failed": failed})
}

type entityRequest struct {
	Tenant string         `json:"tenant"`
	Entity map[string]any `json:"entity"`
	// Flat form: name/summary/labels at the top level.
	Name    string   `json:"name,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := jsonx.Decode(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	payload := req.Entity
	if payload == nil {
		payload = map[string]any{"name": req.Name, "summary": req.Summary, "labels": req.Labels}
	}
	name, _ := payload["name"].(string)
	if req.Tenant == "" || name == "" {
		writeError(w, http.StatusBadRequest, "tenant and entity name are required")
		return
	}

	task := &model.IngestionTask{
		ID:         uuid.NewString(),
		Kind:       model.TaskEntity,
		Payload:    payload,
		Tenant:     req.Tenant,
		Priority:   model.PriorityNormal,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.deps.Queue.Enqueue(r.Context(), queue.DefaultQueue, []*model.IngestionTask{task}); err != nil {
		s.logger.Error("failed to enqueue entity", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to enqueue")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": 1, "task_id": task.ID})
}

type batchRequest struct {
	Tenant     string           `json:"tenant"`
	Operations []map[string]any `json:"operations"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := jsonx.Decode(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "operations are required")
		return
	}

	task := &model.IngestionTask{
		ID:         uuid.NewString(),
		Kind:       model.TaskBatch,
		Payload:    map[string]any{"operations": req.Operations},
		Tenant:     req.Tenant,
		Priority:   model.PriorityLow,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.deps.Queue.Enqueue(r.Context(), queue.DefaultQueue, []*model.IngestionTask{task}); err != nil {
		s.logger.Error("failed to enqueue batch", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to enqueue")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": 1, "task_id": task.ID, "operations": len(req.Operations)})
}

func (s *Server) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.DeleteEpisode(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.DeleteEdge(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// handleDeleteTenant removes a whole tenant's subgraph, then invalidates the
// resolution cache and requests a centrality recompute for the tenant.
func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	if err := s.deps.Store.DeleteTenant(r.Context(), tenant); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.InvalidateTenant(tenant)
	}
	if s.deps.Centrality != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.deps.Centrality.RefreshTenant(ctx, tenant); err != nil {
				s.logger.Debug("centrality recompute failed",
					zap.String("tenant", tenant), zap.Error(err))
			}
		}()
	}
	if s.deps.Events != nil {
		s.deps.Events.Emit(webhook.Event{Type: webhook.EventGraphCleared, Tenant: tenant})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": tenant})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Clear(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.deps.Events != nil {
		s.deps.Events.Emit(webhook.Event{Type: webhook.EventGraphCleared})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// handleQueueStatus reports broker depths, dead-letter size, client counters,
// and pool counters when a pool is attached.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.BrokerStats(r.Context())
	if err != nil {
		s.logger.Warn("broker stats unavailable", zap.Error(err))
		writeError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	body := map[string]any{
		"queues":    stats.Queues,
		"dlq_depth": stats.Queues[queue.DeadLetterQueue].Depth,
		"client":    s.deps.Queue.Stats(),
	}
	if s.deps.Pool != nil {
		body["workers"] = s.deps.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

type reprocessRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleReprocessDLQ(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	// An empty body means "reprocess with the default limit".
	_ = jsonx.Decode(r.Body, &req)

	requeued, err := worker.ReprocessDLQ(r.Context(), s.deps.Queue, req.Limit, s.logger)
	if err != nil {
		s.logger.Error("dead-letter reprocess failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "reprocess failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonx.Encode(w, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, graph.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

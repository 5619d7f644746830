// Package api exposes the job pipeline to surrounding application code:
// submit, status, list, cancel, and a websocket progress feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"audio-render-pipeline/internal/config"
	"audio-render-pipeline/internal/models"
	"audio-render-pipeline/internal/notify"
	"audio-render-pipeline/internal/ratelimit"
	"audio-render-pipeline/internal/store"
	"audio-render-pipeline/internal/telemetry"
	"audio-render-pipeline/internal/validation"
)

// JobStore is the slice of the Postgres store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CancelJob(ctx context.Context, id, reason string) (models.Job, error)
	ListJobs(ctx context.Context, filter store.ListFilter, cursor string, limit int) ([]models.Job, string, error)
}

// JobQueue is the slice of the Redis queue the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID, priority string) error
	Remove(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the job pipeline surface.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    JobQueue
	limiter  *ratelimit.TokenBucket
	hub      *notify.Hub
	notifier notify.Notifier
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New constructs the API server. limiter and hub may be nil in tests.
func New(cfg config.Config, st JobStore, q JobQueue, limiter *ratelimit.TokenBucket, hub *notify.Hub, notifier notify.Notifier, log *zap.Logger) *Server {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		hub:      hub,
		notifier: notifier,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type submitRequest struct {
	UserID     string                 `json:"userId"`
	ProjectID  string                 `json:"projectId,omitempty"`
	RenderID   string                 `json:"renderId,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
	Payload    models.AudioJobPayload `json:"payload"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Priority != "" && !models.ValidPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "unknown priority")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:submit:"+req.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	// Reject malformed payloads and illegal layer compositions before any
	// row is created.
	if err := validation.ValidatePayload(req.Payload); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		UserID:     req.UserID,
		ProjectID:  req.ProjectID,
		RenderID:   req.RenderID,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: s.cfg.MaxRetries,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.log.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority); err != nil {
		s.log.Error("enqueue job", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.JobsSubmitted.Inc()
	s.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("priority", job.Priority))

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}

	filter := store.ListFilter{
		Status: q.Get("status"),
		UserID: q.Get("user"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = t
	}

	jobs, next, err := s.store.ListJobs(r.Context(), filter, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":       jobs,
		"nextCursor": next,
	})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	job, err := s.store.CancelJob(r.Context(), id, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, store.ErrInvalidState) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	// Best effort: drop queued copies so no worker wastes a claim. Workers
	// re-check status after dequeue regardless.
	_ = s.queue.Remove(r.Context(), id)
	telemetry.JobsCancelled.Inc()
	s.log.Info("job cancelled", zap.String("job_id", id), zap.String("reason", req.Reason))

	update := models.JobUpdate{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Stage:        job.Stage,
		StageMessage: job.Stage.Message(),
		ErrorMessage: job.ErrorMessage,
		At:           time.Now().UTC(),
	}
	if err := s.notifier.PublishUpdate(r.Context(), update); err != nil {
		s.log.Warn("publish cancel update", zap.String("job_id", id), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, job)
}

// handleEvents upgrades to a websocket and streams job updates. Clients
// should pair this with an immediate GET of the job to avoid missing state
// applied before the subscription attached.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "events not available")
		return
	}
	if _, err := s.store.GetJob(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.hub.HandleConnection(conn, id)
}

// handleDLQ returns ids of terminally failed jobs for operator inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package api exposes the operator console control plane over HTTP: job
// enqueue and inspection, approval decisions, and the night-shift trigger.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"venture-console/internal/apperr"
	"venture-console/internal/approval"
	"venture-console/internal/config"
	"venture-console/internal/idem"
	"venture-console/internal/models"
	"venture-console/internal/store"
	"venture-console/internal/telemetry"
)

// JobStore is the persistence slice the API reads and mutates directly.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// QueueControl covers the queue operations the API drives.
type QueueControl interface {
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// JobDispatcher is the shared enqueue path.
type JobDispatcher interface {
	Dispatch(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
}

// ApprovalDecider resolves approval queue entries.
type ApprovalDecider interface {
	Decide(ctx context.Context, p approval.DecideParams) (approval.DecideResult, error)
}

// RateLimiter gates per-project enqueue rates.
type RateLimiter interface {
	AllowProject(ctx context.Context, projectID string) (bool, float64, error)
}

// Server wires HTTP handlers for the operator console control plane.
type Server struct {
	cfg       config.Config
	store     JobStore
	queue     QueueControl
	jobs      JobDispatcher
	approvals ApprovalDecider
	limiter   RateLimiter
	log       *zap.Logger
	now       func() time.Time
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st JobStore, q QueueControl, jobs JobDispatcher, approvals ApprovalDecider, limiter RateLimiter, log *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		jobs:      jobs,
		approvals: approvals,
		limiter:   limiter,
		log:       log,
		now:       time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/approvals/{id}/decision", s.handleDecision)
	r.Post("/nightshift/run", s.handleNightShiftRun)
	return r
}

type enqueueRequest struct {
	ProjectID      string         `json:"project_id"`
	Type           string         `json:"type"`
	AgentKey       string         `json:"agent_key"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RunAt          *time.Time     `json:"run_at"`
	DelaySeconds   int            `json:"delay_seconds"`
	Priority       string         `json:"priority"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	if req.Priority != "" && !models.ValidPriority(req.Priority) {
		http.Error(w, "unknown priority", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	runAt := s.now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowProject(r.Context(), req.ProjectID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, idempotent, err := s.jobs.Dispatch(r.Context(), store.CreateJobParams{
		ProjectID:      req.ProjectID,
		Type:           req.Type,
		AgentKey:       req.AgentKey,
		Priority:       req.Priority,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type decisionRequest struct {
	ExpectedVersion int    `json:"expected_version"`
	Decision        string `json:"decision"`
	Guidance        string `json:"guidance"`
}

type decisionResponse struct {
	Version  int  `json:"version"`
	Relaunch bool `json:"relaunch"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get("X-User-ID")
	if caller == "" {
		http.Error(w, "X-User-ID is required", http.StatusUnauthorized)
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.approvals.Decide(r.Context(), approval.DecideParams{
		ApprovalID:      chi.URLParam(r, "id"),
		CallerID:        caller,
		ExpectedVersion: req.ExpectedVersion,
		Decision:        req.Decision,
		Guidance:        req.Guidance,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Version: res.NewVersion, Relaunch: res.Relaunch})
}

type nightShiftResponse struct {
	JobID      string `json:"job_id"`
	Idempotent bool   `json:"idempotent"`
}

// handleNightShiftRun authenticates the periodic trigger and hands the sweep
// to a worker via the queue; the handler does no sweep work itself, so the
// sweep outcome never depends on this response's lifecycle. Triggers within
// the same minute collapse onto one job through the minute-bucket key.
func (s *Server) handleNightShiftRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeTrigger(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	now := s.now()
	job, idempotent, err := s.jobs.Dispatch(r.Context(), store.CreateJobParams{
		ProjectID:      "all",
		Type:           models.JobNightShift,
		AgentKey:       models.AgentNightShift,
		Priority:       models.PriorityBackground,
		Payload:        map[string]any{"triggered_at": now.UTC().Format(time.RFC3339)},
		IdempotencyKey: idem.FromID("nightshift", idem.MinuteBucket(now)),
		RunAt:          now,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nightShiftResponse{JobID: job.ID, Idempotent: idempotent})
}

func (s *Server) authorizeTrigger(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.NightShiftToken)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperr.KindForbidden:
		http.Error(w, err.Error(), http.StatusForbidden)
	case apperr.KindConflict:
		version, _ := apperr.ConflictVersion(err)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":           err.Error(),
			"current_version": version,
		})
	case apperr.KindValidation:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

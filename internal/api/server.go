package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"jobengine/internal/jobs"
	"jobengine/internal/models"
	"jobengine/internal/ratelimit"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Server wires HTTP handlers for producers and operators.
type Server struct {
	jobs         *jobs.Service
	limiter      *ratelimit.Limiter
	defaultQueue string
	log          logr.Logger
}

// New constructs the API server. A nil limiter disables enqueue throttling.
func New(svc *jobs.Service, limiter *ratelimit.Limiter, defaultQueue string, log logr.Logger) *Server {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	return &Server{
		jobs:         svc,
		limiter:      limiter,
		defaultQueue: defaultQueue,
		log:          log.WithName("api"),
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

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/logs", s.handleJobLogs)
		r.Get("/{id}/artifacts", s.handleJobArtifacts)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})

	r.Get("/stats/queues", s.handleQueueStats)
	r.Get("/stats/performance", s.handlePerformance)

	r.Route("/definitions", func(r chi.Router) {
		r.Post("/", s.handleCreateDefinition)
		r.Get("/", s.handleListDefinitions)
		r.Get("/{id}", s.handleGetDefinition)
		r.Delete("/{id}", s.handleDeleteDefinition)
		r.Post("/{id}/enable", s.handleSetEnabled(true))
		r.Post("/{id}/disable", s.handleSetEnabled(false))
	})
	return r
}

type enqueueRequest struct {
	JobType         string         `json:"job_type"`
	HandlerName     string         `json:"handler_name"`
	QueueName       string         `json:"queue_name"`
	Priority        int            `json:"priority"`
	Parameters      map[string]any `json:"parameters"`
	MaxAttempts     int            `json:"max_attempts"`
	ScheduledFor    *time.Time     `json:"scheduled_for"`
	DelaySeconds    int            `json:"delay_seconds"`
	JobDefinitionID *string        `json:"job_definition_id"`
	SubmittedBy     string         `json:"submitted_by"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	queue := req.QueueName
	if queue == "" {
		queue = s.defaultQueue
	}
	allowed, _, err := s.limiter.AllowEnqueue(r.Context(), queue)
	if err != nil {
		s.log.Error(err, "rate limit check", "queue", queue)
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	in := models.NewJob{
		JobType:         req.JobType,
		HandlerName:     req.HandlerName,
		QueueName:       queue,
		Priority:        req.Priority,
		Parameters:      req.Parameters,
		MaxAttempts:     req.MaxAttempts,
		ScheduledFor:    req.ScheduledFor,
		JobDefinitionID: req.JobDefinitionID,
	}
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		in.ScheduledFor = &at
	}
	if req.SubmittedBy != "" {
		in.SubmittedBy = &req.SubmittedBy
	} else if v := r.Header.Get("X-Submitted-By"); v != "" {
		in.SubmittedBy = &v
	}

	job, err := s.jobs.EnqueueJob(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.JobFilter{Status: models.JobStatus(q.Get("status")), Queue: q.Get("queue")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	list, err := s.jobs.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.jobs.GetJobLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": nonNil(logs)})
}

func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.jobs.GetJobArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": nonNil(arts)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.CancelJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusCancelled)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.RetryJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusPending)})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.GetQueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": nonNil(stats)})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := s.jobs.GetJobPerformance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handlers": nonNil(perf)})
}

type definitionRequest struct {
	Name                    string         `json:"name"`
	JobType                 string         `json:"job_type"`
	HandlerName             string         `json:"handler_name"`
	QueueName               string         `json:"queue_name"`
	Priority                int            `json:"priority"`
	MaxAttempts             int            `json:"max_attempts"`
	Parameters              map[string]any `json:"parameters"`
	ScheduleIntervalMinutes *int           `json:"schedule_interval_minutes"`
	ScheduleCron            *string        `json:"schedule_cron"`
	IsEnabled               *bool          `json:"is_enabled"`
	NextRunAt               *time.Time     `json:"next_run_at"`
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	def, err := s.jobs.CreateDefinition(r.Context(), models.JobDefinition{
		Name:                    req.Name,
		JobType:                 req.JobType,
		HandlerName:             req.HandlerName,
		QueueName:               req.QueueName,
		Priority:                req.Priority,
		MaxAttempts:             req.MaxAttempts,
		Parameters:              req.Parameters,
		ScheduleIntervalMinutes: req.ScheduleIntervalMinutes,
		ScheduleCron:            req.ScheduleCron,
		IsEnabled:               enabled,
		NextRunAt:               req.NextRunAt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.jobs.ListDefinitions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": nonNil(defs)})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.jobs.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteDefinition(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.jobs.SetDefinitionEnabled(r.Context(), id, enabled); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_enabled": enabled})
	}
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidJob), errors.Is(err, jobs.ErrInvalidDefinition):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error(err, "request failed")
		writeJSON(w, code, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package jobs is the producer and operator surface of the engine: enqueue, cancel,
// retry, inspection, statistics and definition management. It also owns the
// observability writes handlers make while running.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"jobengine/internal/blob"
	"jobengine/internal/models"
	"jobengine/internal/registry"
	"jobengine/internal/scheduler"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

var (
	// ErrInvalidJob is returned when an enqueue request is missing required fields.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidDefinition is returned when a job definition fails validation.
	ErrInvalidDefinition = errors.New("invalid job definition")
)

// Notifier is told when a queue gains an immediately eligible job.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source used for eligibility and artifact expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service wraps the job store with validation, notifications and metrics.
type Service struct {
	store    store.Store
	blobs    blob.Store
	notifier Notifier
	log      logr.Logger
	now      func() time.Time
}

func NewService(st store.Store, blobs blob.Store, log logr.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		blobs: blobs,
		log:   log.WithName("jobs"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueJob inserts a pending job and returns it.
func (s *Service) EnqueueJob(ctx context.Context, in models.NewJob) (models.Job, error) {
	in.HandlerName = strings.TrimSpace(in.HandlerName)
	if in.HandlerName == "" {
		return models.Job{}, fmt.Errorf("%w: handler name is required", ErrInvalidJob)
	}
	if in.MaxAttempts < 0 {
		return models.Job{}, fmt.Errorf("%w: max attempts must not be negative", ErrInvalidJob)
	}
	job, err := s.store.CreateJob(ctx, in)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(job.QueueName).Inc()
	s.log.V(1).Info("job enqueued", "job_id", job.ID, "queue", job.QueueName, "handler", job.HandlerName)
	if job.ScheduledFor == nil || !job.ScheduledFor.After(s.now()) {
		s.notify(ctx, job.QueueName)
	}
	return job, nil
}

// CancelJob cancels a pending job. Jobs in any other status are left untouched.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	if err := s.store.CancelJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job cancelled", "job_id", id)
	return nil
}

// RetryJob returns a failed job to pending with attempts reset.
func (s *Service) RetryJob(ctx context.Context, id string) error {
	if err := s.store.RetryJob(ctx, id); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.LogJob(ctx, id, models.LevelInfo, "retry requested", nil)
	s.log.Info("job retried", "job_id", id)
	s.notify(ctx, job.QueueName)
	return nil
}

// GetJobStatus returns the current job row.
func (s *Service) GetJobStatus(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, f.Status)
	}
	return s.store.ListJobs(ctx, f)
}

// GetJobLogs returns the job's log entries in append order.
func (s *Service) GetJobLogs(ctx context.Context, id string) ([]models.JobLogEntry, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id)
}

func (s *Service) GetJobArtifacts(ctx context.Context, id string) ([]models.JobArtifact, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, id)
}

// GetQueueStats counts jobs by status for every queue. Computed on read.
func (s *Service) GetQueueStats(ctx context.Context) ([]models.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

// GetJobPerformance aggregates duration and failure rate per handler. Computed on read.
func (s *Service) GetJobPerformance(ctx context.Context) ([]models.HandlerPerformance, error) {
	return s.store.HandlerPerformance(ctx)
}

// LogJob appends a log entry. Failures are reported and swallowed.
func (s *Service) LogJob(ctx context.Context, jobID, level, message string, metadata map[string]any) {
	switch level {
	case models.LevelDebug, models.LevelInfo, models.LevelWarn, models.LevelError:
	default:
		level = models.LevelInfo
	}
	err := s.store.AppendLog(ctx, models.JobLogEntry{JobID: jobID, Level: level, Message: message, Metadata: metadata})
	if err != nil {
		telemetry.ObservabilityDrops.WithLabelValues("log").Inc()
		s.log.Error(err, "append job log", "job_id", jobID)
	}
}

// UpdateProgress overwrites a running job's progress. Failures are reported and swallowed.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, percentage int, message string) {
	if err := s.store.UpdateProgress(ctx, jobID, percentage, message); err != nil {
		telemetry.ObservabilityDrops.WithLabelValues("progress").Inc()
		s.log.Error(err, "update job progress", "job_id", jobID)
	}
}

// CreateArtifact stores in.Body (unless in.Locator names an existing object) and links it
// to the job. A body uploaded for a row that then fails to insert is removed again.
func (s *Service) CreateArtifact(ctx context.Context, jobID string, in registry.ArtifactInput) (models.JobArtifact, error) {
	if in.ArtifactType == "" {
		return models.JobArtifact{}, fmt.Errorf("%w: artifact type is required", ErrInvalidJob)
	}
	locator, size, uploaded := in.Locator, in.SizeBytes, false
	if locator == "" {
		if s.blobs == nil {
			return models.JobArtifact{}, errors.New("no artifact storage configured")
		}
		name := in.Name
		if name == "" {
			name = in.ArtifactType
		}
		var err error
		locator, err = s.blobs.Put(ctx, blob.ObjectKey(jobID, name), in.Body, mimeOrDefault(in.MimeType))
		if err != nil {
			telemetry.ObservabilityDrops.WithLabelValues("artifact").Inc()
			return models.JobArtifact{}, fmt.Errorf("upload artifact: %w", err)
		}
		size, uploaded = int64(len(in.Body)), true
	}
	a := models.JobArtifact{
		JobID:          jobID,
		ArtifactType:   in.ArtifactType,
		StorageLocator: locator,
		SizeBytes:      size,
		MimeType:       mimeOrDefault(in.MimeType),
	}
	if in.TTL > 0 {
		exp := s.now().Add(in.TTL)
		a.ExpiresAt = &exp
	}
	created, err := s.store.CreateArtifact(ctx, a)
	if err != nil {
		telemetry.ObservabilityDrops.WithLabelValues("artifact").Inc()
		if uploaded {
			if derr := s.blobs.Delete(ctx, locator); derr != nil {
				s.log.Error(derr, "remove orphaned artifact blob", "job_id", jobID, "locator", locator)
			}
		}
		return models.JobArtifact{}, err
	}
	return created, nil
}

// Reporter returns the registry.Reporter handed to the handler running jobID.
func (s *Service) Reporter(jobID string) registry.Reporter {
	return jobReporter{svc: s, jobID: jobID}
}

// CreateDefinition validates and stores a recurring job template.
func (s *Service) CreateDefinition(ctx context.Context, d models.JobDefinition) (models.JobDefinition, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.HandlerName = strings.TrimSpace(d.HandlerName)
	if d.Name == "" {
		return models.JobDefinition{}, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.HandlerName == "" {
		return models.JobDefinition{}, fmt.Errorf("%w: handler name is required", ErrInvalidDefinition)
	}
	if d.ScheduleCron != nil && strings.TrimSpace(*d.ScheduleCron) == "" {
		d.ScheduleCron = nil
	}
	if err := scheduler.ValidateSchedule(d.ScheduleIntervalMinutes, d.ScheduleCron); err != nil {
		return models.JobDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	created, err := s.store.CreateDefinition(ctx, d)
	if err != nil {
		return models.JobDefinition{}, err
	}
	s.log.Info("definition created", "definition_id", created.ID, "definition", created.Name)
	return created, nil
}

func (s *Service) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	return s.store.SetDefinitionEnabled(ctx, id, enabled)
}

func (s *Service) GetDefinition(ctx context.Context, id string) (models.JobDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	return s.store.ListDefinitions(ctx)
}

// DeleteDefinition removes a definition. Jobs it already spawned are kept.
func (s *Service) DeleteDefinition(ctx context.Context, id string) error {
	return s.store.DeleteDefinition(ctx, id)
}

// EnsureDefinition creates d unless a definition with the same name exists.
func (s *Service) EnsureDefinition(ctx context.Context, d models.JobDefinition) error {
	if _, err := s.CreateDefinition(ctx, d); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}

func (s *Service) notify(ctx context.Context, queue string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, queue); err != nil {
		s.log.V(1).Info("wake notification failed", "queue", queue, "error", err.Error())
	}
}

func mimeOrDefault(m string) string {
	if m == "" {
		return "application/octet-stream"
	}
	return m
}

type jobReporter struct {
	svc   *Service
	jobID string
}

func (r jobReporter) Progress(ctx context.Context, percentage int, message string) {
	r.svc.UpdateProgress(ctx, r.jobID, percentage, message)
}

func (r jobReporter) Log(ctx context.Context, level, message string, metadata map[string]any) {
	r.svc.LogJob(ctx, r.jobID, level, message, metadata)
}

func (r jobReporter) Artifact(ctx context.Context, in registry.ArtifactInput) (models.JobArtifact, error) {
	return r.svc.CreateArtifact(ctx, r.jobID, in)
}

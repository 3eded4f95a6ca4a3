package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobengine/internal/models"
)

var (
	// ErrNotFound is returned when a job, definition or artifact does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidState is returned when a transition's precondition on status does not hold.
	ErrInvalidState = errors.New("store: invalid state transition")
	// ErrClaimLost is returned by finalize and lease writes when the job is no longer
	// running under the calling worker.
	ErrClaimLost = errors.New("store: claim lost")
	// ErrDuplicate is returned when a unique key (definition name) already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the durable source of truth for jobs, definitions, logs and artifacts.
// Implementations must make ClaimNext linearizable per row.
type Store interface {
	CreateJob(ctx context.Context, in models.NewJob) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error)

	// ClaimNext atomically moves the best eligible pending job to running for workerID.
	// It returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*models.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, jobID, workerID string, result any) error
	Fail(ctx context.Context, jobID, workerID string, f Failure) error
	RequeueExpired(ctx context.Context) ([]string, error)
	// Release hands a job the worker still holds back to pending without counting an
	// attempt.
	Release(ctx context.Context, jobID, workerID string) error

	CancelJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string) error

	UpdateProgress(ctx context.Context, jobID string, percentage int, message string) error
	AppendLog(ctx context.Context, e models.JobLogEntry) error
	ListLogs(ctx context.Context, jobID string) ([]models.JobLogEntry, error)
	CreateArtifact(ctx context.Context, a models.JobArtifact) (models.JobArtifact, error)
	ListArtifacts(ctx context.Context, jobID string) ([]models.JobArtifact, error)
	ExpiredArtifacts(ctx context.Context, limit int) ([]models.JobArtifact, error)
	DeleteArtifacts(ctx context.Context, ids []string) error
	ArtifactsOfJobsFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.JobArtifact, error)
	// DeleteJobsFinishedBefore purges terminal jobs finished before cutoff, except the
	// ids in keep.
	DeleteJobsFinishedBefore(ctx context.Context, cutoff time.Time, keep []string) (int64, error)

	QueueStats(ctx context.Context) ([]models.QueueStats, error)
	HandlerPerformance(ctx context.Context) ([]models.HandlerPerformance, error)

	CreateDefinition(ctx context.Context, d models.JobDefinition) (models.JobDefinition, error)
	GetDefinition(ctx context.Context, id string) (models.JobDefinition, error)
	ListDefinitions(ctx context.Context) ([]models.JobDefinition, error)
	DueDefinitions(ctx context.Context) ([]models.JobDefinition, error)
	SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error
	DeleteDefinition(ctx context.Context, id string) error
	// PromoteDefinition enqueues p.Job and advances the definition in one transaction,
	// but only if the definition still carries p.Definition.NextRunAt. The boolean is
	// false when another promoter won the window.
	PromoteDefinition(ctx context.Context, p Promotion) (models.Job, bool, error)

	RunMigrations(ctx context.Context) error
	Close() error
}

// Failure describes a handler failure to record on a running job.
type Failure struct {
	Message      string
	Detail       string
	// CountAttempt increments attempts. Configuration failures such as a missing
	// handler leave attempts untouched.
	CountAttempt bool
}

// Promotion is one due-window promotion of a job definition.
type Promotion struct {
	Definition models.JobDefinition
	Job        models.NewJob
	NextRunAt  time.Time
	// Now is the instant NextRunAt was computed from. It becomes last_run_at and the
	// job's created_at. Zero means the store clock.
	Now time.Time
}

func (p Promotion) at(clock func() time.Time) time.Time {
	if p.Now.IsZero() {
		return clock()
	}
	return p.Now.UTC()
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now            func() time.Time
	defaultQueue   string
	defaultAttempt int
}

func defaultOptions() options {
	return options{
		now:            func() time.Time { return time.Now().UTC() },
		defaultQueue:   "default",
		defaultAttempt: 3,
	}
}

// WithClock overrides the time source used for claims, leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return now().UTC() }
		}
	}
}

// WithDefaults sets the queue and max attempts applied when a new job leaves them empty.
func WithDefaults(queue string, maxAttempts int) Option {
	return func(o *options) {
		if queue != "" {
			o.defaultQueue = queue
		}
		if maxAttempts > 0 {
			o.defaultAttempt = maxAttempts
		}
	}
}

func (o options) normalizeNewJob(in models.NewJob, now time.Time) models.NewJob {
	if in.QueueName == "" {
		in.QueueName = o.defaultQueue
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = o.defaultAttempt
	}
	if in.JobType == "" {
		in.JobType = in.HandlerName
	}
	if in.Parameters == nil {
		in.Parameters = map[string]any{}
	}
	if in.ScheduledFor == nil {
		in.ScheduledFor = &now
	} else {
		at := in.ScheduledFor.UTC()
		in.ScheduledFor = &at
	}
	return in
}

func newJobFrom(id string, in models.NewJob, now time.Time) models.Job {
	return models.Job{
		ID:              id,
		JobType:         in.JobType,
		HandlerName:     in.HandlerName,
		QueueName:       in.QueueName,
		Priority:        in.Priority,
		Parameters:      in.Parameters,
		Status:          models.StatusPending,
		MaxAttempts:     in.MaxAttempts,
		ScheduledFor:    in.ScheduledFor,
		JobDefinitionID: in.JobDefinitionID,
		SubmittedBy:     in.SubmittedBy,
		CreatedAt:       now,
	}
}

func clampPercentage(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// transitionError explains why a conditional status update matched no row.
func transitionError(op string, id string, current models.JobStatus) error {
	return fmt.Errorf("%s job %s in status %s: %w", op, id, current, ErrInvalidState)
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return raw, nil
}

func unmarshalObject(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

func unmarshalAny(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func failureRate(completed, failed int) float64 {
	if completed+failed == 0 {
		return 0
	}
	return float64(failed) / float64(completed+failed)
}

// leaseExpiredMessage is the log line written when a stale claim is returned to pending.
const leaseExpiredMessage = "lease expired; job returned to pending"

func (o options) normalizeDefinition(d models.JobDefinition, now time.Time) models.JobDefinition {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.QueueName == "" {
		d.QueueName = o.defaultQueue
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = o.defaultAttempt
	}
	if d.JobType == "" {
		d.JobType = d.HandlerName
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	return d
}

func nilIfEmpty(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

type queueStatsAccumulator struct {
	order []string
	stats map[string]*models.QueueStats
}

func newQueueStatsAccumulator() *queueStatsAccumulator {
	return &queueStatsAccumulator{stats: map[string]*models.QueueStats{}}
}

func (a *queueStatsAccumulator) add(queue string, status models.JobStatus, n int) {
	qs, ok := a.stats[queue]
	if !ok {
		qs = &models.QueueStats{QueueName: queue, Counts: map[models.JobStatus]int{}}
		for _, st := range models.AllStatuses {
			qs.Counts[st] = 0
		}
		a.stats[queue] = qs
		a.order = append(a.order, queue)
	}
	qs.Counts[status] += n
	qs.Total += n
}

func (a *queueStatsAccumulator) result() []models.QueueStats {
	out := make([]models.QueueStats, 0, len(a.order))
	for _, q := range a.order {
		out = append(out, *a.stats[q])
	}
	return out
}

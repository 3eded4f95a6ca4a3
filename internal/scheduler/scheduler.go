// Package scheduler promotes due job definitions into pending jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"jobengine/internal/models"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Locker narrows sweeping to one process at a time.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Notifier is told about queues that received a promoted job.
type Notifier interface {
	Notify(ctx context.Context, queue string) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLock makes each sweep conditional on holding l.
func WithLock(l Locker) Option {
	return func(s *Scheduler) { s.lock = l }
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithClock overrides the time source used for next-run computation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler runs the definition sweep on a fixed interval.
type Scheduler struct {
	store    store.Store
	log      logr.Logger
	interval time.Duration
	lock     Locker
	notifier Notifier
	now      func() time.Time
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Due      int `json:"due"`
	Promoted int `json:"promoted"`
	// Skipped counts definitions another promoter advanced first.
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func New(st store.Store, log logr.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		log:      log.WithName("scheduler"),
		interval: time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.release()

	s.log.Info("scheduler started", "interval", s.interval.String())
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error(err, "sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) release() {
	if s.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lock.Release(ctx); err != nil {
		s.log.Error(err, "release scheduler lock")
	}
}

// Sweep promotes every due definition once. Errors on one definition are logged and
// counted; the sweep moves on to the rest.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.lock != nil {
		leader, err := s.lock.Acquire(ctx)
		if err != nil {
			return res, err
		}
		if !leader {
			s.log.V(1).Info("another scheduler holds the lock; skipping sweep")
			return res, nil
		}
	}

	due, err := s.store.DueDefinitions(ctx)
	if err != nil {
		return res, err
	}
	res.Due = len(due)
	for _, def := range due {
		promoted, err := s.promote(ctx, def)
		switch {
		case err != nil:
			res.Failed++
			telemetry.ScheduleErrors.Inc()
			s.log.Error(err, "promote definition", "definition_id", def.ID, "definition", def.Name)
		case promoted:
			res.Promoted++
		default:
			res.Skipped++
		}
	}
	if res.Due > 0 {
		s.log.Info("sweep finished", "due", res.Due, "promoted", res.Promoted, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}

func (s *Scheduler) promote(ctx context.Context, def models.JobDefinition) (bool, error) {
	now := s.now()
	next, err := NextRun(def, now)
	if err != nil {
		return false, err
	}
	job, ok, err := s.store.PromoteDefinition(ctx, store.Promotion{
		Definition: def,
		Job: models.NewJob{
			JobType:     def.JobType,
			HandlerName: def.HandlerName,
			QueueName:   def.QueueName,
			Priority:    def.Priority,
			Parameters:  def.Parameters,
			MaxAttempts: def.MaxAttempts,
		},
		NextRunAt: next,
		Now:       now,
	})
	if err != nil || !ok {
		return false, err
	}
	telemetry.DefinitionsFired.Inc()
	telemetry.JobsEnqueued.WithLabelValues(job.QueueName).Inc()
	s.log.V(1).Info("definition promoted", "definition", def.Name, "job_id", job.ID, "next_run_at", next)
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, job.QueueName); err != nil {
			s.log.V(1).Info("wake notification failed", "queue", job.QueueName, "error", err.Error())
		}
	}
	return true, nil
}

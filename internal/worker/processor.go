package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"jobengine/internal/config"
	"jobengine/internal/jobs"
	"jobengine/internal/models"
	"jobengine/internal/registry"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Waker blocks until a queue the worker services may have new work, or timeout passes.
type Waker interface {
	Wait(ctx context.Context, queues []string, timeout time.Duration) (bool, error)
}

// Option configures a Processor.
type Option func(*Processor)

// WithWaker lets idle polls end early on a wake-up hint.
func WithWaker(w Waker) Option {
	return func(p *Processor) { p.waker = w }
}

// Processor drives the claim, execute and finalize loop for one worker.
type Processor struct {
	store    store.Store
	jobs     *jobs.Service
	registry *registry.Registry
	waker    Waker
	log      logr.Logger

	workerID     string
	queues       []string
	pollInterval time.Duration
	lease        time.Duration
}

// NewProcessor builds a worker. An empty cfg.WorkerID gets a host-derived id.
func NewProcessor(cfg config.Config, st store.Store, svc *jobs.Service, reg *registry.Registry, log logr.Logger, opts ...Option) *Processor {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	p := &Processor{
		store:        st,
		jobs:         svc,
		registry:     reg,
		log:          log.WithName("worker").WithValues("worker_id", workerID),
		workerID:     workerID,
		queues:       cfg.WorkerQueues,
		pollInterval: poll,
		lease:        lease,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// ID returns the identifier this worker claims jobs under.
func (p *Processor) ID() string {
	return p.workerID
}

// Run polls until ctx is cancelled. After a processed job it polls again at once;
// an idle or failed poll waits one interval.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started", "queues", p.queues, "poll_interval", p.pollInterval.String(), "lease", p.lease.String())
	for {
		processed, err := p.Tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Error(err, "poll failed")
		}
		if processed && err == nil {
			continue
		}
		p.wait(ctx)
	}
}

func (p *Processor) wait(ctx context.Context) {
	if p.waker != nil {
		if _, err := p.waker.Wait(ctx, p.queues, p.pollInterval); err == nil || ctx.Err() != nil {
			return
		}
	}
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Tick runs one poll: return expired leases to pending, then claim and execute at most
// one job. It reports whether a job was claimed.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	requeued, err := p.store.RequeueExpired(ctx)
	if err != nil {
		return false, fmt.Errorf("requeue expired: %w", err)
	}
	if len(requeued) > 0 {
		telemetry.JobsRequeued.Add(float64(len(requeued)))
		p.log.Info("returned expired claims to pending", "job_ids", requeued)
	}

	job, err := p.store.ClaimNext(ctx, p.workerID, p.queues, p.lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.execute(ctx, *job)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job models.Job) {
	log := p.log.WithValues("job_id", job.ID, "handler", job.HandlerName, "queue", job.QueueName)
	// Finalize writes must land even when shutdown cancels ctx mid-handler.
	writeCtx := context.WithoutCancel(ctx)

	handler, err := p.registry.Resolve(job.HandlerName)
	if err != nil {
		log.Info("no handler registered; failing job")
		p.jobs.LogJob(writeCtx, job.ID, models.LevelError, "handler not found", map[string]any{"handler": job.HandlerName})
		p.finalize(writeCtx, log, job, nil, store.Failure{Message: registry.ErrHandlerNotFound.Error(), Detail: err.Error()})
		return
	}

	p.jobs.LogJob(writeCtx, job.ID, models.LevelInfo, "started", map[string]any{"worker_id": p.workerID, "attempt": job.Attempts + 1})

	stopHeartbeat := p.heartbeat(ctx, log, job.ID)
	start := time.Now()
	result, failure, herr := p.invoke(ctx, handler, registry.Invocation{
		JobID:      job.ID,
		JobType:    job.JobType,
		QueueName:  job.QueueName,
		Parameters: job.Parameters,
		Reporter:   p.jobs.Reporter(job.ID),
	})
	stopHeartbeat()
	telemetry.JobDuration.WithLabelValues(job.HandlerName).Observe(time.Since(start).Seconds())

	// A handler that gave up because the worker is stopping has not failed.
	if ctx.Err() != nil && errors.Is(herr, context.Canceled) {
		p.release(writeCtx, log, job)
		return
	}
	p.finalize(writeCtx, log, job, result, failure)
}

// release hands an interrupted job back to pending for another worker.
func (p *Processor) release(ctx context.Context, log logr.Logger, job models.Job) {
	err := p.store.Release(ctx, job.ID, p.workerID)
	switch {
	case errors.Is(err, store.ErrClaimLost):
		telemetry.ClaimsLost.Inc()
		log.Info("claim lost before release")
		return
	case err != nil:
		log.Error(err, "release job; lease sweep will recover it")
		return
	}
	telemetry.JobsRequeued.Inc()
	p.jobs.LogJob(ctx, job.ID, models.LevelWarn, "worker stopped; job returned to pending", map[string]any{"worker_id": p.workerID})
	log.Info("job released on shutdown")
}

// invoke runs the handler, converting a panic into a failure. The handler's own
// error is returned alongside.
func (p *Processor) invoke(ctx context.Context, h registry.Handler, inv registry.Invocation) (result any, failure store.Failure, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, nil
			failure = store.Failure{Message: fmt.Sprintf("handler panic: %v", r), Detail: string(debug.Stack()), CountAttempt: true}
		}
	}()
	res, err := h(ctx, inv)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "handler returned an error"
		}
		return nil, store.Failure{Message: msg, Detail: fmt.Sprintf("%+v", err), CountAttempt: true}, err
	}
	return res, store.Failure{}, nil
}

func (p *Processor) finalize(ctx context.Context, log logr.Logger, job models.Job, result any, failure store.Failure) {
	var err error
	if failure.Message == "" {
		err = p.store.Complete(ctx, job.ID, p.workerID, result)
	} else {
		err = p.store.Fail(ctx, job.ID, p.workerID, failure)
	}
	switch {
	case errors.Is(err, store.ErrClaimLost):
		telemetry.ClaimsLost.Inc()
		log.Info("claim lost before finalize; outcome discarded")
		return
	case err != nil:
		log.Error(err, "finalize job")
		return
	}

	if failure.Message == "" {
		telemetry.JobsCompleted.WithLabelValues(job.QueueName, job.HandlerName).Inc()
		p.jobs.LogJob(ctx, job.ID, models.LevelInfo, "completed", nil)
		log.V(1).Info("job completed")
		return
	}
	telemetry.JobsFailed.WithLabelValues(job.QueueName, job.HandlerName).Inc()
	if failure.CountAttempt {
		p.jobs.LogJob(ctx, job.ID, models.LevelError, "failed", map[string]any{"error": failure.Message})
	}
	log.Info("job failed", "error", failure.Message)
}

// heartbeat extends the lease every lease/3 until the returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, log logr.Logger, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := p.store.ExtendLease(hbCtx, jobID, p.workerID, p.lease)
				if errors.Is(err, store.ErrClaimLost) {
					telemetry.ClaimsLost.Inc()
					log.Info("lease lost while handler running")
					return
				}
				if err != nil && hbCtx.Err() == nil {
					log.Error(err, "extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

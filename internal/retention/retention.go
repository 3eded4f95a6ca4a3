// Package retention purges expired artifacts and old finished jobs.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"jobengine/internal/blob"
	"jobengine/internal/models"
	"jobengine/internal/registry"
	"jobengine/internal/store"
)

// HandlerName is the registry name of the cleanup handler.
const HandlerName = "system.retention"

const expiredBatch = 500

// Report summarises one cleanup run.
type Report struct {
	ExpiredArtifacts int   `json:"expired_artifacts"`
	PurgedArtifacts  int   `json:"purged_artifacts"`
	PurgedJobs       int64 `json:"purged_jobs"`
	RetainedJobs     int   `json:"retained_jobs"`
	BlobErrors       int   `json:"blob_errors"`
}

// Cleaner deletes artifact blobs before the rows that reference them.
type Cleaner struct {
	store  store.Store
	blobs  blob.Store
	period time.Duration
	now    func() time.Time
	log    logr.Logger
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithClock overrides the time source used for the cutoff.
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

// NewCleaner keeps finished jobs for period.
func NewCleaner(st store.Store, blobs blob.Store, period time.Duration, log logr.Logger, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:  st,
		blobs:  blobs,
		period: period,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.WithName("retention"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run removes artifacts past their expiry, then terminal jobs that completed more than
// period ago together with their logs and artifacts. A period override may be passed.
func (c *Cleaner) Run(ctx context.Context, period time.Duration) (Report, error) {
	if period <= 0 {
		period = c.period
	}
	var rep Report

	expired, err := c.store.ExpiredArtifacts(ctx, expiredBatch)
	if err != nil {
		return rep, fmt.Errorf("list expired artifacts: %w", err)
	}
	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		if c.deleteBlob(ctx, a) {
			ids = append(ids, a.ID)
		} else {
			rep.BlobErrors++
		}
	}
	if err := c.store.DeleteArtifacts(ctx, ids); err != nil {
		return rep, fmt.Errorf("delete expired artifacts: %w", err)
	}
	rep.ExpiredArtifacts = len(ids)

	if period > 0 {
		cutoff := c.now().Add(-period)
		owned, err := c.store.ArtifactsOfJobsFinishedBefore(ctx, cutoff)
		if err != nil {
			return rep, fmt.Errorf("list artifacts of old jobs: %w", err)
		}
		// A job whose blob could not be removed keeps its artifact rows so the
		// next run can retry the delete.
		held := map[string]bool{}
		var removed []string
		for _, a := range owned {
			if c.deleteBlob(ctx, a) {
				removed = append(removed, a.ID)
				continue
			}
			rep.BlobErrors++
			held[a.JobID] = true
		}
		keep := make([]string, 0, len(held))
		for id := range held {
			keep = append(keep, id)
		}
		if len(keep) > 0 {
			if err := c.store.DeleteArtifacts(ctx, removed); err != nil {
				return rep, fmt.Errorf("delete purged artifacts: %w", err)
			}
		}
		rep.PurgedArtifacts = len(removed)
		rep.RetainedJobs = len(keep)
		n, err := c.store.DeleteJobsFinishedBefore(ctx, cutoff, keep)
		if err != nil {
			return rep, fmt.Errorf("delete old jobs: %w", err)
		}
		rep.PurgedJobs = n
	}

	c.log.Info("retention run finished", "expired_artifacts", rep.ExpiredArtifacts,
		"purged_artifacts", rep.PurgedArtifacts, "purged_jobs", rep.PurgedJobs, "retained_jobs", rep.RetainedJobs, "blob_errors", rep.BlobErrors)
	return rep, nil
}

// deleteBlob reports whether the artifact row may go. Locators this store does not own
// were supplied by the handler and are left alone.
func (c *Cleaner) deleteBlob(ctx context.Context, a models.JobArtifact) bool {
	if c.blobs == nil {
		return true
	}
	err := c.blobs.Delete(ctx, a.StorageLocator)
	switch {
	case err == nil, errors.Is(err, blob.ErrForeignLocator):
		return true
	default:
		c.log.Error(err, "delete artifact blob", "artifact_id", a.ID, "job_id", a.JobID)
		return false
	}
}

// Handler runs the cleaner as a job. Parameter "retention_hours" overrides the period.
func (c *Cleaner) Handler() registry.Handler {
	return func(ctx context.Context, inv registry.Invocation) (any, error) {
		var period time.Duration
		if h, ok := inv.Parameters["retention_hours"].(float64); ok && h > 0 {
			period = time.Duration(h * float64(time.Hour))
		}
		rep, err := c.Run(ctx, period)
		if err != nil {
			return nil, err
		}
		if inv.Reporter != nil {
			inv.Reporter.Progress(ctx, 100, fmt.Sprintf("purged %d jobs", rep.PurgedJobs))
		}
		return rep, nil
	}
}

// Definition is the recurring definition that runs the cleaner on schedule.
func Definition(schedule, queue string) models.JobDefinition {
	return models.JobDefinition{
		Name:         HandlerName,
		JobType:      "maintenance",
		HandlerName:  HandlerName,
		QueueName:    queue,
		MaxAttempts:  1,
		ScheduleCron: &schedule,
		IsEnabled:    true,
	}
}

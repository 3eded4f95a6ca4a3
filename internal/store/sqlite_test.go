package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobengine/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, clock *testClock) *SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func mustCreate(t *testing.T, st Store, in models.NewJob) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), in)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func mustClaim(t *testing.T, st Store, worker string) *models.Job {
	t.Helper()
	job, err := st.ClaimNext(context.Background(), worker, nil, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestCreateJobAppliesDefaults(t *testing.T) {
	clock := newTestClock()
	st := newTestStore(t, clock)

	job := mustCreate(t, st, models.NewJob{HandlerName: "system.echo"})
	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusPending || got.QueueName != "default" || got.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.JobType != "system.echo" {
		t.Fatalf("job type should default to handler name, got %q", got.JobType)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(clock.Now()) {
		t.Fatalf("scheduled_for should default to creation time, got %v", got.ScheduledFor)
	}
	if got.Parameters == nil {
		t.Fatalf("parameters should be an empty object")
	}
}

func TestGetJobNotFound(t *testing.T) {
	st := newTestStore(t, newTestClock())
	_, err := st.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextOrdersByPriority(t *testing.T) {
	st := newTestStore(t, newTestClock())
	for _, p := range []int{1, 5, 3} {
		mustCreate(t, st, models.NewJob{HandlerName: "h", Priority: p})
	}
	var got []int
	for i := 0; i < 3; i++ {
		job := mustClaim(t, st, "w1")
		if job == nil {
			t.Fatalf("claim %d returned nothing", i)
		}
		got = append(got, job.Priority)
	}
	want := []int{5, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", got, want)
		}
	}
	if job := mustClaim(t, st, "w1"); job != nil {
		t.Fatalf("expected empty queue, got %s", job.ID)
	}
}

func TestClaimNextOrdersByCreationWithinPriority(t *testing.T) {
	clock := newTestClock()
	st := newTestStore(t, clock)
	first := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	clock.Advance(time.Second)
	second := mustCreate(t, st, models.NewJob{HandlerName: "h"})

	if job := mustClaim(t, st, "w"); job.ID != first.ID {
		t.Fatalf("expected %s first, got %s", first.ID, job.ID)
	}
	if job := mustClaim(t, st, "w"); job.ID != second.ID {
		t.Fatalf("expected %s second, got %s", second.ID, job.ID)
	}
}

func TestClaimNextRespectsScheduledFor(t *testing.T) {
	clock := newTestClock()
	st := newTestStore(t, clock)
	later := clock.Now().Add(time.Hour)
	mustCreate(t, st, models.NewJob{HandlerName: "h", ScheduledFor: &later})

	if job := mustClaim(t, st, "w"); job != nil {
		t.Fatalf("future job should not be claimable")
	}
	clock.Advance(time.Hour)
	if job := mustClaim(t, st, "w"); job == nil {
		t.Fatalf("job should be claimable once scheduled_for has passed")
	}
}

func TestClaimNextFiltersQueues(t *testing.T) {
	st := newTestStore(t, newTestClock())
	mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "emails", Priority: 10})
	want := mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "reports"})

	job, err := st.ClaimNext(context.Background(), "w", []string{"reports"}, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != want.ID {
		t.Fatalf("expected reports job, got %+v", job)
	}
}

func TestClaimNextSetsClaimFields(t *testing.T) {
	clock := newTestClock()
	st := newTestStore(t, clock)
	mustCreate(t, st, models.NewJob{HandlerName: "h"})

	job := mustClaim(t, st, "worker-7")
	if job.Status != models.StatusRunning {
		t.Fatalf("status = %s", job.Status)
	}
	if job.ClaimedBy == nil || *job.ClaimedBy != "worker-7" {
		t.Fatalf("claimed_by = %v", job.ClaimedBy)
	}
	if job.StartedAt == nil || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("unexpected claim timestamps: started=%v lease=%v", job.StartedAt, job.LeaseExpiresAt)
	}
}

func TestClaimNextAtMostOnce(t *testing.T) {
	st := newTestStore(t, newTestClock())
	mustCreate(t, st, models.NewJob{HandlerName: "h"})

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := st.ClaimNext(context.Background(), "w", nil, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claimed != 1 {
		t.Fatalf("expected exactly one claim, got %d", claimed)
	}
}

func TestCompleteAndFail(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, newTestClock())
	a := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	b := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	mustClaim(t, st, "w")
	mustClaim(t, st, "w")

	if err := st.Complete(ctx, a.ID, "w", map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := st.Fail(ctx, b.ID, "w", Failure{Message: "boom", Detail: "trace", CountAttempt: true}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	done, _ := st.GetJob(ctx, a.ID)
	if done.Status != models.StatusCompleted || done.ProgressPercentage != 100 || done.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	if done.ClaimedBy != nil || done.LeaseExpiresAt != nil {
		t.Fatalf("claim fields should be cleared on completion")
	}
	if res, ok := done.Result.(map[string]any); !ok || res["ok"] != true {
		t.Fatalf("result = %#v", done.Result)
	}

	failed, _ := st.GetJob(ctx, b.ID)
	if failed.Status != models.StatusFailed || failed.Attempts != 1 {
		t.Fatalf("unexpected failed job: %+v", failed)
	}
	if failed.ErrorMessage == nil || *failed.ErrorMessage != "boom" || failed.ErrorDetail == nil {
		t.Fatalf("error fields not recorded: %+v", failed)
	}
	if failed.Result != nil || failed.ClaimedBy != nil {
		t.Fatalf("failed job must carry no result and no claim")
	}
}

func TestFailWithoutCountingAttempt(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, newTestClock())
	job := mustCreate(t, st, models.NewJob{HandlerName: "ghost"})
	mustClaim(t, st, "w")

	if err := st.Fail(ctx, job.ID, "w", Failure{Message: "handler not found"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.Attempts)
	}
}

func TestFinalizeRequiresClaim(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, newTestClock())
	job := mustCreate(t, st, models.NewJob{HandlerName: "h"})

	if err := st.Complete(ctx, job.ID, "w", nil); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("complete on pending job: expected ErrClaimLost, got %v", err)
	}
	mustClaim(t, st, "w1")
	if err := st.Fail(ctx, job.ID, "w2", Failure{Message: "x"}); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("fail by other worker: expected ErrClaimLost, got %v", err)
	}
	if err := st.ExtendLease(ctx, job.ID, "w2", time.Minute); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("extend by other worker: expected ErrClaimLost, got %v", err)
	}
	if err := st.ExtendLease(ctx, job.ID, "w1", time.Minute); err != nil {
		t.Fatalf("extend by owner: %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, newTestClock())
	pending := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	if err := st.CancelJob(ctx, pending.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	got, _ := st.GetJob(ctx, pending.ID)
	if got.Status != models.StatusCancelled || got.CompletedAt == nil {
		t.Fatalf("unexpected cancelled job: %+v", got)
	}

	running := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	mustClaim(t, st, "w")
	if err := st.CancelJob(ctx, running.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel running: expected ErrInvalidState, got %v", err)
	}
	if err := st.CancelJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing: expected ErrNotFound, got %v", err)
	}
}

func TestRetryJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, newTestClock())
	job := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	if err := st.RetryJob(ctx, job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("retry pending: expected ErrInvalidState, got %v", err)
	}

	mustClaim(t, st, "w")
	if err := st.Fail(ctx, job.ID, "w", Failure{Message: "boom", CountAttempt: true}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := st.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("retry failed job: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusPending || got.Attempts != 0 || got.ErrorMessage != nil || got.ScheduledFor != nil {
		t.Fatalf("unexpected retried job: %+v", got)
	}
	if again := mustClaim(t, st, "w"); again == nil || again.ID != job.ID {
		t.Fatalf("retried job should be claimable")
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newTestStore(t, clock)
	job := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	mustClaim(t, st, "w")

	ids, err := st.RequeueExpired(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("nothing should expire yet: ids=%v err=%v", ids, err)
	}
	clock.Advance(2 * time.Minute)
	ids, err = st.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("requeued = %v", ids)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusPending || got.ClaimedBy != nil || got.Attempts != 0 {
		t.Fatalf("unexpected requeued job: %+v", got)
	}
	logs, _ := st.ListLogs(ctx, job.ID)
	if len(logs) != 1 || logs[0].Level != models.LevelWarn {
		t.Fatalf("expected one warn log, got %+v", logs)
	}
	if err := st.Complete(ctx, job.ID, "w", nil); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("late completion should lose the claim, got %v", err)
	}
}

func TestProgressLogsAndArtifacts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, newTestClock())
	job := mustCreate(t, st, models.NewJob{HandlerName: "h"})

	if err := st.UpdateProgress(ctx, job.ID, 50, "half"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("progress on pending job: expected ErrInvalidState, got %v", err)
	}
	mustClaim(t, st, "w")
	if err := st.UpdateProgress(ctx, job.ID, 150, "over"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.ProgressPercentage != 100 || got.ProgressMessage == nil || *got.ProgressMessage != "over" {
		t.Fatalf("progress not clamped: %+v", got)
	}

	for _, msg := range []string{"one", "two"} {
		if err := st.AppendLog(ctx, models.JobLogEntry{JobID: job.ID, Level: models.LevelInfo, Message: msg, Metadata: map[string]any{"k": msg}}); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	logs, err := st.ListLogs(ctx, job.ID)
	if err != nil || len(logs) != 2 || logs[0].Message != "one" || logs[1].Metadata["k"] != "two" {
		t.Fatalf("logs = %+v err=%v", logs, err)
	}
	if err := st.AppendLog(ctx, models.JobLogEntry{JobID: "missing", Level: models.LevelInfo, Message: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("log for missing job: expected ErrNotFound, got %v", err)
	}

	art, err := st.CreateArtifact(ctx, models.JobArtifact{JobID: job.ID, ArtifactType: "report", StorageLocator: "file:///tmp/r", SizeBytes: 12})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if art.MimeType != "application/octet-stream" {
		t.Fatalf("mime default = %q", art.MimeType)
	}
	arts, _ := st.ListArtifacts(ctx, job.ID)
	if len(arts) != 1 || arts[0].ID != art.ID {
		t.Fatalf("artifacts = %+v", arts)
	}
}

func TestRetentionCascades(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newTestStore(t, clock)
	old := mustCreate(t, st, models.NewJob{HandlerName: "h"})
	mustClaim(t, st, "w")
	if err := st.Complete(ctx, old.ID, "w", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_ = st.AppendLog(ctx, models.JobLogEntry{JobID: old.ID, Level: models.LevelInfo, Message: "done"})
	expires := clock.Now().Add(time.Hour)
	if _, err := st.CreateArtifact(ctx, models.JobArtifact{JobID: old.ID, ArtifactType: "out", StorageLocator: "x", ExpiresAt: &expires}); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	clock.Advance(48 * time.Hour)
	fresh := mustCreate(t, st, models.NewJob{HandlerName: "h"})

	expired, err := st.ExpiredArtifacts(ctx, 0)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expired artifacts = %+v err=%v", expired, err)
	}
	cutoff := clock.Now().Add(-24 * time.Hour)
	owned, _ := st.ArtifactsOfJobsFinishedBefore(ctx, cutoff)
	if len(owned) != 1 {
		t.Fatalf("artifacts of old jobs = %+v", owned)
	}
	n, err := st.DeleteJobsFinishedBefore(ctx, cutoff, nil)
	if err != nil || n != 1 {
		t.Fatalf("deleted = %d err=%v", n, err)
	}
	if _, err := st.GetJob(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old job should be gone, got %v", err)
	}
	if logs, _ := st.ListLogs(ctx, old.ID); len(logs) != 0 {
		t.Fatalf("logs should cascade, got %d", len(logs))
	}
	if _, err := st.GetJob(ctx, fresh.ID); err != nil {
		t.Fatalf("pending job must survive retention: %v", err)
	}
}

func TestDeleteJobsFinishedBeforeKeepsListedJobs(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newTestStore(t, clock)
	var ids []string
	for i := 0; i < 3; i++ {
		job := mustCreate(t, st, models.NewJob{HandlerName: "h"})
		mustClaim(t, st, "w")
		if err := st.Complete(ctx, job.ID, "w", nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
		ids = append(ids, job.ID)
	}
	clock.Advance(48 * time.Hour)

	n, err := st.DeleteJobsFinishedBefore(ctx, clock.Now().Add(-time.Hour), ids[1:])
	if err != nil || n != 1 {
		t.Fatalf("deleted = %d err=%v", n, err)
	}
	if _, err := st.GetJob(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unlisted job should be gone, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := st.GetJob(ctx, id); err != nil {
			t.Fatalf("kept job %s: %v", id, err)
		}
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newTestStore(t, clock)
	a := mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "q1"})
	b := mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "q1"})
	mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "q2"})
	mustClaim(t, st, "w")
	mustClaim(t, st, "w")
	clock.Advance(2 * time.Second)
	_ = st.Complete(ctx, a.ID, "w", nil)
	_ = st.Fail(ctx, b.ID, "w", Failure{Message: "x", CountAttempt: true})

	qs, err := st.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if len(qs) != 2 || qs[0].QueueName != "q1" || qs[0].Total != 2 {
		t.Fatalf("queue stats = %+v", qs)
	}
	if qs[0].Counts[models.StatusCompleted] != 1 || qs[0].Counts[models.StatusFailed] != 1 || qs[0].Counts[models.StatusRunning] != 0 {
		t.Fatalf("q1 counts = %+v", qs[0].Counts)
	}

	perf, err := st.HandlerPerformance(ctx)
	if err != nil || len(perf) != 1 {
		t.Fatalf("performance = %+v err=%v", perf, err)
	}
	p := perf[0]
	if p.Completed != 1 || p.Failed != 1 || p.FailureRate != 0.5 {
		t.Fatalf("unexpected performance: %+v", p)
	}
	if p.AvgDurationSecs < 1.9 || p.AvgDurationSecs > 2.1 {
		t.Fatalf("avg duration = %v", p.AvgDurationSecs)
	}
}

func TestDefinitionsAndPromotion(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newTestStore(t, clock)
	interval := 60
	def, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "hourly", HandlerName: "system.echo", ScheduleIntervalMinutes: &interval, IsEnabled: true,
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "hourly", HandlerName: "system.echo", ScheduleIntervalMinutes: &interval, IsEnabled: true,
	}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	due, err := st.DueDefinitions(ctx)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %+v err=%v", due, err)
	}
	next := clock.Now().Add(time.Hour)
	promo := Promotion{Definition: due[0], Job: models.NewJob{HandlerName: def.HandlerName}, NextRunAt: next}

	job, ok, err := st.PromoteDefinition(ctx, promo)
	if err != nil || !ok {
		t.Fatalf("first promotion: ok=%v err=%v", ok, err)
	}
	if job.JobDefinitionID == nil || *job.JobDefinitionID != def.ID {
		t.Fatalf("job should reference definition: %+v", job)
	}
	if _, ok, err := st.PromoteDefinition(ctx, promo); err != nil || ok {
		t.Fatalf("stale promotion must not fire: ok=%v err=%v", ok, err)
	}

	got, _ := st.GetDefinition(ctx, def.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) || got.LastRunAt == nil {
		t.Fatalf("definition not advanced: %+v", got)
	}
	if due, _ := st.DueDefinitions(ctx); len(due) != 0 {
		t.Fatalf("definition should not be due before next run")
	}

	if err := st.SetDefinitionEnabled(ctx, def.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if due, _ := st.DueDefinitions(ctx); len(due) != 0 {
		t.Fatalf("disabled definition must not be due")
	}
	if err := st.DeleteDefinition(ctx, def.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteDefinition(ctx, def.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetJob(ctx, job.ID); err != nil {
		t.Fatalf("spawned job must outlive its definition: %v", err)
	}
}

func TestListJobsFilters(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newTestStore(t, clock)
	mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "a"})
	clock.Advance(time.Second)
	latest := mustCreate(t, st, models.NewJob{HandlerName: "h", QueueName: "b"})

	all, err := st.ListJobs(ctx, models.JobFilter{})
	if err != nil || len(all) != 2 || all[0].ID != latest.ID {
		t.Fatalf("list = %+v err=%v", all, err)
	}
	onlyA, _ := st.ListJobs(ctx, models.JobFilter{Queue: "a"})
	if len(onlyA) != 1 {
		t.Fatalf("queue filter = %+v", onlyA)
	}
	running, _ := st.ListJobs(ctx, models.JobFilter{Status: models.StatusRunning})
	if len(running) != 0 {
		t.Fatalf("status filter = %+v", running)
	}
	limited, _ := st.ListJobs(ctx, models.JobFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit = %+v", limited)
	}
}

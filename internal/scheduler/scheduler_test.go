package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"jobengine/internal/models"
	"jobengine/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*store.SQLite, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st, clock
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func at(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, time.UTC) }

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name     string
		interval *int
		cron     *string
		wantErr  bool
	}{
		{name: "interval", interval: intPtr(60)},
		{name: "cron", cron: strPtr("*/15 * * * *")},
		{name: "descriptor", cron: strPtr("@daily")},
		{name: "every", cron: strPtr("@every 10m")},
		{name: "both", interval: intPtr(5), cron: strPtr("@daily"), wantErr: true},
		{name: "neither", wantErr: true},
		{name: "blank cron", cron: strPtr("  "), wantErr: true},
		{name: "zero interval", interval: intPtr(0), wantErr: true},
		{name: "negative interval", interval: intPtr(-5), wantErr: true},
		{name: "garbage cron", cron: strPtr("every tuesday"), wantErr: true},
		{name: "six fields", cron: strPtr("0 0 * * * *"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchedule(tt.interval, tt.cron)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("expected ErrInvalidSchedule, got %v", err)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	now := at(9, 7)
	tests := []struct {
		name string
		def  models.JobDefinition
		want time.Time
	}{
		{name: "interval", def: models.JobDefinition{ScheduleIntervalMinutes: intPtr(60)}, want: at(10, 7)},
		{name: "quarter hour", def: models.JobDefinition{ScheduleCron: strPtr("*/15 * * * *")}, want: at(9, 15)},
		{name: "hourly", def: models.JobDefinition{ScheduleCron: strPtr("@hourly")}, want: at(10, 0)},
		{name: "daily", def: models.JobDefinition{ScheduleCron: strPtr("30 2 * * *")}, want: time.Date(2024, 5, 2, 2, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.def, now)
			if err != nil {
				t.Fatalf("next run: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextRunIsStrictlyAfterNow(t *testing.T) {
	now := at(9, 15)
	got, err := NextRun(models.JobDefinition{ScheduleCron: strPtr("*/15 * * * *")}, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !got.Equal(at(9, 30)) {
		t.Fatalf("next = %s, want 09:30", got)
	}
}

func TestSweepIntervalDefinition(t *testing.T) {
	ctx := context.Background()
	st, clock := setup(t)
	def, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "hourly-report", HandlerName: "report", ScheduleIntervalMinutes: intPtr(60), IsEnabled: true,
		Parameters: map[string]any{"kind": "daily"}, Priority: 4, QueueName: "reports",
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}
	s := New(st, logr.Discard(), WithClock(clock.Now))

	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Promoted != 1 {
		t.Fatalf("first sweep = %+v", res)
	}
	runAt := clock.Now()

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Minute)
		res, err := s.Sweep(ctx)
		if err != nil || res.Promoted != 0 {
			t.Fatalf("repeat sweep %d promoted again: %+v err=%v", i, res, err)
		}
	}

	got, _ := st.GetDefinition(ctx, def.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(runAt) {
		t.Fatalf("last_run_at = %v, want %s", got.LastRunAt, runAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(runAt.Add(60*time.Minute)) {
		t.Fatalf("next_run_at = %v, want T+60m", got.NextRunAt)
	}

	jobs, _ := st.ListJobs(ctx, models.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if j.HandlerName != "report" || j.QueueName != "reports" || j.Priority != 4 || j.Parameters["kind"] != "daily" {
		t.Fatalf("job does not carry definition fields: %+v", j)
	}
	if j.JobDefinitionID == nil || *j.JobDefinitionID != def.ID {
		t.Fatalf("job_definition_id = %v", j.JobDefinitionID)
	}

	clock.Advance(30 * time.Minute)
	if res, _ := s.Sweep(ctx); res.Promoted != 1 {
		t.Fatalf("next window should promote once: %+v", res)
	}
}

func TestConcurrentSweepsPromoteOnce(t *testing.T) {
	ctx := context.Background()
	st, clock := setup(t)
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "cleanup", HandlerName: "cleanup", ScheduleCron: strPtr("@hourly"), IsEnabled: true,
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := New(st, logr.Discard(), WithClock(clock.Now))
			if _, err := s.Sweep(ctx); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	wg.Wait()
	jobs, _ := st.ListJobs(ctx, models.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one promoted job, got %d", len(jobs))
	}
}

func TestSweepSkipsDisabledAndMalformed(t *testing.T) {
	ctx := context.Background()
	st, clock := setup(t)
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "broken", HandlerName: "h", ScheduleCron: strPtr("not a cron"), IsEnabled: true,
	}); err != nil {
		t.Fatalf("create broken: %v", err)
	}
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "off", HandlerName: "h", ScheduleIntervalMinutes: intPtr(5), IsEnabled: false,
	}); err != nil {
		t.Fatalf("create disabled: %v", err)
	}
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "ok", HandlerName: "h", ScheduleIntervalMinutes: intPtr(5), IsEnabled: true,
	}); err != nil {
		t.Fatalf("create ok: %v", err)
	}

	res, err := New(st, logr.Discard(), WithClock(clock.Now)).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Due != 2 || res.Promoted != 1 || res.Failed != 1 {
		t.Fatalf("sweep result = %+v", res)
	}
}

func TestSweepHonoursFutureNextRun(t *testing.T) {
	ctx := context.Background()
	st, clock := setup(t)
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "later", HandlerName: "h", ScheduleIntervalMinutes: intPtr(5), IsEnabled: true,
		NextRunAt: timePtr(clock.Now().Add(time.Hour)),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := New(st, logr.Discard(), WithClock(clock.Now))
	if res, _ := s.Sweep(ctx); res.Due != 0 {
		t.Fatalf("definition is not due yet: %+v", res)
	}
	clock.Advance(time.Hour)
	if res, _ := s.Sweep(ctx); res.Promoted != 1 {
		t.Fatalf("definition should be promoted at next_run_at: %+v", res)
	}
}

type stubLock struct {
	held     bool
	released bool
}

func (l *stubLock) Acquire(context.Context) (bool, error) { return l.held, nil }
func (l *stubLock) Release(context.Context) error {
	l.released = true
	return nil
}

func TestSweepRequiresLock(t *testing.T) {
	ctx := context.Background()
	st, clock := setup(t)
	if _, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "d", HandlerName: "h", ScheduleIntervalMinutes: intPtr(5), IsEnabled: true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	lock := &stubLock{}
	s := New(st, logr.Discard(), WithClock(clock.Now), WithLock(lock))
	if res, _ := s.Sweep(ctx); res.Promoted != 0 {
		t.Fatalf("non-leader must not promote: %+v", res)
	}
	lock.held = true
	if res, _ := s.Sweep(ctx); res.Promoted != 1 {
		t.Fatalf("leader should promote: %+v", res)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	queues []string
}

func (n *recordingNotifier) Notify(_ context.Context, queue string) error {
	n.mu.Lock()
	n.queues = append(n.queues, queue)
	n.mu.Unlock()
	return nil
}

func TestRunSweepsImmediatelyAndReleasesLock(t *testing.T) {
	st, clock := setup(t)
	if _, err := st.CreateDefinition(context.Background(), models.JobDefinition{
		Name: "d", HandlerName: "h", QueueName: "q", ScheduleIntervalMinutes: intPtr(5), IsEnabled: true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	lock := &stubLock{held: true}
	notifier := &recordingNotifier{}
	s := New(st, logr.Discard(), WithClock(clock.Now), WithLock(lock), WithNotifier(notifier), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		notifier.mu.Lock()
		n := len(notifier.queues)
		notifier.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup sweep did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if !lock.released {
		t.Fatalf("lock should be released on shutdown")
	}
	if notifier.queues[0] != "q" {
		t.Fatalf("notified queues = %v", notifier.queues)
	}
}

func TestPromotionStampsLastRunFromSweepClock(t *testing.T) {
	ctx := context.Background()
	st, storeClock := setup(t)
	storeClock.Advance(37 * time.Second)
	sweepClock := &fakeClock{now: at(9, 0)}
	def, err := st.CreateDefinition(ctx, models.JobDefinition{
		Name: "hourly", HandlerName: "report", ScheduleIntervalMinutes: intPtr(60), IsEnabled: true,
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}

	if res, err := New(st, logr.Discard(), WithClock(sweepClock.Now)).Sweep(ctx); err != nil || res.Promoted != 1 {
		t.Fatalf("sweep = %+v err=%v", res, err)
	}
	got, err := st.GetDefinition(ctx, def.ID)
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(at(9, 0)) {
		t.Fatalf("last_run_at = %v, want 09:00", got.LastRunAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(at(10, 0)) {
		t.Fatalf("next_run_at = %v, want 10:00", got.NextRunAt)
	}
}

func TestIntervalGapIsExactWithWallClock(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for i := 0; i < 25; i++ {
		if _, err := st.CreateDefinition(ctx, models.JobDefinition{
			Name: "every-hour-" + string(rune('a'+i)), HandlerName: "report",
			ScheduleIntervalMinutes: intPtr(60), IsEnabled: true,
		}); err != nil {
			t.Fatalf("create definition: %v", err)
		}
	}

	if res, err := New(st, logr.Discard()).Sweep(ctx); err != nil || res.Promoted != 25 {
		t.Fatalf("sweep = %+v err=%v", res, err)
	}
	defs, err := st.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, d := range defs {
		if d.LastRunAt == nil || d.NextRunAt == nil {
			t.Fatalf("%s not stamped: %+v", d.Name, d)
		}
		if gap := d.NextRunAt.Sub(*d.LastRunAt); gap != time.Hour {
			t.Fatalf("%s: next_run_at - last_run_at = %s, want 1h", d.Name, gap)
		}
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"jobengine/internal/models"
)

const jobColumns = `id, job_type, handler_name, queue_name, priority, parameters, status, attempts, max_attempts,
	progress_percentage, progress_message, result, error_message, error_detail, claimed_by, lease_expires_at,
	scheduled_for, job_definition_id, submitted_by, created_at, started_at, completed_at`

const artifactColumns = `id, job_id, artifact_type, storage_locator, size_bytes, mime_type, expires_at, created_at`

const definitionColumns = `id, name, job_type, handler_name, queue_name, priority, max_attempts, parameters,
	schedule_interval_minutes, schedule_cron, is_enabled, last_run_at, next_run_at, created_at, updated_at`

const terminalStatuses = `('completed','failed','cancelled')`

// SQLite is a single-node Store over an embedded SQLite database. SQLite serialises
// writers, so the single-statement UPDATE ... RETURNING claim is linearizable.
type SQLite struct {
	db   *sql.DB
	opts options
}

var _ Store = (*SQLite)(nil)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// OpenSQLite opens (creating if needed) the database file at path with WAL and
// foreign keys enabled. Pass ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and writers strictly serialised.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, opts: o}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// RunMigrations applies the embedded SQLite schema.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}

// CreateJob inserts a pending job.
func (s *SQLite) CreateJob(ctx context.Context, in models.NewJob) (models.Job, error) {
	now := s.opts.now()
	job := newJobFrom(uuid.New().String(), s.opts.normalizeNewJob(in, now), now)
	if err := s.insertJob(ctx, s.db, job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *SQLite) insertJob(ctx context.Context, q sqlQuerier, job models.Job) error {
	params, err := marshalJSON(job.Parameters)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, handler_name, queue_name, priority, parameters, status, attempts, max_attempts,
			scheduled_for, job_definition_id, submitted_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`, job.ID, job.JobType, job.HandlerName, job.QueueName, job.Priority, string(params), string(job.Status),
		job.MaxAttempts, nullMicros(job.ScheduledFor), job.JobDefinitionID, job.SubmittedBy, micros(job.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *SQLite) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Queue != "" {
		q += ` AND queue_name = ?`
		args = append(args, f.Queue)
	}
	q += ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNext marks the best eligible pending job as running for workerID.
func (s *SQLite) ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*models.Job, error) {
	now := s.opts.now()
	args := []any{workerID, micros(now), micros(now.Add(lease)), micros(now)}
	queueFilter := ""
	if len(queues) > 0 {
		queueFilter = ` AND queue_name IN (` + placeholders(len(queues)) + `)`
		for _, q := range queues {
			args = append(args, q)
		}
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', claimed_by = ?, started_at = ?, lease_expires_at = ?
		WHERE status = 'pending' AND id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= ?)`+queueFilter+`
			ORDER BY priority DESC, COALESCE(scheduled_for, created_at) ASC, created_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// ExtendLease pushes the lease deadline of a job the worker still holds.
func (s *SQLite) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND claimed_by = ?
	`, micros(s.opts.now().Add(lease)), jobID, workerID)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireClaim(res, jobID)
}

// Release returns a held job to pending with attempts unchanged.
func (s *SQLite) Release(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, started_at = NULL
		WHERE id = ? AND status = 'running' AND claimed_by = ?
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return requireClaim(res, jobID)
}

// Complete records the result of a job the worker still holds.
func (s *SQLite) Complete(ctx context.Context, jobID, workerID string, result any) error {
	raw, err := marshalJSON(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', result = ?, progress_percentage = 100, completed_at = ?,
			claimed_by = NULL, lease_expires_at = NULL, error_message = NULL, error_detail = NULL
		WHERE id = ? AND status = 'running' AND claimed_by = ?
	`, nullBytes(raw), micros(s.opts.now()), jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireClaim(res, jobID)
}

// Fail records a handler failure on a job the worker still holds.
func (s *SQLite) Fail(ctx context.Context, jobID, workerID string, f Failure) error {
	inc := 0
	if f.CountAttempt {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', attempts = attempts + ?, error_message = ?, error_detail = ?, completed_at = ?,
			result = NULL, claimed_by = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND claimed_by = ?
	`, inc, f.Message, emptyToNil(f.Detail), micros(s.opts.now()), jobID, workerID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return requireClaim(res, jobID)
}

// RequeueExpired returns running jobs with an expired lease to pending.
func (s *SQLite) RequeueExpired(ctx context.Context) ([]string, error) {
	now := s.opts.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, started_at = NULL
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		RETURNING id
	`, micros(now))
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan requeued id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, level, message, metadata, logged_at) VALUES (?, ?, ?, NULL, ?)
		`, id, models.LevelWarn, leaseExpiredMessage, micros(now)); err != nil {
			return nil, fmt.Errorf("log requeue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// CancelJob moves a pending job to cancelled.
func (s *SQLite) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'pending'
	`, micros(s.opts.now()), id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return s.requireTransition(ctx, res, "cancel", id)
}

// RetryJob resets a failed job to pending with attempts and error fields cleared.
func (s *SQLite) RetryJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, error_message = NULL, error_detail = NULL, scheduled_for = NULL,
			started_at = NULL, completed_at = NULL, progress_percentage = 0, progress_message = NULL, result = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return s.requireTransition(ctx, res, "retry", id)
}

// UpdateProgress overwrites the progress fields of a running job.
func (s *SQLite) UpdateProgress(ctx context.Context, jobID string, percentage int, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percentage = ?, progress_message = ?
		WHERE id = ? AND status = 'running'
	`, clampPercentage(percentage), emptyToNil(message), jobID)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return s.requireTransition(ctx, res, "update progress of", jobID)
}

// AppendLog adds a log entry for a job.
func (s *SQLite) AppendLog(ctx context.Context, e models.JobLogEntry) error {
	meta, err := marshalJSON(nilIfEmpty(e.Metadata))
	if err != nil {
		return err
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = s.opts.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, level, message, metadata, logged_at) VALUES (?, ?, ?, ?, ?)
	`, e.JobID, e.Level, e.Message, nullBytes(meta), micros(e.LoggedAt))
	if err != nil {
		if isSQLiteForeignKey(err) {
			return fmt.Errorf("job %s: %w", e.JobID, ErrNotFound)
		}
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns a job's log entries in append order.
func (s *SQLite) ListLogs(ctx context.Context, jobID string) ([]models.JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, level, message, metadata, logged_at FROM job_logs WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	var out []models.JobLogEntry
	for rows.Next() {
		var (
			e      models.JobLogEntry
			meta   []byte
			logged int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &meta, &logged); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if len(meta) > 0 {
			if e.Metadata, err = unmarshalObject(meta); err != nil {
				return nil, err
			}
		}
		e.LoggedAt = fromMicros(logged)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateArtifact links a stored object to a job.
func (s *SQLite) CreateArtifact(ctx context.Context, a models.JobArtifact) (models.JobArtifact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.MimeType == "" {
		a.MimeType = "application/octet-stream"
	}
	a.CreatedAt = s.opts.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.JobID, a.ArtifactType, a.StorageLocator, a.SizeBytes, a.MimeType, nullMicros(a.ExpiresAt), micros(a.CreatedAt))
	if err != nil {
		if isSQLiteForeignKey(err) {
			return models.JobArtifact{}, fmt.Errorf("job %s: %w", a.JobID, ErrNotFound)
		}
		return models.JobArtifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a job's artifacts oldest first.
func (s *SQLite) ListArtifacts(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM job_artifacts WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
}

// ExpiredArtifacts returns artifacts whose expiry has passed.
func (s *SQLite) ExpiredArtifacts(ctx context.Context, limit int) ([]models.JobArtifact, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryArtifacts(ctx, `
		SELECT `+artifactColumns+` FROM job_artifacts
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?
	`, micros(s.opts.now()), limit)
}

// ArtifactsOfJobsFinishedBefore lists artifacts owned by terminal jobs finished before cutoff.
func (s *SQLite) ArtifactsOfJobsFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.JobArtifact, error) {
	return s.queryArtifacts(ctx, `
		SELECT a.id, a.job_id, a.artifact_type, a.storage_locator, a.size_bytes, a.mime_type, a.expires_at, a.created_at
		FROM job_artifacts a JOIN jobs j ON j.id = a.job_id
		WHERE j.status IN `+terminalStatuses+` AND j.completed_at < ?
	`, micros(cutoff))
}

func (s *SQLite) queryArtifacts(ctx context.Context, q string, args ...any) ([]models.JobArtifact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []models.JobArtifact
	for rows.Next() {
		var (
			a       models.JobArtifact
			expires sql.NullInt64
			created int64
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.ArtifactType, &a.StorageLocator, &a.SizeBytes, &a.MimeType, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.ExpiresAt = timePtr(expires)
		a.CreatedAt = fromMicros(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifacts removes artifact rows by id.
func (s *SQLite) DeleteArtifacts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_artifacts WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

// DeleteJobsFinishedBefore purges terminal jobs, cascading to their logs and artifacts.
func (s *SQLite) DeleteJobsFinishedBefore(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	q := `DELETE FROM jobs WHERE status IN ` + terminalStatuses + ` AND completed_at < ?`
	args := []any{micros(cutoff)}
	if len(keep) > 0 {
		q += ` AND id NOT IN (` + placeholders(len(keep)) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

// QueueStats counts jobs by status for each queue.
func (s *SQLite) QueueStats(ctx context.Context) ([]models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_name, status, COUNT(*) FROM jobs GROUP BY queue_name, status ORDER BY queue_name
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	acc := newQueueStatsAccumulator()
	for rows.Next() {
		var (
			queue, status string
			n             int
		)
		if err := rows.Scan(&queue, &status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		acc.add(queue, models.JobStatus(status), n)
	}
	return acc.result(), rows.Err()
}

// HandlerPerformance aggregates finished jobs per handler.
func (s *SQLite) HandlerPerformance(ctx context.Context) ([]models.HandlerPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handler_name,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN started_at IS NOT NULL AND completed_at IS NOT NULL
				THEN (completed_at - started_at) / 1000000.0 END), 0)
		FROM jobs
		WHERE status IN ('completed','failed')
		GROUP BY handler_name
		ORDER BY handler_name
	`)
	if err != nil {
		return nil, fmt.Errorf("handler performance: %w", err)
	}
	defer rows.Close()
	var out []models.HandlerPerformance
	for rows.Next() {
		var p models.HandlerPerformance
		if err := rows.Scan(&p.HandlerName, &p.Completed, &p.Failed, &p.AvgDurationSecs); err != nil {
			return nil, fmt.Errorf("scan handler performance: %w", err)
		}
		p.FailureRate = failureRate(p.Completed, p.Failed)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateDefinition inserts a job definition.
func (s *SQLite) CreateDefinition(ctx context.Context, d models.JobDefinition) (models.JobDefinition, error) {
	now := s.opts.now()
	d = s.opts.normalizeDefinition(d, now)
	params, err := marshalJSON(d.Parameters)
	if err != nil {
		return models.JobDefinition{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.JobType, d.HandlerName, d.QueueName, d.Priority, d.MaxAttempts, string(params),
		d.ScheduleIntervalMinutes, d.ScheduleCron, d.IsEnabled, nullMicros(d.LastRunAt), nullMicros(d.NextRunAt),
		micros(d.CreatedAt), micros(d.UpdatedAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return models.JobDefinition{}, fmt.Errorf("definition %q: %w", d.Name, ErrDuplicate)
		}
		return models.JobDefinition{}, fmt.Errorf("insert definition: %w", err)
	}
	return d, nil
}

// GetDefinition fetches a definition by id.
func (s *SQLite) GetDefinition(ctx context.Context, id string) (models.JobDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM job_definitions WHERE id = ?`, id)
	d, err := scanSQLiteDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobDefinition{}, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.JobDefinition{}, fmt.Errorf("scan definition: %w", err)
	}
	return d, nil
}

// ListDefinitions returns all definitions ordered by name.
func (s *SQLite) ListDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM job_definitions ORDER BY name`)
}

// DueDefinitions returns enabled definitions whose next run is unset or has passed.
func (s *SQLite) DueDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM job_definitions
		WHERE is_enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY COALESCE(next_run_at, 0), name
	`, micros(s.opts.now()))
}

func (s *SQLite) queryDefinitions(ctx context.Context, q string, args ...any) ([]models.JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()
	var out []models.JobDefinition
	for rows.Next() {
		d, err := scanSQLiteDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDefinitionEnabled toggles whether the scheduler may promote a definition.
func (s *SQLite) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_definitions SET is_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, micros(s.opts.now()), id)
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	return requireRow(res, "definition", id)
}

// DeleteDefinition removes a definition. Jobs it spawned keep their back-reference.
func (s *SQLite) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	return requireRow(res, "definition", id)
}

// PromoteDefinition advances the definition and inserts its job in one transaction.
func (s *SQLite) PromoteDefinition(ctx context.Context, p Promotion) (models.Job, bool, error) {
	now := p.at(s.opts.now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE job_definitions SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND is_enabled = 1 AND next_run_at IS ?
	`, micros(now), micros(p.NextRunAt), micros(now), p.Definition.ID, nullMicros(p.Definition.NextRunAt))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("advance definition: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Job{}, false, err
	} else if n == 0 {
		return models.Job{}, false, nil
	}

	in := p.Job
	in.JobDefinitionID = &p.Definition.ID
	job := newJobFrom(uuid.New().String(), s.opts.normalizeNewJob(in, now), now)
	if err := s.insertJob(ctx, tx, job); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

func (s *SQLite) requireTransition(ctx context.Context, res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	return transitionError(op, id, models.JobStatus(status))
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		j                                                           models.Job
		params, result                                              []byte
		status                                                      string
		progressMsg, errMsg, errDetail, claimedBy, defID, submitter sql.NullString
		lease, scheduled, started, completed                        sql.NullInt64
		created                                                     int64
	)
	if err := row.Scan(&j.ID, &j.JobType, &j.HandlerName, &j.QueueName, &j.Priority, &params, &status, &j.Attempts,
		&j.MaxAttempts, &j.ProgressPercentage, &progressMsg, &result, &errMsg, &errDetail, &claimedBy, &lease,
		&scheduled, &defID, &submitter, &created, &started, &completed); err != nil {
		return models.Job{}, err
	}
	var err error
	if j.Parameters, err = unmarshalObject(params); err != nil {
		return models.Job{}, err
	}
	if j.Result, err = unmarshalAny(result); err != nil {
		return models.Job{}, err
	}
	j.Status = models.JobStatus(status)
	j.ProgressMessage = stringPtr(progressMsg)
	j.ErrorMessage = stringPtr(errMsg)
	j.ErrorDetail = stringPtr(errDetail)
	j.ClaimedBy = stringPtr(claimedBy)
	j.JobDefinitionID = stringPtr(defID)
	j.SubmittedBy = stringPtr(submitter)
	j.LeaseExpiresAt = timePtr(lease)
	j.ScheduledFor = timePtr(scheduled)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.CreatedAt = fromMicros(created)
	return j, nil
}

func scanSQLiteDefinition(row rowScanner) (models.JobDefinition, error) {
	var (
		d                models.JobDefinition
		params           []byte
		interval         sql.NullInt64
		cron             sql.NullString
		lastRun, nextRun sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.JobType, &d.HandlerName, &d.QueueName, &d.Priority, &d.MaxAttempts, &params,
		&interval, &cron, &d.IsEnabled, &lastRun, &nextRun, &created, &updated); err != nil {
		return models.JobDefinition{}, err
	}
	var err error
	if d.Parameters, err = unmarshalObject(params); err != nil {
		return models.JobDefinition{}, err
	}
	if interval.Valid {
		v := int(interval.Int64)
		d.ScheduleIntervalMinutes = &v
	}
	d.ScheduleCron = stringPtr(cron)
	d.LastRunAt = timePtr(lastRun)
	d.NextRunAt = timePtr(nextRun)
	d.CreatedAt = fromMicros(created)
	d.UpdatedAt = fromMicros(updated)
	return d, nil
}

func requireClaim(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrClaimLost)
	}
	return nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullBytes(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobengine/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence. Claims use FOR UPDATE SKIP LOCKED
// so concurrent workers pass over rows another claimer holds instead of blocking.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

var _ Store = (*Postgres)(nil)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OpenPostgres creates a pooled connection to Postgres.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, opts: o}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// CreateJob inserts a pending job.
func (s *Postgres) CreateJob(ctx context.Context, in models.NewJob) (models.Job, error) {
	now := s.opts.now()
	job := newJobFrom(uuid.New().String(), s.opts.normalizeNewJob(in, now), now)
	if err := insertPgJob(ctx, s.pool, job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func insertPgJob(ctx context.Context, q pgQuerier, job models.Job) error {
	params, err := marshalJSON(job.Parameters)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO jobs (id, job_type, handler_name, queue_name, priority, parameters, status, attempts, max_attempts,
			scheduled_for, job_definition_id, submitted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12)
	`, job.ID, job.JobType, job.HandlerName, job.QueueName, job.Priority, params, string(job.Status),
		job.MaxAttempts, job.ScheduledFor, job.JobDefinitionID, job.SubmittedBy, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Postgres) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Queue != "" {
		args = append(args, f.Queue)
		q += fmt.Sprintf(` AND queue_name = $%d`, len(args))
	}
	q += ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNext marks the best eligible pending job as running for workerID. Rows locked
// by a concurrent claimer are skipped, never waited on.
func (s *Postgres) ClaimNext(ctx context.Context, workerID string, queues []string, lease time.Duration) (*models.Job, error) {
	now := s.opts.now()
	args := []any{workerID, now, now.Add(lease)}
	queueFilter := ""
	if len(queues) > 0 {
		args = append(args, queues)
		queueFilter = ` AND queue_name = ANY($4::text[])`
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', claimed_by = $1, started_at = $2, lease_expires_at = $3
		WHERE status = 'pending' AND id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= $2)`+queueFilter+`
			ORDER BY priority DESC, COALESCE(scheduled_for, created_at) ASC, created_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// ExtendLease pushes the lease deadline of a job the worker still holds.
func (s *Postgres) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
	`, jobID, workerID, s.opts.now().Add(lease))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return claimHeld(tag, jobID)
}

// Release returns a held job to pending with attempts unchanged.
func (s *Postgres) Release(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, started_at = NULL
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return claimHeld(tag, jobID)
}

// Complete records the result of a job the worker still holds.
func (s *Postgres) Complete(ctx context.Context, jobID, workerID string, result any) error {
	raw, err := marshalJSON(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $3, progress_percentage = 100, completed_at = $4,
			claimed_by = NULL, lease_expires_at = NULL, error_message = NULL, error_detail = NULL
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
	`, jobID, workerID, raw, s.opts.now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return claimHeld(tag, jobID)
}

// Fail records a handler failure on a job the worker still holds.
func (s *Postgres) Fail(ctx context.Context, jobID, workerID string, f Failure) error {
	inc := 0
	if f.CountAttempt {
		inc = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', attempts = attempts + $3, error_message = $4, error_detail = $5, completed_at = $6,
			result = NULL, claimed_by = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
	`, jobID, workerID, inc, f.Message, emptyToNil(f.Detail), s.opts.now())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return claimHeld(tag, jobID)
}

// RequeueExpired returns running jobs with an expired lease to pending and logs each one.
func (s *Postgres) RequeueExpired(ctx context.Context) ([]string, error) {
	now := s.opts.now()
	rows, err := s.pool.Query(ctx, `
		WITH requeued AS (
			UPDATE jobs
			SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, started_at = NULL
			WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
			RETURNING id
		), logged AS (
			INSERT INTO job_logs (job_id, level, message, metadata, logged_at)
			SELECT id, $2, $3, NULL, $1 FROM requeued
		)
		SELECT id FROM requeued
	`, now, models.LevelWarn, leaseExpiredMessage)
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan requeued ids: %w", err)
	}
	return ids, nil
}

// CancelJob moves a pending job to cancelled.
func (s *Postgres) CancelJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, s.opts.now())
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return s.requireTransition(ctx, tag, "cancel", id)
}

// RetryJob resets a failed job to pending with attempts and error fields cleared.
func (s *Postgres) RetryJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, error_message = NULL, error_detail = NULL, scheduled_for = NULL,
			started_at = NULL, completed_at = NULL, progress_percentage = 0, progress_message = NULL, result = NULL
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return s.requireTransition(ctx, tag, "retry", id)
}

// UpdateProgress overwrites the progress fields of a running job.
func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, percentage int, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress_percentage = $2, progress_message = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, clampPercentage(percentage), emptyToNil(message))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return s.requireTransition(ctx, tag, "update progress of", jobID)
}

// AppendLog adds a log entry for a job.
func (s *Postgres) AppendLog(ctx context.Context, e models.JobLogEntry) error {
	meta, err := marshalJSON(nilIfEmpty(e.Metadata))
	if err != nil {
		return err
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = s.opts.now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, metadata, logged_at) VALUES ($1, $2, $3, $4, $5)
	`, e.JobID, e.Level, e.Message, meta, e.LoggedAt)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("job %s: %w", e.JobID, ErrNotFound)
		}
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns a job's log entries in append order.
func (s *Postgres) ListLogs(ctx context.Context, jobID string) ([]models.JobLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, metadata, logged_at FROM job_logs WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	var out []models.JobLogEntry
	for rows.Next() {
		var (
			e    models.JobLogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &meta, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if len(meta) > 0 {
			if e.Metadata, err = unmarshalObject(meta); err != nil {
				return nil, err
			}
		}
		e.LoggedAt = e.LoggedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateArtifact links a stored object to a job.
func (s *Postgres) CreateArtifact(ctx context.Context, a models.JobArtifact) (models.JobArtifact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.MimeType == "" {
		a.MimeType = "application/octet-stream"
	}
	a.CreatedAt = s.opts.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_artifacts (`+artifactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.JobID, a.ArtifactType, a.StorageLocator, a.SizeBytes, a.MimeType, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return models.JobArtifact{}, fmt.Errorf("job %s: %w", a.JobID, ErrNotFound)
		}
		return models.JobArtifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a job's artifacts oldest first.
func (s *Postgres) ListArtifacts(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM job_artifacts WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID)
}

// ExpiredArtifacts returns artifacts whose expiry has passed.
func (s *Postgres) ExpiredArtifacts(ctx context.Context, limit int) ([]models.JobArtifact, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryArtifacts(ctx, `
		SELECT `+artifactColumns+` FROM job_artifacts
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, s.opts.now(), limit)
}

// ArtifactsOfJobsFinishedBefore lists artifacts owned by terminal jobs finished before cutoff.
func (s *Postgres) ArtifactsOfJobsFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.JobArtifact, error) {
	return s.queryArtifacts(ctx, `
		SELECT a.id, a.job_id, a.artifact_type, a.storage_locator, a.size_bytes, a.mime_type, a.expires_at, a.created_at
		FROM job_artifacts a JOIN jobs j ON j.id = a.job_id
		WHERE j.status IN `+terminalStatuses+` AND j.completed_at < $1
	`, cutoff)
}

func (s *Postgres) queryArtifacts(ctx context.Context, q string, args ...any) ([]models.JobArtifact, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []models.JobArtifact
	for rows.Next() {
		var (
			a       models.JobArtifact
			expires pgtype.Timestamptz
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.ArtifactType, &a.StorageLocator, &a.SizeBytes, &a.MimeType, &expires, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.ExpiresAt = tsPtr(expires)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifacts removes artifact rows by id.
func (s *Postgres) DeleteArtifacts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_artifacts WHERE id = ANY($1::text[])`, ids); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

// DeleteJobsFinishedBefore purges terminal jobs, cascading to their logs and artifacts.
func (s *Postgres) DeleteJobsFinishedBefore(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN `+terminalStatuses+` AND completed_at < $1 AND NOT (id = ANY($2::text[]))
	`, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueStats counts jobs by status for each queue.
func (s *Postgres) QueueStats(ctx context.Context) ([]models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *Postgres) HandlerPerformance(ctx context.Context) ([]models.HandlerPerformance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT handler_name,
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE started_at IS NOT NULL AND completed_at IS NOT NULL), 0)::float8
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
func (s *Postgres) CreateDefinition(ctx context.Context, d models.JobDefinition) (models.JobDefinition, error) {
	d = s.opts.normalizeDefinition(d, s.opts.now())
	params, err := marshalJSON(d.Parameters)
	if err != nil {
		return models.JobDefinition{}, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, d.ID, d.Name, d.JobType, d.HandlerName, d.QueueName, d.Priority, d.MaxAttempts, params,
		d.ScheduleIntervalMinutes, d.ScheduleCron, d.IsEnabled, d.LastRunAt, d.NextRunAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return models.JobDefinition{}, fmt.Errorf("definition %q: %w", d.Name, ErrDuplicate)
		}
		return models.JobDefinition{}, fmt.Errorf("insert definition: %w", err)
	}
	return d, nil
}

// GetDefinition fetches a definition by id.
func (s *Postgres) GetDefinition(ctx context.Context, id string) (models.JobDefinition, error) {
	d, err := scanPgDefinition(s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM job_definitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobDefinition{}, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.JobDefinition{}, fmt.Errorf("scan definition: %w", err)
	}
	return d, nil
}

// ListDefinitions returns all definitions ordered by name.
func (s *Postgres) ListDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM job_definitions ORDER BY name`)
}

// DueDefinitions returns enabled definitions whose next run is unset or has passed.
func (s *Postgres) DueDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM job_definitions
		WHERE is_enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST, name
	`, s.opts.now())
}

func (s *Postgres) queryDefinitions(ctx context.Context, q string, args ...any) ([]models.JobDefinition, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()
	var out []models.JobDefinition
	for rows.Next() {
		d, err := scanPgDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDefinitionEnabled toggles whether the scheduler may promote a definition.
func (s *Postgres) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_definitions SET is_enabled = $2, updated_at = $3 WHERE id = $1
	`, id, enabled, s.opts.now())
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDefinition removes a definition. Jobs it spawned keep their back-reference.
func (s *Postgres) DeleteDefinition(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}

// PromoteDefinition advances the definition and inserts its job in one transaction.
func (s *Postgres) PromoteDefinition(ctx context.Context, p Promotion) (models.Job, bool, error) {
	now := p.at(s.opts.now)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE job_definitions SET last_run_at = $2, next_run_at = $3, updated_at = $2
		WHERE id = $1 AND is_enabled AND next_run_at IS NOT DISTINCT FROM $4::timestamptz
	`, p.Definition.ID, now, p.NextRunAt, p.Definition.NextRunAt)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("advance definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, false, nil
	}

	in := p.Job
	in.JobDefinitionID = &p.Definition.ID
	job := newJobFrom(uuid.New().String(), s.opts.normalizeNewJob(in, now), now)
	if err := insertPgJob(ctx, tx, job); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) requireTransition(ctx context.Context, tag pgconn.CommandTag, op, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	return transitionError(op, id, models.JobStatus(status))
}

func scanPgJob(row rowScanner) (models.Job, error) {
	var (
		j                                                           models.Job
		params, result                                              []byte
		status                                                      string
		progressMsg, errMsg, errDetail, claimedBy, defID, submitter pgtype.Text
		lease, scheduled, started, completed                        pgtype.Timestamptz
	)
	if err := row.Scan(&j.ID, &j.JobType, &j.HandlerName, &j.QueueName, &j.Priority, &params, &status, &j.Attempts,
		&j.MaxAttempts, &j.ProgressPercentage, &progressMsg, &result, &errMsg, &errDetail, &claimedBy, &lease,
		&scheduled, &defID, &submitter, &j.CreatedAt, &started, &completed); err != nil {
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
	j.ProgressMessage = textPtr(progressMsg)
	j.ErrorMessage = textPtr(errMsg)
	j.ErrorDetail = textPtr(errDetail)
	j.ClaimedBy = textPtr(claimedBy)
	j.JobDefinitionID = textPtr(defID)
	j.SubmittedBy = textPtr(submitter)
	j.LeaseExpiresAt = tsPtr(lease)
	j.ScheduledFor = tsPtr(scheduled)
	j.StartedAt = tsPtr(started)
	j.CompletedAt = tsPtr(completed)
	j.CreatedAt = j.CreatedAt.UTC()
	return j, nil
}

func scanPgDefinition(row rowScanner) (models.JobDefinition, error) {
	var (
		d                models.JobDefinition
		params           []byte
		interval         pgtype.Int4
		cron             pgtype.Text
		lastRun, nextRun pgtype.Timestamptz
	)
	if err := row.Scan(&d.ID, &d.Name, &d.JobType, &d.HandlerName, &d.QueueName, &d.Priority, &d.MaxAttempts, &params,
		&interval, &cron, &d.IsEnabled, &lastRun, &nextRun, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.JobDefinition{}, err
	}
	var err error
	if d.Parameters, err = unmarshalObject(params); err != nil {
		return models.JobDefinition{}, err
	}
	if interval.Valid {
		v := int(interval.Int32)
		d.ScheduleIntervalMinutes = &v
	}
	d.ScheduleCron = textPtr(cron)
	d.LastRunAt = tsPtr(lastRun)
	d.NextRunAt = tsPtr(nextRun)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func claimHeld(tag pgconn.CommandTag, jobID string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrClaimLost)
	}
	return nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

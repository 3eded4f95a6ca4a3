package models

import "time"

// JobDefinition is a template the recurrence scheduler promotes into jobs.
// Exactly one of ScheduleIntervalMinutes and ScheduleCron is set.
type JobDefinition struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"name"`
	JobType                 string         `json:"job_type"`
	HandlerName             string         `json:"handler_name"`
	QueueName               string         `json:"queue_name"`
	Priority                int            `json:"priority"`
	MaxAttempts             int            `json:"max_attempts"`
	Parameters              map[string]any `json:"parameters"`
	ScheduleIntervalMinutes *int           `json:"schedule_interval_minutes,omitempty"`
	ScheduleCron            *string        `json:"schedule_cron,omitempty"`
	IsEnabled               bool           `json:"is_enabled"`
	LastRunAt               *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt               *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// Due reports whether the definition should be promoted at now.
func (d JobDefinition) Due(now time.Time) bool {
	if !d.IsEnabled {
		return false
	}
	return d.NextRunAt == nil || !d.NextRunAt.After(now)
}

// JobLogEntry is an append-only log line owned by a job.
type JobLogEntry struct {
	ID       int64          `json:"id"`
	JobID    string         `json:"job_id"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	LoggedAt time.Time      `json:"logged_at"`
}

// Log levels accepted for job log entries.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// JobArtifact links a stored output object to the job that produced it.
type JobArtifact struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	ArtifactType   string     `json:"artifact_type"`
	StorageLocator string     `json:"storage_locator"`
	SizeBytes      int64      `json:"size_bytes"`
	MimeType       string     `json:"mime_type"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// QueueStats is a read-only aggregate of job counts for one queue.
type QueueStats struct {
	QueueName string            `json:"queue_name"`
	Counts    map[JobStatus]int `json:"counts"`
	Total     int               `json:"total"`
}

// HandlerPerformance aggregates finished-job outcomes for one handler.
type HandlerPerformance struct {
	HandlerName     string  `json:"handler_name"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	AvgDurationSecs float64 `json:"avg_duration_seconds"`
	FailureRate     float64 `json:"failure_rate"`
}

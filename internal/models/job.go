package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// Terminal reports whether the status admits no further worker transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Job represents a unit of asynchronous work persisted in the job store.
type Job struct {
	ID                 string         `json:"id"`
	JobType            string         `json:"job_type"`
	HandlerName        string         `json:"handler_name"`
	QueueName          string         `json:"queue_name"`
	Priority           int            `json:"priority"`
	Parameters         map[string]any `json:"parameters"`
	Status             JobStatus      `json:"status"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"max_attempts"`
	ProgressPercentage int            `json:"progress_percentage"`
	ProgressMessage    *string        `json:"progress_message,omitempty"`
	Result             any            `json:"result,omitempty"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	ErrorDetail        *string        `json:"error_detail,omitempty"`
	ClaimedBy          *string        `json:"claimed_by,omitempty"`
	LeaseExpiresAt     *time.Time     `json:"lease_expires_at,omitempty"`
	ScheduledFor       *time.Time     `json:"scheduled_for,omitempty"`
	JobDefinitionID    *string        `json:"job_definition_id,omitempty"`
	SubmittedBy        *string        `json:"submitted_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// Duration returns the execution time of a finished job, or zero.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// NewJob holds producer input for enqueueing a job.
type NewJob struct {
	JobType         string
	HandlerName     string
	QueueName       string
	Priority        int
	Parameters      map[string]any
	MaxAttempts     int
	ScheduledFor    *time.Time
	JobDefinitionID *string
	SubmittedBy     *string
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Status JobStatus
	Queue  string
	Limit  int
}

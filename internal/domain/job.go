package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus tracks a job through its lifecycle.
// Terminal statuses (completed, cancelled, dead_letter) admit no further transitions.
const (
	JobStatusPending    = "pending"
	JobStatusScheduled  = "scheduled" // delayed; becomes claimable once scheduled_at passes
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
	JobStatusDeadLetter = "dead_letter"
)

// Priority controls claim order: urgent > high > normal > low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the claim ordering rank; smaller ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Validate checks the priority is one of the known values.
func (p Priority) Validate() error {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return nil
	default:
		return ErrInvalidPriority
	}
}

// Step status constants. A step only advances pending -> running -> terminal;
// it may return to running on a later attempt.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// Step is a named unit within a job's ordered sequence. Steps are marked
// completed individually so a retried attempt resumes where the previous
// one left off.
type Step struct {
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// JobMetrics is the timing snapshot recorded on a job.
type JobMetrics struct {
	WaitMS       int64 `json:"wait_ms"`
	ProcessingMS int64 `json:"processing_ms"`
	TotalMS      int64 `json:"total_ms"`
	RetryCount   int   `json:"retry_count"`
}

// Job is the primary queue entity.
//
// Invariants maintained by the queue and store:
//  1. idempotency_key is unique across all jobs when present
//  2. status == processing implies worker_id and timeout_at are set
//  3. terminal statuses admit no further transitions
//  4. attempts <= max_attempts
//  5. scheduled_at <= now is a precondition for claim
type Job struct {
	ID             string
	Queue          string
	Type           string
	Payload        map[string]any
	Status         string
	Priority       Priority
	Attempts       int
	MaxAttempts    int
	IdempotencyKey *string
	Steps          []Step
	StepState      map[string]any
	Error          *string
	Metrics        JobMetrics
	Tags           []string
	ScheduledAt    time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	TimeoutAt      *time.Time
	TimeoutMS      *int64 // per-job lease duration override
	WorkerID       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the job's status admits no further transitions.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// NextStepIndex returns the index of the first step not yet completed,
// or len(Steps) when every step is done. Retried attempts resume here.
func (j *Job) NextStepIndex() int {
	for i := range j.Steps {
		if j.Steps[i].Status != StepStatusCompleted && j.Steps[i].Status != StepStatusSkipped {
			return i
		}
	}
	return len(j.Steps)
}

// ID prefixes distinguish entity kinds in logs and APIs.
const (
	jobIDPrefix        = "job_"
	deadLetterIDPrefix = "dlq_"
	executionIDPrefix  = "exec_"
	automationIDPrefix = "auto_"
)

func newPrefixedID(prefix string) string {
	// UUIDv7 keeps IDs time-ordered, which keeps btree inserts append-mostly.
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + uuid.NewString()
	}
	return prefix + id.String()
}

// NewJobID returns a fresh job identifier.
func NewJobID() string { return newPrefixedID(jobIDPrefix) }

// NewDeadLetterID returns a fresh dead-letter entry identifier.
func NewDeadLetterID() string { return newPrefixedID(deadLetterIDPrefix) }

// NewExecutionID returns a fresh automation execution identifier.
func NewExecutionID() string { return newPrefixedID(executionIDPrefix) }

// NewAutomationID returns a fresh automation identifier.
func NewAutomationID() string { return newPrefixedID(automationIDPrefix) }

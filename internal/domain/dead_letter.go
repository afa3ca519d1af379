package domain

import "time"

// DeadLetterJob is a permanently failed job awaiting manual review.
//
// Entries are created when a job exhausts its retry budget. Admins either
// retry (a fresh job is enqueued and the entry deleted) or discard (the
// entry is marked reviewed). The original job row keeps its dead_letter
// status as an audit trail in both cases.
type DeadLetterJob struct {
	ID            string
	OriginalJobID string
	Queue         string
	Type          string
	Payload       map[string]any
	ErrorMessage  string
	Attempts      int
	StepState     map[string]any
	Metrics       JobMetrics
	Tags          []string
	LastWorkerID  string
	MovedAt       time.Time

	// Resolution tracking for discarded entries.
	ReviewedAt   *time.Time
	ReviewerNote *string
}

// QueueStats is the periodically recomputed per-queue snapshot.
// Callers read these instead of scanning the jobs table.
type QueueStats struct {
	Queue           string
	Pending         int64
	Processing      int64
	Completed       int64
	Failed          int64
	DeadLetter      int64
	Scheduled       int64
	AvgWaitMS       float64
	AvgProcessingMS float64
	UpdatedAt       time.Time
}

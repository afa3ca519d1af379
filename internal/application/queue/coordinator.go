package queue

import (
	"context"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

// Coordinator is the persistence contract the queue runs against.
//
// Implementations must guarantee that claim and the ownership-checked
// mutations (ExtendLease, CompleteJob, ScheduleRetry, MoveToDeadLetter)
// are atomic: two workers can never both hold the same job, and a worker
// whose lease was reclaimed gets domain.ErrJobOwnershipLost instead of
// silently overwriting another worker's state.
type Coordinator interface {
	// InsertJob persists a new job. Returns domain.ErrDuplicateIdempotencyKey
	// when another job already carries the same idempotency key.
	InsertJob(ctx context.Context, job *domain.Job) error

	// InsertJobBatch persists jobs atomically. Entries whose idempotency key
	// already exists are replaced by the existing job and flagged in deduped;
	// any other failure rolls back the whole batch.
	InsertJobBatch(ctx context.Context, jobs []*domain.Job) (inserted []*domain.Job, deduped []bool, err error)

	// FindJob returns a job by ID or domain.ErrJobNotFound.
	FindJob(ctx context.Context, id string) (*domain.Job, error)

	// FindJobByIdempotencyKey returns the job holding the key, or
	// domain.ErrJobNotFound.
	FindJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	// ClaimNextJob atomically leases the best claimable job to workerID
	// until now+lease (the job's own timeout override wins when set).
	// queue may be empty to claim across all queues. Returns nil, nil when
	// nothing is claimable.
	ClaimNextJob(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error)

	// ExtendLease pushes the claimed job's timeout forward. Returns
	// domain.ErrJobOwnershipLost when the job is no longer leased to workerID.
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// CompleteJob marks the job completed and records its final metrics.
	CompleteJob(ctx context.Context, jobID, workerID string, metrics domain.JobMetrics) error

	// ScheduleRetry releases the job back to pending with a future
	// scheduled_at, recording the attempt's error.
	ScheduleRetry(ctx context.Context, jobID, workerID, errMsg string, nextRun time.Time) error

	// MoveToDeadLetter atomically creates a dead letter entry and marks the
	// job dead_letter.
	MoveToDeadLetter(ctx context.Context, jobID, workerID, errMsg string) (*domain.DeadLetterJob, error)

	// CancelJob cancels a pending or scheduled job. Returns
	// domain.ErrJobNotCancellable for any other status.
	CancelJob(ctx context.Context, jobID string) error

	// UpdateJobSteps rewrites the job's step sequence.
	UpdateJobSteps(ctx context.Context, jobID string, steps []domain.Step) error

	// UpdateStepState merges the given keys into the job's step state
	// inside a transaction.
	UpdateStepState(ctx context.Context, jobID string, patch map[string]any) error

	// GetStepState returns the job's accumulated step state.
	GetStepState(ctx context.Context, jobID string) (map[string]any, error)

	// ResetWorkerJobs returns every processing job leased to workerID to
	// pending. Called at startup so a restarted worker's orphans do not
	// wait out their leases.
	ResetWorkerJobs(ctx context.Context, workerID string) (int64, error)

	// FindStalledJobs returns processing jobs whose lease expired before now.
	FindStalledJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// CountStalledJobs counts processing jobs whose lease expired before now.
	CountStalledJobs(ctx context.Context, now time.Time) (int64, error)

	// ListDeadLetterJobs returns unreviewed dead letter entries, newest first.
	ListDeadLetterJobs(ctx context.Context, queue string, limit int) ([]*domain.DeadLetterJob, error)

	// RetryDeadLetterJob re-enqueues a dead letter entry as a fresh job and
	// deletes the entry, atomically.
	RetryDeadLetterJob(ctx context.Context, dlqID string) (*domain.Job, error)

	// DiscardDeadLetterJob marks a dead letter entry reviewed with a note.
	DiscardDeadLetterJob(ctx context.Context, dlqID, note string) error

	// RecomputeQueueStats refreshes the per-queue stats snapshot.
	RecomputeQueueStats(ctx context.Context, now time.Time) error

	// GetQueueStats returns the stats snapshot for one queue.
	GetQueueStats(ctx context.Context, queue string) (*domain.QueueStats, error)

	// ListQueueStats returns snapshots for every queue seen so far.
	ListQueueStats(ctx context.Context) ([]*domain.QueueStats, error)
}

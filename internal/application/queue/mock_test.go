package queue

import (
	"context"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

// mockCoordinator lets each test wire up only the calls it cares about.
type mockCoordinator struct {
	insertJobFunc        func(ctx context.Context, job *domain.Job) error
	insertJobBatchFunc   func(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, []bool, error)
	findJobFunc          func(ctx context.Context, id string) (*domain.Job, error)
	findJobByKeyFunc     func(ctx context.Context, key string) (*domain.Job, error)
	claimNextJobFunc     func(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error)
	extendLeaseFunc      func(ctx context.Context, jobID, workerID string, lease time.Duration) error
	completeJobFunc      func(ctx context.Context, jobID, workerID string, metrics domain.JobMetrics) error
	scheduleRetryFunc    func(ctx context.Context, jobID, workerID, errMsg string, nextRun time.Time) error
	moveToDeadLetterFunc func(ctx context.Context, jobID, workerID, errMsg string) (*domain.DeadLetterJob, error)
	cancelJobFunc        func(ctx context.Context, jobID string) error
	updateJobStepsFunc   func(ctx context.Context, jobID string, steps []domain.Step) error
	updateStepStateFunc  func(ctx context.Context, jobID string, patch map[string]any) error
	getStepStateFunc     func(ctx context.Context, jobID string) (map[string]any, error)
	resetWorkerJobsFunc  func(ctx context.Context, workerID string) (int64, error)
	findStalledFunc      func(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	countStalledFunc     func(ctx context.Context, now time.Time) (int64, error)
	listDeadLetterFunc   func(ctx context.Context, queue string, limit int) ([]*domain.DeadLetterJob, error)
	retryDeadLetterFunc  func(ctx context.Context, dlqID string) (*domain.Job, error)
	discardFunc          func(ctx context.Context, dlqID, note string) error
	recomputeStatsFunc   func(ctx context.Context, now time.Time) error
	getQueueStatsFunc    func(ctx context.Context, queue string) (*domain.QueueStats, error)
	listQueueStatsFunc   func(ctx context.Context) ([]*domain.QueueStats, error)
}

func (m *mockCoordinator) InsertJob(ctx context.Context, job *domain.Job) error {
	if m.insertJobFunc != nil {
		return m.insertJobFunc(ctx, job)
	}
	return nil
}

func (m *mockCoordinator) InsertJobBatch(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, []bool, error) {
	if m.insertJobBatchFunc != nil {
		return m.insertJobBatchFunc(ctx, jobs)
	}
	return jobs, make([]bool, len(jobs)), nil
}

func (m *mockCoordinator) FindJob(ctx context.Context, id string) (*domain.Job, error) {
	if m.findJobFunc != nil {
		return m.findJobFunc(ctx, id)
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockCoordinator) FindJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	if m.findJobByKeyFunc != nil {
		return m.findJobByKeyFunc(ctx, key)
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockCoordinator) ClaimNextJob(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	if m.claimNextJobFunc != nil {
		return m.claimNextJobFunc(ctx, queue, workerID, lease)
	}
	return nil, nil
}

func (m *mockCoordinator) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	if m.extendLeaseFunc != nil {
		return m.extendLeaseFunc(ctx, jobID, workerID, lease)
	}
	return nil
}

func (m *mockCoordinator) CompleteJob(ctx context.Context, jobID, workerID string, metrics domain.JobMetrics) error {
	if m.completeJobFunc != nil {
		return m.completeJobFunc(ctx, jobID, workerID, metrics)
	}
	return nil
}

func (m *mockCoordinator) ScheduleRetry(ctx context.Context, jobID, workerID, errMsg string, nextRun time.Time) error {
	if m.scheduleRetryFunc != nil {
		return m.scheduleRetryFunc(ctx, jobID, workerID, errMsg, nextRun)
	}
	return nil
}

func (m *mockCoordinator) MoveToDeadLetter(ctx context.Context, jobID, workerID, errMsg string) (*domain.DeadLetterJob, error) {
	if m.moveToDeadLetterFunc != nil {
		return m.moveToDeadLetterFunc(ctx, jobID, workerID, errMsg)
	}
	return &domain.DeadLetterJob{ID: domain.NewDeadLetterID(), OriginalJobID: jobID}, nil
}

func (m *mockCoordinator) CancelJob(ctx context.Context, jobID string) error {
	if m.cancelJobFunc != nil {
		return m.cancelJobFunc(ctx, jobID)
	}
	return nil
}

func (m *mockCoordinator) UpdateJobSteps(ctx context.Context, jobID string, steps []domain.Step) error {
	if m.updateJobStepsFunc != nil {
		return m.updateJobStepsFunc(ctx, jobID, steps)
	}
	return nil
}

func (m *mockCoordinator) UpdateStepState(ctx context.Context, jobID string, patch map[string]any) error {
	if m.updateStepStateFunc != nil {
		return m.updateStepStateFunc(ctx, jobID, patch)
	}
	return nil
}

func (m *mockCoordinator) GetStepState(ctx context.Context, jobID string) (map[string]any, error) {
	if m.getStepStateFunc != nil {
		return m.getStepStateFunc(ctx, jobID)
	}
	return map[string]any{}, nil
}

func (m *mockCoordinator) ResetWorkerJobs(ctx context.Context, workerID string) (int64, error) {
	if m.resetWorkerJobsFunc != nil {
		return m.resetWorkerJobsFunc(ctx, workerID)
	}
	return 0, nil
}

func (m *mockCoordinator) FindStalledJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if m.findStalledFunc != nil {
		return m.findStalledFunc(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockCoordinator) CountStalledJobs(ctx context.Context, now time.Time) (int64, error) {
	if m.countStalledFunc != nil {
		return m.countStalledFunc(ctx, now)
	}
	return 0, nil
}

func (m *mockCoordinator) ListDeadLetterJobs(ctx context.Context, queue string, limit int) ([]*domain.DeadLetterJob, error) {
	if m.listDeadLetterFunc != nil {
		return m.listDeadLetterFunc(ctx, queue, limit)
	}
	return nil, nil
}

func (m *mockCoordinator) RetryDeadLetterJob(ctx context.Context, dlqID string) (*domain.Job, error) {
	if m.retryDeadLetterFunc != nil {
		return m.retryDeadLetterFunc(ctx, dlqID)
	}
	return nil, domain.ErrDeadLetterNotFound
}

func (m *mockCoordinator) DiscardDeadLetterJob(ctx context.Context, dlqID, note string) error {
	if m.discardFunc != nil {
		return m.discardFunc(ctx, dlqID, note)
	}
	return nil
}

func (m *mockCoordinator) RecomputeQueueStats(ctx context.Context, now time.Time) error {
	if m.recomputeStatsFunc != nil {
		return m.recomputeStatsFunc(ctx, now)
	}
	return nil
}

func (m *mockCoordinator) GetQueueStats(ctx context.Context, queue string) (*domain.QueueStats, error) {
	if m.getQueueStatsFunc != nil {
		return m.getQueueStatsFunc(ctx, queue)
	}
	return &domain.QueueStats{Queue: queue}, nil
}

func (m *mockCoordinator) ListQueueStats(ctx context.Context) ([]*domain.QueueStats, error) {
	if m.listQueueStatsFunc != nil {
		return m.listQueueStatsFunc(ctx)
	}
	return nil, nil
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

const stalledScanLimit = 100

// runStalledLoop periodically reclaims jobs whose worker stopped
// heartbeating. This is also how jobs orphaned by a crashed process get
// back into rotation.
func (q *Queue) runStalledLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.StalledCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.scanStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.ErrorContext(ctx, "stalled job scan failed", slog.Any("error", err))
			}
		}
	}
}

// scanStalled finds processing jobs with expired leases and routes each
// through the normal failure path: retry with backoff, or dead letter when
// the budget is spent.
func (q *Queue) scanStalled(ctx context.Context) error {
	now := q.now().UTC()
	jobs, err := q.coordinator.FindStalledJobs(ctx, now, stalledScanLimit)
	if err != nil {
		return fmt.Errorf("failed to find stalled jobs: %w", err)
	}

	for _, job := range jobs {
		lease := q.cfg.JobTimeout
		if job.TimeoutMS != nil {
			lease = time.Duration(*job.TimeoutMS) * time.Millisecond
		}
		errMsg := fmt.Sprintf("Job timed out after %d ms", lease.Milliseconds())

		q.events.Emit(ctx, EventJobStalled, map[string]any{
			"job_id":    job.ID,
			"queue":     job.Queue,
			"type":      job.Type,
			"worker_id": derefString(job.WorkerID),
			"attempt":   job.Attempts,
		})
		q.logger.WarnContext(ctx, "stalled job detected",
			slog.String("job_id", job.ID),
			slog.String("worker_id", derefString(job.WorkerID)),
			slog.Int("attempt", job.Attempts))

		// Route through the owning worker's identity so a worker that is
		// merely slow, and completes concurrently, wins the race.
		stalled := *job
		q.failStalled(ctx, &stalled, errMsg)
	}
	return nil
}

func (q *Queue) failStalled(ctx context.Context, job *domain.Job, errMsg string) {
	workerID := derefString(job.WorkerID)
	if job.Attempts >= job.MaxAttempts {
		entry, err := q.coordinator.MoveToDeadLetter(ctx, job.ID, workerID, errMsg)
		if err != nil {
			return // reclaimed or completed concurrently
		}
		q.events.Emit(ctx, EventJobDeadLetter, map[string]any{
			"job_id":         job.ID,
			"dead_letter_id": entry.ID,
			"queue":          job.Queue,
			"type":           job.Type,
			"error":          errMsg,
			"attempts":       job.Attempts,
		})
		return
	}

	delay := retryDelay(q.cfg, job.Attempts)
	nextRun := q.now().UTC().Add(delay)
	if err := q.coordinator.ScheduleRetry(ctx, job.ID, workerID, errMsg, nextRun); err != nil {
		return
	}
	q.events.Emit(ctx, EventJobRetrying, map[string]any{
		"job_id":      job.ID,
		"queue":       job.Queue,
		"type":        job.Type,
		"attempt":     job.Attempts,
		"delay_ms":    delay.Milliseconds(),
		"next_run_at": nextRun,
		"error":       errMsg,
	})
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

// runPoller claims jobs at the configured poll interval and dispatches
// them to the pool, at most BatchSize claims per tick and never more than
// Concurrency jobs in flight.
func (q *Queue) runPoller(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.pollOnce(ctx)
		}
	}
}

func (q *Queue) pollOnce(ctx context.Context) {
	for claimed := 0; claimed < q.cfg.BatchSize; claimed++ {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			return // pool full, wait for the next tick
		}

		job, err := q.coordinator.ClaimNextJob(ctx, "", q.workerID, q.cfg.JobTimeout)
		if err != nil {
			<-q.sem
			if ctx.Err() == nil {
				q.logger.ErrorContext(ctx, "failed to claim job", slog.Any("error", err))
			}
			return
		}
		if job == nil {
			<-q.sem
			return
		}

		// In-flight jobs run to completion during shutdown: Stop cancels
		// polling but waits on the pool, so the final state write still
		// needs a live context.
		jobCtx := context.WithoutCancel(ctx)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.process(jobCtx, job)
		}()
	}
}

// process runs one claimed job: heartbeat, step execution, then completion
// or retry/dead-letter routing.
func (q *Queue) process(ctx context.Context, job *domain.Job) {
	q.events.Emit(ctx, EventJobStarted, map[string]any{
		"job_id":  job.ID,
		"queue":   job.Queue,
		"type":    job.Type,
		"attempt": job.Attempts,
	})
	q.logger.InfoContext(ctx, "job started",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Int("attempt", job.Attempts))

	// The heartbeat extends the lease while steps run. Losing ownership
	// cancels the handler so two workers never run the same job.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		q.runHeartbeat(jobCtx, job, cancelJob)
	}()

	err := q.runSteps(jobCtx, job)
	cancelJob()
	<-heartbeatDone

	if err != nil {
		q.handleFailure(ctx, job, err)
		return
	}

	now := q.now().UTC()
	metrics := job.Metrics
	if job.StartedAt != nil {
		metrics.ProcessingMS = now.Sub(*job.StartedAt).Milliseconds()
	}
	metrics.TotalMS = now.Sub(job.CreatedAt).Milliseconds()
	metrics.RetryCount = job.Attempts

	if err := q.coordinator.CompleteJob(ctx, job.ID, q.workerID, metrics); err != nil {
		q.reportJobError(ctx, job, fmt.Errorf("failed to mark job completed: %w", err))
		return
	}

	q.events.Emit(ctx, EventJobCompleted, map[string]any{
		"job_id":        job.ID,
		"queue":         job.Queue,
		"type":          job.Type,
		"processing_ms": metrics.ProcessingMS,
		"total_ms":      metrics.TotalMS,
	})
	q.logger.InfoContext(ctx, "job completed",
		slog.String("job_id", job.ID),
		slog.Int64("processing_ms", metrics.ProcessingMS))
}

func (q *Queue) runHeartbeat(ctx context.Context, job *domain.Job, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(q.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lease := q.cfg.JobTimeout
	if job.TimeoutMS != nil {
		lease = time.Duration(*job.TimeoutMS) * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.coordinator.ExtendLease(ctx, job.ID, q.workerID, lease)
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrJobOwnershipLost) {
				q.logger.WarnContext(ctx, "job ownership lost, abandoning work",
					slog.String("job_id", job.ID))
				cancelJob()
				return
			}
			if ctx.Err() == nil {
				q.logger.ErrorContext(ctx, "failed to extend lease",
					slog.String("job_id", job.ID),
					slog.Any("error", err))
			}
		}
	}
}

// runSteps executes the job's remaining steps in order, flushing step
// status around each one so a retry resumes at the first unfinished step.
func (q *Queue) runSteps(ctx context.Context, job *domain.Job) error {
	handler, err := q.registry.get(job.Type)
	if err != nil {
		return err
	}

	state := &coordinatorStepState{coordinator: q.coordinator, jobID: job.ID}

	for i := job.NextStepIndex(); i < len(job.Steps); i++ {
		step := &job.Steps[i]
		started := q.now().UTC()
		step.Status = domain.StepStatusRunning
		step.StartedAt = &started
		step.Error = ""
		if err := q.coordinator.UpdateJobSteps(ctx, job.ID, job.Steps); err != nil {
			return fmt.Errorf("failed to persist step start: %w", err)
		}

		err := q.executeStep(ctx, handler, job, step, state)

		finished := q.now().UTC()
		step.CompletedAt = &finished
		step.DurationMS = finished.Sub(started).Milliseconds()
		if err != nil {
			step.Status = domain.StepStatusFailed
			step.Error = err.Error()
			if perr := q.coordinator.UpdateJobSteps(ctx, job.ID, job.Steps); perr != nil {
				q.logger.ErrorContext(ctx, "failed to persist step failure",
					slog.String("job_id", job.ID),
					slog.Any("error", perr))
			}
			return fmt.Errorf("step %q failed: %w", step.Name, err)
		}

		step.Status = domain.StepStatusCompleted
		if err := q.coordinator.UpdateJobSteps(ctx, job.ID, job.Steps); err != nil {
			return fmt.Errorf("failed to persist step completion: %w", err)
		}
	}
	return nil
}

// executeStep invokes the handler with panic recovery. A panicking handler
// fails the attempt like any other error instead of killing the worker.
func (q *Queue) executeStep(ctx context.Context, handler Handler, job *domain.Job, step *domain.Step, state StepState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
			q.logger.ErrorContext(ctx, "job handler panicked",
				slog.String("job_id", job.ID),
				slog.String("step", step.Name),
				slog.Any("panic", r))
		}
	}()
	return handler(ctx, job, step, state)
}

// handleFailure routes a failed attempt: schedule a retry with backoff, or
// move to the dead letter queue once the retry budget is exhausted.
func (q *Queue) handleFailure(ctx context.Context, job *domain.Job, jobErr error) {
	errMsg := jobErr.Error()

	if job.Attempts >= job.MaxAttempts {
		entry, err := q.coordinator.MoveToDeadLetter(ctx, job.ID, q.workerID, errMsg)
		if err != nil {
			if errors.Is(err, domain.ErrJobOwnershipLost) {
				return
			}
			q.reportJobError(ctx, job, fmt.Errorf("failed to move job to dead letter: %w", err))
			return
		}
		q.events.Emit(ctx, EventJobDeadLetter, map[string]any{
			"job_id":         job.ID,
			"dead_letter_id": entry.ID,
			"queue":          job.Queue,
			"type":           job.Type,
			"error":          errMsg,
			"attempts":       job.Attempts,
		})
		q.logger.WarnContext(ctx, "job moved to dead letter",
			slog.String("job_id", job.ID),
			slog.String("dead_letter_id", entry.ID),
			slog.Int("attempts", job.Attempts),
			slog.String("error", errMsg))
		return
	}

	delay := retryDelay(q.cfg, job.Attempts)
	nextRun := q.now().UTC().Add(delay)
	if err := q.coordinator.ScheduleRetry(ctx, job.ID, q.workerID, errMsg, nextRun); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			return
		}
		q.reportJobError(ctx, job, fmt.Errorf("failed to schedule retry: %w", err))
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
	q.logger.WarnContext(ctx, "job attempt failed, retry scheduled",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Int64("delay_ms", delay.Milliseconds()),
		slog.String("error", errMsg))
}

func (q *Queue) reportJobError(ctx context.Context, job *domain.Job, err error) {
	q.events.Emit(ctx, EventJobError, map[string]any{
		"job_id": job.ID,
		"queue":  job.Queue,
		"error":  err.Error(),
	})
	q.logger.ErrorContext(ctx, "job state update failed",
		slog.String("job_id", job.ID),
		slog.Any("error", err))
}

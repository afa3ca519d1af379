package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the SQLite-backed persistence layer for jobs, dead letter
// entries, stats and automations. All multi-row writes that must be atomic
// run inside a transaction; claim and the ownership-checked updates are
// single conditional statements.
type Store struct {
	db *sql.DB
}

// DB exposes the underlying handle for migrations tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

const jobColumns = `id, queue, type, payload, status, priority, attempts, max_attempts,
	idempotency_key, steps, step_state, error, metrics, tags,
	scheduled_at, started_at, completed_at, timeout_at, timeout_ms, worker_id,
	created_at, updated_at`

// priorityRank orders claims: urgent before high before normal before low.
const priorityRank = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	WHEN 'low' THEN 3
	ELSE 2 END`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job                              domain.Job
		payload, steps, state, met, tags string
		idemKey, errMsg, workerID        sql.Null[string]
		started, completed, timeoutAt    sql.Null[int64]
		timeoutMS                        sql.Null[int64]
		scheduled, created, updated      int64
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.Type, &payload, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &idemKey, &steps, &state, &errMsg,
		&met, &tags, &scheduled, &started, &completed, &timeoutAt, &timeoutMS,
		&workerID, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(payload, &job.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(steps, &job.Steps); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(state, &job.StepState); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(met, &job.Metrics); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tags, &job.Tags); err != nil {
		return nil, err
	}

	job.IdempotencyKey = fromNullString(idemKey)
	job.Error = fromNullString(errMsg)
	job.WorkerID = fromNullString(workerID)
	job.ScheduledAt = fromMillis(scheduled)
	job.StartedAt = fromNullMillis(started)
	job.CompletedAt = fromNullMillis(completed)
	job.TimeoutAt = fromNullMillis(timeoutAt)
	job.TimeoutMS = fromNullInt64(timeoutMS)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	return &job, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, ex execer, job *domain.Job) error {
	payload, err := marshalMap(job.Payload)
	if err != nil {
		return err
	}
	steps, err := marshalJSON(job.Steps)
	if err != nil {
		return err
	}
	state, err := marshalMap(job.StepState)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(job.Metrics)
	if err != nil {
		return err
	}
	tags, err := marshalStrings(job.Tags)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Type, payload, job.Status, string(job.Priority),
		job.Attempts, job.MaxAttempts, toNullString(job.IdempotencyKey),
		steps, state, toNullString(job.Error), metrics, tags,
		toMillis(job.ScheduledAt), toNullMillis(job.StartedAt),
		toNullMillis(job.CompletedAt), toNullMillis(job.TimeoutAt),
		toNullInt64(job.TimeoutMS), toNullString(job.WorkerID),
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, s.db, job)
}

// InsertJobBatch persists jobs atomically, resolving idempotency-key
// collisions to the existing jobs.
func (s *Store) InsertJobBatch(ctx context.Context, jobs []*domain.Job) ([]*domain.Job, []bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := make([]*domain.Job, len(jobs))
	deduped := make([]bool, len(jobs))
	for i, job := range jobs {
		if job.IdempotencyKey != nil {
			existing, err := findJobByIdempotencyKey(ctx, tx, *job.IdempotencyKey)
			if err == nil {
				inserted[i] = existing
				deduped[i] = true
				continue
			}
			if !errors.Is(err, domain.ErrJobNotFound) {
				return nil, nil, err
			}
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return nil, nil, err
		}
		inserted[i] = job
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, deduped, nil
}

// FindJob returns a job by ID.
func (s *Store) FindJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return job, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findJobByIdempotencyKey(ctx context.Context, q querier, key string) (*domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job by idempotency key: %w", err)
	}
	return job, nil
}

// FindJobByIdempotencyKey returns the job holding the key.
func (s *Store) FindJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	return findJobByIdempotencyKey(ctx, s.db, key)
}

// ClaimNextJob atomically leases the best claimable job: highest priority
// first, then earliest scheduled_at, then earliest created_at. The
// conditional update loses gracefully when another worker claims the same
// row first.
func (s *Store) ClaimNextJob(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowMS := toMillis(now)

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'processing',
			worker_id = ?,
			started_at = ?,
			timeout_at = ? + COALESCE(timeout_ms, ?),
			attempts = attempts + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('pending', 'scheduled')
			  AND scheduled_at <= ?
			  AND (? = '' OR queue = ?)
			ORDER BY `+priorityRank+`, scheduled_at, created_at
			LIMIT 1
		) AND status IN ('pending', 'scheduled')
		RETURNING `+jobColumns,
		workerID, nowMS, nowMS, lease.Milliseconds(), nowMS,
		nowMS, queue, queue,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	// Wait time is recorded at claim; processing and total are recorded at
	// completion.
	job.Metrics.WaitMS = nowMS - toMillis(job.CreatedAt)
	metrics, err := marshalJSON(job.Metrics)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET metrics = ? WHERE id = ?`, metrics, job.ID); err != nil {
		return nil, fmt.Errorf("failed to record wait metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// ExtendLease pushes the lease forward for a job this worker still owns.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET timeout_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		toMillis(now.Add(lease)), toMillis(now), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return requireOwnership(res)
}

func requireOwnership(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// CompleteJob marks the job completed, records final metrics and appends
// the metrics history row in one transaction.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, metrics domain.JobMetrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	met, err := marshalJSON(metrics)
	if err != nil {
		return err
	}
	nowMS := toMillis(time.Now().UTC())

	var queue, jobType string
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'completed',
			completed_at = ?,
			timeout_at = NULL,
			metrics = ?,
			updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'
		RETURNING queue, type`,
		nowMS, met, nowMS, jobID, workerID,
	).Scan(&queue, &jobType)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobOwnershipLost
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_metrics_history (job_id, queue, type, wait_ms, processing_ms, total_ms, retry_count, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, queue, jobType, metrics.WaitMS, metrics.ProcessingMS, metrics.TotalMS, metrics.RetryCount, nowMS,
	)
	if err != nil {
		return fmt.Errorf("failed to append metrics history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// ScheduleRetry releases the job back to pending with a future
// scheduled_at. Steps and step state are preserved so the next attempt
// resumes from the first unfinished step.
func (s *Store) ScheduleRetry(ctx context.Context, jobID, workerID, errMsg string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'pending',
			scheduled_at = ?,
			error = ?,
			worker_id = NULL,
			started_at = NULL,
			timeout_at = NULL,
			updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		toMillis(nextRun), errMsg, toMillis(time.Now().UTC()), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return requireOwnership(res)
}

// MoveToDeadLetter creates a dead letter entry and marks the job
// dead_letter in one transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, jobID, workerID, errMsg string) (*domain.DeadLetterJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		jobID, workerID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobOwnershipLost
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job for dead letter: %w", err)
	}

	now := time.Now().UTC()
	entry := &domain.DeadLetterJob{
		ID:            domain.NewDeadLetterID(),
		OriginalJobID: job.ID,
		Queue:         job.Queue,
		Type:          job.Type,
		Payload:       job.Payload,
		ErrorMessage:  errMsg,
		Attempts:      job.Attempts,
		StepState:     job.StepState,
		Metrics:       job.Metrics,
		Tags:          job.Tags,
		LastWorkerID:  workerID,
		MovedAt:       now,
	}

	payload, err := marshalMap(entry.Payload)
	if err != nil {
		return nil, err
	}
	state, err := marshalMap(entry.StepState)
	if err != nil {
		return nil, err
	}
	metrics, err := marshalJSON(entry.Metrics)
	if err != nil {
		return nil, err
	}
	tags, err := marshalStrings(entry.Tags)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter_jobs (id, original_job_id, queue, type, payload, error_message,
			attempts, step_state, metrics, tags, last_worker_id, moved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OriginalJobID, entry.Queue, entry.Type, payload, entry.ErrorMessage,
		entry.Attempts, state, metrics, tags, entry.LastWorkerID, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert dead letter entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'dead_letter',
			error = ?,
			completed_at = ?,
			timeout_at = NULL,
			updated_at = ?
		WHERE id = ?`,
		errMsg, toMillis(now), toMillis(now), jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dead letter promotion: %w", err)
	}
	return entry, nil
}

// CancelJob cancels a job that has not started processing.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	now := toMillis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'scheduled')`,
		now, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job status: %w", err)
	}
	return domain.ErrJobNotCancellable
}

// UpdateJobSteps rewrites the job's step sequence.
func (s *Store) UpdateJobSteps(ctx context.Context, jobID string, steps []domain.Step) error {
	data, err := marshalJSON(steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET steps = ?, updated_at = ? WHERE id = ?`,
		data, toMillis(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job steps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// UpdateStepState merges the patch into the job's step state blob inside a
// transaction; each call is a commit point.
func (s *Store) UpdateStepState(ctx context.Context, jobID string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT step_state FROM jobs WHERE id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read step state: %w", err)
	}

	state := map[string]any{}
	if err := unmarshalJSON(raw, &state); err != nil {
		return err
	}
	for k, v := range patch {
		state[k] = v
	}
	data, err := marshalMap(state)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET step_state = ?, updated_at = ? WHERE id = ?`,
		data, toMillis(time.Now().UTC()), jobID); err != nil {
		return fmt.Errorf("failed to write step state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step state: %w", err)
	}
	return nil
}

// GetStepState returns the job's accumulated step state.
func (s *Store) GetStepState(ctx context.Context, jobID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT step_state FROM jobs WHERE id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read step state: %w", err)
	}
	state := map[string]any{}
	if err := unmarshalJSON(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// ResetWorkerJobs returns this worker's orphaned processing jobs to pending.
func (s *Store) ResetWorkerJobs(ctx context.Context, workerID string) (int64, error) {
	now := toMillis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'pending',
			scheduled_at = ?,
			worker_id = NULL,
			started_at = NULL,
			timeout_at = NULL,
			updated_at = ?
		WHERE worker_id = ? AND status = 'processing'`,
		now, now, workerID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset worker jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// FindStalledJobs returns processing jobs whose lease expired before now.
func (s *Store) FindStalledJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing' AND timeout_at <= ?
		ORDER BY timeout_at
		LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stalled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stalled jobs: %w", err)
	}
	return jobs, nil
}

// CountStalledJobs counts processing jobs whose lease expired before now.
func (s *Store) CountStalledJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'processing' AND timeout_at <= ?`,
		toMillis(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stalled jobs: %w", err)
	}
	return n, nil
}

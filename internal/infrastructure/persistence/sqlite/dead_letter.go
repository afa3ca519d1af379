package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

const deadLetterColumns = `id, original_job_id, queue, type, payload, error_message,
	attempts, step_state, metrics, tags, last_worker_id, moved_at, reviewed_at, reviewer_note`

func scanDeadLetter(row rowScanner) (*domain.DeadLetterJob, error) {
	var (
		entry                        domain.DeadLetterJob
		payload, state, metrics, tags string
		movedAt                      int64
		reviewedAt                   sql.Null[int64]
		reviewerNote                 sql.Null[string]
	)
	err := row.Scan(
		&entry.ID, &entry.OriginalJobID, &entry.Queue, &entry.Type, &payload,
		&entry.ErrorMessage, &entry.Attempts, &state, &metrics, &tags,
		&entry.LastWorkerID, &movedAt, &reviewedAt, &reviewerNote,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(payload, &entry.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(state, &entry.StepState); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metrics, &entry.Metrics); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tags, &entry.Tags); err != nil {
		return nil, err
	}
	entry.MovedAt = fromMillis(movedAt)
	entry.ReviewedAt = fromNullMillis(reviewedAt)
	entry.ReviewerNote = fromNullString(reviewerNote)
	return &entry, nil
}

// ListDeadLetterJobs returns unreviewed entries, newest first. queue may be
// empty to list across queues.
func (s *Store) ListDeadLetterJobs(ctx context.Context, queue string, limit int) ([]*domain.DeadLetterJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_jobs
		WHERE reviewed_at IS NULL AND (? = '' OR queue = ?)
		ORDER BY moved_at DESC
		LIMIT ?`,
		queue, queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter jobs: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DeadLetterJob
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter job: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter jobs: %w", err)
	}
	return entries, nil
}

// RetryDeadLetterJob re-enqueues the dead letter entry as a fresh job and
// deletes the entry, atomically. The new job keeps the original (queue,
// type, payload) and step names but starts with a clean attempt budget;
// the original job row stays in dead_letter status as an audit trail.
func (s *Store) RetryDeadLetterJob(ctx context.Context, dlqID string) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_jobs WHERE id = ?`, dlqID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter entry: %w", err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:          domain.NewJobID(),
		Queue:       entry.Queue,
		Type:        entry.Type,
		Payload:     entry.Payload,
		Status:      domain.JobStatusPending,
		Priority:    domain.PriorityNormal,
		MaxAttempts: defaultRetryMaxAttempts,
		StepState:   map[string]any{},
		Tags:        entry.Tags,
		Steps:       []domain.Step{{Name: "execute", Status: domain.StepStatusPending}},
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Reuse the original job's step names with fresh statuses when the
	// audit row is still around.
	var stepsRaw string
	err = tx.QueryRowContext(ctx, `SELECT steps FROM jobs WHERE id = ?`, entry.OriginalJobID).Scan(&stepsRaw)
	if err == nil {
		var original []domain.Step
		if uerr := unmarshalJSON(stepsRaw, &original); uerr == nil && len(original) > 0 {
			job.Steps = make([]domain.Step, len(original))
			for i, step := range original {
				job.Steps[i] = domain.Step{Name: step.Name, Status: domain.StepStatusPending}
			}
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load original job steps: %w", err)
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_jobs WHERE id = ?`, dlqID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete dead letter entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 0 {
		return nil, domain.ErrDeadLetterNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dead letter retry: %w", err)
	}
	return job, nil
}

// defaultRetryMaxAttempts is the retry budget for jobs re-enqueued from the
// dead letter queue.
const defaultRetryMaxAttempts = 3

// DiscardDeadLetterJob marks an entry reviewed without re-enqueueing it.
func (s *Store) DiscardDeadLetterJob(ctx context.Context, dlqID, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_jobs SET reviewed_at = ?, reviewer_note = ?
		WHERE id = ? AND reviewed_at IS NULL`,
		toMillis(time.Now().UTC()), note, dlqID,
	)
	if err != nil {
		return fmt.Errorf("failed to discard dead letter entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

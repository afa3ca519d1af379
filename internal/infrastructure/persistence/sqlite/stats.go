package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

// RecomputeQueueStats refreshes the per-queue snapshot from a single
// grouped scan of the jobs table. Averages come from completed jobs'
// recorded timestamps.
func (s *Store) RecomputeQueueStats(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_stats (queue, pending, processing, completed, failed,
			dead_letter, scheduled, avg_wait_ms, avg_processing_ms, updated_at)
		SELECT
			queue,
			SUM(status = 'pending'),
			SUM(status = 'processing'),
			SUM(status = 'completed'),
			SUM(status = 'failed'),
			SUM(status = 'dead_letter'),
			SUM(status = 'scheduled'),
			COALESCE(AVG(CASE WHEN started_at IS NOT NULL THEN started_at - created_at END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' AND completed_at IS NOT NULL AND started_at IS NOT NULL
				THEN completed_at - started_at END), 0),
			?
		FROM jobs
		GROUP BY queue
		ON CONFLICT (queue) DO UPDATE SET
			pending = excluded.pending,
			processing = excluded.processing,
			completed = excluded.completed,
			failed = excluded.failed,
			dead_letter = excluded.dead_letter,
			scheduled = excluded.scheduled,
			avg_wait_ms = excluded.avg_wait_ms,
			avg_processing_ms = excluded.avg_processing_ms,
			updated_at = excluded.updated_at`,
		toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to recompute queue stats: %w", err)
	}
	return nil
}

const statsColumns = `queue, pending, processing, completed, failed, dead_letter,
	scheduled, avg_wait_ms, avg_processing_ms, updated_at`

func scanStats(row rowScanner) (*domain.QueueStats, error) {
	var (
		stats     domain.QueueStats
		updatedAt int64
	)
	err := row.Scan(
		&stats.Queue, &stats.Pending, &stats.Processing, &stats.Completed,
		&stats.Failed, &stats.DeadLetter, &stats.Scheduled,
		&stats.AvgWaitMS, &stats.AvgProcessingMS, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	stats.UpdatedAt = fromMillis(updatedAt)
	return &stats, nil
}

// GetQueueStats returns the snapshot for one queue. A queue never seen
// returns zero counts.
func (s *Store) GetQueueStats(ctx context.Context, queue string) (*domain.QueueStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+statsColumns+` FROM queue_stats WHERE queue = ?`, queue)
	stats, err := scanStats(row)
	if err == nil {
		return stats, nil
	}
	if isNoRows(err) {
		return &domain.QueueStats{Queue: queue}, nil
	}
	return nil, fmt.Errorf("failed to read queue stats: %w", err)
}

// ListQueueStats returns snapshots for every queue seen so far.
func (s *Store) ListQueueStats(ctx context.Context) ([]*domain.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statsColumns+` FROM queue_stats ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	var all []*domain.QueueStats
	for rows.Next() {
		stats, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		all = append(all, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue stats: %w", err)
	}
	return all, nil
}

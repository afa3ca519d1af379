package queue

import (
	"context"
	"log/slog"
	"time"
)

// runStatsLoop refreshes the per-queue stats snapshot on a fixed cadence.
// Reads served from the snapshot never scan the jobs table.
func (q *Queue) runStatsLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.coordinator.RecomputeQueueStats(ctx, q.now().UTC()); err != nil && ctx.Err() == nil {
				q.logger.ErrorContext(ctx, "failed to refresh queue stats", slog.Any("error", err))
			}
		}
	}
}

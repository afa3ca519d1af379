package queue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NewMetricsListener builds an event listener that records queue telemetry
// through the global OTel meter provider. Wire it with q.On("*", listener).
func NewMetricsListener() (Listener, error) {
	meter := otel.Meter("renderflow/queue")

	enqueued, err := meter.Int64Counter("queue.jobs.enqueued",
		metric.WithDescription("Jobs accepted into the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueued counter: %w", err)
	}
	deduplicated, err := meter.Int64Counter("queue.jobs.deduplicated",
		metric.WithDescription("Enqueues collapsed onto an existing job by idempotency key"))
	if err != nil {
		return nil, fmt.Errorf("failed to create deduplicated counter: %w", err)
	}
	started, err := meter.Int64Counter("queue.jobs.started",
		metric.WithDescription("Jobs claimed and handed to a handler"))
	if err != nil {
		return nil, fmt.Errorf("failed to create started counter: %w", err)
	}
	completed, err := meter.Int64Counter("queue.jobs.completed",
		metric.WithDescription("Jobs finished successfully"))
	if err != nil {
		return nil, fmt.Errorf("failed to create completed counter: %w", err)
	}
	retried, err := meter.Int64Counter("queue.jobs.retried",
		metric.WithDescription("Failed attempts scheduled for retry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retried counter: %w", err)
	}
	stalled, err := meter.Int64Counter("queue.jobs.stalled",
		metric.WithDescription("Jobs reclaimed after a lease expired"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stalled counter: %w", err)
	}
	deadLettered, err := meter.Int64Counter("queue.jobs.dead_lettered",
		metric.WithDescription("Jobs moved to the dead letter queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dead letter counter: %w", err)
	}
	processing, err := meter.Float64Histogram("queue.job.processing_duration",
		metric.WithDescription("Final attempt duration of completed jobs"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processing histogram: %w", err)
	}

	return func(event string, payload map[string]any) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("queue", payloadString(payload, "queue")),
			attribute.String("type", payloadString(payload, "type")),
		)
		switch event {
		case EventJobCreated:
			enqueued.Add(ctx, 1, attrs)
		case EventJobDeduplicated:
			deduplicated.Add(ctx, 1, attrs)
		case EventJobStarted:
			started.Add(ctx, 1, attrs)
		case EventJobCompleted:
			completed.Add(ctx, 1, attrs)
			if ms, ok := payload["processing_ms"].(int64); ok {
				processing.Record(ctx, float64(ms), attrs)
			}
		case EventJobRetrying:
			retried.Add(ctx, 1, attrs)
		case EventJobStalled:
			stalled.Add(ctx, 1, attrs)
		case EventJobDeadLetter:
			deadLettered.Add(ctx, 1, attrs)
		}
	}, nil
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

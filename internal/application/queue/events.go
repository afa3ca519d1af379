package queue

import (
	"context"
	"log/slog"
	"sync"
)

// Event names emitted by the queue. Payloads are flat string-keyed maps.
const (
	EventJobCreated      = "job:created"
	EventJobDeduplicated = "job:deduplicated"
	EventJobBatchCreated = "job:batch_created"
	EventJobStarted      = "job:started"
	EventJobCompleted    = "job:completed"
	EventJobRetrying     = "job:retrying"
	EventJobStalled      = "job:stalled"
	EventJobDeadLetter   = "job:dead_letter"
	EventJobCancelled    = "job:cancelled"
	EventJobError        = "job:error"
	EventWorkerStarted   = "worker:started"
	EventWorkerStopped   = "worker:stopped"
)

// Listener receives queue events. Listeners run synchronously on the
// emitting goroutine; slow listeners slow the queue down.
type Listener func(event string, payload map[string]any)

// EventBus fans events out to registered listeners. A panicking listener
// is logged and must not take the worker down with it.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	logger    *slog.Logger
}

// NewEventBus returns an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		listeners: make(map[string][]Listener),
		logger:    logger,
	}
}

// Subscribe registers fn for the named event. Pass "*" to receive every
// event.
func (b *EventBus) Subscribe(event string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], fn)
}

// Emit delivers the event to its listeners and to wildcard listeners.
func (b *EventBus) Emit(ctx context.Context, event string, payload map[string]any) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[event])+len(b.listeners["*"]))
	targets = append(targets, b.listeners[event]...)
	targets = append(targets, b.listeners["*"]...)
	b.mu.RUnlock()

	for _, fn := range targets {
		b.dispatch(ctx, event, payload, fn)
	}
}

func (b *EventBus) dispatch(ctx context.Context, event string, payload map[string]any, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event listener panicked",
				slog.String("event", event),
				slog.Any("panic", r))
		}
	}()
	fn(event, payload)
}

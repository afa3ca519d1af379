package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/domain"
)

// NotifyHandler is the built-in handler for notify jobs. Delivery is a
// structured log line per channel; teams with real channels register
// their own handler instead.
type NotifyHandler struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifyHandler creates a notify handler.
func NewNotifyHandler(logger *slog.Logger) *NotifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyHandler{logger: logger, now: time.Now}
}

// Handle delivers the notification and records the delivery time in step
// state under "sentAt".
func (h *NotifyHandler) Handle(ctx context.Context, job *domain.Job, step *domain.Step, state queue.StepState) error {
	channel, _ := job.Payload["channel"].(string)
	target, _ := job.Payload["target"].(string)
	if channel == "" || target == "" {
		return fmt.Errorf("notify job %s needs channel and target", job.ID)
	}
	message, _ := job.Payload["message"].(string)

	h.logger.InfoContext(ctx, "notification sent",
		slog.String("job_id", job.ID),
		slog.String("channel", channel),
		slog.String("target", target),
		slog.String("message", message))

	return state.Set(ctx, "sentAt", h.now().UTC().Format(time.RFC3339))
}

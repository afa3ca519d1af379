// Package handlers holds the built-in job handlers registered by the
// worker binary. Collaborators can replace any of them by registering
// their own handler for the same job type.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/domain"
	"github.com/rezkam/renderflow/internal/storage/blob"
)

const (
	defaultFramesTotal = 90
	renderBatchFrames  = 30
)

// RenderHandler is the built-in handler for render jobs. It simulates the
// prepare/render/upload pipeline: frame progress is checkpointed into step
// state after every batch, so a retried or reclaimed job resumes rendering
// where it stopped, and the finished manifest lands in the artifact store.
type RenderHandler struct {
	artifacts blob.Store
	logger    *slog.Logger
}

// NewRenderHandler creates a render handler writing to the given store.
func NewRenderHandler(artifacts blob.Store, logger *slog.Logger) *RenderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenderHandler{artifacts: artifacts, logger: logger}
}

// Handle dispatches on the step name. Jobs enqueued with the default
// single "execute" step run the whole pipeline in one step.
func (h *RenderHandler) Handle(ctx context.Context, job *domain.Job, step *domain.Step, state queue.StepState) error {
	switch step.Name {
	case "prepare":
		return h.prepare(ctx, job, state)
	case "render":
		return h.render(ctx, job, state)
	case "upload":
		return h.upload(ctx, job, state)
	case "execute":
		if err := h.prepare(ctx, job, state); err != nil {
			return err
		}
		if err := h.render(ctx, job, state); err != nil {
			return err
		}
		return h.upload(ctx, job, state)
	default:
		return fmt.Errorf("unknown render step: %s", step.Name)
	}
}

func (h *RenderHandler) prepare(ctx context.Context, job *domain.Job, state queue.StepState) error {
	compositionID, _ := job.Payload["composition_id"].(string)
	if compositionID == "" {
		return fmt.Errorf("render job %s has no composition_id", job.ID)
	}

	total := int64(defaultFramesTotal)
	if v, ok := job.Payload["duration_frames"].(float64); ok && v > 0 {
		total = int64(v)
	}
	if err := state.Set(ctx, "framesTotal", total); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "render prepared",
		slog.String("job_id", job.ID),
		slog.String("composition_id", compositionID),
		slog.Int64("frames_total", total))
	return nil
}

func (h *RenderHandler) render(ctx context.Context, job *domain.Job, state queue.StepState) error {
	total, err := stateInt(ctx, state, "framesTotal")
	if err != nil {
		return err
	}
	if total == 0 {
		total = defaultFramesTotal
	}
	rendered, err := stateInt(ctx, state, "framesRendered")
	if err != nil {
		return err
	}

	for rendered < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		rendered = min(rendered+renderBatchFrames, total)
		// Each batch is a durable checkpoint.
		if err := state.Set(ctx, "framesRendered", rendered); err != nil {
			return err
		}
	}

	h.logger.InfoContext(ctx, "render finished",
		slog.String("job_id", job.ID),
		slog.Int64("frames", rendered))
	return nil
}

func (h *RenderHandler) upload(ctx context.Context, job *domain.Job, state queue.StepState) error {
	frames, err := stateInt(ctx, state, "framesRendered")
	if err != nil {
		return err
	}

	manifest := map[string]any{
		"job_id":         job.ID,
		"composition_id": job.Payload["composition_id"],
		"input_props":    job.Payload["input_props"],
		"frames":         frames,
		"finished_at":    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal render manifest: %w", err)
	}

	key := fmt.Sprintf("renders/%s/manifest.json", job.ID)
	url, err := h.artifacts.Put(ctx, key, data, "application/json")
	if err != nil {
		return fmt.Errorf("failed to upload render manifest: %w", err)
	}

	if err := state.Set(ctx, "uploadUrl", url); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "render uploaded",
		slog.String("job_id", job.ID),
		slog.String("url", url))
	return nil
}

func stateInt(ctx context.Context, state queue.StepState, key string) (int64, error) {
	v, err := state.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("step state %q is not a number", key)
	}
}

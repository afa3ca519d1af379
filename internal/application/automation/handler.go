package automation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/domain"
)

// handleAutomationJob is the queue handler for composite automation jobs.
// The steps are validate, execute_actions and cleanup; each is resumable,
// so a retried attempt never re-enqueues child jobs it already created.
func (r *Runner) handleAutomationJob(ctx context.Context, job *domain.Job, step *domain.Step, state queue.StepState) error {
	automationID, _ := job.Payload["automation_id"].(string)
	execID, _ := job.Payload["execution_id"].(string)
	if automationID == "" {
		return fmt.Errorf("automation job %s has no automation_id", job.ID)
	}

	switch step.Name {
	case "validate":
		return r.stepValidate(ctx, automationID)
	case "execute_actions":
		return r.stepExecuteActions(ctx, job, execID, automationID, state)
	case "cleanup":
		return r.stepCleanup(execID)
	default:
		return fmt.Errorf("unknown automation step: %s", step.Name)
	}
}

func (r *Runner) stepValidate(ctx context.Context, automationID string) error {
	a, err := r.store.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	if !a.Enabled {
		return domain.ErrAutomationDisabled
	}
	return validateAutomation(a)
}

func (r *Runner) stepExecuteActions(ctx context.Context, job *domain.Job, execID, automationID string, state queue.StepState) error {
	a, err := r.store.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	payload, _ := job.Payload["trigger_payload"].(map[string]any)

	// Resume: actions already dispatched on a previous attempt are skipped.
	start := 0
	if v, err := state.Get(ctx, "actionsCompleted"); err != nil {
		return err
	} else if v != nil {
		start = toInt(v)
	}

	for i := start; i < len(a.Actions); i++ {
		action := a.Actions[i]
		began := r.now()

		childJob, err := r.dispatchAction(ctx, a, action, i, execID, payload)
		if err != nil {
			r.recordActionResult(execID, domain.StepResult{
				Index:      i,
				Type:       action.Type,
				Status:     "error",
				Error:      err.Error(),
				DurationMS: time.Since(began).Milliseconds(),
			}, i)
			return fmt.Errorf("action %d (%s) failed: %w", i, action.Type, err)
		}

		r.recordActionResult(execID, domain.StepResult{
			Index:      i,
			Type:       action.Type,
			Status:     "success",
			Output:     map[string]any{"job_id": childJob.ID, "queue": childJob.Queue},
			DurationMS: time.Since(began).Milliseconds(),
		}, i)

		if err := state.Set(ctx, "actionsCompleted", i+1); err != nil {
			return err
		}
	}
	return nil
}

// dispatchAction enqueues the child job for one action. The idempotency
// key execution_id:index makes a replayed attempt a no-op for actions that
// already went out.
func (r *Runner) dispatchAction(ctx context.Context, a *domain.Automation, action domain.Action, index int, execID string, payload map[string]any) (*domain.Job, error) {
	key := execID + ":" + strconv.Itoa(index)
	tags := []string{"automation:" + a.ID, "execution:" + execID}

	switch action.Type {
	case domain.ActionRender:
		childPayload := map[string]any{
			"composition_id": action.CompositionID,
			"input_props":    InterpolateMap(action.InputPropsTemplate, payload),
		}
		if action.OutputOverrides != nil {
			childPayload["output_overrides"] = InterpolateMap(action.OutputOverrides, payload)
		}
		return r.jobs.Enqueue(ctx, RenderQueue, JobTypeRender, childPayload,
			queue.WithIdempotencyKey(key),
			queue.WithTags(tags...),
		)
	case domain.ActionNotify:
		message := ""
		if action.Template != "" {
			message = stringify(Interpolate(action.Template, payload))
		}
		return r.jobs.Enqueue(ctx, NotifyQueue, JobTypeNotify, map[string]any{
			"channel": action.Channel,
			"target":  action.Target,
			"message": message,
		},
			queue.WithIdempotencyKey(key),
			queue.WithTags(tags...),
		)
	default:
		return nil, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func (r *Runner) recordActionResult(execID string, result domain.StepResult, currentStep int) {
	if execID == "" {
		return
	}
	r.executions.update(execID, func(e *domain.Execution) {
		// Replace a stale result from a previous attempt of the same index.
		replaced := false
		for i := range e.Results {
			if e.Results[i].Index == result.Index {
				e.Results[i] = result
				replaced = true
				break
			}
		}
		if !replaced {
			e.Results = append(e.Results, result)
		}
		e.CurrentStep = currentStep
		if result.Status == "error" {
			e.Error = result.Error
		}
	})
}

func (r *Runner) stepCleanup(execID string) error {
	if execID == "" {
		return nil
	}
	now := r.now().UTC()
	r.executions.update(execID, func(e *domain.Execution) {
		e.Status = domain.ExecutionCompleted
		e.CompletedAt = &now
	})
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

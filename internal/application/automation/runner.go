package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/config"
	"github.com/rezkam/renderflow/internal/domain"
)

// Queue and job names the runner uses.
const (
	AutomationQueue   = "automation"
	JobTypeAutomation = "automation"

	RenderQueue   = "render"
	JobTypeRender = "render"
	NotifyQueue   = "notify"
	JobTypeNotify = "notify"
)

// Store is the persistence surface the runner needs.
type Store interface {
	SaveAutomation(ctx context.Context, a *domain.Automation) error
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	ListAutomations(ctx context.Context, projectID string) ([]*domain.Automation, error)
	DeleteAutomation(ctx context.Context, id string) error
	SetAutomationEnabled(ctx context.Context, id string, enabled bool) error
	MarkAutomationTriggered(ctx context.Context, id string, at time.Time) error
}

// JobQueue is the slice of the queue the runner drives. *queue.Queue
// satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload map[string]any, opts ...queue.EnqueueOption) (*domain.Job, error)
	RegisterHandler(jobType string, h queue.Handler)
	On(event string, fn queue.Listener)
}

// Runner owns automation definitions and converts triggers into composite
// queue jobs. It is a client of the queue: the durable record of a run is
// the automation job and its children, the Runner's execution map is
// observational bookkeeping on top.
type Runner struct {
	store      Store
	jobs       JobQueue
	executions *executionStore
	cfg        config.AutomationConfig
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner, registers the automation job handler and
// subscribes to queue events so permanently failed runs mark their
// execution failed.
func NewRunner(store Store, jobs JobQueue, cfg config.AutomationConfig, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid automation config: %w", err)
	}

	r := &Runner{
		store:      store,
		jobs:       jobs,
		executions: newExecutionStore(cfg.MaxExecutions, cfg.ExecutionTTL),
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	jobs.RegisterHandler(JobTypeAutomation, r.handleAutomationJob)
	jobs.On(queue.EventJobDeadLetter, r.onJobDeadLetter)
	return r, nil
}

// Save validates and persists an automation. A missing ID means create.
func (r *Runner) Save(ctx context.Context, a *domain.Automation) error {
	if err := validateAutomation(a); err != nil {
		return err
	}

	now := r.now().UTC()
	if a.ID == "" {
		a.ID = domain.NewAutomationID()
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	if err := r.store.SaveAutomation(ctx, a); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "automation saved",
		slog.String("automation_id", a.ID),
		slog.String("trigger", a.Trigger.Type),
		slog.Int("actions", len(a.Actions)))
	return nil
}

func validateAutomation(a *domain.Automation) error {
	if a.Name == "" {
		return fmt.Errorf("automation name is required")
	}
	if a.ProjectID == "" {
		return fmt.Errorf("automation project id is required")
	}

	switch a.Trigger.Type {
	case domain.TriggerWebhook:
	case domain.TriggerSchedule:
		if _, err := cron.ParseStandard(a.Trigger.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", a.Trigger.Cron, err)
		}
		if a.Trigger.Timezone != "" {
			if _, err := time.LoadLocation(a.Trigger.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", a.Trigger.Timezone, err)
			}
		}
	case domain.TriggerAssetUpload:
		if len(a.Trigger.AssetTypes) == 0 {
			return fmt.Errorf("asset_upload trigger needs at least one asset type")
		}
	default:
		return fmt.Errorf("unknown trigger type: %s", a.Trigger.Type)
	}

	for i, action := range a.Actions {
		switch action.Type {
		case domain.ActionRender:
			if action.CompositionID == "" {
				return fmt.Errorf("action %d: render action needs a composition id", i)
			}
		case domain.ActionNotify:
			if action.Channel == "" || action.Target == "" {
				return fmt.Errorf("action %d: notify action needs a channel and target", i)
			}
		default:
			return fmt.Errorf("action %d: unknown action type: %s", i, action.Type)
		}
	}
	return nil
}

// Get returns an automation by ID.
func (r *Runner) Get(ctx context.Context, id string) (*domain.Automation, error) {
	return r.store.GetAutomation(ctx, id)
}

// List returns automations, optionally filtered by project.
func (r *Runner) List(ctx context.Context, projectID string) ([]*domain.Automation, error) {
	return r.store.ListAutomations(ctx, projectID)
}

// Delete removes an automation definition. Running executions are
// unaffected; their jobs are already in the queue.
func (r *Runner) Delete(ctx context.Context, id string) error {
	return r.store.DeleteAutomation(ctx, id)
}

// SetEnabled flips the enabled flag without touching the definition.
func (r *Runner) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.store.SetAutomationEnabled(ctx, id, enabled)
}

// TriggerOptions customizes a single trigger.
type TriggerOptions struct {
	// IdempotencyKey overrides the canonical automation_id:now_unix key.
	IdempotencyKey string
}

// Trigger fires an automation: records a running execution and enqueues
// the composite automation job. The returned execution carries the job ID.
func (r *Runner) Trigger(ctx context.Context, automationID string, payload map[string]any, opts *TriggerOptions) (*domain.Execution, error) {
	a, err := r.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, domain.ErrAutomationDisabled
	}

	now := r.now().UTC()
	key := fmt.Sprintf("%s:%d", a.ID, now.Unix())
	if opts != nil && opts.IdempotencyKey != "" {
		key = opts.IdempotencyKey
	}

	exec := &domain.Execution{
		ID:             domain.NewExecutionID(),
		AutomationID:   a.ID,
		TriggerPayload: payload,
		Status:         domain.ExecutionRunning,
		StartedAt:      now,
	}

	job, err := r.jobs.Enqueue(ctx, AutomationQueue, JobTypeAutomation,
		map[string]any{
			"automation_id":   a.ID,
			"execution_id":    exec.ID,
			"trigger_payload": payload,
		},
		queue.WithPriority(domain.PriorityHigh),
		queue.WithSteps("validate", "execute_actions", "cleanup"),
		queue.WithIdempotencyKey(key),
		queue.WithTags("automation:"+a.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue automation job: %w", err)
	}

	// A deduplicated enqueue means this trigger already fired; hand back
	// the execution the first trigger created instead of recording a new
	// one. When that record already aged out, return a detached view of
	// the prior firing. Either way nothing was enqueued, so the
	// automation's trigger bookkeeping stays untouched.
	if existingID, ok := job.Payload["execution_id"].(string); ok && existingID != exec.ID {
		if existing, found := r.executions.get(existingID); found {
			return existing, nil
		}
		return &domain.Execution{
			ID:             existingID,
			AutomationID:   a.ID,
			JobID:          job.ID,
			TriggerPayload: payload,
			Status:         domain.ExecutionRunning,
			StartedAt:      job.CreatedAt,
		}, nil
	}

	exec.JobID = job.ID
	r.executions.add(exec)

	if err := r.store.MarkAutomationTriggered(ctx, a.ID, now); err != nil {
		r.logger.ErrorContext(ctx, "failed to record automation trigger",
			slog.String("automation_id", a.ID),
			slog.Any("error", err))
	}

	r.logger.InfoContext(ctx, "automation triggered",
		slog.String("automation_id", a.ID),
		slog.String("execution_id", exec.ID),
		slog.String("job_id", job.ID))
	return exec, nil
}

// FireDue triggers every enabled schedule automation whose next fire time,
// computed from its last trigger, is not after now. An external ticker
// owns the clock and calls this; it returns how many automations fired.
func (r *Runner) FireDue(ctx context.Context, now time.Time) (int, error) {
	all, err := r.store.ListAutomations(ctx, "")
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, a := range all {
		if !a.Enabled || a.Trigger.Type != domain.TriggerSchedule {
			continue
		}
		next, err := nextFireTime(a)
		if err != nil {
			r.logger.ErrorContext(ctx, "skipping automation with invalid schedule",
				slog.String("automation_id", a.ID),
				slog.Any("error", err))
			continue
		}
		if next.After(now) {
			continue
		}
		if _, err := r.Trigger(ctx, a.ID, map[string]any{
			"trigger":  domain.TriggerSchedule,
			"fired_at": now.UTC().Format(time.RFC3339),
		}, nil); err != nil {
			r.logger.ErrorContext(ctx, "failed to fire scheduled automation",
				slog.String("automation_id", a.ID),
				slog.Any("error", err))
			continue
		}
		fired++
	}
	return fired, nil
}

func nextFireTime(a *domain.Automation) (time.Time, error) {
	sched, err := cron.ParseStandard(a.Trigger.Cron)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if a.Trigger.Timezone != "" {
		loc, err = time.LoadLocation(a.Trigger.Timezone)
		if err != nil {
			return time.Time{}, err
		}
	}

	last := a.CreatedAt
	if a.LastTriggeredAt != nil {
		last = *a.LastTriggeredAt
	}
	return sched.Next(last.In(loc)), nil
}

// NotifyAssetUploaded triggers every enabled asset_upload automation whose
// configured asset types include the uploaded asset's type. Returns how
// many automations fired.
func (r *Runner) NotifyAssetUploaded(ctx context.Context, event domain.AssetEvent) (int, error) {
	all, err := r.store.ListAutomations(ctx, event.ProjectID)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, a := range all {
		if !a.Enabled || a.Trigger.Type != domain.TriggerAssetUpload {
			continue
		}
		if !containsString(a.Trigger.AssetTypes, event.AssetType) {
			continue
		}
		if _, err := r.Trigger(ctx, a.ID, map[string]any{
			"trigger":    domain.TriggerAssetUpload,
			"asset_id":   event.AssetID,
			"asset_type": event.AssetType,
			"asset_name": event.Name,
			"asset_url":  event.URL,
			"project_id": event.ProjectID,
		}, nil); err != nil {
			r.logger.ErrorContext(ctx, "failed to fire asset-upload automation",
				slog.String("automation_id", a.ID),
				slog.Any("error", err))
			continue
		}
		fired++
	}
	return fired, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// GetExecution returns an execution by ID, or domain.ErrExecutionNotFound
// once it has been evicted from the bounded store.
func (r *Runner) GetExecution(id string) (*domain.Execution, error) {
	exec, ok := r.executions.get(id)
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return exec, nil
}

// GetExecutionsByAutomation returns retained executions for an automation,
// newest first.
func (r *Runner) GetExecutionsByAutomation(automationID string) []*domain.Execution {
	return r.executions.byAutomation(automationID)
}

// GetRecentExecutions returns the most recently started executions.
func (r *Runner) GetRecentExecutions(limit int) []*domain.Execution {
	if limit <= 0 {
		limit = 50
	}
	return r.executions.recent(limit)
}

// RunCleanup evicts expired executions on the configured interval until
// ctx is done.
func (r *Runner) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.executions.cleanup(time.Now()); n > 0 {
				r.logger.InfoContext(ctx, "evicted expired executions", slog.Int("count", n))
			}
		}
	}
}

func (r *Runner) onJobDeadLetter(event string, payload map[string]any) {
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		return
	}
	exec, ok := r.executions.getByJobID(jobID)
	if !ok {
		return
	}
	errMsg, _ := payload["error"].(string)
	now := r.now().UTC()
	r.executions.update(exec.ID, func(e *domain.Execution) {
		e.Status = domain.ExecutionFailed
		e.Error = errMsg
		e.CompletedAt = &now
	})
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/renderflow/internal/config"
	"github.com/rezkam/renderflow/internal/domain"
)

// Queue is the durable job queue: enqueue, claim, retry, dead-letter.
// One Queue owns one worker pool; multiple processes may share the same
// database and coordinate through leases.
type Queue struct {
	coordinator Coordinator
	cfg         config.QueueConfig
	registry    *registry
	events      *EventBus
	logger      *slog.Logger
	workerID    string
	now         func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithWorkerID overrides the generated worker identity.
func WithWorkerID(id string) Option {
	return func(q *Queue) { q.workerID = id }
}

// WithClock overrides the time source. Tests use this to control leases
// and backoff without sleeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over the given coordinator.
func New(coordinator Coordinator, cfg config.QueueConfig, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	q := &Queue{
		coordinator: coordinator,
		cfg:         cfg,
		registry:    newRegistry(),
		logger:      slog.Default(),
		workerID:    generateWorkerID(),
		now:         time.Now,
		sem:         make(chan struct{}, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.events = NewEventBus(q.logger)
	return q, nil
}

func generateWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// WorkerID returns this queue's worker identity as recorded on claimed jobs.
func (q *Queue) WorkerID() string { return q.workerID }

// EnqueueOption customizes a single enqueued job.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	priority       domain.Priority
	maxAttempts    int
	idempotencyKey string
	delay          time.Duration
	steps          []string
	tags           []string
	timeout        time.Duration
}

// WithPriority sets the claim priority (default normal).
func WithPriority(p domain.Priority) EnqueueOption {
	return func(o *enqueueParams) { o.priority = p }
}

// WithMaxAttempts overrides the configured retry budget for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueParams) { o.maxAttempts = n }
}

// WithIdempotencyKey makes the enqueue idempotent: a second enqueue with
// the same key returns the existing job instead of creating another.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueParams) { o.idempotencyKey = key }
}

// WithDelay defers the job: it is not claimable until the delay passes.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueParams) { o.delay = d }
}

// WithSteps names the job's ordered steps (default a single "execute").
func WithSteps(names ...string) EnqueueOption {
	return func(o *enqueueParams) { o.steps = names }
}

// WithTags attaches free-form tags for filtering and diagnostics.
func WithTags(tags ...string) EnqueueOption {
	return func(o *enqueueParams) { o.tags = tags }
}

// WithTimeout overrides the lease duration for this job. Long renders set
// this above the pool default.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueParams) { o.timeout = d }
}

func (q *Queue) buildJob(queueName, jobType string, payload map[string]any, opts []EnqueueOption) (*domain.Job, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}

	params := enqueueParams{
		priority:    domain.PriorityNormal,
		maxAttempts: q.cfg.MaxAttempts,
		steps:       []string{"execute"},
	}
	for _, opt := range opts {
		opt(&params)
	}

	if err := params.priority.Validate(); err != nil {
		return nil, err
	}
	if params.maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", params.maxAttempts)
	}
	if params.delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}
	if len(params.steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}

	now := q.now().UTC()
	job := &domain.Job{
		ID:          domain.NewJobID(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Status:      domain.JobStatusPending,
		Priority:    params.priority,
		MaxAttempts: params.maxAttempts,
		StepState:   map[string]any{},
		Tags:        params.tags,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if params.idempotencyKey != "" {
		key := params.idempotencyKey
		job.IdempotencyKey = &key
	}
	if params.delay > 0 {
		job.Status = domain.JobStatusScheduled
		job.ScheduledAt = now.Add(params.delay)
	}
	if params.timeout > 0 {
		ms := params.timeout.Milliseconds()
		job.TimeoutMS = &ms
	}
	job.Steps = make([]domain.Step, len(params.steps))
	for i, name := range params.steps {
		job.Steps[i] = domain.Step{Name: name, Status: domain.StepStatusPending}
	}
	return job, nil
}

// Enqueue adds a job to the named queue and returns it. When an
// idempotency key is supplied and a job with that key already exists, the
// existing job is returned and no new job is created.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobType string, payload map[string]any, opts ...EnqueueOption) (*domain.Job, error) {
	job, err := q.buildJob(queueName, jobType, payload, opts)
	if err != nil {
		return nil, err
	}

	if job.IdempotencyKey != nil {
		existing, err := q.coordinator.FindJobByIdempotencyKey(ctx, *job.IdempotencyKey)
		if err == nil {
			q.emitDeduplicated(ctx, existing)
			return existing, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	if err := q.coordinator.InsertJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) && job.IdempotencyKey != nil {
			existing, ferr := q.coordinator.FindJobByIdempotencyKey(ctx, *job.IdempotencyKey)
			if ferr != nil {
				return nil, fmt.Errorf("failed to resolve idempotency conflict: %w", ferr)
			}
			q.emitDeduplicated(ctx, existing)
			return existing, nil
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.events.Emit(ctx, EventJobCreated, map[string]any{
		"job_id":   job.ID,
		"queue":    job.Queue,
		"type":     job.Type,
		"priority": string(job.Priority),
	})
	q.logger.InfoContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("type", job.Type),
		slog.String("priority", string(job.Priority)))
	return job, nil
}

func (q *Queue) emitDeduplicated(ctx context.Context, existing *domain.Job) {
	q.events.Emit(ctx, EventJobDeduplicated, map[string]any{
		"job_id": existing.ID,
		"queue":  existing.Queue,
		"type":   existing.Type,
	})
}

// EnqueueRequest is one entry of a batch enqueue.
type EnqueueRequest struct {
	Queue   string
	Type    string
	Payload map[string]any
	Options []EnqueueOption
}

// EnqueueBatch enqueues jobs atomically: either every non-duplicate entry
// is persisted or none are. Entries whose idempotency key already exists
// resolve to the existing job.
func (q *Queue) EnqueueBatch(ctx context.Context, requests []EnqueueRequest) ([]*domain.Job, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	jobs := make([]*domain.Job, len(requests))
	for i, req := range requests {
		job, err := q.buildJob(req.Queue, req.Type, req.Payload, req.Options)
		if err != nil {
			return nil, fmt.Errorf("invalid batch entry %d: %w", i, err)
		}
		jobs[i] = job
	}

	inserted, deduped, err := q.coordinator.InsertJobBatch(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	created := 0
	for i, job := range inserted {
		if deduped[i] {
			q.emitDeduplicated(ctx, job)
			continue
		}
		created++
	}
	q.events.Emit(ctx, EventJobBatchCreated, map[string]any{
		"count":   created,
		"deduped": len(inserted) - created,
	})
	q.logger.InfoContext(ctx, "batch enqueued",
		slog.Int("created", created),
		slog.Int("deduped", len(inserted)-created))
	return inserted, nil
}

// RegisterHandler binds a handler to a job type. Registering the same type
// twice replaces the previous handler.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.registry.register(jobType, h)
}

// On subscribes to queue events. Use "*" for all events.
func (q *Queue) On(event string, fn Listener) {
	q.events.Subscribe(event, fn)
}

// GetJob returns a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return q.coordinator.FindJob(ctx, jobID)
}

// GetJobByIdempotencyKey returns the job holding the given key.
func (q *Queue) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	return q.coordinator.FindJobByIdempotencyKey(ctx, key)
}

// CancelJob cancels a job that has not started processing. Processing and
// terminal jobs return domain.ErrJobNotCancellable.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	if err := q.coordinator.CancelJob(ctx, jobID); err != nil {
		return err
	}
	q.events.Emit(ctx, EventJobCancelled, map[string]any{"job_id": jobID})
	q.logger.InfoContext(ctx, "job cancelled", slog.String("job_id", jobID))
	return nil
}

// UpdateStepState merges the given keys into the job's durable step state.
func (q *Queue) UpdateStepState(ctx context.Context, jobID string, patch map[string]any) error {
	return q.coordinator.UpdateStepState(ctx, jobID, patch)
}

// GetStepState returns the job's accumulated step state.
func (q *Queue) GetStepState(ctx context.Context, jobID string) (map[string]any, error) {
	return q.coordinator.GetStepState(ctx, jobID)
}

// GetQueueStats returns the snapshot for one queue.
func (q *Queue) GetQueueStats(ctx context.Context, queueName string) (*domain.QueueStats, error) {
	return q.coordinator.GetQueueStats(ctx, queueName)
}

// GetAllStats returns snapshots for every queue.
func (q *Queue) GetAllStats(ctx context.Context) ([]*domain.QueueStats, error) {
	return q.coordinator.ListQueueStats(ctx)
}

// GetStalledJobsCount counts processing jobs whose lease has expired.
func (q *Queue) GetStalledJobsCount(ctx context.Context) (int64, error) {
	return q.coordinator.CountStalledJobs(ctx, q.now().UTC())
}

// GetDeadLetterJobs returns unreviewed dead letter entries, newest first.
// queue may be empty to list across queues.
func (q *Queue) GetDeadLetterJobs(ctx context.Context, queueName string, limit int) ([]*domain.DeadLetterJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.coordinator.ListDeadLetterJobs(ctx, queueName, limit)
}

// RetryDeadLetter re-enqueues a dead letter entry as a fresh job with a
// reset retry budget and removes the entry.
func (q *Queue) RetryDeadLetter(ctx context.Context, dlqID string) (*domain.Job, error) {
	job, err := q.coordinator.RetryDeadLetterJob(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	q.events.Emit(ctx, EventJobCreated, map[string]any{
		"job_id":   job.ID,
		"queue":    job.Queue,
		"type":     job.Type,
		"priority": string(job.Priority),
	})
	q.logger.InfoContext(ctx, "dead letter job retried",
		slog.String("dead_letter_id", dlqID),
		slog.String("job_id", job.ID))
	return job, nil
}

// DiscardDeadLetter marks a dead letter entry reviewed without retrying it.
func (q *Queue) DiscardDeadLetter(ctx context.Context, dlqID, note string) error {
	if err := q.coordinator.DiscardDeadLetterJob(ctx, dlqID, note); err != nil {
		return err
	}
	q.logger.InfoContext(ctx, "dead letter job discarded",
		slog.String("dead_letter_id", dlqID))
	return nil
}

// Start launches the worker pool, the stalled-job scanner, and the stats
// refresher. It returns immediately; processing stops when Stop is called
// or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("queue already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	// Crash recovery: a restarted worker reclaims its own orphans right
	// away instead of waiting out their leases, then sweeps for jobs left
	// behind by other dead workers.
	if n, err := q.coordinator.ResetWorkerJobs(runCtx, q.workerID); err != nil {
		q.logger.ErrorContext(runCtx, "startup worker-job reset failed", slog.Any("error", err))
	} else if n > 0 {
		q.logger.InfoContext(runCtx, "reset orphaned jobs from previous run", slog.Int64("count", n))
	}
	if err := q.scanStalled(runCtx); err != nil {
		q.logger.ErrorContext(runCtx, "startup stalled-job recovery failed", slog.Any("error", err))
	}

	q.wg.Add(3)
	go q.runPoller(runCtx)
	go q.runStalledLoop(runCtx)
	go q.runStatsLoop(runCtx)

	q.events.Emit(runCtx, EventWorkerStarted, map[string]any{
		"worker_id":   q.workerID,
		"concurrency": q.cfg.Concurrency,
	})
	q.logger.InfoContext(runCtx, "queue started",
		slog.String("worker_id", q.workerID),
		slog.Int("concurrency", q.cfg.Concurrency))
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()

	ctx := context.Background()
	q.events.Emit(ctx, EventWorkerStopped, map[string]any{"worker_id": q.workerID})
	q.logger.InfoContext(ctx, "queue stopped", slog.String("worker_id", q.workerID))
}

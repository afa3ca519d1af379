package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/renderflow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJob(queue, jobType string) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:          domain.NewJobID(),
		Queue:       queue,
		Type:        jobType,
		Payload:     map[string]any{"key": "value"},
		Status:      domain.JobStatusPending,
		Priority:    domain.PriorityNormal,
		MaxAttempts: 3,
		Steps:       []domain.Step{{Name: "execute", Status: domain.StepStatusPending}},
		StepState:   map[string]any{},
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInsertAndFindJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	job.Tags = []string{"proj-1"}
	require.NoError(t, store.InsertJob(ctx, job))

	found, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	assert.Equal(t, "render", found.Queue)
	assert.Equal(t, domain.JobStatusPending, found.Status)
	assert.Equal(t, map[string]any{"key": "value"}, found.Payload)
	assert.Equal(t, []string{"proj-1"}, found.Tags)
	require.Len(t, found.Steps, 1)
	assert.Equal(t, "execute", found.Steps[0].Name)

	_, err = store.FindJob(ctx, "job_missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestInsertJob_DuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "render:comp-1:abc"
	first := newTestJob("render", "render")
	first.IdempotencyKey = &key
	require.NoError(t, store.InsertJob(ctx, first))

	second := newTestJob("render", "render")
	second.IdempotencyKey = &key
	err := store.InsertJob(ctx, second)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	found, err := store.FindJobByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestClaimNextJob_PriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := newTestJob("render", "render")
	low.Priority = domain.PriorityLow
	normal := newTestJob("render", "render")
	urgent := newTestJob("render", "render")
	urgent.Priority = domain.PriorityUrgent

	// Insert out of order; claim order must follow priority rank.
	require.NoError(t, store.InsertJob(ctx, low))
	require.NoError(t, store.InsertJob(ctx, normal))
	require.NoError(t, store.InsertJob(ctx, urgent))

	var order []string
	for range 3 {
		job, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{urgent.ID, normal.ID, low.ID}, order)

	job, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextJob_SetsLeaseAndMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	job.CreatedAt = time.Now().UTC().Add(-2 * time.Second)
	require.NoError(t, store.InsertJob(ctx, job))

	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, domain.JobStatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)
	require.NotNil(t, claimed.TimeoutAt)
	require.NotNil(t, claimed.StartedAt)
	assert.GreaterOrEqual(t, claimed.Metrics.WaitMS, int64(2000))

	persisted, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.Metrics.WaitMS, persisted.Metrics.WaitMS)
}

func TestClaimNextJob_PerJobTimeoutOverride(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	override := (30 * time.Minute).Milliseconds()
	job := newTestJob("render", "render")
	job.TimeoutMS = &override
	require.NoError(t, store.InsertJob(ctx, job))

	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NotNil(t, claimed.TimeoutAt)

	lease := claimed.TimeoutAt.Sub(*claimed.StartedAt)
	assert.Equal(t, 30*time.Minute, lease)
}

func TestClaimNextJob_RespectsScheduledAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	job.Status = domain.JobStatusScheduled
	job.ScheduledAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.InsertJob(ctx, job))

	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, job))
	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	metrics := domain.JobMetrics{WaitMS: 10, ProcessingMS: 250, TotalMS: 260}
	require.NoError(t, store.CompleteJob(ctx, job.ID, "worker-1", metrics))

	done, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.TimeoutAt)
	assert.Equal(t, int64(250), done.Metrics.ProcessingMS)

	// A second completion, or one from the wrong worker, loses ownership.
	err = store.CompleteJob(ctx, job.ID, "worker-1", metrics)
	assert.ErrorIs(t, err, domain.ErrJobOwnershipLost)
	err = store.CompleteJob(ctx, job.ID, "worker-2", metrics)
	assert.ErrorIs(t, err, domain.ErrJobOwnershipLost)
}

func TestExtendLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, job))
	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.ExtendLease(ctx, job.ID, "worker-1", 10*time.Minute))

	extended, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, extended.TimeoutAt.After(*claimed.TimeoutAt))

	err = store.ExtendLease(ctx, job.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrJobOwnershipLost)
}

func TestScheduleRetry_PreservesSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	job.Steps = []domain.Step{
		{Name: "prepare", Status: domain.StepStatusPending},
		{Name: "render", Status: domain.StepStatusPending},
	}
	require.NoError(t, store.InsertJob(ctx, job))

	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.Steps[0].Status = domain.StepStatusCompleted
	require.NoError(t, store.UpdateJobSteps(ctx, job.ID, claimed.Steps))
	require.NoError(t, store.UpdateStepState(ctx, job.ID, map[string]any{"framesRendered": float64(42)}))

	nextRun := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.ScheduleRetry(ctx, job.ID, "worker-1", "render crashed", nextRun))

	retried, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	assert.Nil(t, retried.WorkerID)
	assert.Nil(t, retried.TimeoutAt)
	require.NotNil(t, retried.Error)
	assert.Equal(t, "render crashed", *retried.Error)
	assert.Equal(t, domain.StepStatusCompleted, retried.Steps[0].Status)
	assert.Equal(t, float64(42), retried.StepState["framesRendered"])
	assert.Equal(t, 1, retried.NextStepIndex())

	// Not claimable until the backoff delay passes.
	claimedAgain, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimedAgain)
}

func TestMoveToDeadLetterAndRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	job.Tags = []string{"proj-1"}
	require.NoError(t, store.InsertJob(ctx, job))
	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	entry, err := store.MoveToDeadLetter(ctx, job.ID, "worker-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, job.ID, entry.OriginalJobID)
	assert.Equal(t, "boom", entry.ErrorMessage)
	assert.Equal(t, 1, entry.Attempts)

	original, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDeadLetter, original.Status)

	entries, err := store.ListDeadLetterJobs(ctx, "render", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fresh, err := store.RetryDeadLetterJob(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID)
	assert.Equal(t, domain.JobStatusPending, fresh.Status)
	assert.Equal(t, 0, fresh.Attempts)
	assert.Equal(t, job.Payload, fresh.Payload)

	// DLQ row is gone; the audit row remains dead_letter.
	entries, err = store.ListDeadLetterJobs(ctx, "render", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	original, err = store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDeadLetter, original.Status)

	_, err = store.RetryDeadLetterJob(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)
}

func TestDiscardDeadLetterJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, job))
	_, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	entry, err := store.MoveToDeadLetter(ctx, job.ID, "worker-1", "boom")
	require.NoError(t, err)

	require.NoError(t, store.DiscardDeadLetterJob(ctx, entry.ID, "known bad asset"))

	entries, err := store.ListDeadLetterJobs(ctx, "render", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = store.DiscardDeadLetterJob(ctx, entry.ID, "again")
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)
}

func TestCancelJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, job))
	require.NoError(t, store.CancelJob(ctx, job.ID))

	cancelled, err := store.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)

	// Cancelled jobs are never claimed.
	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// Terminal and processing jobs are not cancellable.
	err = store.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotCancellable)

	processing := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, processing))
	_, err = store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	err = store.CancelJob(ctx, processing.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotCancellable)

	err = store.CancelJob(ctx, "job_missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStalledJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, job))
	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	future := time.Now().UTC().Add(time.Minute)
	stalled, err := store.FindStalledJobs(ctx, future, 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, job.ID, stalled[0].ID)

	count, err := store.CountStalledJobs(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.CountStalledJobs(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestResetWorkerJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mine := newTestJob("render", "render")
	other := newTestJob("render", "render")
	require.NoError(t, store.InsertJob(ctx, mine))
	require.NoError(t, store.InsertJob(ctx, other))

	_, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = store.ClaimNextJob(ctx, "render", "worker-2", time.Minute)
	require.NoError(t, err)

	n, err := store.ResetWorkerJobs(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reset, err := store.FindJob(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, reset.Status)
	assert.Nil(t, reset.WorkerID)

	untouched, err := store.FindJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, untouched.Status)
}

func TestInsertJobBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "dup-key"
	existing := newTestJob("render", "render")
	existing.IdempotencyKey = &key
	require.NoError(t, store.InsertJob(ctx, existing))

	fresh := newTestJob("render", "render")
	dup := newTestJob("render", "render")
	dup.IdempotencyKey = &key

	inserted, deduped, err := store.InsertJobBatch(ctx, []*domain.Job{fresh, dup})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.False(t, deduped[0])
	assert.True(t, deduped[1])
	assert.Equal(t, existing.ID, inserted[1].ID)
}

func TestQueueStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for range 2 {
		require.NoError(t, store.InsertJob(ctx, newTestJob("render", "render")))
	}
	require.NoError(t, store.InsertJob(ctx, newTestJob("notify", "notify")))

	claimed, err := store.ClaimNextJob(ctx, "render", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.CompleteJob(ctx, claimed.ID, "worker-1", domain.JobMetrics{ProcessingMS: 100}))

	require.NoError(t, store.RecomputeQueueStats(ctx, time.Now().UTC()))

	render, err := store.GetQueueStats(ctx, "render")
	require.NoError(t, err)
	assert.Equal(t, int64(1), render.Pending)
	assert.Equal(t, int64(1), render.Completed)

	all, err := store.ListQueueStats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	unknown, err := store.GetQueueStats(ctx, "never-seen")
	require.NoError(t, err)
	assert.Zero(t, unknown.Pending)
}

func TestAutomationCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	a := &domain.Automation{
		ID:        domain.NewAutomationID(),
		ProjectID: "proj-1",
		Name:      "daily render",
		Enabled:   true,
		Trigger:   domain.Trigger{Type: domain.TriggerSchedule, Cron: "0 9 * * *", Timezone: "UTC"},
		Actions: []domain.Action{
			{Type: domain.ActionRender, CompositionID: "comp-1", InputPropsTemplate: map[string]any{"title": "{{title}}"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.SaveAutomation(ctx, a))

	loaded, err := store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily render", loaded.Name)
	assert.Equal(t, domain.TriggerSchedule, loaded.Trigger.Type)
	require.Len(t, loaded.Actions, 1)
	assert.Equal(t, "comp-1", loaded.Actions[0].CompositionID)

	require.NoError(t, store.SetAutomationEnabled(ctx, a.ID, false))
	loaded, err = store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)

	require.NoError(t, store.MarkAutomationTriggered(ctx, a.ID, now))
	loaded, err = store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.TriggerCount)
	require.NotNil(t, loaded.LastTriggeredAt)

	list, err := store.ListAutomations(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = store.ListAutomations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteAutomation(ctx, a.ID))
	_, err = store.GetAutomation(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrAutomationNotFound)
}

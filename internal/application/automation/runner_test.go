package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/config"
	"github.com/rezkam/renderflow/internal/domain"
)

type fakeStore struct {
	automations map[string]*domain.Automation
}

func newFakeStore() *fakeStore {
	return &fakeStore{automations: make(map[string]*domain.Automation)}
}

func (f *fakeStore) SaveAutomation(_ context.Context, a *domain.Automation) error {
	copied := *a
	f.automations[a.ID] = &copied
	return nil
}

func (f *fakeStore) GetAutomation(_ context.Context, id string) (*domain.Automation, error) {
	a, ok := f.automations[id]
	if !ok {
		return nil, domain.ErrAutomationNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) ListAutomations(_ context.Context, projectID string) ([]*domain.Automation, error) {
	var out []*domain.Automation
	for _, a := range f.automations {
		if projectID == "" || a.ProjectID == projectID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteAutomation(_ context.Context, id string) error {
	if _, ok := f.automations[id]; !ok {
		return domain.ErrAutomationNotFound
	}
	delete(f.automations, id)
	return nil
}

func (f *fakeStore) SetAutomationEnabled(_ context.Context, id string, enabled bool) error {
	a, ok := f.automations[id]
	if !ok {
		return domain.ErrAutomationNotFound
	}
	a.Enabled = enabled
	return nil
}

func (f *fakeStore) MarkAutomationTriggered(_ context.Context, id string, at time.Time) error {
	a, ok := f.automations[id]
	if !ok {
		return domain.ErrAutomationNotFound
	}
	a.TriggerCount++
	triggered := at
	a.LastTriggeredAt = &triggered
	return nil
}

type enqueueCall struct {
	queue   string
	jobType string
	payload map[string]any
}

type fakeQueue struct {
	calls    []enqueueCall
	handlers map[string]queue.Handler

	// dedupeTo, when set, makes Enqueue behave like an idempotency-key
	// hit: the returned job carries this execution_id instead of the
	// caller's.
	dedupeTo string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: make(map[string]queue.Handler)}
}

func (f *fakeQueue) Enqueue(_ context.Context, queueName, jobType string, payload map[string]any, _ ...queue.EnqueueOption) (*domain.Job, error) {
	f.calls = append(f.calls, enqueueCall{queue: queueName, jobType: jobType, payload: payload})
	if f.dedupeTo != "" {
		existing := make(map[string]any, len(payload))
		for k, v := range payload {
			existing[k] = v
		}
		existing["execution_id"] = f.dedupeTo
		payload = existing
	}
	return &domain.Job{
		ID:      domain.NewJobID(),
		Queue:   queueName,
		Type:    jobType,
		Payload: payload,
		Status:  domain.JobStatusPending,
	}, nil
}

func (f *fakeQueue) RegisterHandler(jobType string, h queue.Handler) {
	f.handlers[jobType] = h
}

func (f *fakeQueue) On(event string, fn queue.Listener) {}

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		MaxExecutions:   100,
		ExecutionTTL:    time.Hour,
		CleanupInterval: time.Minute,
	}
}

func newTestRunner(t *testing.T) (*Runner, *fakeStore, *fakeQueue) {
	t.Helper()
	store := newFakeStore()
	jobs := newFakeQueue()
	r, err := NewRunner(store, jobs, testAutomationConfig())
	require.NoError(t, err)
	return r, store, jobs
}

func scheduleAutomation() *domain.Automation {
	return &domain.Automation{
		ProjectID: "proj-1",
		Name:      "daily recap",
		Enabled:   true,
		Trigger:   domain.Trigger{Type: domain.TriggerSchedule, Cron: "0 9 * * *", Timezone: "UTC"},
		Actions: []domain.Action{
			{Type: domain.ActionRender, CompositionID: "comp-1", InputPropsTemplate: map[string]any{"title": "{{title}}"}},
		},
	}
}

func TestSave_AssignsIDAndTimestamps(t *testing.T) {
	r, store, _ := newTestRunner(t)

	a := scheduleAutomation()
	require.NoError(t, r.Save(context.Background(), a))

	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.Contains(t, store.automations, a.ID)
}

func TestSave_Validation(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.Automation)
	}{
		{"missing name", func(a *domain.Automation) { a.Name = "" }},
		{"missing project", func(a *domain.Automation) { a.ProjectID = "" }},
		{"bad cron", func(a *domain.Automation) { a.Trigger.Cron = "not a cron" }},
		{"bad timezone", func(a *domain.Automation) { a.Trigger.Timezone = "Mars/Olympus" }},
		{"unknown trigger", func(a *domain.Automation) { a.Trigger.Type = "carrier_pigeon" }},
		{"asset trigger without types", func(a *domain.Automation) {
			a.Trigger = domain.Trigger{Type: domain.TriggerAssetUpload}
		}},
		{"render action without composition", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: domain.ActionRender}}
		}},
		{"notify action without target", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: domain.ActionNotify, Channel: "email"}}
		}},
		{"unknown action", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: "carrier_pigeon"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := scheduleAutomation()
			tt.mutate(a)
			assert.Error(t, r.Save(ctx, a))
		})
	}
}

func TestTrigger_EnqueuesCompositeJob(t *testing.T) {
	r, _, jobs := newTestRunner(t)
	ctx := context.Background()

	a := scheduleAutomation()
	require.NoError(t, r.Save(ctx, a))

	exec, err := r.Trigger(ctx, a.ID, map[string]any{"title": "hello"}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionRunning, exec.Status)
	assert.NotEmpty(t, exec.JobID)

	require.Len(t, jobs.calls, 1)
	call := jobs.calls[0]
	assert.Equal(t, AutomationQueue, call.queue)
	assert.Equal(t, JobTypeAutomation, call.jobType)
	assert.Equal(t, a.ID, call.payload["automation_id"])
	assert.Equal(t, exec.ID, call.payload["execution_id"])

	got, err := r.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
}

func TestTrigger_DisabledAutomation(t *testing.T) {
	r, _, jobs := newTestRunner(t)
	ctx := context.Background()

	a := scheduleAutomation()
	a.Enabled = false
	require.NoError(t, r.Save(ctx, a))

	_, err := r.Trigger(ctx, a.ID, nil, nil)
	assert.ErrorIs(t, err, domain.ErrAutomationDisabled)
	assert.Empty(t, jobs.calls)

	_, err = r.Trigger(ctx, "auto_missing", nil, nil)
	assert.ErrorIs(t, err, domain.ErrAutomationNotFound)
}

func TestFireDue(t *testing.T) {
	base := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	now := base

	store := newFakeStore()
	jobs := newFakeQueue()
	r, err := NewRunner(store, jobs, testAutomationConfig(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	a := scheduleAutomation() // fires daily at 09:00 UTC
	require.NoError(t, r.Save(ctx, a))

	// Before the first fire time nothing happens.
	fired, err := r.FireDue(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, fired)

	// Past 09:00 the automation fires once.
	now = base.Add(90 * time.Minute)
	fired, err = r.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Len(t, jobs.calls, 1)

	// Re-checking at the same instant does not double fire.
	fired, err = r.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, fired)

	// The next day's 09:00 fires again.
	now = now.Add(24 * time.Hour)
	fired, err = r.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestNotifyAssetUploaded(t *testing.T) {
	r, _, jobs := newTestRunner(t)
	ctx := context.Background()

	matching := scheduleAutomation()
	matching.Trigger = domain.Trigger{Type: domain.TriggerAssetUpload, AssetTypes: []string{"video", "image"}}
	require.NoError(t, r.Save(ctx, matching))

	other := scheduleAutomation()
	other.Trigger = domain.Trigger{Type: domain.TriggerAssetUpload, AssetTypes: []string{"audio"}}
	require.NoError(t, r.Save(ctx, other))

	fired, err := r.NotifyAssetUploaded(ctx, domain.AssetEvent{
		AssetID:   "asset_1",
		AssetType: "video",
		Name:      "clip.mp4",
		ProjectID: "proj-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	require.Len(t, jobs.calls, 1)
	assert.Equal(t, matching.ID, jobs.calls[0].payload["automation_id"])

	payload, ok := jobs.calls[0].payload["trigger_payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "video", payload["asset_type"])
}

func TestTrigger_DeduplicatedReturnsOriginalExecution(t *testing.T) {
	r, store, jobs := newTestRunner(t)
	ctx := context.Background()

	a := scheduleAutomation()
	require.NoError(t, r.Save(ctx, a))

	first, err := r.Trigger(ctx, a.ID, nil, nil)
	require.NoError(t, err)

	jobs.dedupeTo = first.ID
	second, err := r.Trigger(ctx, a.ID, nil, nil)
	require.NoError(t, err)

	// The prior execution comes back; no new record, no trigger bump.
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, r.GetRecentExecutions(10), 1)
	assert.Equal(t, int64(1), store.automations[a.ID].TriggerCount)
}

func TestTrigger_DeduplicatedAfterEviction(t *testing.T) {
	r, store, jobs := newTestRunner(t)
	ctx := context.Background()

	a := scheduleAutomation()
	require.NoError(t, r.Save(ctx, a))

	// The original execution has aged out of the store entirely.
	jobs.dedupeTo = domain.NewExecutionID()
	exec, err := r.Trigger(ctx, a.ID, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, jobs.dedupeTo, exec.ID)
	assert.Empty(t, r.GetRecentExecutions(10), "detached view must not be recorded")
	assert.Zero(t, store.automations[a.ID].TriggerCount)
}

func TestGetRecentExecutions(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx := context.Background()

	a := scheduleAutomation()
	require.NoError(t, r.Save(ctx, a))

	for range 3 {
		_, err := r.Trigger(ctx, a.ID, nil, &TriggerOptions{IdempotencyKey: domain.NewExecutionID()})
		require.NoError(t, err)
	}

	recent := r.GetRecentExecutions(2)
	assert.Len(t, recent, 2)

	byAuto := r.GetExecutionsByAutomation(a.ID)
	assert.Len(t, byAuto, 3)

	_, err := r.GetExecution("exec_missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

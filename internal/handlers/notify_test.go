package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/renderflow/internal/domain"
)

func TestNotifyHandler_RecordsSentAt(t *testing.T) {
	h := NewNotifyHandler(nil)
	sent := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	h.now = func() time.Time { return sent }

	state := memState{}
	job := &domain.Job{
		ID:    "job_notify_1",
		Queue: "notify",
		Type:  "notify",
		Payload: map[string]any{
			"channel": "slack",
			"target":  "#renders",
			"message": "render done",
		},
	}

	require.NoError(t, h.Handle(context.Background(), job, step("execute"), state))
	assert.Equal(t, "2026-08-24T10:30:00Z", state["sentAt"])
}

func TestNotifyHandler_RequiresChannelAndTarget(t *testing.T) {
	h := NewNotifyHandler(nil)
	job := &domain.Job{
		ID:      "job_notify_2",
		Queue:   "notify",
		Type:    "notify",
		Payload: map[string]any{"channel": "slack"},
	}

	err := h.Handle(context.Background(), job, step("execute"), memState{})
	assert.ErrorContains(t, err, "channel and target")
}

package domain

import "time"

// Trigger types. A trigger describes what fires an automation; the firing
// clock itself (cron engine, webhook router, asset pipeline) lives outside
// the core and calls into the runner.
const (
	TriggerWebhook     = "webhook"
	TriggerSchedule    = "schedule"
	TriggerAssetUpload = "asset_upload"
)

// Trigger is the tagged variant configured on an automation.
// Cron and Timezone apply to schedule triggers; AssetTypes to asset_upload.
type Trigger struct {
	Type       string   `json:"type"`
	Cron       string   `json:"cron,omitempty"`
	Timezone   string   `json:"timezone,omitempty"`
	AssetTypes []string `json:"asset_types,omitempty"`
}

// Action types.
const (
	ActionRender = "render"
	ActionNotify = "notify"
)

// Action is one ordered step of an automation. Render actions carry a
// payload template interpolated with the trigger payload; notify actions
// carry a channel, target and optional message template.
type Action struct {
	Type string `json:"type"`

	// Render fields
	CompositionID      string         `json:"composition_id,omitempty"`
	InputPropsTemplate map[string]any `json:"input_props_template,omitempty"`
	OutputOverrides    map[string]any `json:"output_overrides,omitempty"`

	// Notify fields
	Channel  string `json:"channel,omitempty"`
	Target   string `json:"target,omitempty"`
	Template string `json:"template,omitempty"`
}

// Automation is a declarative trigger-to-actions binding owned by a project.
type Automation struct {
	ID              string
	ProjectID       string
	Name            string
	Enabled         bool
	Trigger         Trigger
	Actions         []Action
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt *time.Time
	TriggerCount    int64
}

// Execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// StepResult records the outcome of one action within an execution.
type StepResult struct {
	Index      int            `json:"index"`
	Type       string         `json:"type"`
	Status     string         `json:"status"` // "success" or "error"
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Execution is the in-memory runtime record produced by one trigger.
// It is observational; the durable truth is the queue jobs it spawned.
type Execution struct {
	ID             string
	AutomationID   string
	JobID          string // composite queue job backing this execution
	TriggerPayload map[string]any
	Status         string
	CurrentStep    int
	Results        []StepResult
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// AssetEvent describes an uploaded asset for asset_upload triggers.
type AssetEvent struct {
	AssetID   string
	AssetType string
	Name      string
	URL       string
	ProjectID string
}

package config

import (
	"fmt"
	"time"
)

// QueueConfig holds queue and worker-pool settings.
// Nested under Config; validated automatically by env.Load.
type QueueConfig struct {
	// Retry policy
	MaxAttempts     int           `env:"RENDERFLOW_QUEUE_MAX_ATTEMPTS" default:"3"`
	BackoffStrategy string        `env:"RENDERFLOW_QUEUE_BACKOFF_STRATEGY" default:"exponential"` // fixed, linear, exponential
	BaseDelay       time.Duration `env:"RENDERFLOW_QUEUE_BASE_DELAY" default:"1s"`
	MaxDelay        time.Duration `env:"RENDERFLOW_QUEUE_MAX_DELAY" default:"5m"`

	// Lease management
	JobTimeout           time.Duration `env:"RENDERFLOW_QUEUE_JOB_TIMEOUT" default:"5m"`
	HeartbeatInterval    time.Duration `env:"RENDERFLOW_QUEUE_HEARTBEAT_INTERVAL" default:"1m"`
	StalledCheckInterval time.Duration `env:"RENDERFLOW_QUEUE_STALLED_CHECK_INTERVAL" default:"30s"`

	// Worker pool
	Concurrency  int           `env:"RENDERFLOW_QUEUE_CONCURRENCY" default:"10"`
	PollInterval time.Duration `env:"RENDERFLOW_QUEUE_POLL_INTERVAL" default:"500ms"`
	BatchSize    int           `env:"RENDERFLOW_QUEUE_BATCH_SIZE" default:"5"`

	// Stats snapshot refresh
	StatsInterval time.Duration `env:"RENDERFLOW_QUEUE_STATS_INTERVAL" default:"60s"`
}

// Validate checks cross-field constraints on queue configuration.
func (c *QueueConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("RENDERFLOW_QUEUE_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}

	switch c.BackoffStrategy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("unknown RENDERFLOW_QUEUE_BACKOFF_STRATEGY: %s", c.BackoffStrategy)
	}

	if c.BaseDelay <= 0 {
		return fmt.Errorf("RENDERFLOW_QUEUE_BASE_DELAY must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("RENDERFLOW_QUEUE_MAX_DELAY must be >= base delay")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("RENDERFLOW_QUEUE_CONCURRENCY must be >= 1, got %d", c.Concurrency)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("RENDERFLOW_QUEUE_JOB_TIMEOUT must be positive")
	}
	if c.HeartbeatInterval >= c.JobTimeout {
		return fmt.Errorf("RENDERFLOW_QUEUE_HEARTBEAT_INTERVAL must be shorter than the job timeout")
	}

	return nil
}

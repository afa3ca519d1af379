package config

import (
	"fmt"
	"time"
)

// AutomationConfig bounds the in-memory execution store of the automation
// runner. Executions are observational; the queue jobs they spawn are the
// durable record, so the bounds are deliberately tight.
type AutomationConfig struct {
	MaxExecutions   int           `env:"RENDERFLOW_AUTOMATION_MAX_EXECUTIONS" default:"10000"`
	ExecutionTTL    time.Duration `env:"RENDERFLOW_AUTOMATION_EXECUTION_TTL" default:"24h"`
	CleanupInterval time.Duration `env:"RENDERFLOW_AUTOMATION_CLEANUP_INTERVAL" default:"10m"`
}

// Validate checks automation runner bounds.
func (c *AutomationConfig) Validate() error {
	if c.MaxExecutions < 1 {
		return fmt.Errorf("RENDERFLOW_AUTOMATION_MAX_EXECUTIONS must be >= 1, got %d", c.MaxExecutions)
	}
	if c.ExecutionTTL <= 0 {
		return fmt.Errorf("RENDERFLOW_AUTOMATION_EXECUTION_TTL must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("RENDERFLOW_AUTOMATION_CLEANUP_INTERVAL must be positive")
	}
	return nil
}

package config

import (
	"fmt"

	"github.com/rezkam/renderflow/internal/env"
)

// Config holds all configuration for the worker binary.
// Every value comes from the environment with a RENDERFLOW_ prefix.
type Config struct {
	// Storage
	DatabasePath string `env:"RENDERFLOW_DB_PATH" default:"./renderflow.db"`

	// Artifact storage for render outputs
	ArtifactStore string `env:"RENDERFLOW_ARTIFACT_STORE" default:"fs"` // fs, gcs
	FSDir         string `env:"RENDERFLOW_FS_DIR" default:"./renderflow-artifacts"`
	GCSBucket     string `env:"RENDERFLOW_GCS_BUCKET"`

	// Observability
	OTelEnabled bool `env:"RENDERFLOW_OTEL_ENABLED" default:"false"`

	// Shutdown grace window in seconds
	ShutdownTimeout int `env:"RENDERFLOW_SHUTDOWN_TIMEOUT" default:"30"`

	Queue      QueueConfig
	Automation AutomationConfig
}

// Load parses environment variables into a Config struct and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("RENDERFLOW_DB_PATH is required")
	}

	switch c.ArtifactStore {
	case "fs":
		if c.FSDir == "" {
			return fmt.Errorf("RENDERFLOW_FS_DIR is required when RENDERFLOW_ARTIFACT_STORE is 'fs'")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("RENDERFLOW_GCS_BUCKET is required when RENDERFLOW_ARTIFACT_STORE is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown RENDERFLOW_ARTIFACT_STORE: %s", c.ArtifactStore)
	}

	return nil
}

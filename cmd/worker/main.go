package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/renderflow/internal/application/automation"
	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/config"
	"github.com/rezkam/renderflow/internal/handlers"
	"github.com/rezkam/renderflow/internal/infrastructure/persistence/sqlite"
	"github.com/rezkam/renderflow/internal/storage/blob"
	fsblob "github.com/rezkam/renderflow/internal/storage/blob/fs"
	gcsblob "github.com/rezkam/renderflow/internal/storage/blob/gcs"
	"github.com/rezkam/renderflow/pkg/observability"
)

const serviceName = "renderflow"

// How often schedule triggers are evaluated. Cron resolution is one
// minute, so polling faster than this only burns cycles.
const triggerInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability (logger, tracer, meter). Exporters are configured via
	// the standard OTEL_* env vars.
	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	// Storage: single embedded SQLite database, migrated on open.
	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	q, err := queue.New(store, cfg.Queue, queue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	metricsListener, err := queue.NewMetricsListener()
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}
	q.On("*", metricsListener)

	handlers.Register(q, artifacts, logger)

	runner, err := automation.NewRunner(store, q, cfg.Automation, automation.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create automation runner: %w", err)
	}

	go runner.RunCleanup(ctx)
	go runScheduleTriggers(ctx, runner, logger)

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	logger.InfoContext(ctx, "worker running",
		slog.String("db", cfg.DatabasePath),
		slog.String("artifact_store", cfg.ArtifactStore))

	// Block until a shutdown signal arrives, then drain within the
	// configured grace window.
	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker shut down cleanly")
	case <-time.After(time.Duration(cfg.ShutdownTimeout) * time.Second):
		logger.Warn("shutdown grace window elapsed, exiting with jobs in flight")
	}
	return nil
}

// runScheduleTriggers fires schedule-triggered automations as they come due.
func runScheduleTriggers(ctx context.Context, runner *automation.Runner, logger *slog.Logger) {
	ticker := time.NewTicker(triggerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fired, err := runner.FireDue(ctx, time.Now())
			if err != nil {
				logger.ErrorContext(ctx, "failed to fire due automations", "error", err)
				continue
			}
			if fired > 0 {
				logger.InfoContext(ctx, "fired due automations", slog.Int("count", fired))
			}
		}
	}
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.ArtifactStore {
	case "gcs":
		return gcsblob.NewStore(ctx, cfg.GCSBucket)
	default:
		return fsblob.NewStore(cfg.FSDir)
	}
}

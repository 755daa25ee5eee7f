// Package main is the entrypoint for the Maintenance Lambda function.
//
// The function is a multiplexer: EventBridge rules send a
// scheduler.MaintenancePayload naming the task, and scheduler.Runner routes
// it to the retention service under a job lock. Dependencies are built once
// per cold start and reused across invocations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"

	"eventrelay/internal/config"
	"eventrelay/internal/db"
	"eventrelay/internal/queue"
	"eventrelay/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("maintenance Lambda initializing (cold start)")

	runner, err := newRunner(context.Background(), logger)
	if err != nil {
		logger.Error("maintenance Lambda initialization failed", "error", err)
		os.Exit(1)
	}

	logger.Info("maintenance Lambda initialized",
		"worker_id", runner.WorkerID,
	)

	lambda.Start(runner.Run)
}

// newRunner loads configuration and wires the runner. The pool lives for the
// lifetime of the execution environment.
func newRunner(ctx context.Context, logger *slog.Logger) (*scheduler.Runner, error) {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          2,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	retention := scheduler.NewRetentionService(
		db.NewEventRepository(pool),
		queue.NewAlerter(awsCfg, cfg.AWS, logger),
		cfg.Retention,
		cfg.Dispatch.MaxRetries,
		logger,
	)

	return &scheduler.Runner{
		Retention:  retention,
		JobLock:    db.NewJobLockRepository(pool),
		JobHistory: db.NewJobHistoryRepository(pool),
		WorkerID:   uuid.New().String(),
		Logger:     logger,
	}, nil
}

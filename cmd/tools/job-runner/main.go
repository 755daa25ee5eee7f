// Package main implements the job-runner CLI for invoking maintenance tasks
// directly, bypassing the Lambda shim.
//
// It is intended for local development, manual backfilling and operational
// debugging. It builds a scheduler.MaintenancePayload and hands it to the same
// scheduler.Runner the Lambda uses, so locking and job history behave the
// same way.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=purge_events
//	go run ./cmd/tools/job-runner --task=report_exhausted --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=purge_events
//	go run ./cmd/tools/job-runner --history=10 --task=purge_events
//	go run ./cmd/tools/job-runner --list
//
// Configuration is read the same way as the services (environment, .env,
// *_FILE secrets).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"

	"eventrelay/internal/config"
	"eventrelay/internal/db"
	"eventrelay/internal/queue"
	"eventrelay/internal/scheduler"
	"eventrelay/internal/types"
)

// options are the parsed command-line flags.
type options struct {
	task    scheduler.TaskType
	refTime *time.Time
	list    bool
	dryRun  bool
	history int
}

// parseFlags parses args (without the program name) into options.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("job-runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	taskFlag := fs.String("task", "", "Task type to execute (e.g., purge_events)")
	refTimeFlag := fs.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	listFlag := fs.Bool("list", false, "List all available task types and exit")
	dryRunFlag := fs.Bool("dry-run", false, "Print the JSON payload without executing")
	historyFlag := fs.Int("history", 0, "Print the last N recorded runs of the task instead of executing it")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(stderr, "Invoke maintenance tasks directly, bypassing Lambda.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		task:   scheduler.TaskType(*taskFlag),
		list:    *listFlag,
		dryRun:  *dryRunFlag,
		history: *historyFlag,
	}
	if opts.list {
		return opts, nil
	}
	if opts.task == "" {
		return options{}, fmt.Errorf("--task is required")
	}
	if !opts.task.Valid() {
		return options{}, fmt.Errorf("unknown task type %q", *taskFlag)
	}
	if opts.history < 0 {
		return options{}, fmt.Errorf("--history must be positive")
	}
	if *refTimeFlag != "" {
		t, err := time.Parse(time.RFC3339, *refTimeFlag)
		if err != nil {
			return options{}, fmt.Errorf("invalid --reference-time %q: expected RFC3339, e.g. 2026-01-15T02:00:00Z", *refTimeFlag)
		}
		opts.refTime = &t
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printAvailableTasks(os.Stderr)
		os.Exit(2)
	}

	if opts.list {
		printAvailableTasks(os.Stderr)
		return
	}

	payload := scheduler.MaintenancePayload{
		Task:          opts.task,
		ReferenceTime: opts.refTime,
	}

	if opts.dryRun {
		if err := printPayload(os.Stdout, payload); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.history > 0 {
		if err := showHistory(ctx, opts.task, opts.history, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	result, err := executeTask(ctx, payload, logger)
	if err != nil {
		logger.Error("task execution failed",
			"task", string(payload.Task),
			"error", err,
		)
		os.Exit(1)
	}

	logger.Info("task execution succeeded",
		"task", string(payload.Task),
		"result", result,
	)
}

// executeTask wires the database and services, then runs the payload.
func executeTask(ctx context.Context, payload scheduler.MaintenancePayload, logger *slog.Logger) (string, error) {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return "", fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.Database.URL.Unmask(), MaxConns: 2})
	if err != nil {
		return "", fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connection established")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return "", fmt.Errorf("loading aws config: %w", err)
	}

	runner := &scheduler.Runner{
		Retention: scheduler.NewRetentionService(
			db.NewEventRepository(pool),
			queue.NewAlerter(awsCfg, cfg.AWS, logger),
			cfg.Retention,
			cfg.Dispatch.MaxRetries,
			logger,
		),
		JobLock:    db.NewJobLockRepository(pool),
		JobHistory: db.NewJobHistoryRepository(pool),
		WorkerID:   fmt.Sprintf("job-runner-%s", uuid.New().String()),
		Logger:     logger,
	}
	return runner.Run(ctx, payload)
}

// showHistory prints the latest recorded runs of task.
func showHistory(ctx context.Context, task scheduler.TaskType, limit int, w io.Writer) error {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.Database.URL.Unmask(), MaxConns: 1})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	runs, err := db.NewJobHistoryRepository(pool).Recent(ctx, string(task), limit)
	if err != nil {
		return err
	}
	printRuns(w, runs)
	return nil
}

// printRuns writes one line per run, newest first.
func printRuns(w io.Writer, runs []types.JobRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}
	for _, run := range runs {
		finished := "running"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		line := fmt.Sprintf("%-6d %s  %-8s %-10s items=%d", run.ID, run.StartedAt.UTC().Format(time.RFC3339), run.Status, finished, run.ItemsCount)
		if run.Error != "" {
			line += "  error=" + run.Error
		}
		fmt.Fprintln(w, line)
	}
}

// printAvailableTasks prints every task type and its description, sorted by
// name.
func printAvailableTasks(w io.Writer) {
	fmt.Fprintf(w, "Available task types:\n\n")

	tasks := make([]scheduler.TaskType, 0, len(scheduler.TaskDescriptions))
	maxLen := 0
	for t := range scheduler.TaskDescriptions {
		tasks = append(tasks, t)
		maxLen = max(maxLen, len(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })

	for _, t := range tasks {
		fmt.Fprintf(w, "  %-*s  %s\n", maxLen, string(t), scheduler.TaskDescriptions[t])
	}
	fmt.Fprintln(w)
}

// printPayload writes the payload as indented JSON, ready to paste into a
// manual Lambda invocation.
func printPayload(w io.Writer, payload scheduler.MaintenancePayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LockTTL covers a task's execution time with margin.
const LockTTL = 15 * time.Minute

// TaskDescriptions documents every task for operator tooling.
var TaskDescriptions = map[TaskType]string{
	TaskPurgeEvents:     "Delete processed and exhausted events past their retention",
	TaskReportExhausted: "Alert operators about events that exhausted their retries",
}

// Retention is the subset of RetentionService the Runner calls.
type Retention interface {
	PurgeEvents(ctx context.Context, now time.Time) (int, error)
	ReportExhausted(ctx context.Context, now time.Time) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Runner executes maintenance payloads: it takes the job lock, records job
// history and routes the task to its service. Both the Lambda entrypoint and
// the job-runner CLI drive it.
type Runner struct {
	Retention  Retention
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	Logger     *slog.Logger
}

// Run executes one payload. Deliveries are at least once, so the task takes
// an hourly lock "task:YYYY-MM-DDTHH" first and a second delivery in the same
// hour returns a "skipped" result without error. The returned string is the
// Lambda result.
func (r *Runner) Run(ctx context.Context, payload MaintenancePayload) (string, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	switch {
	case payload.Task == "":
		return "", fmt.Errorf("empty task type in maintenance payload")
	case !payload.Task.Valid():
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	task := string(payload.Task)
	log = log.With("task", task, "worker_id", r.WorkerID)

	lockID := task + ":" + now.Truncate(time.Hour).Format("2006-01-02T15")
	acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, LockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		log.InfoContext(ctx, "maintenance task already claimed", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	log.InfoContext(ctx, "maintenance task started", "reference_time", now.Format(time.RFC3339))
	items, err := r.recordJob(ctx, log, task, func() (int, error) {
		switch payload.Task {
		case TaskPurgeEvents:
			return r.Retention.PurgeEvents(ctx, now)
		default:
			return r.Retention.ReportExhausted(ctx, now)
		}
	})
	if err != nil {
		log.ErrorContext(ctx, "maintenance task failed", "items", items, "error", err)
		return "", fmt.Errorf("task %s failed: %w", task, err)
	}

	log.InfoContext(ctx, "maintenance task finished", "items", items)
	return fmt.Sprintf("task %s complete: %d items processed", task, items), nil
}

// recordJob runs fn between job_history Start and Finish. History writes are
// best effort: when Start fails the task still runs and Finish is skipped.
func (r *Runner) recordJob(ctx context.Context, log *slog.Logger, task string, fn func() (int, error)) (int, error) {
	jobID, err := r.JobHistory.Start(ctx, task)
	if err != nil {
		log.WarnContext(ctx, "job history unavailable", "error", err)
		jobID = 0
	}

	items, runErr := fn()

	if jobID != 0 {
		status := "success"
		if runErr != nil {
			status = "failed"
		}
		if err := r.JobHistory.Finish(ctx, jobID, status, items, runErr); err != nil {
			log.WarnContext(ctx, "job history not finalized", "job_id", jobID, "error", err)
		}
	}
	return items, runErr
}

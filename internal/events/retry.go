package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"eventrelay/internal/types"
)

// RetryLockID is the job lock shared by every replica running a RetryWorker.
const RetryLockID = "retry_failed_events"

// RetryStore is the subset of the event store used by the RetryWorker.
type RetryStore interface {
	ListFailed(ctx context.Context, maxRetries int, now time.Time, backoff types.RetryBackoff, limit int) ([]*types.Event, error)
	Requeue(ctx context.Context, id string) (bool, error)
	FailAbandoned(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

// JobLocker provides a TTL lock shared between replicas.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// RetryConfig tunes the retry worker. Backoff is the wait before the first
// retry; each further failure doubles it up to MaxBackoff.
type RetryConfig struct {
	Interval     time.Duration
	Backoff      time.Duration
	MaxBackoff   time.Duration
	AbandonAfter time.Duration
	MaxRetries   int
	BatchSize    int
}

// RetryWorker periodically re-drives failed events. An event is retried while
// its retry_count is at most MaxRetries, so it gets MaxRetries retries after
// the first attempt. Exhausted events stay failed and are never touched again
// by the worker.
type RetryWorker struct {
	store      RetryStore
	dispatcher EventDispatcher
	locker     JobLocker
	workerID   string
	cfg        RetryConfig
	metrics    Metrics
	logger     *slog.Logger
	clock      types.Clock
}

// NewRetryWorker creates a RetryWorker. locker may be nil when only one
// replica runs the worker.
func NewRetryWorker(store RetryStore, dispatcher EventDispatcher, locker JobLocker, workerID string, cfg RetryConfig, metrics Metrics, logger *slog.Logger) *RetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &RetryWorker{
		store:      store,
		dispatcher: dispatcher,
		locker:     locker,
		workerID:   workerID,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		clock:      types.RealClock{},
	}
}

// WithClock overrides the clock used to compute the backoff cutoffs.
func (w *RetryWorker) WithClock(c types.Clock) *RetryWorker {
	w.clock = c
	return w
}

// Run executes a cycle every Interval until ctx is cancelled. Cycle errors
// are logged and do not stop the loop.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "retry worker started",
		"interval", w.cfg.Interval.String(),
		"max_retries", w.cfg.MaxRetries,
		"worker_id", w.workerID,
	)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopped")
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "retry cycle failed", "error", err)
			}
		}
	}
}

// RunOnce performs one retry cycle and returns the number of events it
// re-dispatched. Events are processed oldest first; each one is claimed with
// Requeue before dispatch so a concurrent redelivery or another replica
// cannot run it twice.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	if w.locker != nil {
		acquired, err := w.locker.Acquire(ctx, RetryLockID, w.workerID, w.cfg.Interval)
		if err != nil {
			return 0, fmt.Errorf("acquire retry lock: %w", err)
		}
		if !acquired {
			w.logger.DebugContext(ctx, "retry cycle skipped, lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := w.locker.Release(context.WithoutCancel(ctx), RetryLockID, w.workerID); err != nil {
				w.logger.WarnContext(ctx, "failed to release retry lock", "error", err)
			}
		}()
	}

	now := w.clock.Now()

	if w.cfg.AbandonAfter > 0 {
		n, err := w.store.FailAbandoned(ctx, now.Add(-w.cfg.AbandonAfter), w.cfg.BatchSize)
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to sweep abandoned events", "error", err)
		} else if n > 0 {
			w.logger.WarnContext(ctx, "abandoned pending events moved to failed", "count", n)
		}
	}

	backoff := types.RetryBackoff{Base: w.cfg.Backoff, Max: w.cfg.MaxBackoff}
	failed, err := w.store.ListFailed(ctx, w.cfg.MaxRetries, now, backoff, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list failed events: %w", err)
	}
	if len(failed) == 0 {
		return 0, nil
	}

	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].ReceivedAt.Before(failed[j].ReceivedAt)
	})

	dispatched := 0
	for _, evt := range failed {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.store.Requeue(ctx, evt.ID)
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to claim event for retry", "event_id", evt.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		evt.Outcome = types.OutcomePending
		dispatched++
		if err := w.dispatcher.Dispatch(ctx, evt); err != nil {
			w.logger.InfoContext(ctx, "retry attempt failed",
				"event_id", evt.ID,
				"retry_count", evt.RetryCount,
				"error", err,
			)
		}
	}

	w.metrics.RecordRetryAttempts(ctx, dispatched)
	w.logger.InfoContext(ctx, "retry cycle complete", "candidates", len(failed), "dispatched", dispatched)
	return dispatched, ctx.Err()
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"eventrelay/internal/config"
	"eventrelay/internal/types"
)

// maxPurgeBatches bounds the batches deleted per invocation. Whatever is left
// waits for the next run.
const maxPurgeBatches = 50

// RetentionDB is the subset of the event store used by the RetentionService.
type RetentionDB interface {
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeExhaustedBefore(ctx context.Context, maxRetries int, cutoff time.Time, limit int) (int64, error)
	CountExhausted(ctx context.Context, maxRetries int, since time.Time) (int64, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert types.OperatorAlert) error
}

// RetentionService purges old events and reports the exhausted backlog.
type RetentionService struct {
	db         RetentionDB
	alerter    Alerter
	cfg        config.RetentionConfig
	maxRetries int
	logger     *slog.Logger
}

// NewRetentionService creates a RetentionService. maxRetries is the number of
// retries a failed event gets; past it the event counts as exhausted.
func NewRetentionService(db RetentionDB, alerter Alerter, cfg config.RetentionConfig, maxRetries int, logger *slog.Logger) *RetentionService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PurgeBatchSize <= 0 {
		cfg.PurgeBatchSize = 1000
	}
	if cfg.ExhaustedWindow <= 0 {
		cfg.ExhaustedWindow = 24 * time.Hour
	}
	return &RetentionService{
		db:         db,
		alerter:    alerter,
		cfg:        cfg,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// PurgeEvents deletes processed events older than the processed retention
// and exhausted failures older than the failed retention. A zero retention
// disables that half of the sweep. Failed events with retries left are never
// deleted. Returns the number of events removed.
func (s *RetentionService) PurgeEvents(ctx context.Context, now time.Time) (int, error) {
	total := 0

	if s.cfg.ProcessedEvents > 0 {
		cutoff := now.Add(-s.cfg.ProcessedEvents)
		n, err := s.purgeBatches(ctx, func(ctx context.Context) (int64, error) {
			return s.db.PurgeProcessedBefore(ctx, cutoff, s.cfg.PurgeBatchSize)
		})
		total += n
		if err != nil {
			return total, fmt.Errorf("purging processed events: %w", err)
		}
		s.logger.InfoContext(ctx, "processed events purged",
			"deleted", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}

	if s.cfg.FailedEvents > 0 {
		cutoff := now.Add(-s.cfg.FailedEvents)
		n, err := s.purgeBatches(ctx, func(ctx context.Context) (int64, error) {
			return s.db.PurgeExhaustedBefore(ctx, s.maxRetries, cutoff, s.cfg.PurgeBatchSize)
		})
		total += n
		if err != nil {
			return total, fmt.Errorf("purging exhausted events: %w", err)
		}
		s.logger.InfoContext(ctx, "exhausted events purged",
			"deleted", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}

	return total, nil
}

// purgeBatches repeats purge until a short batch comes back.
func (s *RetentionService) purgeBatches(ctx context.Context, purge func(context.Context) (int64, error)) (int, error) {
	total := 0
	for i := 0; i < maxPurgeBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := purge(ctx)
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < int64(s.cfg.PurgeBatchSize) {
			return total, nil
		}
	}
	s.logger.WarnContext(ctx, "purge batch limit reached, remaining rows left for the next run",
		"batches", maxPurgeBatches,
		"deleted", total,
	)
	return total, nil
}

// ReportExhausted counts the events that exhausted their retries within the
// report window ending at now and raises one exhausted_backlog alert when
// there are any. Returns the count.
func (s *RetentionService) ReportExhausted(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-s.cfg.ExhaustedWindow)
	count, err := s.db.CountExhausted(ctx, s.maxRetries, since)
	if err != nil {
		return 0, fmt.Errorf("counting exhausted events: %w", err)
	}
	if count == 0 {
		s.logger.InfoContext(ctx, "no exhausted events in window", "since", since.Format(time.RFC3339))
		return 0, nil
	}

	alert := types.OperatorAlert{
		Kind:     types.AlertExhaustedBacklog,
		Reason:   fmt.Sprintf("%d events exhausted their retries since %s", count, since.Format(time.RFC3339)),
		Count:    count,
		RaisedAt: now,
	}
	if err := s.alerter.Alert(ctx, alert); err != nil {
		return int(count), fmt.Errorf("raising exhausted backlog alert: %w", err)
	}

	s.logger.WarnContext(ctx, "exhausted backlog reported",
		"count", count,
		"since", since.Format(time.RFC3339),
	)
	return int(count), nil
}

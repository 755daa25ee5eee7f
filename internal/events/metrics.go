package events

import (
	"context"
	"time"
)

// Metrics receives ingestion and dispatch outcomes. Implementations must not
// block the caller for long; failures to publish are the implementation's
// concern.
type Metrics interface {
	RecordReceived(ctx context.Context, source string)
	RecordRejected(ctx context.Context, source, reason string)
	RecordDuplicate(ctx context.Context, source string)
	// RecordOutcome counts one dispatch result under the given metric name
	// (types.MetricEventProcessed, MetricEventFailed, MetricEventExhausted or
	// MetricEventUnknownType).
	RecordOutcome(ctx context.Context, metric, source, eventType string)
	RecordHandlerLatency(ctx context.Context, source, eventType string, d time.Duration)
	RecordRetryAttempts(ctx context.Context, n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordReceived(context.Context, string) {}
func (NopMetrics) RecordRejected(context.Context, string, string) {}
func (NopMetrics) RecordDuplicate(context.Context, string) {}
func (NopMetrics) RecordOutcome(context.Context, string, string, string) {}
func (NopMetrics) RecordHandlerLatency(context.Context, string, string, time.Duration) {}
func (NopMetrics) RecordRetryAttempts(context.Context, int) {}

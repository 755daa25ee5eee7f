package events

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"eventrelay/internal/types"
)

// SourceVerifier authenticates a raw delivery for a named source.
type SourceVerifier interface {
	Verify(source string, payload []byte, header http.Header) error
}

// IngestStore is the subset of the event store used by the Ingestor.
type IngestStore interface {
	Record(ctx context.Context, source, eventType, externalID string, payload []byte) (*types.Event, bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
}

// EventDispatcher runs handlers for a pending event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt *types.Event) error
}

// IngestResult describes what happened to one delivery.
type IngestResult struct {
	Event *types.Event
	// Duplicate is true when the delivery matched an event that was already
	// recorded for the same (source, external id).
	Duplicate bool
	// Dispatched is true when this delivery ran the handlers.
	Dispatched bool
}

// Ingestor is the entry point for inbound webhooks.
type Ingestor struct {
	verifier   SourceVerifier
	store      IngestStore
	dispatcher EventDispatcher
	metrics    Metrics
	logger     *slog.Logger
}

// NewIngestor creates an Ingestor. metrics may be nil.
func NewIngestor(verifier SourceVerifier, store IngestStore, dispatcher EventDispatcher, metrics Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Ingestor{
		verifier:   verifier,
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// Ingest verifies, records and dispatches one delivery.
//
// Verification and parse failures are returned as AppErrors and nothing is
// written. Once the event is recorded the delivery is acknowledged: a handler
// failure is stored on the event for the retry path and does not surface as
// an error here.
//
// Redelivery of a known event depends on its stored outcome: processed and
// pending (in flight elsewhere) are acknowledged without running handlers;
// failed is claimed with Requeue and dispatched immediately.
func (i *Ingestor) Ingest(ctx context.Context, source string, payload []byte, header http.Header) (*IngestResult, error) {
	if err := i.verifier.Verify(source, payload, header); err != nil {
		i.metrics.RecordRejected(ctx, source, rejectReason(err))
		i.logger.WarnContext(ctx, "webhook rejected", "source", source, "error", err)
		return nil, err
	}

	env, err := ParserFor(source)(payload)
	if err != nil {
		i.metrics.RecordRejected(ctx, source, "malformed")
		i.logger.WarnContext(ctx, "webhook payload malformed", "source", source, "error", err)
		return nil, err
	}

	// Handlers and state transitions must complete even if the provider hangs
	// up; an interrupted dispatch would leave the event pending.
	ctx = context.WithoutCancel(ctx)

	evt, created, err := i.store.Record(ctx, source, env.EventType, env.ExternalID, payload)
	if err != nil {
		i.logger.ErrorContext(ctx, "failed to record event",
			"source", source,
			"event_type", env.EventType,
			"external_id", env.ExternalID,
			"error", err,
		)
		return nil, err
	}
	i.metrics.RecordReceived(ctx, source)

	res := &IngestResult{Event: evt, Duplicate: !created}
	if !created {
		i.metrics.RecordDuplicate(ctx, source)
		switch evt.Outcome {
		case types.OutcomeFailed:
			claimed, err := i.store.Requeue(ctx, evt.ID)
			if err != nil {
				i.logger.ErrorContext(ctx, "failed to claim redelivered event", "event_id", evt.ID, "error", err)
				return res, nil
			}
			if !claimed {
				i.logger.InfoContext(ctx, "redelivered event already claimed", "event_id", evt.ID)
				return res, nil
			}
			evt.Outcome = types.OutcomePending
			i.logger.InfoContext(ctx, "redelivery of failed event, dispatching", "event_id", evt.ID, "retry_count", evt.RetryCount)
		default:
			i.logger.InfoContext(ctx, "duplicate delivery acknowledged",
				"event_id", evt.ID,
				"source", source,
				"outcome", string(evt.Outcome),
			)
			return res, nil
		}
	}

	res.Dispatched = true
	if err := i.dispatcher.Dispatch(ctx, evt); err != nil {
		// Outcome is already stored on the event; the delivery itself succeeded.
		i.logger.InfoContext(ctx, "event recorded with handler failure", "event_id", evt.ID, "error", err)
	}
	return res, nil
}

func rejectReason(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	return "unknown"
}

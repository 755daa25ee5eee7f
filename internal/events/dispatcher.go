// Package events turns verified webhook deliveries into durable events and
// drives them through the registered side-effect handlers.
//
// The pipeline for one delivery is: verify -> parse envelope -> Record
// (pending) -> Dispatch -> MarkProcessed or MarkFailed -> forward
// notifications. Failed events are re-driven by the RetryWorker through the
// same Dispatcher, so a handler may run more than once for one event and must
// be idempotent.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"eventrelay/internal/types"
)

// maxReasonLen bounds failure_reason so a verbose upstream error cannot
// bloat the row.
const maxReasonLen = 1000

// DispatchStore is the subset of the event store used by the Dispatcher.
type DispatchStore interface {
	MarkProcessed(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (*types.Event, error)
}

// Notifier accepts notifications for real-time delivery. Publish must not
// block on slow consumers.
type Notifier interface {
	Publish(n types.Notification)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert types.OperatorAlert) error
}

// DispatcherConfig tunes dispatch behaviour.
type DispatcherConfig struct {
	HandlerTimeout time.Duration
	MaxRetries     int
	// ExpectedTypes lists "source/type" pairs that should have handlers.
	// An event of one of these types with no registered handler raises an alert.
	ExpectedTypes []string
}

// Dispatcher runs the handlers registered for an event and records the outcome.
type Dispatcher struct {
	store    DispatchStore
	registry *Registry
	notifier Notifier
	alerter  Alerter
	metrics  Metrics
	logger   *slog.Logger
	clock    types.Clock

	handlerTimeout time.Duration
	maxRetries     int
	expected       map[string]bool
}

// NewDispatcher creates a Dispatcher. notifier, alerter and metrics may be nil.
func NewDispatcher(store DispatchStore, registry *Registry, notifier Notifier, alerter Alerter, metrics Metrics, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	expected := make(map[string]bool, len(cfg.ExpectedTypes))
	for _, t := range cfg.ExpectedTypes {
		expected[t] = true
	}
	return &Dispatcher{
		store:          store,
		registry:       registry,
		notifier:       notifier,
		alerter:        alerter,
		metrics:        metrics,
		logger:         logger,
		clock:          types.RealClock{},
		handlerTimeout: cfg.HandlerTimeout,
		maxRetries:     cfg.MaxRetries,
		expected:       expected,
	}
}

// WithClock overrides the clock used to stamp notifications and alerts.
func (d *Dispatcher) WithClock(c types.Clock) *Dispatcher {
	d.clock = c
	return d
}

// MaxRetries returns the number of retries an event gets before the Dispatcher
// reports it exhausted.
func (d *Dispatcher) MaxRetries() int { return d.maxRetries }

// Dispatch runs every handler registered for evt in order. The caller must
// hold the event in the pending state (freshly recorded or claimed with
// Requeue).
//
// A nil return means the event is processed (or was already). A handler
// failure is recorded on the event and returned as a handler_failure or
// handler_timeout AppError; notifications are forwarded only on success.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *types.Event) error {
	if evt.Outcome == types.OutcomeProcessed {
		return nil
	}
	log := d.logger.With("event_id", evt.ID, "source", evt.SourceSystem, "event_type", evt.EventType)

	handlers := d.registry.handlers(evt.SourceSystem, evt.EventType)
	if len(handlers) == 0 {
		return d.handleUnknown(ctx, evt, log)
	}

	start := time.Now()
	var pending []types.Notification
	for _, h := range handlers {
		notes, err := d.runHandler(ctx, h, evt)
		if err != nil {
			d.metrics.RecordHandlerLatency(ctx, evt.SourceSystem, evt.EventType, time.Since(start))
			return d.fail(ctx, evt, h.name, err, log)
		}
		pending = append(pending, notes...)
	}
	d.metrics.RecordHandlerLatency(ctx, evt.SourceSystem, evt.EventType, time.Since(start))

	applied, err := d.store.MarkProcessed(ctx, evt.ID)
	if err != nil {
		// The event stays pending; the abandoned-event sweep hands it back to
		// the retry path.
		log.ErrorContext(ctx, "failed to mark event processed", "error", err)
		return fmt.Errorf("mark processed: %w", err)
	}
	if !applied {
		log.InfoContext(ctx, "event already processed by a concurrent dispatch")
		return nil
	}

	evt.Outcome = types.OutcomeProcessed
	d.metrics.RecordOutcome(ctx, types.MetricEventProcessed, evt.SourceSystem, evt.EventType)
	d.forward(evt, pending)
	log.InfoContext(ctx, "event processed",
		"handlers", len(handlers),
		"notifications", len(pending),
		"retry_count", evt.RetryCount,
	)
	return nil
}

func (d *Dispatcher) handleUnknown(ctx context.Context, evt *types.Event, log *slog.Logger) error {
	key := evt.SourceSystem + "/" + evt.EventType
	expected := d.expected[key]
	log.WarnContext(ctx, "no handler registered for event type", "expected", expected)
	d.metrics.RecordOutcome(ctx, types.MetricEventUnknownType, evt.SourceSystem, evt.EventType)

	if expected && d.alerter != nil {
		alert := types.OperatorAlert{
			Kind:         types.AlertUnexpectedType,
			EventID:      evt.ID,
			SourceSystem: evt.SourceSystem,
			EventType:    evt.EventType,
			Reason:       "no handler registered",
			RaisedAt:     d.clock.Now(),
		}
		if err := d.alerter.Alert(ctx, alert); err != nil {
			log.ErrorContext(ctx, "failed to raise unexpected type alert", "error", err)
		}
	}

	if _, err := d.store.MarkProcessed(ctx, evt.ID); err != nil {
		log.ErrorContext(ctx, "failed to mark unknown event processed", "error", err)
		return fmt.Errorf("mark processed: %w", err)
	}
	evt.Outcome = types.OutcomeProcessed
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, evt *types.Event, handler string, cause error, log *slog.Logger) error {
	reason := truncate(handler+": "+cause.Error(), maxReasonLen)

	updated, err := d.store.MarkFailed(ctx, evt.ID, reason)
	if err != nil {
		log.ErrorContext(ctx, "failed to mark event failed", "error", err, "reason", reason)
		return fmt.Errorf("mark failed: %w", err)
	}
	if updated == nil {
		log.InfoContext(ctx, "handler failed but event was processed concurrently", "handler", handler)
		return nil
	}
	*evt = *updated

	d.metrics.RecordOutcome(ctx, types.MetricEventFailed, evt.SourceSystem, evt.EventType)
	log.WarnContext(ctx, "event handler failed",
		"handler", handler,
		"error", cause,
		"retry_count", evt.RetryCount,
	)

	if evt.RetryCount > d.maxRetries {
		d.metrics.RecordOutcome(ctx, types.MetricEventExhausted, evt.SourceSystem, evt.EventType)
		log.ErrorContext(ctx, "event permanently failed", "retry_count", evt.RetryCount, "reason", reason)
		if d.alerter != nil {
			alert := types.OperatorAlert{
				Kind:         types.AlertEventExhausted,
				EventID:      evt.ID,
				SourceSystem: evt.SourceSystem,
				EventType:    evt.EventType,
				Reason:       reason,
				RetryCount:   evt.RetryCount,
				RaisedAt:     d.clock.Now(),
			}
			if err := d.alerter.Alert(ctx, alert); err != nil {
				log.ErrorContext(ctx, "failed to raise exhausted event alert", "error", err)
			}
		}
	}

	code := types.ErrCodeHandlerFailure
	if types.IsCode(cause, types.ErrCodeHandlerTimeout) {
		code = types.ErrCodeHandlerTimeout
	}
	return types.NewAppError(code, reason, cause)
}

// runHandler calls one handler under its own deadline. The call runs on a
// separate goroutine so a handler that ignores its context still times out;
// the goroutine finishes on its own and its result is discarded.
func (d *Dispatcher) runHandler(ctx context.Context, h namedHandler, evt *types.Event) ([]types.Notification, error) {
	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	type result struct {
		notes []types.Notification
		err   error
	}
	done := make(chan result, 1)
	snapshot := *evt

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		notes, err := h.fn(hctx, &snapshot)
		done <- result{notes: notes, err: err}
	}()

	select {
	case r := <-done:
		return r.notes, r.err
	case <-hctx.Done():
		return nil, types.NewAppError(types.ErrCodeHandlerTimeout,
			fmt.Sprintf("handler exceeded %s", d.handlerTimeout), hctx.Err())
	}
}

// forward stamps notifications with correlation fields and hands them to the
// notifier.
func (d *Dispatcher) forward(evt *types.Event, notes []types.Notification) {
	if d.notifier == nil || len(notes) == 0 {
		return
	}
	now := d.clock.Now()
	for _, n := range notes {
		if n.ID == "" {
			n.ID = NewNotificationID()
		}
		if n.EventID == "" {
			n.EventID = evt.ID
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		d.notifier.Publish(n)
	}
}

// NewNotificationID returns a fresh notification identifier.
func NewNotificationID() string {
	return "ntf_" + uuid.NewString()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

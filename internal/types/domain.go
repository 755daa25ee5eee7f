package types

import (
	"encoding/json"
	"time"
)

// Event is the durable record of one inbound webhook delivery.
// For sources that supply ExternalID, at most one Event exists per
// (SourceSystem, ExternalID).
type Event struct {
	ID            string          `json:"id"`
	SourceSystem  string          `json:"source_system"`
	EventType     string          `json:"event_type"`
	ExternalID    string          `json:"external_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Outcome       Outcome         `json:"outcome"`
	FailureReason string          `json:"failure_reason,omitempty"`
	RetryCount    int             `json:"retry_count"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Notification is an ephemeral message addressed to a user or a room.
// It is produced by a side-effect handler and consumed by the fan-out engine.
type Notification struct {
	ID          string           `json:"id"`
	EventID     string           `json:"event_id,omitempty"`
	AddressType AddressType      `json:"address_type"`
	AddressID   string           `json:"address_id"`
	Kind        NotificationKind `json:"kind"`
	Data        map[string]any   `json:"data"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Booking is the subset of booking state mutated by payment and integration events.
type Booking struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	VenueID         string        `json:"venue_id"`
	Status          BookingStatus `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// EventFilter narrows administrative event queries. Zero values mean "any".
type EventFilter struct {
	SourceSystem string
	EventType    string
	Outcome      Outcome
	From         time.Time
	To           time.Time

	// Exhausted keeps only failed events whose retry_count exceeds
	// MaxRetries.
	Exhausted  bool
	MaxRetries int
}

// RetryBackoff spaces out the retries of a failed event. The wait after the
// n-th failure is Base << (n-1), capped at Max. A Max below Base keeps the
// wait fixed at Base.
type RetryBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Cap returns the longest wait the backoff produces.
func (b RetryBackoff) Cap() time.Duration {
	return max(b.Max, b.Base)
}

// Delay returns how long an event with the given retry_count waits after its
// last failure before it is retried again.
func (b RetryBackoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := b.Cap()
	d := b.Base
	for i := 1; i < retryCount && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

// EventSummaryRow is one aggregate bucket of the administrative summary.
type EventSummaryRow struct {
	SourceSystem string  `json:"source_system"`
	EventType    string  `json:"event_type"`
	Outcome      Outcome `json:"outcome"`
	Count        int64   `json:"count"`
}

// EventSummary aggregates event counts for an administrative view.
type EventSummary struct {
	Total     int64             `json:"total"`
	ByOutcome map[Outcome]int64 `json:"by_outcome"`
	Rows      []EventSummaryRow `json:"rows"`
}

// JobRun records one execution of a maintenance task.
type JobRun struct {
	ID         int64      `json:"id"`
	JobType    string     `json:"job_type"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	ItemsCount int        `json:"items_count"`
	Error      string     `json:"error,omitempty"`
}

// Alert kinds raised to operators through the alert queue.
const (
	AlertEventExhausted   = "event_exhausted"
	AlertUnexpectedType   = "unexpected_event_type"
	AlertExhaustedBacklog = "exhausted_backlog"
)

// OperatorAlert is a message for the operator alert queue. Fields that do not
// apply to a given Kind are left empty.
type OperatorAlert struct {
	Kind         string    `json:"kind"`
	EventID      string    `json:"event_id,omitempty"`
	SourceSystem string    `json:"source_system,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RetryCount   int       `json:"retry_count,omitempty"`
	Count        int64     `json:"count,omitempty"`
	RaisedAt     time.Time `json:"raised_at"`
}

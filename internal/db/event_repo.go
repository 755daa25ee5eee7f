package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"eventrelay/internal/types"
)

// EventRepository is the durable event store backed by the webhook_events table.
//
// Schema contract (owned by migrations):
//
//	webhook_events(id text PK, source_system text, event_type text,
//	  external_id text NULL, payload jsonb, outcome text, failure_reason text NULL,
//	  retry_count int, received_at timestamptz, processed_at timestamptz NULL,
//	  updated_at timestamptz)
//	UNIQUE (source_system, external_id) WHERE external_id IS NOT NULL
//
// Every outcome transition is a guarded UPDATE, so concurrent callers racing
// on the same row cannot move a processed event anywhere else.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, source_system, event_type, external_id, payload, outcome,
	failure_reason, retry_count, received_at, processed_at, updated_at`

func scanEvent(row pgx.Row) (*types.Event, error) {
	var (
		e             types.Event
		externalID    *string
		failureReason *string
		payload       []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.SourceSystem,
		&e.EventType,
		&externalID,
		&payload,
		&e.Outcome,
		&failureReason,
		&e.RetryCount,
		&e.ReceivedAt,
		&e.ProcessedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.ExternalID = derefString(externalID)
	e.FailureReason = derefString(failureReason)
	e.Payload = payload
	return &e, nil
}

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// Record stores a new pending event. When the source supplied an external id
// and a row for (source, externalID) already exists, nothing is written and
// the existing row is returned with created=false.
func (r *EventRepository) Record(ctx context.Context, source, eventType, externalID string, payload []byte) (*types.Event, bool, error) {
	evt, err := scanEvent(r.db.QueryRow(ctx,
		`INSERT INTO webhook_events
		   (id, source_system, event_type, external_id, payload, outcome, retry_count, received_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', 0, NOW(), NOW())
		 ON CONFLICT (source_system, external_id) WHERE external_id IS NOT NULL DO NOTHING
		 RETURNING `+eventColumns,
		NewEventID(),
		source,
		eventType,
		nilIfEmpty(externalID),
		payload,
	))
	if err == nil {
		return evt, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to record event", err)
	}

	existing, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+`
		 FROM webhook_events
		 WHERE source_system = $1 AND external_id = $2`,
		source,
		externalID,
	))
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load existing event", err)
	}
	return existing, false, nil
}

// Get returns a single event by id.
func (r *EventRepository) Get(ctx context.Context, id string) (*types.Event, error) {
	evt, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load event", err)
	}
	return evt, nil
}

// MarkProcessed moves an event to processed. Returns false when the event was
// already processed, in which case nothing changed.
func (r *EventRepository) MarkProcessed(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET outcome = 'processed', processed_at = NOW(), updated_at = NOW(), failure_reason = NULL
		 WHERE id = $1 AND outcome <> 'processed'`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark event processed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a failed dispatch attempt and increments retry_count.
// Returns the updated event, or nil when the event had already been processed.
func (r *EventRepository) MarkFailed(ctx context.Context, id, reason string) (*types.Event, error) {
	evt, err := scanEvent(r.db.QueryRow(ctx,
		`UPDATE webhook_events
		 SET outcome = 'failed', failure_reason = $2, retry_count = retry_count + 1, updated_at = NOW()
		 WHERE id = $1 AND outcome <> 'processed'
		 RETURNING `+eventColumns,
		id,
		reason,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark event failed", err)
	}
	return evt, nil
}

// Requeue claims a failed event for another attempt by moving it back to
// pending. Only one concurrent caller can win the claim.
func (r *EventRepository) Requeue(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET outcome = 'pending', updated_at = NOW()
		 WHERE id = $1 AND outcome = 'failed'`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to requeue event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailAbandoned marks pending events untouched since olderThan as failed so
// that the retry worker picks them up. A pending row that old belongs to a
// dispatch whose process died before recording an outcome.
func (r *EventRepository) FailAbandoned(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET outcome = 'failed', failure_reason = 'abandoned: dispatch did not complete',
		     retry_count = retry_count + 1, updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM webhook_events
		   WHERE outcome = 'pending' AND updated_at < $1
		   ORDER BY received_at
		   LIMIT $2
		 )`,
		olderThan,
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to fail abandoned events", err)
	}
	return tag.RowsAffected(), nil
}

// ListFailed returns failed events still eligible for retry: retry_count at
// most maxRetries and last transition at least backoff.Delay(retry_count)
// before now. Ordered by received_at ascending.
func (r *EventRepository) ListFailed(ctx context.Context, maxRetries int, now time.Time, backoff types.RetryBackoff, limit int) ([]*types.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM webhook_events
		 WHERE outcome = 'failed' AND retry_count <= $1
		   AND updated_at <= $2 - make_interval(secs => LEAST($3::float8 * power(2, GREATEST(retry_count - 1, 0)), $4::float8))
		 ORDER BY received_at ASC, id ASC
		 LIMIT $5`,
		maxRetries,
		now,
		backoff.Base.Seconds(),
		backoff.Cap().Seconds(),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list failed events", err)
	}
	return collectEvents(rows)
}

// Query lists events matching the filter, newest first, using keyset pagination.
func (r *EventRepository) Query(ctx context.Context, filter types.EventFilter, page types.PageRequest) ([]*types.Event, types.PageInfo, error) {
	where, args := buildEventWhere(filter)
	if page.Cursor != nil {
		args = append(args, page.Cursor.ReceivedAt, page.Cursor.ID)
		where = appendCond(where, fmt.Sprintf("(received_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events`+where+
			fmt.Sprintf(` ORDER BY received_at DESC, id DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to query events", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, types.PageInfo{}, err
	}

	var info types.PageInfo
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		info.HasMore = true
		info.NextCursor = types.EventCursor{ReceivedAt: last.ReceivedAt, ID: last.ID}.Encode()
	}
	return events, info, nil
}

// Summarize counts events matching the filter grouped by source, type and outcome.
func (r *EventRepository) Summarize(ctx context.Context, filter types.EventFilter) (*types.EventSummary, error) {
	where, args := buildEventWhere(filter)
	rows, err := r.db.Query(ctx,
		`SELECT source_system, event_type, outcome, COUNT(*)
		 FROM webhook_events`+where+`
		 GROUP BY source_system, event_type, outcome
		 ORDER BY source_system, event_type, outcome`,
		args...,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to summarize events", err)
	}
	defer rows.Close()

	summary := &types.EventSummary{ByOutcome: make(map[types.Outcome]int64)}
	for rows.Next() {
		var row types.EventSummaryRow
		if err := rows.Scan(&row.SourceSystem, &row.EventType, &row.Outcome, &row.Count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event summary", err)
		}
		summary.Rows = append(summary.Rows, row)
		summary.ByOutcome[row.Outcome] += row.Count
		summary.Total += row.Count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate event summary", err)
	}
	return summary, nil
}

// Export streams events matching the filter, oldest first, to fn. Streaming
// stops at maxRows or at the first error returned by fn.
func (r *EventRepository) Export(ctx context.Context, filter types.EventFilter, maxRows int, fn func(*types.Event) error) (int, error) {
	where, args := buildEventWhere(filter)
	args = append(args, maxRows)
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events`+where+
			fmt.Sprintf(` ORDER BY received_at ASC, id ASC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to export events", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return n, types.NewAppError(types.ErrCodeInternalDB, "failed to scan exported event", err)
		}
		if err := fn(evt); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate exported events", err)
	}
	return n, nil
}

// CountExhausted counts failed events whose retry_count exceeds maxRetries
// and that last changed at or after since.
func (r *EventRepository) CountExhausted(ctx context.Context, maxRetries int, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events
		 WHERE outcome = 'failed' AND retry_count > $1 AND updated_at >= $2`,
		maxRetries,
		since,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count exhausted events", err)
	}
	return n, nil
}

// PurgeProcessedBefore deletes up to limit processed events older than cutoff.
func (r *EventRepository) PurgeProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE id IN (
		   SELECT id FROM webhook_events
		   WHERE outcome = 'processed' AND processed_at < $1
		   LIMIT $2
		 )`,
		cutoff,
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge processed events", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExhaustedBefore deletes up to limit permanently failed events older
// than cutoff. Events still eligible for retry are never touched.
func (r *EventRepository) PurgeExhaustedBefore(ctx context.Context, maxRetries int, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE id IN (
		   SELECT id FROM webhook_events
		   WHERE outcome = 'failed' AND retry_count > $1 AND updated_at < $2
		   LIMIT $3
		 )`,
		maxRetries,
		cutoff,
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge exhausted events", err)
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]*types.Event, error) {
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate events", err)
	}
	return events, nil
}

// buildEventWhere renders the filter as a WHERE clause with positional args.
func buildEventWhere(f types.EventFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SourceSystem != "" {
		add("source_system = $%d", f.SourceSystem)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.From.IsZero() {
		add("received_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("received_at < $%d", f.To)
	}
	if f.Exhausted {
		if f.Outcome == "" {
			conds = append(conds, "outcome = 'failed'")
		}
		add("retry_count > $%d", f.MaxRetries)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func appendCond(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

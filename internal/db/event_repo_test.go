package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/types"
)

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

func TestEventRepository_Record_Created(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := sampleEvent("evt_1", types.OutcomePending, 0, now)

	db.On("QueryRow", ctx, sqlContains("INSERT INTO webhook_events"), mock.MatchedBy(func(args []any) bool {
		id, _ := args[0].(string)
		ext, _ := args[3].(*string)
		return strings.HasPrefix(id, "evt_") &&
			args[1] == types.SourcePaymentProvider &&
			ext != nil && *ext == "ext_evt_1"
	})).Return(&mockRow{values: eventRow(stored)})

	evt, created, err := repo.Record(ctx, types.SourcePaymentProvider, types.EventPaymentSucceeded, "ext_evt_1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, types.OutcomePending, evt.Outcome)
	assert.Equal(t, "ext_evt_1", evt.ExternalID)
	assert.Nil(t, evt.ProcessedAt)
	db.AssertExpectations(t)
}

func TestEventRepository_Record_DuplicateReturnsExisting(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	processedAt := now.Add(time.Second)
	existing := sampleEvent("evt_orig", types.OutcomeProcessed, 0, now)
	existing.ProcessedAt = &processedAt

	db.On("QueryRow", ctx, sqlContains("ON CONFLICT"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("QueryRow", ctx, sqlContains("WHERE source_system = $1 AND external_id = $2"),
		[]any{types.SourcePaymentProvider, "ext_evt_orig"}).
		Return(&mockRow{values: eventRow(existing)})

	evt, created, err := repo.Record(ctx, types.SourcePaymentProvider, types.EventPaymentSucceeded, "ext_evt_orig", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "evt_orig", evt.ID)
	assert.Equal(t, types.OutcomeProcessed, evt.Outcome)
	require.NotNil(t, evt.ProcessedAt)
	assert.True(t, evt.ProcessedAt.Equal(processedAt))
	db.AssertExpectations(t)
}

func TestEventRepository_Record_NoExternalIDStoresNull(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	stored := sampleEvent("evt_2", types.OutcomePending, 0, time.Now().UTC())
	stored.ExternalID = ""

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		ext, ok := args[3].(*string)
		return ok && ext == nil
	})).Return(&mockRow{values: eventRow(stored)})

	evt, created, err := repo.Record(ctx, types.SourceExternal, types.EventSystemAlert, "", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, evt.ExternalID)
}

func TestEventRepository_Record_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, _, err := repo.Record(ctx, types.SourcePaymentProvider, types.EventPaymentSucceeded, "x", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestEventRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"evt_missing"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(ctx, "evt_missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundEvent))
}

func TestEventRepository_MarkProcessed(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"transition applied", "UPDATE 1", true},
		{"already processed", "UPDATE 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewEventRepository(db)
			ctx := context.Background()

			db.On("Exec", ctx, sqlContains("outcome <> 'processed'"), []any{"evt_1"}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			applied, err := repo.MarkProcessed(ctx, "evt_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, applied)
			db.AssertExpectations(t)
		})
	}
}

func TestEventRepository_MarkFailed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	failed := sampleEvent("evt_1", types.OutcomeFailed, 3, time.Now().UTC())
	failed.FailureReason = "apply_payment: booking not found"

	db.On("QueryRow", ctx, sqlContains("retry_count = retry_count + 1"), []any{"evt_1", failed.FailureReason}).
		Return(&mockRow{values: eventRow(failed)})

	evt, err := repo.MarkFailed(ctx, "evt_1", failed.FailureReason)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, 3, evt.RetryCount)
	assert.Equal(t, types.OutcomeFailed, evt.Outcome)
	assert.Equal(t, failed.FailureReason, evt.FailureReason)
}

func TestEventRepository_MarkFailed_AlreadyProcessed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	evt, err := repo.MarkFailed(ctx, "evt_1", "late failure")
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestEventRepository_Requeue(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("outcome = 'failed'"), []any{"evt_won"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", ctx, sqlContains("outcome = 'failed'"), []any{"evt_lost"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	won, err := repo.Requeue(ctx, "evt_won")
	require.NoError(t, err)
	assert.True(t, won)

	lost, err := repo.Requeue(ctx, "evt_lost")
	require.NoError(t, err)
	assert.False(t, lost)
}

func TestEventRepository_ListFailed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cutoff := base.Add(time.Hour)

	rows := newMockRows([][]any{
		eventRow(sampleEvent("evt_a", types.OutcomeFailed, 1, base)),
		eventRow(sampleEvent("evt_b", types.OutcomeFailed, 2, base.Add(time.Minute))),
	})
	backoff := types.RetryBackoff{Base: 30 * time.Second, Max: 10 * time.Minute}
	db.On("Query", ctx, sqlContains("retry_count <= $1"), []any{5, cutoff, 30.0, 600.0, 100}).
		Return(rows, nil)

	events, err := repo.ListFailed(ctx, 5, cutoff, backoff, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt_a", events[0].ID)
	assert.Equal(t, 2, events[1].RetryCount)
	assert.True(t, rows.closed)
	db.AssertExpectations(t)
}

func TestEventRepository_ListFailed_FixedBackoff(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	// Without a Max the cap collapses to Base.
	db.On("Query", ctx, sqlContains("power(2, GREATEST(retry_count - 1, 0))"), []any{3, now, 45.0, 45.0, 10}).
		Return(newMockRows(nil), nil)

	events, err := repo.ListFailed(ctx, 3, now, types.RetryBackoff{Base: 45 * time.Second}, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	db.AssertExpectations(t)
}

func TestEventRepository_Query_FiltersAndCursor(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cursor := &types.EventCursor{ReceivedAt: base.Add(time.Hour), ID: "evt_z"}

	rows := newMockRows([][]any{
		eventRow(sampleEvent("evt_3", types.OutcomeFailed, 1, base.Add(3*time.Minute))),
		eventRow(sampleEvent("evt_2", types.OutcomeFailed, 1, base.Add(2*time.Minute))),
		eventRow(sampleEvent("evt_1", types.OutcomeFailed, 1, base.Add(time.Minute))),
	})
	db.On("Query", ctx,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "source_system = $1") &&
				strings.Contains(sql, "outcome = $2") &&
				strings.Contains(sql, "(received_at, id) < ($3, $4)") &&
				strings.Contains(sql, "LIMIT $5")
		}),
		[]any{types.SourcePaymentProvider, "failed", cursor.ReceivedAt, "evt_z", 3},
	).Return(rows, nil)

	events, info, err := repo.Query(ctx,
		types.EventFilter{SourceSystem: types.SourcePaymentProvider, Outcome: types.OutcomeFailed},
		types.PageRequest{Limit: 2, Cursor: cursor},
	)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, info.HasMore)

	next, err := types.DecodeEventCursor(info.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "evt_2", next.ID)
	db.AssertExpectations(t)
}

func TestBuildEventWhere_Exhausted(t *testing.T) {
	where, args := buildEventWhere(types.EventFilter{SourceSystem: "src", Exhausted: true, MaxRetries: 5})
	assert.Equal(t, " WHERE source_system = $1 AND outcome = 'failed' AND retry_count > $2", where)
	assert.Equal(t, []any{"src", 5}, args)

	where, args = buildEventWhere(types.EventFilter{Outcome: types.OutcomeFailed, Exhausted: true, MaxRetries: 3})
	assert.Equal(t, " WHERE outcome = $1 AND retry_count > $2", where)
	assert.Equal(t, []any{"failed", 3}, args)
}

func TestEventRepository_Query_NoFilterLastPage(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()

	rows := newMockRows([][]any{eventRow(sampleEvent("evt_1", types.OutcomeProcessed, 0, time.Now().UTC()))})
	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return !strings.Contains(sql, "WHERE") && strings.Contains(sql, "LIMIT $1")
	}), []any{51}).Return(rows, nil)

	events, info, err := repo.Query(ctx, types.EventFilter{}, types.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextCursor)
}

func TestEventRepository_Summarize(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()

	rows := newMockRows([][]any{
		{types.SourcePaymentProvider, types.EventPaymentSucceeded, "processed", int64(7)},
		{types.SourcePaymentProvider, types.EventPaymentSucceeded, "failed", int64(2)},
		{types.SourceExternal, types.EventSystemAlert, "processed", int64(1)},
	})
	db.On("Query", ctx, sqlContains("GROUP BY"), mock.Anything).Return(rows, nil)

	summary, err := repo.Summarize(ctx, types.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.Total)
	assert.Equal(t, int64(8), summary.ByOutcome[types.OutcomeProcessed])
	assert.Equal(t, int64(2), summary.ByOutcome[types.OutcomeFailed])
	assert.Len(t, summary.Rows, 3)
}

func TestEventRepository_Export_StopsOnCallbackError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	base := time.Now().UTC()

	rows := newMockRows([][]any{
		eventRow(sampleEvent("evt_1", types.OutcomeProcessed, 0, base)),
		eventRow(sampleEvent("evt_2", types.OutcomeProcessed, 0, base)),
	})
	db.On("Query", ctx, sqlContains("ORDER BY received_at ASC"), []any{10}).Return(rows, nil)

	stop := errors.New("client went away")
	var seen []string
	n, err := repo.Export(ctx, types.EventFilter{}, 10, func(e *types.Event) error {
		seen = append(seen, e.ID)
		if len(seen) == 1 {
			return nil
		}
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt_1", "evt_2"}, seen)
	assert.True(t, rows.closed)
}

func TestEventRepository_Purge(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, sqlContains("outcome = 'processed' AND processed_at < $1"), []any{cutoff, 500}).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)
	db.On("Exec", ctx, sqlContains("retry_count > $1"), []any{5, cutoff, 500}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	n, err := repo.PurgeProcessedBefore(ctx, cutoff, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = repo.PurgeExhaustedBefore(ctx, 5, cutoff, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	db.AssertExpectations(t)
}

func TestEventRepository_FailAbandoned(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	cutoff := time.Now().UTC()

	db.On("Exec", ctx, sqlContains("outcome = 'pending' AND updated_at < $1"), []any{cutoff, 100}).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil)

	n, err := repo.FailAbandoned(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEventRepository_CountExhausted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	ctx := context.Background()
	since := time.Now().UTC().Add(-24 * time.Hour)

	db.On("QueryRow", ctx, sqlContains("retry_count > $1"), []any{5, since}).
		Return(&mockRow{values: []any{int64(4)}})

	n, err := repo.CountExhausted(ctx, 5, since)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

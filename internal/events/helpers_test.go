package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"eventrelay/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory event store with the same transition guards as
// the SQL implementation.
type memStore struct {
	mu     sync.Mutex
	events map[string]*types.Event
	keys   map[string]string
	seq    int

	recordErr      error
	markProcErr    error
	listFailedErr  error
	requeueCalls   []string
	recordCalls    int
	abandonCutoffs []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]*types.Event),
		keys:   make(map[string]string),
	}
}

func (s *memStore) Record(_ context.Context, source, eventType, externalID string, payload []byte) (*types.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordCalls++
	if s.recordErr != nil {
		return nil, false, s.recordErr
	}
	if externalID != "" {
		if id, ok := s.keys[source+"|"+externalID]; ok {
			cp := *s.events[id]
			return &cp, false, nil
		}
	}
	s.seq++
	evt := &types.Event{
		ID:           fmt.Sprintf("evt_%03d", s.seq),
		SourceSystem: source,
		EventType:    eventType,
		ExternalID:   externalID,
		Payload:      payload,
		Outcome:      types.OutcomePending,
		ReceivedAt:   baseTime.Add(time.Duration(s.seq) * time.Second),
		UpdatedAt:    baseTime.Add(time.Duration(s.seq) * time.Second),
	}
	s.events[evt.ID] = evt
	if externalID != "" {
		s.keys[source+"|"+externalID] = evt.ID
	}
	cp := *evt
	return &cp, true, nil
}

func (s *memStore) put(evt *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *evt
	s.events[evt.ID] = &cp
}

func (s *memStore) get(id string) types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *memStore) MarkProcessed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markProcErr != nil {
		return false, s.markProcErr
	}
	evt, ok := s.events[id]
	if !ok || evt.Outcome == types.OutcomeProcessed {
		return false, nil
	}
	now := baseTime
	evt.Outcome = types.OutcomeProcessed
	evt.FailureReason = ""
	evt.ProcessedAt = &now
	return true, nil
}

func (s *memStore) MarkFailed(_ context.Context, id, reason string) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[id]
	if !ok || evt.Outcome == types.OutcomeProcessed {
		return nil, nil
	}
	evt.Outcome = types.OutcomeFailed
	evt.FailureReason = reason
	evt.RetryCount++
	cp := *evt
	return &cp, nil
}

func (s *memStore) Requeue(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeueCalls = append(s.requeueCalls, id)
	evt, ok := s.events[id]
	if !ok || evt.Outcome != types.OutcomeFailed {
		return false, nil
	}
	evt.Outcome = types.OutcomePending
	return true, nil
}

func (s *memStore) ListFailed(_ context.Context, maxRetries int, now time.Time, backoff types.RetryBackoff, limit int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listFailedErr != nil {
		return nil, s.listFailedErr
	}
	var out []*types.Event
	for _, evt := range s.events {
		due := now.Add(-backoff.Delay(evt.RetryCount))
		if evt.Outcome == types.OutcomeFailed && evt.RetryCount <= maxRetries && !evt.UpdatedAt.After(due) {
			cp := *evt
			out = append(out, &cp)
		}
	}
	// Deliberately unordered so the worker's own sort is exercised.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FailAbandoned(_ context.Context, olderThan time.Time, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandonCutoffs = append(s.abandonCutoffs, olderThan)
	var n int64
	for _, evt := range s.events {
		if evt.Outcome == types.OutcomePending && evt.UpdatedAt.Before(olderThan) {
			evt.Outcome = types.OutcomeFailed
			evt.RetryCount++
			n++
		}
	}
	return n, nil
}

// recordingNotifier collects published notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (r *recordingNotifier) Publish(n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) all() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Notification(nil), r.notes...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []types.OperatorAlert
	err    error
}

func (a *recordingAlerter) Alert(_ context.Context, alert types.OperatorAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return a.err
}

func (a *recordingAlerter) all() []types.OperatorAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.OperatorAlert(nil), a.alerts...)
}

type verifierFunc func(source string, payload []byte, header http.Header) error

func (f verifierFunc) Verify(source string, payload []byte, header http.Header) error {
	return f(source, payload, header)
}

func acceptAll() SourceVerifier {
	return verifierFunc(func(string, []byte, http.Header) error { return nil })
}

func notify(kind types.NotificationKind, addr types.AddressType, id string) types.Notification {
	return types.Notification{Kind: kind, AddressType: addr, AddressID: id, Data: map[string]any{}}
}

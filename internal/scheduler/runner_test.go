package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockRetention records which task ran and the reference time it saw.
type mockRetention struct {
	purgeCalled  bool
	reportCalled bool
	lastNow      time.Time
	returnItems  int
	returnErr    error
}

func (m *mockRetention) PurgeEvents(_ context.Context, now time.Time) (int, error) {
	m.purgeCalled = true
	m.lastNow = now
	return m.returnItems, m.returnErr
}

func (m *mockRetention) ReportExhausted(_ context.Context, now time.Time) (int, error) {
	m.reportCalled = true
	m.lastNow = now
	return m.returnItems, m.returnErr
}

type mockJobLocker struct {
	acquired   bool
	acquireErr error
	lastLockID string
	lastTTL    time.Duration
}

func (m *mockJobLocker) Acquire(_ context.Context, lockID string, _ string, ttl time.Duration) (bool, error) {
	m.lastLockID = lockID
	m.lastTTL = ttl
	return m.acquired, m.acquireErr
}

type mockJobHistorian struct {
	startCalled  bool
	finishCalled bool
	lastJobType  string
	lastStatus   string
	lastItems    int
	lastErr      error
	returnID     int64
	startErr     error
	finishErr    error
}

func (m *mockJobHistorian) Start(_ context.Context, jobType string) (int64, error) {
	m.startCalled = true
	m.lastJobType = jobType
	return m.returnID, m.startErr
}

func (m *mockJobHistorian) Finish(_ context.Context, _ int64, status string, items int, err error) error {
	m.finishCalled = true
	m.lastStatus = status
	m.lastItems = items
	m.lastErr = err
	return m.finishErr
}

type testDeps struct {
	retention *mockRetention
	locker    *mockJobLocker
	history   *mockJobHistorian
}

func newTestRunner() (*Runner, *testDeps) {
	td := &testDeps{
		retention: &mockRetention{returnItems: 5},
		locker:    &mockJobLocker{acquired: true},
		history:   &mockJobHistorian{returnID: 42},
	}
	h := &Runner{
		Retention:  td.retention,
		JobLock:    td.locker,
		JobHistory: td.history,
		WorkerID:   "test-worker-001",
	}
	return h, td
}

func TestRunner_RoutesPurgeEvents(t *testing.T) {
	h, td := newTestRunner()

	result, err := h.Run(context.Background(), MaintenancePayload{Task: TaskPurgeEvents})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !td.retention.purgeCalled || td.retention.reportCalled {
		t.Error("expected only PurgeEvents to be called")
	}
	if !strings.Contains(result, "5 items") {
		t.Errorf("unexpected result: %s", result)
	}
	if td.history.lastJobType != "purge_events" {
		t.Errorf("job type = %q", td.history.lastJobType)
	}
}

func TestRunner_RoutesReportExhausted(t *testing.T) {
	h, td := newTestRunner()

	if _, err := h.Run(context.Background(), MaintenancePayload{Task: TaskReportExhausted}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !td.retention.reportCalled || td.retention.purgeCalled {
		t.Error("expected only ReportExhausted to be called")
	}
}

func TestRunner_SkipsWhenLockNotAcquired(t *testing.T) {
	h, td := newTestRunner()
	td.locker.acquired = false

	result, err := h.Run(context.Background(), MaintenancePayload{Task: TaskPurgeEvents})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "skipped") {
		t.Errorf("expected skip message, got: %s", result)
	}
	if td.retention.purgeCalled {
		t.Error("service should not be called when lock is not acquired")
	}
	if td.history.startCalled {
		t.Error("job history should not be started when lock is not acquired")
	}
}

func TestRunner_ReturnsErrorWhenLockFails(t *testing.T) {
	h, td := newTestRunner()
	td.locker.acquireErr = errors.New("database connection lost")

	_, err := h.Run(context.Background(), MaintenancePayload{Task: TaskPurgeEvents})
	if err == nil {
		t.Fatal("expected error when lock acquisition fails")
	}
	if !strings.Contains(err.Error(), "acquiring job lock") {
		t.Errorf("error should mention lock acquisition, got: %v", err)
	}
}

func TestRunner_LockIDAndReferenceTime(t *testing.T) {
	h, td := newTestRunner()

	refTime := time.Date(2026, 2, 6, 3, 15, 30, 0, time.FixedZone("CET", 3600))
	if _, err := h.Run(context.Background(), MaintenancePayload{
		Task:          TaskPurgeEvents,
		ReferenceTime: &refTime,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := "purge_events:2026-02-06T02"; td.locker.lastLockID != want {
		t.Errorf("lock ID = %q, want %q", td.locker.lastLockID, want)
	}
	if td.locker.lastTTL != LockTTL {
		t.Errorf("lock TTL = %v, want %v", td.locker.lastTTL, LockTTL)
	}
	if !td.retention.lastNow.Equal(refTime) || td.retention.lastNow.Location() != time.UTC {
		t.Errorf("service saw %v, want %v in UTC", td.retention.lastNow, refTime)
	}
}

func TestRunner_InvalidTask(t *testing.T) {
	tests := []struct {
		name    string
		task    TaskType
		wantErr string
	}{
		{"empty", "", "empty task type"},
		{"unknown", "nonexistent_task", "unknown task type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, td := newTestRunner()
			_, err := h.Run(context.Background(), MaintenancePayload{Task: tt.task})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q error, got %v", tt.wantErr, err)
			}
			if td.locker.lastLockID != "" {
				t.Error("invalid tasks must not take a lock")
			}
		})
	}
}

func TestRunner_ServiceErrorRecordedInHistory(t *testing.T) {
	h, td := newTestRunner()
	td.retention.returnErr = errors.New("database timeout")
	td.retention.returnItems = 3

	_, err := h.Run(context.Background(), MaintenancePayload{Task: TaskPurgeEvents})
	if err == nil {
		t.Fatal("expected error from service failure")
	}
	if !td.history.finishCalled {
		t.Fatal("expected job history Finish to be called even on error")
	}
	if td.history.lastStatus != "failed" {
		t.Errorf("job history status = %q, want failed", td.history.lastStatus)
	}
	if td.history.lastItems != 3 {
		t.Errorf("partial item count = %d, want 3", td.history.lastItems)
	}
	if td.history.lastErr == nil {
		t.Error("the task error should be stored in history")
	}
}

func TestRunner_SuccessRecordedInHistory(t *testing.T) {
	h, td := newTestRunner()

	if _, err := h.Run(context.Background(), MaintenancePayload{Task: TaskReportExhausted}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if td.history.lastStatus != "success" || td.history.lastItems != 5 {
		t.Errorf("history = %q/%d, want success/5", td.history.lastStatus, td.history.lastItems)
	}
}

func TestRunner_JobHistoryFailuresAreNonFatal(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		h, td := newTestRunner()
		td.history.startErr = errors.New("history db error")

		result, err := h.Run(context.Background(), MaintenancePayload{Task: TaskPurgeEvents})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !td.retention.purgeCalled {
			t.Error("service should still be called when history start fails")
		}
		if td.history.finishCalled {
			t.Error("Finish should not be called when Start failed")
		}
		if !strings.Contains(result, "complete") {
			t.Errorf("result should indicate completion, got: %s", result)
		}
	})

	t.Run("finish", func(t *testing.T) {
		h, td := newTestRunner()
		td.history.finishErr = errors.New("history db error")

		if _, err := h.Run(context.Background(), MaintenancePayload{Task: TaskPurgeEvents}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMaintenancePayload_JSON(t *testing.T) {
	var payload MaintenancePayload
	raw := `{"task":"report_exhausted","reference_time":"2026-02-06T03:00:00Z"}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Task != TaskReportExhausted {
		t.Errorf("task = %q", payload.Task)
	}
	if payload.ReferenceTime == nil || !payload.ReferenceTime.Equal(time.Date(2026, 2, 6, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("reference time = %v", payload.ReferenceTime)
	}
}

func TestTaskDescriptions_CoverEveryTask(t *testing.T) {
	for _, task := range []TaskType{TaskPurgeEvents, TaskReportExhausted} {
		if TaskDescriptions[task] == "" {
			t.Errorf("missing description for %q", task)
		}
	}
	for task := range TaskDescriptions {
		if !task.Valid() {
			t.Errorf("description for unknown task %q", task)
		}
	}
}

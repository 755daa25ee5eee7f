// Package scheduler implements the scheduled maintenance of the event store.
//
// Tasks are triggered by EventBridge rules and executed by the maintenance
// multiplexer in cmd/maintenance. The payload names the task; the optional
// reference time lets an operator backfill or re-run a window by hand.
package scheduler

import "time"

// TaskType identifies which maintenance operation an invocation runs.
type TaskType string

const (
	// TaskPurgeEvents deletes processed and permanently failed events past
	// their retention.
	TaskPurgeEvents TaskType = "purge_events"

	// TaskReportExhausted raises an operator alert when events exhausted their
	// retries during the report window.
	TaskReportExhausted TaskType = "report_exhausted"
)

// Valid reports whether t names a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskPurgeEvents, TaskReportExhausted:
		return true
	}
	return false
}

// MaintenancePayload is the JSON payload sent by EventBridge:
//
//	{
//	  "task": "purge_events",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now". If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

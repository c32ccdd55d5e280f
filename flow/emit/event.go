package emit

// Event represents an observability event emitted by the coordinator engine.
//
// Events mark the moments worth watching in a run's life:
//   - Run started, completed, failed
//   - Task state transitions
//   - Outlier warnings attached or cleared
//   - Watchdog firings and stop-all sweeps
//   - Persistence failures and restart recovery
//
// Events are delivered to an Emitter, which can log them, turn them into
// OpenTelemetry spans, or buffer them for inspection in tests.
type Event struct {
	// RunID identifies the run this event belongs to. Empty for
	// engine-level events such as restart recovery.
	RunID string

	// Flow is the flow name of the affected run.
	Flow string

	// Task names the affected task slot. Empty for run-level events.
	Task string

	// Msg is the event kind, e.g. "run_started", "task_state",
	// "outlier_detected", "worker_lost".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "state": the new task or run state
	//   - "duration_ms": a completed task's duration
	//   - "warning": an outlier warning message
	//   - "error": error details for persist failures
	Meta map[string]interface{}
}

// Package flow provides the workflow-execution engine: a state machine over
// flows and runs, weighted progress arithmetic, statistics-driven outlier
// warnings, and write-through persistence. Workers register flow definitions,
// triggers materialize runs, and task-state updates drive each run to a
// terminal state.
package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowcoord/flowcoord/flow/stats"
)

// State is the lifecycle state of a run or of a single task slot.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final. Terminal states are
// irreversible: no later update may change a terminal run or task, with the
// single exception of a run's report path.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState normalizes a worker-supplied state string (workers send
// upper-case labels such as "RUNNING") into the State enum.
func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StatePending:
		return StatePending, nil
	case StateRunning:
		return StateRunning, nil
	case StateCompleted:
		return StateCompleted, nil
	case StateFailed:
		return StateFailed, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown state %q", raw))
}

// Definition is a registered flow: a named, ordered list of tasks produced
// by a worker. Definitions are single-shot; triggering one consumes it, and
// the worker must re-register before the flow can be triggered again.
type Definition struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Tasks             []TaskDef         `json:"tasks"`
	AutoTrigger       bool              `json:"autoTrigger,omitempty"`
	AutoTriggerConfig string            `json:"autoTriggerConfig,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// TaskDef is one task slot inside a Definition. EstimatedMs is the expected
// duration in milliseconds (defaulted to 1000 and refreshed from recorded
// statistics once two samples exist); Weight is the task's share of the
// flow's total estimated time and sums to 1 across the definition.
type TaskDef struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	EstimatedMs int64   `json:"estimatedTime"`
	Weight      float64 `json:"weight"`
	CrucialPass bool    `json:"crucialPass,omitempty"`
}

// Run is one execution instance of a flow. FlowName is denormalized so the
// run survives deletion of its originating definition.
type Run struct {
	ID            string            `json:"id"`
	FlowID        string            `json:"flowId"`
	FlowName      string            `json:"flowName"`
	State         State             `json:"state"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       *time.Time        `json:"endTime,omitempty"`
	Configuration string            `json:"configuration,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Tasks         []*TaskRun        `json:"tasks"`
	Progress      float64           `json:"progress"`
	ClientColor   string            `json:"clientColor,omitempty"`
	ClientName    string            `json:"clientName,omitempty"`
	ReportPath    string            `json:"reportPath,omitempty"`
	Logs          []LogEntry        `json:"logs"`
}

// TaskRun is the per-run state of one task slot.
type TaskRun struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	State       State          `json:"state"`
	StartTime   *time.Time     `json:"startTime,omitempty"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Weight      float64        `json:"weight"`
	EstimatedMs int64          `json:"estimatedTime"`
	Progress    float64        `json:"progress"`
	Result      *TaskResult    `json:"result,omitempty"`
	Warning     *stats.Warning `json:"performanceWarning,omitempty"`
	Logs        []LogEntry     `json:"logs,omitempty"`
}

// TaskResult is the worker-reported outcome of a task. Table rows are
// free-form JSON objects and are persisted as an opaque blob.
type TaskResult struct {
	Passed bool                     `json:"passed"`
	Note   string                   `json:"note,omitempty"`
	Table  []map[string]interface{} `json:"table,omitempty"`
}

// LogEntry is one timestamped log line attached to a run or task.
type LogEntry struct {
	Ts   time.Time `json:"ts"`
	Line string    `json:"line"`
}

// StructureEntry is one (task name, estimated duration) pair of a learned
// structure: the task sequence observed on a flow's most recent successful
// run, used to pre-populate the task list when the same flow name recurs.
type StructureEntry struct {
	TaskName    string `json:"taskName"`
	EstimatedMs int64  `json:"estimatedTime"`
}

// HistorySample is one completed duration sample returned by the history
// queries, ordered oldest first.
type HistorySample struct {
	RunID       string    `json:"runId"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

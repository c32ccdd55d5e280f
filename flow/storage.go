package flow

import (
	"context"

	"github.com/flowcoord/flowcoord/flow/stats"
)

// Store is the persistence contract the engine writes through. Implementations
// live in flow/store (SQLite, MySQL, in-memory); the engine owns the
// authoritative in-memory state and treats the store as its durable copy.
//
// Semantics every implementation must honor:
//
//   - SaveFlow and SaveRun are upserts. SaveRun replaces the run's child rows
//     (task runs, run logs, task logs) inside a single transaction,
//     delete-then-insert, so the persisted child set always mirrors memory.
//   - LoadRun returns ErrNotFound for an unknown run ID. Deletes of unknown
//     IDs are no-ops.
//   - GetTaskStats, GetFlowStats, and GetLearnedStructure return (nil, nil)
//     when no row exists; absence of history is not an error.
//   - UpdateTaskStats and UpdateFlowStats fold one duration sample into the
//     stored (avg, count, m2) triple using the Welford step from flow/stats.
//   - TaskHistory and FlowHistory return completed samples in oldest-first
//     order, at most limit entries, drawn from the most recent completions.
//   - All writes are serialized by the implementation; reads may run
//     concurrently with each other.
type Store interface {
	SaveFlow(ctx context.Context, def *Definition) error
	LoadAllFlows(ctx context.Context) ([]*Definition, error)
	DeleteFlow(ctx context.Context, flowID string) error

	SaveRun(ctx context.Context, run *Run) error
	LoadRun(ctx context.Context, runID string) (*Run, error)
	LoadAllRuns(ctx context.Context) ([]*Run, error)
	DeleteRun(ctx context.Context, runID string) error

	GetTaskStats(ctx context.Context, flowName, taskName string) (*stats.TaskStats, error)
	GetAllFlowTaskStats(ctx context.Context, flowName string) (map[string]stats.TaskStats, error)
	GetAllTaskStats(ctx context.Context) ([]stats.TaskStats, error)
	UpdateTaskStats(ctx context.Context, flowName, taskName string, durationMs int64) error
	DeleteTaskStatsForFlow(ctx context.Context, flowName string) error

	GetFlowStats(ctx context.Context, flowName string) (*stats.FlowStats, error)
	GetAllFlowStats(ctx context.Context) ([]stats.FlowStats, error)
	UpdateFlowStats(ctx context.Context, flowName string, durationMs int64) error
	DeleteFlowStats(ctx context.Context, flowName string) error
	ClearStats(ctx context.Context) error

	TaskHistory(ctx context.Context, flowName, taskName string, limit int) ([]HistorySample, error)
	FlowHistory(ctx context.Context, flowName string, limit int) ([]HistorySample, error)

	SaveLearnedStructure(ctx context.Context, flowName string, entries []StructureEntry) error
	GetLearnedStructure(ctx context.Context, flowName string) ([]StructureEntry, error)

	Close() error
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/stats"
)

// MemStore is an in-memory implementation of flow.Store.
//
// It keeps flows, runs, and statistics in maps. Designed for:
//   - Engine and boundary tests
//   - The "memory" database driver, where persistence isn't required
//
// MemStore is thread-safe and hands out deep copies, so callers can never
// mutate its internal state through a returned value.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with run history
type MemStore struct {
	mu         sync.RWMutex
	flows      map[string]*flow.Definition
	runs       map[string]*flow.Run
	taskStats  map[string]stats.TaskStats // "flowName\x00taskName"
	flowStats  map[string]stats.FlowStats // flowName
	structures map[string][]flow.StructureEntry
	closed     bool
}

var _ flow.Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		flows:      make(map[string]*flow.Definition),
		runs:       make(map[string]*flow.Run),
		taskStats:  make(map[string]stats.TaskStats),
		flowStats:  make(map[string]stats.FlowStats),
		structures: make(map[string][]flow.StructureEntry),
	}
}

// clone round-trips a value through JSON so stored and returned values never
// share memory with the caller.
func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

func taskStatsKey(flowName, taskName string) string {
	return flowName + "\x00" + taskName
}

func (m *MemStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveFlow upserts a flow definition.
func (m *MemStore) SaveFlow(_ context.Context, def *flow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	copied, err := clone(def)
	if err != nil {
		return err
	}
	m.flows[def.ID] = copied
	return nil
}

// LoadAllFlows returns every stored flow definition.
func (m *MemStore) LoadAllFlows(_ context.Context) ([]*flow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	defs := make([]*flow.Definition, 0, len(m.flows))
	for _, def := range m.flows {
		copied, err := clone(def)
		if err != nil {
			return nil, err
		}
		defs = append(defs, copied)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.Before(defs[j].CreatedAt)
	})
	return defs, nil
}

// DeleteFlow removes a flow definition. Unknown IDs are a no-op.
func (m *MemStore) DeleteFlow(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	delete(m.flows, flowID)
	return nil
}

// SaveRun upserts a run with all of its children.
func (m *MemStore) SaveRun(_ context.Context, run *flow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	copied, err := clone(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = copied
	return nil
}

// LoadRun returns one run, or flow.ErrNotFound.
func (m *MemStore) LoadRun(_ context.Context, runID string) (*flow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	run, ok := m.runs[runID]
	if !ok {
		return nil, flow.ErrNotFound
	}
	return clone(run)
}

// LoadAllRuns returns every stored run, newest startTime first.
func (m *MemStore) LoadAllRuns(_ context.Context) ([]*flow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	runs := make([]*flow.Run, 0, len(m.runs))
	for _, run := range m.runs {
		copied, err := clone(run)
		if err != nil {
			return nil, err
		}
		runs = append(runs, copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	return runs, nil
}

// DeleteRun removes a run. Unknown IDs are a no-op.
func (m *MemStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	delete(m.runs, runID)
	return nil
}

// GetTaskStats returns the statistic for one (flow, task) pair, or
// (nil, nil) when no samples have been recorded.
func (m *MemStore) GetTaskStats(_ context.Context, flowName, taskName string) (*stats.TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	ts, ok := m.taskStats[taskStatsKey(flowName, taskName)]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

// GetAllFlowTaskStats returns every task statistic for one flow, keyed by
// task name.
func (m *MemStore) GetAllFlowTaskStats(_ context.Context, flowName string) (map[string]stats.TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	result := make(map[string]stats.TaskStats)
	for _, ts := range m.taskStats {
		if ts.FlowName == flowName {
			result[ts.TaskName] = ts
		}
	}
	return result, nil
}

// GetAllTaskStats returns every recorded task statistic, ordered by flow and
// task name.
func (m *MemStore) GetAllTaskStats(_ context.Context) ([]stats.TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]stats.TaskStats, 0, len(m.taskStats))
	for _, ts := range m.taskStats {
		result = append(result, ts)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FlowName != result[j].FlowName {
			return result[i].FlowName < result[j].FlowName
		}
		return result[i].TaskName < result[j].TaskName
	})
	return result, nil
}

// UpdateTaskStats folds one duration sample into the statistic.
func (m *MemStore) UpdateTaskStats(_ context.Context, flowName, taskName string, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	key := taskStatsKey(flowName, taskName)
	var acc stats.Accumulator
	if ts, ok := m.taskStats[key]; ok {
		acc = ts.Acc()
	}
	acc = acc.Add(float64(durationMs))
	m.taskStats[key] = stats.TaskStats{
		FlowName:    flowName,
		TaskName:    taskName,
		AvgMs:       acc.Mean,
		SampleCount: acc.Count,
		M2:          acc.M2,
		LastUpdated: nowUTC(),
	}
	return nil
}

// DeleteTaskStatsForFlow removes every task statistic for a flow.
func (m *MemStore) DeleteTaskStatsForFlow(_ context.Context, flowName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	for key, ts := range m.taskStats {
		if ts.FlowName == flowName {
			delete(m.taskStats, key)
		}
	}
	return nil
}

// GetFlowStats returns the whole-flow statistic, or (nil, nil).
func (m *MemStore) GetFlowStats(_ context.Context, flowName string) (*stats.FlowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	fs, ok := m.flowStats[flowName]
	if !ok {
		return nil, nil
	}
	return &fs, nil
}

// GetAllFlowStats returns every recorded flow statistic, ordered by name.
func (m *MemStore) GetAllFlowStats(_ context.Context) ([]stats.FlowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]stats.FlowStats, 0, len(m.flowStats))
	for _, fs := range m.flowStats {
		result = append(result, fs)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FlowName < result[j].FlowName
	})
	return result, nil
}

// UpdateFlowStats folds one whole-flow duration sample into the statistic.
func (m *MemStore) UpdateFlowStats(_ context.Context, flowName string, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	var acc stats.Accumulator
	if fs, ok := m.flowStats[flowName]; ok {
		acc = fs.Acc()
	}
	acc = acc.Add(float64(durationMs))
	m.flowStats[flowName] = stats.FlowStats{
		FlowName:    flowName,
		AvgMs:       acc.Mean,
		SampleCount: acc.Count,
		M2:          acc.M2,
		LastUpdated: nowUTC(),
	}
	return nil
}

// DeleteFlowStats removes the whole-flow statistic for a flow.
func (m *MemStore) DeleteFlowStats(_ context.Context, flowName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	delete(m.flowStats, flowName)
	return nil
}

// ClearStats empties both statistics maps.
func (m *MemStore) ClearStats(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.taskStats = make(map[string]stats.TaskStats)
	m.flowStats = make(map[string]stats.FlowStats)
	return nil
}

// TaskHistory returns the most recent completed samples for one (flow, task)
// pair, oldest first.
func (m *MemStore) TaskHistory(_ context.Context, flowName, taskName string, limit int) ([]flow.HistorySample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var samples []flow.HistorySample
	for _, run := range m.runs {
		if run.FlowName != flowName {
			continue
		}
		for _, task := range run.Tasks {
			if task.Name != taskName || task.State != flow.StateCompleted || task.EndTime == nil {
				continue
			}
			samples = append(samples, flow.HistorySample{
				RunID:       run.ID,
				DurationMs:  task.DurationMs,
				CompletedAt: *task.EndTime,
			})
		}
	}
	return trimHistory(samples, limit), nil
}

// FlowHistory returns the most recent completed whole-flow samples, oldest
// first.
func (m *MemStore) FlowHistory(_ context.Context, flowName string, limit int) ([]flow.HistorySample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var samples []flow.HistorySample
	for _, run := range m.runs {
		if run.FlowName != flowName || run.State != flow.StateCompleted || run.EndTime == nil {
			continue
		}
		samples = append(samples, flow.HistorySample{
			RunID:       run.ID,
			DurationMs:  run.EndTime.Sub(run.StartTime).Milliseconds(),
			CompletedAt: *run.EndTime,
		})
	}
	return trimHistory(samples, limit), nil
}

// trimHistory sorts samples oldest-first and keeps the most recent limit
// entries.
func trimHistory(samples []flow.HistorySample, limit int) []flow.HistorySample {
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].CompletedAt.Before(samples[j].CompletedAt)
	})
	limit = normalizeLimit(limit)
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}

// SaveLearnedStructure replaces the learned structure for a flow name.
func (m *MemStore) SaveLearnedStructure(_ context.Context, flowName string, entries []flow.StructureEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	copied := make([]flow.StructureEntry, len(entries))
	copy(copied, entries)
	m.structures[flowName] = copied
	return nil
}

// GetLearnedStructure returns the learned structure for a flow name, or
// (nil, nil) when none has been captured.
func (m *MemStore) GetLearnedStructure(_ context.Context, flowName string) ([]flow.StructureEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	entries, ok := m.structures[flowName]
	if !ok {
		return nil, nil
	}
	copied := make([]flow.StructureEntry, len(entries))
	copy(copied, entries)
	return copied, nil
}

// Close marks the store closed. Calling Close multiple times is safe.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

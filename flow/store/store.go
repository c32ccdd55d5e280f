// Package store provides the persistence drivers behind flow.Store: an
// embedded SQLite database (the default), a MySQL variant for shared
// deployments, and an in-memory store for tests.
//
// All drivers persist the same nine-table schema: flows, tasks, flow_runs,
// task_runs, logs, task_logs, task_statistics, flow_statistics, and
// flow_task_structure. Schema evolution is additive; the m2 statistics
// column is added by an idempotent migration so databases created before
// variance tracking keep working.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/stats"
)

// defaultHistoryLimit caps history queries when the caller does not supply a
// positive limit.
const defaultHistoryLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

// encodeTags serializes a tag map for storage. A nil map is stored as the
// empty object so scans never deal with SQL NULL.
func encodeTags(tags map[string]string) (string, error) {
	if tags == nil {
		return "{}", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

func decodeTags(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

// encodeResult serializes a task result as an opaque JSON blob; nil results
// map to SQL NULL through the returned pointer.
func encodeResult(r *flow.TaskResult) (*string, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task result: %w", err)
	}
	s := string(data)
	return &s, nil
}

func decodeResult(raw *string) (*flow.TaskResult, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var r flow.TaskResult
	if err := json.Unmarshal([]byte(*raw), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task result: %w", err)
	}
	return &r, nil
}

func encodeWarning(w *stats.Warning) (*string, error) {
	if w == nil {
		return nil, nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal performance warning: %w", err)
	}
	s := string(data)
	return &s, nil
}

func decodeWarning(raw *string) (*stats.Warning, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var w stats.Warning
	if err := json.Unmarshal([]byte(*raw), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal performance warning: %w", err)
	}
	return &w, nil
}

// encodeTime / decodeTime store timestamps as RFC3339Nano strings, which
// sort lexicographically in UTC and survive driver differences.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func encodeTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := encodeTime(*t)
	return &s
}

func decodeTimePtr(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := decodeTime(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

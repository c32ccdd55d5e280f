package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/stats"
)

// dbtx is the common surface of *sql.DB and *sql.Tx. The SQL store drivers
// share every query that is identical across dialects; only DDL and upsert
// statements live in the driver files.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func loadAllFlows(ctx context.Context, db dbtx) ([]*flow.Definition, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, description, tags, auto_trigger, auto_trigger_config, created_at
		FROM flows
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*flow.Definition
	for rows.Next() {
		var (
			def         flow.Definition
			tagsJSON    string
			autoTrigger int
			createdAt   string
		)
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &tagsJSON,
			&autoTrigger, &def.AutoTriggerConfig, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		if def.Tags, err = decodeTags(tagsJSON); err != nil {
			return nil, err
		}
		def.AutoTrigger = autoTrigger != 0
		if def.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flows: %w", err)
	}

	for _, def := range defs {
		if def.Tasks, err = loadFlowTasks(ctx, db, def.ID); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func loadFlowTasks(ctx context.Context, db dbtx, flowID string) ([]flow.TaskDef, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, description, estimated_ms, weight, crucial_pass
		FROM tasks
		WHERE flow_id = ?
		ORDER BY position
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for flow %s: %w", flowID, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []flow.TaskDef
	for rows.Next() {
		var (
			task    flow.TaskDef
			crucial int
		)
		if err := rows.Scan(&task.ID, &task.Name, &task.Description,
			&task.EstimatedMs, &task.Weight, &crucial); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task.CrucialPass = crucial != 0
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// insertFlowTasks writes a definition's task children. The caller has already
// cleared the previous rows inside the same transaction.
func insertFlowTasks(ctx context.Context, db dbtx, def *flow.Definition) error {
	query := `
		INSERT INTO tasks (id, flow_id, position, name, description, estimated_ms, weight, crucial_pass)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, task := range def.Tasks {
		if _, err := db.ExecContext(ctx, query,
			task.ID, def.ID, i, task.Name, task.Description,
			task.EstimatedMs, task.Weight, boolToInt(task.CrucialPass)); err != nil {
			return fmt.Errorf("failed to save task %d of flow %s: %w", i, def.ID, err)
		}
	}
	return nil
}

func deleteFlow(ctx context.Context, db dbtx, flowID string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM tasks WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete tasks for flow %s: %w", flowID, err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM flows WHERE id = ?", flowID); err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", flowID, err)
	}
	return nil
}

const runColumns = `id, flow_id, flow_name, state, start_time, end_time,
	configuration, tags, progress, client_color, client_name, report_path`

func loadRun(ctx context.Context, db dbtx, runID string) (*flow.Run, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM flow_runs WHERE id = ?", runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := loadRunChildren(ctx, db, run); err != nil {
		return nil, err
	}
	return run, nil
}

func loadAllRuns(ctx context.Context, db dbtx) ([]*flow.Run, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM flow_runs ORDER BY start_time DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*flow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	for _, run := range runs {
		if err := loadRunChildren(ctx, db, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func scanRun(sc scanner) (*flow.Run, error) {
	var (
		run       flow.Run
		state     string
		startTime string
		endTime   sql.NullString
		tagsJSON  string
	)
	err := sc.Scan(&run.ID, &run.FlowID, &run.FlowName, &state, &startTime, &endTime,
		&run.Configuration, &tagsJSON, &run.Progress,
		&run.ClientColor, &run.ClientName, &run.ReportPath)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}

	run.State = flow.State(state)
	if run.StartTime, err = decodeTime(startTime); err != nil {
		return nil, err
	}
	if endTime.Valid {
		if run.EndTime, err = decodeTimePtr(&endTime.String); err != nil {
			return nil, err
		}
	}
	if run.Tags, err = decodeTags(tagsJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func loadRunChildren(ctx context.Context, db dbtx, run *flow.Run) error {
	taskRows, err := db.QueryContext(ctx, `
		SELECT id, name, state, start_time, end_time, duration_ms, weight,
			estimated_ms, progress, result, perf_warning
		FROM task_runs
		WHERE run_id = ?
		ORDER BY position
	`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load tasks for run %s: %w", run.ID, err)
	}
	defer func() { _ = taskRows.Close() }()

	run.Tasks = []*flow.TaskRun{}
	for taskRows.Next() {
		var (
			task        flow.TaskRun
			state       string
			startTime   sql.NullString
			endTime     sql.NullString
			resultJSON  sql.NullString
			warningJSON sql.NullString
		)
		if err := taskRows.Scan(&task.ID, &task.Name, &state, &startTime, &endTime,
			&task.DurationMs, &task.Weight, &task.EstimatedMs, &task.Progress,
			&resultJSON, &warningJSON); err != nil {
			return fmt.Errorf("failed to scan task run row: %w", err)
		}
		task.State = flow.State(state)
		if startTime.Valid {
			if task.StartTime, err = decodeTimePtr(&startTime.String); err != nil {
				return err
			}
		}
		if endTime.Valid {
			if task.EndTime, err = decodeTimePtr(&endTime.String); err != nil {
				return err
			}
		}
		if resultJSON.Valid {
			if task.Result, err = decodeResult(&resultJSON.String); err != nil {
				return err
			}
		}
		if warningJSON.Valid {
			if task.Warning, err = decodeWarning(&warningJSON.String); err != nil {
				return err
			}
		}
		run.Tasks = append(run.Tasks, &task)
	}
	if err := taskRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate task runs: %w", err)
	}

	run.Logs, err = loadLogEntries(ctx, db,
		"SELECT ts, line FROM logs WHERE run_id = ? ORDER BY id", run.ID)
	if err != nil {
		return fmt.Errorf("failed to load logs for run %s: %w", run.ID, err)
	}

	logRows, err := db.QueryContext(ctx,
		"SELECT position, ts, line FROM task_logs WHERE run_id = ? ORDER BY id", run.ID)
	if err != nil {
		return fmt.Errorf("failed to load task logs for run %s: %w", run.ID, err)
	}
	defer func() { _ = logRows.Close() }()

	for logRows.Next() {
		var (
			position int
			ts       string
			line     string
		)
		if err := logRows.Scan(&position, &ts, &line); err != nil {
			return fmt.Errorf("failed to scan task log row: %w", err)
		}
		when, err := decodeTime(ts)
		if err != nil {
			return err
		}
		if position >= 0 && position < len(run.Tasks) {
			task := run.Tasks[position]
			task.Logs = append(task.Logs, flow.LogEntry{Ts: when, Line: line})
		}
	}
	if err := logRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate task logs: %w", err)
	}
	return nil
}

func loadLogEntries(ctx context.Context, db dbtx, query string, args ...interface{}) ([]flow.LogEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []flow.LogEntry{}
	for rows.Next() {
		var ts, line string
		if err := rows.Scan(&ts, &line); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		when, err := decodeTime(ts)
		if err != nil {
			return nil, err
		}
		entries = append(entries, flow.LogEntry{Ts: when, Line: line})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate logs: %w", err)
	}
	return entries, nil
}

// clearRunChildren removes a run's child rows ahead of re-insert, keeping
// the persisted set authoritative.
func clearRunChildren(ctx context.Context, db dbtx, runID string) error {
	for _, table := range []string{"task_runs", "logs", "task_logs"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", runID); err != nil {
			return fmt.Errorf("failed to clear %s for run %s: %w", table, runID, err)
		}
	}
	return nil
}

func insertRunChildren(ctx context.Context, db dbtx, run *flow.Run) error {
	taskQuery := `
		INSERT INTO task_runs (id, run_id, position, name, state, start_time, end_time,
			duration_ms, weight, estimated_ms, progress, result, perf_warning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	logQuery := "INSERT INTO logs (run_id, ts, line) VALUES (?, ?, ?)"
	taskLogQuery := "INSERT INTO task_logs (run_id, position, ts, line) VALUES (?, ?, ?, ?)"

	for i, task := range run.Tasks {
		resultJSON, err := encodeResult(task.Result)
		if err != nil {
			return err
		}
		warningJSON, err := encodeWarning(task.Warning)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, taskQuery,
			task.ID, run.ID, i, task.Name, string(task.State),
			encodeTimePtr(task.StartTime), encodeTimePtr(task.EndTime),
			task.DurationMs, task.Weight, task.EstimatedMs, task.Progress,
			resultJSON, warningJSON)
		if err != nil {
			return fmt.Errorf("failed to save task %d of run %s: %w", i, run.ID, err)
		}

		for _, entry := range task.Logs {
			if _, err := db.ExecContext(ctx, taskLogQuery, run.ID, i, encodeTime(entry.Ts), entry.Line); err != nil {
				return fmt.Errorf("failed to save task log for run %s: %w", run.ID, err)
			}
		}
	}

	for _, entry := range run.Logs {
		if _, err := db.ExecContext(ctx, logQuery, run.ID, encodeTime(entry.Ts), entry.Line); err != nil {
			return fmt.Errorf("failed to save log for run %s: %w", run.ID, err)
		}
	}
	return nil
}

func deleteRun(ctx context.Context, db dbtx, runID string) error {
	if err := clearRunChildren(ctx, db, runID); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM flow_runs WHERE id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

const taskStatsColumns = "flow_name, task_name, avg_ms, sample_count, m2, last_updated"

func getTaskStats(ctx context.Context, db dbtx, flowName, taskName string) (*stats.TaskStats, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+taskStatsColumns+" FROM task_statistics WHERE flow_name = ? AND task_name = ?",
		flowName, taskName)

	ts, err := scanTaskStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func scanTaskStats(sc scanner) (*stats.TaskStats, error) {
	var (
		ts      stats.TaskStats
		m2      sql.NullFloat64
		updated string
	)
	err := sc.Scan(&ts.FlowName, &ts.TaskName, &ts.AvgMs, &ts.SampleCount, &m2, &updated)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task statistics row: %w", err)
	}
	ts.M2 = m2.Float64
	if ts.LastUpdated, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &ts, nil
}

func getAllFlowTaskStats(ctx context.Context, db dbtx, flowName string) (map[string]stats.TaskStats, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+taskStatsColumns+" FROM task_statistics WHERE flow_name = ?", flowName)
	if err != nil {
		return nil, fmt.Errorf("failed to load task statistics for flow %s: %w", flowName, err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]stats.TaskStats)
	for rows.Next() {
		ts, err := scanTaskStats(rows)
		if err != nil {
			return nil, err
		}
		result[ts.TaskName] = *ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task statistics: %w", err)
	}
	return result, nil
}

func getAllTaskStats(ctx context.Context, db dbtx) ([]stats.TaskStats, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+taskStatsColumns+" FROM task_statistics ORDER BY flow_name, task_name")
	if err != nil {
		return nil, fmt.Errorf("failed to load task statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []stats.TaskStats
	for rows.Next() {
		ts, err := scanTaskStats(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task statistics: %w", err)
	}
	return result, nil
}

const flowStatsColumns = "flow_name, avg_ms, sample_count, m2, last_updated"

func getFlowStats(ctx context.Context, db dbtx, flowName string) (*stats.FlowStats, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+flowStatsColumns+" FROM flow_statistics WHERE flow_name = ?", flowName)

	fs, err := scanFlowStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func scanFlowStats(sc scanner) (*stats.FlowStats, error) {
	var (
		fs      stats.FlowStats
		m2      sql.NullFloat64
		updated string
	)
	err := sc.Scan(&fs.FlowName, &fs.AvgMs, &fs.SampleCount, &m2, &updated)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow statistics row: %w", err)
	}
	fs.M2 = m2.Float64
	if fs.LastUpdated, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &fs, nil
}

func getAllFlowStats(ctx context.Context, db dbtx) ([]stats.FlowStats, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+flowStatsColumns+" FROM flow_statistics ORDER BY flow_name")
	if err != nil {
		return nil, fmt.Errorf("failed to load flow statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []stats.FlowStats
	for rows.Next() {
		fs, err := scanFlowStats(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow statistics: %w", err)
	}
	return result, nil
}

func taskHistory(ctx context.Context, db dbtx, flowName, taskName string, limit int) ([]flow.HistorySample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tr.run_id, tr.duration_ms, tr.end_time
		FROM task_runs tr
		JOIN flow_runs fr ON fr.id = tr.run_id
		WHERE fr.flow_name = ? AND tr.name = ? AND tr.state = ? AND tr.end_time IS NOT NULL
		ORDER BY tr.end_time DESC
		LIMIT ?
	`, flowName, taskName, string(flow.StateCompleted), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load task history for %s/%s: %w", flowName, taskName, err)
	}
	defer func() { _ = rows.Close() }()

	var samples []flow.HistorySample
	for rows.Next() {
		var (
			sample flow.HistorySample
			endRaw string
		)
		if err := rows.Scan(&sample.RunID, &sample.DurationMs, &endRaw); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		end, err := decodeTime(endRaw)
		if err != nil {
			return nil, err
		}
		sample.CompletedAt = end
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	reverseHistory(samples)
	return samples, nil
}

func flowHistory(ctx context.Context, db dbtx, flowName string, limit int) ([]flow.HistorySample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, start_time, end_time
		FROM flow_runs
		WHERE flow_name = ? AND state = ? AND end_time IS NOT NULL
		ORDER BY end_time DESC
		LIMIT ?
	`, flowName, string(flow.StateCompleted), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load flow history for %s: %w", flowName, err)
	}
	defer func() { _ = rows.Close() }()

	var samples []flow.HistorySample
	for rows.Next() {
		var runID, startRaw, endRaw string
		if err := rows.Scan(&runID, &startRaw, &endRaw); err != nil {
			return nil, fmt.Errorf("failed to scan flow history row: %w", err)
		}
		start, err := decodeTime(startRaw)
		if err != nil {
			return nil, err
		}
		end, err := decodeTime(endRaw)
		if err != nil {
			return nil, err
		}
		samples = append(samples, flow.HistorySample{
			RunID:       runID,
			DurationMs:  end.Sub(start).Milliseconds(),
			CompletedAt: end,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow history: %w", err)
	}

	reverseHistory(samples)
	return samples, nil
}

// reverseHistory flips newest-first query order into the oldest-first order
// the history endpoints return.
func reverseHistory(samples []flow.HistorySample) {
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
}

func replaceLearnedStructure(ctx context.Context, db dbtx, flowName string, entries []flow.StructureEntry) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM flow_task_structure WHERE flow_name = ?", flowName); err != nil {
		return fmt.Errorf("failed to clear learned structure for %s: %w", flowName, err)
	}

	query := "INSERT INTO flow_task_structure (flow_name, position, task_name, estimated_ms) VALUES (?, ?, ?, ?)"
	for i, entry := range entries {
		if _, err := db.ExecContext(ctx, query, flowName, i, entry.TaskName, entry.EstimatedMs); err != nil {
			return fmt.Errorf("failed to save learned structure entry %d for %s: %w", i, flowName, err)
		}
	}
	return nil
}

func getLearnedStructure(ctx context.Context, db dbtx, flowName string) ([]flow.StructureEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT task_name, estimated_ms
		FROM flow_task_structure
		WHERE flow_name = ?
		ORDER BY position
	`, flowName)
	if err != nil {
		return nil, fmt.Errorf("failed to load learned structure for %s: %w", flowName, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []flow.StructureEntry
	for rows.Next() {
		var entry flow.StructureEntry
		if err := rows.Scan(&entry.TaskName, &entry.EstimatedMs); err != nil {
			return nil, fmt.Errorf("failed to scan learned structure row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate learned structure: %w", err)
	}
	return entries, nil
}

func deleteTaskStatsForFlow(ctx context.Context, db dbtx, flowName string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM task_statistics WHERE flow_name = ?", flowName); err != nil {
		return fmt.Errorf("failed to delete task statistics for flow %s: %w", flowName, err)
	}
	return nil
}

func deleteFlowStats(ctx context.Context, db dbtx, flowName string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM flow_statistics WHERE flow_name = ?", flowName); err != nil {
		return fmt.Errorf("failed to delete flow statistics for %s: %w", flowName, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

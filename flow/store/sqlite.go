package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/stats"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite implementation of flow.Store.
//
// It keeps the whole coordinator state in a single-file database. Designed
// for:
//   - The default single-process deployment with zero setup
//   - Development and testing (use ":memory:" for a throwaway database)
//   - Local history that survives coordinator restarts
//
// SQLiteStore uses WAL mode so readers are never blocked by the single
// writer, and wraps every multi-row mutation in a transaction.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

var _ flow.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flowcoord.db" - file in current directory
//   - "/var/lib/flowcoord/flowcoord.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates the schema and applies additive column migrations
//   - Enables WAL mode for concurrent reads
//   - Configures a 5s busy timeout
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; keep a single shared connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the schema if it doesn't exist and applies the
// additive column migrations.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"flows", `
			CREATE TABLE IF NOT EXISTS flows (
				id TEXT NOT NULL PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '{}',
				auto_trigger INTEGER NOT NULL DEFAULT 0,
				auto_trigger_config TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)
		`},
		{"tasks", `
			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT NOT NULL,
				flow_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				estimated_ms INTEGER NOT NULL,
				weight REAL NOT NULL,
				crucial_pass INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (flow_id, position)
			)
		`},
		{"flow_runs", `
			CREATE TABLE IF NOT EXISTS flow_runs (
				id TEXT NOT NULL PRIMARY KEY,
				flow_id TEXT NOT NULL,
				flow_name TEXT NOT NULL,
				state TEXT NOT NULL,
				start_time TEXT NOT NULL,
				end_time TEXT,
				configuration TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '{}',
				progress REAL NOT NULL DEFAULT 0,
				client_color TEXT NOT NULL DEFAULT '',
				client_name TEXT NOT NULL DEFAULT '',
				report_path TEXT NOT NULL DEFAULT ''
			)
		`},
		{"task_runs", `
			CREATE TABLE IF NOT EXISTS task_runs (
				id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				name TEXT NOT NULL,
				state TEXT NOT NULL,
				start_time TEXT,
				end_time TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				weight REAL NOT NULL DEFAULT 0,
				estimated_ms INTEGER NOT NULL DEFAULT 0,
				progress REAL NOT NULL DEFAULT 0,
				result TEXT,
				perf_warning TEXT,
				PRIMARY KEY (run_id, position)
			)
		`},
		{"logs", `
			CREATE TABLE IF NOT EXISTS logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				ts TEXT NOT NULL,
				line TEXT NOT NULL
			)
		`},
		{"task_logs", `
			CREATE TABLE IF NOT EXISTS task_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				ts TEXT NOT NULL,
				line TEXT NOT NULL
			)
		`},
		{"task_statistics", `
			CREATE TABLE IF NOT EXISTS task_statistics (
				flow_name TEXT NOT NULL,
				task_name TEXT NOT NULL,
				avg_ms REAL NOT NULL DEFAULT 0,
				sample_count INTEGER NOT NULL DEFAULT 0,
				last_updated TEXT NOT NULL,
				PRIMARY KEY (flow_name, task_name)
			)
		`},
		{"flow_statistics", `
			CREATE TABLE IF NOT EXISTS flow_statistics (
				flow_name TEXT NOT NULL PRIMARY KEY,
				avg_ms REAL NOT NULL DEFAULT 0,
				sample_count INTEGER NOT NULL DEFAULT 0,
				last_updated TEXT NOT NULL
			)
		`},
		{"flow_task_structure", `
			CREATE TABLE IF NOT EXISTS flow_task_structure (
				flow_name TEXT NOT NULL,
				position INTEGER NOT NULL,
				task_name TEXT NOT NULL,
				estimated_ms INTEGER NOT NULL,
				PRIMARY KEY (flow_name, position)
			)
		`},
	}

	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_flows_name ON flows(name)",
		"CREATE INDEX IF NOT EXISTS idx_runs_flow_name ON flow_runs(flow_name)",
		"CREATE INDEX IF NOT EXISTS idx_runs_start_time ON flow_runs(start_time)",
		"CREATE INDEX IF NOT EXISTS idx_task_runs_run ON task_runs(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_logs_run ON logs(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_logs_run ON task_logs(run_id, position)",
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// The m2 columns arrived after the first release; add them in place so
	// existing databases keep their recorded averages.
	if err := s.ensureColumn(ctx, "task_statistics", "m2", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumn(ctx, "flow_statistics", "m2", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if the table doesn't have it yet. Running it
// repeatedly is a no-op, which keeps schema migration idempotent.
func (s *SQLiteStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s columns: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan %s column info: %w", table, err)
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate %s column info: %w", table, err)
	}
	if exists {
		return nil
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveFlow upserts a flow definition and replaces its task children
// atomically.
func (s *SQLiteStore) SaveFlow(ctx context.Context, def *flow.Definition) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tagsJSON, err := encodeTags(def.Tags)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO flows (id, name, description, tags, auto_trigger, auto_trigger_config, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				tags = excluded.tags,
				auto_trigger = excluded.auto_trigger,
				auto_trigger_config = excluded.auto_trigger_config,
				created_at = excluded.created_at
		`
		if _, err := tx.ExecContext(ctx, query,
			def.ID, def.Name, def.Description, tagsJSON,
			boolToInt(def.AutoTrigger), def.AutoTriggerConfig, encodeTime(def.CreatedAt)); err != nil {
			return fmt.Errorf("failed to save flow %s: %w", def.ID, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE flow_id = ?", def.ID); err != nil {
			return fmt.Errorf("failed to clear tasks for flow %s: %w", def.ID, err)
		}
		return insertFlowTasks(ctx, tx, def)
	})
}

// LoadAllFlows returns every registered flow definition with its tasks.
func (s *SQLiteStore) LoadAllFlows(ctx context.Context) ([]*flow.Definition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return loadAllFlows(ctx, s.db)
}

// DeleteFlow removes a flow definition and its tasks. Deleting an unknown
// flow is a no-op.
func (s *SQLiteStore) DeleteFlow(ctx context.Context, flowID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteFlow(ctx, tx, flowID)
	})
}

// SaveRun upserts a run and replaces all of its child rows (task runs, run
// logs, task logs) in a single transaction. Children are delete-then-insert
// so the persisted set always mirrors the in-memory run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *flow.Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tagsJSON, err := encodeTags(run.Tags)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO flow_runs (id, flow_id, flow_name, state, start_time, end_time,
				configuration, tags, progress, client_color, client_name, report_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				flow_id = excluded.flow_id,
				flow_name = excluded.flow_name,
				state = excluded.state,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				configuration = excluded.configuration,
				tags = excluded.tags,
				progress = excluded.progress,
				client_color = excluded.client_color,
				client_name = excluded.client_name,
				report_path = excluded.report_path
		`
		if _, err := tx.ExecContext(ctx, query,
			run.ID, run.FlowID, run.FlowName, string(run.State),
			encodeTime(run.StartTime), encodeTimePtr(run.EndTime),
			run.Configuration, tagsJSON, run.Progress,
			run.ClientColor, run.ClientName, run.ReportPath); err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}

		if err := clearRunChildren(ctx, tx, run.ID); err != nil {
			return err
		}
		return insertRunChildren(ctx, tx, run)
	})
}

// LoadRun retrieves one run with all of its children. Returns
// flow.ErrNotFound for an unknown run ID.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*flow.Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return loadRun(ctx, s.db, runID)
}

// LoadAllRuns returns every persisted run, newest startTime first, with all
// children attached. Used once at engine start.
func (s *SQLiteStore) LoadAllRuns(ctx context.Context) ([]*flow.Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return loadAllRuns(ctx, s.db)
}

// DeleteRun removes a run and all of its children. Deleting an unknown run
// is a no-op.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteRun(ctx, tx, runID)
	})
}

// GetTaskStats returns the statistic for one (flow, task) pair, or
// (nil, nil) when no samples have been recorded.
func (s *SQLiteStore) GetTaskStats(ctx context.Context, flowName, taskName string) (*stats.TaskStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getTaskStats(ctx, s.db, flowName, taskName)
}

// GetAllFlowTaskStats returns every task statistic recorded for one flow,
// keyed by task name.
func (s *SQLiteStore) GetAllFlowTaskStats(ctx context.Context, flowName string) (map[string]stats.TaskStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getAllFlowTaskStats(ctx, s.db, flowName)
}

// GetAllTaskStats returns every recorded task statistic.
func (s *SQLiteStore) GetAllTaskStats(ctx context.Context) ([]stats.TaskStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getAllTaskStats(ctx, s.db)
}

// UpdateTaskStats folds one duration sample into the stored statistic using
// the Welford step.
func (s *SQLiteStore) UpdateTaskStats(ctx context.Context, flowName, taskName string, durationMs int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	current, err := getTaskStats(ctx, s.db, flowName, taskName)
	if err != nil {
		return err
	}
	var acc stats.Accumulator
	if current != nil {
		acc = current.Acc()
	}
	acc = acc.Add(float64(durationMs))

	query := `
		INSERT INTO task_statistics (flow_name, task_name, avg_ms, sample_count, m2, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_name, task_name) DO UPDATE SET
			avg_ms = excluded.avg_ms,
			sample_count = excluded.sample_count,
			m2 = excluded.m2,
			last_updated = excluded.last_updated
	`
	if _, err := s.db.ExecContext(ctx, query,
		flowName, taskName, acc.Mean, acc.Count, acc.M2, encodeTime(nowUTC())); err != nil {
		return fmt.Errorf("failed to update task statistics for %s/%s: %w", flowName, taskName, err)
	}
	return nil
}

// DeleteTaskStatsForFlow removes every task statistic recorded for a flow.
func (s *SQLiteStore) DeleteTaskStatsForFlow(ctx context.Context, flowName string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return deleteTaskStatsForFlow(ctx, s.db, flowName)
}

// GetFlowStats returns the whole-flow statistic, or (nil, nil) when no
// samples have been recorded.
func (s *SQLiteStore) GetFlowStats(ctx context.Context, flowName string) (*stats.FlowStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getFlowStats(ctx, s.db, flowName)
}

// GetAllFlowStats returns every recorded flow statistic.
func (s *SQLiteStore) GetAllFlowStats(ctx context.Context) ([]stats.FlowStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getAllFlowStats(ctx, s.db)
}

// UpdateFlowStats folds one whole-flow duration sample into the stored
// statistic using the Welford step.
func (s *SQLiteStore) UpdateFlowStats(ctx context.Context, flowName string, durationMs int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	current, err := getFlowStats(ctx, s.db, flowName)
	if err != nil {
		return err
	}
	var acc stats.Accumulator
	if current != nil {
		acc = current.Acc()
	}
	acc = acc.Add(float64(durationMs))

	query := `
		INSERT INTO flow_statistics (flow_name, avg_ms, sample_count, m2, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(flow_name) DO UPDATE SET
			avg_ms = excluded.avg_ms,
			sample_count = excluded.sample_count,
			m2 = excluded.m2,
			last_updated = excluded.last_updated
	`
	if _, err := s.db.ExecContext(ctx, query,
		flowName, acc.Mean, acc.Count, acc.M2, encodeTime(nowUTC())); err != nil {
		return fmt.Errorf("failed to update flow statistics for %s: %w", flowName, err)
	}
	return nil
}

// DeleteFlowStats removes the whole-flow statistic for a flow.
func (s *SQLiteStore) DeleteFlowStats(ctx context.Context, flowName string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return deleteFlowStats(ctx, s.db, flowName)
}

// ClearStats empties both statistics tables.
func (s *SQLiteStore) ClearStats(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM task_statistics"); err != nil {
			return fmt.Errorf("failed to clear task statistics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM flow_statistics"); err != nil {
			return fmt.Errorf("failed to clear flow statistics: %w", err)
		}
		return nil
	})
}

// TaskHistory returns the most recent completed samples for one (flow, task)
// pair, oldest first.
func (s *SQLiteStore) TaskHistory(ctx context.Context, flowName, taskName string, limit int) ([]flow.HistorySample, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return taskHistory(ctx, s.db, flowName, taskName, limit)
}

// FlowHistory returns the most recent completed whole-flow samples, oldest
// first. The duration is endTime − startTime.
func (s *SQLiteStore) FlowHistory(ctx context.Context, flowName string, limit int) ([]flow.HistorySample, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return flowHistory(ctx, s.db, flowName, limit)
}

// SaveLearnedStructure replaces the learned task structure for a flow name.
func (s *SQLiteStore) SaveLearnedStructure(ctx context.Context, flowName string, entries []flow.StructureEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceLearnedStructure(ctx, tx, flowName, entries)
	})
}

// GetLearnedStructure returns the learned task structure for a flow name, or
// (nil, nil) when none has been captured.
func (s *SQLiteStore) GetLearnedStructure(ctx context.Context, flowName string) ([]flow.StructureEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getLearnedStructure(ctx, s.db, flowName)
}

// Close closes the database connection.
//
// After Close, all operations will return an error. Calling Close multiple
// times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/stats"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of flow.Store.
//
// It stores coordinator state in a relational database. Designed for:
//   - Deployments where run history must live on a shared database server
//   - Audit trails that outlive the coordinator host
//
// MySQLStore uses connection pooling and transactions for reliability. The
// schema matches the SQLite store table for table; only the DDL dialect and
// the upsert statements differ.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ flow.Store = (*MySQLStore)(nil)

// NewMySQLStore creates a MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/flowcoord
//	user:password@/flowcoord (uses localhost:3306)
//
// Never hardcode credentials; read the DSN from configuration or the
// environment.
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Applies additive column migrations
//   - Configures connection pooling
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}

	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return m, nil
}

// createTables creates the required schema if it doesn't exist and applies
// the additive column migrations.
func (m *MySQLStore) createTables(ctx context.Context) error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"flows", `
			CREATE TABLE IF NOT EXISTS flows (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL,
				tags TEXT NOT NULL,
				auto_trigger TINYINT NOT NULL DEFAULT 0,
				auto_trigger_config VARCHAR(255) NOT NULL DEFAULT '',
				created_at VARCHAR(64) NOT NULL,
				INDEX idx_flows_name (name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"tasks", `
			CREATE TABLE IF NOT EXISTS tasks (
				id VARCHAR(64) NOT NULL,
				flow_id VARCHAR(64) NOT NULL,
				position INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL,
				estimated_ms BIGINT NOT NULL,
				weight DOUBLE NOT NULL,
				crucial_pass TINYINT NOT NULL DEFAULT 0,
				PRIMARY KEY (flow_id, position)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"flow_runs", `
			CREATE TABLE IF NOT EXISTS flow_runs (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				flow_id VARCHAR(64) NOT NULL,
				flow_name VARCHAR(255) NOT NULL,
				state VARCHAR(16) NOT NULL,
				start_time VARCHAR(64) NOT NULL,
				end_time VARCHAR(64),
				configuration VARCHAR(255) NOT NULL DEFAULT '',
				tags TEXT NOT NULL,
				progress DOUBLE NOT NULL DEFAULT 0,
				client_color VARCHAR(32) NOT NULL DEFAULT '',
				client_name VARCHAR(255) NOT NULL DEFAULT '',
				report_path VARCHAR(512) NOT NULL DEFAULT '',
				INDEX idx_runs_flow_name (flow_name),
				INDEX idx_runs_start_time (start_time)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"task_runs", `
			CREATE TABLE IF NOT EXISTS task_runs (
				id VARCHAR(64) NOT NULL,
				run_id VARCHAR(64) NOT NULL,
				position INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				state VARCHAR(16) NOT NULL,
				start_time VARCHAR(64),
				end_time VARCHAR(64),
				duration_ms BIGINT NOT NULL DEFAULT 0,
				weight DOUBLE NOT NULL DEFAULT 0,
				estimated_ms BIGINT NOT NULL DEFAULT 0,
				progress DOUBLE NOT NULL DEFAULT 0,
				result TEXT,
				perf_warning TEXT,
				PRIMARY KEY (run_id, position),
				INDEX idx_task_runs_run (run_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"logs", `
			CREATE TABLE IF NOT EXISTS logs (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				run_id VARCHAR(64) NOT NULL,
				ts VARCHAR(64) NOT NULL,
				line TEXT NOT NULL,
				INDEX idx_logs_run (run_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"task_logs", `
			CREATE TABLE IF NOT EXISTS task_logs (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				run_id VARCHAR(64) NOT NULL,
				position INT NOT NULL,
				ts VARCHAR(64) NOT NULL,
				line TEXT NOT NULL,
				INDEX idx_task_logs_run (run_id, position)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"task_statistics", `
			CREATE TABLE IF NOT EXISTS task_statistics (
				flow_name VARCHAR(255) NOT NULL,
				task_name VARCHAR(255) NOT NULL,
				avg_ms DOUBLE NOT NULL DEFAULT 0,
				sample_count BIGINT NOT NULL DEFAULT 0,
				last_updated VARCHAR(64) NOT NULL,
				PRIMARY KEY (flow_name, task_name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"flow_statistics", `
			CREATE TABLE IF NOT EXISTS flow_statistics (
				flow_name VARCHAR(255) NOT NULL PRIMARY KEY,
				avg_ms DOUBLE NOT NULL DEFAULT 0,
				sample_count BIGINT NOT NULL DEFAULT 0,
				last_updated VARCHAR(64) NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"flow_task_structure", `
			CREATE TABLE IF NOT EXISTS flow_task_structure (
				flow_name VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				task_name VARCHAR(255) NOT NULL,
				estimated_ms BIGINT NOT NULL,
				PRIMARY KEY (flow_name, position)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
	}

	for _, t := range tables {
		if _, err := m.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}

	if err := m.ensureColumn(ctx, "task_statistics", "m2", "DOUBLE NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := m.ensureColumn(ctx, "flow_statistics", "m2", "DOUBLE NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if the table doesn't have it yet, checked
// through INFORMATION_SCHEMA so repeated runs are no-ops.
func (m *MySQLStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	var count int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?
	`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect %s columns: %w", table, err)
	}
	if count > 0 {
		return nil
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (m *MySQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
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
func (m *MySQLStore) SaveFlow(ctx context.Context, def *flow.Definition) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tagsJSON, err := encodeTags(def.Tags)
	if err != nil {
		return err
	}

	return m.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO flows (id, name, description, tags, auto_trigger, auto_trigger_config, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = VALUES(name),
				description = VALUES(description),
				tags = VALUES(tags),
				auto_trigger = VALUES(auto_trigger),
				auto_trigger_config = VALUES(auto_trigger_config),
				created_at = VALUES(created_at)
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
func (m *MySQLStore) LoadAllFlows(ctx context.Context) ([]*flow.Definition, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return loadAllFlows(ctx, m.db)
}

// DeleteFlow removes a flow definition and its tasks. Deleting an unknown
// flow is a no-op.
func (m *MySQLStore) DeleteFlow(ctx context.Context, flowID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.withTx(ctx, func(tx *sql.Tx) error {
		return deleteFlow(ctx, tx, flowID)
	})
}

// SaveRun upserts a run and replaces all of its child rows in a single
// transaction.
func (m *MySQLStore) SaveRun(ctx context.Context, run *flow.Run) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tagsJSON, err := encodeTags(run.Tags)
	if err != nil {
		return err
	}

	return m.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO flow_runs (id, flow_id, flow_name, state, start_time, end_time,
				configuration, tags, progress, client_color, client_name, report_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				flow_id = VALUES(flow_id),
				flow_name = VALUES(flow_name),
				state = VALUES(state),
				start_time = VALUES(start_time),
				end_time = VALUES(end_time),
				configuration = VALUES(configuration),
				tags = VALUES(tags),
				progress = VALUES(progress),
				client_color = VALUES(client_color),
				client_name = VALUES(client_name),
				report_path = VALUES(report_path)
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
func (m *MySQLStore) LoadRun(ctx context.Context, runID string) (*flow.Run, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return loadRun(ctx, m.db, runID)
}

// LoadAllRuns returns every persisted run, newest startTime first.
func (m *MySQLStore) LoadAllRuns(ctx context.Context) ([]*flow.Run, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return loadAllRuns(ctx, m.db)
}

// DeleteRun removes a run and all of its children.
func (m *MySQLStore) DeleteRun(ctx context.Context, runID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.withTx(ctx, func(tx *sql.Tx) error {
		return deleteRun(ctx, tx, runID)
	})
}

// GetTaskStats returns the statistic for one (flow, task) pair, or
// (nil, nil) when no samples have been recorded.
func (m *MySQLStore) GetTaskStats(ctx context.Context, flowName, taskName string) (*stats.TaskStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return getTaskStats(ctx, m.db, flowName, taskName)
}

// GetAllFlowTaskStats returns every task statistic recorded for one flow,
// keyed by task name.
func (m *MySQLStore) GetAllFlowTaskStats(ctx context.Context, flowName string) (map[string]stats.TaskStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return getAllFlowTaskStats(ctx, m.db, flowName)
}

// GetAllTaskStats returns every recorded task statistic.
func (m *MySQLStore) GetAllTaskStats(ctx context.Context) ([]stats.TaskStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return getAllTaskStats(ctx, m.db)
}

// UpdateTaskStats folds one duration sample into the stored statistic using
// the Welford step.
func (m *MySQLStore) UpdateTaskStats(ctx context.Context, flowName, taskName string, durationMs int64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	current, err := getTaskStats(ctx, m.db, flowName, taskName)
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
		ON DUPLICATE KEY UPDATE
			avg_ms = VALUES(avg_ms),
			sample_count = VALUES(sample_count),
			m2 = VALUES(m2),
			last_updated = VALUES(last_updated)
	`
	if _, err := m.db.ExecContext(ctx, query,
		flowName, taskName, acc.Mean, acc.Count, acc.M2, encodeTime(nowUTC())); err != nil {
		return fmt.Errorf("failed to update task statistics for %s/%s: %w", flowName, taskName, err)
	}
	return nil
}

// DeleteTaskStatsForFlow removes every task statistic recorded for a flow.
func (m *MySQLStore) DeleteTaskStatsForFlow(ctx context.Context, flowName string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return deleteTaskStatsForFlow(ctx, m.db, flowName)
}

// GetFlowStats returns the whole-flow statistic, or (nil, nil) when no
// samples have been recorded.
func (m *MySQLStore) GetFlowStats(ctx context.Context, flowName string) (*stats.FlowStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return getFlowStats(ctx, m.db, flowName)
}

// GetAllFlowStats returns every recorded flow statistic.
func (m *MySQLStore) GetAllFlowStats(ctx context.Context) ([]stats.FlowStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return getAllFlowStats(ctx, m.db)
}

// UpdateFlowStats folds one whole-flow duration sample into the stored
// statistic using the Welford step.
func (m *MySQLStore) UpdateFlowStats(ctx context.Context, flowName string, durationMs int64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	current, err := getFlowStats(ctx, m.db, flowName)
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
		ON DUPLICATE KEY UPDATE
			avg_ms = VALUES(avg_ms),
			sample_count = VALUES(sample_count),
			m2 = VALUES(m2),
			last_updated = VALUES(last_updated)
	`
	if _, err := m.db.ExecContext(ctx, query,
		flowName, acc.Mean, acc.Count, acc.M2, encodeTime(nowUTC())); err != nil {
		return fmt.Errorf("failed to update flow statistics for %s: %w", flowName, err)
	}
	return nil
}

// DeleteFlowStats removes the whole-flow statistic for a flow.
func (m *MySQLStore) DeleteFlowStats(ctx context.Context, flowName string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return deleteFlowStats(ctx, m.db, flowName)
}

// ClearStats empties both statistics tables.
func (m *MySQLStore) ClearStats(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.withTx(ctx, func(tx *sql.Tx) error {
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
func (m *MySQLStore) TaskHistory(ctx context.Context, flowName, taskName string, limit int) ([]flow.HistorySample, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return taskHistory(ctx, m.db, flowName, taskName, limit)
}

// FlowHistory returns the most recent completed whole-flow samples, oldest
// first.
func (m *MySQLStore) FlowHistory(ctx context.Context, flowName string, limit int) ([]flow.HistorySample, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return flowHistory(ctx, m.db, flowName, limit)
}

// SaveLearnedStructure replaces the learned task structure for a flow name.
func (m *MySQLStore) SaveLearnedStructure(ctx context.Context, flowName string, entries []flow.StructureEntry) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.withTx(ctx, func(tx *sql.Tx) error {
		return replaceLearnedStructure(ctx, tx, flowName, entries)
	})
}

// GetLearnedStructure returns the learned task structure for a flow name, or
// (nil, nil) when none has been captured.
func (m *MySQLStore) GetLearnedStructure(ctx context.Context, flowName string) ([]flow.StructureEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return getLearnedStructure(ctx, m.db, flowName)
}

// Close closes the database connection. Calling Close multiple times is
// safe.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

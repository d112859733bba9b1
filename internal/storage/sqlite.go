package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Interface on a SQLite database. WAL mode plus a
// busy timeout keeps the three worker loops and the API façade from tripping
// over each other on the single file.
type SQLiteStorage struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for tests.
func Open(path string) (*SQLiteStorage, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// A second connection to :memory: would see an empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite %q: %w", path, err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol      TEXT NOT NULL,
			exchange    TEXT NOT NULL,
			granularity TEXT NOT NULL,
			record_time TEXT NOT NULL,
			open        REAL NOT NULL,
			high        REAL NOT NULL,
			low         REAL NOT NULL,
			close       REAL NOT NULL,
			volume      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, exchange, granularity, record_time) ON CONFLICT REPLACE
		);

		CREATE TABLE IF NOT EXISTS strategy_runs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			config     TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'queued',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON strategy_runs(status, created_at);

		CREATE TABLE IF NOT EXISTS strategy_results (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          INTEGER NOT NULL REFERENCES strategy_runs(id),
			stock           TEXT NOT NULL,
			exchange        TEXT NOT NULL,
			x               TEXT NOT NULL,
			y               TEXT NOT NULL,
			exceed_prob     REAL NOT NULL,
			profit_days     INTEGER NOT NULL,
			average         REAL NOT NULL,
			total_count     INTEGER NOT NULL,
			highest         REAL NOT NULL,
			lowest          REAL NOT NULL,
			p5              REAL NOT NULL,
			p10             REAL NOT NULL,
			p20             REAL NOT NULL,
			p40             REAL NOT NULL,
			p50             REAL NOT NULL,
			vertical_gap    REAL NOT NULL,
			horizontal_gap  INTEGER NOT NULL,
			continuous_days INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_run ON strategy_results(run_id);

		CREATE TABLE IF NOT EXISTS strategy_executions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       INTEGER NOT NULL REFERENCES strategy_runs(id),
			simulate     INTEGER NOT NULL DEFAULT 1,
			total_money  REAL NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'queued',
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON strategy_executions(status);

		CREATE TABLE IF NOT EXISTS strategy_execution_details (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id   INTEGER NOT NULL REFERENCES strategy_executions(id),
			result_id      INTEGER NOT NULL REFERENCES strategy_results(id),
			weight_percent REAL NOT NULL,
			status         TEXT NOT NULL DEFAULT 'queued'
		);
		CREATE INDEX IF NOT EXISTS idx_details_execution ON strategy_execution_details(execution_id);

		CREATE TABLE IF NOT EXISTS strategy_execution_tasks (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_detail_id    INTEGER NOT NULL REFERENCES strategy_execution_details(id),
			previous_task_id       INTEGER NOT NULL DEFAULT -1,
			order_type             TEXT NOT NULL,
			day_of_execution       TEXT NOT NULL,
			timestamp_of_execution INTEGER NOT NULL,
			current_money          REAL NOT NULL DEFAULT 0,
			current_shares         INTEGER NOT NULL DEFAULT 0,
			days_remaining         INTEGER NOT NULL,
			x                      TEXT NOT NULL,
			y                      TEXT NOT NULL,
			stock                  TEXT NOT NULL,
			exchange               TEXT NOT NULL,
			simulate               INTEGER NOT NULL DEFAULT 1,
			status                 TEXT NOT NULL DEFAULT 'queued',
			price_during_order     REAL,
			error_message          TEXT,
			created_at             TEXT NOT NULL,
			executed_at            TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_due
			ON strategy_execution_tasks(status, day_of_execution, timestamp_of_execution);
		CREATE INDEX IF NOT EXISTS idx_tasks_detail ON strategy_execution_tasks(execution_detail_id);

		CREATE TABLE IF NOT EXISTS strategy_execution_task_outputs (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id            INTEGER NOT NULL UNIQUE REFERENCES strategy_execution_tasks(id),
			order_id           TEXT NOT NULL,
			shares_bought      INTEGER NOT NULL,
			price_per_share    REAL NOT NULL,
			total_amount       REAL NOT NULL,
			money_provided     REAL NOT NULL DEFAULT 0,
			money_remaining    REAL NOT NULL DEFAULT 0,
			order_timestamp    TEXT,
			exchange_timestamp TEXT
		);
	`)
	return err
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

const timeLayout = time.RFC3339

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime formats t, mapping the zero value to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

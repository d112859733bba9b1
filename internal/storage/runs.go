package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// ErrNotFound is returned when a row lookup by ID matches nothing.
var ErrNotFound = errors.New("storage: not found")

// CreateRun inserts a new strategy run in queued state and returns its ID.
func (s *SQLiteStorage) CreateRun(ctx context.Context, cfg models.RunConfig) (int64, error) {
	run := models.StrategyRun{Config: cfg}
	blob, err := run.MarshalConfig()
	if err != nil {
		return 0, err
	}
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_runs (config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		blob, models.StatusQueued, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert strategy run: %w", err)
	}
	return res.LastInsertId()
}

func scanRun(scan func(dest ...any) error) (models.StrategyRun, error) {
	var r models.StrategyRun
	var blob, createdAt, updatedAt string
	if err := scan(&r.ID, &blob, &r.Status, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	cfg, err := models.UnmarshalConfig(blob)
	if err != nil {
		return r, err
	}
	r.Config = cfg
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// GetRun returns one strategy run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id int64) (*models.StrategyRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, config, status, created_at, updated_at
		FROM strategy_runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &r, nil
}

// QueuedRuns returns queued runs in FIFO order by creation time.
func (s *SQLiteStorage) QueuedRuns(ctx context.Context) ([]models.StrategyRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config, status, created_at, updated_at
		FROM strategy_runs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		models.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query queued runs: %w", err)
	}
	defer rows.Close()

	var runs []models.StrategyRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ClaimRun transitions a run queued→running. Returns false when another
// worker already claimed it.
func (s *SQLiteStorage) ClaimRun(ctx context.Context, id int64) (bool, error) {
	return s.SetRunStatus(ctx, id, models.StatusQueued, models.StatusRunning)
}

// SetRunStatus performs a compare-and-set status transition on a run.
func (s *SQLiteStorage) SetRunStatus(ctx context.Context, id int64, from, to models.Status) (bool, error) {
	if err := from.CheckTransition(to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, fmtTime(time.Now()), id, from)
	if err != nil {
		return false, fmt.Errorf("set run %d status %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRuns returns runs newest-first with their result counts and the total
// run count for pagination. A zero status means no filter.
func (s *SQLiteStorage) ListRuns(ctx context.Context, status models.Status, limit, offset int) ([]RunSummary, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	q := `
		SELECT sr.id, sr.config, sr.status, sr.created_at, sr.updated_at,
		       (SELECT COUNT(*) FROM strategy_results WHERE run_id = sr.id)
		FROM strategy_runs sr`
	args := []any{}
	if status != "" {
		q += " WHERE sr.status = ?"
		args = append(args, status)
	}
	q += " ORDER BY sr.created_at DESC, sr.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var blob, createdAt, updatedAt string
		if err := rows.Scan(&rs.ID, &blob, &rs.Status, &createdAt, &updatedAt, &rs.ResultCount); err != nil {
			return nil, 0, fmt.Errorf("scan run summary: %w", err)
		}
		cfg, err := models.UnmarshalConfig(blob)
		if err != nil {
			return nil, 0, err
		}
		rs.Config = cfg
		rs.CreatedAt = parseTime(createdAt)
		rs.UpdatedAt = parseTime(updatedAt)
		out = append(out, rs)
	}
	return out, total, rows.Err()
}

// SaveResults appends a batch of mined results for a run in one transaction.
// The run worker calls this in batches of ten to bound memory and give the
// watchdog visibility into long runs.
func (s *SQLiteStorage) SaveResults(ctx context.Context, runID int64, results []models.StrategyResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO strategy_results (
				run_id, stock, exchange, x, y, exceed_prob, profit_days, average,
				total_count, highest, lowest, p5, p10, p20, p40, p50,
				vertical_gap, horizontal_gap, continuous_days
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare result insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range results {
			if _, err := stmt.ExecContext(ctx,
				runID, r.Stock, r.Exchange, r.X, r.Y, r.ExceedProb, r.ProfitDays, r.Average,
				r.TotalCount, r.Highest, r.Lowest, r.P5, r.P10, r.P20, r.P40, r.P50,
				r.VerticalGap, r.HorizontalGap, r.ContinuousDays); err != nil {
				return fmt.Errorf("insert result %s (%s): %w", r.Stock, r.Exchange, err)
			}
		}
		return nil
	})
}

const resultColumns = `id, run_id, stock, exchange, x, y, exceed_prob, profit_days, average,
	total_count, highest, lowest, p5, p10, p20, p40, p50,
	vertical_gap, horizontal_gap, continuous_days`

func scanResult(scan func(dest ...any) error) (models.StrategyResult, error) {
	var r models.StrategyResult
	err := scan(&r.ID, &r.RunID, &r.Stock, &r.Exchange, &r.X, &r.Y,
		&r.ExceedProb, &r.ProfitDays, &r.Average, &r.TotalCount,
		&r.Highest, &r.Lowest, &r.P5, &r.P10, &r.P20, &r.P40, &r.P50,
		&r.VerticalGap, &r.HorizontalGap, &r.ContinuousDays)
	return r, err
}

// ListResults returns a run's mined results sorted descending by
// (exceed_prob, average), plus the total count for pagination.
func (s *SQLiteStorage) ListResults(ctx context.Context, runID int64, limit, offset int) ([]models.StrategyResult, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strategy_results WHERE run_id = ?`, runID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results for run %d: %w", runID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM strategy_results WHERE run_id = ?
		ORDER BY exceed_prob DESC, average DESC, id ASC
		LIMIT ? OFFSET ?`, runID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list results for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []models.StrategyResult
	for rows.Next() {
		r, err := scanResult(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// GetResult returns one mined result by ID.
func (s *SQLiteStorage) GetResult(ctx context.Context, id int64) (*models.StrategyResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM strategy_results WHERE id = ?`, id)
	r, err := scanResult(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %d: %w", id, err)
	}
	return &r, nil
}

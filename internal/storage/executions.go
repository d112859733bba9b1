package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// CreateExecution inserts an execution and its details in one transaction.
// Every referenced result must exist and belong to the execution's run;
// otherwise nothing is written.
func (s *SQLiteStorage) CreateExecution(ctx context.Context, exec models.StrategyExecution, details []models.StrategyExecutionDetail) (int64, error) {
	var execID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range details {
			var runID int64
			err := tx.QueryRowContext(ctx,
				`SELECT run_id FROM strategy_results WHERE id = ?`, d.ResultID).Scan(&runID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("strategy result %d: %w", d.ResultID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("check result %d: %w", d.ResultID, err)
			}
			if runID != exec.RunID {
				return fmt.Errorf("strategy result %d belongs to run %d, not %d", d.ResultID, runID, exec.RunID)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_executions (run_id, simulate, total_money, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			exec.RunID, exec.Simulate, exec.TotalMoney, models.StatusQueued, fmtTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		execID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, d := range details {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO strategy_execution_details (execution_id, result_id, weight_percent, status)
				VALUES (?, ?, ?, ?)`,
				execID, d.ResultID, d.WeightPercent, models.StatusQueued); err != nil {
				return fmt.Errorf("insert execution detail for result %d: %w", d.ResultID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return execID, nil
}

const executionColumns = `id, run_id, simulate, total_money, status, created_at, started_at, completed_at`

func scanExecution(scan func(dest ...any) error) (models.StrategyExecution, error) {
	var e models.StrategyExecution
	var createdAt string
	var startedAt, completedAt sql.NullString
	if err := scan(&e.ID, &e.RunID, &e.Simulate, &e.TotalMoney, &e.Status,
		&createdAt, &startedAt, &completedAt); err != nil {
		return e, err
	}
	e.CreatedAt = parseTime(createdAt)
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	return e, nil
}

// GetExecution returns one execution by ID.
func (s *SQLiteStorage) GetExecution(ctx context.Context, id int64) (*models.StrategyExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM strategy_executions WHERE id = ?`, id)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return &e, nil
}

// ListExecutions returns executions newest-first with the total count.
func (s *SQLiteStorage) ListExecutions(ctx context.Context, limit, offset int) ([]models.StrategyExecution, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_executions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM strategy_executions
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.StrategyExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ExecutionsByStatus returns executions in the given status, oldest first.
func (s *SQLiteStorage) ExecutionsByStatus(ctx context.Context, status models.Status) ([]models.StrategyExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM strategy_executions
		WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("query executions by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []models.StrategyExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimExecution transitions an execution queued→running and stamps
// started_at. Returns false when another worker won.
func (s *SQLiteStorage) ClaimExecution(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_executions SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		models.StatusRunning, fmtTime(startedAt), id, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim execution %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetExecutionStatus performs a compare-and-set transition, stamping
// completed_at when the target state is terminal.
func (s *SQLiteStorage) SetExecutionStatus(ctx context.Context, id int64, from, to models.Status, at time.Time) (bool, error) {
	if err := from.CheckTransition(to); err != nil {
		return false, err
	}
	var res sql.Result
	var err error
	if to.Terminal() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE strategy_executions SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?`, to, fmtTime(at), id, from)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE strategy_executions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	}
	if err != nil {
		return false, fmt.Errorf("set execution %d status %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetDetail returns one execution detail by ID.
func (s *SQLiteStorage) GetDetail(ctx context.Context, id int64) (*models.StrategyExecutionDetail, error) {
	var d models.StrategyExecutionDetail
	err := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, result_id, weight_percent, status
		FROM strategy_execution_details WHERE id = ?`, id).
		Scan(&d.ID, &d.ExecutionID, &d.ResultID, &d.WeightPercent, &d.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get detail %d: %w", id, err)
	}
	return &d, nil
}

// DetailsByExecution returns an execution's details ordered by ID.
func (s *SQLiteStorage) DetailsByExecution(ctx context.Context, executionID int64) ([]models.StrategyExecutionDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, result_id, weight_percent, status
		FROM strategy_execution_details WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query details for execution %d: %w", executionID, err)
	}
	defer rows.Close()

	var out []models.StrategyExecutionDetail
	for rows.Next() {
		var d models.StrategyExecutionDetail
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.ResultID, &d.WeightPercent, &d.Status); err != nil {
			return nil, fmt.Errorf("scan detail: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DetailsWithResults returns an execution's details joined with the strategy
// results they reference, ordered by detail ID. This is what the orchestrator
// consumes when materialising root tasks.
func (s *SQLiteStorage) DetailsWithResults(ctx context.Context, executionID int64) ([]models.DetailWithResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.execution_id, d.result_id, d.weight_percent, d.status,
		       r.stock, r.exchange, r.x, r.y, r.continuous_days, r.exceed_prob, r.average
		FROM strategy_execution_details d
		JOIN strategy_results r ON r.id = d.result_id
		WHERE d.execution_id = ?
		ORDER BY d.id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query details+results for execution %d: %w", executionID, err)
	}
	defer rows.Close()

	var out []models.DetailWithResult
	for rows.Next() {
		var d models.DetailWithResult
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.ResultID, &d.WeightPercent, &d.Status,
			&d.Stock, &d.Exchange, &d.X, &d.Y, &d.ContinuousDays, &d.ExceedProb, &d.Average); err != nil {
			return nil, fmt.Errorf("scan detail+result: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDetailStatus performs a compare-and-set transition on a detail.
func (s *SQLiteStorage) SetDetailStatus(ctx context.Context, id int64, from, to models.Status) (bool, error) {
	if err := from.CheckTransition(to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_execution_details SET status = ?
		WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("set detail %d status %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountUnfinishedDetails returns how many of an execution's details are not
// yet completed. Zero means the execution itself can complete.
func (s *SQLiteStorage) CountUnfinishedDetails(ctx context.Context, executionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM strategy_execution_details
		WHERE execution_id = ? AND status != ?`, executionID, models.StatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unfinished details for execution %d: %w", executionID, err)
	}
	return n, nil
}

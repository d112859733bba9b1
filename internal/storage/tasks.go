package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// InsertTask persists a new task in queued state and fills in its ID and
// creation time.
func (s *SQLiteStorage) InsertTask(ctx context.Context, task *models.StrategyExecutionTask) (int64, error) {
	task.Status = models.StatusQueued
	task.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_execution_tasks (
			execution_detail_id, previous_task_id, order_type,
			day_of_execution, timestamp_of_execution,
			current_money, current_shares, days_remaining,
			x, y, stock, exchange, simulate, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ExecutionDetailID, task.PreviousTaskID, task.OrderType,
		task.DayOfExecution.Format(models.DateLayout), task.TimestampOfExecution,
		task.CurrentMoney, task.CurrentShares, task.DaysRemaining,
		task.X, task.Y, task.Stock, task.Exchange, task.Simulate,
		task.Status, fmtTime(task.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert task for detail %d: %w", task.ExecutionDetailID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	task.ID = id
	return id, nil
}

const taskColumns = `id, execution_detail_id, previous_task_id, order_type,
	day_of_execution, timestamp_of_execution, current_money, current_shares,
	days_remaining, x, y, stock, exchange, simulate, status,
	price_during_order, error_message, created_at, executed_at`

func scanTask(scan func(dest ...any) error) (models.StrategyExecutionTask, error) {
	var t models.StrategyExecutionTask
	var day, createdAt string
	var price sql.NullFloat64
	var errMsg sql.NullString
	var executedAt sql.NullString
	if err := scan(&t.ID, &t.ExecutionDetailID, &t.PreviousTaskID, &t.OrderType,
		&day, &t.TimestampOfExecution, &t.CurrentMoney, &t.CurrentShares,
		&t.DaysRemaining, &t.X, &t.Y, &t.Stock, &t.Exchange, &t.Simulate,
		&t.Status, &price, &errMsg, &createdAt, &executedAt); err != nil {
		return t, err
	}
	d, err := time.Parse(models.DateLayout, day)
	if err != nil {
		return t, fmt.Errorf("parse task day %q: %w", day, err)
	}
	t.DayOfExecution = d
	t.PriceDuringOrder = price.Float64
	t.ErrorMessage = errMsg.String
	t.CreatedAt = parseTime(createdAt)
	t.ExecutedAt = parseNullTime(executedAt)
	return t, nil
}

// GetTask returns one task by ID.
func (s *SQLiteStorage) GetTask(ctx context.Context, id int64) (*models.StrategyExecutionTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM strategy_execution_tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// DueTasks returns up to limit queued tasks scheduled on day with a
// timestamp inside [fromSecs, toSecs], oldest first. This is the dispatch
// window query: callers still race on ClaimTask to actually own a row.
func (s *SQLiteStorage) DueTasks(ctx context.Context, day time.Time, fromSecs, toSecs, limit int) ([]models.StrategyExecutionTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM strategy_execution_tasks
		WHERE status = ? AND day_of_execution = ?
		  AND timestamp_of_execution >= ? AND timestamp_of_execution <= ?
		ORDER BY timestamp_of_execution ASC, created_at ASC, id ASC
		LIMIT ?`,
		models.StatusQueued, day.Format(models.DateLayout), fromSecs, toSecs, limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var out []models.StrategyExecutionTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask transitions a task queued→running. Returns false when another
// dispatcher replica won.
func (s *SQLiteStorage) ClaimTask(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_execution_tasks SET status = ?
		WHERE id = ? AND status = ?`,
		models.StatusRunning, id, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteTask transitions a running task to completed, recording the fill
// price and execution time.
func (s *SQLiteStorage) CompleteTask(ctx context.Context, id int64, price float64, executedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_execution_tasks
		SET status = ?, price_during_order = ?, executed_at = ?
		WHERE id = ? AND status = ?`,
		models.StatusCompleted, price, fmtTime(executedAt), id, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("complete task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTask transitions a running task to failed with the error message.
func (s *SQLiteStorage) FailTask(ctx context.Context, id int64, errMsg string, executedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_execution_tasks
		SET status = ?, error_message = ?, executed_at = ?
		WHERE id = ? AND status = ?`,
		models.StatusFailed, errMsg, fmtTime(executedAt), id, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("fail task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertTaskOutput records the broker response for a task. The task_id UNIQUE
// constraint rejects a second output for the same task.
func (s *SQLiteStorage) InsertTaskOutput(ctx context.Context, out *models.StrategyExecutionTaskOutput) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_execution_task_outputs (
			task_id, order_id, shares_bought, price_per_share, total_amount,
			money_provided, money_remaining, order_timestamp, exchange_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.TaskID, out.OrderID, out.SharesBought, out.PricePerShare, out.TotalAmount,
		out.MoneyProvided, out.MoneyRemaining, out.OrderTimestamp, out.ExchangeTimestamp)
	if err != nil {
		return 0, fmt.Errorf("insert output for task %d: %w", out.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	out.ID = id
	return id, nil
}

// GetTaskOutput returns the broker output recorded for a task.
func (s *SQLiteStorage) GetTaskOutput(ctx context.Context, taskID int64) (*models.StrategyExecutionTaskOutput, error) {
	var o models.StrategyExecutionTaskOutput
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, order_id, shares_bought, price_per_share, total_amount,
		       money_provided, money_remaining, order_timestamp, exchange_timestamp
		FROM strategy_execution_task_outputs WHERE task_id = ?`, taskID).
		Scan(&o.ID, &o.TaskID, &o.OrderID, &o.SharesBought, &o.PricePerShare,
			&o.TotalAmount, &o.MoneyProvided, &o.MoneyRemaining,
			&o.OrderTimestamp, &o.ExchangeTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output for task %d: %w", taskID, err)
	}
	return &o, nil
}

// TasksByDetailStatus returns a detail's tasks filtered to the given
// statuses, oldest first. With no statuses it returns all of them.
func (s *SQLiteStorage) TasksByDetailStatus(ctx context.Context, detailID int64, statuses ...models.Status) ([]models.StrategyExecutionTask, error) {
	q := `SELECT ` + taskColumns + ` FROM strategy_execution_tasks WHERE execution_detail_id = ?`
	args := []any{detailID}
	if len(statuses) > 0 {
		q += " AND status IN (?" + repeatPlaceholders(len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	q += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks for detail %d: %w", detailID, err)
	}
	defer rows.Close()

	var out []models.StrategyExecutionTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TasksByExecution returns every task under an execution, oldest first.
func (s *SQLiteStorage) TasksByExecution(ctx context.Context, executionID int64) ([]models.StrategyExecutionTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM strategy_execution_tasks
		WHERE execution_detail_id IN (
			SELECT id FROM strategy_execution_details WHERE execution_id = ?
		)
		ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks for execution %d: %w", executionID, err)
	}
	defer rows.Close()

	var out []models.StrategyExecutionTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// StaleRunningExecutions returns running executions with a running detail
// holding a queued or running task whose scheduled (day, second) lies before
// cutoff. These are zombies: the dispatcher's window has long passed.
func (s *SQLiteStorage) StaleRunningExecutions(ctx context.Context, cutoff time.Time) ([]int64, error) {
	day := cutoff.Format(models.DateLayout)
	secs := cutoff.Hour()*3600 + cutoff.Minute()*60 + cutoff.Second()
	return s.queryIDs(ctx, `
		SELECT DISTINCT e.id
		FROM strategy_executions e
		JOIN strategy_execution_details d ON d.execution_id = e.id
		JOIN strategy_execution_tasks t ON t.execution_detail_id = d.id
		WHERE e.status = ? AND d.status = ?
		  AND t.status IN (?, ?)
		  AND (t.day_of_execution < ?
		       OR (t.day_of_execution = ? AND t.timestamp_of_execution < ?))
		ORDER BY e.id ASC`,
		models.StatusRunning, models.StatusRunning,
		models.StatusQueued, models.StatusRunning,
		day, day, secs)
}

// QueuedExecutionsWithActiveChildren returns queued executions with any child
// detail or task that has left the queued state. A queued parent must have an
// entirely queued subtree; anything else means a partial orchestration crash.
func (s *SQLiteStorage) QueuedExecutionsWithActiveChildren(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT e.id FROM strategy_executions e
		WHERE e.status = ?
		  AND (EXISTS (
		         SELECT 1 FROM strategy_execution_details d
		         WHERE d.execution_id = e.id AND d.status != ?)
		    OR EXISTS (
		         SELECT 1 FROM strategy_execution_tasks t
		         JOIN strategy_execution_details d ON t.execution_detail_id = d.id
		         WHERE d.execution_id = e.id AND t.status != ?))
		ORDER BY e.id ASC`,
		models.StatusQueued, models.StatusQueued, models.StatusQueued)
}

// TerminalExecutionsWithOpenChildren returns completed or failed executions
// that still have a non-terminal child detail or task.
func (s *SQLiteStorage) TerminalExecutionsWithOpenChildren(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT e.id FROM strategy_executions e
		WHERE e.status IN (?, ?)
		  AND (EXISTS (
		         SELECT 1 FROM strategy_execution_details d
		         WHERE d.execution_id = e.id AND d.status NOT IN (?, ?))
		    OR EXISTS (
		         SELECT 1 FROM strategy_execution_tasks t
		         JOIN strategy_execution_details d ON t.execution_detail_id = d.id
		         WHERE d.execution_id = e.id AND t.status NOT IN (?, ?)))
		ORDER BY e.id ASC`,
		models.StatusCompleted, models.StatusFailed,
		models.StatusCompleted, models.StatusFailed,
		models.StatusCompleted, models.StatusFailed)
}

func (s *SQLiteStorage) queryIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailExecutionSubtree fails every non-terminal task and detail under the
// execution in one transaction, recording reason on the tasks. When
// includeExecution is set the execution row is failed too, unless already
// terminal. Re-running on an already-failed subtree changes nothing.
func (s *SQLiteStorage) FailExecutionSubtree(ctx context.Context, executionID int64, reason string, includeExecution bool, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategy_execution_tasks
			SET status = ?, error_message = ?, executed_at = ?
			WHERE execution_detail_id IN (
				SELECT id FROM strategy_execution_details WHERE execution_id = ?
			) AND status NOT IN (?, ?)`,
			models.StatusFailed, reason, fmtTime(at), executionID,
			models.StatusCompleted, models.StatusFailed); err != nil {
			return fmt.Errorf("fail tasks of execution %d: %w", executionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategy_execution_details SET status = ?
			WHERE execution_id = ? AND status NOT IN (?, ?)`,
			models.StatusFailed, executionID,
			models.StatusCompleted, models.StatusFailed); err != nil {
			return fmt.Errorf("fail details of execution %d: %w", executionID, err)
		}
		if includeExecution {
			if _, err := tx.ExecContext(ctx, `
				UPDATE strategy_executions SET status = ?, completed_at = ?
				WHERE id = ? AND status NOT IN (?, ?)`,
				models.StatusFailed, fmtTime(at), executionID,
				models.StatusCompleted, models.StatusFailed); err != nil {
				return fmt.Errorf("fail execution %d: %w", executionID, err)
			}
		}
		return nil
	})
}

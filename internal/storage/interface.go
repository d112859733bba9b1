// Package storage persists the six workflow entities and serves the
// read-only bar table shared with the candle ingester.
package storage

import (
	"context"
	"time"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// RunSummary is a strategy run with its mined-result count, as listed by the
// API façade.
type RunSummary struct {
	models.StrategyRun
	ResultCount int
}

// Interface defines the contract for the shared relational store.
//
// Implementations must be safe for concurrent use from multiple worker loops.
// All status transitions use compare-and-set semantics on the status column
// (UPDATE ... WHERE id = ? AND status = ?) so the loops stay correct when run
// as more than one replica: the Claim*/Set* methods report false when another
// worker won the row.
type Interface interface {
	// Bars (read-only to the core; the upsert exists for the ingester side
	// and for seeding tests).
	GetBars(ctx context.Context, symbol, exchange, granularity string, from, to time.Time, limit int) ([]models.Bar, error)
	UpsertBars(ctx context.Context, bars []models.Bar) error

	// Strategy runs and results.
	CreateRun(ctx context.Context, cfg models.RunConfig) (int64, error)
	GetRun(ctx context.Context, id int64) (*models.StrategyRun, error)
	QueuedRuns(ctx context.Context) ([]models.StrategyRun, error)
	ClaimRun(ctx context.Context, id int64) (bool, error)
	SetRunStatus(ctx context.Context, id int64, from, to models.Status) (bool, error)
	ListRuns(ctx context.Context, status models.Status, limit, offset int) ([]RunSummary, int, error)
	SaveResults(ctx context.Context, runID int64, results []models.StrategyResult) error
	ListResults(ctx context.Context, runID int64, limit, offset int) ([]models.StrategyResult, int, error)
	GetResult(ctx context.Context, id int64) (*models.StrategyResult, error)

	// Executions and details.
	CreateExecution(ctx context.Context, exec models.StrategyExecution, details []models.StrategyExecutionDetail) (int64, error)
	GetExecution(ctx context.Context, id int64) (*models.StrategyExecution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]models.StrategyExecution, int, error)
	ExecutionsByStatus(ctx context.Context, status models.Status) ([]models.StrategyExecution, error)
	ClaimExecution(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	SetExecutionStatus(ctx context.Context, id int64, from, to models.Status, at time.Time) (bool, error)
	GetDetail(ctx context.Context, id int64) (*models.StrategyExecutionDetail, error)
	DetailsByExecution(ctx context.Context, executionID int64) ([]models.StrategyExecutionDetail, error)
	DetailsWithResults(ctx context.Context, executionID int64) ([]models.DetailWithResult, error)
	SetDetailStatus(ctx context.Context, id int64, from, to models.Status) (bool, error)
	CountUnfinishedDetails(ctx context.Context, executionID int64) (int, error)

	// Tasks and outputs.
	InsertTask(ctx context.Context, task *models.StrategyExecutionTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*models.StrategyExecutionTask, error)
	DueTasks(ctx context.Context, day time.Time, fromSecs, toSecs, limit int) ([]models.StrategyExecutionTask, error)
	ClaimTask(ctx context.Context, id int64) (bool, error)
	CompleteTask(ctx context.Context, id int64, price float64, executedAt time.Time) (bool, error)
	FailTask(ctx context.Context, id int64, errMsg string, executedAt time.Time) (bool, error)
	InsertTaskOutput(ctx context.Context, out *models.StrategyExecutionTaskOutput) (int64, error)
	GetTaskOutput(ctx context.Context, taskID int64) (*models.StrategyExecutionTaskOutput, error)
	TasksByDetailStatus(ctx context.Context, detailID int64, statuses ...models.Status) ([]models.StrategyExecutionTask, error)
	TasksByExecution(ctx context.Context, executionID int64) ([]models.StrategyExecutionTask, error)

	// Watchdog consistency queries: execution IDs matching the three swept
	// cases. StaleRunningExecutions finds running executions with a running
	// detail holding a queued/running task scheduled before cutoff.
	StaleRunningExecutions(ctx context.Context, cutoff time.Time) ([]int64, error)
	QueuedExecutionsWithActiveChildren(ctx context.Context) ([]int64, error)
	TerminalExecutionsWithOpenChildren(ctx context.Context) ([]int64, error)
	// FailExecutionSubtree marks every non-terminal task and detail of the
	// execution failed with the given reason; when includeExecution is set the
	// execution row itself is failed too (unless already terminal). Idempotent.
	FailExecutionSubtree(ctx context.Context, executionID int64, reason string, includeExecution bool, at time.Time) error

	Close() error
}

// Ensure SQLiteStorage implements Interface.
var _ Interface = (*SQLiteStorage)(nil)

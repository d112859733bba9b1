package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timegrid-trading/timegrid/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() models.RunConfig {
	return models.RunConfig{
		HorizontalGaps: []int{2},
		ContinuousDays: []int{3},
		Granularity:    models.Granularity3Minute,
		StartDate:      "2026-01-01",
		EndDate:        "2026-03-31",
		NSEStocks:      []string{"RELIANCE"},
	}
}

func seedResult(t *testing.T, store *SQLiteStorage, runID int64, stock string) int64 {
	t.Helper()
	ctx := context.Background()
	err := store.SaveResults(ctx, runID, []models.StrategyResult{{
		Stock:          stock,
		Exchange:       models.ExchangeNSE,
		X:              "09:30:00",
		Y:              "14:00:00",
		ExceedProb:     0.85,
		ProfitDays:     40,
		Average:        1.2,
		TotalCount:     50,
		VerticalGap:    1.5,
		HorizontalGap:  2,
		ContinuousDays: 3,
	}})
	require.NoError(t, err)
	results, _, err := store.ListResults(ctx, runID, 100, 0)
	require.NoError(t, err)
	return results[len(results)-1].ID
}

// seedExecution creates run → completed run → result → execution with one
// queued detail, returning (executionID, detailID).
func seedExecution(t *testing.T, store *SQLiteStorage) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)
	_, err = store.ClaimRun(ctx, runID)
	require.NoError(t, err)
	_, err = store.SetRunStatus(ctx, runID, models.StatusRunning, models.StatusCompleted)
	require.NoError(t, err)

	resultID := seedResult(t, store, runID, "RELIANCE")

	execID, err := store.CreateExecution(ctx, models.StrategyExecution{
		RunID:      runID,
		Simulate:   true,
		TotalMoney: 10000,
	}, []models.StrategyExecutionDetail{{ResultID: resultID, WeightPercent: 100}})
	require.NoError(t, err)

	details, err := store.DetailsByExecution(ctx, execID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	return execID, details[0].ID
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)

	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, run.Status)
	assert.Equal(t, []string{"RELIANCE"}, run.Config.NSEStocks)

	queued, err := store.QueuedRuns(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	claimed, err := store.ClaimRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim must lose: the row is no longer queued.
	claimed, err = store.ClaimRun(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	ok, err := store.SetRunStatus(ctx, id, models.StatusRunning, models.StatusCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	run, err = store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)
}

func TestSetRunStatusRejectsUndefinedEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)

	// queued → completed is not a lifecycle edge.
	_, err = store.SetRunStatus(ctx, id, models.StatusQueued, models.StatusCompleted)
	assert.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResultsOrderedBestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)

	results := []models.StrategyResult{
		{Stock: "A", Exchange: "NSE", X: "09:30:00", Y: "14:00:00", ExceedProb: 0.80, Average: 2.0, VerticalGap: 1, HorizontalGap: 2, ContinuousDays: 3},
		{Stock: "B", Exchange: "NSE", X: "09:30:00", Y: "14:00:00", ExceedProb: 0.95, Average: 1.0, VerticalGap: 1, HorizontalGap: 2, ContinuousDays: 3},
		{Stock: "C", Exchange: "NSE", X: "09:30:00", Y: "14:00:00", ExceedProb: 0.80, Average: 3.0, VerticalGap: 1, HorizontalGap: 2, ContinuousDays: 3},
	}
	require.NoError(t, store.SaveResults(ctx, runID, results))

	got, total, err := store.ListResults(ctx, runID, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 3)
	// Exceed probability first, average breaks ties.
	assert.Equal(t, "B", got[0].Stock)
	assert.Equal(t, "C", got[1].Stock)
	assert.Equal(t, "A", got[2].Stock)
}

func TestListRunsCountsResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)
	seedResult(t, store, runID, "RELIANCE")
	seedResult(t, store, runID, "TCS")

	runs, total, err := store.ListRuns(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].ResultCount)

	// Status filter.
	runs, _, err = store.ListRuns(ctx, models.StatusCompleted, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateExecutionValidatesResultOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runA, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)
	runB, err := store.CreateRun(ctx, testConfig())
	require.NoError(t, err)
	resultB := seedResult(t, store, runB, "TCS")

	// A result belonging to run B cannot be deployed under run A.
	_, err = store.CreateExecution(ctx, models.StrategyExecution{RunID: runA, Simulate: true},
		[]models.StrategyExecutionDetail{{ResultID: resultB, WeightPercent: 100}})
	assert.ErrorIs(t, err, ErrNotFound)

	// Nothing may be left behind by the failed create.
	execs, total, err := store.ListExecutions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Zero(t, total)
}

func TestExecutionClaimAndComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	execID, _ := seedExecution(t, store)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	claimed, err := store.ClaimExecution(ctx, execID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimExecution(ctx, execID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must lose")

	exec, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, exec.Status)
	assert.Equal(t, now, exec.StartedAt)

	ok, err := store.SetExecutionStatus(ctx, execID, models.StatusRunning, models.StatusCompleted, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	exec, err = store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, exec.Status)
	assert.Equal(t, now.Add(time.Hour), exec.CompletedAt)
}

func TestCountUnfinishedDetails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	execID, detailID := seedExecution(t, store)

	n, err := store.CountUnfinishedDetails(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.SetDetailStatus(ctx, detailID, models.StatusQueued, models.StatusRunning)
	require.NoError(t, err)
	_, err = store.SetDetailStatus(ctx, detailID, models.StatusRunning, models.StatusCompleted)
	require.NoError(t, err)

	n, err = store.CountUnfinishedDetails(ctx, execID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDetailsWithResultsJoinsPattern(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	execID, _ := seedExecution(t, store)

	details, err := store.DetailsWithResults(ctx, execID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "RELIANCE", details[0].Stock)
	assert.Equal(t, "09:30:00", details[0].X)
	assert.Equal(t, "14:00:00", details[0].Y)
	assert.Equal(t, 3, details[0].ContinuousDays)
	assert.InDelta(t, 100.0, details[0].WeightPercent, 1e-9)
}

func TestDueTasksWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, detailID := seedExecution(t, store)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mkTask := func(secs int) int64 {
		task := &models.StrategyExecutionTask{
			ExecutionDetailID:    detailID,
			PreviousTaskID:       models.RootTaskID,
			OrderType:            models.OrderBuy,
			DayOfExecution:       day,
			TimestampOfExecution: secs,
			CurrentMoney:         1000,
			DaysRemaining:        3,
			X:                    "09:30:00",
			Y:                    "14:00:00",
			Stock:                "RELIANCE",
			Exchange:             models.ExchangeNSE,
			Simulate:             true,
		}
		id, err := store.InsertTask(ctx, task)
		require.NoError(t, err)
		return id
	}

	before := mkTask(34000) // before window
	inWin1 := mkTask(34200)
	inWin2 := mkTask(34350)
	after := mkTask(34400) // after window

	// Window [34200-170, 34200+... ] → [34030+?]. Use from=34100, to=34360.
	due, err := store.DueTasks(ctx, day, 34100, 34360, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, inWin1, due[0].ID)
	assert.Equal(t, inWin2, due[1].ID)

	// Other days never match.
	due, err = store.DueTasks(ctx, day.AddDate(0, 0, 1), 0, 86400, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_ = before
	_ = after
}

func TestTaskClaimCompleteFail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, detailID := seedExecution(t, store)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	task := &models.StrategyExecutionTask{
		ExecutionDetailID:    detailID,
		PreviousTaskID:       models.RootTaskID,
		OrderType:            models.OrderBuy,
		DayOfExecution:       day,
		TimestampOfExecution: 34200,
		CurrentMoney:         1000,
		DaysRemaining:        3,
		X:                    "09:30:00",
		Y:                    "14:00:00",
		Stock:                "RELIANCE",
		Exchange:             models.ExchangeNSE,
		Simulate:             true,
	}
	id, err := store.InsertTask(ctx, task)
	require.NoError(t, err)

	claimed, err := store.ClaimTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = store.ClaimTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	executedAt := day.Add(9*time.Hour + 30*time.Minute)
	ok, err := store.CompleteTask(ctx, id, 2501.5, executedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.InDelta(t, 2501.5, got.PriceDuringOrder, 1e-9)
	assert.Equal(t, executedAt, got.ExecutedAt)

	// A terminal task cannot be failed.
	ok, err = store.FailTask(ctx, id, "too late", executedAt)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskOutputUniquePerTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, detailID := seedExecution(t, store)

	task := &models.StrategyExecutionTask{
		ExecutionDetailID:    detailID,
		PreviousTaskID:       models.RootTaskID,
		OrderType:            models.OrderBuy,
		DayOfExecution:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		TimestampOfExecution: 34200,
		DaysRemaining:        3,
		X:                    "09:30:00",
		Y:                    "14:00:00",
		Stock:                "RELIANCE",
		Exchange:             models.ExchangeNSE,
		Simulate:             true,
	}
	taskID, err := store.InsertTask(ctx, task)
	require.NoError(t, err)

	out := &models.StrategyExecutionTaskOutput{
		TaskID:        taskID,
		OrderID:       "SIM-1",
		SharesBought:  4,
		PricePerShare: 250.0,
		TotalAmount:   1000.0,
	}
	_, err = store.InsertTaskOutput(ctx, out)
	require.NoError(t, err)

	_, err = store.InsertTaskOutput(ctx, &models.StrategyExecutionTaskOutput{TaskID: taskID, OrderID: "SIM-2"})
	assert.Error(t, err, "second output for the same task must violate uniqueness")

	got, err := store.GetTaskOutput(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "SIM-1", got.OrderID)
	assert.Equal(t, int64(4), got.SharesBought)
}

// sweepFixture builds an execution in the given state with one detail and one
// task, all statuses settable.
func sweepFixture(t *testing.T, store *SQLiteStorage, execStatus, detailStatus, taskStatus models.Status, day time.Time, secs int) int64 {
	t.Helper()
	ctx := context.Background()
	execID, detailID := seedExecution(t, store)

	if execStatus != models.StatusQueued {
		_, err := store.ClaimExecution(ctx, execID, day)
		require.NoError(t, err)
		if execStatus.Terminal() {
			_, err = store.SetExecutionStatus(ctx, execID, models.StatusRunning, execStatus, day)
			require.NoError(t, err)
		}
	}
	if detailStatus != models.StatusQueued {
		_, err := store.SetDetailStatus(ctx, detailID, models.StatusQueued, models.StatusRunning)
		require.NoError(t, err)
		if detailStatus.Terminal() {
			_, err = store.SetDetailStatus(ctx, detailID, models.StatusRunning, detailStatus)
			require.NoError(t, err)
		}
	}

	task := &models.StrategyExecutionTask{
		ExecutionDetailID:    detailID,
		PreviousTaskID:       models.RootTaskID,
		OrderType:            models.OrderBuy,
		DayOfExecution:       day,
		TimestampOfExecution: secs,
		DaysRemaining:        3,
		X:                    "09:30:00",
		Y:                    "14:00:00",
		Stock:                "RELIANCE",
		Exchange:             models.ExchangeNSE,
		Simulate:             true,
	}
	taskID, err := store.InsertTask(ctx, task)
	require.NoError(t, err)
	if taskStatus != models.StatusQueued {
		_, err := store.ClaimTask(ctx, taskID)
		require.NoError(t, err)
		if taskStatus == models.StatusCompleted {
			_, err = store.CompleteTask(ctx, taskID, 1, day)
			require.NoError(t, err)
		} else if taskStatus == models.StatusFailed {
			_, err = store.FailTask(ctx, taskID, "x", day)
			require.NoError(t, err)
		}
	}
	return execID
}

func TestStaleRunningExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// Task scheduled at 09:30 local; cutoff at 10:00 the same day.
	stale := sweepFixture(t, store, models.StatusRunning, models.StatusRunning, models.StatusQueued, day, 34200)
	// Same shape but scheduled after the cutoff.
	fresh := sweepFixture(t, store, models.StatusRunning, models.StatusRunning, models.StatusQueued, day, 40000)
	// Terminal task: not a zombie regardless of schedule.
	done := sweepFixture(t, store, models.StatusRunning, models.StatusRunning, models.StatusCompleted, day, 34200)

	cutoff := day.Add(10 * time.Hour)
	ids, err := store.StaleRunningExecutions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []int64{stale}, ids)
	assert.NotContains(t, ids, fresh)
	assert.NotContains(t, ids, done)

	// A cutoff on a later day catches everything still open.
	ids, err = store.StaleRunningExecutions(ctx, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{stale, fresh}, ids)
}

func TestQueuedExecutionsWithActiveChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	skewed := sweepFixture(t, store, models.StatusQueued, models.StatusRunning, models.StatusQueued, day, 34200)
	clean, _ := seedExecution(t, store)

	ids, err := store.QueuedExecutionsWithActiveChildren(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, skewed)
	assert.NotContains(t, ids, clean)
}

func TestTerminalExecutionsWithOpenChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	skewed := sweepFixture(t, store, models.StatusCompleted, models.StatusRunning, models.StatusQueued, day, 34200)
	healthy := sweepFixture(t, store, models.StatusRunning, models.StatusRunning, models.StatusQueued, day, 34200)

	ids, err := store.TerminalExecutionsWithOpenChildren(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, skewed)
	assert.NotContains(t, ids, healthy)
}

func TestFailExecutionSubtree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	execID := sweepFixture(t, store, models.StatusRunning, models.StatusRunning, models.StatusQueued, day, 34200)

	require.NoError(t, store.FailExecutionSubtree(ctx, execID, "task overdue", true, day.Add(11*time.Hour)))

	exec, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, exec.Status)

	details, err := store.DetailsByExecution(ctx, execID)
	require.NoError(t, err)
	for _, detail := range details {
		assert.Equal(t, models.StatusFailed, detail.Status)
	}
	tasks, err := store.TasksByExecution(ctx, execID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.StatusFailed, task.Status)
		assert.Equal(t, "task overdue", task.ErrorMessage)
	}

	// Second sweep is a no-op.
	require.NoError(t, store.FailExecutionSubtree(ctx, execID, "again", true, day.Add(12*time.Hour)))
	tasks, err = store.TasksByExecution(ctx, execID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, "task overdue", task.ErrorMessage, "terminal tasks must not be rewritten")
	}
}

func TestFailExecutionSubtreeChildrenOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	execID := sweepFixture(t, store, models.StatusCompleted, models.StatusRunning, models.StatusQueued, day, 34200)

	require.NoError(t, store.FailExecutionSubtree(ctx, execID, "parent terminal", false, day))

	exec, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, exec.Status, "parent's terminal state must stand")

	details, err := store.DetailsByExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, details[0].Status)
}

func TestBarsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]models.Bar, 0, 5)
	for i := 0; i < 5; i++ {
		bars = append(bars, models.Bar{
			Symbol:      "RELIANCE",
			Exchange:    models.ExchangeNSE,
			Granularity: models.Granularity3Minute,
			RecordTime:  base.Add(time.Duration(i) * 3 * time.Minute),
			Open:        100 + float64(i),
			High:        101 + float64(i),
			Low:         99 + float64(i),
			Close:       100.5 + float64(i),
			Volume:      1000,
		})
	}
	require.NoError(t, store.UpsertBars(ctx, bars))

	// Replacing the same key must not duplicate.
	bars[0].Close = 42
	require.NoError(t, store.UpsertBars(ctx, bars[:1]))

	got, err := store.GetBars(ctx, "RELIANCE", models.ExchangeNSE, models.Granularity3Minute,
		base.Add(-time.Hour), base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.InDelta(t, 42.0, got[0].Close, 1e-9)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].RecordTime.After(got[i-1].RecordTime), "bars must come back in time order")
	}
}

func TestTasksByDetailStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, detailID := seedExecution(t, store)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	for i, status := range []models.Status{models.StatusQueued, models.StatusRunning, models.StatusCompleted} {
		task := &models.StrategyExecutionTask{
			ExecutionDetailID:    detailID,
			PreviousTaskID:       models.RootTaskID,
			OrderType:            models.OrderBuy,
			DayOfExecution:       day,
			TimestampOfExecution: 34200 + i,
			DaysRemaining:        3,
			X:                    "09:30:00",
			Y:                    "14:00:00",
			Stock:                fmt.Sprintf("S%d", i),
			Exchange:             models.ExchangeNSE,
			Simulate:             true,
		}
		id, err := store.InsertTask(ctx, task)
		require.NoError(t, err)
		if status != models.StatusQueued {
			_, err = store.ClaimTask(ctx, id)
			require.NoError(t, err)
		}
		if status == models.StatusCompleted {
			_, err = store.CompleteTask(ctx, id, 1, day)
			require.NoError(t, err)
		}
	}

	open, err := store.TasksByDetailStatus(ctx, detailID, models.StatusQueued, models.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	all, err := store.TasksByDetailStatus(ctx, detailID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

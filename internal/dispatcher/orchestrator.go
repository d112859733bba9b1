// Package dispatcher turns accepted executions into task chains and fires
// due tasks against the broker middleware.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/timegrid-trading/timegrid/internal/marketcal"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

// Orchestrator claims queued executions and materialises one root buy task
// per detail. Follow-on tasks are chained later by the Dispatcher.
type Orchestrator struct {
	store    storage.Interface
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator polling every interval.
func NewOrchestrator(store storage.Interface, logger *log.Logger, interval time.Duration) *Orchestrator {
	return &Orchestrator{
		store:    store,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// WithClock overrides the orchestrator's clock; used by the end-to-end harness.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run polls until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Printf("Execution orchestrator started, polling every %v", o.interval)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil {
			o.logger.Printf("Orchestrator tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			o.logger.Printf("Orchestrator stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims every queued execution and materialises its root tasks. An
// execution already being worked by a running sibling is skipped: one live
// execution at a time keeps capital accounting simple.
func (o *Orchestrator) Tick(ctx context.Context) error {
	running, err := o.store.ExecutionsByStatus(ctx, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("check running executions: %w", err)
	}
	if len(running) > 0 {
		return nil
	}

	queued, err := o.store.ExecutionsByStatus(ctx, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("fetch queued executions: %w", err)
	}
	for i := range queued {
		exec := &queued[i]
		claimed, err := o.store.ClaimExecution(ctx, exec.ID, o.now())
		if err != nil {
			return fmt.Errorf("claim execution %d: %w", exec.ID, err)
		}
		if !claimed {
			continue
		}
		if err := o.materialize(ctx, exec); err != nil {
			o.logger.Printf("Execution %d: orchestration failed: %v", exec.ID, err)
			if failErr := o.store.FailExecutionSubtree(ctx, exec.ID,
				fmt.Sprintf("orchestration failed: %v", err), true, o.now()); failErr != nil {
				o.logger.Printf("Execution %d: subtree fail also failed: %v", exec.ID, failErr)
			}
		}
		// One execution per tick; the skip-if-running guard above holds for
		// the next tick.
		return nil
	}
	return nil
}

// materialize creates the root buy task for each detail, anchored to the
// first business day strictly after tomorrow at the pattern's x time.
func (o *Orchestrator) materialize(ctx context.Context, exec *models.StrategyExecution) error {
	details, err := o.store.DetailsWithResults(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("load details: %w", err)
	}
	if len(details) == 0 {
		return fmt.Errorf("execution has no details")
	}

	for _, d := range details {
		if _, err := o.store.SetDetailStatus(ctx, d.ID, models.StatusQueued, models.StatusRunning); err != nil {
			return fmt.Errorf("start detail %d: %w", d.ID, err)
		}

		day, err := marketcal.NextBusinessDay(o.now().AddDate(0, 0, 1), d.Exchange)
		if err != nil {
			return fmt.Errorf("anchor detail %d: %w", d.ID, err)
		}
		secs, err := marketcal.SecondsSinceMidnight(d.X)
		if err != nil {
			return fmt.Errorf("detail %d: bad x time %q: %w", d.ID, d.X, err)
		}

		task := &models.StrategyExecutionTask{
			ExecutionDetailID:    d.ID,
			PreviousTaskID:       models.RootTaskID,
			OrderType:            models.OrderBuy,
			DayOfExecution:       day,
			TimestampOfExecution: secs,
			CurrentMoney:         exec.TotalMoney * d.WeightPercent / 100,
			CurrentShares:        0,
			DaysRemaining:        d.ContinuousDays,
			X:                    d.X,
			Y:                    d.Y,
			Stock:                d.Stock,
			Exchange:             d.Exchange,
			Simulate:             exec.Simulate,
		}
		if _, err := o.store.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("create root task for detail %d: %w", d.ID, err)
		}
		o.logger.Printf("Execution %d: detail %d rooted at %s +%ds (%s on %s, %.2f)",
			exec.ID, d.ID, day.Format(models.DateLayout), secs, d.Stock, d.Exchange, task.CurrentMoney)
	}
	return nil
}

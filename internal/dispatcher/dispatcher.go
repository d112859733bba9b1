package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/timegrid-trading/timegrid/internal/broker"
	"github.com/timegrid-trading/timegrid/internal/marketcal"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

// dispatchBatchSize caps how many due tasks one tick will fire.
const dispatchBatchSize = 10

// Dispatcher fires due tasks against the broker and chains the follow-on
// task after each fill. The queued→running claim is the concurrency gate:
// replicas can poll the same window safely.
type Dispatcher struct {
	store    storage.Interface
	broker   broker.Broker
	logger   *log.Logger
	interval time.Duration
	buffer   time.Duration // how far back the dispatch window reaches
	now      func() time.Time
}

// NewDispatcher creates a task dispatcher. interval is the poll period P,
// buffer the backward window reach B: each tick picks queued tasks scheduled
// within [now−B, now+P] today.
func NewDispatcher(store storage.Interface, b broker.Broker, logger *log.Logger, interval, buffer time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    store,
		broker:   b,
		logger:   logger,
		interval: interval,
		buffer:   buffer,
		now:      time.Now,
	}
}

// WithClock overrides the dispatcher's clock; used by the end-to-end harness.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Printf("Task dispatcher started, polling every %v (buffer %v)", d.interval, d.buffer)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil {
			d.logger.Printf("Dispatcher tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Printf("Dispatcher stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick dispatches every due task in the current window.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now()
	nowSecs := marketcal.SecondsIntoDay(now)
	fromSecs := nowSecs - int(d.buffer/time.Second)
	toSecs := nowSecs + int(d.interval/time.Second)

	tasks, err := d.store.DueTasks(ctx, now, fromSecs, toSecs, dispatchBatchSize)
	if err != nil {
		return fmt.Errorf("query due tasks: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		claimed, err := d.store.ClaimTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("claim task %d: %w", task.ID, err)
		}
		if !claimed {
			continue // another replica won
		}
		d.dispatch(ctx, task)
	}
	return nil
}

// dispatch places one claimed task's order and advances the chain. Broker
// failures land the task in failed; the watchdog handles the fallout.
func (d *Dispatcher) dispatch(ctx context.Context, task *models.StrategyExecutionTask) {
	d.logger.Printf("Dispatching task %d: %s %s on %s (money=%.2f shares=%d days=%d)",
		task.ID, task.OrderType, task.Stock, task.Exchange,
		task.CurrentMoney, task.CurrentShares, task.DaysRemaining)

	result, err := d.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   task.Stock,
		Exchange: task.Exchange,
		Side:     string(task.OrderType),
		Money:    task.CurrentMoney,
		Quantity: task.CurrentShares,
		Simulate: task.Simulate,
	})
	if err != nil {
		d.failTask(ctx, task, fmt.Sprintf("broker call failed: %v", err))
		return
	}
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = fmt.Sprintf("order %s terminal with status %s", result.OrderID, result.Status)
		}
		d.failTask(ctx, task, reason)
		return
	}

	output := &models.StrategyExecutionTaskOutput{
		TaskID:            task.ID,
		OrderID:           result.OrderID,
		SharesBought:      result.Shares(),
		PricePerShare:     result.PricePerShare,
		TotalAmount:       result.TotalAmount,
		MoneyProvided:     result.MoneyProvided,
		MoneyRemaining:    result.MoneyRemaining,
		OrderTimestamp:    result.OrderTimestamp,
		ExchangeTimestamp: result.ExchangeTimestamp,
	}
	if _, err := d.store.InsertTaskOutput(ctx, output); err != nil {
		d.failTask(ctx, task, fmt.Sprintf("record output: %v", err))
		return
	}
	if _, err := d.store.CompleteTask(ctx, task.ID, result.PricePerShare, d.now()); err != nil {
		d.logger.Printf("Task %d: complete transition failed: %v", task.ID, err)
		return
	}

	if err := d.chainForward(ctx, task, result); err != nil {
		// The fill is already committed; a broken chain is the watchdog's to
		// reap, so only log here.
		d.logger.Printf("Task %d: chaining failed: %v", task.ID, err)
	}
}

// chainForward creates the successor task, or completes the detail (and
// possibly the execution) at the end of the chain.
func (d *Dispatcher) chainForward(ctx context.Context, task *models.StrategyExecutionTask, result *broker.OrderResult) error {
	switch task.OrderType {
	case models.OrderBuy:
		secs, err := marketcal.SecondsSinceMidnight(task.Y)
		if err != nil {
			return fmt.Errorf("bad y time %q: %w", task.Y, err)
		}
		next := d.successor(task)
		next.OrderType = models.OrderSell
		next.DayOfExecution = task.DayOfExecution
		next.TimestampOfExecution = secs
		next.CurrentMoney = 0
		next.CurrentShares = result.Shares()
		next.DaysRemaining = task.DaysRemaining
		if _, err := d.store.InsertTask(ctx, next); err != nil {
			return fmt.Errorf("create sell task: %w", err)
		}
		d.logger.Printf("Task %d: chained sell of %d shares at +%ds", task.ID, next.CurrentShares, secs)
		return nil

	case models.OrderSell:
		if task.DaysRemaining > 1 {
			day, err := marketcal.NextBusinessDay(task.DayOfExecution, task.Exchange)
			if err != nil {
				return fmt.Errorf("advance day: %w", err)
			}
			secs, err := marketcal.SecondsSinceMidnight(task.X)
			if err != nil {
				return fmt.Errorf("bad x time %q: %w", task.X, err)
			}
			next := d.successor(task)
			next.OrderType = models.OrderBuy
			next.DayOfExecution = day
			next.TimestampOfExecution = secs
			next.CurrentMoney = result.TotalAmount
			next.CurrentShares = 0
			next.DaysRemaining = task.DaysRemaining - 1
			if _, err := d.store.InsertTask(ctx, next); err != nil {
				return fmt.Errorf("create next buy task: %w", err)
			}
			d.logger.Printf("Task %d: chained buy on %s with %.2f (%d days left)",
				task.ID, day.Format(models.DateLayout), next.CurrentMoney, next.DaysRemaining)
			return nil
		}
		return d.completeChain(ctx, task)

	default:
		return fmt.Errorf("unknown order type %q", task.OrderType)
	}
}

// completeChain marks the detail done and, when it was the last open detail,
// completes the execution.
func (d *Dispatcher) completeChain(ctx context.Context, task *models.StrategyExecutionTask) error {
	if _, err := d.store.SetDetailStatus(ctx, task.ExecutionDetailID, models.StatusRunning, models.StatusCompleted); err != nil {
		return fmt.Errorf("complete detail %d: %w", task.ExecutionDetailID, err)
	}
	detail, err := d.store.GetDetail(ctx, task.ExecutionDetailID)
	if err != nil {
		return fmt.Errorf("load detail %d: %w", task.ExecutionDetailID, err)
	}
	open, err := d.store.CountUnfinishedDetails(ctx, detail.ExecutionID)
	if err != nil {
		return fmt.Errorf("count open details: %w", err)
	}
	if open == 0 {
		if _, err := d.store.SetExecutionStatus(ctx, detail.ExecutionID, models.StatusRunning, models.StatusCompleted, d.now()); err != nil {
			return fmt.Errorf("complete execution %d: %w", detail.ExecutionID, err)
		}
		d.logger.Printf("Execution %d completed", detail.ExecutionID)
	}
	return nil
}

func (d *Dispatcher) successor(task *models.StrategyExecutionTask) *models.StrategyExecutionTask {
	return &models.StrategyExecutionTask{
		ExecutionDetailID: task.ExecutionDetailID,
		PreviousTaskID:    task.ID,
		X:                 task.X,
		Y:                 task.Y,
		Stock:             task.Stock,
		Exchange:          task.Exchange,
		Simulate:          task.Simulate,
	}
}

func (d *Dispatcher) failTask(ctx context.Context, task *models.StrategyExecutionTask, reason string) {
	d.logger.Printf("Task %d failed: %s", task.ID, reason)
	if _, err := d.store.FailTask(ctx, task.ID, reason, d.now()); err != nil {
		d.logger.Printf("Task %d: fail transition also failed: %v", task.ID, err)
	}
}

// Command integration exercises the whole pipeline in-process: it mines a
// strategy run over generated bars, executes the best candidate, and drives
// the resulting task chain to completion against the mock broker, advancing a
// fake clock past each scheduled task instead of waiting for real market
// hours. Nothing touches the network or the filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/timegrid-trading/timegrid/internal/dispatcher"
	"github.com/timegrid-trading/timegrid/internal/miner"
	"github.com/timegrid-trading/timegrid/internal/mock"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/runner"
	"github.com/timegrid-trading/timegrid/internal/storage"
	"github.com/timegrid-trading/timegrid/internal/watchdog"
)

// maxChainRounds bounds the clock-advance loop; the longest configured chain
// is 3 continuous days, i.e. 6 tasks.
const maxChainRounds = 30

func main() {
	days := flag.Int("days", 45, "calendar days of bar history to generate")
	money := flag.Float64("money", 100000, "total money for the simulated execution")
	flag.Parse()

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags|log.Lshortfile)
	if err := run(context.Background(), logger, *days, *money); err != nil {
		logger.Fatalf("Pipeline check FAILED: %v", err)
	}
	logger.Printf("Pipeline check PASSED")
}

func run(ctx context.Context, logger *log.Logger, days int, money float64) error {
	store, err := storage.Open(":memory:")
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Close store: %v", err)
		}
	}()

	gen := mock.NewBarGenerator()
	// Strong uptrend so the miner reliably finds candidates over a short
	// history.
	gen.Drift = 0.004

	runID, err := mine(ctx, logger, store, gen, days)
	if err != nil {
		return err
	}

	execID, err := execute(ctx, logger, store, runID, money)
	if err != nil {
		return err
	}
	return driveChain(ctx, logger, store, gen, execID)
}

// mine creates one strategy run over generated bars and processes it to
// completion with the real run worker.
func mine(ctx context.Context, logger *log.Logger, store storage.Interface, gen *mock.BarGenerator, days int) (int64, error) {
	end := time.Now().UTC()
	cfg := models.RunConfig{
		Granularity:    models.Granularity30Minute,
		ContinuousDays: []int{2, 3},
		HorizontalGaps: []int{3, 5},
		NSEStocks:      []string{"RELIANCE", "TCS"},
		StartDate:      end.AddDate(0, 0, -days).Format(models.DateLayout),
		EndDate:        end.Format(models.DateLayout),
	}
	runID, err := store.CreateRun(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}

	worker := runner.New(store, mock.NewIngester(store, gen), miner.New(logger),
		rate.NewLimiter(rate.Inf, 0), logger, time.Minute)
	if err := worker.Tick(ctx); err != nil {
		return 0, fmt.Errorf("run worker tick: %w", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status != models.StatusCompleted {
		return 0, fmt.Errorf("run %d ended %s, want completed", runID, run.Status)
	}
	return runID, nil
}

// execute deploys the run's best candidate as a simulated execution with the
// full capital weight.
func execute(ctx context.Context, logger *log.Logger, store storage.Interface, runID int64, money float64) (int64, error) {
	results, total, err := store.ListResults(ctx, runID, 1, 0)
	if err != nil {
		return 0, fmt.Errorf("list results: %w", err)
	}
	if total == 0 {
		return 0, fmt.Errorf("run %d mined no candidates", runID)
	}
	best := results[0]
	logger.Printf("Best candidate: %s on %s, buy %s sell %s, gap %.2f%% over %d days (exceed %.0f%%)",
		best.Stock, best.Exchange, best.X, best.Y, best.VerticalGap, best.ContinuousDays, best.ExceedProb*100)

	execID, err := store.CreateExecution(ctx,
		models.StrategyExecution{RunID: runID, Simulate: true, TotalMoney: money},
		[]models.StrategyExecutionDetail{{ResultID: best.ID, WeightPercent: 100}})
	if err != nil {
		return 0, fmt.Errorf("create execution: %w", err)
	}
	return execID, nil
}

// driveChain materialises the root task and then repeatedly jumps the fake
// clock to the next queued task's scheduled time until the execution lands in
// a terminal state.
func driveChain(ctx context.Context, logger *log.Logger, store storage.Interface, gen *mock.BarGenerator, execID int64) error {
	clock := time.Now().UTC()
	now := func() time.Time { return clock }

	orch := dispatcher.NewOrchestrator(store, logger, time.Minute).WithClock(now)
	disp := dispatcher.NewDispatcher(store, mock.NewBroker(gen), logger,
		10*time.Second, 170*time.Second).WithClock(now)

	if err := orch.Tick(ctx); err != nil {
		return fmt.Errorf("orchestrator tick: %w", err)
	}

	for round := 0; round < maxChainRounds; round++ {
		exec, err := store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			break
		}

		tasks, err := store.TasksByExecution(ctx, execID)
		if err != nil {
			return err
		}
		var next *models.StrategyExecutionTask
		for i := range tasks {
			if tasks[i].Status != models.StatusQueued {
				continue
			}
			if next == nil || tasks[i].ScheduledAt().Before(next.ScheduledAt()) {
				next = &tasks[i]
			}
		}
		if next == nil {
			return fmt.Errorf("execution %d stuck: not terminal and no queued task", execID)
		}
		clock = next.ScheduledAt().Add(5 * time.Second)
		if err := disp.Tick(ctx); err != nil {
			return fmt.Errorf("dispatcher tick: %w", err)
		}
	}

	exec, err := store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status != models.StatusCompleted {
		return fmt.Errorf("execution %d ended %s, want completed", execID, exec.Status)
	}

	// A sweep over a healthy finished tree must change nothing.
	wd := watchdog.New(store, logger, 30*time.Minute, 10*time.Minute)
	if err := wd.Sweep(ctx); err != nil {
		return fmt.Errorf("watchdog sweep: %w", err)
	}
	after, err := store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if after.Status != models.StatusCompleted {
		return fmt.Errorf("watchdog reaped a completed execution (now %s)", after.Status)
	}

	return report(ctx, logger, store, execID)
}

// report verifies every task filled and prints the chain.
func report(ctx context.Context, logger *log.Logger, store storage.Interface, execID int64) error {
	tasks, err := store.TasksByExecution(ctx, execID)
	if err != nil {
		return err
	}
	for i := range tasks {
		task := &tasks[i]
		if task.Status != models.StatusCompleted {
			return fmt.Errorf("task %d ended %s, want completed", task.ID, task.Status)
		}
		out, err := store.GetTaskOutput(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("task %d has no output: %w", task.ID, err)
		}
		logger.Printf("Task %d: %-4s %s on %s at %.2f (order %s, total %.2f)",
			task.ID, task.OrderType, task.Stock,
			task.DayOfExecution.Format(models.DateLayout),
			out.PricePerShare, out.OrderID, out.TotalAmount)
	}
	logger.Printf("Chain of %d tasks completed", len(tasks))
	return nil
}

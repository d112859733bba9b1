// Package watchdog periodically sweeps the execution tree for zombies and
// status skew and fails the offending subtrees. Sweeps are idempotent:
// re-running on an already-failed subtree changes nothing.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/timegrid-trading/timegrid/internal/storage"
)

// Watchdog is the consistency sweep loop.
type Watchdog struct {
	store    storage.Interface
	logger   *log.Logger
	interval time.Duration
	buffer   time.Duration // grace past the scheduled time before a task counts as stale
	now      func() time.Time
}

// New creates a watchdog sweeping every interval, treating tasks more than
// buffer past their scheduled time as zombies.
func New(store storage.Interface, logger *log.Logger, interval, buffer time.Duration) *Watchdog {
	return &Watchdog{
		store:    store,
		logger:   logger,
		interval: interval,
		buffer:   buffer,
		now:      time.Now,
	}
}

// Run sweeps until the context is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Printf("Watchdog started, sweeping every %v (buffer %v)", w.interval, w.buffer)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Sweep(ctx); err != nil {
			w.logger.Printf("Watchdog sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Printf("Watchdog stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs the three consistency cases once.
func (w *Watchdog) Sweep(ctx context.Context) error {
	now := w.now()

	// Case 1: running executions holding tasks the dispatcher's window has
	// long passed. The whole subtree, execution included, is dead.
	stale, err := w.store.StaleRunningExecutions(ctx, now.Add(-w.buffer))
	if err != nil {
		return fmt.Errorf("query stale executions: %w", err)
	}
	for _, id := range stale {
		w.logger.Printf("Execution %d: task overdue by more than %v, failing subtree", id, w.buffer)
		if err := w.store.FailExecutionSubtree(ctx, id,
			fmt.Sprintf("task overdue by more than %v", w.buffer), true, now); err != nil {
			return fmt.Errorf("fail stale execution %d: %w", id, err)
		}
	}

	// Case 2: a queued execution must have an entirely queued subtree.
	// Anything else is a partially-crashed orchestration; fail it all.
	skewed, err := w.store.QueuedExecutionsWithActiveChildren(ctx)
	if err != nil {
		return fmt.Errorf("query queued-parent skew: %w", err)
	}
	for _, id := range skewed {
		w.logger.Printf("Execution %d: queued parent with active children, failing subtree", id)
		if err := w.store.FailExecutionSubtree(ctx, id,
			"queued execution with active children", true, now); err != nil {
			return fmt.Errorf("fail skewed execution %d: %w", id, err)
		}
	}

	// Case 3: a terminal execution with open children. The parent's terminal
	// state stands; only the stragglers are failed.
	open, err := w.store.TerminalExecutionsWithOpenChildren(ctx)
	if err != nil {
		return fmt.Errorf("query terminal-parent skew: %w", err)
	}
	for _, id := range open {
		w.logger.Printf("Execution %d: terminal parent with open children, failing children", id)
		if err := w.store.FailExecutionSubtree(ctx, id,
			"parent execution already terminal", false, now); err != nil {
			return fmt.Errorf("fail open children of execution %d: %w", id, err)
		}
	}

	return nil
}

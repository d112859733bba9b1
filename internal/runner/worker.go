// Package runner drives strategy runs from queued to a terminal state: it
// resolves the symbol universe, syncs bars, invokes the miner, and persists
// the surviving candidates.
package runner

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/timegrid-trading/timegrid/internal/ingester"
	"github.com/timegrid-trading/timegrid/internal/miner"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

// resultBatchSize bounds memory and gives the watchdog visibility into long
// runs: candidates are flushed to the store every ten.
const resultBatchSize = 10

// IngesterAPI is the slice of the ingester client the worker needs.
type IngesterAPI interface {
	Sync(ctx context.Context, symbols, exchanges []string, granularity string, from, to time.Time) (*ingester.SyncResponse, error)
	GetSymbols(ctx context.Context, exchange string) ([]string, error)
}

// Pacer throttles symbol processing to the upstream rate budget.
// *rate.Limiter satisfies it directly.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Worker is the strategy-run polling loop.
type Worker struct {
	store    storage.Interface
	ingester IngesterAPI
	miner    *miner.Miner
	pacer    Pacer
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time
}

// New creates a run worker polling every interval.
func New(store storage.Interface, ing IngesterAPI, m *miner.Miner, pacer Pacer, logger *log.Logger, interval time.Duration) *Worker {
	return &Worker{
		store:    store,
		ingester: ing,
		miner:    m,
		pacer:    pacer,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Run polls until the context is canceled. Errors inside a tick are logged
// and absorbed; only cancellation stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Printf("Run worker started, polling every %v", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil {
			w.logger.Printf("Run worker tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Printf("Run worker stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims and processes every currently queued run, FIFO.
func (w *Worker) Tick(ctx context.Context) error {
	runs, err := w.store.QueuedRuns(ctx)
	if err != nil {
		return fmt.Errorf("fetch queued runs: %w", err)
	}
	for i := range runs {
		run := &runs[i]
		claimed, err := w.store.ClaimRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("claim run %d: %w", run.ID, err)
		}
		if !claimed {
			continue // another replica won
		}
		w.processRun(ctx, run)
	}
	return nil
}

// processRun mines one claimed run to completion. Every failure path lands
// the run in failed; nothing escapes to the loop.
func (w *Worker) processRun(ctx context.Context, run *models.StrategyRun) {
	w.logger.Printf("Processing run %d", run.ID)
	var failure error
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("Run %d panicked: %v\n%s", run.ID, r, debug.Stack())
			failure = fmt.Errorf("panic: %v", r)
		}
		to := models.StatusCompleted
		if failure != nil {
			w.logger.Printf("Run %d failed: %v", run.ID, failure)
			to = models.StatusFailed
		}
		if _, err := w.store.SetRunStatus(ctx, run.ID, models.StatusRunning, to); err != nil {
			w.logger.Printf("Run %d: status update to %s failed: %v", run.ID, to, err)
		} else {
			w.logger.Printf("Run %d %s", run.ID, to)
		}
	}()

	cfg := run.Config
	cfg.ApplyDefaults(w.now())
	if err := cfg.Validate(); err != nil {
		failure = fmt.Errorf("invalid config: %w", err)
		return
	}

	from, to, err := cfg.DateRange()
	if err != nil {
		failure = fmt.Errorf("invalid config: %w", err)
		return
	}

	universes, err := w.resolveUniverses(ctx, cfg)
	if err != nil {
		failure = err
		return
	}

	var pending []models.StrategyResult
	for _, u := range universes {
		for _, symbol := range u.symbols {
			candidates, err := w.mineSymbol(ctx, cfg, symbol, u.exchange, from, to)
			if err != nil {
				if ctx.Err() != nil {
					failure = ctx.Err()
					return
				}
				w.logger.Printf("Run %d: symbol %s (%s) failed: %v", run.ID, symbol, u.exchange, err)
				continue
			}
			pending = append(pending, candidates...)
			for len(pending) >= resultBatchSize {
				if err := w.store.SaveResults(ctx, run.ID, pending[:resultBatchSize]); err != nil {
					failure = fmt.Errorf("save results: %w", err)
					return
				}
				pending = pending[resultBatchSize:]
			}
			if err := w.pacer.Wait(ctx); err != nil {
				failure = fmt.Errorf("pacing: %w", err)
				return
			}
		}
	}
	if len(pending) > 0 {
		if err := w.store.SaveResults(ctx, run.ID, pending); err != nil {
			failure = fmt.Errorf("save results: %w", err)
		}
	}
}

type universe struct {
	exchange string
	symbols  []string
}

// resolveUniverses expands the per-exchange symbol lists. An explicit list
// wins; "include all" maps to the NIFTY-50 allow-list on NSE and to ingester
// discovery on BSE.
func (w *Worker) resolveUniverses(ctx context.Context, cfg models.RunConfig) ([]universe, error) {
	var out []universe

	switch {
	case len(cfg.NSEStocks) > 0:
		out = append(out, universe{models.ExchangeNSE, cfg.NSEStocks})
	case cfg.IncludeAllNSE:
		out = append(out, universe{models.ExchangeNSE, NSENifty50})
	}

	switch {
	case len(cfg.BSEStocks) > 0:
		out = append(out, universe{models.ExchangeBSE, cfg.BSEStocks})
	case cfg.IncludeAllBSE:
		symbols, err := w.ingester.GetSymbols(ctx, models.ExchangeBSE)
		if err != nil {
			return nil, fmt.Errorf("resolve BSE symbols: %w", err)
		}
		out = append(out, universe{models.ExchangeBSE, symbols})
	}

	return out, nil
}

// mineSymbol syncs and loads one symbol's bars, then binary-searches the
// vertical gap for each (continuous_days, horizontal_gap) combination,
// keeping at most one candidate per continuous_days: the one that sustained
// the largest gap.
func (w *Worker) mineSymbol(ctx context.Context, cfg models.RunConfig, symbol, exchange string, from, to time.Time) ([]models.StrategyResult, error) {
	if _, err := w.ingester.Sync(ctx, []string{symbol}, []string{exchange}, cfg.Granularity, from, to); err != nil {
		// Stale bars may still be minable; log and fall through to the load.
		w.logger.Printf("Sync %s (%s) failed, mining existing bars: %v", symbol, exchange, err)
	}

	bars, err := w.store.GetBars(ctx, symbol, exchange, cfg.Granularity, from, to, 0)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	if len(bars) == 0 {
		w.logger.Printf("No bars for %s (%s), skipping", symbol, exchange)
		return nil, nil
	}
	series := miner.GroupByDay(bars)

	var results []models.StrategyResult
	for _, k := range cfg.ContinuousDays {
		var best miner.Candidate
		var found bool
		for _, h := range cfg.HorizontalGaps {
			cand, ok := w.miner.Search(series, miner.DefaultSearchParams(h, k))
			if !ok {
				continue
			}
			if !found || cand.VerticalGap > best.VerticalGap {
				best = cand
				found = true
			}
		}
		if found {
			results = append(results, toResult(best, symbol, exchange))
		}
	}
	return results, nil
}

func toResult(c miner.Candidate, symbol, exchange string) models.StrategyResult {
	return models.StrategyResult{
		Stock:          symbol,
		Exchange:       exchange,
		X:              c.X,
		Y:              c.Y,
		ExceedProb:     c.ExceedProb,
		ProfitDays:     c.ProfitDays,
		Average:        c.Average,
		TotalCount:     c.TotalCount,
		Highest:        c.Highest,
		Lowest:         c.Lowest,
		P5:             c.P5,
		P10:            c.P10,
		P20:            c.P20,
		P40:            c.P40,
		P50:            c.P50,
		VerticalGap:    c.VerticalGap,
		HorizontalGap:  c.HorizontalGap,
		ContinuousDays: c.ContinuousDays,
	}
}

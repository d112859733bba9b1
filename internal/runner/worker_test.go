package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timegrid-trading/timegrid/internal/ingester"
	"github.com/timegrid-trading/timegrid/internal/miner"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

type fakeIngester struct {
	syncErr    error
	syncCalls  int
	symbols    []string
	symbolsErr error
}

func (f *fakeIngester) Sync(ctx context.Context, symbols, exchanges []string, granularity string, from, to time.Time) (*ingester.SyncResponse, error) {
	f.syncCalls++
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &ingester.SyncResponse{}, nil
}

func (f *fakeIngester) GetSymbols(ctx context.Context, exchange string) ([]string, error) {
	return f.symbols, f.symbolsErr
}

type nopPacer struct{}

func (nopPacer) Wait(context.Context) error { return nil }

// batchRecorder counts SaveResults batch sizes on top of the real store.
type batchRecorder struct {
	storage.Interface
	batches []int
}

func (r *batchRecorder) SaveResults(ctx context.Context, runID int64, results []models.StrategyResult) error {
	r.batches = append(r.batches, len(results))
	return r.Interface.SaveResults(ctx, runID, results)
}

func newWorker(t *testing.T, store storage.Interface, ing IngesterAPI) *Worker {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	return New(store, ing, miner.New(logger), nopPacer{}, logger, time.Minute)
}

func openStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedBars writes days of three-point intraday bars with a constant daily
// move, so every 3-day window sums well above zero and the search succeeds.
func seedBars(t *testing.T, store storage.Interface, symbol string, days int) {
	t.Helper()
	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	var bars []models.Bar
	for d := 0; d < days; d++ {
		for i, price := range []float64{100, 100, 104} {
			bars = append(bars, models.Bar{
				Symbol:      symbol,
				Exchange:    models.ExchangeNSE,
				Granularity: models.Granularity3Minute,
				RecordTime:  day.Add(time.Duration(9+3*i) * time.Hour),
				Open:        price, High: price, Low: price, Close: price,
			})
		}
		day = day.AddDate(0, 0, 1)
	}
	require.NoError(t, store.UpsertBars(context.Background(), bars))
}

func runConfig(symbols ...string) models.RunConfig {
	return models.RunConfig{
		HorizontalGaps: []int{2},
		ContinuousDays: []int{3},
		Granularity:    models.Granularity3Minute,
		StartDate:      "2026-01-01",
		EndDate:        "2026-01-31",
		NSEStocks:      symbols,
	}
}

func TestTickMinesQueuedRunToCompletion(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	seedBars(t, store, "RELIANCE", 10)

	runID, err := store.CreateRun(ctx, runConfig("RELIANCE"))
	require.NoError(t, err)

	w := newWorker(t, store, &fakeIngester{})
	require.NoError(t, w.Tick(ctx))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)

	results, total, err := store.ListResults(ctx, runID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "RELIANCE", results[0].Stock)
	assert.Equal(t, models.ExchangeNSE, results[0].Exchange)
	assert.Equal(t, 3, results[0].ContinuousDays)
	assert.Greater(t, results[0].VerticalGap, 0.0)
}

func TestTickFailsRunOnBadConfig(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	cfg := runConfig("RELIANCE")
	cfg.Granularity = "2minute"
	runID, err := store.CreateRun(ctx, cfg)
	require.NoError(t, err)

	w := newWorker(t, store, &fakeIngester{})
	require.NoError(t, w.Tick(ctx))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
}

func TestSyncFailureFallsBackToStoredBars(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	seedBars(t, store, "TCS", 10)

	runID, err := store.CreateRun(ctx, runConfig("TCS"))
	require.NoError(t, err)

	ing := &fakeIngester{syncErr: errors.New("ingester down")}
	w := newWorker(t, store, ing)
	require.NoError(t, w.Tick(ctx))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)
	assert.Equal(t, 1, ing.syncCalls)

	_, total, err := store.ListResults(ctx, runID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "existing bars must still be mined")
}

func TestSymbolWithoutBarsIsSkipped(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	seedBars(t, store, "RELIANCE", 10)

	runID, err := store.CreateRun(ctx, runConfig("RELIANCE", "NODATA"))
	require.NoError(t, err)

	w := newWorker(t, store, &fakeIngester{})
	require.NoError(t, w.Tick(ctx))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status, "a bare symbol must not fail the run")

	results, _, err := store.ListResults(ctx, runID, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "RELIANCE", results[0].Stock)
}

func TestResultsAreFlushedInBatches(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	symbols := make([]string, 12)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
		seedBars(t, store, symbols[i], 10)
	}
	runID, err := store.CreateRun(ctx, runConfig(symbols...))
	require.NoError(t, err)

	rec := &batchRecorder{Interface: store}
	w := newWorker(t, rec, &fakeIngester{})
	require.NoError(t, w.Tick(ctx))

	// 12 candidates: one full batch of ten, then the remainder.
	assert.Equal(t, []int{10, 2}, rec.batches)
	_, total, err := store.ListResults(ctx, runID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
}

func TestResolveUniverses(t *testing.T) {
	ing := &fakeIngester{symbols: []string{"500325", "532540"}}
	w := newWorker(t, openStore(t), ing)
	ctx := context.Background()

	t.Run("explicit lists win over include flags", func(t *testing.T) {
		cfg := models.RunConfig{NSEStocks: []string{"RELIANCE"}, IncludeAllNSE: true}
		out, err := w.resolveUniverses(ctx, cfg)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, []string{"RELIANCE"}, out[0].symbols)
	})

	t.Run("include all NSE uses the allow-list", func(t *testing.T) {
		out, err := w.resolveUniverses(ctx, models.RunConfig{IncludeAllNSE: true})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, NSENifty50, out[0].symbols)
	})

	t.Run("include all BSE asks the ingester", func(t *testing.T) {
		out, err := w.resolveUniverses(ctx, models.RunConfig{IncludeAllBSE: true})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, models.ExchangeBSE, out[0].exchange)
		assert.Equal(t, ing.symbols, out[0].symbols)
	})

	t.Run("ingester failure surfaces", func(t *testing.T) {
		bad := &fakeIngester{symbolsErr: errors.New("boom")}
		wBad := newWorker(t, openStore(t), bad)
		_, err := wBad.resolveUniverses(ctx, models.RunConfig{IncludeAllBSE: true})
		assert.Error(t, err)
	})

	t.Run("both exchanges", func(t *testing.T) {
		cfg := models.RunConfig{NSEStocks: []string{"A"}, BSEStocks: []string{"B"}}
		out, err := w.resolveUniverses(ctx, cfg)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, models.ExchangeNSE, out[0].exchange)
		assert.Equal(t, models.ExchangeBSE, out[1].exchange)
	})
}

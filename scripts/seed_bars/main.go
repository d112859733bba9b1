// Command seed_bars fills the configured store with generated intraday bars
// so the miner has something to chew on during local development, without a
// running ingester.
//
// Usage:
//
//	go run ./scripts/seed_bars -config config.yaml -symbols RELIANCE,TCS -days 90
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/timegrid-trading/timegrid/internal/config"
	"github.com/timegrid-trading/timegrid/internal/mock"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	symbols := flag.String("symbols", "RELIANCE,TCS,INFY", "comma-separated symbols to seed")
	exchange := flag.String("exchange", models.ExchangeNSE, "exchange for the seeded symbols")
	granularity := flag.String("granularity", models.Granularity30Minute, "bar granularity")
	days := flag.Int("days", 90, "calendar days of history")
	drift := flag.Float64("drift", 0.0005, "per-bar upward drift fraction")
	flag.Parse()

	logger := log.New(os.Stdout, "[SEED] ", log.LstdFlags)
	if err := run(context.Background(), logger, *configPath, *symbols, *exchange, *granularity, *days, *drift); err != nil {
		logger.Fatalf("Seeding failed: %v", err)
	}
}

func run(ctx context.Context, logger *log.Logger, configPath, symbols, exchange, granularity string, days int, drift float64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !models.ValidGranularity(granularity) {
		return fmt.Errorf("unknown granularity %q", granularity)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Close store: %v", err)
		}
	}()

	gen := mock.NewBarGenerator()
	gen.Drift = drift
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	total := 0
	for _, symbol := range strings.Split(symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		bars, err := gen.Bars(symbol, exchange, granularity, from, to)
		if err != nil {
			return fmt.Errorf("generate %s: %w", symbol, err)
		}
		if err := store.UpsertBars(ctx, bars); err != nil {
			return fmt.Errorf("persist %s: %w", symbol, err)
		}
		logger.Printf("%s (%s): %d bars from %s",
			symbol, exchange, len(bars), from.Format(models.DateLayout))
		total += len(bars)
	}
	logger.Printf("Seeded %d bars into %s", total, cfg.Storage.Path)
	return nil
}

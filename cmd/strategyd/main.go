// strategyd runs the whole pipeline in one process: the strategy-run worker,
// the execution orchestrator, the task dispatcher, the watchdog, and the
// HTTP API, all polling one shared store.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/timegrid-trading/timegrid/internal/api"
	"github.com/timegrid-trading/timegrid/internal/broker"
	"github.com/timegrid-trading/timegrid/internal/config"
	"github.com/timegrid-trading/timegrid/internal/dispatcher"
	"github.com/timegrid-trading/timegrid/internal/ingester"
	"github.com/timegrid-trading/timegrid/internal/miner"
	"github.com/timegrid-trading/timegrid/internal/runner"
	"github.com/timegrid-trading/timegrid/internal/storage"
	"github.com/timegrid-trading/timegrid/internal/watchdog"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[STRATEGYD] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting in %s mode", cfg.Environment.Mode)
	if !cfg.IsSimulate() {
		logger.Println("LIVE TRADING MODE - real orders will be placed")
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Failed to close store: %v", err)
		}
	}()

	brokerClient := broker.NewCircuitBreakerBroker(
		broker.NewClient(cfg.Broker.URL, cfg.Broker.APIKey, cfg.Broker.APISecret))
	ingesterClient := ingester.NewClient(cfg.Ingester.URL,
		log.New(os.Stdout, "[INGESTER] ", log.LstdFlags))

	sampleX, sampleY := miner.SampleOpen, miner.SampleOpen
	if cfg.Mining.SamplePrice == "mean" {
		sampleX, sampleY = miner.SampleMeanOHC, miner.SampleMeanOLC
	}
	m := miner.NewWithSamples(log.New(os.Stdout, "[MINER] ", log.LstdFlags), sampleX, sampleY)

	// cfg.Mining.SymbolsPerWindow symbols per WindowSeconds, with a full
	// window available in burst.
	pacer := rate.NewLimiter(
		rate.Limit(float64(cfg.Mining.SymbolsPerWindow)/float64(cfg.Mining.WindowSeconds)),
		cfg.Mining.SymbolsPerWindow)

	runWorker := runner.New(store, ingesterClient, m, pacer,
		log.New(os.Stdout, "[RUNNER] ", log.LstdFlags), cfg.RunInterval())
	orch := dispatcher.NewOrchestrator(store,
		log.New(os.Stdout, "[ORCHESTRATOR] ", log.LstdFlags), cfg.DispatchInterval())
	disp := dispatcher.NewDispatcher(store, brokerClient,
		log.New(os.Stdout, "[DISPATCHER] ", log.LstdFlags), cfg.DispatchInterval(), cfg.DispatchBuffer())
	dog := watchdog.New(store,
		log.New(os.Stdout, "[WATCHDOG] ", log.LstdFlags), cfg.WatchdogInterval(), cfg.WatchdogBuffer())
	apiServer := api.NewServer(store, log.New(os.Stdout, "[API] ", log.LstdFlags))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runWorker.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error { return dog.Run(ctx) })

	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Printf("API listening on %s", cfg.API.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Pipeline error: %v", err)
	}
	logger.Println("Stopped cleanly")
}

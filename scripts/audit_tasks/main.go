// Command audit_tasks reports workflow consistency for the configured store:
// run and execution counts by status, plus the three skew classes the
// watchdog would reap on its next sweep. Read-only; exits non-zero when skew
// is found so it can gate deploys.
//
// Usage:
//
//	go run ./scripts/audit_tasks -config config.yaml [-json] [-v]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/timegrid-trading/timegrid/internal/config"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

type report struct {
	GeneratedAt        string         `json:"generated_at"`
	StoragePath        string         `json:"storage_path"`
	RunsByStatus       map[string]int `json:"runs_by_status"`
	Executions         int            `json:"executions"`
	StaleRunning       []int64        `json:"stale_running_executions"`
	QueuedWithChildren []int64        `json:"queued_executions_with_active_children"`
	TerminalWithOpen   []int64        `json:"terminal_executions_with_open_children"`
	Clean              bool           `json:"clean"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "emit the report as JSON")
	verbose := flag.Bool("v", false, "echo the effective config")
	flag.Parse()

	logger := log.New(os.Stderr, "[AUDIT] ", log.LstdFlags)
	rep, err := audit(context.Background(), logger, *configPath, *verbose)
	if err != nil {
		logger.Fatalf("Audit failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			logger.Fatalf("Encode report: %v", err)
		}
	} else {
		printReport(rep)
	}
	if !rep.Clean {
		os.Exit(1)
	}
}

func audit(ctx context.Context, logger *log.Logger, configPath string, verbose bool) (*report, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		logger.Printf("storage=%s watchdog_buffer=%v", cfg.Storage.Path, cfg.WatchdogBuffer())
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Close store: %v", err)
		}
	}()

	now := time.Now().UTC()
	rep := &report{
		GeneratedAt:  now.Format(time.RFC3339),
		StoragePath:  cfg.Storage.Path,
		RunsByStatus: map[string]int{},
	}

	for _, status := range []models.Status{
		models.StatusQueued, models.StatusRunning, models.StatusCompleted, models.StatusFailed,
	} {
		_, total, err := store.ListRuns(ctx, status, 1, 0)
		if err != nil {
			return nil, fmt.Errorf("count %s runs: %w", status, err)
		}
		rep.RunsByStatus[string(status)] = total
	}

	if _, rep.Executions, err = store.ListExecutions(ctx, 1, 0); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}

	if rep.StaleRunning, err = store.StaleRunningExecutions(ctx, now.Add(-cfg.WatchdogBuffer())); err != nil {
		return nil, fmt.Errorf("query stale executions: %w", err)
	}
	if rep.QueuedWithChildren, err = store.QueuedExecutionsWithActiveChildren(ctx); err != nil {
		return nil, fmt.Errorf("query queued executions with children: %w", err)
	}
	if rep.TerminalWithOpen, err = store.TerminalExecutionsWithOpenChildren(ctx); err != nil {
		return nil, fmt.Errorf("query terminal executions with open children: %w", err)
	}

	rep.Clean = len(rep.StaleRunning) == 0 &&
		len(rep.QueuedWithChildren) == 0 &&
		len(rep.TerminalWithOpen) == 0
	return rep, nil
}

func printReport(rep *report) {
	fmt.Printf("Workflow audit at %s (store %s)\n", rep.GeneratedAt, rep.StoragePath)
	fmt.Printf("  runs: queued=%d running=%d completed=%d failed=%d\n",
		rep.RunsByStatus["queued"], rep.RunsByStatus["running"],
		rep.RunsByStatus["completed"], rep.RunsByStatus["failed"])
	fmt.Printf("  executions: %d\n", rep.Executions)
	fmt.Printf("  stale running executions: %v\n", rep.StaleRunning)
	fmt.Printf("  queued executions with active children: %v\n", rep.QueuedWithChildren)
	fmt.Printf("  terminal executions with open children: %v\n", rep.TerminalWithOpen)
	if rep.Clean {
		fmt.Println("  CLEAN: no skew detected")
	} else {
		fmt.Println("  SKEW DETECTED: the watchdog will reap the listed executions")
	}
}

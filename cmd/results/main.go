// results prints a strategy run's mined configurations as a table, best
// first. Without -run it lists the runs in the store instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/timegrid-trading/timegrid/internal/config"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

func main() {
	var (
		configPath string
		runID      int64
		limit      int
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Int64Var(&runID, "run", 0, "Strategy run ID (0 lists runs)")
	flag.IntVar(&limit, "limit", 50, "Maximum rows to print")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if runID == 0 {
		if err := listRuns(ctx, store, limit); err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		return
	}
	if err := printResults(ctx, store, runID, limit); err != nil {
		log.Fatalf("Failed to print results: %v", err)
	}
}

func listRuns(ctx context.Context, store storage.Interface, limit int) error {
	runs, total, err := store.ListRuns(ctx, "", limit, 0)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Status", "Results", "Granularity", "From", "To", "Created")
	for _, run := range runs {
		table.Append(
			fmt.Sprintf("%d", run.ID),
			string(run.Status),
			fmt.Sprintf("%d", run.ResultCount),
			run.Config.Granularity,
			run.Config.StartDate,
			run.Config.EndDate,
			run.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	fmt.Printf("%d of %d runs\n", len(runs), total)
	return nil
}

func printResults(ctx context.Context, store storage.Interface, runID int64, limit int) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	results, total, err := store.ListResults(ctx, run.ID, limit, 0)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Stock", "Exch", "Buy", "Sell", "VGap%", "HGap", "Days",
		"Exceed%", "Profit", "Avg%", "High%", "Low%")
	for _, res := range results {
		table.Append(
			fmt.Sprintf("%d", res.ID),
			res.Stock,
			res.Exchange,
			res.X,
			res.Y,
			fmt.Sprintf("%.2f", res.VerticalGap),
			fmt.Sprintf("%d", res.HorizontalGap),
			fmt.Sprintf("%d", res.ContinuousDays),
			fmt.Sprintf("%.1f", res.ExceedProb*100),
			fmt.Sprintf("%d/%d", res.ProfitDays, res.TotalCount),
			fmt.Sprintf("%.3f", res.Average),
			fmt.Sprintf("%.3f", res.Highest),
			fmt.Sprintf("%.3f", res.Lowest),
		)
	}
	table.Render()
	fmt.Printf("Run %d (%s): %d of %d results\n", run.ID, run.Status, len(results), total)
	return nil
}

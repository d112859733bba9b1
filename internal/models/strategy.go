package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Exchanges the pipeline knows how to trade on.
const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
)

// RunConfig is the immutable configuration blob of a StrategyRun. It is
// stored as JSON in the run row and never mutated after creation.
type RunConfig struct {
	HorizontalGaps []int  `json:"horizontal_gaps"`
	ContinuousDays []int  `json:"continuous_days"`
	Granularity    string `json:"granularity"`
	StartDate      string `json:"start_date,omitempty"` // YYYY-MM-DD, defaults to trailing 90 days
	EndDate        string `json:"end_date,omitempty"`
	NSEStocks      []string `json:"nse_stocks,omitempty"`
	BSEStocks      []string `json:"bse_stocks,omitempty"`
	IncludeAllNSE  bool     `json:"include_all_nse,omitempty"`
	IncludeAllBSE  bool     `json:"include_all_bse,omitempty"`
}

// ApplyDefaults fills unset fields with the defaults the scheduler assumes.
func (c *RunConfig) ApplyDefaults(now time.Time) {
	if len(c.HorizontalGaps) == 0 {
		c.HorizontalGaps = []int{2}
	}
	if len(c.ContinuousDays) == 0 {
		c.ContinuousDays = []int{3, 5, 7, 10}
	}
	if c.Granularity == "" {
		c.Granularity = Granularity3Minute
	}
	if c.StartDate == "" || c.EndDate == "" {
		c.StartDate = now.AddDate(0, 0, -90).Format("2006-01-02")
		c.EndDate = now.Format("2006-01-02")
	}
}

// Validate checks the config before a run is accepted.
func (c *RunConfig) Validate() error {
	if !ValidGranularity(c.Granularity) {
		return fmt.Errorf("unknown granularity %q", c.Granularity)
	}
	for _, h := range c.HorizontalGaps {
		if h < 1 {
			return fmt.Errorf("horizontal gap must be >= 1, got %d", h)
		}
	}
	for _, k := range c.ContinuousDays {
		if k < 1 {
			return fmt.Errorf("continuous days must be >= 1, got %d", k)
		}
	}
	if len(c.NSEStocks) == 0 && len(c.BSEStocks) == 0 && !c.IncludeAllNSE && !c.IncludeAllBSE {
		return fmt.Errorf("no symbols selected: provide stock lists or an include_all flag")
	}
	return nil
}

// DateRange parses the configured date span. The end is pushed to the last
// second of its day so intraday bars on the final day stay in range.
func (c *RunConfig) DateRange() (time.Time, time.Time, error) {
	from, err := time.Parse(DateLayout, c.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start date %q: %w", c.StartDate, err)
	}
	to, err := time.Parse(DateLayout, c.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end date %q: %w", c.EndDate, err)
	}
	to = to.Add(24*time.Hour - time.Second)
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s before start date %s", c.EndDate, c.StartDate)
	}
	return from, to, nil
}

// StrategyRun is one pattern-mining job. Created queued by the API façade and
// advanced only by the run worker.
type StrategyRun struct {
	ID        int64
	Config    RunConfig
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarshalConfig serialises the config blob for storage.
func (r *StrategyRun) MarshalConfig() (string, error) {
	b, err := json.Marshal(r.Config)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	return string(b), nil
}

// UnmarshalConfig parses a stored config blob.
func UnmarshalConfig(blob string) (RunConfig, error) {
	var c RunConfig
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return RunConfig{}, fmt.Errorf("parse run config: %w", err)
	}
	return c, nil
}

// StrategyResult is one mined candidate: the best (x, y) time-of-day pair for
// a (symbol, exchange, vertical gap, horizontal gap, continuous days) tuple.
// Rows are appended while the parent run is running and never mutated.
type StrategyResult struct {
	ID         int64
	RunID      int64
	Stock      string
	Exchange   string
	X          string // time of day "HH:MM:SS", intended buy time
	Y          string // time of day "HH:MM:SS", intended sell time
	ExceedProb float64
	ProfitDays int
	Average    float64
	TotalCount int
	Highest    float64
	Lowest     float64
	P5         float64
	P10        float64
	P20        float64
	P40        float64
	P50        float64
	VerticalGap    float64
	HorizontalGap  int
	ContinuousDays int
}

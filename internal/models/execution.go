package models

import "time"

// DateLayout is the wire and storage format for execution days.
const DateLayout = "2006-01-02"

// OrderType is the side of a task's order.
type OrderType string

const (
	// OrderBuy converts money into shares at the x time of day.
	OrderBuy OrderType = "buy"
	// OrderSell converts shares back into money at the y time of day.
	OrderSell OrderType = "sell"
)

// RootTaskID marks a task with no predecessor: the first buy of a chain.
const RootTaskID int64 = -1

// StrategyExecution is one "deploy these patterns" job submitted by a user.
// TotalMoney may be zero in simulate mode.
type StrategyExecution struct {
	ID          int64
	RunID       int64
	Simulate    bool
	TotalMoney  float64
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// StrategyExecutionDetail ties one execution to one chosen StrategyResult
// with a capital weight. Weights across one execution's details sum to 100.
type StrategyExecutionDetail struct {
	ID            int64
	ExecutionID   int64
	ResultID      int64
	WeightPercent float64
	Status        Status
}

// DetailWithResult is a detail joined with the strategy result it references,
// as the orchestrator consumes it when materialising root tasks.
type DetailWithResult struct {
	StrategyExecutionDetail
	Stock          string
	Exchange       string
	X              string
	Y              string
	ContinuousDays int
	ExceedProb     float64
	Average        float64
}

// StrategyExecutionTask is the unit of work that actually hits the broker.
// Tasks form a linear chain through PreviousTaskID; the chain roots at a buy
// task with PreviousTaskID == RootTaskID and alternates buy/sell with
// DaysRemaining decreasing by one across each sell→buy step.
type StrategyExecutionTask struct {
	ID              int64
	ExecutionDetailID int64
	PreviousTaskID  int64
	OrderType       OrderType
	DayOfExecution  time.Time // calendar date, exchange-local
	TimestampOfExecution int  // seconds since midnight, exchange-local
	CurrentMoney    float64
	CurrentShares   int64
	DaysRemaining   int
	X               string
	Y               string
	Stock           string
	Exchange        string
	Simulate        bool
	Status          Status
	PriceDuringOrder float64 // set on completion
	ErrorMessage    string
	CreatedAt       time.Time
	ExecutedAt      time.Time
}

// ScheduledAt returns the task's absolute scheduled execution time.
func (t *StrategyExecutionTask) ScheduledAt() time.Time {
	return t.DayOfExecution.Add(time.Duration(t.TimestampOfExecution) * time.Second)
}

// StrategyExecutionTaskOutput records the broker response for a completed
// task, 1:1 with the task row.
type StrategyExecutionTaskOutput struct {
	ID                int64
	TaskID            int64
	OrderID           string
	SharesBought      int64 // shares sold for sell tasks
	PricePerShare     float64
	TotalAmount       float64
	MoneyProvided     float64
	MoneyRemaining    float64
	OrderTimestamp    string
	ExchangeTimestamp string
}

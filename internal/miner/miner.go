// Package miner scores intraday (x, y) time-point pairs for a symbol and
// binary-searches the largest vertical-gap threshold still exceeded with the
// required probability.
package miner

import (
	"log"
	"math"
	"sort"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// SampleFunc extracts the price used for the x/y ratio from one candle.
type SampleFunc func(o models.OHLC) float64

// SampleOpen samples the candle open. This is the default.
func SampleOpen(o models.OHLC) float64 { return o.Open }

// SampleMeanOHC samples mean(open, high, close); pairs with SampleMeanOLC for
// deployments wanting a smoothed entry price.
func SampleMeanOHC(o models.OHLC) float64 { return (o.Open + o.High + o.Close) / 3 }

// SampleMeanOLC samples mean(open, low, close).
func SampleMeanOLC(o models.OHLC) float64 { return (o.Open + o.Low + o.Close) / 3 }

// DaySeries is a symbol's bars regrouped as day → time-of-day → OHLC, with
// days held in chronological order.
type DaySeries struct {
	days   []string                         // "2006-01-02", ascending
	byDay  map[string]map[string]models.OHLC // day → "15:04:05" → candle
}

// GroupByDay builds a DaySeries from bars sorted ascending by record time.
func GroupByDay(bars []models.Bar) *DaySeries {
	s := &DaySeries{byDay: make(map[string]map[string]models.OHLC)}
	for _, b := range bars {
		day := b.RecordTime.Format(models.DateLayout)
		tod := b.RecordTime.Format("15:04:05")
		if _, ok := s.byDay[day]; !ok {
			s.byDay[day] = make(map[string]models.OHLC)
			s.days = append(s.days, day)
		}
		s.byDay[day][tod] = b.Prices()
	}
	sort.Strings(s.days)
	return s
}

// Days returns the number of days in the series.
func (s *DaySeries) Days() int { return len(s.days) }

// Score is the outcome for one ordered (x, y) time-point pair.
type Score struct {
	X          string
	Y          string
	Exceeded   int
	ProfitDays int
	TotalCount int
	ExceedProb float64
	ProfitProb float64
	Average    float64
	Highest    float64
	Lowest     float64
	P5         float64
	P10        float64
	P20        float64
	P40        float64
	P50        float64
}

// Params configures one scoring pass.
type Params struct {
	VerticalGap    float64 // percent threshold v
	HorizontalGap  int     // minimum index distance between x and y
	ContinuousDays int     // rolling window length k
}

// Miner runs the scoring passes for one deployment's sample-price choice.
type Miner struct {
	logger  *log.Logger
	sampleX SampleFunc
	sampleY SampleFunc
}

// New creates a Miner sampling candle opens on both legs.
func New(logger *log.Logger) *Miner {
	return NewWithSamples(logger, SampleOpen, SampleOpen)
}

// NewWithSamples creates a Miner with explicit per-leg sample functions.
func NewWithSamples(logger *log.Logger, sampleX, sampleY SampleFunc) *Miner {
	return &Miner{logger: logger, sampleX: sampleX, sampleY: sampleY}
}

// FindBestPoints scores every ordered (x, y) pair with y − x ≥ h over a
// k-day rolling window and returns the scores sorted descending by
// (exceeded, average). Days whose time-point set differs from the first
// day's are dropped, not fatal. An empty or too-short series yields nil.
func (m *Miner) FindBestPoints(series *DaySeries, p Params) []Score {
	if series == nil || len(series.days) == 0 {
		return nil
	}

	timePoints := make([]string, 0, len(series.byDay[series.days[0]]))
	for tod := range series.byDay[series.days[0]] {
		timePoints = append(timePoints, tod)
	}
	sort.Strings(timePoints)

	accepted := make([]string, 0, len(series.days))
	for _, day := range series.days {
		if sameTimePoints(series.byDay[day], timePoints) {
			accepted = append(accepted, day)
		} else {
			m.logger.Printf("Dropping day %s: inconsistent time points", day)
		}
	}
	if len(accepted) < p.ContinuousDays {
		return nil
	}

	// Per-day percent moves, indexed [day][timePoint], computed once so the
	// pair loop stays O(1) per day.
	samples := make([][2][]float64, len(accepted))
	for d, day := range accepted {
		xs := make([]float64, len(timePoints))
		ys := make([]float64, len(timePoints))
		for i, tod := range timePoints {
			candle := series.byDay[day][tod]
			xs[i] = m.sampleX(candle)
			ys[i] = m.sampleY(candle)
		}
		samples[d] = [2][]float64{xs, ys}
	}

	var scores []Score
	for x := 0; x < len(timePoints); x++ {
		for y := 0; y < len(timePoints); y++ {
			if y-x < p.HorizontalGap {
				continue
			}
			if s, ok := m.scorePair(samples, timePoints, x, y, p); ok {
				scores = append(scores, s)
			}
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Exceeded != scores[j].Exceeded {
			return scores[i].Exceeded > scores[j].Exceeded
		}
		return scores[i].Average > scores[j].Average
	})
	return scores
}

// scorePair slides the k-day window across the series for one (x, y) pair.
func (m *Miner) scorePair(samples [][2][]float64, timePoints []string, x, y int, p Params) (Score, bool) {
	k := p.ContinuousDays
	window := make([]float64, 0, k)
	windowSum := 0.0

	var (
		exceeded, profitDays, totalCount int
		sum                              float64
		highest                          = math.Inf(-1)
		lowest                           = math.Inf(1)
		record                           []float64
	)

	for d := range samples {
		move := (samples[d][1][y]/samples[d][0][x] - 1.0) * 100.0
		window = append(window, move)
		windowSum += move
		if len(window) == k {
			if windowSum > p.VerticalGap {
				exceeded++
			}
			if windowSum > 0 {
				profitDays++
			}
			record = append(record, windowSum)
			totalCount++
			sum += windowSum
			highest = math.Max(highest, windowSum)
			lowest = math.Min(lowest, windowSum)
			windowSum -= window[0]
			window = window[1:]
		}
	}
	if totalCount == 0 {
		return Score{}, false
	}

	sort.Float64s(record)
	return Score{
		X:          timePoints[x],
		Y:          timePoints[y],
		Exceeded:   exceeded,
		ProfitDays: profitDays,
		TotalCount: totalCount,
		ExceedProb: float64(exceeded) / float64(totalCount),
		ProfitProb: float64(profitDays) / float64(totalCount),
		Average:    sum / float64(totalCount),
		Highest:    highest,
		Lowest:     lowest,
		P5:         record[int(0.05*float64(len(record)))],
		P10:        record[int(0.10*float64(len(record)))],
		P20:        record[int(0.20*float64(len(record)))],
		P40:        record[int(0.40*float64(len(record)))],
		P50:        record[int(0.50*float64(len(record)))],
	}, true
}

func sameTimePoints(day map[string]models.OHLC, canonical []string) bool {
	if len(day) != len(canonical) {
		return false
	}
	for _, tod := range canonical {
		if _, ok := day[tod]; !ok {
			return false
		}
	}
	return true
}

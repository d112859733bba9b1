package miner

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timegrid-trading/timegrid/internal/models"
)

func testMiner() *Miner {
	return New(log.New(io.Discard, "", 0))
}

// seriesFromMoves builds a day series with three time points per day where
// the 09:30 price is pinned at 100 and the 14:30 price realises the given
// percent move for that day. The 12:00 point is flat.
func seriesFromMoves(t *testing.T, moves []float64) *DaySeries {
	t.Helper()
	var bars []models.Bar
	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for _, move := range moves {
		for tod, price := range map[string]float64{
			"09:30:00": 100,
			"12:00:00": 100,
			"14:30:00": 100 * (1 + move/100),
		} {
			clock, err := time.Parse("15:04:05", tod)
			require.NoError(t, err)
			bars = append(bars, models.Bar{
				Symbol:      "TEST",
				Exchange:    models.ExchangeNSE,
				Granularity: models.Granularity3Minute,
				RecordTime: day.Add(time.Duration(clock.Hour())*time.Hour +
					time.Duration(clock.Minute())*time.Minute),
				Open: price, High: price, Low: price, Close: price,
			})
		}
		day = day.AddDate(0, 0, 1)
	}
	return GroupByDay(bars)
}

func TestGroupByDay(t *testing.T) {
	series := seriesFromMoves(t, []float64{1, 2, 3})
	assert.Equal(t, 3, series.Days())
}

func TestFindBestPointsRollingWindow(t *testing.T) {
	// Window sums for k=3 over moves 1..5 are 6, 9, 12.
	series := seriesFromMoves(t, []float64{1, 2, 3, 4, 5})

	scores := testMiner().FindBestPoints(series, Params{
		VerticalGap:    8,
		HorizontalGap:  2,
		ContinuousDays: 3,
	})
	// Only (09:30, 14:30) satisfies y − x ≥ 2 with three time points.
	require.Len(t, scores, 1)
	s := scores[0]
	assert.Equal(t, "09:30:00", s.X)
	assert.Equal(t, "14:30:00", s.Y)
	assert.Equal(t, 3, s.TotalCount)
	assert.Equal(t, 2, s.Exceeded, "sums 9 and 12 exceed 8, sum 6 does not")
	assert.Equal(t, 3, s.ProfitDays)
	assert.InDelta(t, 9.0, s.Average, 1e-6)
	assert.InDelta(t, 12.0, s.Highest, 1e-6)
	assert.InDelta(t, 6.0, s.Lowest, 1e-6)
	assert.InDelta(t, 9.0, s.P50, 1e-6, "median of sorted sums 6, 9, 12")
	assert.InDelta(t, 6.0, s.P5, 1e-6)
}

func TestFindBestPointsSmallerGapYieldsMorePairs(t *testing.T) {
	series := seriesFromMoves(t, []float64{1, 2, 3, 4, 5})
	scores := testMiner().FindBestPoints(series, Params{
		VerticalGap:    0,
		HorizontalGap:  1,
		ContinuousDays: 3,
	})
	// (0,1), (0,2) and (1,2) with three time points.
	assert.Len(t, scores, 3)
	// Best first: only the pairs ending at 14:30 ever move.
	assert.Equal(t, "14:30:00", scores[0].Y)
}

func TestFindBestPointsDropsInconsistentDays(t *testing.T) {
	series := seriesFromMoves(t, []float64{1, 2, 3, 4})
	// Extra bar gives one day a fourth time point.
	extra := models.Bar{
		Symbol: "TEST", Exchange: models.ExchangeNSE, Granularity: models.Granularity3Minute,
		RecordTime: time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC),
		Open:       100, High: 100, Low: 100, Close: 100,
	}
	series.byDay["2026-01-06"][extra.RecordTime.Format("15:04:05")] = extra.Prices()

	scores := testMiner().FindBestPoints(series, Params{HorizontalGap: 2, ContinuousDays: 3})
	require.Len(t, scores, 1)
	// Three accepted days leave exactly one full window.
	assert.Equal(t, 1, scores[0].TotalCount)
}

func TestFindBestPointsTooFewDays(t *testing.T) {
	series := seriesFromMoves(t, []float64{1, 2})
	assert.Nil(t, testMiner().FindBestPoints(series, Params{HorizontalGap: 2, ContinuousDays: 3}))
	assert.Nil(t, testMiner().FindBestPoints(nil, Params{ContinuousDays: 3}))
}

func TestSearchConvergesOnLargestGap(t *testing.T) {
	// Constant 4% daily move: every 3-day window sums to 12, so any gap below
	// 12 is exceeded with probability 1 and any gap above it never is.
	moves := make([]float64, 10)
	for i := range moves {
		moves[i] = 4
	}
	series := seriesFromMoves(t, moves)

	cand, found := testMiner().Search(series, DefaultSearchParams(2, 3))
	require.True(t, found)
	assert.Less(t, cand.VerticalGap, 12.0)
	assert.InDelta(t, 12.0, cand.VerticalGap, 0.11, "bisection must stop within epsilon of the edge")
	assert.Equal(t, 1.0, cand.ExceedProb)
	assert.Equal(t, 2, cand.HorizontalGap)
	assert.Equal(t, 3, cand.ContinuousDays)
}

func TestSearchNoValidThreshold(t *testing.T) {
	// Strictly losing series: no gap in [0, 200] is ever exceeded.
	moves := make([]float64, 10)
	for i := range moves {
		moves[i] = -1
	}
	series := seriesFromMoves(t, moves)

	_, found := testMiner().Search(series, DefaultSearchParams(2, 3))
	assert.False(t, found)
}

func TestSearchEmptySeries(t *testing.T) {
	series := seriesFromMoves(t, []float64{1})
	_, found := testMiner().Search(series, DefaultSearchParams(2, 3))
	assert.False(t, found)
}

func TestSampleFuncs(t *testing.T) {
	o := models.OHLC{Open: 10, High: 14, Low: 6, Close: 12}
	assert.Equal(t, 10.0, SampleOpen(o))
	assert.Equal(t, 12.0, SampleMeanOHC(o))
	assert.InDelta(t, 28.0/3, SampleMeanOLC(o), 1e-9)
}

func TestMeanSamplersChangeTheRatio(t *testing.T) {
	series := seriesFromMoves(t, []float64{2, 2, 2, 2})
	m := NewWithSamples(log.New(io.Discard, "", 0), SampleMeanOHC, SampleMeanOLC)
	scores := m.FindBestPoints(series, Params{HorizontalGap: 2, ContinuousDays: 3})
	require.NotEmpty(t, scores)
	// Flat candles make all three samplers agree; this guards the wiring, not
	// the arithmetic.
	assert.InDelta(t, 6.0, scores[0].Average, 1e-6)
}

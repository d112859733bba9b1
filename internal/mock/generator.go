// Package mock provides synthetic market data for local development and the
// end-to-end harness: a random-walk bar generator, an in-process stand-in for
// the candle ingester, and a broker middleware that fills everything.
package mock

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/timegrid-trading/timegrid/internal/marketcal"
	"github.com/timegrid-trading/timegrid/internal/models"
)

// Generated sessions run 09:15 to 15:30 exchange-local.
const (
	sessionOpenHour    = 9
	sessionOpenMinute  = 15
	sessionCloseHour   = 15
	sessionCloseMinute = 30
)

// secureFloat64 returns a uniform float in [0, 1) from crypto/rand. Synthetic
// data does not need cryptographic randomness, but crypto/rand saves us a
// seeded source and keeps the linter quiet.
func secureFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// BarGenerator random-walks intraday candles. Noise and Drift are per-bar
// moves as fractions of price; a positive Drift produces the rising
// time-grids the miner hunts for, which is what the harness wants.
type BarGenerator struct {
	Noise float64
	Drift float64
}

// NewBarGenerator returns a generator with mild noise and near-zero drift.
func NewBarGenerator() *BarGenerator {
	return &BarGenerator{Noise: 0.004, Drift: 0.0005}
}

// BasePrice derives a stable per-symbol starting price so repeated
// generations of the same symbol stay comparable.
func (g *BarGenerator) BasePrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return 100 + float64(h.Sum32()%1900)
}

func granularityStep(granularity string) (time.Duration, error) {
	switch granularity {
	case models.GranularityMinute:
		return time.Minute, nil
	case models.Granularity3Minute:
		return 3 * time.Minute, nil
	case models.Granularity5Minute:
		return 5 * time.Minute, nil
	case models.Granularity10Minute:
		return 10 * time.Minute, nil
	case models.Granularity15Minute:
		return 15 * time.Minute, nil
	case models.Granularity30Minute:
		return 30 * time.Minute, nil
	case models.Granularity60Minute:
		return 60 * time.Minute, nil
	default:
		return 0, fmt.Errorf("no synthetic bars for granularity %q", granularity)
	}
}

// Bars walks one symbol across every trading day in [from, to], one session
// of candles per day at the given intraday granularity.
func (g *BarGenerator) Bars(symbol, exchange, granularity string, from, to time.Time) ([]models.Bar, error) {
	step, err := granularityStep(granularity)
	if err != nil {
		return nil, err
	}

	price := g.BasePrice(symbol)
	var bars []models.Bar
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if !marketcal.IsTradingDay(day, exchange) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(),
			sessionOpenHour, sessionOpenMinute, 0, 0, day.Location())
		sessionEnd := time.Date(day.Year(), day.Month(), day.Day(),
			sessionCloseHour, sessionCloseMinute, 0, 0, day.Location())
		for ts := open; ts.Before(sessionEnd); ts = ts.Add(step) {
			o := price
			c := o * (1 + g.Drift + g.Noise*(secureFloat64()*2-1))
			hi := math.Max(o, c) * (1 + g.Noise*secureFloat64()/2)
			lo := math.Min(o, c) * (1 - g.Noise*secureFloat64()/2)
			bars = append(bars, models.Bar{
				Symbol:      symbol,
				Exchange:    exchange,
				Granularity: granularity,
				RecordTime:  ts,
				Open:        o,
				High:        hi,
				Low:         lo,
				Close:       c,
				Volume:      1000 + int64(secureFloat64()*9000),
			})
			price = c
		}
	}
	return bars, nil
}

package models

import "time"

// Granularities the ingester can produce. The miner typically works on the
// intraday ones; "day" and "week" exist for charting surfaces.
const (
	GranularityMinute   = "minute"
	Granularity3Minute  = "3minute"
	Granularity5Minute  = "5minute"
	Granularity10Minute = "10minute"
	Granularity15Minute = "15minute"
	Granularity30Minute = "30minute"
	Granularity60Minute = "60minute"
	GranularityDay      = "day"
	GranularityWeek     = "week"
)

// ValidGranularity reports whether g is one of the supported bar granularities.
func ValidGranularity(g string) bool {
	switch g {
	case GranularityMinute, Granularity3Minute, Granularity5Minute,
		Granularity10Minute, Granularity15Minute, Granularity30Minute,
		Granularity60Minute, GranularityDay, GranularityWeek:
		return true
	default:
		return false
	}
}

// OHLC holds the four price points of a bar.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Bar is one OHLCV candle. Bars are produced by the ingester and are
// read-only to this service; uniqueness is by
// (symbol, exchange, granularity, record time) with record times already
// normalised to exchange-local time.
type Bar struct {
	Symbol      string
	Exchange    string
	Granularity string
	RecordTime  time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      int64
}

// Prices returns the bar's OHLC block.
func (b Bar) Prices() OHLC {
	return OHLC{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/timegrid-trading/timegrid/internal/models"
)

// GetBars returns bars for the symbol within [from, to], sorted ascending by
// record time. An empty result is not an error: bar absence is a legitimate
// outcome that the miner treats as "no signal".
func (s *SQLiteStorage) GetBars(ctx context.Context, symbol, exchange, granularity string, from, to time.Time, limit int) ([]models.Bar, error) {
	q := `
		SELECT symbol, exchange, granularity, record_time, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND exchange = ? AND granularity = ?
		  AND record_time >= ? AND record_time <= ?
		ORDER BY record_time ASC`
	args := []any{symbol, exchange, granularity, fmtTime(from), fmtTime(to)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars for %s:%s: %w", exchange, symbol, err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		var rt string
		if err := rows.Scan(&b.Symbol, &b.Exchange, &b.Granularity, &rt,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.RecordTime = parseTime(rt)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// UpsertBars inserts bars, replacing on the (symbol, exchange, granularity,
// record_time) key. Used by the ingester side and by tests; the core never
// writes bars.
func (s *SQLiteStorage) UpsertBars(ctx context.Context, bars []models.Bar) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bars (symbol, exchange, granularity, record_time, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare bar insert: %w", err)
		}
		defer stmt.Close()
		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, b.Symbol, b.Exchange, b.Granularity,
				fmtTime(b.RecordTime), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("insert bar %s %s: %w", b.Symbol, b.RecordTime, err)
			}
		}
		return nil
	})
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"prediction-systemv1/internal/model"
)

const (
	defaultRangeLimit = 500
	maxRangeLimit     = 5000
)

// CandleStore persists the ordered candle sequence per (symbol, timeframe).
type CandleStore struct {
	db  *sql.DB
	now func() time.Time // test seam for the closed-period rule
}

// NewCandleStore wraps the shared store.
func NewCandleStore(s *Store) *CandleStore {
	return &CandleStore{db: s.db, now: time.Now}
}

// UpsertBatch inserts candles in one transaction. Rows whose identity
// already exists are replaced only while their grid period is still open
// (the live-candle-rewrite case); once the period has closed the stored
// row wins and the incoming one is a no-op.
func (c *CandleStore) UpsertBatch(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candles begin tx: %w", err)
	}

	replace, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, timeframe, start_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, start_ts) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			volume = excluded.volume
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candles prepare: %w", err)
	}
	defer replace.Close()

	keep, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles (symbol, timeframe, start_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candles prepare: %w", err)
	}
	defer keep.Close()

	now := c.now()
	for i := range candles {
		cd := &candles[i]
		stmt := replace
		if !now.Before(cd.StartTS.Add(cd.Timeframe.Step())) {
			// Period closed: the candle is immutable once stored.
			stmt = keep
		}
		_, err := stmt.ExecContext(ctx,
			cd.Symbol, string(cd.Timeframe), cd.StartTS.Unix(),
			cd.Open, cd.High, cd.Low, cd.Close, cd.Volume)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("candles upsert %s: %w", cd.Identity(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("candles commit: %w", err)
	}
	return nil
}

// Range returns candles in ascending start_ts. Zero from/to are open
// bounds; with to unset the most recent limit entries are returned.
// limit 0 takes the default (500); limits are capped at 5000.
func (c *CandleStore) Range(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = defaultRangeLimit
	}
	if limit > maxRangeLimit {
		limit = maxRangeLimit
	}

	query := `SELECT symbol, timeframe, start_ts, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ?`
	args := []any{symbol, string(tf)}
	if !from.IsZero() {
		query += ` AND start_ts >= ?`
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		query += ` AND start_ts <= ?`
		args = append(args, to.Unix())
	}

	// With an open upper bound the newest rows win, so select descending
	// and reverse; otherwise ascending directly.
	descend := to.IsZero()
	if descend {
		query += ` ORDER BY start_ts DESC LIMIT ?`
	} else {
		query += ` ORDER BY start_ts ASC LIMIT ?`
	}
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("candles range %s:%s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		cd, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candles range scan: %w", err)
	}

	if descend {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Latest returns the most recent candle, or nil when none exists.
func (c *CandleStore) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, start_ts, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ?
		ORDER BY start_ts DESC LIMIT 1`,
		symbol, string(tf))

	cd, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("candles latest %s:%s: %w", symbol, tf, err)
	}
	return &cd, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(r rowScanner) (model.Candle, error) {
	var cd model.Candle
	var tf string
	var ts int64
	if err := r.Scan(&cd.Symbol, &tf, &ts, &cd.Open, &cd.High, &cd.Low, &cd.Close, &cd.Volume); err != nil {
		return cd, err
	}
	cd.Timeframe = model.Timeframe(tf)
	cd.StartTS = time.Unix(ts, 0).In(model.IST)
	return cd, nil
}

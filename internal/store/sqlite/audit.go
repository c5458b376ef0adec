package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"prediction-systemv1/internal/model"
)

const defaultListLimit = 50

// AuditStore is the append-only merged-prediction record. Every merge is
// captured in full: raw per-bot outputs, validation flags, and the
// feature snapshot are stored as opaque JSON blobs so rejected bots stay
// inspectable after the fact.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore wraps the shared store.
func NewAuditStore(s *Store) *AuditStore {
	return &AuditStore{db: s.db}
}

// Save persists the prediction and returns its monotonic id. The passed
// prediction's ID field is set on success.
func (a *AuditStore) Save(ctx context.Context, p *model.MergedPrediction) (int64, error) {
	series, err := json.Marshal(p.Series)
	if err != nil {
		return 0, fmt.Errorf("audit marshal series: %w", err)
	}
	contribs, err := json.Marshal(p.Contributions)
	if err != nil {
		return 0, fmt.Errorf("audit marshal contributions: %w", err)
	}
	raw, err := json.Marshal(p.RawOutputs)
	if err != nil {
		return 0, fmt.Errorf("audit marshal raw outputs: %w", err)
	}
	flags, err := json.Marshal(p.ValidationFlags)
	if err != nil {
		return 0, fmt.Errorf("audit marshal flags: %w", err)
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return 0, fmt.Errorf("audit marshal features: %w", err)
	}
	sanitization, err := json.Marshal(p.Sanitization)
	if err != nil {
		return 0, fmt.Errorf("audit marshal sanitization: %w", err)
	}

	res, err := a.db.ExecContext(ctx, `
		INSERT INTO predictions (symbol, timeframe, created_at, horizon_minutes,
			series, overall_confidence, contributions, raw_outputs,
			validation_flags, feature_snapshot, sanitization)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, string(p.Timeframe), p.CreatedAt.Unix(), p.HorizonMinutes,
		string(series), p.OverallConfidence, string(contribs), string(raw),
		string(flags), string(features), string(sanitization))
	if err != nil {
		return 0, fmt.Errorf("audit save %s: %w", p.Key(), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit save id: %w", err)
	}
	p.ID = id
	return id, nil
}

// Fetch returns the prediction by id, or nil when absent.
func (a *AuditStore) Fetch(ctx context.Context, id int64) (*model.MergedPrediction, error) {
	row := a.db.QueryRowContext(ctx, predictionSelect+` WHERE id = ?`, id)
	return scanPrediction(row)
}

// LatestPrediction returns the most recent prediction for the subject, or
// nil when none exists.
func (a *AuditStore) LatestPrediction(ctx context.Context, symbol string, tf model.Timeframe) (*model.MergedPrediction, error) {
	row := a.db.QueryRowContext(ctx,
		predictionSelect+` WHERE symbol = ? AND timeframe = ? ORDER BY id DESC LIMIT 1`,
		symbol, string(tf))
	return scanPrediction(row)
}

// List returns predictions in descending id order. Empty symbol/timeframe
// and zero since are open filters.
func (a *AuditStore) List(ctx context.Context, symbol string, tf model.Timeframe, since time.Time, limit int) ([]model.MergedPrediction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := predictionSelect + ` WHERE 1=1`
	var args []any
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if tf != "" {
		query += ` AND timeframe = ?`
		args = append(args, string(tf))
	}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.Unix())
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []model.MergedPrediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit list scan: %w", err)
	}
	return out, nil
}

const predictionSelect = `
	SELECT id, symbol, timeframe, created_at, horizon_minutes, series,
		overall_confidence, contributions, raw_outputs, validation_flags,
		feature_snapshot, sanitization
	FROM predictions`

func scanPrediction(r rowScanner) (*model.MergedPrediction, error) {
	var p model.MergedPrediction
	var tf string
	var createdAt int64
	var series, contribs, raw, flags, features, sanitization string

	err := r.Scan(&p.ID, &p.Symbol, &tf, &createdAt, &p.HorizonMinutes, &series,
		&p.OverallConfidence, &contribs, &raw, &flags, &features, &sanitization)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit scan: %w", err)
	}

	p.Timeframe = model.Timeframe(tf)
	p.CreatedAt = time.Unix(createdAt, 0).In(model.IST)

	for _, f := range []struct {
		src string
		dst any
	}{
		{series, &p.Series},
		{contribs, &p.Contributions},
		{raw, &p.RawOutputs},
		{flags, &p.ValidationFlags},
		{features, &p.Features},
		{sanitization, &p.Sanitization},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("audit unmarshal: %w", err)
		}
	}
	return &p, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"prediction-systemv1/internal/model"
)

// EvaluationStore persists prediction accuracy scores.
type EvaluationStore struct {
	db *sql.DB
}

// NewEvaluationStore wraps the shared store.
func NewEvaluationStore(s *Store) *EvaluationStore {
	return &EvaluationStore{db: s.db}
}

// SaveEvaluation inserts the score. A prediction is evaluated at most
// once; a second save for the same prediction id is rejected by the
// unique constraint.
func (e *EvaluationStore) SaveEvaluation(ctx context.Context, ev *model.Evaluation) (int64, error) {
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO evaluations (prediction_id, symbol, timeframe,
			evaluated_at, points, mae, mape, hit_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.PredictionID, ev.Symbol, string(ev.Timeframe),
		ev.EvaluatedAt.Unix(), ev.Points, ev.MAE, ev.MAPE, ev.HitRate)
	if err != nil {
		return 0, fmt.Errorf("evaluation save for prediction %d: %w", ev.PredictionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("evaluation save id: %w", err)
	}
	ev.ID = id
	return id, nil
}

// Unevaluated returns predictions created before the cutoff that have no
// evaluation yet, oldest first. The cutoff is typically now minus the
// horizon so only elapsed predictions are scored.
func (e *EvaluationStore) Unevaluated(ctx context.Context, before time.Time, limit int) ([]model.MergedPrediction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := e.db.QueryContext(ctx, predictionSelect+`
		WHERE created_at + horizon_minutes * 60 <= ?
			AND id NOT IN (SELECT prediction_id FROM evaluations)
		ORDER BY id ASC LIMIT ?`,
		before.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("evaluations unevaluated: %w", err)
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
		return nil, fmt.Errorf("evaluations scan: %w", err)
	}
	return out, nil
}

// ForPrediction returns the evaluation for a prediction id, or nil.
func (e *EvaluationStore) ForPrediction(ctx context.Context, predictionID int64) (*model.Evaluation, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, prediction_id, symbol, timeframe, evaluated_at, points, mae, mape, hit_rate
		FROM evaluations WHERE prediction_id = ?`, predictionID)

	var ev model.Evaluation
	var tf string
	var at int64
	err := row.Scan(&ev.ID, &ev.PredictionID, &ev.Symbol, &tf, &at, &ev.Points, &ev.MAE, &ev.MAPE, &ev.HitRate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluation fetch %d: %w", predictionID, err)
	}
	ev.Timeframe = model.Timeframe(tf)
	ev.EvaluatedAt = time.Unix(at, 0).In(model.IST)
	return &ev, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"prediction-systemv1/internal/model"
)

// TrainingStore persists training records. The single-active-per-triple
// invariant is enforced by a partial unique index, so racing enqueuers
// cannot both insert.
type TrainingStore struct {
	db *sql.DB
}

// NewTrainingStore wraps the shared store.
func NewTrainingStore(s *Store) *TrainingStore {
	return &TrainingStore{db: s.db}
}

// Insert creates a new record. Returns model.ErrDuplicateTraining when a
// non-terminal record for the same triple exists.
func (t *TrainingStore) Insert(ctx context.Context, rec *model.TrainingRecord) (int64, error) {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return 0, fmt.Errorf("training marshal metrics: %w", err)
	}
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return 0, fmt.Errorf("training marshal config: %w", err)
	}

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO training_records (job_id, symbol, timeframe, bot_name,
			status, started_at, ended_at, data_points, metrics, config, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Symbol, string(rec.Timeframe), rec.BotName,
		string(rec.Status), rec.StartedAt.Unix(), nullableUnix(rec.EndedAt),
		rec.DataPoints, string(metrics), string(cfg), rec.Error)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, model.ErrDuplicateTraining
		}
		return 0, fmt.Errorf("training insert %s: %w", rec.TripleKey(), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("training insert id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// UpdateStatus transitions the record, persisting status, end time,
// metrics, data points, and error.
func (t *TrainingStore) UpdateStatus(ctx context.Context, id int64, rec *model.TrainingRecord) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("training marshal metrics: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		UPDATE training_records
		SET status = ?, ended_at = ?, data_points = ?, metrics = ?, error = ?
		WHERE id = ?`,
		string(rec.Status), nullableUnix(rec.EndedAt), rec.DataPoints,
		string(metrics), rec.Error, id)
	if err != nil {
		return fmt.Errorf("training update %d: %w", id, err)
	}
	return nil
}

// ActiveFor returns the queued or running record for the triple, or nil.
func (t *TrainingStore) ActiveFor(ctx context.Context, symbol string, tf model.Timeframe, bot string) (*model.TrainingRecord, error) {
	row := t.db.QueryRowContext(ctx, trainingSelect+`
		WHERE symbol = ? AND timeframe = ? AND bot_name = ?
			AND status IN ('queued', 'running')
		LIMIT 1`,
		symbol, string(tf), bot)
	return scanTraining(row)
}

// ListActive returns all non-terminal records, oldest first.
func (t *TrainingStore) ListActive(ctx context.Context) ([]model.TrainingRecord, error) {
	rows, err := t.db.QueryContext(ctx, trainingSelect+`
		WHERE status IN ('queued', 'running') ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("training list active: %w", err)
	}
	defer rows.Close()

	var out []model.TrainingRecord
	for rows.Next() {
		rec, err := scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("training list scan: %w", err)
	}
	return out, nil
}

const trainingSelect = `
	SELECT id, job_id, symbol, timeframe, bot_name, status, started_at,
		ended_at, data_points, metrics, config, error
	FROM training_records`

func scanTraining(r rowScanner) (*model.TrainingRecord, error) {
	var rec model.TrainingRecord
	var tf, status string
	var startedAt int64
	var endedAt sql.NullInt64
	var metrics, cfg sql.NullString

	err := r.Scan(&rec.ID, &rec.JobID, &rec.Symbol, &tf, &rec.BotName, &status,
		&startedAt, &endedAt, &rec.DataPoints, &metrics, &cfg, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("training scan: %w", err)
	}

	rec.Timeframe = model.Timeframe(tf)
	rec.Status = model.TrainingStatus(status)
	rec.StartedAt = time.Unix(startedAt, 0).In(model.IST)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0).In(model.IST)
		rec.EndedAt = &ts
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("training unmarshal metrics: %w", err)
		}
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &rec.Config); err != nil {
			return nil, fmt.Errorf("training unmarshal config: %w", err)
		}
	}
	return &rec, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

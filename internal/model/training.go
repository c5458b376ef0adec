package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicateTraining signals a queued or running training record already
// exists for the (symbol, timeframe, bot) triple.
var ErrDuplicateTraining = errors.New("training already queued or running for triple")

// TrainingStatus is the lifecycle state of a training record.
// Transitions: queued → running → (completed | failed).
type TrainingStatus string

const (
	TrainingQueued    TrainingStatus = "queued"
	TrainingRunning   TrainingStatus = "running"
	TrainingCompleted TrainingStatus = "completed"
	TrainingFailed    TrainingStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TrainingStatus) Terminal() bool {
	return s == TrainingCompleted || s == TrainingFailed
}

// TrainingConfig carries per-job training knobs passed through to the bot.
type TrainingConfig struct {
	Epochs int `json:"epochs,omitempty"`
}

// TrainingRecord tracks one training job for a (symbol, timeframe, bot)
// triple. At most one non-terminal record may exist per triple.
type TrainingRecord struct {
	ID         int64              `json:"id"`
	JobID      string             `json:"job_id"`
	Symbol     string             `json:"symbol"`
	Timeframe  Timeframe          `json:"timeframe"`
	BotName    string             `json:"bot_name"`
	Status     TrainingStatus     `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	DataPoints int                `json:"data_points"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Config     TrainingConfig     `json:"config"`
	Error      string             `json:"error,omitempty"`
}

// TripleKey returns "symbol:timeframe:bot_name", the dedupe key.
func (r *TrainingRecord) TripleKey() string {
	return r.Symbol + ":" + string(r.Timeframe) + ":" + r.BotName
}

// JSON returns the JSON-encoded record.
func (r *TrainingRecord) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Evaluation scores one merged prediction against realized candles once
// its horizon has elapsed.
type Evaluation struct {
	ID           int64     `json:"id"`
	PredictionID int64     `json:"prediction_id"`
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
	Points       int       `json:"points"`
	MAE          float64   `json:"mae"`
	MAPE         float64   `json:"mape"`
	HitRate      float64   `json:"hit_rate"`
}

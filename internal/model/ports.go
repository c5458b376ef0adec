package model

import (
	"context"
	"time"
)

// ── Port interfaces ──
// These decouple the orchestration fabric from concrete implementations
// (SQLite stores, Redis-backed cache, upstream providers, bots). Each
// implementation satisfies one or more of these interfaces.

// CandleStore is the durable ordered candle sequence per (symbol, timeframe).
type CandleStore interface {
	// UpsertBatch inserts candles; identical pre-existing rows are no-ops,
	// differing rows are replaced (the live-candle-rewrite case).
	UpsertBatch(ctx context.Context, candles []Candle) error

	// Range returns a chronologically ascending slice. Zero from/to mean
	// unbounded; limit 0 means the default.
	Range(ctx context.Context, symbol string, tf Timeframe, from, to time.Time, limit int) ([]Candle, error)

	// Latest returns the most recent candle, or nil when none exists.
	Latest(ctx context.Context, symbol string, tf Timeframe) (*Candle, error)
}

// AuditStore is the append-only merged-prediction record.
type AuditStore interface {
	Save(ctx context.Context, p *MergedPrediction) (int64, error)
	Fetch(ctx context.Context, id int64) (*MergedPrediction, error)
	LatestPrediction(ctx context.Context, symbol string, tf Timeframe) (*MergedPrediction, error)
	List(ctx context.Context, symbol string, tf Timeframe, since time.Time, limit int) ([]MergedPrediction, error)
}

// TrainingStore persists training records and enforces the single
// non-terminal record per triple at the storage layer.
type TrainingStore interface {
	Insert(ctx context.Context, rec *TrainingRecord) (int64, error)
	UpdateStatus(ctx context.Context, id int64, rec *TrainingRecord) error
	ActiveFor(ctx context.Context, symbol string, tf Timeframe, bot string) (*TrainingRecord, error)
	ListActive(ctx context.Context) ([]TrainingRecord, error)
}

// EvaluationStore persists prediction accuracy scores.
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, ev *Evaluation) (int64, error)
	Unevaluated(ctx context.Context, before time.Time, limit int) ([]MergedPrediction, error)
}

// Cache is the two-tier keyed byte store. Failures degrade to miss.
type Cache interface {
	// Get returns the payload for key, or ok=false on miss or expiry.
	// bypass forces a miss without consulting either tier.
	Get(ctx context.Context, key string, bypass bool) (payload []byte, ok bool)
	Put(ctx context.Context, key string, payload []byte)
	Invalidate(ctx context.Context, key string)
	InvalidateAll(ctx context.Context)
}

// CandleProvider is one upstream market-data source.
type CandleProvider interface {
	// Name identifies the provider in config and logs.
	Name() string

	// FetchCandles returns raw candles for the symbol over the fixed
	// history window of the timeframe. The gateway normalizes and
	// validates the result; providers return what upstream gave them.
	FetchCandles(ctx context.Context, symbol string, tf Timeframe) ([]Candle, error)
}

// Forecaster is the single capability every bot exposes.
type Forecaster interface {
	Name() string

	// Predict produces a one-point-per-minute forecast over the horizon.
	Predict(ctx context.Context, candles []Candle, horizonMinutes int, tf Timeframe) (*BotForecast, error)

	// Train fits the bot on candles and returns fit metrics. The adapter
	// owns artifact persistence around this call.
	Train(ctx context.Context, candles []Candle, cfg TrainingConfig) (map[string]float64, error)

	// MinCandles is the least history Predict needs to produce output.
	MinCandles() int
}

// Broadcaster fans a topic message out to subscribed sessions.
type Broadcaster interface {
	BroadcastCandle(c *Candle)
	BroadcastPrediction(p *MergedPrediction)
	BroadcastTraining(rec *TrainingRecord)

	// ActiveTopics returns the (symbol, timeframe) pairs currently
	// subscribed by at least one session.
	ActiveTopics() []Topic
}

// Topic is a (symbol, timeframe) pair used to filter broadcasts.
type Topic struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

// Key returns "symbol:timeframe".
func (t Topic) Key() string {
	return t.Symbol + ":" + string(t.Timeframe)
}

// Package evaluate scores merged predictions against the candles that
// materialized once the horizon elapsed.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"prediction-systemv1/internal/model"
)

// ErrNoRealizedCandles signals the candle store holds nothing inside the
// prediction's horizon to score against.
var ErrNoRealizedCandles = errors.New("no realized candles in horizon")

// hitTolerance is the relative error under which a forecast point counts
// as a hit.
const hitTolerance = 0.01

// Evaluator scores predictions and persists the results.
type Evaluator struct {
	candles model.CandleStore
	store   model.EvaluationStore

	now func() time.Time // test seam
}

// New builds an evaluator.
func New(candles model.CandleStore, store model.EvaluationStore) *Evaluator {
	return &Evaluator{candles: candles, store: store, now: time.Now}
}

// Score compares a prediction's series against realized closes. Each
// forecast point is matched to the last candle at or before its
// timestamp; points before the first realized candle are skipped.
func (e *Evaluator) Score(ctx context.Context, p *model.MergedPrediction) (*model.Evaluation, error) {
	if len(p.Series) == 0 {
		return nil, fmt.Errorf("prediction %d has no series", p.ID)
	}

	from := p.CreatedAt
	to := p.CreatedAt.Add(time.Duration(p.HorizonMinutes) * time.Minute)
	realized, err := e.candles.Range(ctx, p.Symbol, p.Timeframe, from, to, 0)
	if err != nil {
		return nil, fmt.Errorf("load realized candles: %w", err)
	}
	if len(realized) == 0 {
		return nil, ErrNoRealizedCandles
	}

	var absErr, pctErr float64
	hits, points := 0, 0
	for _, pt := range p.Series {
		actual, ok := closeAt(realized, pt.TS)
		if !ok || actual <= 0 {
			continue
		}
		points++
		diff := math.Abs(pt.Price - actual)
		absErr += diff
		rel := diff / actual
		pctErr += rel
		if rel <= hitTolerance {
			hits++
		}
	}
	if points == 0 {
		return nil, ErrNoRealizedCandles
	}

	n := float64(points)
	ev := &model.Evaluation{
		PredictionID: p.ID,
		Symbol:       p.Symbol,
		Timeframe:    p.Timeframe,
		EvaluatedAt:  e.now().In(model.IST),
		Points:       points,
		MAE:          absErr / n,
		MAPE:         pctErr / n * 100,
		HitRate:      float64(hits) / n,
	}
	if _, err := e.store.SaveEvaluation(ctx, ev); err != nil {
		return nil, fmt.Errorf("save evaluation: %w", err)
	}
	return ev, nil
}

// Sweep scores every prediction whose horizon has elapsed and has no
// evaluation yet. Per-prediction failures are logged and skipped so one
// bad record cannot stall the sweep.
func (e *Evaluator) Sweep(ctx context.Context, limit int) (int, error) {
	due, err := e.store.Unevaluated(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list unevaluated: %w", err)
	}

	scored := 0
	for i := range due {
		if _, err := e.Score(ctx, &due[i]); err != nil {
			if !errors.Is(err, ErrNoRealizedCandles) {
				log.Printf("[evaluate] prediction %d: %v", due[i].ID, err)
			}
			continue
		}
		scored++
	}
	return scored, nil
}

// closeAt returns the close of the last candle at or before ts.
func closeAt(candles []model.Candle, ts time.Time) (float64, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if !candles[i].StartTS.After(ts) {
			return candles[i].Close, true
		}
	}
	return 0, false
}

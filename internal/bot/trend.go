package bot

import (
	"fmt"
	"math"
	"time"

	"prediction-systemv1/internal/model"
)

// trendLookback bounds the regression window so ancient history does not
// dominate the slope estimate.
const trendLookback = 120

// Trend fits an ordinary-least-squares line to recent closes and
// extrapolates it over the horizon. Confidence is the fit's R².
type Trend struct{}

// NewTrend creates the trend bot.
func NewTrend() *Trend { return &Trend{} }

func (t *Trend) Name() string    { return "trend" }
func (t *Trend) MinCandles() int { return 10 }

// Fit implements Model. Params: slope (per candle step), intercept
// (fitted close at the last candle), r2.
func (t *Trend) Fit(candles []model.Candle, _ model.TrainingConfig) (map[string]float64, map[string]float64, error) {
	if len(candles) < t.MinCandles() {
		return nil, nil, fmt.Errorf("trend: need %d candles, have %d", t.MinCandles(), len(candles))
	}

	tail := candles
	if len(tail) > trendLookback {
		tail = tail[len(tail)-trendLookback:]
	}

	// x is the candle index, re-centered so the intercept lands on the
	// last candle.
	n := float64(len(tail))
	var sumX, sumY, sumXY, sumXX float64
	for i := range tail {
		x := float64(i - (len(tail) - 1))
		y := tail[i].Close
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return nil, nil, fmt.Errorf("trend: degenerate regression input")
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	// R² against the mean model.
	meanY := sumY / n
	var ssRes, ssTot float64
	for i := range tail {
		x := float64(i - (len(tail) - 1))
		resid := tail[i].Close - (intercept + slope*x)
		ssRes += resid * resid
		dev := tail[i].Close - meanY
		ssTot += dev * dev
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	if r2 < 0 {
		r2 = 0
	}

	params := map[string]float64{"slope": slope, "intercept": intercept, "r2": r2}
	metrics := map[string]float64{"r2": r2, "rmse": math.Sqrt(ssRes / n), "samples": n}
	return params, metrics, nil
}

// Forecast implements Model. The fitted per-step slope is rescaled to the
// one-minute output grid.
func (t *Trend) Forecast(candles []model.Candle, params map[string]float64, horizonMinutes int, tf model.Timeframe) (*model.BotForecast, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("trend: no candles")
	}
	if horizonMinutes <= 0 {
		return nil, fmt.Errorf("trend: horizon %d", horizonMinutes)
	}

	last := candles[len(candles)-1]
	slopePerMin := params["slope"] / tf.Step().Minutes()

	series := make([]model.ForecastPoint, horizonMinutes)
	for i := 0; i < horizonMinutes; i++ {
		ts := last.StartTS.Add(time.Duration(i+1) * time.Minute)
		price := last.Close + slopePerMin*float64(i+1)
		if price <= 0 {
			price = last.Close
		}
		series[i] = model.ForecastPoint{TS: ts, Price: price}
	}

	return &model.BotForecast{
		Series:     series,
		Confidence: clampConfidence(params["r2"]),
		Meta:       map[string]string{"model": "ols"},
	}, nil
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

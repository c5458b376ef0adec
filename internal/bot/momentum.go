package bot

import (
	"fmt"
	"math"
	"time"

	"prediction-systemv1/internal/model"
)

const momentumLookback = 60

// Momentum projects an exponentially weighted mean of recent log returns
// forward, decaying the drift toward zero over the horizon. Confidence is
// the sign consistency of the recent returns.
type Momentum struct{}

// NewMomentum creates the momentum bot.
func NewMomentum() *Momentum { return &Momentum{} }

func (m *Momentum) Name() string    { return "momentum" }
func (m *Momentum) MinCandles() int { return 15 }

// Fit implements Model. Params: drift (EWMA log return per candle step),
// consistency (share of returns agreeing with the drift's sign).
func (m *Momentum) Fit(candles []model.Candle, _ model.TrainingConfig) (map[string]float64, map[string]float64, error) {
	if len(candles) < m.MinCandles() {
		return nil, nil, fmt.Errorf("momentum: need %d candles, have %d", m.MinCandles(), len(candles))
	}

	tail := candles
	if len(tail) > momentumLookback {
		tail = tail[len(tail)-momentumLookback:]
	}

	const alpha = 0.15
	var drift float64
	returns := make([]float64, 0, len(tail)-1)
	for i := 1; i < len(tail); i++ {
		prev, cur := tail[i-1].Close, tail[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		returns = append(returns, r)
		drift = alpha*r + (1-alpha)*drift
	}
	if len(returns) < 2 {
		return nil, nil, fmt.Errorf("momentum: not enough usable returns")
	}

	agree := 0
	for _, r := range returns {
		if (r >= 0) == (drift >= 0) {
			agree++
		}
	}
	consistency := float64(agree) / float64(len(returns))

	params := map[string]float64{"drift": drift, "consistency": consistency}
	metrics := map[string]float64{
		"drift":       drift,
		"consistency": consistency,
		"samples":     float64(len(returns)),
	}
	return params, metrics, nil
}

// Forecast implements Model. The per-step drift is rescaled to the
// one-minute grid and halved geometrically each projected step so the
// momentum signal fades rather than compounds without bound.
func (m *Momentum) Forecast(candles []model.Candle, params map[string]float64, horizonMinutes int, tf model.Timeframe) (*model.BotForecast, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("momentum: no candles")
	}
	if horizonMinutes <= 0 {
		return nil, fmt.Errorf("momentum: horizon %d", horizonMinutes)
	}

	last := candles[len(candles)-1]
	driftPerMin := params["drift"] / tf.Step().Minutes()
	decay := math.Pow(0.5, 1/float64(max(horizonMinutes/4, 1)))

	series := make([]model.ForecastPoint, horizonMinutes)
	price := last.Close
	step := driftPerMin
	for i := 0; i < horizonMinutes; i++ {
		price *= math.Exp(step)
		step *= decay
		if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			price = last.Close
		}
		series[i] = model.ForecastPoint{
			TS:    last.StartTS.Add(time.Duration(i+1) * time.Minute),
			Price: price,
		}
	}

	// Random-sign returns score 0.5; rescale so that maps to zero.
	conf := (params["consistency"] - 0.5) * 2
	return &model.BotForecast{
		Series:     series,
		Confidence: clampConfidence(conf),
		Meta:       map[string]string{"model": "ewma-momentum"},
	}, nil
}

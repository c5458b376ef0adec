package bot

import (
	"fmt"
	"math"
	"time"

	"prediction-systemv1/internal/model"
)

const meanrevLookback = 60

// MeanRev models the close as reverting toward its rolling mean with a
// speed estimated by an AR(1) fit on the deviation series. Confidence is
// the strength of the estimated reversion.
type MeanRev struct{}

// NewMeanRev creates the mean-reversion bot.
func NewMeanRev() *MeanRev { return &MeanRev{} }

func (m *MeanRev) Name() string    { return "meanrev" }
func (m *MeanRev) MinCandles() int { return 25 }

// Fit implements Model. Params: mean (rolling mean of closes), phi (AR(1)
// coefficient of the deviation from that mean, in [0, 1)).
func (m *MeanRev) Fit(candles []model.Candle, _ model.TrainingConfig) (map[string]float64, map[string]float64, error) {
	if len(candles) < m.MinCandles() {
		return nil, nil, fmt.Errorf("meanrev: need %d candles, have %d", m.MinCandles(), len(candles))
	}

	tail := candles
	if len(tail) > meanrevLookback {
		tail = tail[len(tail)-meanrevLookback:]
	}

	var mean float64
	for i := range tail {
		mean += tail[i].Close
	}
	mean /= float64(len(tail))

	// AR(1) on deviations: dev_t = phi * dev_{t-1} + noise.
	var num, den float64
	for i := 1; i < len(tail); i++ {
		prev := tail[i-1].Close - mean
		cur := tail[i].Close - mean
		num += prev * cur
		den += prev * prev
	}
	if den == 0 {
		return nil, nil, fmt.Errorf("meanrev: flat deviation series")
	}
	phi := num / den
	if phi < 0 {
		phi = 0
	}
	if phi >= 1 {
		phi = 0.99
	}

	params := map[string]float64{"mean": mean, "phi": phi}
	metrics := map[string]float64{
		"mean":    mean,
		"phi":     phi,
		"samples": float64(len(tail)),
	}
	return params, metrics, nil
}

// Forecast implements Model. The deviation from the fitted mean shrinks
// by phi per candle step, rescaled to the one-minute grid.
func (m *MeanRev) Forecast(candles []model.Candle, params map[string]float64, horizonMinutes int, tf model.Timeframe) (*model.BotForecast, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("meanrev: no candles")
	}
	if horizonMinutes <= 0 {
		return nil, fmt.Errorf("meanrev: horizon %d", horizonMinutes)
	}

	last := candles[len(candles)-1]
	mean := params["mean"]
	phi := params["phi"]
	if mean <= 0 {
		mean = last.Close
	}

	phiPerMin := math.Pow(phi, 1/tf.Step().Minutes())
	dev := last.Close - mean

	series := make([]model.ForecastPoint, horizonMinutes)
	for i := 0; i < horizonMinutes; i++ {
		dev *= phiPerMin
		price := mean + dev
		if price <= 0 {
			price = last.Close
		}
		series[i] = model.ForecastPoint{
			TS:    last.StartTS.Add(time.Duration(i+1) * time.Minute),
			Price: price,
		}
	}

	// phi near 1 means the deviation barely decays and the model carries
	// little signal; phi near 0 means strong reversion.
	return &model.BotForecast{
		Series:     series,
		Confidence: clampConfidence(1 - phi),
		Meta:       map[string]string{"model": "ar1-meanrev"},
	}, nil
}

// Package feature computes the feature snapshot captured with every
// merged prediction: latest close, SMA-20, 20-period volatility, and
// average volume over the same window.
package feature

import (
	"math"

	"prediction-systemv1/internal/model"
)

// Window is the lookback used for the rolling features.
const Window = 20

// Dim is the number of features in a snapshot. Bot artifacts record the
// dimension they were trained against; a mismatch after a pipeline change
// forces a rebuild.
const Dim = 4

// Snapshot computes the feature snapshot from ascending candles. With
// fewer than Window candles the available history is used; with none the
// zero snapshot is returned.
func Snapshot(candles []model.Candle) model.FeatureSnapshot {
	if len(candles) == 0 {
		return model.FeatureSnapshot{}
	}

	tail := candles
	if len(tail) > Window {
		tail = tail[len(tail)-Window:]
	}

	var closeSum, volSum float64
	for i := range tail {
		closeSum += tail[i].Close
		volSum += tail[i].Volume
	}
	n := float64(len(tail))
	sma := closeSum / n

	return model.FeatureSnapshot{
		LatestClose:  candles[len(candles)-1].Close,
		SMA20:        sma,
		Volatility20: volatility(tail),
		VolumeAvg:    volSum / n,
	}
}

// volatility is the standard deviation of per-candle log returns.
func volatility(candles []model.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].Close, candles[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

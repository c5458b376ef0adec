package feature

import (
	"math"
	"testing"
	"time"

	"prediction-systemv1/internal/model"
)

func candles(closes ...float64) []model.Candle {
	start := time.Date(2026, 2, 25, 10, 0, 0, 0, model.IST)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{
			Symbol: "INFY.NS", Timeframe: model.TF5m,
			StartTS: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:    c, High: c, Low: c, Close: c, Volume: 100,
		}
	}
	return out
}

func TestSnapshotEmpty(t *testing.T) {
	got := Snapshot(nil)
	if got != (model.FeatureSnapshot{}) {
		t.Errorf("expected zero snapshot, got %+v", got)
	}
}

func TestSnapshotBasics(t *testing.T) {
	cs := candles(100, 102, 104, 106)
	got := Snapshot(cs)

	if got.LatestClose != 106 {
		t.Errorf("latest close: got %v, want 106", got.LatestClose)
	}
	if got.SMA20 != 103 {
		t.Errorf("sma over short history: got %v, want 103", got.SMA20)
	}
	if got.VolumeAvg != 100 {
		t.Errorf("volume avg: got %v, want 100", got.VolumeAvg)
	}
}

func TestSnapshotWindowTail(t *testing.T) {
	// 30 candles; only the last 20 (closes 11..30) enter the rollups.
	var closes []float64
	for i := 1; i <= 30; i++ {
		closes = append(closes, float64(i))
	}
	got := Snapshot(candles(closes...))

	want := (11.0 + 30.0) / 2 // mean of 11..30
	if math.Abs(got.SMA20-want) > 1e-9 {
		t.Errorf("sma20: got %v, want %v", got.SMA20, want)
	}
	if got.LatestClose != 30 {
		t.Errorf("latest close: got %v, want 30", got.LatestClose)
	}
}

func TestVolatilityFlatSeries(t *testing.T) {
	got := Snapshot(candles(100, 100, 100, 100))
	if got.Volatility20 != 0 {
		t.Errorf("flat series volatility: got %v, want 0", got.Volatility20)
	}
}

func TestVolatilityPositive(t *testing.T) {
	got := Snapshot(candles(100, 105, 98, 107, 101))
	if got.Volatility20 <= 0 {
		t.Errorf("expected positive volatility, got %v", got.Volatility20)
	}
}

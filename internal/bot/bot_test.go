package bot

import (
	"math"
	"testing"
	"time"

	"prediction-systemv1/internal/model"
)

// fixtureCandles builds n ascending 5m candles whose closes come from fn.
func fixtureCandles(n int, fn func(i int) float64) []model.Candle {
	base := time.Date(2026, 2, 25, 9, 15, 0, 0, model.IST)
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		c := fn(i)
		out[i] = model.Candle{
			Symbol:    "INFY.NS",
			Timeframe: model.TF5m,
			StartTS:   base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c, High: c * 1.001, Low: c * 0.999, Close: c,
			Volume: 10000,
		}
	}
	return out
}

func checkSeries(t *testing.T, fc *model.BotForecast, horizon int) {
	t.Helper()
	if len(fc.Series) != horizon {
		t.Fatalf("series length: got %d, want %d", len(fc.Series), horizon)
	}
	for i, p := range fc.Series {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
			t.Errorf("point %d: bad price %v", i, p.Price)
		}
		if i > 0 {
			gap := p.TS.Sub(fc.Series[i-1].TS)
			if gap != time.Minute {
				t.Errorf("point %d: spacing %v, want 1m", i, gap)
			}
		}
	}
	if fc.Confidence < 0 || fc.Confidence > 1 {
		t.Errorf("confidence %v out of [0,1]", fc.Confidence)
	}
}

func TestTrendFitsLinearSeries(t *testing.T) {
	candles := fixtureCandles(60, func(i int) float64 { return 1500 + float64(i)*2 })
	tr := NewTrend()

	params, metrics, err := tr.Fit(candles, model.TrainingConfig{})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if got := params["slope"]; math.Abs(got-2) > 1e-6 {
		t.Errorf("slope: got %v, want 2", got)
	}
	if got := metrics["r2"]; got < 0.999 {
		t.Errorf("r2 on a perfect line: got %v", got)
	}

	fc, err := tr.Forecast(candles, params, 30, model.TF5m)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	checkSeries(t, fc, 30)

	// Slope 2 per 5m candle is 0.4/min; the first point continues the line.
	want := candles[len(candles)-1].Close + 0.4
	if got := fc.Series[0].Price; math.Abs(got-want) > 1e-6 {
		t.Errorf("first point: got %v, want %v", got, want)
	}
}

func TestTrendRejectsShortHistory(t *testing.T) {
	candles := fixtureCandles(5, func(i int) float64 { return 1500 })
	if _, _, err := NewTrend().Fit(candles, model.TrainingConfig{}); err == nil {
		t.Fatal("expected error for short history")
	}
}

func TestMomentumForecast(t *testing.T) {
	// Steady 0.1% per-candle advance: drift positive, high consistency.
	candles := fixtureCandles(60, func(i int) float64 { return 1500 * math.Pow(1.001, float64(i)) })
	mo := NewMomentum()

	params, _, err := mo.Fit(candles, model.TrainingConfig{})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if params["drift"] <= 0 {
		t.Errorf("drift on a rising series: got %v", params["drift"])
	}
	if params["consistency"] != 1 {
		t.Errorf("consistency: got %v, want 1", params["consistency"])
	}

	fc, err := mo.Forecast(candles, params, 30, model.TF5m)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	checkSeries(t, fc, 30)
	last := candles[len(candles)-1].Close
	if fc.Series[0].Price <= last {
		t.Errorf("positive drift should raise the first point above %v, got %v", last, fc.Series[0].Price)
	}
}

func TestMeanRevPullsTowardMean(t *testing.T) {
	// Oscillation around 1500 ending well above the mean.
	candles := fixtureCandles(60, func(i int) float64 {
		return 1500 + 30*math.Sin(float64(i)/3)
	})
	mr := NewMeanRev()

	params, _, err := mr.Fit(candles, model.TrainingConfig{})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if params["phi"] < 0 || params["phi"] >= 1 {
		t.Errorf("phi out of [0,1): %v", params["phi"])
	}

	fc, err := mr.Forecast(candles, params, 60, model.TF5m)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	checkSeries(t, fc, 60)

	last := candles[len(candles)-1].Close
	mean := params["mean"]
	endDev := math.Abs(fc.Series[len(fc.Series)-1].Price - mean)
	startDev := math.Abs(last - mean)
	if startDev > 1 && endDev >= startDev {
		t.Errorf("deviation should shrink: start %v, end %v", startDev, endDev)
	}
}

func TestRegistrySelect(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	for _, m := range []Model{NewTrend(), NewMomentum(), NewMeanRev()} {
		if err := r.Register(NewAdapter(m, dir)); err != nil {
			t.Fatalf("register %s: %v", m.Name(), err)
		}
	}

	if got := r.Names(); len(got) != 3 || got[0] != "meanrev" || got[1] != "momentum" || got[2] != "trend" {
		t.Fatalf("names: got %v", got)
	}

	all, err := r.Select(nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("select default: got %d adapters, err %v", len(all), err)
	}

	one, err := r.Select([]string{"trend"})
	if err != nil || len(one) != 1 || one[0].Name() != "trend" {
		t.Fatalf("select trend: got %v, err %v", one, err)
	}

	if _, err := r.Select([]string{"nope"}); err == nil {
		t.Fatal("expected error for unknown bot")
	}

	if err := r.Register(NewAdapter(NewTrend(), dir)); err == nil {
		t.Fatal("expected duplicate-registration error")
	}
}

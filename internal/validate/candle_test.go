package validate

import (
	"math"
	"testing"
	"time"

	"prediction-systemv1/internal/model"
)

// sessionTS returns an aligned 5m bucket inside a 2026 trading session.
func sessionTS(hour, min int) time.Time {
	return time.Date(2026, 2, 25, hour, min, 0, 0, model.IST)
}

func validCandle() model.Candle {
	return model.Candle{
		Symbol:    "INFY.NS",
		Timeframe: model.TF5m,
		StartTS:   sessionTS(10, 5),
		Open:      1500, High: 1510, Low: 1495, Close: 1505,
		Volume: 10000,
	}
}

func TestCheckCandleValid(t *testing.T) {
	c := validCandle()
	now := sessionTS(10, 30)
	if err := CheckCandle(&c, now); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}
}

func TestCheckCandleInvariants(t *testing.T) {
	now := sessionTS(10, 30)

	tests := []struct {
		name   string
		mutate func(c *model.Candle)
	}{
		{"nan open", func(c *model.Candle) { c.Open = math.NaN() }},
		{"inf high", func(c *model.Candle) { c.High = math.Inf(1) }},
		{"zero close", func(c *model.Candle) { c.Close = 0 }},
		{"negative low", func(c *model.Candle) { c.Low = -5; c.Open = 1; c.Close = 1 }},
		{"low above high", func(c *model.Candle) { c.Low = 1520 }},
		{"open above high", func(c *model.Candle) { c.Open = 1515 }},
		{"close below low", func(c *model.Candle) { c.Close = 1490 }},
		{"negative volume", func(c *model.Candle) { c.Volume = -1 }},
		{"off grid", func(c *model.Candle) { c.StartTS = c.StartTS.Add(37 * time.Second) }},
		{"unknown timeframe", func(c *model.Candle) { c.Timeframe = "3m" }},
		{"future beyond slack", func(c *model.Candle) { c.StartTS = model.TF5m.Floor(now.Add(3 * time.Hour)) }},
		{"outside session", func(c *model.Candle) { c.StartTS = time.Date(2026, 2, 25, 7, 0, 0, 0, model.IST) }},
		{"sunday", func(c *model.Candle) { c.StartTS = time.Date(2026, 3, 1, 10, 5, 0, 0, model.IST) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			if err := CheckCandle(&c, now); err == nil {
				t.Errorf("expected rejection for %s", tt.name)
			}
		})
	}
}

func TestCheckCandleDailyNeedsTradingDayOnly(t *testing.T) {
	c := model.Candle{
		Symbol:    "INFY.NS",
		Timeframe: model.TF1d,
		StartTS:   time.Date(2026, 2, 25, 0, 0, 0, 0, model.IST),
		Open:      1500, High: 1510, Low: 1495, Close: 1505,
		Volume: 10000,
	}
	now := time.Date(2026, 2, 25, 18, 0, 0, 0, model.IST)
	if err := CheckCandle(&c, now); err != nil {
		t.Fatalf("daily candle at midnight rejected: %v", err)
	}

	c.StartTS = time.Date(2026, 3, 1, 0, 0, 0, 0, model.IST) // Sunday
	now = time.Date(2026, 3, 2, 0, 0, 0, 0, model.IST)
	if err := CheckCandle(&c, now); err == nil {
		t.Error("expected rejection for daily candle on a Sunday")
	}
}

func TestFilterCandles(t *testing.T) {
	now := sessionTS(11, 0)
	good := validCandle()
	bad := validCandle()
	bad.Low = bad.High + 1

	var reasons []string
	got, dropped := FilterCandles([]model.Candle{good, bad, good}, now, func(c *model.Candle, err error) {
		reasons = append(reasons, err.Error())
	})

	if dropped != 1 {
		t.Errorf("dropped: got %d, want 1", dropped)
	}
	if len(got) != 2 {
		t.Errorf("survivors: got %d, want 2", len(got))
	}
	if len(reasons) != 1 {
		t.Errorf("drop callbacks: got %d, want 1", len(reasons))
	}
}

// Package validate holds the stateless filters enforcing numeric,
// ordering, and magnitude constraints on candles and forecast series.
package validate

import (
	"fmt"
	"math"
	"time"

	"prediction-systemv1/internal/calendar"
	"prediction-systemv1/internal/model"
)

// futureSlack tolerates clock skew between this host and providers.
const futureSlack = time.Hour

// CheckCandle returns nil if the candle satisfies all invariants, or a
// reason describing the first violation. Failing candles are dropped by
// callers, never rejected en masse.
func CheckCandle(c *model.Candle, now time.Time) error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close},
	} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%s is not finite", v.name)
		}
		if v.value <= 0 {
			return fmt.Errorf("%s is not positive: %v", v.name, v.value)
		}
	}
	if c.Volume < 0 || math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) {
		return fmt.Errorf("volume invalid: %v", c.Volume)
	}

	if c.Low > c.High {
		return fmt.Errorf("low %v above high %v", c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("open %v outside [%v, %v]", c.Open, c.Low, c.High)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("close %v outside [%v, %v]", c.Close, c.Low, c.High)
	}

	if !c.Timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", c.Timeframe)
	}
	if !c.Timeframe.Aligned(c.StartTS) {
		return fmt.Errorf("start_ts %v off the %s grid", c.StartTS, c.Timeframe)
	}
	if c.StartTS.After(now.Add(futureSlack)) {
		return fmt.Errorf("start_ts %v in the future", c.StartTS)
	}

	if c.Timeframe.Intraday() {
		if !calendar.InSession(c.Symbol, c.StartTS) {
			return fmt.Errorf("start_ts %v outside trading session", c.StartTS)
		}
	} else if !calendar.IsTradingDay(c.Symbol, c.StartTS) {
		return fmt.Errorf("start_ts %v on a non-trading day", c.StartTS)
	}

	return nil
}

// FilterCandles drops invalid candles, returning the survivors in input
// order and the number dropped. onDrop, when non-nil, is told each reason.
func FilterCandles(candles []model.Candle, now time.Time, onDrop func(c *model.Candle, reason error)) ([]model.Candle, int) {
	out := candles[:0:0]
	dropped := 0
	for i := range candles {
		if err := CheckCandle(&candles[i], now); err != nil {
			dropped++
			if onDrop != nil {
				onDrop(&candles[i], err)
			}
			continue
		}
		out = append(out, candles[i])
	}
	return out, dropped
}

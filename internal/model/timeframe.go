package model

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30). All candle and
// prediction timestamps are stored and compared in this zone.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Timeframe is a fixed candle duration. The set is closed: each member
// carries a grid step and the history window fetched from providers.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1wk Timeframe = "1wk"
	TF1mo Timeframe = "1mo"
)

// tfSpec holds the fixed per-timeframe contract values.
type tfSpec struct {
	step   time.Duration
	window string // history window label, part of the cache key
}

var tfSpecs = map[Timeframe]tfSpec{
	TF1m:  {time.Minute, "7d"},
	TF5m:  {5 * time.Minute, "60d"},
	TF15m: {15 * time.Minute, "60d"},
	TF1h:  {time.Hour, "730d"},
	TF4h:  {4 * time.Hour, "730d"},
	TF1d:  {24 * time.Hour, "2y"},
	TF1wk: {7 * 24 * time.Hour, "5y"},
	TF1mo: {30 * 24 * time.Hour, "10y"},
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfSpecs[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Timeframes returns all timeframes in ascending step order.
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d, TF1wk, TF1mo}
}

// Step returns the grid step of the timeframe.
func (tf Timeframe) Step() time.Duration {
	return tfSpecs[tf].step
}

// WindowLabel returns the fixed history window label ("7d", "60d", ...).
func (tf Timeframe) WindowLabel() string {
	return tfSpecs[tf].window
}

// Valid reports whether tf is a member of the timeframe set.
func (tf Timeframe) Valid() bool {
	_, ok := tfSpecs[tf]
	return ok
}

// Intraday reports whether candles of this timeframe must fall inside a
// trading session (as opposed to daily-and-above, which only need a
// trading day).
func (tf Timeframe) Intraday() bool {
	return tfSpecs[tf].step < 24*time.Hour
}

// Floor aligns t to the timeframe grid in IST wall-clock terms.
// Intraday steps align to seconds-since-midnight buckets; 1d aligns to
// midnight, 1wk to Monday midnight, 1mo to the first of the month.
func (tf Timeframe) Floor(t time.Time) time.Time {
	ist := t.In(IST)
	midnight := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST)

	switch tf {
	case TF1d:
		return midnight
	case TF1wk:
		back := (int(ist.Weekday()) + 6) % 7 // Monday = 0
		return midnight.AddDate(0, 0, -back)
	case TF1mo:
		return time.Date(ist.Year(), ist.Month(), 1, 0, 0, 0, 0, IST)
	}

	step := int64(tfSpecs[tf].step / time.Second)
	secs := int64(ist.Sub(midnight) / time.Second)
	return midnight.Add(time.Duration((secs/step)*step) * time.Second)
}

// Aligned reports whether t sits exactly on the timeframe grid.
func (tf Timeframe) Aligned(t time.Time) bool {
	return tf.Floor(t).Equal(t)
}

// WindowStart returns the earliest instant covered by the history window,
// counting back from now.
func (tf Timeframe) WindowStart(now time.Time) time.Time {
	switch tf.window() {
	case "7d":
		return now.AddDate(0, 0, -7)
	case "60d":
		return now.AddDate(0, 0, -60)
	case "730d":
		return now.AddDate(0, 0, -730)
	case "2y":
		return now.AddDate(-2, 0, 0)
	case "5y":
		return now.AddDate(-5, 0, 0)
	case "10y":
		return now.AddDate(-10, 0, 0)
	}
	return now.AddDate(0, 0, -7)
}

func (tf Timeframe) window() string { return tfSpecs[tf].window }

package calendar

import (
	"testing"
	"time"
)

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"wednesday mid-session", time.Date(2026, 2, 25, 11, 0, 0, 0, IST), true},
		{"wednesday at open", time.Date(2026, 2, 25, 9, 15, 0, 0, IST), true},
		{"wednesday before open", time.Date(2026, 2, 25, 9, 14, 59, 0, IST), false},
		{"wednesday at close", time.Date(2026, 2, 25, 15, 30, 0, 0, IST), false},
		{"wednesday last minute", time.Date(2026, 2, 25, 15, 29, 59, 0, IST), true},
		{"saturday", time.Date(2026, 2, 28, 11, 0, 0, 0, IST), false},
		{"sunday", time.Date(2026, 3, 1, 10, 0, 0, 0, IST), false},
		{"republic day", time.Date(2026, 1, 26, 11, 0, 0, 0, IST), false},
		{"christmas", time.Date(2026, 12, 25, 11, 0, 0, 0, IST), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMarketOpen("INFY.NS", tt.t); got != tt.want {
				t.Errorf("IsMarketOpen(%v): got %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestIsMarketOpenUTCInput(t *testing.T) {
	// 05:30 UTC == 11:00 IST on a trading Wednesday.
	utc := time.Date(2026, 2, 25, 5, 30, 0, 0, time.UTC)
	if !IsMarketOpen("TCS.NS", utc) {
		t.Error("expected market open for UTC instant inside IST session")
	}
}

func TestIsTradingDay(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"weekday", time.Date(2026, 2, 25, 0, 0, 0, 0, IST), true},
		{"saturday", time.Date(2026, 2, 28, 0, 0, 0, 0, IST), false},
		{"holi", time.Date(2026, 3, 14, 0, 0, 0, 0, IST), false},
		{"bse holiday matches nse", time.Date(2026, 1, 26, 0, 0, 0, 0, IST), false},
	}

	for _, tt := range tests {
		if got := IsTradingDay("RELIANCE.BO", tt.t); got != tt.want {
			t.Errorf("%s: IsTradingDay got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNextSessionOpen(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want time.Time
	}{
		{
			"before open same day",
			time.Date(2026, 2, 25, 8, 0, 0, 0, IST),
			time.Date(2026, 2, 25, 9, 15, 0, 0, IST),
		},
		{
			"after close rolls to next day",
			time.Date(2026, 2, 25, 16, 0, 0, 0, IST),
			time.Date(2026, 2, 26, 9, 15, 0, 0, IST),
		},
		{
			"friday evening rolls to monday",
			time.Date(2026, 2, 27, 18, 0, 0, 0, IST),
			time.Date(2026, 3, 2, 9, 15, 0, 0, IST),
		},
		{
			"sunday rolls to monday",
			time.Date(2026, 3, 1, 10, 0, 0, 0, IST),
			time.Date(2026, 3, 2, 9, 15, 0, 0, IST),
		},
		{
			"eve of republic day skips holiday",
			time.Date(2026, 1, 23, 18, 0, 0, 0, IST), // Friday; Mon Jan 26 is a holiday
			time.Date(2026, 1, 27, 9, 15, 0, 0, IST),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextSessionOpen("INFY.NS", tt.t)
			if !got.Equal(tt.want) {
				t.Errorf("NextSessionOpen(%v): got %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestInSession(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"at open", time.Date(2026, 2, 25, 9, 15, 0, 0, IST), true},
		{"at close", time.Date(2026, 2, 25, 15, 30, 0, 0, IST), true},
		{"after close", time.Date(2026, 2, 25, 15, 31, 0, 0, IST), false},
		{"pre-open", time.Date(2026, 2, 25, 9, 0, 0, 0, IST), false},
		{"sunday", time.Date(2026, 3, 1, 10, 0, 0, 0, IST), false},
	}

	for _, tt := range tests {
		if got := InSession("INFY.NS", tt.ts); got != tt.want {
			t.Errorf("%s: InSession got %v, want %v", tt.name, got, tt.want)
		}
	}
}

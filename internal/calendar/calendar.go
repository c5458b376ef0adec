// Package calendar answers "is the market open at instant T?" for the
// Indian equity venues. It is backed by the fixed weekly NSE/BSE schedule
// (Mon–Fri, 09:15–15:30 IST) and an embedded holiday set. No I/O.
package calendar

import (
	"fmt"
	"time"

	"prediction-systemv1/internal/model"
)

// IST is re-exported for callers that only import calendar.
var IST = model.IST

// Session hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within trading hours for the venue
// of the given symbol (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
// The open boundary is inclusive and the close exclusive: 09:15:00 is
// open, 15:30:00 is closed.
func IsMarketOpen(symbol string, t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(symbol, ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday for the
// symbol's venue.
func IsTradingDay(symbol string, t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !isHoliday(model.SymbolVenue(symbol), ist)
}

// InSession reports whether ts is a valid candle start instant: on a
// trading day, within [session-open, session-close]. Used by the
// validator for intraday candle timestamps.
func InSession(symbol string, ts time.Time) bool {
	ist := ts.In(IST)
	if !IsTradingDay(symbol, ist) {
		return false
	}
	open := sessionOpen(ist)
	close := sessionClose(ist)
	return ist.After(open.Add(-time.Nanosecond)) && !ist.After(close)
}

// NextSessionOpen returns the next market open (9:15 AM IST on the next
// trading day). If t is before today's open on a trading day, returns
// today's open.
func NextSessionOpen(symbol string, t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := sessionOpen(ist)
	if ist.Before(todayOpen) && IsTradingDay(symbol, ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ { // bounded scan over holidays + weekends
		if IsTradingDay(symbol, d) {
			return sessionOpen(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return sessionOpen(ist.AddDate(0, 0, 1))
}

// SessionClose returns the close instant (3:30 PM IST) of t's date.
func SessionClose(t time.Time) time.Time {
	return sessionClose(t.In(IST))
}

// StatusString returns a human-readable market status for the symbol.
func StatusString(symbol string, t time.Time) string {
	if IsMarketOpen(symbol, t) {
		d := sessionClose(t.In(IST)).Sub(t.In(IST))
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(d))
	}
	next := NextSessionOpen(symbol, t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func sessionOpen(ist time.Time) time.Time {
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

func sessionClose(ist time.Time) time.Time {
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

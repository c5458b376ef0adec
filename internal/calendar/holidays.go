package calendar

import (
	"time"

	"prediction-systemv1/internal/model"
)

// Exchange holidays for 2026.
// Source: NSE/BSE official holiday lists. The two venues publish near
// identical calendars; venue-specific extras are listed separately.
// Updates require redeploy: the set is process-wide immutable.
var sharedHolidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},  // Republic Day
	{time.February, 17}, // Mahashivratri (tentative)
	{time.March, 14},    // Holi
	{time.March, 31},    // Id-ul-Fitr (Eid) (tentative)
	{time.April, 2},     // Ram Navami (tentative)
	{time.April, 6},     // Mahavir Jayanti
	{time.April, 10},    // Good Friday
	{time.April, 14},    // Dr. Ambedkar Jayanti
	{time.May, 1},       // Maharashtra Day
	{time.June, 7},      // Bakrid / Eid ul-Adha (tentative)
	{time.July, 6},      // Muharram (tentative)
	{time.August, 15},   // Independence Day
	{time.August, 16},   // Janmashtami (tentative)
	{time.September, 5}, // Milad-un-Nabi (tentative)
	{time.October, 2},   // Mahatma Gandhi Jayanti
	{time.October, 20},  // Dussehra
	{time.October, 21},  // Dussehra (tentative)
	{time.November, 5},  // Diwali / Lakshmi Puja (tentative)
	{time.November, 6},  // Diwali Balipratipada (tentative)
	{time.November, 7},  // Bhai Dooj (tentative)
	{time.November, 19}, // Guru Nanak Jayanti
	{time.December, 25}, // Christmas
}

// pre-computed per-venue lookup sets
var holidaySets map[string]map[string]bool

func init() {
	shared := make(map[string]bool, len(sharedHolidays2026))
	for _, h := range sharedHolidays2026 {
		shared[dateKey(2026, h.month, h.day)] = true
	}
	holidaySets = map[string]map[string]bool{
		model.VenueNSE: shared,
		model.VenueBSE: shared,
	}
}

// isHoliday returns true if the date (in IST) is a holiday for the venue.
// Unknown venues fall back to the NSE calendar.
func isHoliday(venue string, t time.Time) bool {
	set, ok := holidaySets[venue]
	if !ok {
		set = holidaySets[model.VenueNSE]
	}
	ist := t.In(IST)
	return set[dateKey(ist.Year(), ist.Month(), ist.Day())]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, IST).Format("2006-01-02")
}

// Package marketcal provides exchange trading calendars and the time-of-day
// arithmetic the schedulers depend on. All functions are pure.
package marketcal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxCalendarScan bounds NextBusinessDay. Exceeding it means the holiday set
// is misconfigured, not that markets are closed for a third of a year.
const maxCalendarScan = 100

// Exchange holiday sets for 2026, dates in YYYY-MM-DD. NSE and BSE share the
// national holiday calendar.
var holidays2026 = map[string]bool{
	"2026-01-26": true, // Republic Day
	"2026-03-14": true, // Holi
	"2026-03-30": true, // Ram Navami
	"2026-04-02": true, // Mahavir Jayanti
	"2026-04-03": true, // Good Friday
	"2026-04-14": true, // Ambedkar Jayanti
	"2026-05-01": true, // Maharashtra Day
	"2026-08-15": true, // Independence Day
	"2026-08-31": true, // Ganesh Chaturthi
	"2026-10-02": true, // Gandhi Jayanti
	"2026-10-20": true, // Dussehra
	"2026-10-21": true, // Diwali Balipratipada
	"2026-11-04": true, // Diwali Laxmi Pujan
	"2026-11-16": true, // Gurunanak Jayanti
	"2026-12-25": true, // Christmas
}

var exchangeHolidays = map[string]map[string]bool{
	"NSE": holidays2026,
	"BSE": holidays2026,
}

// IsTradingDay reports whether the exchange trades on the given date.
// Saturdays and Sundays are always closed. Unknown exchanges fall back to a
// weekend-only calendar.
func IsTradingDay(date time.Time, exchange string) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if hs, ok := exchangeHolidays[exchange]; ok {
		return !hs[date.Format("2006-01-02")]
	}
	return true
}

// NextBusinessDay returns the smallest date strictly after d on which the
// exchange trades. It errors after scanning 100 calendar days, which
// indicates a broken holiday configuration.
func NextBusinessDay(d time.Time, exchange string) (time.Time, error) {
	day := truncateToDay(d)
	for i := 0; i < maxCalendarScan; i++ {
		day = day.AddDate(0, 0, 1)
		if IsTradingDay(day, exchange) {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day for %s within %d days after %s",
		exchange, maxCalendarScan, d.Format("2006-01-02"))
}

// SecondsSinceMidnight parses a time of day in "HH:MM" or "HH:MM:SS" form and
// returns the offset from midnight in seconds.
func SecondsSinceMidnight(tod string) (int, error) {
	parts := strings.Split(tod, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time of day %q", tod)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", tod)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", tod)
	}
	secs := 3600*h + 60*m
	if len(parts) == 3 {
		s, err := strconv.Atoi(parts[2])
		if err != nil || s < 0 || s > 59 {
			return 0, fmt.Errorf("invalid second in %q", tod)
		}
		secs += s
	}
	return secs, nil
}

// SecondsIntoDay returns how far t is past its own midnight, in seconds.
func SecondsIntoDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

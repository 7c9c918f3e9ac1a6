// Package quota holds the calendar-day counter reset used by both worker and
// target quotas. Counters are reset lazily, right before they are checked,
// so an idle process crossing midnight still observes a fresh day.
package quota

import "time"

// ResetIfNewDay returns (today, 0) when lastReset falls on an earlier calendar
// day than now in loc; otherwise it returns the inputs unchanged.
//
// A zero lastReset is treated as "never reset". today is midnight of now's
// date in loc.
func ResetIfNewDay(loc *time.Location, now, lastReset time.Time, counter int) (time.Time, int) {
	if loc == nil {
		loc = time.UTC
	}
	today := Day(loc, now)
	if lastReset.IsZero() || Day(loc, lastReset).Before(today) {
		return today, 0
	}
	return lastReset, counter
}

// Effective is the counter value that applies at now.
func Effective(loc *time.Location, now, lastReset time.Time, counter int) int {
	_, c := ResetIfNewDay(loc, now, lastReset, counter)
	return c
}

// Day truncates t to midnight of its calendar date in loc.
func Day(loc *time.Location, t time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DayKey formats t's calendar date in loc as YYYY-MM-DD.
func DayKey(loc *time.Location, t time.Time) string {
	return Day(loc, t).Format("2006-01-02")
}

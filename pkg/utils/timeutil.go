package utils

import (
	"fmt"
	"time"
)

// DateLayout is the canonical EDGAR date format.
const DateLayout = "2006-01-02"

// Eastern is the US Eastern location EDGAR publishes its indexes in.
var Eastern *time.Location

func init() {
	var err error
	Eastern, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback: create fixed zone if tz database is not available
		Eastern = time.FixedZone("EST", -5*60*60)
	}
}

// TodayEastern returns today's calendar date in Eastern time.
func TodayEastern() time.Time {
	return Day(time.Now().In(Eastern))
}

// Day truncates t to its calendar date at UTC midnight. All date arithmetic
// in this module uses these civil dates.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a date in "2006-01-02" or EDGAR's compact "20060102" form.
func ParseDate(s string) (time.Time, error) {
	switch len(s) {
	case len(DateLayout):
		return time.Parse(DateLayout, s)
	case 8:
		return time.Parse("20060102", s)
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// FormatDate formats a time.Time to "2006-01-02".
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// QuarterOf returns the calendar quarter (1-4) containing t.
func QuarterOf(t time.Time) int {
	return (int(t.Month())-1)/3 + 1
}

// QuarterStart returns the first day of the given quarter.
func QuarterStart(year, quarter int) time.Time {
	return time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}

// QuarterEnd returns the last day of the given quarter.
func QuarterEnd(year, quarter int) time.Time {
	return QuarterStart(year, quarter).AddDate(0, 3, -1)
}

// NextQuarterStart returns the first day of the quarter after the one
// containing t.
func NextQuarterStart(t time.Time) time.Time {
	return QuarterStart(t.Year(), QuarterOf(t)).AddDate(0, 3, 0)
}

// IsQuarterStart reports whether t is the first day of a quarter.
func IsQuarterStart(t time.Time) bool {
	d := Day(t)
	return d.Equal(QuarterStart(d.Year(), QuarterOf(d)))
}

// DaysBetween returns the number of days from start up to (excluding) end.
func DaysBetween(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours() / 24)
}

// EachDay calls fn for every day in [start, end].
func EachDay(start, end time.Time, fn func(time.Time)) {
	for d := Day(start); !d.After(Day(end)); d = d.AddDate(0, 0, 1) {
		fn(d)
	}
}

// Package window maps civil periods (day, month, year) in a fixed time zone
// to half-open UTC ranges.
//
// Civil dates are carried as time.Time values at midnight UTC, so a date
// compares, sorts and formats the same no matter which zone it came from.
package window

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for civil dates.
const DateLayout = "2006-01-02"

// Range is the half-open interval [Start, End) in UTC.
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Calendar resolves civil periods in one location.
type Calendar struct {
	loc *time.Location
}

// New returns a calendar for loc; nil means UTC.
func New(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location returns the calendar's zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Date builds a civil date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day returns the UTC range covering the civil day d, anchored at local
// midnight. Days shortened or lengthened by DST keep their true length.
func (c Calendar) Day(d time.Time) Range {
	return c.between(d, d.AddDate(0, 0, 1))
}

// Month returns the range of the month containing d.
func (c Calendar) Month(d time.Time) Range {
	start := MonthStart(d)
	return c.between(start, start.AddDate(0, 1, 0))
}

// Year returns the range of the given year.
func (c Calendar) Year(year int) Range {
	return c.between(Date(year, time.January, 1), Date(year+1, time.January, 1))
}

// Days returns the range from the start of from through the end of to.
func (c Calendar) Days(from, to time.Time) Range {
	return c.between(from, to.AddDate(0, 0, 1))
}

func (c Calendar) between(from, to time.Time) Range {
	return Range{Start: c.midnight(from), End: c.midnight(to)}
}

func (c Calendar) midnight(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, c.Location()).UTC()
}

// Today returns the civil date of now in the calendar's zone.
func (c Calendar) Today(now time.Time) time.Time {
	return Truncate(now.In(c.Location()))
}

// Truncate drops the clock and zone of t, keeping its wall-clock date.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// MonthStart returns the first day of d's month.
func MonthStart(d time.Time) time.Time {
	return Date(d.Year(), d.Month(), 1)
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return d, nil
}

// ParseMonth parses YYYY-MM or YYYY-MM-DD and returns the month start.
func ParseMonth(s string) (time.Time, error) {
	if d, err := time.Parse("2006-01", s); err == nil {
		return d, nil
	}
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: want YYYY-MM or YYYY-MM-DD", s)
	}
	return MonthStart(d), nil
}

// FormatDate renders a civil date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

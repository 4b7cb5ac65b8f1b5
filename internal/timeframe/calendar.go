package timeframe

import (
	"fmt"
	"time"
)

// DayLayout is the ISO-8601 calendar date layout used for every day key.
const DayLayout = "2006-01-02"

// TimeProvider supplies the current instant; tests swap it for a fixed clock.
type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider is the default implementation that uses the system clock
type DefaultTimeProvider struct{}

// Now returns the current time in loc
func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// FixedTimeProvider always returns the same instant. It can be moved with Set.
type FixedTimeProvider struct {
	FixedTime time.Time
}

func (p *FixedTimeProvider) Now(loc *time.Location) time.Time {
	return p.FixedTime.In(loc)
}

// Set moves the fixed clock.
func (p *FixedTimeProvider) Set(t time.Time) {
	p.FixedTime = t
}

// Day is a calendar date in the calendar's zone. The zero value is invalid.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Dom)
}

// IsZero reports whether d is the zero value.
func (d Day) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Dom == 0
}

// Before reports whether d is strictly earlier than o.
func (d Day) Before(o Day) bool {
	return d.String() < o.String()
}

// After reports whether d is strictly later than o.
func (d Day) After(o Day) bool {
	return o.Before(d)
}

// AddDays shifts d by n calendar days.
func (d Day) AddDays(n int) Day {
	t := time.Date(d.Year, d.Month, d.Dom, 12, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return DayOf(t)
}

// Weekday returns the day of the week of d.
func (d Day) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Dom, 12, 0, 0, 0, time.UTC).Weekday()
}

// DaysUntil returns the number of days from d to o (negative when o is earlier).
func (d Day) DaysUntil(o Day) int {
	a := time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, time.UTC)
	b := time.Date(o.Year, o.Month, o.Dom, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// DayOf returns the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, dd := t.Date()
	return Day{Year: y, Month: m, Dom: dd}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return DayOf(t), nil
}

// Calendar pins every day boundary to a single configured zone.
type Calendar struct {
	loc   *time.Location
	clock TimeProvider
}

// NewCalendar builds a calendar for loc. A nil clock uses the system clock.
func NewCalendar(loc *time.Location, clock TimeProvider) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = &DefaultTimeProvider{}
	}
	return &Calendar{loc: loc, clock: clock}
}

// Location returns the calendar zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in the calendar zone.
func (c *Calendar) Now() time.Time {
	return c.clock.Now(c.loc)
}

// Today returns the current calendar day in the configured zone.
func (c *Calendar) Today() Day {
	return DayOf(c.Now())
}

// Yesterday returns the day before Today.
func (c *Calendar) Yesterday() Day {
	return c.Today().AddDays(-1)
}

// DayOf returns the calendar day containing t in the configured zone.
func (c *Calendar) DayOf(t time.Time) Day {
	return DayOf(t.In(c.loc))
}

// WeekStart returns the Monday of the ISO week containing d.
func WeekStart(d Day) Day {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

// MonthStart returns the first day of d's month.
func MonthStart(d Day) Day {
	return Day{Year: d.Year, Month: d.Month, Dom: 1}
}

package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period")

// Granularity is the width of an aggregation window.
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// Granularities lists every supported granularity from finest to coarsest.
var Granularities = []Granularity{Hour, Day, Week, Month}

// ParseGranularity validates a granularity name.
func ParseGranularity(raw string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(raw)))
	switch g {
	case Hour, Day, Week, Month:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
}

// Truncate returns the start of the window containing t, in loc.
// Weeks start on Monday.
func (g Granularity) Truncate(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	switch g {
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case Day:
		return TruncateToDay(t, loc)
	case Week:
		day := TruncateToDay(t, loc)
		delta := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -delta)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return t
	}
}

// Advance moves a window start forward by n windows (backwards when n < 0).
func (g Granularity) Advance(start time.Time, n int) time.Time {
	switch g {
	case Hour:
		return start.Add(time.Duration(n) * time.Hour)
	case Day:
		return start.AddDate(0, 0, n)
	case Week:
		return start.AddDate(0, 0, 7*n)
	case Month:
		return start.AddDate(0, n, 0)
	default:
		return start
	}
}

// Window represents a half-open [start, end) interval labelled with its granularity.
type Window struct {
	period string
	start  time.Time
	end    time.Time
	loc    *time.Location
}

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// WindowAt returns the window of granularity g that contains t.
func WindowAt(g Granularity, t time.Time, loc *time.Location) Window {
	loc = EnsureLocation(loc)
	start := g.Truncate(t, loc)
	return Window{period: string(g), start: start, end: g.Advance(start, 1), loc: loc}
}

// Trailing returns count consecutive windows of granularity g, oldest first,
// the last of which is the window containing now.
func Trailing(g Granularity, now time.Time, count int, loc *time.Location) ([]Window, error) {
	if _, err := ParseGranularity(string(g)); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: lookback must be > 0", ErrInvalidPeriod)
	}
	loc = EnsureLocation(loc)
	current := g.Truncate(now, loc)
	windows := make([]Window, 0, count)
	for i := count - 1; i >= 0; i-- {
		start := g.Advance(current, -i)
		windows = append(windows, Window{period: string(g), start: start, end: g.Advance(start, 1), loc: loc})
	}
	return windows, nil
}

// MonthWindow returns the calendar month [year-month-01, next month) in loc.
func MonthWindow(year int, month time.Month, loc *time.Location) Window {
	loc = EnsureLocation(loc)
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return Window{period: string(Month), start: start, end: start.AddDate(0, 1, 0), loc: loc}
}

// NewWindowFromRange constructs a window covering the provided [start, end) bounds.
func NewWindowFromRange(start, end time.Time, loc *time.Location, label string) (Window, error) {
	loc = EnsureLocation(loc)
	start = start.In(loc)
	end = end.In(loc)
	if !end.After(start) {
		return Window{}, ErrInvalidPeriod
	}
	p := strings.ToLower(strings.TrimSpace(label))
	if p == "" {
		p = "custom"
	}
	return Window{period: p, start: start, end: end, loc: loc}, nil
}

// Period returns the window label (hour, day, week, month or custom).
func (w Window) Period() string { return w.period }

// Granularity returns the period as a Granularity.
func (w Window) Granularity() Granularity { return Granularity(w.period) }

// Start returns the inclusive start of the window.
func (w Window) Start() time.Time { return w.start }

// End returns the exclusive end of the window.
func (w Window) End() time.Time { return w.end }

// Bounds returns the start/end timestamps.
func (w Window) Bounds() (time.Time, time.Time) { return w.start, w.end }

// Location returns the zone the window boundaries are aligned to.
func (w Window) Location() *time.Location { return EnsureLocation(w.loc) }

// StartString returns the start timestamp formatted as RFC3339 in the window's zone.
func (w Window) StartString() string { return w.start.In(w.Location()).Format(time.RFC3339) }

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.end.Sub(w.start) }

// Contains reports whether the timestamp falls within [start, end).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.start) && ts.Before(w.end)
}

// String renders the window for log attributes.
func (w Window) String() string {
	return w.period + "[" + w.StartString() + "," + w.end.In(w.Location()).Format(time.RFC3339) + ")"
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

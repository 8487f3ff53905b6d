// Package session describes trading sessions as ordered lists of
// time-of-day intervals, and tracks when an interval that was entered
// has ended.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// TimeOfDay is the offset since local midnight, in [0, 24h).
type TimeOfDay time.Duration

// At builds a TimeOfDay from wall-clock parts.
func At(h, m, s int) TimeOfDay {
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// AtMilli is At with a millisecond part.
func AtMilli(h, m, s, ms int) TimeOfDay {
	return At(h, m, s) + TimeOfDay(time.Duration(ms)*time.Millisecond)
}

// Of extracts the time of day of t in t's own location.
func Of(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return At(h, m, s) + TimeOfDay(t.Nanosecond())
}

// Add shifts by d, wrapping around midnight.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	v := (time.Duration(t) + d) % day
	if v < 0 {
		v += day
	}
	return TimeOfDay(v)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	ms := (d % time.Second) / time.Millisecond
	if ms == 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// ParseTimeOfDay reads "HH:MM", "HH:MM:SS" or "HH:MM:SS.fff".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	var sec float64
	if len(parts) == 3 {
		sec, err = strconv.ParseFloat(parts[2], 64)
		if err != nil || sec < 0 || sec >= 60 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return At(h, m, 0) + TimeOfDay(time.Duration(sec*float64(time.Second)).Round(time.Millisecond)), nil
}

// dateOf returns a sortable yyyymmdd day number in t's location.
func dateOf(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// NightStart is the time of day from which bars belong to the next
// trading day.
var NightStart = At(20, 0, 0)

// TradingDay returns the yyyymmdd trading day t belongs to. Bars at or
// after NightStart roll into the next day, and weekend days roll into
// the following Monday.
func TradingDay(t time.Time) int {
	if Of(t) >= NightStart {
		t = t.AddDate(0, 0, 1)
	}
	switch t.Weekday() {
	case time.Saturday:
		t = t.AddDate(0, 0, 2)
	case time.Sunday:
		t = t.AddDate(0, 0, 1)
	}
	return dateOf(t)
}

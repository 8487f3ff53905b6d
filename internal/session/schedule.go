package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quantcore/internal/keys"
)

// Schedule is an ordered list of intervals. The first interval containing
// a timestamp wins.
type Schedule []Interval

// ErrEmptySchedule is returned when a schedule has no intervals.
var ErrEmptySchedule = errors.New("session: empty schedule")

// New validates intervals and returns them as a Schedule.
func New(intervals ...Interval) (Schedule, error) {
	s := Schedule(intervals)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchedule is New that panics on a malformed schedule.
func MustSchedule(intervals ...Interval) Schedule {
	s, err := New(intervals...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks every interval.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return ErrEmptySchedule
	}
	for i, iv := range s {
		if iv == nil {
			return fmt.Errorf("session: interval %d is nil", i)
		}
		if err := iv.validate(); err != nil {
			return fmt.Errorf("session: interval %d: %w", i, err)
		}
	}
	return nil
}

// Find returns the first interval containing tod.
func (s Schedule) Find(tod TimeOfDay) (Interval, bool) {
	for _, iv := range s {
		if iv.Contains(tod) {
			return iv, true
		}
	}
	return nil, false
}

// Concat joins schedules in order.
func Concat(parts ...Schedule) Schedule {
	var out Schedule
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (s Schedule) WriteKey(b *keys.Builder) {
	b.Tag("schedule").Int(int64(len(s)))
	for _, iv := range s {
		b.Nested(iv)
	}
}

func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, iv := range s {
		parts[i] = iv.String()
	}
	return strings.Join(parts, ",")
}

// EvenSlice cuts [start, end] into bars of length step, each closing offset
// before the next one opens. A slice that would cross midnight becomes a
// one-day DayJump and ends the schedule.
func EvenSlice(start, end TimeOfDay, step, offset time.Duration) (Schedule, error) {
	if step <= offset || offset < 0 {
		return nil, fmt.Errorf("session: step %s must exceed offset %s", step, offset)
	}
	var out Schedule
	cur := start
	for {
		last := cur.Add(step - offset)
		if last < cur {
			out = append(out, DayJump{Start: cur, Days: 1, End: last})
			break
		}
		if cur <= end && last >= end {
			out = append(out, Span{Start: cur, End: end})
			break
		}
		out = append(out, Span{Start: cur, End: last})
		cur = last.Add(offset)
	}
	return out, nil
}

// Parse reads a comma separated list of "HH:MM:SS-HH:MM:SS" spans and
// "HH:MM:SS+N-HH:MM:SS" day jumps.
func Parse(text string) (Schedule, error) {
	var out Schedule
	for _, item := range strings.Split(text, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lhs, rhs, ok := strings.Cut(item, "-")
		if !ok {
			return nil, fmt.Errorf("session: interval %q has no end", item)
		}
		end, err := ParseTimeOfDay(rhs)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		if startText, daysText, jump := strings.Cut(lhs, "+"); jump {
			start, err := ParseTimeOfDay(startText)
			if err != nil {
				return nil, fmt.Errorf("session: %w", err)
			}
			days, err := strconv.Atoi(strings.TrimSpace(daysText))
			if err != nil {
				return nil, fmt.Errorf("session: day count in %q: %w", item, err)
			}
			out = append(out, DayJump{Start: start, Days: days, End: end})
			continue
		}
		start, err := ParseTimeOfDay(lhs)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		out = append(out, Span{Start: start, End: end})
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

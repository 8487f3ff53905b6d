package session

import (
	"fmt"
	"time"

	"quantcore/internal/keys"
)

// Interval is one bar-producing window of a session.
type Interval interface {
	// Contains reports whether a bar may begin at tod.
	Contains(tod TimeOfDay) bool

	// ended advances the day record and reports whether the interval
	// entered on rec has closed by (date, tod).
	ended(rec *Record, date int, tod TimeOfDay) bool

	validate() error
	keys.Keyer
	fmt.Stringer
}

// Record is the per-bar day bookkeeping of an entered interval.
type Record struct {
	date  int
	count int
}

// Enter starts a record on the day t belongs to.
func Enter(t time.Time) Record { return Record{date: dateOf(t)} }

// Ended reports whether iv, entered on rec, has closed by t.
func Ended(iv Interval, rec *Record, t time.Time) bool {
	return iv.ended(rec, dateOf(t), Of(t))
}

// Span is a same-day window [Start, End]. It ends once a timestamp at or
// past End arrives, or the date changes.
type Span struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (s Span) Contains(tod TimeOfDay) bool { return s.Start <= tod && tod <= s.End }

func (s Span) ended(rec *Record, date int, tod TimeOfDay) bool {
	return tod >= s.End || date != rec.date
}

func (s Span) validate() error {
	if s.End < s.Start {
		return fmt.Errorf("span %s ends before it starts", s)
	}
	return nil
}

func (s Span) WriteKey(b *keys.Builder) {
	b.Tag("span").Int(int64(s.Start)).Int(int64(s.End))
}

func (s Span) String() string { return s.Start.String() + "-" + s.End.String() }

// DayJump is a window that opens at Start and closes at End after Days
// date changes, e.g. a night session running into the next afternoon.
type DayJump struct {
	Start TimeOfDay
	Days  int
	End   TimeOfDay
}

func (d DayJump) Contains(tod TimeOfDay) bool { return tod >= d.Start || tod <= d.End }

// The counter advances on every date change, and also once for an input
// before Start on the entry day (the bar was entered after midnight).
func (d DayJump) ended(rec *Record, date int, tod TimeOfDay) bool {
	if date > rec.date || (rec.count == 0 && tod < d.Start) {
		rec.date = date
		rec.count++
	}
	return rec.count > d.Days || (rec.count == d.Days && tod >= d.End)
}

func (d DayJump) validate() error {
	if d.Days < 1 {
		return fmt.Errorf("day jump %s needs at least one day", d)
	}
	return nil
}

func (d DayJump) WriteKey(b *keys.Builder) {
	b.Tag("dayjump").Int(int64(d.Start)).Int(int64(d.Days)).Int(int64(d.End))
}

func (d DayJump) String() string {
	return fmt.Sprintf("%s+%d-%s", d.Start, d.Days, d.End)
}

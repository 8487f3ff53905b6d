// Package transform re-expresses a bar series: time-window resampling,
// Heikin-Ashi smoothing, event-driven re-barring, volume filtering, log
// normalisation, flat-tick smoothing, and chains of these.
//
// A Convert is an immutable descriptor. Its identity is the canonical key
// it writes (keys.Of); String is for display and round-trips through Parse.
// Cardinality-reducing transforms attach a model.Mask to their output so
// results computed on the reduced grid can be aligned back onto the input.
package transform

import (
	"errors"
	"fmt"
	"strconv"

	"quantcore/internal/keys"
	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/session"
)

// Convert is one of the transform descriptors declared in this package.
type Convert interface {
	keys.Keyer
	fmt.Stringer
	Validate() error
	isConvert()
}

// Ori is the identity transform.
type Ori struct{}

// Tf keeps only bars whose time of day lies in [Start, End]. A window
// with Start after End wraps midnight.
type Tf struct {
	Start session.TimeOfDay
	End   session.TimeOfDay
}

// HeikinAshi smooths bars; the open is an EMA of the close over Window
// bars, lagged by one.
type HeikinAshi struct {
	Window int
}

// Event re-bars the series with Rule.
type Event struct {
	Rule rebar.Rule
}

// VolFilter keeps bars whose volume is at or above the Percent percentile
// of the trailing Window bars.
type VolFilter struct {
	Window  int
	Percent float64
}

// LogNorm divides every price by the lowest low of the series.
type LogNorm struct{}

// FlatTick removes single-bar spikes from the close and collapses OHLC
// onto the smoothed close.
type FlatTick struct{}

// PreNow applies Now to the output of Pre.
type PreNow struct {
	Pre Convert
	Now Convert
}

func (Ori) isConvert()        {}
func (Tf) isConvert()         {}
func (HeikinAshi) isConvert() {}
func (Event) isConvert()      {}
func (VolFilter) isConvert()  {}
func (LogNorm) isConvert()    {}
func (FlatTick) isConvert()   {}
func (PreNow) isConvert()     {}

// ────────────────────────────────────────────────────────────
// Validation
// ────────────────────────────────────────────────────────────

var errNilConvert = errors.New("transform: nil convert")

func (Ori) Validate() error      { return nil }
func (Tf) Validate() error       { return nil }
func (LogNorm) Validate() error  { return nil }
func (FlatTick) Validate() error { return nil }

func (h HeikinAshi) Validate() error {
	if h.Window < 1 {
		return fmt.Errorf("transform: heikin-ashi window must be positive, got %d", h.Window)
	}
	return nil
}

func (e Event) Validate() error {
	if e.Rule == nil {
		return errors.New("transform: event without rule")
	}
	if err := e.Rule.Validate(); err != nil {
		return fmt.Errorf("transform: event %s: %w", e.Rule, err)
	}
	return nil
}

func (v VolFilter) Validate() error {
	if v.Window < 1 {
		return fmt.Errorf("transform: volume filter window must be positive, got %d", v.Window)
	}
	if v.Percent < 0 || v.Percent > 100 {
		return fmt.Errorf("transform: volume filter percent %v outside [0, 100]", v.Percent)
	}
	return nil
}

func (p PreNow) Validate() error {
	if p.Pre == nil || p.Now == nil {
		return errNilConvert
	}
	if err := p.Pre.Validate(); err != nil {
		return err
	}
	return p.Now.Validate()
}

// ────────────────────────────────────────────────────────────
// Keys
// ────────────────────────────────────────────────────────────

func (Ori) WriteKey(b *keys.Builder) { b.Tag("ori") }

func (t Tf) WriteKey(b *keys.Builder) { b.Tag("tf").Int(int64(t.Start)).Int(int64(t.End)) }

func (h HeikinAshi) WriteKey(b *keys.Builder) { b.Tag("ha").Int(int64(h.Window)) }

func (e Event) WriteKey(b *keys.Builder) { b.Tag("event").Nested(e.Rule) }

func (v VolFilter) WriteKey(b *keys.Builder) {
	b.Tag("volfilter").Int(int64(v.Window)).Float(v.Percent)
}

func (LogNorm) WriteKey(b *keys.Builder) { b.Tag("log") }

func (FlatTick) WriteKey(b *keys.Builder) { b.Tag("flat") }

func (p PreNow) WriteKey(b *keys.Builder) { b.Tag("prenow").Nested(p.Pre).Nested(p.Now) }

// Key is keys.Of(c), with nil mapping to the identity.
func Key(c Convert) keys.Key {
	if c == nil {
		c = Ori{}
	}
	return keys.Of(c)
}

// ────────────────────────────────────────────────────────────
// Display
// ────────────────────────────────────────────────────────────

func (Ori) String() string          { return "ori" }
func (t Tf) String() string         { return "tf:" + t.Start.String() + "-" + t.End.String() }
func (h HeikinAshi) String() string { return "ha:" + strconv.Itoa(h.Window) }
func (e Event) String() string      { return "event:" + fmt.Sprint(e.Rule) }
func (LogNorm) String() string      { return "log" }
func (FlatTick) String() string     { return "flat" }

func (v VolFilter) String() string {
	return "volfilter:" + strconv.Itoa(v.Window) + ":" + strconv.FormatFloat(v.Percent, 'g', -1, 64)
}

func (p PreNow) String() string { return fmt.Sprint(p.Pre) + ">" + fmt.Sprint(p.Now) }

// Package rebar re-segments an existing bar series into coarser bars using
// an arbitrary boundary rule: a session schedule, a fixed bar count, or a
// traded-volume threshold. Each rule hands out fresh Builders, so one rule
// value can re-bar any number of series.
package rebar

import (
	"errors"
	"fmt"

	"quantcore/internal/keys"
	"quantcore/internal/marketdata/agg"
	"quantcore/internal/model"
	"quantcore/internal/session"
)

// Builder folds input bars one at a time.
type Builder interface {
	// Update folds in and returns its classification; a Finished input
	// closes the bar under construction.
	Update(in model.Bar) model.BarState
	// Series returns the bars completed so far.
	Series() *model.PriceSeries
}

// Rule describes a bar boundary policy.
type Rule interface {
	keys.Keyer
	fmt.Stringer
	Validate() error
	NewBuilder() Builder
}

// Rebuild feeds every bar of src through a fresh builder for r and returns
// the coarser series with its per-input mask.
func Rebuild(r Rule, src *model.Shared) (*model.Shared, error) {
	if r == nil {
		return nil, errors.New("rebar: nil rule")
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("rebar: %s: %w", r, err)
	}
	b := r.NewBuilder()
	mask := make(model.Mask, src.Len())
	for i := 0; i < src.Len(); i++ {
		mask[i] = b.Update(src.Bar(i))
	}
	return b.Series().Freeze().WithMask(mask), nil
}

// ────────────────────────────────────────────────────────────
// Session
// ────────────────────────────────────────────────────────────

// Session closes bars on a session schedule, like the live aggregator.
type Session struct {
	Name     string // display only
	Schedule session.Schedule
}

func (s Session) Validate() error { return s.Schedule.Validate() }

func (s Session) NewBuilder() Builder { return sessionBuilder{agg.New(s.Schedule)} }

func (s Session) WriteKey(b *keys.Builder) { b.Tag("session").Nested(s.Schedule) }

func (s Session) String() string {
	if s.Name != "" {
		return "session:" + s.Name
	}
	return "session:" + s.Schedule.String()
}

type sessionBuilder struct{ a *agg.Aggregator }

func (s sessionBuilder) Update(in model.Bar) model.BarState { return s.a.UpdateBar(in) }
func (s sessionBuilder) Series() *model.PriceSeries         { return s.a.Series() }

// ────────────────────────────────────────────────────────────
// Count
// ────────────────────────────────────────────────────────────

// Count closes a bar every N input bars.
type Count struct {
	N int
}

func (c Count) Validate() error {
	if c.N < 1 {
		return fmt.Errorf("count must be positive, got %d", c.N)
	}
	return nil
}

func (c Count) NewBuilder() Builder {
	return &countBuilder{n: c.N, fold: agg.NewFold(), out: model.NewPriceSeries(64)}
}

func (c Count) WriteKey(b *keys.Builder) { b.Tag("count").Int(int64(c.N)) }
func (c Count) String() string           { return fmt.Sprintf("count:%d", c.N) }

type countBuilder struct {
	n    int
	seen int
	fold agg.Fold
	out  *model.PriceSeries
}

func (c *countBuilder) Update(in model.Bar) model.BarState {
	c.seen++
	state := model.Merging
	if c.seen == 1 {
		state = model.Begin
	}
	if c.seen == c.n {
		state = model.Finished
		c.seen = 0
	}
	if b, done := c.fold.Bar(state, in); done {
		c.out.Append(b)
	}
	return state
}

func (c *countBuilder) Series() *model.PriceSeries { return c.out }

// ────────────────────────────────────────────────────────────
// Volume
// ────────────────────────────────────────────────────────────

// Volume closes a bar once its accumulated volume reaches Threshold.
type Volume struct {
	Threshold float64
}

func (v Volume) Validate() error {
	if !(v.Threshold > 0) {
		return fmt.Errorf("volume threshold must be positive, got %v", v.Threshold)
	}
	return nil
}

func (v Volume) NewBuilder() Builder {
	return &volumeBuilder{threshold: v.Threshold, fold: agg.NewFold(), out: model.NewPriceSeries(64)}
}

func (v Volume) WriteKey(b *keys.Builder) { b.Tag("volume").Float(v.Threshold) }
func (v Volume) String() string           { return fmt.Sprintf("volume:%g", v.Threshold) }

type volumeBuilder struct {
	threshold float64
	fold      agg.Fold
	out       *model.PriceSeries
}

func (v *volumeBuilder) Update(in model.Bar) model.BarState {
	state := model.Begin
	acc := in.Volume
	if pending, open := v.fold.Pending(); open {
		state = model.Merging
		acc += pending.Volume
	}
	if acc >= v.threshold {
		state = model.Finished
	}
	if b, done := v.fold.Bar(state, in); done {
		v.out.Append(b)
	}
	return state
}

func (v *volumeBuilder) Series() *model.PriceSeries { return v.out }

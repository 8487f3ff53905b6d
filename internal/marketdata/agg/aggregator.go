// Package agg turns an ordered stream of ticks or finer bars into OHLCV
// bars according to a session schedule.
//
// The aggregator is a four-state machine. While no bar is open
// (Finished/Ignored) each input is matched against the schedule: inputs
// outside every interval are Ignored, the first input inside one is Begin
// and opens a bar. While a bar is open every input is Merging until the
// active interval reports it has ended; that input is Finished, it is
// folded into the bar, and the bar is emitted.
//
// Input must be in non-decreasing time order. Ordering is the feed's
// responsibility and is not checked here.
package agg

import (
	"context"
	"log"
	"time"

	"quantcore/internal/model"
	"quantcore/internal/session"
)

// Aggregator builds bars for a single instrument. Not goroutine-safe:
// feed it from one goroutine, or use Run.
type Aggregator struct {
	schedule session.Schedule
	active   session.Interval
	rec      session.Record

	fold Fold
	out  *model.PriceSeries

	// Hooks (optional, set externally)
	OnBar     func(b model.Bar) // called for every emitted bar
	OnIgnored func()            // called for every input outside the schedule
}

// New creates an Aggregator. A malformed schedule is a configuration error
// and panics.
func New(schedule session.Schedule) *Aggregator {
	if err := schedule.Validate(); err != nil {
		panic("agg: " + err.Error())
	}
	return &Aggregator{
		schedule: schedule,
		active:   schedule[0],
		fold:     NewFold(),
		out:      model.NewPriceSeries(256),
	}
}

// classify decides the state of an input stamped t.
func (a *Aggregator) classify(t time.Time) model.BarState {
	switch a.fold.Last() {
	case model.Finished, model.Ignored:
		iv, ok := a.schedule.Find(session.Of(t))
		if !ok {
			return model.Ignored
		}
		a.active = iv
		a.rec = session.Enter(t)
		return model.Begin
	default:
		if session.Ended(a.active, &a.rec, t) {
			return model.Finished
		}
		return model.Merging
	}
}

// UpdateTick folds one tick and returns its classification.
func (a *Aggregator) UpdateTick(tk model.Tick) model.BarState {
	state := a.classify(tk.Time)
	a.collect(a.fold.Tick(state, tk))
	a.observe(state)
	return state
}

// UpdateBar folds one finer bar and returns its classification.
func (a *Aggregator) UpdateBar(in model.Bar) model.BarState {
	state := a.classify(in.Time)
	a.collect(a.fold.Bar(state, in))
	a.observe(state)
	return state
}

func (a *Aggregator) collect(b model.Bar, done bool) {
	if !done {
		return
	}
	a.out.Append(b)
	if a.OnBar != nil {
		a.OnBar(b)
	}
}

func (a *Aggregator) observe(state model.BarState) {
	if state == model.Ignored && a.OnIgnored != nil {
		a.OnIgnored()
	}
}

// Last returns the classification of the most recent input.
func (a *Aggregator) Last() model.BarState { return a.fold.Last() }

// Pending returns the bar under construction, if one is open.
func (a *Aggregator) Pending() (model.Bar, bool) { return a.fold.Pending() }

// Series returns the bars emitted so far. The returned series is owned by
// the aggregator; call Freeze on it to publish a snapshot.
func (a *Aggregator) Series() *model.PriceSeries { return a.out }

// Run consumes ticks from tickCh and sends every finished bar to barCh.
// Blocks until ctx is cancelled or tickCh is closed. A bar still open at
// exit is not emitted.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, barCh chan<- model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case tk, ok := <-tickCh:
			if !ok {
				return
			}
			if a.UpdateTick(tk) == model.Finished {
				emit(barCh, a.out.Bar(a.out.Len()-1))
			}
		}
	}
}

// emit sends b to barCh. Non-blocking to avoid stalling the feed.
func emit(barCh chan<- model.Bar, b model.Bar) {
	select {
	case barCh <- b:
	default:
		log.Printf("[agg] barCh full, dropping bar %s ts=%v", b.Info.Contract, b.Time)
	}
}

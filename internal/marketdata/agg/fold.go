package agg

import "quantcore/internal/model"

// Fold accumulates inputs into one bar given each input's classification.
// Aggregator drives it from a session schedule; other bar builders drive
// it from their own boundary rules.
//
// A Finished input with no bar open opens and closes a one-input bar.
type Fold struct {
	bar  model.Bar
	last model.BarState
}

// NewFold returns a Fold with no bar open.
func NewFold() Fold { return Fold{last: model.Finished} }

// Last returns the state of the most recent input.
func (f *Fold) Last() model.BarState { return f.last }

func (f *Fold) open() bool { return f.last == model.Begin || f.last == model.Merging }

// Pending returns the bar under construction, if one is open.
func (f *Fold) Pending() (model.Bar, bool) {
	if f.open() {
		return f.bar, true
	}
	return model.Bar{}, false
}

// Tick folds a tick classified as state. It returns the completed bar
// when state is Finished.
func (f *Fold) Tick(state model.BarState, tk model.Tick) (model.Bar, bool) {
	f.resetAfterFinish()
	b := &f.bar
	switch {
	case state == model.Ignored:
		b.Info.TicksSkipped++
	case state == model.Begin || !f.open():
		skipped := b.Info.TicksSkipped
		*b = model.Bar{
			Time: tk.Time, Open: tk.Last, High: tk.Last, Low: tk.Last, Close: tk.Last,
			Volume: tk.Volume, Amount: tk.Amount,
			Info: model.BarInfo{OpenTime: tk.Time, TicksMerged: 1, TicksSkipped: skipped, Contract: tk.Contract},
		}
	default:
		b.Time = tk.Time
		b.High = max(b.High, tk.Last)
		b.Low = min(b.Low, tk.Last)
		b.Close = tk.Last
		b.Volume += tk.Volume
		b.Amount += tk.Amount
		b.Info.TicksMerged++
	}
	return f.commit(state)
}

// Bar folds a finer bar classified as state. Tick counts carried by the
// input are propagated: ticks skipped before an input that lands inside
// an open bar count as merged. An input without tick counts counts as one.
func (f *Fold) Bar(state model.BarState, in model.Bar) (model.Bar, bool) {
	f.resetAfterFinish()
	merged := max(in.Info.TicksMerged, 1)
	b := &f.bar
	switch {
	case state == model.Ignored:
		b.Info.TicksSkipped += in.Info.TicksSkipped + merged
	case state == model.Begin || !f.open():
		skipped := b.Info.TicksSkipped + in.Info.TicksSkipped
		openTime := in.Info.OpenTime
		if openTime.IsZero() {
			openTime = in.Time
		}
		*b = in
		b.Info = model.BarInfo{OpenTime: openTime, TicksMerged: merged, TicksSkipped: skipped, Contract: in.Info.Contract}
	default:
		b.Time = in.Time
		b.High = max(b.High, in.High)
		b.Low = min(b.Low, in.Low)
		b.Close = in.Close
		b.Volume += in.Volume
		b.Amount += in.Amount
		b.Info.TicksMerged += in.Info.TicksSkipped + merged
	}
	return f.commit(state)
}

func (f *Fold) resetAfterFinish() {
	if f.last == model.Finished {
		f.bar.Info.TicksSkipped = 0
	}
}

func (f *Fold) commit(state model.BarState) (model.Bar, bool) {
	f.last = state
	return f.bar, state == model.Finished
}

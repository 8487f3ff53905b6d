package model

// BarState classifies a single input against the bar under construction.
type BarState uint8

const (
	Ignored  BarState = iota // outside every interval, no bar in progress
	Begin                    // opened a new bar
	Merging                  // folded into the open bar
	Finished                 // folded into and closed the open bar
)

func (s BarState) String() string {
	switch s {
	case Ignored:
		return "ignored"
	case Begin:
		return "begin"
	case Merging:
		return "merging"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Mask holds one BarState per input bar of a cardinality-reducing step.
// Only Finished entries correspond to an output bar.
type Mask []BarState

// Count returns the number of Finished entries, i.e. the output length.
func (m Mask) Count() int {
	n := 0
	for _, s := range m {
		if s == Finished {
			n++
		}
	}
	return n
}

// Positions returns the input indexes of every Finished entry, in order.
func (m Mask) Positions() []int {
	out := make([]int, 0, m.Count())
	for i, s := range m {
		if s == Finished {
			out = append(out, i)
		}
	}
	return out
}

// MaskOf builds a keep/drop mask.
func MaskOf(keep []bool) Mask {
	m := make(Mask, len(keep))
	for i, k := range keep {
		if k {
			m[i] = Finished
		}
	}
	return m
}

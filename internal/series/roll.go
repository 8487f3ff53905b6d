package series

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"quantcore/internal/ringbuf"
)

// Func is a window reduction.
type Func uint8

const (
	RollMax Func = iota
	RollMin
	RollMean
	RollSum
	RollStd
)

var funcNames = [...]string{"max", "min", "mean", "sum", "std"}

func (f Func) String() string {
	if int(f) < len(funcNames) {
		return funcNames[f]
	}
	return fmt.Sprintf("func(%d)", uint8(f))
}

// ParseFunc maps "max", "mean", ... to a Func.
func ParseFunc(s string) (Func, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range funcNames {
		if s == n {
			return Func(i), nil
		}
	}
	return 0, fmt.Errorf("unknown rolling function %q", s)
}

// Roll reduces the trailing window of w bars ending at each position.
// The first w-1 positions use the partial window available so far. NaN
// values inside a window are skipped; a window with no finite value
// yields NaN. RollStd is the sample deviation and needs two values.
func Roll(x []float64, w int, f Func) []float64 {
	win := ringbuf.New(w)
	out := make([]float64, len(x))
	for i, v := range x {
		win.Push(v)
		out[i] = reduce(win, f)
	}
	return out
}

func reduce(win *ringbuf.Window, f Func) float64 {
	var sum, sumsq float64
	n := 0
	m := nan
	for i := 0; i < win.Len(); i++ {
		v := win.At(i)
		if math.IsNaN(v) {
			continue
		}
		n++
		sum += v
		sumsq += v * v
		switch {
		case math.IsNaN(m):
			m = v
		case f == RollMax && v > m:
			m = v
		case f == RollMin && v < m:
			m = v
		}
	}
	if n == 0 {
		return nan
	}
	switch f {
	case RollMax, RollMin:
		return m
	case RollSum:
		return sum
	case RollMean:
		return sum / float64(n)
	case RollStd:
		if n < 2 {
			return nan
		}
		v := (sumsq - sum*sum/float64(n)) / float64(n-1)
		return math.Sqrt(math.Max(v, 0))
	}
	return nan
}

// AtLeastQuantile reports, per bar, whether x[i] is at or above the
// p-quantile of the trailing window of w bars (partial at the start).
func AtLeastQuantile(x []float64, w int, p float64) []bool {
	keep := make([]bool, len(x))
	for i, v := range x {
		lo := i - w + 1
		if lo < 0 {
			lo = 0
		}
		keep[i] = v >= Quantile(x[lo:i+1], p)
	}
	return keep
}

// Rank is the percentile rank (0..100) of each value among the last
// window finite observations including itself: the share of the window
// strictly below it. Positions before lookback observations have been
// seen, and NaN inputs, yield NaN. The window is kept sorted and updated
// by binary-search insertion and removal.
func Rank(x []float64, window, lookback int) []float64 {
	win := ringbuf.New(window)
	sorted := make([]float64, 0, window)
	out := make([]float64, len(x))
	seen := 0
	for i, v := range x {
		if math.IsNaN(v) {
			out[i] = nan
			continue
		}
		if ev, ok := win.Push(v); ok {
			j := sort.SearchFloat64s(sorted, ev)
			sorted = slices.Delete(sorted, j, j+1)
		}
		pos := sort.SearchFloat64s(sorted, v)
		sorted = slices.Insert(sorted, pos, v)
		seen++
		if seen < lookback {
			out[i] = nan
			continue
		}
		out[i] = 100 * float64(pos) / float64(len(sorted))
	}
	return out
}

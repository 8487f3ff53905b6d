// Package series holds the vectorised numeric primitives shared by the
// transform and indicator kernels. Every function returns a fresh slice of
// the same length as its input and never writes into its arguments.
//
// NaN is the "no value" sentinel throughout.
package series

import (
	"math"
	"sort"
)

var nan = math.NaN()

// NaNs returns n NaN values.
func NaNs(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = nan
	}
	return out
}

// Lag shifts x forward by n bars, filling the first n positions with fill.
func Lag(x []float64, n int, fill float64) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		if i < n {
			out[i] = fill
		} else {
			out[i] = x[i-n]
		}
	}
	return out
}

// EMA is the exponential moving average with alpha = 2/(w+1).
// It is seeded by the first finite value; positions before the seed are
// NaN, and a NaN input after the seed repeats the previous average.
func EMA(x []float64, w int) []float64 { return EWM(x, 2.0/float64(w+1)) }

// SMMA is Wilder's smoothed average, alpha = 1/w, seeded like EMA.
func SMMA(x []float64, w int) []float64 { return EWM(x, 1.0/float64(w)) }

// EWM is the exponentially weighted mean with smoothing factor alpha.
func EWM(x []float64, alpha float64) []float64 {
	out := make([]float64, len(x))
	cur := nan
	for i, v := range x {
		switch {
		case math.IsNaN(v):
		case math.IsNaN(cur):
			cur = v
		default:
			cur = alpha*v + (1-alpha)*cur
		}
		out[i] = cur
	}
	return out
}

// FFill carries the last finite value forward over NaN gaps. Leading NaNs
// stay NaN.
func FFill(x []float64) []float64 {
	out := make([]float64, len(x))
	last := nan
	for i, v := range x {
		if !math.IsNaN(v) {
			last = v
		}
		out[i] = last
	}
	return out
}

// Quantile returns the p-quantile (0..1) of the finite values in x using
// linear interpolation between closest ranks. Empty input yields NaN.
func Quantile(x []float64, p float64) float64 {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			s = append(s, v)
		}
	}
	if len(s) == 0 {
		return nan
	}
	sort.Float64s(s)
	pos := p * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// Map2 applies f pairwise. a and b must have equal length.
func Map2(a, b []float64, f func(x, y float64) float64) []float64 {
	out := make([]float64, len(a))
	for i := range out {
		out[i] = f(a[i], b[i])
	}
	return out
}

// Map applies f element-wise.
func Map(a []float64, f func(x float64) float64) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = f(v)
	}
	return out
}

// Min returns the smallest finite value, or NaN.
func Min(x []float64) float64 {
	m := nan
	for _, v := range x {
		if !math.IsNaN(v) && (math.IsNaN(m) || v < m) {
			m = v
		}
	}
	return m
}

// Max returns the largest finite value, or NaN.
func Max(x []float64) float64 {
	m := nan
	for _, v := range x {
		if !math.IsNaN(v) && (math.IsNaN(m) || v > m) {
			m = v
		}
	}
	return m
}

package transform

import (
	"errors"
	"fmt"
	"math"

	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/model"
	"quantcore/internal/series"
	"quantcore/internal/session"
)

// ErrNonPositiveLow is returned by LogNorm when the lowest low is not a
// positive number.
var ErrNonPositiveLow = errors.New("transform: lowest low is not positive")

// Source supplies the raw series of a dataset and a (typically cached)
// way to transform it.
type Source interface {
	Raw() *model.Shared
	Transform(c Convert) (*model.Shared, error)
}

// Apply computes c over src's raw series. Chains are flattened; every
// proper prefix of the chain is requested through src.Transform so that
// its result is shared with other chains starting the same way.
func Apply(src Source, c Convert) (*model.Shared, error) {
	if c == nil {
		return nil, errNilConvert
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	stages := Flatten(c)
	switch len(stages) {
	case 0:
		return src.Raw(), nil
	case 1:
		return On(stages[0], src.Raw())
	}
	pre, err := src.Transform(Chain(stages[:len(stages)-1]...))
	if err != nil {
		return nil, err
	}
	return On(stages[len(stages)-1], pre)
}

// On applies c directly to in, without any caching.
func On(c Convert, in *model.Shared) (*model.Shared, error) {
	switch c := c.(type) {
	case nil:
		return nil, errNilConvert
	case Ori:
		return in, nil
	case Tf:
		return timeWindow(c, in), nil
	case HeikinAshi:
		return heikinAshi(c.Window, in), nil
	case Event:
		return rebar.Rebuild(c.Rule, in)
	case VolFilter:
		keep := series.AtLeastQuantile(in.Volume, c.Window, c.Percent/100)
		return selectRows(in, keep), nil
	case LogNorm:
		return logNorm(in)
	case FlatTick:
		return flatTick(in), nil
	case PreNow:
		mid, err := On(c.Pre, in)
		if err != nil {
			return nil, err
		}
		return On(c.Now, mid)
	}
	return nil, fmt.Errorf("transform: unsupported convert %T", c)
}

// Direct is a Source without caching, for one-off use and tests.
type Direct struct {
	Series *model.Shared
}

func (d Direct) Raw() *model.Shared { return d.Series }

func (d Direct) Transform(c Convert) (*model.Shared, error) { return Apply(d, c) }

// ────────────────────────────────────────────────────────────
// Kernels
// ────────────────────────────────────────────────────────────

func timeWindow(t Tf, in *model.Shared) *model.Shared {
	keep := make([]bool, in.Len())
	for i, ts := range in.Time {
		tod := session.Of(ts)
		if t.Start <= t.End {
			keep[i] = t.Start <= tod && tod <= t.End
		} else {
			keep[i] = tod >= t.Start || tod <= t.End
		}
	}
	return selectRows(in, keep)
}

// selectRows copies the kept rows into a new series masked over in.
func selectRows(in *model.Shared, keep []bool) *model.Shared {
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	out := model.NewPriceSeries(n)
	for i, k := range keep {
		if k {
			out.Append(in.Bar(i))
		}
	}
	return out.Freeze().WithMask(model.MaskOf(keep))
}

func heikinAshi(w int, in *model.Shared) *model.Shared {
	n := in.Len()
	closeHA := make([]float64, n)
	for i := range closeHA {
		closeHA[i] = (in.Open[i] + in.High[i] + in.Low[i] + in.Close[i]) / 4
	}
	openHA := series.Lag(series.EMA(in.Close, w), 1, math.NaN())
	switch {
	case n > 1:
		openHA[0] = openHA[1]
	case n == 1:
		openHA[0] = in.Close[0]
	}
	highHA := make([]float64, n)
	lowHA := make([]float64, n)
	for i := 0; i < n; i++ {
		highHA[i] = max(in.High[i], openHA[i], closeHA[i])
		lowHA[i] = min(in.Low[i], openHA[i], closeHA[i])
	}
	return &model.Shared{
		Time: in.Time, Info: in.Info, Volume: in.Volume, Amount: in.Amount,
		Open: openHA, High: highHA, Low: lowHA, Close: closeHA,
	}
}

func logNorm(in *model.Shared) (*model.Shared, error) {
	m := series.Min(in.Low)
	if !(m > 0) {
		return nil, fmt.Errorf("%w: %v", ErrNonPositiveLow, m)
	}
	div := func(x float64) float64 { return x / m }
	return &model.Shared{
		Time: in.Time, Info: in.Info, Volume: in.Volume, Amount: in.Amount,
		Open: series.Map(in.Open, div), High: series.Map(in.High, div),
		Low: series.Map(in.Low, div), Close: series.Map(in.Close, div),
	}, nil
}

// flatTick replaces c[i] by c[i-1] when c[i-1] == c[i+1] != c[i]. The
// first and last bars are kept.
func flatTick(in *model.Shared) *model.Shared {
	c := in.Close
	n := len(c)
	res := make([]float64, n)
	copy(res, c)
	for i := 1; i+1 < n; i++ {
		if c[i-1] == c[i+1] && c[i] != c[i+1] {
			res[i] = c[i-1]
		}
	}
	return &model.Shared{
		Time: in.Time, Info: in.Info, Volume: in.Volume, Amount: in.Amount,
		Open: res, High: res, Low: res, Close: res,
	}
}

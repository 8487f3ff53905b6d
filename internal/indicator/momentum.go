package indicator

import (
	"fmt"
	"math"

	"quantcore/internal/keys"
	"quantcore/internal/model"
	"quantcore/internal/series"
)

// RSI is the relative strength index. Bar-over-bar gains and losses are
// each smoothed with EMA(Window); RSI = 100*gain/(gain+loss). The first
// bar has no delta and counts as neither. 0/0 is NaN.
type RSI struct {
	Window int
}

// TR is the true range: the largest of |high-close|, |low-prevClose| and
// |high-low|.
type TR struct{}

// ATR is EMA(Window) of TR.
type ATR struct {
	Window int
}

// Diff is EMA(Fast) - EMA(Slow) of the close.
type Diff struct {
	Fast int
	Slow int
}

// MACD yields three columns: the Diff line, its EMA(Signal), and the
// histogram (line minus signal).
type MACD struct {
	Fast   int
	Slow   int
	Signal int
}

// K is the stochastic %K: EMA(M1) of the raw stochastic value over N bars.
// A flat window (highest high equals lowest low) has raw value 0.
type K struct {
	N  int
	M1 int
	M2 int
}

// D is EMA(M2) of K.
type D struct {
	N  int
	M1 int
	M2 int
}

// J is 3*D - 2*K.
type J struct {
	N  int
	M1 int
	M2 int
}

// EffRatio is the efficiency ratio of the close: the Lag-bar change
// divided by the sum of absolute Lag-bar changes over Window bars, in
// percent. Zero volatility yields 0.
type EffRatio struct {
	Lag    int
	Window int
}

// Spread is close / SMA(Window) - 1. A zero mean yields NaN.
type Spread struct {
	Window int
}

// RankMA counts, over the last N bars, how many times the Window-bar
// moving average of the close rose.
type RankMA struct {
	Window int
	N      int
}

// KDayRatio is |open-close| as a percentage of its Window-bar mean. A
// zero mean yields NaN.
type KDayRatio struct {
	Window int
}

func (RSI) isIndicator()       {}
func (TR) isIndicator()        {}
func (ATR) isIndicator()       {}
func (Diff) isIndicator()      {}
func (MACD) isIndicator()      {}
func (K) isIndicator()         {}
func (D) isIndicator()         {}
func (J) isIndicator()         {}
func (EffRatio) isIndicator()  {}
func (Spread) isIndicator()    {}
func (RankMA) isIndicator()    {}
func (KDayRatio) isIndicator() {}

func closes(env Env) ([][]float64, error) { return fields(env, model.FieldClose) }

// ────────────────────────────────────────────────────────────
// RSI
// ────────────────────────────────────────────────────────────

func (r RSI) Validate() error                    { return positive("rsi window", r.Window) }
func (r RSI) Inputs(env Env) ([][]float64, error) { return closes(env) }
func (r RSI) WriteKey(b *keys.Builder)            { b.Tag("rsi").Int(int64(r.Window)) }
func (r RSI) String() string                      { return fmt.Sprintf("rsi:%d", r.Window) }

func (r RSI) Compute(in [][]float64) [][]float64 {
	c := in[0]
	gain := make([]float64, len(c))
	loss := make([]float64, len(c))
	for i := 1; i < len(c); i++ {
		switch d := c[i] - c[i-1]; {
		case d > 0:
			gain[i] = d
		case d < 0:
			loss[i] = -d
		}
	}
	g := series.EMA(gain, r.Window)
	l := series.EMA(loss, r.Window)
	return one(series.Map2(g, l, func(g, l float64) float64 {
		if g+l == 0 {
			return math.NaN()
		}
		return 100 * g / (g + l)
	}))
}

// ────────────────────────────────────────────────────────────
// True range
// ────────────────────────────────────────────────────────────

func (TR) Validate() error { return nil }

func (TR) Inputs(env Env) ([][]float64, error) {
	return fields(env, model.FieldHigh, model.FieldLow, model.FieldClose)
}

func (TR) WriteKey(b *keys.Builder) { b.Tag("tr") }
func (TR) String() string           { return "tr" }

func (TR) Compute(in [][]float64) [][]float64 {
	h, l, c := in[0], in[1], in[2]
	prev := series.Lag(c, 1, math.NaN())
	out := make([]float64, len(c))
	for i := range out {
		out[i] = series.Max([]float64{
			math.Abs(h[i] - c[i]),
			math.Abs(l[i] - prev[i]),
			math.Abs(h[i] - l[i]),
		})
	}
	return one(out)
}

func (a ATR) Validate() error { return positive("atr window", a.Window) }

func (a ATR) Inputs(env Env) ([][]float64, error) {
	tr, err := first(env, TR{})
	if err != nil {
		return nil, err
	}
	return one(tr), nil
}

func (a ATR) Compute(in [][]float64) [][]float64 { return one(series.EMA(in[0], a.Window)) }
func (a ATR) WriteKey(b *keys.Builder)           { b.Tag("atr").Int(int64(a.Window)) }
func (a ATR) String() string                     { return fmt.Sprintf("atr:%d", a.Window) }

// ────────────────────────────────────────────────────────────
// MACD
// ────────────────────────────────────────────────────────────

func (d Diff) Validate() error {
	if err := positive("diff fast", d.Fast); err != nil {
		return err
	}
	return positive("diff slow", d.Slow)
}

func (d Diff) Inputs(env Env) ([][]float64, error) { return closes(env) }
func (d Diff) WriteKey(b *keys.Builder)            { b.Tag("diff").Int(int64(d.Fast)).Int(int64(d.Slow)) }
func (d Diff) String() string                      { return fmt.Sprintf("diff:%d:%d", d.Fast, d.Slow) }

func (d Diff) Compute(in [][]float64) [][]float64 {
	fast := series.EMA(in[0], d.Fast)
	slow := series.EMA(in[0], d.Slow)
	return one(series.Map2(fast, slow, func(a, b float64) float64 { return a - b }))
}

func (m MACD) Validate() error {
	if err := (Diff{Fast: m.Fast, Slow: m.Slow}).Validate(); err != nil {
		return err
	}
	return positive("macd signal", m.Signal)
}

func (m MACD) Inputs(env Env) ([][]float64, error) {
	dif, err := first(env, Diff{Fast: m.Fast, Slow: m.Slow})
	if err != nil {
		return nil, err
	}
	return one(dif), nil
}

func (m MACD) Compute(in [][]float64) [][]float64 {
	dif := in[0]
	signal := series.EMA(dif, m.Signal)
	hist := series.Map2(dif, signal, func(a, b float64) float64 { return a - b })
	return [][]float64{dif, signal, hist}
}

func (m MACD) WriteKey(b *keys.Builder) {
	b.Tag("macd").Int(int64(m.Fast)).Int(int64(m.Slow)).Int(int64(m.Signal))
}

func (m MACD) String() string { return fmt.Sprintf("macd:%d:%d:%d", m.Fast, m.Slow, m.Signal) }

// ────────────────────────────────────────────────────────────
// Stochastic K, D, J
// ────────────────────────────────────────────────────────────

func stochValidate(n, m1, m2 int) error {
	if err := positive("stochastic n", n); err != nil {
		return err
	}
	if err := positive("stochastic m1", m1); err != nil {
		return err
	}
	return positive("stochastic m2", m2)
}

func stochKey(b *keys.Builder, tag string, n, m1, m2 int) {
	b.Tag(tag).Int(int64(n)).Int(int64(m1)).Int(int64(m2))
}

func (k K) Validate() error { return stochValidate(k.N, k.M1, k.M2) }

func (k K) Inputs(env Env) ([][]float64, error) {
	return fields(env, model.FieldHigh, model.FieldLow, model.FieldClose)
}

func (k K) Compute(in [][]float64) [][]float64 {
	hh := series.Roll(in[0], k.N, series.RollMax)
	ll := series.Roll(in[1], k.N, series.RollMin)
	c := in[2]
	rsv := make([]float64, len(c))
	for i := range rsv {
		den := hh[i] - ll[i]
		switch {
		case math.IsNaN(den) || math.IsNaN(c[i]):
			rsv[i] = math.NaN()
		case den == 0:
			rsv[i] = 0
		default:
			rsv[i] = 100 * (c[i] - ll[i]) / den
		}
	}
	return one(series.EMA(rsv, k.M1))
}

func (k K) WriteKey(b *keys.Builder) { stochKey(b, "k", k.N, k.M1, k.M2) }
func (k K) String() string           { return fmt.Sprintf("k:%d:%d:%d", k.N, k.M1, k.M2) }

func (d D) Validate() error { return stochValidate(d.N, d.M1, d.M2) }

func (d D) Inputs(env Env) ([][]float64, error) {
	k, err := first(env, K(d))
	if err != nil {
		return nil, err
	}
	return one(k), nil
}

func (d D) Compute(in [][]float64) [][]float64 { return one(series.EMA(in[0], d.M2)) }
func (d D) WriteKey(b *keys.Builder)           { stochKey(b, "d", d.N, d.M1, d.M2) }
func (d D) String() string                     { return fmt.Sprintf("d:%d:%d:%d", d.N, d.M1, d.M2) }

func (j J) Validate() error { return stochValidate(j.N, j.M1, j.M2) }

func (j J) Inputs(env Env) ([][]float64, error) {
	k, err := first(env, K(j))
	if err != nil {
		return nil, err
	}
	d, err := first(env, D(j))
	if err != nil {
		return nil, err
	}
	return [][]float64{k, d}, nil
}

func (j J) Compute(in [][]float64) [][]float64 {
	return one(series.Map2(in[0], in[1], func(k, d float64) float64 { return 3*d - 2*k }))
}

func (j J) WriteKey(b *keys.Builder) { stochKey(b, "j", j.N, j.M1, j.M2) }
func (j J) String() string           { return fmt.Sprintf("j:%d:%d:%d", j.N, j.M1, j.M2) }

// ────────────────────────────────────────────────────────────
// Ratios
// ────────────────────────────────────────────────────────────

func (e EffRatio) Validate() error {
	if err := positive("effratio lag", e.Lag); err != nil {
		return err
	}
	return positive("effratio window", e.Window)
}

func (e EffRatio) Inputs(env Env) ([][]float64, error) { return closes(env) }
func (e EffRatio) WriteKey(b *keys.Builder)            { b.Tag("effratio").Int(int64(e.Lag)).Int(int64(e.Window)) }
func (e EffRatio) String() string                      { return fmt.Sprintf("effratio:%d:%d", e.Lag, e.Window) }

func (e EffRatio) Compute(in [][]float64) [][]float64 {
	c := in[0]
	lagged := series.Lag(c, e.Lag, math.NaN())
	diff := series.Map2(c, lagged, func(a, b float64) float64 { return a - b })
	vol := series.Roll(series.Map(diff, math.Abs), e.Window, series.RollSum)
	return one(series.Map2(diff, vol, func(d, v float64) float64 {
		switch {
		case math.IsNaN(d):
			return math.NaN()
		case v == 0:
			return 0
		}
		return 100 * d / v
	}))
}

func (s Spread) Validate() error                    { return positive("spread window", s.Window) }
func (s Spread) Inputs(env Env) ([][]float64, error) { return closes(env) }
func (s Spread) WriteKey(b *keys.Builder)            { b.Tag("spread").Int(int64(s.Window)) }
func (s Spread) String() string                      { return fmt.Sprintf("spread:%d", s.Window) }

func (s Spread) Compute(in [][]float64) [][]float64 {
	mean := series.Roll(in[0], s.Window, series.RollMean)
	return one(series.Map2(in[0], mean, func(x, m float64) float64 {
		if m == 0 {
			return math.NaN()
		}
		return x/m - 1
	}))
}

func (r RankMA) Validate() error {
	if err := positive("rankma window", r.Window); err != nil {
		return err
	}
	return positive("rankma n", r.N)
}

func (r RankMA) Inputs(env Env) ([][]float64, error) { return closes(env) }
func (r RankMA) WriteKey(b *keys.Builder)            { b.Tag("rankma").Int(int64(r.Window)).Int(int64(r.N)) }
func (r RankMA) String() string                      { return fmt.Sprintf("rankma:%d:%d", r.Window, r.N) }

func (r RankMA) Compute(in [][]float64) [][]float64 {
	ma := series.Roll(in[0], r.Window, series.RollMean)
	up := make([]float64, len(ma))
	for i := 1; i < len(ma); i++ {
		if ma[i]-ma[i-1] > 0 {
			up[i] = 1
		}
	}
	return one(series.Roll(up, r.N, series.RollSum))
}

func (k KDayRatio) Validate() error { return positive("kdayratio window", k.Window) }

func (k KDayRatio) Inputs(env Env) ([][]float64, error) {
	return fields(env, model.FieldOpen, model.FieldClose)
}

func (k KDayRatio) WriteKey(b *keys.Builder) { b.Tag("kdayratio").Int(int64(k.Window)) }
func (k KDayRatio) String() string           { return fmt.Sprintf("kdayratio:%d", k.Window) }

func (k KDayRatio) Compute(in [][]float64) [][]float64 {
	gap := series.Map2(in[0], in[1], func(o, c float64) float64 { return math.Abs(o - c) })
	mean := series.Roll(gap, k.Window, series.RollMean)
	return one(series.Map2(gap, mean, func(g, m float64) float64 {
		if m == 0 {
			return math.NaN()
		}
		return 100 * g / m
	}))
}

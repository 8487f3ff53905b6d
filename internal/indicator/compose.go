package indicator

import (
	"errors"
	"fmt"

	"quantcore/internal/keys"
	"quantcore/internal/series"
	"quantcore/internal/transform"
)

// Rank is the rolling percentile rank of every column of Inner. See
// series.Rank.
type Rank struct {
	Inner    Indicator
	Window   int
	Lookback int
}

// Roll reduces every column of Inner over a trailing window.
type Roll struct {
	Inner  Indicator
	Func   series.Func
	Window int
}

// Fore evaluates Inner with Basis in effect instead of the caller's
// transform, aligns the result back onto the raw grid, carries it over to
// the caller's grid, and finishes with Post.
type Fore struct {
	Inner Indicator
	Basis transform.Convert
	Post  Post
}

func (Rank) isIndicator() {}
func (Roll) isIndicator() {}
func (Fore) isIndicator() {}

var errNilInner = errors.New("indicator: nil inner indicator")

func validInner(ind Indicator) error {
	if ind == nil {
		return errNilInner
	}
	return ind.Validate()
}

func all(env Env, ind Indicator) ([][]float64, error) { return env.Indicator(ind) }

func eachCol(in [][]float64, f func([]float64) []float64) [][]float64 {
	out := make([][]float64, len(in))
	for i, col := range in {
		out[i] = f(col)
	}
	return out
}

// ────────────────────────────────────────────────────────────
// Rank and Roll
// ────────────────────────────────────────────────────────────

func (r Rank) Validate() error {
	if err := validInner(r.Inner); err != nil {
		return err
	}
	if err := positive("rank window", r.Window); err != nil {
		return err
	}
	return positive("rank lookback", r.Lookback)
}

func (r Rank) Inputs(env Env) ([][]float64, error) { return all(env, r.Inner) }

func (r Rank) Compute(in [][]float64) [][]float64 {
	return eachCol(in, func(x []float64) []float64 { return series.Rank(x, r.Window, r.Lookback) })
}

func (r Rank) WriteKey(b *keys.Builder) {
	b.Tag("rank").Int(int64(r.Window)).Int(int64(r.Lookback)).Nested(r.Inner)
}

func (r Rank) String() string {
	return fmt.Sprintf("rank(%s):%d:%d", r.Inner, r.Window, r.Lookback)
}

func (r Roll) Validate() error {
	if err := validInner(r.Inner); err != nil {
		return err
	}
	if r.Func > series.RollStd {
		return fmt.Errorf("indicator: unknown rolling function %d", r.Func)
	}
	return positive("roll window", r.Window)
}

func (r Roll) Inputs(env Env) ([][]float64, error) { return all(env, r.Inner) }

func (r Roll) Compute(in [][]float64) [][]float64 {
	return eachCol(in, func(x []float64) []float64 { return series.Roll(x, r.Window, r.Func) })
}

func (r Roll) WriteKey(b *keys.Builder) {
	b.Tag("roll").Int(int64(r.Func)).Int(int64(r.Window)).Nested(r.Inner)
}

func (r Roll) String() string {
	return fmt.Sprintf("roll(%s):%s:%d", r.Inner, r.Func, r.Window)
}

// ────────────────────────────────────────────────────────────
// Fore
// ────────────────────────────────────────────────────────────

// Post is the finishing step of a Fore.
type Post interface {
	keys.Keyer
	fmt.Stringer
	Validate() error
	isPost()
}

// Align leaves values where they landed; bars the basis did not finish
// on are NaN.
type Align struct{}

// Fill forward-fills the aligned values on the raw grid before carrying
// them over.
type Fill struct{}

// RankPost replaces the values by their rolling rank.
type RankPost struct {
	Window   int
	Lookback int
}

// WithRank emits every column followed by its DayRank rank.
type WithRank struct{}

// DayRank is the rank applied by WithRank.
var DayRank = RankPost{Window: 250, Lookback: 20}

func (Align) isPost()    {}
func (Fill) isPost()     {}
func (RankPost) isPost() {}
func (WithRank) isPost() {}

func (Align) Validate() error    { return nil }
func (Fill) Validate() error     { return nil }
func (WithRank) Validate() error { return nil }

func (r RankPost) Validate() error {
	if err := positive("rank window", r.Window); err != nil {
		return err
	}
	return positive("rank lookback", r.Lookback)
}

func (Align) WriteKey(b *keys.Builder)      { b.Tag("align") }
func (Fill) WriteKey(b *keys.Builder)       { b.Tag("fill") }
func (r RankPost) WriteKey(b *keys.Builder) { b.Tag("rank").Int(int64(r.Window)).Int(int64(r.Lookback)) }
func (WithRank) WriteKey(b *keys.Builder)   { b.Tag("withrank") }

func (Align) String() string      { return "align" }
func (Fill) String() string       { return "fill" }
func (r RankPost) String() string { return fmt.Sprintf("rank:%d:%d", r.Window, r.Lookback) }
func (WithRank) String() string   { return "withrank" }

func (r RankPost) apply(x []float64) []float64 { return series.Rank(x, r.Window, r.Lookback) }

func (f Fore) basis() transform.Convert {
	if f.Basis == nil {
		return transform.Ori{}
	}
	return f.Basis
}

func (f Fore) post() Post {
	if f.Post == nil {
		return Align{}
	}
	return f.Post
}

func (f Fore) Validate() error {
	if err := validInner(f.Inner); err != nil {
		return err
	}
	if err := f.basis().Validate(); err != nil {
		return err
	}
	return f.post().Validate()
}

func (f Fore) Inputs(env Env) ([][]float64, error) {
	vals, err := env.Under(f.basis()).Indicator(f.Inner)
	if err != nil {
		return nil, err
	}
	cols, err := transform.Align(env, f.basis(), vals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f, err)
	}
	if _, ok := f.post().(Fill); ok {
		cols = eachCol(cols, series.FFill)
	}
	return transform.Project(env, env.Convert(), cols)
}

func (f Fore) Compute(in [][]float64) [][]float64 {
	switch p := f.post().(type) {
	case RankPost:
		return eachCol(in, p.apply)
	case WithRank:
		out := make([][]float64, 0, 2*len(in))
		for _, col := range in {
			out = append(out, col, DayRank.apply(col))
		}
		return out
	}
	return in
}

func (f Fore) WriteKey(b *keys.Builder) {
	b.Tag("fore").Nested(f.Inner).Nested(f.basis()).Nested(f.post())
}

func (f Fore) String() string {
	return fmt.Sprintf("fore(%s@%s):%s", f.Inner, f.basis(), f.post())
}

// Package indicator defines the closed set of technical indicators that can
// be evaluated over a dataset.
//
// Every indicator is an immutable descriptor with two halves: Inputs pulls
// the columns it needs from an Env (price fields, other indicators, or the
// same indicator under another transform), and Compute is the pure numeric
// kernel over those columns. The dataset dispatcher caches the result of
// Compute by (transform key, indicator key), so an indicator that wraps
// another one reuses the inner cache entry.
//
// All outputs are index-aligned with the series of the Env they were
// evaluated in. NaN means "no value".
package indicator

import (
	"errors"
	"fmt"

	"quantcore/internal/keys"
	"quantcore/internal/model"
	"quantcore/internal/transform"
)

// Indicator is one of the descriptors declared in this package.
type Indicator interface {
	keys.Keyer
	fmt.Stringer

	// Validate reports parameter errors (zero windows and the like).
	Validate() error

	// Inputs resolves the columns Compute needs. It may evaluate other
	// indicators or transforms through env; each is cached separately.
	Inputs(env Env) ([][]float64, error)

	// Compute is the pure kernel. It never writes into in.
	Compute(in [][]float64) [][]float64

	isIndicator()
}

// Env is one dataset seen through one transform. Every call is explicit
// about the transform in effect; Under returns a sibling Env for another
// transform instead of mutating this one.
type Env interface {
	transform.Source

	// Convert is the transform in effect.
	Convert() transform.Convert

	// Prices is the transformed series.
	Prices() (*model.Shared, error)

	// Series is one column of Prices.
	Series(f model.Field) ([]float64, error)

	// Indicator evaluates ind under the transform in effect, through the
	// cache.
	Indicator(ind Indicator) ([][]float64, error)

	// Under returns an Env over the same dataset with transform c in
	// effect. c is applied to the raw series, not composed with Convert.
	Under(c transform.Convert) Env

	// Artifact returns a non-column value derived from Prices, built
	// once per transform and name. The value is shared and read-only.
	Artifact(name string, build func(ps *model.Shared) (any, error)) (any, error)
}

// ErrNoOutput is returned when an indicator produced no column where one
// was required.
var ErrNoOutput = errors.New("indicator: no output column")

// Key is keys.Of(ind).
func Key(ind Indicator) keys.Key { return keys.Of(ind) }

// Eval runs ind against env without consulting any cache.
func Eval(env Env, ind Indicator) ([][]float64, error) {
	if err := ind.Validate(); err != nil {
		return nil, err
	}
	in, err := ind.Inputs(env)
	if err != nil {
		return nil, err
	}
	return ind.Compute(in), nil
}

// first evaluates ind through env and returns its first column.
func first(env Env, ind Indicator) ([]float64, error) {
	out, err := env.Indicator(ind)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", ind, ErrNoOutput)
	}
	return out[0], nil
}

// fields fetches several price columns.
func fields(env Env, fs ...model.Field) ([][]float64, error) {
	out := make([][]float64, len(fs))
	for i, f := range fs {
		col, err := env.Series(f)
		if err != nil {
			return nil, err
		}
		out[i] = col
	}
	return out, nil
}

func positive(name string, v int) error {
	if v < 1 {
		return fmt.Errorf("indicator: %s must be positive, got %d", name, v)
	}
	return nil
}

func one(col []float64) [][]float64 { return [][]float64{col} }

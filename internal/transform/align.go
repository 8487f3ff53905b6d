package transform

import (
	"fmt"

	"quantcore/internal/model"
	"quantcore/internal/series"
)

// Flatten lists the non-identity stages of c in application order.
func Flatten(c Convert) []Convert {
	switch c := c.(type) {
	case nil, Ori:
		return nil
	case PreNow:
		return append(Flatten(c.Pre), Flatten(c.Now)...)
	}
	return []Convert{c}
}

// Chain builds the left-nested PreNow that applies stages in order.
// No stages is the identity.
func Chain(stages ...Convert) Convert {
	if len(stages) == 0 {
		return Ori{}
	}
	c := stages[0]
	for _, s := range stages[1:] {
		c = PreNow{Pre: c, Now: s}
	}
	return c
}

// Expand spreads col (one value per Finished entry) over the full mask
// length; every other position is NaN.
func Expand(mask model.Mask, col []float64) ([]float64, error) {
	if want := mask.Count(); len(col) != want {
		return nil, fmt.Errorf("transform: cannot align %d values onto %d finished bars", len(col), want)
	}
	out := series.NaNs(len(mask))
	k := 0
	for i, s := range mask {
		if s == model.Finished {
			out[i] = col[k]
			k++
		}
	}
	return out, nil
}

// Select keeps the values at the Finished positions of mask.
func Select(mask model.Mask, col []float64) ([]float64, error) {
	if len(col) != len(mask) {
		return nil, fmt.Errorf("transform: cannot project %d values through a mask of %d", len(col), len(mask))
	}
	out := make([]float64, 0, mask.Count())
	for i, s := range mask {
		if s == model.Finished {
			out = append(out, col[i])
		}
	}
	return out, nil
}

// Align maps columns computed on c's output grid back onto src's raw
// grid. Stages are undone from the last to the first, so the innermost
// transform's mask is applied last. Stages without a mask are 1:1.
func Align(src Source, c Convert, cols [][]float64) ([][]float64, error) {
	stages := Flatten(c)
	for j := len(stages); j >= 1; j-- {
		out, err := src.Transform(Chain(stages[:j]...))
		if err != nil {
			return nil, err
		}
		if out.Mask == nil {
			continue
		}
		next := make([][]float64, len(cols))
		for i, col := range cols {
			if next[i], err = Expand(out.Mask, col); err != nil {
				return nil, fmt.Errorf("%s: %w", Chain(stages[:j]...), err)
			}
		}
		cols = next
	}
	return cols, nil
}

// Project is the inverse of Align: it maps raw-grid columns onto c's
// output grid by keeping, stage by stage, the value at each bar's
// finishing input.
func Project(src Source, c Convert, cols [][]float64) ([][]float64, error) {
	stages := Flatten(c)
	for j := 1; j <= len(stages); j++ {
		out, err := src.Transform(Chain(stages[:j]...))
		if err != nil {
			return nil, err
		}
		if out.Mask == nil {
			continue
		}
		next := make([][]float64, len(cols))
		for i, col := range cols {
			if next[i], err = Select(out.Mask, col); err != nil {
				return nil, fmt.Errorf("%s: %w", Chain(stages[:j]...), err)
			}
		}
		cols = next
	}
	return cols, nil
}

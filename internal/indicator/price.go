package indicator

import (
	"fmt"
	"math"

	"quantcore/internal/keys"
	"quantcore/internal/model"
	"quantcore/internal/series"
	"quantcore/internal/session"
)

// Kline passes one price field through.
type Kline struct {
	Field model.Field
}

// SMA is the simple moving average of a field. The first Window-1 bars
// are NaN.
type SMA struct {
	Field  model.Field
	Window int
}

// EMA is the exponential moving average of a field, alpha = 2/(Window+1).
type EMA struct {
	Field  model.Field
	Window int
}

// SMMA is Wilder's smoothed moving average of a field, alpha = 1/Window.
type SMMA struct {
	Field  model.Field
	Window int
}

// Max is the rolling maximum of a field over Window bars.
type Max struct {
	Field  model.Field
	Window int
}

// Min is the rolling minimum of a field over Window bars.
type Min struct {
	Field  model.Field
	Window int
}

// DayKline builds the running daily bar of a field: the day's open, its
// high and low so far, its final close, and its cumulative volume or
// amount. Night bars belong to the next trading day.
type DayKline struct {
	Field model.Field
}

// DaySpec picks one value out of a trading day.
type DaySpec uint8

const (
	DayFirst DaySpec = iota
	DayLast
	DayMax
	DayMin
)

var daySpecNames = [...]string{"first", "last", "max", "min"}

func (d DaySpec) String() string {
	if int(d) < len(daySpecNames) {
		return daySpecNames[d]
	}
	return fmt.Sprintf("dayspec(%d)", uint8(d))
}

// ParseDaySpec maps "first", "last", "max" or "min" to a DaySpec.
func ParseDaySpec(s string) (DaySpec, error) {
	for i, n := range daySpecNames {
		if s == n {
			return DaySpec(i), nil
		}
	}
	return 0, fmt.Errorf("indicator: unknown day spec %q", s)
}

// ShiftDays broadcasts, onto every bar of a day, the Spec value of Field
// from N trading days earlier.
type ShiftDays struct {
	N     int
	Field model.Field
	Spec  DaySpec
}

func (Kline) isIndicator()     {}
func (SMA) isIndicator()       {}
func (EMA) isIndicator()       {}
func (SMMA) isIndicator()      {}
func (Max) isIndicator()       {}
func (Min) isIndicator()       {}
func (DayKline) isIndicator()  {}
func (ShiftDays) isIndicator() {}

// ────────────────────────────────────────────────────────────
// Kline and moving averages
// ────────────────────────────────────────────────────────────

func (k Kline) Validate() error                     { return validField(k.Field) }
func (k Kline) Inputs(env Env) ([][]float64, error) { return fields(env, k.Field) }
func (k Kline) Compute(in [][]float64) [][]float64  { return one(in[0]) }
func (k Kline) WriteKey(b *keys.Builder)            { b.Tag("kline").Int(int64(k.Field)) }
func (k Kline) String() string                      { return "kline:" + k.Field.String() }

func (s SMA) Validate() error                     { return fieldWindow(s.Field, s.Window) }
func (s SMA) Inputs(env Env) ([][]float64, error) { return fields(env, s.Field) }
func (s SMA) WriteKey(b *keys.Builder)            { b.Tag("sma").Int(int64(s.Field)).Int(int64(s.Window)) }
func (s SMA) String() string                      { return fmt.Sprintf("sma:%s:%d", s.Field, s.Window) }

func (s SMA) Compute(in [][]float64) [][]float64 {
	out := series.Roll(in[0], s.Window, series.RollMean)
	for i := 0; i < s.Window-1 && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return one(out)
}

func (e EMA) Validate() error                     { return fieldWindow(e.Field, e.Window) }
func (e EMA) Inputs(env Env) ([][]float64, error) { return fields(env, e.Field) }
func (e EMA) Compute(in [][]float64) [][]float64  { return one(series.EMA(in[0], e.Window)) }
func (e EMA) WriteKey(b *keys.Builder)            { b.Tag("ema").Int(int64(e.Field)).Int(int64(e.Window)) }
func (e EMA) String() string                      { return fmt.Sprintf("ema:%s:%d", e.Field, e.Window) }

func (s SMMA) Validate() error                     { return fieldWindow(s.Field, s.Window) }
func (s SMMA) Inputs(env Env) ([][]float64, error) { return fields(env, s.Field) }
func (s SMMA) Compute(in [][]float64) [][]float64  { return one(series.SMMA(in[0], s.Window)) }
func (s SMMA) WriteKey(b *keys.Builder)            { b.Tag("smma").Int(int64(s.Field)).Int(int64(s.Window)) }
func (s SMMA) String() string                      { return fmt.Sprintf("smma:%s:%d", s.Field, s.Window) }

func (m Max) Validate() error                     { return fieldWindow(m.Field, m.Window) }
func (m Max) Inputs(env Env) ([][]float64, error) { return fields(env, m.Field) }
func (m Max) Compute(in [][]float64) [][]float64  { return one(series.Roll(in[0], m.Window, series.RollMax)) }
func (m Max) WriteKey(b *keys.Builder)            { b.Tag("max").Int(int64(m.Field)).Int(int64(m.Window)) }
func (m Max) String() string                      { return fmt.Sprintf("max:%s:%d", m.Field, m.Window) }

func (m Min) Validate() error                     { return fieldWindow(m.Field, m.Window) }
func (m Min) Inputs(env Env) ([][]float64, error) { return fields(env, m.Field) }
func (m Min) Compute(in [][]float64) [][]float64  { return one(series.Roll(in[0], m.Window, series.RollMin)) }
func (m Min) WriteKey(b *keys.Builder)            { b.Tag("min").Int(int64(m.Field)).Int(int64(m.Window)) }
func (m Min) String() string                      { return fmt.Sprintf("min:%s:%d", m.Field, m.Window) }

func validField(f model.Field) error {
	if f > model.FieldAmount {
		return fmt.Errorf("indicator: unknown field %d", f)
	}
	return nil
}

func fieldWindow(f model.Field, w int) error {
	if err := validField(f); err != nil {
		return err
	}
	return positive("window", w)
}

// ────────────────────────────────────────────────────────────
// Daily views
// ────────────────────────────────────────────────────────────

// dayIndex tags every bar with a running trading-day number as float64 so
// it can travel through the kernel contract. The index is shared by every
// daily indicator under the same transform.
func dayIndex(env Env) ([]float64, error) {
	v, err := env.Artifact("dayindex", func(ps *model.Shared) (any, error) {
		return tradingDays(ps), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func tradingDays(ps *model.Shared) []float64 {
	out := make([]float64, len(ps.Time))
	prev, idx := 0, -1.0
	for i, t := range ps.Time {
		if d := session.TradingDay(t); d != prev || idx < 0 {
			prev = d
			idx++
		}
		out[i] = idx
	}
	return out
}

// dayRuns splits days into [start, end) runs of equal day number.
func dayRuns(days []float64) [][2]int {
	var runs [][2]int
	start := 0
	for i := 1; i <= len(days); i++ {
		if i == len(days) || days[i] != days[start] {
			runs = append(runs, [2]int{start, i})
			start = i
		}
	}
	return runs
}

func daily(env Env, f model.Field) ([][]float64, error) {
	in, err := fields(env, f)
	if err != nil {
		return nil, err
	}
	days, err := dayIndex(env)
	if err != nil {
		return nil, err
	}
	return append(in, days), nil
}

func (d DayKline) Validate() error                     { return validField(d.Field) }
func (d DayKline) Inputs(env Env) ([][]float64, error) { return daily(env, d.Field) }
func (d DayKline) WriteKey(b *keys.Builder)            { b.Tag("daykline").Int(int64(d.Field)) }
func (d DayKline) String() string                      { return "daykline:" + d.Field.String() }

func (d DayKline) Compute(in [][]float64) [][]float64 {
	x := in[0]
	out := make([]float64, len(x))
	for _, r := range dayRuns(in[1]) {
		day := x[r[0]:r[1]]
		switch d.Field {
		case model.FieldOpen:
			fill(out[r[0]:r[1]], day[0])
		case model.FieldClose:
			fill(out[r[0]:r[1]], day[len(day)-1])
		case model.FieldHigh:
			cum(out[r[0]:r[1]], day, math.Max)
		case model.FieldLow:
			cum(out[r[0]:r[1]], day, math.Min)
		default:
			cum(out[r[0]:r[1]], day, func(a, b float64) float64 { return a + b })
		}
	}
	return one(out)
}

func (s ShiftDays) Validate() error {
	if s.N < 0 {
		return fmt.Errorf("indicator: shiftdays n must not be negative, got %d", s.N)
	}
	if s.Spec > DayMin {
		return fmt.Errorf("indicator: unknown day spec %d", s.Spec)
	}
	return validField(s.Field)
}

func (s ShiftDays) Inputs(env Env) ([][]float64, error) { return daily(env, s.Field) }

func (s ShiftDays) WriteKey(b *keys.Builder) {
	b.Tag("shiftdays").Int(int64(s.N)).Int(int64(s.Field)).Int(int64(s.Spec))
}

func (s ShiftDays) String() string { return fmt.Sprintf("shiftdays:%d:%s:%s", s.N, s.Field, s.Spec) }

func (s ShiftDays) Compute(in [][]float64) [][]float64 {
	x := in[0]
	runs := dayRuns(in[1])
	per := make([]float64, len(runs))
	for i, r := range runs {
		day := x[r[0]:r[1]]
		switch s.Spec {
		case DayFirst:
			per[i] = day[0]
		case DayLast:
			per[i] = day[len(day)-1]
		case DayMax:
			per[i] = series.Max(day)
		case DayMin:
			per[i] = series.Min(day)
		}
	}
	per = series.Lag(per, s.N, math.NaN())
	out := make([]float64, len(x))
	for i, r := range runs {
		fill(out[r[0]:r[1]], per[i])
	}
	return one(out)
}

func fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

// cum writes the running fold of src into dst, skipping NaN.
func cum(dst, src []float64, f func(a, b float64) float64) {
	acc := math.NaN()
	for i, v := range src {
		switch {
		case math.IsNaN(v):
		case math.IsNaN(acc):
			acc = v
		default:
			acc = f(acc, v)
		}
		dst[i] = acc
	}
}

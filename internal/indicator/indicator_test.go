package indicator_test

import (
	"math"
	"testing"
	"time"

	"quantcore/internal/dataset"
	"quantcore/internal/indicator"
	"quantcore/internal/keys"
	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/model"
	"quantcore/internal/series"
	"quantcore/internal/transform"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// flatBars builds bars whose OHLC all equal the close.
func flatBars(closes ...float64) []model.Bar {
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{
			Time: t0.Add(time.Duration(i) * time.Minute),
			Open: c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return bars
}

func load(bars []model.Bar) *dataset.Dataset { return dataset.BulkLoad("TEST", "unit", bars) }

func eval(t *testing.T, ds *dataset.Dataset, ind indicator.Indicator) [][]float64 {
	t.Helper()
	out, err := ds.Indicator(ind)
	if err != nil {
		t.Fatalf("%s: %v", ind, err)
	}
	return out
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.IsNaN(want) {
		if !math.IsNaN(got) {
			t.Errorf("%s: got %.6f, want NaN", label, got)
		}
		return
	}
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

func assertSlice(t *testing.T, label string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len=%d, want %d", label, len(got), len(want))
	}
	for i := range want {
		assertClose(t, label, got[i], want[i], tol)
	}
}

var nan = math.NaN()

// ────────────────────────────────────────────────────────────
// Numeric contracts
// ────────────────────────────────────────────────────────────

func TestRSI_HandComputed(t *testing.T) {
	// alpha = 2/3. gains [0,2,0,2,1], losses [0,0,1,0,0]
	// g: 0, 4/3, 4/9, 40/27, 94/81   l: 0, 0, 2/3, 2/9, 6/81
	ds := load(flatBars(10, 12, 11, 13, 14))
	got := eval(t, ds, indicator.RSI{Window: 2})[0]
	want := []float64{nan, 100, 40, 4000.0 / 46.0, 94}
	assertSlice(t, "rsi2", got, want, 1e-9)
}

func TestRSI_FlatIsNaN(t *testing.T) {
	got := eval(t, load(flatBars(5, 5, 5)), indicator.RSI{Window: 3})[0]
	for i, v := range got {
		if !math.IsNaN(v) {
			t.Errorf("bar %d: got %v, want NaN for 0/0", i, v)
		}
	}
}

func rangeBars() []model.Bar {
	return []model.Bar{
		{Time: t0, Open: 10, High: 11, Low: 9, Close: 10},
		{Time: t0.Add(time.Minute), Open: 11, High: 13, Low: 10, Close: 12},
		{Time: t0.Add(2 * time.Minute), Open: 12, High: 12, Low: 8, Close: 9},
	}
}

func TestTR_HandComputed(t *testing.T) {
	got := eval(t, load(rangeBars()), indicator.TR{})[0]
	assertSlice(t, "tr", got, []float64{2, 3, 4}, 0)
}

func TestATR1_IsTrueRange(t *testing.T) {
	ds := load(rangeBars())
	tr := eval(t, ds, indicator.TR{})[0]
	atr := eval(t, ds, indicator.ATR{Window: 1})[0]
	for i := range tr {
		if atr[i] != tr[i] {
			t.Errorf("bar %d: atr(1)=%v, tr=%v", i, atr[i], tr[i])
		}
	}
}

func TestKDJ_FlatSeriesIsZero(t *testing.T) {
	ds := load(flatBars(7, 7, 7, 7, 7))
	for _, ind := range []indicator.Indicator{
		indicator.K{N: 3, M1: 3, M2: 3},
		indicator.D{N: 3, M1: 3, M2: 3},
		indicator.J{N: 3, M1: 3, M2: 3},
	} {
		for i, v := range eval(t, ds, ind)[0] {
			if v != 0 {
				t.Errorf("%s bar %d: got %v, want 0", ind, i, v)
			}
		}
	}
}

func TestK_HandComputed(t *testing.T) {
	// M1 = 1 makes K the raw stochastic value.
	got := eval(t, load(flatBars(1, 2, 3, 2)), indicator.K{N: 3, M1: 1, M2: 1})[0]
	assertSlice(t, "k", got, []float64{0, 100, 100, 0}, 1e-12)
}

func TestJ_IsThreeDMinusTwoK(t *testing.T) {
	ds := load(flatBars(1, 3, 2, 5, 4, 6, 3))
	p := indicator.K{N: 3, M1: 2, M2: 2}
	k := eval(t, ds, p)[0]
	d := eval(t, ds, indicator.D(p))[0]
	j := eval(t, ds, indicator.J(p))[0]
	for i := range j {
		assertClose(t, "j", j[i], 3*d[i]-2*k[i], 1e-12)
	}
}

func TestMACD_Columns(t *testing.T) {
	ds := load(flatBars(10, 11, 13, 12, 15, 14, 16))
	out := eval(t, ds, indicator.MACD{Fast: 2, Slow: 4, Signal: 3})
	if len(out) != 3 {
		t.Fatalf("got %d columns, want 3", len(out))
	}
	dif := eval(t, ds, indicator.Diff{Fast: 2, Slow: 4})[0]
	signal := series.EMA(dif, 3)
	for i := range dif {
		assertClose(t, "dif", out[0][i], dif[i], 0)
		assertClose(t, "signal", out[1][i], signal[i], 1e-12)
		assertClose(t, "hist", out[2][i], dif[i]-signal[i], 1e-12)
	}
}

func TestSMA_WarmUp(t *testing.T) {
	got := eval(t, load(flatBars(1, 2, 3, 4)), indicator.SMA{Field: model.FieldClose, Window: 3})[0]
	assertSlice(t, "sma3", got, []float64{nan, nan, 2, 3}, 1e-12)
}

func TestEffRatio_ZeroVolatilityIsZero(t *testing.T) {
	got := eval(t, load(flatBars(4, 4, 4, 4)), indicator.EffRatio{Lag: 1, Window: 3})[0]
	assertSlice(t, "effratio", got, []float64{nan, 0, 0, 0}, 0)
}

func TestEffRatio_Trend(t *testing.T) {
	// a straight line is perfectly efficient
	got := eval(t, load(flatBars(1, 2, 3, 4)), indicator.EffRatio{Lag: 1, Window: 2})[0]
	assertSlice(t, "effratio", got, []float64{nan, 100, 50, 50}, 1e-12)
}

func TestSpread(t *testing.T) {
	got := eval(t, load(flatBars(1, 2, 3)), indicator.Spread{Window: 2})[0]
	assertSlice(t, "spread", got, []float64{0, 1.0 / 3.0, 0.2}, 1e-12)
}

func TestRankMA(t *testing.T) {
	got := eval(t, load(flatBars(1, 2, 3, 2, 1)), indicator.RankMA{Window: 1, N: 5})[0]
	assertSlice(t, "rankma", got, []float64{0, 1, 2, 2, 2}, 0)
}

func TestKDayRatio(t *testing.T) {
	bars := flatBars(0, 0, 0)
	bars[0].Open, bars[0].Close = 10, 11 // gap 1
	bars[1].Open, bars[1].Close = 10, 13 // gap 3
	bars[2].Open, bars[2].Close = 10, 10 // gap 0
	got := eval(t, load(bars), indicator.KDayRatio{Window: 2})[0]
	assertSlice(t, "kdayratio", got, []float64{100, 150, 0}, 1e-12)
}

// ────────────────────────────────────────────────────────────
// Daily views
// ────────────────────────────────────────────────────────────

func twoDays() []model.Bar {
	day1 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	bars := flatBars(1, 3, 2, 5, 4)
	bars[0].Time = day1
	bars[1].Time = day1.Add(time.Hour)
	bars[2].Time = day1.Add(2 * time.Hour)
	bars[3].Time = day2
	bars[4].Time = day2.Add(time.Hour)
	return bars
}

func TestDayKline(t *testing.T) {
	ds := load(twoDays())
	cases := map[model.Field][]float64{
		model.FieldOpen:   {1, 1, 1, 5, 5},
		model.FieldHigh:   {1, 3, 3, 5, 5},
		model.FieldLow:    {1, 1, 1, 5, 4},
		model.FieldClose:  {2, 2, 2, 4, 4},
		model.FieldVolume: {1, 2, 3, 1, 2},
	}
	for f, want := range cases {
		assertSlice(t, "daykline "+f.String(), eval(t, ds, indicator.DayKline{Field: f})[0], want, 0)
	}
}

func TestShiftDays(t *testing.T) {
	ds := load(twoDays())
	last := eval(t, ds, indicator.ShiftDays{N: 1, Field: model.FieldClose, Spec: indicator.DayLast})[0]
	assertSlice(t, "shift last", last, []float64{nan, nan, nan, 2, 2}, 0)
	hi := eval(t, ds, indicator.ShiftDays{N: 1, Field: model.FieldHigh, Spec: indicator.DayMax})[0]
	assertSlice(t, "shift max", hi, []float64{nan, nan, nan, 3, 3}, 0)
	same := eval(t, ds, indicator.ShiftDays{N: 0, Field: model.FieldLow, Spec: indicator.DayFirst})[0]
	assertSlice(t, "shift 0", same, []float64{1, 1, 1, 5, 5}, 0)
}

// ────────────────────────────────────────────────────────────
// Composition
// ────────────────────────────────────────────────────────────

func TestRoll_ReusesInnerCacheEntry(t *testing.T) {
	ds := load(flatBars(10, 12, 11, 13, 14))
	rsi := indicator.RSI{Window: 2}
	inner := eval(t, ds, rsi)[0]
	before := ds.Stats().IndicatorComputes

	rolled := eval(t, ds, indicator.Roll{Inner: rsi, Func: series.RollMax, Window: 2})[0]
	if got := ds.Stats().IndicatorComputes - before; got != 1 {
		t.Errorf("roll over a cached inner computed %d indicators, want 1", got)
	}
	assertSlice(t, "roll max", rolled, series.Roll(inner, 2, series.RollMax), 0)
}

func TestRank_OverInner(t *testing.T) {
	ds := load(flatBars(3, 1, 2, 5, 4))
	got := eval(t, ds, indicator.Rank{Inner: indicator.Kline{Field: model.FieldClose}, Window: 3, Lookback: 2})[0]
	// windows: [3] [3,1] [3,1,2] [1,2,5] [2,5,4]
	assertSlice(t, "rank", got, []float64{nan, 0, 100.0 / 3, 200.0 / 3, 100.0 / 3}, 1e-12)
}

func TestMACD_ReusesDiff(t *testing.T) {
	ds := load(flatBars(10, 11, 13, 12, 15))
	eval(t, ds, indicator.MACD{Fast: 2, Slow: 4, Signal: 3})
	before := ds.Stats().IndicatorComputes
	eval(t, ds, indicator.Diff{Fast: 2, Slow: 4})
	if ds.Stats().IndicatorComputes != before {
		t.Error("diff was recomputed after macd evaluated it")
	}
}

func TestFore_AlignOntoRaw(t *testing.T) {
	ds := load(flatBars(10, 11, 12, 13, 14, 15, 16, 17, 18, 19))
	basis := transform.Event{Rule: rebar.Count{N: 2}}
	closes := indicator.Kline{Field: model.FieldClose}

	got := eval(t, ds, indicator.Fore{Inner: closes, Basis: basis, Post: indicator.Align{}})[0]
	want := []float64{nan, 11, nan, 13, nan, 15, nan, 17, nan, 19}
	assertSlice(t, "fore align", got, want, 0)

	filled := eval(t, ds, indicator.Fore{Inner: closes, Basis: basis, Post: indicator.Fill{}})[0]
	assertSlice(t, "fore fill", filled, []float64{nan, 11, 11, 13, 13, 15, 15, 17, 17, 19}, 0)
}

func TestFore_ProjectsOntoCallerGrid(t *testing.T) {
	ds := load(flatBars(10, 11, 12, 13, 14, 15, 16, 17, 18, 19))
	fore := indicator.Fore{
		Inner: indicator.Kline{Field: model.FieldClose},
		Basis: transform.Event{Rule: rebar.Count{N: 2}},
		Post:  indicator.Fill{},
	}
	// the caller's grid finishes on raw bars 4 and 9
	view := ds.View(transform.Event{Rule: rebar.Count{N: 5}})
	got, err := view.Indicator(fore)
	if err != nil {
		t.Fatal(err)
	}
	assertSlice(t, "fore on count:5", got[0], []float64{13, 19}, 0)
}

func TestFore_PostRanks(t *testing.T) {
	ds := load(flatBars(3, 1, 2, 5, 4, 6))
	inner := indicator.Kline{Field: model.FieldClose}

	ranked := eval(t, ds, indicator.Fore{Inner: inner, Basis: transform.Ori{}, Post: indicator.RankPost{Window: 3, Lookback: 2}})[0]
	direct := eval(t, ds, indicator.Rank{Inner: inner, Window: 3, Lookback: 2})[0]
	assertSlice(t, "fore rank", ranked, direct, 0)

	with := eval(t, ds, indicator.Fore{Inner: inner, Post: indicator.WithRank{}})
	if len(with) != 2 {
		t.Fatalf("withrank produced %d columns, want 2", len(with))
	}
	assertSlice(t, "withrank values", with[0], []float64{3, 1, 2, 5, 4, 6}, 0)
}

// ────────────────────────────────────────────────────────────
// Descriptors
// ────────────────────────────────────────────────────────────

func TestParse_RoundTrip(t *testing.T) {
	for _, text := range []string{
		"kline:close",
		"sma:close:20",
		"ema:high:9",
		"smma:low:14",
		"max:high:20",
		"min:low:20",
		"rsi:14",
		"tr",
		"atr:14",
		"diff:12:26",
		"macd:12:26:9",
		"k:9:3:3",
		"d:9:3:3",
		"j:9:3:3",
		"effratio:10:20",
		"spread:20",
		"rankma:10:20",
		"kdayratio:20",
		"daykline:high",
		"shiftdays:1:close:last",
		"rank(rsi:14):250:20",
		"roll(atr:14):max:20",
		"rank(roll(rsi:14):mean:5):100:10",
		"fore(rsi:14@event:count:5):fill",
		"fore(macd:12:26:9@ha:10>event:volume:2500):rank:250:20",
		"fore(fore(rsi:14@event:count:2):align@volfilter:20:50):withrank",
	} {
		ind, err := indicator.Parse(text)
		if err != nil {
			t.Errorf("Parse(%q): %v", text, err)
			continue
		}
		if ind.String() != text {
			t.Errorf("Parse(%q).String() = %q", text, ind.String())
		}
		again, err := indicator.Parse(ind.String())
		if err != nil || keys.Of(again) != keys.Of(ind) {
			t.Errorf("%q did not round-trip", text)
		}
	}
}

func TestParse_Shorthands(t *testing.T) {
	ind, err := indicator.Parse("close")
	if err != nil || ind != (indicator.Kline{Field: model.FieldClose}) {
		t.Errorf("close -> %v, %v", ind, err)
	}
	ind, err = indicator.Parse("fore(rsi:14@event:count:5)")
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := ind.(indicator.Fore); !ok || f.Post != (indicator.Align{}) {
		t.Errorf("fore without post should align, got %v", ind)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, text := range []string{
		"rsi", "rsi:0", "rsi:x", "rsi:14:3", "macd:12:26", "bogus:1",
		"rank(rsi:14):250", "roll(rsi:14):median:5", "rank(rsi:14", "fore(rsi:14@ha:0)",
		"fore(rsi:14):later", "shiftdays:1:close:middle",
	} {
		if _, err := indicator.Parse(text); err == nil {
			t.Errorf("Parse(%q) should fail", text)
		}
	}
}

func TestParseList(t *testing.T) {
	got := indicator.ParseList("rsi:14, bogus:1, fore(atr:14@event:session:09:00-10:00,10:30-11:30):fill")
	if len(got) != 2 {
		t.Fatalf("got %d indicators, want 2: %v", len(got), got)
	}
	if len(indicator.ParseList("")) != len(indicator.DefaultSet) {
		t.Error("empty list should yield the default set")
	}
	if len(indicator.ParseList("nope:1")) != len(indicator.DefaultSet) {
		t.Error("fully invalid list should yield the default set")
	}
}

func TestParseAll(t *testing.T) {
	got, err := indicator.ParseAll("rsi:14,rank(atr:14):250:20")
	if err != nil || len(got) != 2 {
		t.Fatalf("ParseAll = %v, %v", got, err)
	}
	if _, err := indicator.ParseAll("rsi:14,bogus:1"); err == nil {
		t.Error("invalid entry should fail")
	}
	if _, err := indicator.ParseAll(" , "); err == nil {
		t.Error("empty list should fail")
	}
}

func TestKeys_Structural(t *testing.T) {
	a := indicator.Rank{Inner: indicator.RSI{Window: 14}, Window: 250, Lookback: 20}
	b := indicator.Rank{Inner: indicator.RSI{Window: 15}, Window: 250, Lookback: 20}
	if indicator.Key(a) == indicator.Key(b) {
		t.Error("inner parameters not part of identity")
	}
	if indicator.Key(indicator.K{N: 9, M1: 3, M2: 3}) == indicator.Key(indicator.D{N: 9, M1: 3, M2: 3}) {
		t.Error("K and D collided")
	}
	f1 := indicator.Fore{Inner: indicator.RSI{Window: 14}, Basis: transform.HeikinAshi{Window: 5}}
	f2 := indicator.Fore{Inner: indicator.RSI{Window: 14}, Basis: transform.HeikinAshi{Window: 6}}
	if indicator.Key(f1) == indicator.Key(f2) {
		t.Error("fore basis not part of identity")
	}
	if indicator.Key(indicator.Fore{Inner: indicator.TR{}}) != indicator.Key(indicator.Fore{Inner: indicator.TR{}, Basis: transform.Ori{}, Post: indicator.Align{}}) {
		t.Error("fore defaults should key like their explicit form")
	}
}

package transform

import (
	"errors"
	"math"
	"testing"
	"time"

	"quantcore/internal/keys"
	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/model"
	"quantcore/internal/session"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

var (
	closes  = []float64{10, 11, 12, 11, 13, 14, 13, 15, 16, 15}
	volumes = []float64{5, 1, 9, 2, 1, 7, 3, 8, 2, 6}
)

func rawSeries() *model.Shared {
	t0 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	ps := model.NewPriceSeries(len(closes))
	for i, c := range closes {
		ps.Append(model.Bar{
			Time: t0.Add(time.Duration(i) * time.Minute),
			Open: c - 0.5, High: c + 1, Low: c - 1, Close: c,
			Volume: volumes[i], Amount: c * volumes[i],
		})
	}
	return ps.Freeze()
}

// memo caches transforms by key and counts computations.
type memo struct {
	raw      *model.Shared
	cache    map[keys.Key]*model.Shared
	computed int
}

func newMemo() *memo {
	return &memo{raw: rawSeries(), cache: make(map[keys.Key]*model.Shared)}
}

func (m *memo) Raw() *model.Shared { return m.raw }

func (m *memo) Transform(c Convert) (*model.Shared, error) {
	k := Key(c)
	if s, ok := m.cache[k]; ok {
		return s, nil
	}
	s, err := Apply(m, c)
	if err != nil {
		return nil, err
	}
	m.computed++
	m.cache[k] = s
	return s, nil
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

func finishedPositions(col []float64) []int {
	var out []int
	for i, v := range col {
		if !math.IsNaN(v) {
			out = append(out, i)
		}
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ────────────────────────────────────────────────────────────
// Kernels
// ────────────────────────────────────────────────────────────

func TestOri_Identity(t *testing.T) {
	src := Direct{rawSeries()}
	out, err := Apply(src, Ori{})
	if err != nil {
		t.Fatal(err)
	}
	if out != src.Series {
		t.Error("identity should return the input series")
	}
	if out.Mask != nil {
		t.Error("identity should not attach a mask")
	}
}

func TestTf_TimeWindow(t *testing.T) {
	out, err := Apply(Direct{rawSeries()}, Tf{Start: session.At(9, 2, 0), End: session.At(9, 4, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 3 || out.Close[0] != 12 || out.Close[2] != 13 {
		t.Errorf("closes=%v, want [12 11 13]", out.Close)
	}
	if len(out.Mask) != 10 || !equalInts(out.Mask.Positions(), []int{2, 3, 4}) {
		t.Errorf("mask positions=%v", out.Mask.Positions())
	}
}

func TestHeikinAshi_HandComputed(t *testing.T) {
	ps := model.NewPriceSeries(3)
	ps.Append(model.Bar{Open: 10, High: 12, Low: 9, Close: 11})
	ps.Append(model.Bar{Open: 11, High: 13, Low: 10, Close: 12})
	ps.Append(model.Bar{Open: 12, High: 12, Low: 8, Close: 9})

	// window 1: EMA(close) == close, lagged: [_, 11, 12], first repeats second
	out, err := On(HeikinAshi{Window: 1}, ps.Freeze())
	if err != nil {
		t.Fatal(err)
	}
	wantOpen := []float64{11, 11, 12}
	wantClose := []float64{10.5, 11.5, 10.25}
	wantHigh := []float64{12, 13, 12}
	wantLow := []float64{9, 10, 8}
	for i := 0; i < 3; i++ {
		assertClose(t, "ha open", out.Open[i], wantOpen[i], 1e-12)
		assertClose(t, "ha close", out.Close[i], wantClose[i], 1e-12)
		assertClose(t, "ha high", out.High[i], wantHigh[i], 1e-12)
		assertClose(t, "ha low", out.Low[i], wantLow[i], 1e-12)
	}
	if out.Mask != nil {
		t.Error("heikin-ashi is 1:1 and should not attach a mask")
	}
}

func TestVolFilter_KeepsAboveMedian(t *testing.T) {
	out, err := Apply(Direct{rawSeries()}, VolFilter{Window: 3, Percent: 50})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 2, 3, 5, 6, 7, 9}
	if got := out.Mask.Positions(); !equalInts(got, want) {
		t.Errorf("kept=%v, want %v", got, want)
	}
	if out.Len() != len(want) {
		t.Errorf("len=%d, want %d", out.Len(), len(want))
	}
}

func TestLogNorm(t *testing.T) {
	out, err := Apply(Direct{rawSeries()}, LogNorm{})
	if err != nil {
		t.Fatal(err)
	}
	// lowest low = 10 - 1 = 9
	assertClose(t, "close[0]", out.Close[0], 10.0/9.0, 1e-12)
	assertClose(t, "low[0]", out.Low[0], 1, 1e-12)
	if out.Volume[0] != 5 {
		t.Error("volume must not be normalised")
	}

	ps := model.NewPriceSeries(1)
	ps.Append(model.Bar{Open: 1, High: 1, Low: 0, Close: 1})
	if _, err := On(LogNorm{}, ps.Freeze()); !errors.Is(err, ErrNonPositiveLow) {
		t.Errorf("got %v, want ErrNonPositiveLow", err)
	}
}

func TestFlatTick_RemovesSpikes(t *testing.T) {
	ps := model.NewPriceSeries(7)
	for _, c := range []float64{1, 2, 1, 1, 3, 1, 3} {
		ps.Append(model.Bar{Open: c, High: c, Low: c, Close: c})
	}
	out, err := On(FlatTick{}, ps.Freeze())
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 1, 1, 1, 1, 3, 3}
	for i := range want {
		if out.Close[i] != want[i] || out.Open[i] != want[i] || out.High[i] != want[i] {
			t.Errorf("bar %d: close=%v open=%v, want %v", i, out.Close[i], out.Open[i], want[i])
		}
	}
}

func TestEvent_CountRule(t *testing.T) {
	out, err := Apply(Direct{rawSeries()}, Event{Rule: rebar.Count{N: 5}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 2 || out.Close[0] != 13 || out.Close[1] != 15 {
		t.Errorf("closes=%v", out.Close)
	}
	if len(out.Mask) != 10 {
		t.Errorf("mask len=%d, want 10", len(out.Mask))
	}
}

// ────────────────────────────────────────────────────────────
// Composition and alignment
// ────────────────────────────────────────────────────────────

func TestPreNow_TwoStage(t *testing.T) {
	a := VolFilter{Window: 3, Percent: 50}
	b := Event{Rule: rebar.Count{N: 2}}
	m := newMemo()

	composite, err := m.Transform(PreNow{Pre: a, Now: b})
	if err != nil {
		t.Fatal(err)
	}
	step, _ := On(a, m.Raw())
	direct, _ := On(b, step)
	if composite.Len() != direct.Len() {
		t.Fatalf("composite len=%d, direct len=%d", composite.Len(), direct.Len())
	}
	for i := range direct.Close {
		if composite.Close[i] != direct.Close[i] {
			t.Errorf("bar %d: composite=%v direct=%v", i, composite.Close[i], direct.Close[i])
		}
	}

	aligned, err := Align(m, PreNow{Pre: a, Now: b}, [][]float64{composite.Close})
	if err != nil {
		t.Fatal(err)
	}
	if len(aligned[0]) != 10 {
		t.Fatalf("aligned len=%d, want 10", len(aligned[0]))
	}
	if got := finishedPositions(aligned[0]); !equalInts(got, []int{2, 5, 7}) {
		t.Errorf("non-NaN positions=%v, want [2 5 7]", got)
	}
	assertClose(t, "aligned[2]", aligned[0][2], 12, 0)
	assertClose(t, "aligned[5]", aligned[0][5], 14, 0)
	assertClose(t, "aligned[7]", aligned[0][7], 15, 0)
}

func TestPreNow_ThreeStage(t *testing.T) {
	tf := Tf{Start: session.At(9, 2, 0), End: session.At(9, 9, 0)}
	vf := VolFilter{Window: 3, Percent: 50}
	ev := Event{Rule: rebar.Count{N: 2}}
	left := PreNow{Pre: PreNow{Pre: tf, Now: vf}, Now: ev}
	right := PreNow{Pre: tf, Now: PreNow{Pre: vf, Now: ev}}

	m := newMemo()
	l, err := m.Transform(left)
	if err != nil {
		t.Fatal(err)
	}
	r, err := m.Transform(right)
	if err != nil {
		t.Fatal(err)
	}
	if keys.Of(left) == keys.Of(right) {
		t.Error("structurally different chains should key differently")
	}
	if l.Len() != 2 || r.Len() != 2 || l.Close[0] != r.Close[0] || l.Close[1] != r.Close[1] {
		t.Fatalf("left=%v right=%v", l.Close, r.Close)
	}

	for name, c := range map[string]Convert{"left": left, "right": right} {
		aligned, err := Align(m, c, [][]float64{l.Close})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got := finishedPositions(aligned[0]); !equalInts(got, []int{5, 7}) {
			t.Errorf("%s: non-NaN positions=%v, want [5 7]", name, got)
		}
		assertClose(t, name+" aligned[5]", aligned[0][5], 14, 0)
		assertClose(t, name+" aligned[7]", aligned[0][7], 15, 0)
	}
}

func TestApply_SharesChainPrefixes(t *testing.T) {
	m := newMemo()
	tf := Tf{Start: session.At(9, 0, 0), End: session.At(9, 30, 0)}
	vf := VolFilter{Window: 3, Percent: 50}
	if _, err := m.Transform(PreNow{Pre: tf, Now: vf}); err != nil {
		t.Fatal(err)
	}
	before := m.computed
	if _, err := m.Transform(PreNow{Pre: PreNow{Pre: tf, Now: vf}, Now: FlatTick{}}); err != nil {
		t.Fatal(err)
	}
	if m.computed != before+1 {
		t.Errorf("extending a cached chain computed %d transforms, want 1", m.computed-before)
	}
}

func TestAlign_RoundTripThroughProject(t *testing.T) {
	m := newMemo()
	c := PreNow{Pre: VolFilter{Window: 3, Percent: 50}, Now: Event{Rule: rebar.Count{N: 2}}}
	out, err := m.Transform(c)
	if err != nil {
		t.Fatal(err)
	}
	aligned, err := Align(m, c, [][]float64{out.Close})
	if err != nil {
		t.Fatal(err)
	}
	back, err := Project(m, c, aligned)
	if err != nil {
		t.Fatal(err)
	}
	if len(back[0]) != out.Len() {
		t.Fatalf("projected len=%d, want %d", len(back[0]), out.Len())
	}
	for i := range back[0] {
		if back[0][i] != out.Close[i] {
			t.Errorf("bar %d: %v != %v", i, back[0][i], out.Close[i])
		}
	}
	if n := len(finishedPositions(aligned[0])); n != out.Len() {
		t.Errorf("aligned has %d values, want %d", n, out.Len())
	}
}

func TestAlign_IdentityWithoutMask(t *testing.T) {
	m := newMemo()
	col := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	got, err := Align(m, HeikinAshi{Window: 3}, [][]float64{col})
	if err != nil {
		t.Fatal(err)
	}
	for i := range col {
		if got[0][i] != col[i] {
			t.Fatalf("1:1 alignment changed values at %d", i)
		}
	}
}

func TestExpand_NaNOffGrid(t *testing.T) {
	mask := model.Mask{model.Begin, model.Finished, model.Ignored, model.Merging, model.Finished}
	got, err := Expand(mask, []float64{7, 9})
	if err != nil {
		t.Fatal(err)
	}
	if got[1] != 7 || got[4] != 9 {
		t.Errorf("finished positions = %v, %v", got[1], got[4])
	}
	for _, i := range []int{0, 2, 3} {
		if !math.IsNaN(got[i]) {
			t.Errorf("position %d = %v, want NaN", i, got[i])
		}
	}
}

func TestExpand_LengthMismatch(t *testing.T) {
	if _, err := Expand(model.Mask{model.Finished, model.Ignored}, []float64{1, 2}); err == nil {
		t.Error("expected error when values outnumber finished bars")
	}
}

// ────────────────────────────────────────────────────────────
// Descriptors
// ────────────────────────────────────────────────────────────

func TestParse_RoundTrip(t *testing.T) {
	for _, text := range []string{
		"ori",
		"ha:10",
		"tf:09:00:00-11:30:00",
		"event:count:5",
		"event:session:rl5m",
		"volfilter:20:80",
		"log",
		"flat",
		"ha:10>event:volume:2500>volfilter:20:50",
	} {
		c, err := Parse(text)
		if err != nil {
			t.Errorf("Parse(%q): %v", text, err)
			continue
		}
		if c.String() != text {
			t.Errorf("Parse(%q).String() = %q", text, c.String())
		}
		again, _ := Parse(c.String())
		if keys.Of(again) != keys.Of(c) {
			t.Errorf("%q did not round-trip to an equal key", text)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	for _, text := range []string{"ha:0", "ha:x", "volfilter:10:120", "event:count:0", "median:5", "tf:09:00"} {
		if _, err := Parse(text); err == nil {
			t.Errorf("Parse(%q) should fail", text)
		}
	}
}

func TestKeys_DistinguishParameters(t *testing.T) {
	if Key(HeikinAshi{Window: 10}) == Key(HeikinAshi{Window: 11}) {
		t.Error("window not part of identity")
	}
	if Key(VolFilter{Window: 10, Percent: 5}) == Key(VolFilter{Window: 105}) {
		t.Error("volume filter parameters collided")
	}
	if Key(nil) != Key(Ori{}) {
		t.Error("nil convert should key as identity")
	}
}

func TestApply_ValidatesFirst(t *testing.T) {
	if _, err := Apply(Direct{rawSeries()}, PreNow{Pre: HeikinAshi{Window: 0}, Now: LogNorm{}}); err == nil {
		t.Error("expected validation error")
	}
}

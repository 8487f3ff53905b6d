package agg

import (
	"context"
	"testing"
	"time"

	"quantcore/internal/model"
	"quantcore/internal/session"
)

var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m, s int) time.Time {
	return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func tick(ts time.Time, price, vol float64) model.Tick {
	return model.Tick{Time: ts, Last: price, Volume: vol, Amount: price * vol, Contract: "rb2405"}
}

func fiveMinute() session.Schedule {
	s, err := session.EvenSlice(session.At(9, 0, 0), session.At(9, 9, 59), 5*time.Minute, 500*time.Millisecond)
	if err != nil {
		panic(err)
	}
	return s
}

func TestAggregator_FinishingTickIsFolded(t *testing.T) {
	a := New(fiveMinute())

	states := []model.BarState{
		a.UpdateTick(tick(at(9, 0, 0), 10, 1)),
		a.UpdateTick(tick(at(9, 1, 0), 12, 2)),
		a.UpdateTick(tick(at(9, 3, 0), 9, 3)),
		a.UpdateTick(tick(at(9, 5, 0), 11, 4)),
	}
	want := []model.BarState{model.Begin, model.Merging, model.Merging, model.Finished}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("tick %d: state=%s, want %s", i, states[i], want[i])
		}
	}

	ps := a.Series()
	if ps.Len() != 1 {
		t.Fatalf("expected 1 bar, got %d", ps.Len())
	}
	b := ps.Bar(0)
	if b.Open != 10 || b.High != 12 || b.Low != 9 || b.Close != 11 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 10/12/9/11", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 10 {
		t.Errorf("volume=%v, want 10", b.Volume)
	}
	if b.Amount != 10+24+27+44 {
		t.Errorf("amount=%v, want 105", b.Amount)
	}
	if b.Info.TicksMerged != 4 {
		t.Errorf("ticks merged=%d, want 4", b.Info.TicksMerged)
	}
	if !b.Info.OpenTime.Equal(at(9, 0, 0)) || !b.Time.Equal(at(9, 5, 0)) {
		t.Errorf("open_time=%v ts=%v", b.Info.OpenTime, b.Time)
	}
}

func TestAggregator_IgnoredTicksCounted(t *testing.T) {
	a := New(fiveMinute())
	var ignored int
	a.OnIgnored = func() { ignored++ }

	if s := a.UpdateTick(tick(at(8, 58, 0), 5, 1)); s != model.Ignored {
		t.Fatalf("pre-open tick: %s, want ignored", s)
	}
	a.UpdateTick(tick(at(8, 59, 0), 5, 1))
	a.UpdateTick(tick(at(9, 0, 1), 7, 1))
	a.UpdateTick(tick(at(9, 5, 0), 8, 1))

	b := a.Series().Bar(0)
	if b.Open != 7 {
		t.Errorf("ignored ticks leaked into open: %v", b.Open)
	}
	if b.Info.TicksSkipped != 2 {
		t.Errorf("ticks skipped=%d, want 2", b.Info.TicksSkipped)
	}
	if ignored != 2 {
		t.Errorf("OnIgnored called %d times, want 2", ignored)
	}
}

func TestAggregator_NextBarBeginsAfterFinish(t *testing.T) {
	a := New(fiveMinute())
	a.UpdateTick(tick(at(9, 0, 0), 10, 1))
	a.UpdateTick(tick(at(9, 5, 0), 11, 1))
	if s := a.UpdateTick(tick(at(9, 5, 30), 12, 1)); s != model.Begin {
		t.Fatalf("state=%s, want begin", s)
	}
	if s := a.UpdateTick(tick(at(9, 10, 0), 13, 1)); s != model.Finished {
		t.Fatalf("state=%s, want finished", s)
	}
	b := a.Series().Bar(1)
	if b.Open != 12 || b.Close != 13 || b.Info.TicksSkipped != 0 {
		t.Errorf("second bar = %+v", b)
	}
}

func genTicks() []model.Tick {
	var out []model.Tick
	price := 100.0
	for ts := at(8, 58, 0); ts.Before(at(10, 1, 0)); ts = ts.Add(7 * time.Second) {
		// deterministic zig-zag
		if ts.Second()%3 == 0 {
			price += 0.5
		} else {
			price -= 0.25
		}
		out = append(out, tick(ts, price, 1))
	}
	return out
}

func aggregate(s session.Schedule, ticks []model.Tick) ([]model.Bar, model.Mask) {
	a := New(s)
	mask := make(model.Mask, len(ticks))
	for i, tk := range ticks {
		mask[i] = a.UpdateTick(tk)
	}
	return a.Series().Bars(), mask
}

func TestAggregator_DeterministicAndConcatenation(t *testing.T) {
	full, err := session.EvenSlice(session.At(9, 0, 0), session.At(10, 0, 0), 5*time.Minute, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	morning, _ := session.EvenSlice(session.At(9, 0, 0), session.AtMilli(9, 29, 59, 500), 5*time.Minute, 500*time.Millisecond)
	rest, _ := session.EvenSlice(session.At(9, 30, 0), session.At(10, 0, 0), 5*time.Minute, 500*time.Millisecond)
	joined := session.Concat(morning, rest)

	ticks := genTicks()
	a, maskA := aggregate(full, ticks)
	b, maskB := aggregate(full, ticks)
	c, maskC := aggregate(joined, ticks)

	if len(a) == 0 {
		t.Fatal("no bars produced")
	}
	for name, other := range map[string][]model.Bar{"rerun": b, "concat": c} {
		if len(other) != len(a) {
			t.Fatalf("%s: %d bars, want %d", name, len(other), len(a))
		}
		for i := range a {
			if a[i] != other[i] {
				t.Errorf("%s bar %d differs: %+v vs %+v", name, i, a[i], other[i])
			}
		}
	}
	for i := range maskA {
		if maskA[i] != maskB[i] || maskA[i] != maskC[i] {
			t.Fatalf("mask differs at %d", i)
		}
	}
	if maskA.Count() != len(a) {
		t.Errorf("finished count=%d, bars=%d", maskA.Count(), len(a))
	}
}

func TestAggregator_NightSessionDayJump(t *testing.T) {
	a := New(session.Rlast)
	mon := func(h, m int) time.Time { return time.Date(2024, 3, 4, h, m, 0, 0, time.UTC) }
	tue := func(h, m int) time.Time { return time.Date(2024, 3, 5, h, m, 0, 0, time.UTC) }

	seq := []struct {
		ts   time.Time
		want model.BarState
	}{
		{mon(20, 59), model.Ignored},
		{mon(21, 0), model.Begin},
		{mon(23, 0), model.Merging},
		{tue(1, 0), model.Merging},
		{tue(9, 0), model.Merging},
		{tue(14, 55), model.Merging},
		{tue(14, 56), model.Finished},
		{tue(15, 10), model.Ignored},
		{tue(21, 0), model.Begin},
	}
	for i, s := range seq {
		if got := a.UpdateTick(tick(s.ts, float64(100+i), 1)); got != s.want {
			t.Errorf("step %d at %v: %s, want %s", i, s.ts, got, s.want)
		}
	}
	b := a.Series().Bar(0)
	if b.Open != 101 || b.Close != 106 || b.High != 106 || b.Low != 101 {
		t.Errorf("night bar = %+v", b)
	}
}

func TestAggregator_UpdateBar(t *testing.T) {
	a := New(fiveMinute())
	var emitted []model.Bar
	a.OnBar = func(b model.Bar) { emitted = append(emitted, b) }

	for i := 0; i <= 5; i++ {
		a.UpdateBar(model.Bar{
			Time:   at(9, i, 0),
			Open:   float64(10 + i),
			High:   float64(11 + i),
			Low:    float64(9 + i),
			Close:  float64(10 + i),
			Volume: 1,
			Amount: 2,
			Info:   model.BarInfo{TicksMerged: 3, TicksSkipped: 1},
		})
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted %d bars, want 1", len(emitted))
	}
	b := emitted[0]
	if b.Open != 10 || b.High != 16 || b.Low != 9 || b.Close != 15 {
		t.Errorf("OHLC = %v/%v/%v/%v", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 6 || b.Amount != 12 {
		t.Errorf("volume=%v amount=%v", b.Volume, b.Amount)
	}
	// seed: 3 merged, 1 skipped; 5 more bars fold 3+1 each
	if b.Info.TicksMerged != 3+5*4 || b.Info.TicksSkipped != 1 {
		t.Errorf("info = %+v", b.Info)
	}
}

func TestAggregator_Run(t *testing.T) {
	a := New(fiveMinute())
	tickCh := make(chan model.Tick, 16)
	barCh := make(chan model.Bar, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx, tickCh, barCh)
		close(done)
	}()

	tickCh <- tick(at(9, 0, 0), 10, 1)
	tickCh <- tick(at(9, 2, 0), 11, 1)
	tickCh <- tick(at(9, 5, 0), 12, 1)
	close(tickCh)
	<-done

	select {
	case b := <-barCh:
		if b.Open != 10 || b.Close != 12 {
			t.Errorf("bar = %+v", b)
		}
	default:
		t.Fatal("expected one bar on barCh")
	}
}

func TestNew_PanicsOnEmptySchedule(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(nil)
}

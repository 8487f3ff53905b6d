package bus

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"quantcore/internal/dataset"
	"quantcore/internal/indicator"
	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/metrics"
	"quantcore/internal/model"
	"quantcore/internal/transform"
)

func bars(n int, seed float64) []model.Bar {
	t0 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	out := make([]model.Bar, n)
	for i := range out {
		c := seed + 10*math.Sin(float64(i)/7) + float64(i%4)
		out[i] = model.Bar{
			Time: t0.Add(time.Duration(i) * time.Minute),
			Open: c - 0.3, High: c + 1, Low: c - 1, Close: c,
			Volume: float64(1 + i%9),
		}
	}
	return out
}

var descriptors = []struct {
	conv transform.Convert
	ind  indicator.Indicator
}{
	{transform.Ori{}, indicator.RSI{Window: 14}},
	{transform.Ori{}, indicator.MACD{Fast: 12, Slow: 26, Signal: 9}},
	{transform.HeikinAshi{Window: 5}, indicator.J{N: 9, M1: 3, M2: 3}},
	{transform.Event{Rule: rebar.Count{N: 5}}, indicator.Rank{Inner: indicator.ATR{Window: 10}, Window: 30, Lookback: 5}},
	{transform.Ori{}, indicator.Fore{
		Inner: indicator.RSI{Window: 6},
		Basis: transform.VolFilter{Window: 20, Percent: 50},
		Post:  indicator.Fill{},
	}},
}

func evaluate(ds *dataset.Dataset) ([][][]float64, error) {
	var out [][][]float64
	for _, d := range descriptors {
		cols, err := ds.View(d.conv).Indicator(d.ind)
		if err != nil {
			return nil, err
		}
		out = append(out, cols)
	}
	return out, nil
}

func sameBits(a, b [][][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if len(a[i][j]) != len(b[i][j]) {
				return false
			}
			for k := range a[i][j] {
				if math.Float64bits(a[i][j][k]) != math.Float64bits(b[i][j][k]) {
					return false
				}
			}
		}
	}
	return true
}

func TestRunAll_ParallelEqualsSequential(t *testing.T) {
	base := []*dataset.Dataset{
		dataset.BulkLoad("A", "unit", bars(400, 100)),
		dataset.BulkLoad("B", "unit", bars(300, 50)),
		dataset.BulkLoad("C", "unit", bars(350, 75)),
	}

	var sequential [][][][]float64
	for _, ds := range base {
		res, err := evaluate(ds.Clone())
		if err != nil {
			t.Fatal(err)
		}
		sequential = append(sequential, res)
	}

	// several clones per dataset, evaluated concurrently
	var clones []*dataset.Dataset
	var origin []int
	for i, ds := range base {
		for c := 0; c < 4; c++ {
			clones = append(clones, ds.Clone())
			origin = append(origin, i)
		}
	}
	parallel := make([][][][]float64, len(clones))
	var mu sync.Mutex
	index := make(map[*dataset.Dataset]int, len(clones))
	for i, c := range clones {
		index[c] = i
	}

	results := RunAll(clones, 3, func(ds *dataset.Dataset) error {
		res, err := evaluate(ds)
		if err != nil {
			return err
		}
		mu.Lock()
		parallel[index[ds]] = res
		mu.Unlock()
		return nil
	})
	if errs := Errors(results); len(errs) != 0 {
		t.Fatalf("workers failed: %v", errs)
	}
	for i := range clones {
		if !sameBits(parallel[i], sequential[origin[i]]) {
			t.Errorf("clone %d of %s differs from the sequential result", i, base[origin[i]].Ticker)
		}
	}
}

func TestRunAll_ReportsEachFailure(t *testing.T) {
	var datasets []*dataset.Dataset
	for _, name := range []string{"ok1", "bad", "ok2", "boom"} {
		datasets = append(datasets, dataset.BulkLoad(name, "unit", bars(10, 10)))
	}
	errBad := errors.New("bad dataset")
	var mu sync.Mutex
	ran := map[string]bool{}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	results := Runner{Workers: 2, Metrics: m}.RunAll(datasets, func(ds *dataset.Dataset) error {
		mu.Lock()
		ran[ds.Ticker] = true
		mu.Unlock()
		switch ds.Ticker {
		case "bad":
			return errBad
		case "boom":
			panic("kernel exploded")
		}
		return nil
	})

	if len(ran) != 4 {
		t.Errorf("only %d workers ran; siblings were aborted", len(ran))
	}
	for i, r := range results {
		if r.Dataset != datasets[i] {
			t.Errorf("result %d out of order", i)
		}
	}
	if !errors.Is(results[1].Err, errBad) {
		t.Errorf("bad: got %v", results[1].Err)
	}
	if results[3].Err == nil {
		t.Error("panic was not reported")
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Error("healthy workers reported errors")
	}
	if len(Errors(results)) != 2 {
		t.Errorf("Errors()=%v", Errors(results))
	}
	if got := testutil.ToFloat64(m.WorkerErrors); got != 2 {
		t.Errorf("worker errors metric=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WorkersRun); got != 4 {
		t.Errorf("workers metric=%v, want 4", got)
	}
}

package parquetstore

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"quantcore/internal/model"
)

func TestBars_SaveLoad(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC)
	bars := []model.Bar{
		{Time: t0, Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 7, Amount: 14,
			Info: model.BarInfo{OpenTime: t0.Add(-time.Minute), TicksMerged: 4, Contract: "IF"}},
		{Time: t0.Add(time.Minute), Open: 2, High: 2.5, Low: 1.5, Close: 2.25, Volume: 3,
			Info: model.BarInfo{TicksSkipped: 1, Contract: "IF"}},
	}
	path := BarsPath(filepath.Join(t.TempDir(), "nested"), "IF")
	if err := SaveBars(path, bars); err != nil {
		t.Fatal(err)
	}
	got, err := LoadBars(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d bars", len(got))
	}
	if !got[0].Time.Equal(t0) || !got[0].Info.OpenTime.Equal(t0.Add(-time.Minute)) {
		t.Errorf("times %v %v", got[0].Time, got[0].Info.OpenTime)
	}
	if got[0].Amount != 14 || got[0].Info.TicksMerged != 4 || got[0].Info.Contract != "IF" {
		t.Errorf("bar 0 = %+v", got[0])
	}
	if !got[1].Info.OpenTime.IsZero() || got[1].Info.TicksSkipped != 1 || got[1].Close != 2.25 {
		t.Errorf("bar 1 = %+v", got[1])
	}
}

func TestResults_KeepNaN(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	times := []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)}
	cols := [][]float64{{math.NaN(), 1, 2}, {3, 4, 5}}

	rows := ResultRows("IF", "ori", "macd:12:26:9", times, cols)
	if len(rows) != 6 {
		t.Fatalf("rows=%d", len(rows))
	}
	path := filepath.Join(t.TempDir(), "results.parquet")
	if err := SaveResults(path, rows); err != nil {
		t.Fatal(err)
	}
	back, err := LoadResults(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 6 {
		t.Fatalf("read %d rows", len(back))
	}
	if !math.IsNaN(back[0].Value) || back[5].Value != 5 || back[5].Column != 1 {
		t.Errorf("rows=%+v", back)
	}
}

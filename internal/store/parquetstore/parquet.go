// Package parquetstore saves and loads bar series and indicator results as
// Parquet files, one file per ticker.
package parquetstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantcore/internal/model"
)

// BarRow is the Parquet layout of a bar.
type BarRow struct {
	Ticker       string  `parquet:"ticker,dict"`
	TS           int64   `parquet:"ts"` // unix nanoseconds
	OpenTS       int64   `parquet:"open_ts,optional"`
	Open         float64 `parquet:"open"`
	High         float64 `parquet:"high"`
	Low          float64 `parquet:"low"`
	Close        float64 `parquet:"close"`
	Volume       float64 `parquet:"volume"`
	Amount       float64 `parquet:"amount,optional"`
	TicksMerged  int32   `parquet:"ticks_merged,optional"`
	TicksSkipped int32   `parquet:"ticks_skipped,optional"`
}

// ResultRow is one value of one indicator output column, in long format.
type ResultRow struct {
	Ticker    string  `parquet:"ticker,dict"`
	Convert   string  `parquet:"convert,dict"`
	Indicator string  `parquet:"indicator,dict"`
	Column    int32   `parquet:"column"`
	TS        int64   `parquet:"ts"`
	Value     float64 `parquet:"value"` // NaN where undefined
}

// BarsPath is the conventional file of ticker's bars under dir.
func BarsPath(dir, ticker string) string { return filepath.Join(dir, ticker+".parquet") }

// SaveBars writes bars to path, creating parent directories.
func SaveBars(path string, bars []model.Bar) error {
	rows := make([]BarRow, len(bars))
	for i, b := range bars {
		rows[i] = BarRow{
			Ticker:       b.Info.Contract,
			TS:           b.Time.UnixNano(),
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			Amount:       b.Amount,
			TicksMerged:  int32(b.Info.TicksMerged),
			TicksSkipped: int32(b.Info.TicksSkipped),
		}
		if !b.Info.OpenTime.IsZero() {
			rows[i].OpenTS = b.Info.OpenTime.UnixNano()
		}
	}
	return write(path, rows)
}

// LoadBars reads a file written by SaveBars.
func LoadBars(path string) ([]model.Bar, error) {
	rows, err := parquet.ReadFile[BarRow](path)
	if err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = model.Bar{
			Time:   time.Unix(0, r.TS).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
			Amount: r.Amount,
			Info: model.BarInfo{
				TicksMerged:  int(r.TicksMerged),
				TicksSkipped: int(r.TicksSkipped),
				Contract:     r.Ticker,
			},
		}
		if r.OpenTS != 0 {
			bars[i].Info.OpenTime = time.Unix(0, r.OpenTS).UTC()
		}
	}
	return bars, nil
}

// ResultRows flattens indicator output columns aligned with times.
func ResultRows(ticker, convert, indicator string, times []time.Time, cols [][]float64) []ResultRow {
	var rows []ResultRow
	for c, col := range cols {
		for i, v := range col {
			if i >= len(times) {
				break
			}
			rows = append(rows, ResultRow{
				Ticker:    ticker,
				Convert:   convert,
				Indicator: indicator,
				Column:    int32(c),
				TS:        times[i].UnixNano(),
				Value:     v,
			})
		}
	}
	return rows
}

// SaveResults writes indicator result rows to path.
func SaveResults(path string, rows []ResultRow) error { return write(path, rows) }

// LoadResults reads a file written by SaveResults.
func LoadResults(path string) ([]ResultRow, error) {
	rows, err := parquet.ReadFile[ResultRow](path)
	if err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	return rows, nil
}

func write[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("parquet mkdir: %w", err)
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("parquet write %s: %w", path, err)
	}
	return nil
}

// cmd/backtest loads stored bars, builds one dataset per ticker and
// evaluates an indicator list on every dataset in parallel.
//
// Usage:
//
//	go run ./cmd/backtest --source=sql --tickers=IF,IH --convert=ha:10 \
//	    --indicators=rsi:14,macd:12:26:9 --rebar=count:5 --export=out
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"quantcore/config"
	"quantcore/internal/dataset"
	"quantcore/internal/indicator"
	"quantcore/internal/logger"
	"quantcore/internal/marketdata/bus"
	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/model"
	"quantcore/internal/store/parquetstore"
	"quantcore/internal/store/sqlstore"
	"quantcore/internal/transform"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("backtest", logger.ParseLevel(cfg.LogLevel))

	source := flag.String("source", "sql", "Bar source: sql or parquet")
	tickerStr := flag.String("tickers", cfg.Tickers, "Comma-separated tickers (empty = every ticker in the SQL store)")
	fromStr := flag.String("from", "", "Start date or RFC3339 time (empty = all)")
	toStr := flag.String("to", "", "End date or RFC3339 time (empty = all)")
	rebarStr := flag.String("rebar", "", "Re-aggregate stored bars first, e.g. count:5, volume:1000, session:rl30mday")
	convStr := flag.String("convert", cfg.Convert, "Transform every indicator is evaluated under")
	indStr := flag.String("indicators", cfg.Indicators, "Indicator list or configured set name")
	workers := flag.Int("workers", cfg.Workers, "Parallel datasets (0 = one goroutine per dataset)")
	export := flag.String("export", "", "Directory for Parquet exports of bars and results")
	flag.Parse()

	conv, err := transform.Parse(*convStr)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	inds := cfg.File.ResolveIndicators(*indStr)
	from, err := parseTime(*fromStr)
	if err != nil {
		log.Fatalf("[backtest] --from: %v", err)
	}
	to, err := parseTime(*toStr)
	if err != nil {
		log.Fatalf("[backtest] --to: %v", err)
	}
	var rule rebar.Rule
	if *rebarStr != "" {
		if rule, err = rebar.ParseRule(*rebarStr); err != nil {
			log.Fatalf("[backtest] --rebar: %v", err)
		}
	}

	ctx := context.Background()
	loaded, err := load(ctx, cfg, *source, split(*tickerStr), from, to)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	if len(loaded) == 0 {
		log.Fatal("[backtest] no bars loaded")
	}

	var datasets []*dataset.Dataset
	for _, t := range sortedKeys(loaded) {
		bars := loaded[t]
		ps := model.FromBars(bars)
		src := *source
		if rule != nil {
			shared, err := rebar.Rebuild(rule, ps.Freeze())
			if err != nil {
				log.Fatalf("[backtest] rebar %s: %v", t, err)
			}
			ps = shared.Owned()
			src += ">" + rule.String()
		}
		datasets = append(datasets, dataset.New(t, src, ps))
		log.Printf("[backtest] %s: %d stored bars, %d dataset bars", t, len(bars), ps.Len())

		if *export != "" && *source != "parquet" {
			if err := parquetstore.SaveBars(parquetstore.BarsPath(*export, t), bars); err != nil {
				log.Printf("[backtest] export bars %s: %v", t, err)
			}
		}
	}

	var mu sync.Mutex
	summaries := make(map[string][]line)
	start := time.Now()
	results := bus.RunAll(datasets, *workers, func(ds *dataset.Dataset) error {
		lines, rows, err := evaluate(ds, conv, inds)
		mu.Lock()
		summaries[ds.Ticker] = lines
		mu.Unlock()
		if err != nil {
			return err
		}
		if *export == "" {
			return nil
		}
		return parquetstore.SaveResults(filepath.Join(*export, "results", ds.Ticker+".parquet"), rows)
	})
	elapsed := time.Since(start)

	for _, r := range results {
		fmt.Printf("%s (%d bars, %s)\n", r.Dataset.Ticker, r.Dataset.Len(), r.Dataset.Source)
		for _, l := range summaries[r.Dataset.Ticker] {
			fmt.Printf("  %-36s %s\n", l.name, l.text)
		}
		if r.Err != nil {
			fmt.Printf("  error: %v\n", r.Err)
		}
	}

	failed := bus.Errors(results)
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Datasets:          %-16d ║\n", len(datasets))
	fmt.Printf("║  Indicators:        %-16d ║\n", len(inds))
	fmt.Printf("║  Failed datasets:   %-16d ║\n", len(failed))
	fmt.Printf("║  Elapsed:           %-16s ║\n", elapsed.Round(time.Millisecond))
	fmt.Println("╚══════════════════════════════════════╝")
	if len(failed) > 0 {
		os.Exit(1)
	}
}

type line struct {
	name string
	text string
}

// evaluate runs every indicator under conv and returns one summary line
// per indicator plus the long-format result rows.
func evaluate(ds *dataset.Dataset, conv transform.Convert, inds []indicator.Indicator) ([]line, []parquetstore.ResultRow, error) {
	view := ds.View(conv)
	ps, err := view.Prices()
	if err != nil {
		return nil, nil, err
	}
	var (
		lines []line
		rows  []parquetstore.ResultRow
		errs  []error
	)
	for _, ind := range inds {
		cols, err := view.Indicator(ind)
		if err != nil {
			lines = append(lines, line{ind.String(), "error"})
			errs = append(errs, err)
			continue
		}
		lines = append(lines, line{ind.String(), lastValues(cols)})
		rows = append(rows, parquetstore.ResultRows(ds.Ticker, conv.String(), ind.String(), ps.Time, cols)...)
	}
	return lines, rows, errors.Join(errs...)
}

func lastValues(cols [][]float64) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		v := math.NaN()
		if len(col) > 0 {
			v = col[len(col)-1]
		}
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return strings.Join(parts, " ")
}

func load(ctx context.Context, cfg *config.Config, source string, tickers []string, from, to time.Time) (map[string][]model.Bar, error) {
	out := make(map[string][]model.Bar)
	switch source {
	case "parquet":
		for _, t := range tickers {
			bars, err := parquetstore.LoadBars(parquetstore.BarsPath(cfg.ParquetDir, t))
			if err != nil {
				return nil, err
			}
			out[t] = window(bars, from, to)
		}
	case "sql":
		store, err := sqlstore.Open(sqlstore.Config{Driver: cfg.SQLDriver, DSN: cfg.SQLDSN})
		if err != nil {
			return nil, err
		}
		defer store.Close()
		if len(tickers) == 0 {
			if tickers, err = store.Tickers(ctx); err != nil {
				return nil, err
			}
		}
		for _, t := range tickers {
			bars, err := store.Load(ctx, t, from, to)
			if err != nil {
				return nil, err
			}
			if len(bars) > 0 {
				out[t] = bars
			}
		}
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
	return out, nil
}

func window(bars []model.Bar, from, to time.Time) []model.Bar {
	var out []model.Bar
	for _, b := range bars {
		if (!from.IsZero() && b.Time.Before(from)) || (!to.IsZero() && b.Time.After(to)) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys(m map[string][]model.Bar) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

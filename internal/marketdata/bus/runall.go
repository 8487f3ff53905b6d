package bus

import (
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"quantcore/internal/dataset"
	"quantcore/internal/metrics"
)

// Result is the outcome of one worker.
type Result struct {
	Dataset *dataset.Dataset
	Err     error
}

// Runner fans a per-dataset function out over a bounded worker pool.
type Runner struct {
	// Workers bounds concurrency; zero or less means one goroutine per
	// dataset.
	Workers int

	// Metrics, when set, counts workers and their failures.
	Metrics *metrics.Metrics
}

// RunAll calls fn once per dataset, in parallel, and waits for every call
// to return. A failing or panicking worker does not stop its siblings;
// its error is reported in its own Result. Results are in input order.
func (r Runner) RunAll(datasets []*dataset.Dataset, fn func(*dataset.Dataset) error) []Result {
	results := make([]Result, len(datasets))
	var g errgroup.Group
	if r.Workers > 0 {
		g.SetLimit(r.Workers)
	}
	for i, ds := range datasets {
		results[i].Dataset = ds
		g.Go(func() error {
			results[i].Err = r.run(ds, fn)
			return nil
		})
	}
	g.Wait()
	return results
}

func (r Runner) run(ds *dataset.Dataset, fn func(*dataset.Dataset) error) (err error) {
	if r.Metrics != nil {
		r.Metrics.WorkersRun.Inc()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panic: %v", p)
		}
		if err != nil {
			if r.Metrics != nil {
				r.Metrics.WorkerErrors.Inc()
			}
			log.Printf("[bus] dataset %s (%s) failed: %v", ds.Ticker, ds.ID, err)
		}
	}()
	return fn(ds)
}

// RunAll is Runner{Workers: workers}.RunAll.
func RunAll(datasets []*dataset.Dataset, workers int, fn func(*dataset.Dataset) error) []Result {
	return Runner{Workers: workers}.RunAll(datasets, fn)
}

// Errors collects the non-nil errors of results.
func Errors(results []Result) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Dataset.Ticker, r.Err))
		}
	}
	return errs
}

// Package indengine keeps one dataset per ticker up to date from the bar
// streams and republishes the latest value of every configured indicator
// after each batch of bars.
package indengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"quantcore/internal/dataset"
	"quantcore/internal/indicator"
	"quantcore/internal/marketdata/bus"
	"quantcore/internal/metrics"
	"quantcore/internal/model"
	"quantcore/internal/notification"
	redisstore "quantcore/internal/store/redis"
	"quantcore/internal/transform"
)

// BarStore loads historical bars. *sqlstore.Store implements it.
type BarStore interface {
	Load(ctx context.Context, ticker string, from, to time.Time) ([]model.Bar, error)
}

// BarStream follows live bars. *redisstore.Reader implements it.
type BarStream interface {
	Follow(ctx context.Context, tickers []string, out chan<- redisstore.StreamBar) error
}

// Publisher receives snapshots. *redisstore.Writer implements it.
type Publisher interface {
	WriteSnapshots(ctx context.Context, snaps []redisstore.Snapshot) error
}

// Service is the indicator engine.
type Service struct {
	cfg Config

	Registry *dataset.Registry
	store    BarStore
	stream   BarStream
	pub      Publisher
	runner   bus.Runner
	prom     *metrics.Metrics

	// Notifier, when set, is alerted for every dataset that fails to
	// evaluate.
	Notifier notification.Notifier
}

// New creates a Service. store may be nil, in which case datasets start
// empty.
func New(cfg Config, store BarStore, stream BarStream, pub Publisher, prom *metrics.Metrics) *Service {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 200 * time.Millisecond
	}
	if cfg.Convert == nil {
		cfg.Convert = transform.Ori{}
	}
	reg := dataset.NewRegistry()
	reg.Metrics = prom
	return &Service{
		cfg:      cfg,
		Registry: reg,
		store:    store,
		stream:   stream,
		pub:      pub,
		runner:   bus.Runner{Workers: cfg.Workers, Metrics: prom},
		prom:     prom,
	}
}

// Run warms up the datasets, then follows the bar streams until ctx is
// cancelled. Without a stream it only warms up and waits for ctx.
func (svc *Service) Run(ctx context.Context) error {
	if err := svc.Warmup(ctx); err != nil {
		return err
	}
	if svc.stream == nil {
		log.Println("[indengine] no bar stream configured, serving warm-up data only")
		<-ctx.Done()
		return nil
	}

	barCh := make(chan redisstore.StreamBar, 5000)
	go func() {
		if err := svc.stream.Follow(ctx, svc.cfg.Tickers, barCh); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[indengine] stream follow error: %v", err)
		}
	}()

	log.Printf("[indengine] following %d tickers, %d indicators under %s",
		len(svc.cfg.Tickers), len(svc.cfg.Indicators), svc.cfg.Convert)

	pending := make(map[string][]model.Bar)
	timer := time.NewTimer(svc.cfg.BatchDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sb := <-barCh:
			pending[sb.Ticker] = append(pending[sb.Ticker], sb.Bar)
		case <-timer.C:
			if len(pending) > 0 {
				svc.Apply(ctx, pending)
				pending = make(map[string][]model.Bar)
			}
			timer.Reset(svc.cfg.BatchDelay)
		}
	}
}

// Warmup loads every configured ticker from the store and publishes its
// initial snapshots.
func (svc *Service) Warmup(ctx context.Context) error {
	var from time.Time
	if svc.cfg.Lookback > 0 {
		from = time.Now().Add(-svc.cfg.Lookback)
	}
	for _, ticker := range svc.cfg.Tickers {
		var bars []model.Bar
		if svc.store != nil {
			var err error
			bars, err = svc.store.Load(ctx, ticker, from, time.Time{})
			if err != nil {
				return fmt.Errorf("indengine: warm-up %s: %w", ticker, err)
			}
		}
		svc.Registry.Put(dataset.BulkLoad(ticker, "store", bars, dataset.WithMetrics(svc.prom)))
		log.Printf("[indengine] %s: loaded %d bars", ticker, len(bars))
	}
	svc.publish(ctx, svc.Registry.All())
	return nil
}

// Apply extends the datasets named in batch and republishes their
// snapshots. Bars for tickers without a dataset start a new one.
func (svc *Service) Apply(ctx context.Context, batch map[string][]model.Bar) {
	var touched []*dataset.Dataset
	for ticker, bars := range batch {
		ds, ok := svc.Registry.Get(ticker)
		if !ok {
			ds = dataset.BulkLoad(ticker, "stream", nil, dataset.WithMetrics(svc.prom))
			svc.Registry.Put(ds)
		}
		ds.Extend(bars...)
		touched = append(touched, ds)
	}
	svc.publish(ctx, touched)
}

func (svc *Service) publish(ctx context.Context, datasets []*dataset.Dataset) {
	snaps := make([][]redisstore.Snapshot, len(datasets))
	index := make(map[*dataset.Dataset]int, len(datasets))
	for i, ds := range datasets {
		index[ds] = i
	}
	results := svc.runner.RunAll(datasets, func(ds *dataset.Dataset) error {
		s, err := Evaluate(ds, svc.cfg.Convert, svc.cfg.Indicators)
		snaps[index[ds]] = s
		return err
	})

	var all []redisstore.Snapshot
	for i, r := range results {
		all = append(all, snaps[i]...)
		if r.Err != nil {
			log.Printf("[indengine] %s: %v", r.Dataset.Ticker, r.Err)
			notification.Go(svc.Notifier, notification.Alert{
				Level:   notification.AlertWarning,
				Source:  "indengine",
				Title:   "evaluation failed",
				Message: r.Err.Error(),
				Ticker:  r.Dataset.Ticker,
			})
		}
	}
	if len(all) == 0 || svc.pub == nil {
		return
	}
	if err := svc.pub.WriteSnapshots(ctx, all); err != nil {
		log.Printf("[indengine] publish %d snapshots: %v", len(all), err)
	}
}

// Evaluate computes every indicator on ds under conv and returns one
// snapshot per indicator that succeeded. Failures are joined into the
// returned error; they do not stop the remaining indicators.
func Evaluate(ds *dataset.Dataset, conv transform.Convert, inds []indicator.Indicator) ([]redisstore.Snapshot, error) {
	if ds.Len() == 0 {
		return nil, nil
	}
	v := ds.View(conv)
	ps, err := v.Prices()
	if err != nil {
		return nil, err
	}
	at := time.Time{}
	if ps.Len() > 0 {
		at = ps.Time[ps.Len()-1]
	}

	var snaps []redisstore.Snapshot
	var errs []error
	for _, ind := range inds {
		cols, err := v.Indicator(ind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snaps = append(snaps, redisstore.NewSnapshot(ds.Ticker, v.Convert(), ind, at, cols))
	}
	return snaps, errors.Join(errs...)
}

// Package dataset is the query façade over one instrument's bar series:
// raw columns, cached transforms, and cached indicator evaluation.
//
// A Dataset is safe for concurrent use. Every query pins one generation,
// the raw series together with the cache of results computed from it, and
// runs entirely against that generation. Extend publishes a new raw series
// with an empty cache, so a query still running on the old series can only
// populate the old, unreachable cache. Separate Datasets share nothing but
// immutable series, so independent datasets can be evaluated in parallel
// (see bus.RunAll).
package dataset

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/cache"
	"quantcore/internal/indicator"
	"quantcore/internal/keys"
	"quantcore/internal/metrics"
	"quantcore/internal/model"
	"quantcore/internal/transform"
)

// ErrUnknownField is returned for a field outside model.Field's range.
var ErrUnknownField = errors.New("dataset: unknown field")

// LookupError reports a transform or indicator that could not be
// produced from this dataset.
type LookupError struct {
	Ticker string
	What   string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dataset %s: %s: %v", e.Ticker, e.What, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// ConfigError reports an invalid descriptor.
type ConfigError struct {
	What string
	Err  error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid %s: %v", e.What, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Stats counts evaluations on this dataset. Computes only increase on a
// cache miss, so a repeated query leaves them unchanged.
type Stats struct {
	TransformComputes int64 `json:"transform_computes"`
	IndicatorComputes int64 `json:"indicator_computes"`
	TransformHits     int64 `json:"transform_hits"`
	IndicatorHits     int64 `json:"indicator_hits"`
}

// Dataset owns one instrument's raw series and its computation cache.
type Dataset struct {
	ID     uuid.UUID
	Ticker string
	Source string // rule or feed the raw bars came from

	mu  sync.RWMutex
	gen *generation

	metrics *metrics.Metrics

	transformComputes atomic.Int64
	indicatorComputes atomic.Int64
	transformHits     atomic.Int64
	indicatorHits     atomic.Int64
}

// generation is one published raw series and the cache of everything
// computed from it.
type generation struct {
	raw   *model.Shared
	cache *cache.Cache
}

// Option configures a Dataset.
type Option func(*Dataset)

// WithMetrics reports cache and compute activity to m.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dataset) { d.metrics = m } }

// WithID fixes the dataset ID instead of generating one.
func WithID(id uuid.UUID) Option { return func(d *Dataset) { d.ID = id } }

// New publishes ps as the raw series of a new Dataset. ps must not be
// appended to afterwards; use Extend.
func New(ticker, source string, ps *model.PriceSeries, opts ...Option) *Dataset {
	if ps == nil {
		ps = model.NewPriceSeries(0)
	}
	d := &Dataset{
		ID:     uuid.New(),
		Ticker: ticker,
		Source: source,
	}
	for _, o := range opts {
		o(d)
	}
	d.gen = &generation{raw: ps.Freeze(), cache: d.newCache()}
	return d
}

func (d *Dataset) newCache() *cache.Cache {
	c := cache.New()
	if m := d.metrics; m != nil {
		c.OnHit = func(cat string) { m.CacheHits.WithLabelValues(cat).Inc() }
		c.OnMiss = func(cat string) { m.CacheMisses.WithLabelValues(cat).Inc() }
	}
	return c
}

func (d *Dataset) current() *generation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gen
}

// BulkLoad builds a Dataset from bars in time order.
func BulkLoad(ticker, source string, bars []model.Bar, opts ...Option) *Dataset {
	return New(ticker, source, model.FromBars(bars), opts...)
}

// Raw is the untransformed series.
func (d *Dataset) Raw() *model.Shared { return d.current().raw }

// Len is the number of raw bars.
func (d *Dataset) Len() int { return d.Raw().Len() }

// Series returns one raw column.
func (d *Dataset) Series(f model.Field) ([]float64, error) { return d.View(nil).Series(f) }

// Transform returns c applied to the raw series, cached by c's key.
// Chains reuse the cached outputs of their prefixes.
func (d *Dataset) Transform(c transform.Convert) (*model.Shared, error) {
	return d.View(nil).Transform(c)
}

// Indicator evaluates ind over the raw series.
func (d *Dataset) Indicator(ind indicator.Indicator) ([][]float64, error) {
	return d.View(nil).Indicator(ind)
}

// View returns the dataset seen through c. A nil c is the raw series.
func (d *Dataset) View(c transform.Convert) View {
	if c == nil {
		c = transform.Ori{}
	}
	return View{ds: d, gen: d.current(), conv: c}
}

// ClearCache empties the selected cache tables.
func (d *Dataset) ClearCache(scope cache.Scope) { d.current().cache.Clear(scope) }

// CacheSizes reports the number of cached entries per table.
func (d *Dataset) CacheSizes() cache.Sizes { return d.current().cache.Sizes() }

// Extend appends bars to the raw series and starts an empty cache for it.
// Shared series handed out before the call stay valid and unchanged, and
// queries already running finish against the series they started on.
func (d *Dataset) Extend(bars ...model.Bar) {
	if len(bars) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	owned := d.gen.raw.Owned()
	for _, b := range bars {
		owned.Append(b)
	}
	d.gen = &generation{raw: owned.Freeze(), cache: d.newCache()}
}

// Clone shares the raw series with a new Dataset that has its own ID and
// an empty cache.
func (d *Dataset) Clone() *Dataset {
	c := &Dataset{
		ID:      uuid.New(),
		Ticker:  d.Ticker,
		Source:  d.Source,
		metrics: d.metrics,
	}
	c.gen = &generation{raw: d.Raw(), cache: c.newCache()}
	return c
}

// Stats returns the evaluation counters.
func (d *Dataset) Stats() Stats {
	return Stats{
		TransformComputes: d.transformComputes.Load(),
		IndicatorComputes: d.indicatorComputes.Load(),
		TransformHits:     d.transformHits.Load(),
		IndicatorHits:     d.indicatorHits.Load(),
	}
}

func (d *Dataset) observe(kind string, start time.Time) {
	if d.metrics != nil {
		d.metrics.ComputeDur.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func (d *Dataset) failed(kind string) {
	if d.metrics != nil {
		d.metrics.ComputeErrors.WithLabelValues(kind).Inc()
	}
}

// ────────────────────────────────────────────────────────────
// View
// ────────────────────────────────────────────────────────────

// View is a Dataset with one transform in effect, pinned to the
// generation that was current when the view was taken. Views are values;
// every view derived from one shares its generation.
type View struct {
	ds   *Dataset
	gen  *generation
	conv transform.Convert
}

// Dataset returns the underlying dataset.
func (v View) Dataset() *Dataset { return v.ds }

// Convert is the transform in effect.
func (v View) Convert() transform.Convert { return v.conv }

// Raw is the untransformed series of the pinned generation.
func (v View) Raw() *model.Shared { return v.gen.raw }

// Transform applies c to the raw series, through the dataset cache.
func (v View) Transform(c transform.Convert) (*model.Shared, error) {
	if c == nil {
		c = transform.Ori{}
	}
	d := v.ds
	k := transform.Key(c)
	if s, ok := v.gen.cache.Transform(k); ok {
		d.transformHits.Add(1)
		return s, nil
	}
	if err := c.Validate(); err != nil {
		return nil, &ConfigError{What: "transform " + c.String(), Err: err}
	}
	start := time.Now()
	s, err := transform.Apply(v, c)
	if err != nil {
		d.failed("transform")
		var le *LookupError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &LookupError{Ticker: d.Ticker, What: "transform " + c.String(), Err: err}
	}
	d.observe("transform", start)
	d.transformComputes.Add(1)
	v.gen.cache.PutTransform(k, s)
	return s, nil
}

// Prices is the series under the transform in effect.
func (v View) Prices() (*model.Shared, error) { return v.Transform(v.conv) }

// Series returns one column of Prices.
func (v View) Series(f model.Field) ([]float64, error) {
	if f > model.FieldAmount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownField, f)
	}
	ps, err := v.Prices()
	if err != nil {
		return nil, err
	}
	return ps.Column(f), nil
}

// With returns the same dataset seen through c.
func (v View) With(c transform.Convert) View {
	if c == nil {
		c = transform.Ori{}
	}
	return View{ds: v.ds, gen: v.gen, conv: c}
}

// Under implements indicator.Env.
func (v View) Under(c transform.Convert) indicator.Env { return v.With(c) }

// Key is the cache key of ind under this view's transform.
func (v View) Key(ind indicator.Indicator) keys.Key {
	return keys.Pair(transform.Key(v.conv), indicator.Key(ind))
}

// Indicator evaluates ind under the transform in effect. The result is
// cached by (transform, indicator); failures are never cached. Returned
// columns are shared and must not be modified.
func (v View) Indicator(ind indicator.Indicator) ([][]float64, error) {
	if ind == nil {
		return nil, &ConfigError{What: "indicator", Err: errors.New("nil indicator")}
	}
	d := v.ds
	k := v.Key(ind)
	if cols, ok := v.gen.cache.Indicator(k); ok {
		d.indicatorHits.Add(1)
		return cols, nil
	}
	if err := ind.Validate(); err != nil {
		return nil, &ConfigError{What: "indicator " + ind.String(), Err: err}
	}
	start := time.Now()
	in, err := ind.Inputs(v)
	if err != nil {
		d.failed("indicator")
		var le *LookupError
		var ce *ConfigError
		if errors.As(err, &le) || errors.As(err, &ce) {
			return nil, err
		}
		return nil, &LookupError{Ticker: d.Ticker, What: ind.String() + " under " + v.conv.String(), Err: err}
	}
	cols := ind.Compute(in)
	d.observe("indicator", start)
	d.indicatorComputes.Add(1)
	v.gen.cache.PutIndicator(k, cols)
	return cols, nil
}

// Artifact returns the value build derives from Prices, cached in the
// catch-all table under (transform, name).
func (v View) Artifact(name string, build func(ps *model.Shared) (any, error)) (any, error) {
	var b keys.Builder
	k := keys.Pair(transform.Key(v.conv), b.Tag(name).Key())
	if a, ok := v.gen.cache.Other(k); ok {
		return a, nil
	}
	ps, err := v.Prices()
	if err != nil {
		return nil, err
	}
	a, err := build(ps)
	if err != nil {
		return nil, err
	}
	v.gen.cache.PutOther(k, a)
	return a, nil
}

var _ indicator.Env = View{}

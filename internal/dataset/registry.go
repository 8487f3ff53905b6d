package dataset

import (
	"sort"
	"sync"

	"quantcore/internal/metrics"
)

// Registry holds the loaded datasets by ticker.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Dataset

	// Metrics, when set, tracks the number of datasets.
	Metrics *metrics.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{m: make(map[string]*Dataset)} }

// Get returns the dataset of ticker.
func (r *Registry) Get(ticker string) (*Dataset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[ticker]
	return d, ok
}

// Put adds or replaces d under d.Ticker.
func (r *Registry) Put(d *Dataset) {
	r.mu.Lock()
	r.m[d.Ticker] = d
	n := len(r.m)
	r.mu.Unlock()
	if r.Metrics != nil {
		r.Metrics.Datasets.Set(float64(n))
	}
}

// All returns every dataset ordered by ticker.
func (r *Registry) All() []*Dataset {
	r.mu.RLock()
	out := make([]*Dataset, 0, len(r.m))
	for _, d := range r.m {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Len is the number of datasets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

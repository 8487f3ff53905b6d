// Package cache memoizes transform and indicator results for one dataset.
//
// There are three independent tables: transform outputs, indicator
// outputs, and a catch-all for other derived artifacts. Each table has its
// own lock; cached values are published read-only and handed out by
// reference.
package cache

import (
	"fmt"
	"strings"
	"sync"

	"quantcore/internal/keys"
	"quantcore/internal/model"
)

// Scope selects the tables affected by Clear.
type Scope uint8

const (
	All Scope = iota
	Indicators
	Transforms
	Others
)

var scopeNames = [...]string{"all", "indicators", "transforms", "others"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// ParseScope maps "all", "indicators", "transforms" or "others" to a Scope.
func ParseScope(s string) (Scope, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return All, nil
	}
	for i, n := range scopeNames {
		if s == n || s == strings.TrimSuffix(n, "s") {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("cache: unknown scope %q", s)
}

// Category labels for metrics hooks.
const (
	CategoryTransform = "transform"
	CategoryIndicator = "indicator"
	CategoryOther     = "other"
)

type table[V any] struct {
	mu sync.RWMutex
	m  map[keys.Key]V
}

func newTable[V any]() *table[V] { return &table[V]{m: make(map[keys.Key]V)} }

func (t *table[V]) get(k keys.Key) (V, bool) {
	t.mu.RLock()
	v, ok := t.m[k]
	t.mu.RUnlock()
	return v, ok
}

func (t *table[V]) put(k keys.Key, v V) {
	t.mu.Lock()
	t.m[k] = v
	t.mu.Unlock()
}

func (t *table[V]) clear() {
	t.mu.Lock()
	clear(t.m)
	t.mu.Unlock()
}

func (t *table[V]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Cache is the computation cache of one dataset.
type Cache struct {
	transforms *table[*model.Shared]
	indicators *table[[][]float64]
	others     *table[any]

	// OnHit and OnMiss are called with a Category* label on every lookup.
	OnHit  func(category string)
	OnMiss func(category string)
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		transforms: newTable[*model.Shared](),
		indicators: newTable[[][]float64](),
		others:     newTable[any](),
	}
}

func (c *Cache) observe(category string, ok bool) {
	switch {
	case ok && c.OnHit != nil:
		c.OnHit(category)
	case !ok && c.OnMiss != nil:
		c.OnMiss(category)
	}
}

// Transform looks up a transform output.
func (c *Cache) Transform(k keys.Key) (*model.Shared, bool) {
	v, ok := c.transforms.get(k)
	c.observe(CategoryTransform, ok)
	return v, ok
}

// PutTransform stores a transform output.
func (c *Cache) PutTransform(k keys.Key, s *model.Shared) { c.transforms.put(k, s) }

// Indicator looks up an indicator output.
func (c *Cache) Indicator(k keys.Key) ([][]float64, bool) {
	v, ok := c.indicators.get(k)
	c.observe(CategoryIndicator, ok)
	return v, ok
}

// PutIndicator stores an indicator output.
func (c *Cache) PutIndicator(k keys.Key, cols [][]float64) { c.indicators.put(k, cols) }

// Other looks up a catch-all artifact.
func (c *Cache) Other(k keys.Key) (any, bool) {
	v, ok := c.others.get(k)
	c.observe(CategoryOther, ok)
	return v, ok
}

// PutOther stores a catch-all artifact.
func (c *Cache) PutOther(k keys.Key, v any) { c.others.put(k, v) }

// Clear empties the tables selected by scope.
func (c *Cache) Clear(scope Scope) {
	switch scope {
	case All:
		c.transforms.clear()
		c.indicators.clear()
		c.others.clear()
	case Indicators:
		c.indicators.clear()
	case Transforms:
		c.transforms.clear()
	case Others:
		c.others.clear()
	}
}

// Sizes reports the number of entries per table.
type Sizes struct {
	Transforms int `json:"transforms"`
	Indicators int `json:"indicators"`
	Others     int `json:"others"`
}

func (c *Cache) Sizes() Sizes {
	return Sizes{
		Transforms: c.transforms.len(),
		Indicators: c.indicators.len(),
		Others:     c.others.len(),
	}
}

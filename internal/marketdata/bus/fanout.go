// Package bus moves data between pipeline stages: FanOut broadcasts a
// stream to several consumers, and RunAll evaluates independent datasets
// in parallel.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	name    string
	ch      chan T
	dropped atomic.Int64
}

// FanOut copies every item of one input channel to each named subscriber.
// A subscriber whose buffer is full misses the item; the others are not
// held up.
type FanOut[T any] struct {
	mu      sync.RWMutex
	subs    []*subscriber[T]
	bufSize int

	// OnDrop is called with the subscriber name for every missed item.
	OnDrop func(name string)
}

// New creates a FanOut whose subscribers buffer bufSize items each.
func New[T any](bufSize int) *FanOut[T] {
	return &FanOut[T]{bufSize: bufSize}
}

// Subscribe registers a consumer. Subscribe before Run.
func (f *FanOut[T]) Subscribe(name string) <-chan T {
	s := &subscriber[T]{name: name, ch: make(chan T, f.bufSize)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.ch
}

// Run forwards input until ctx is cancelled or input is closed, then
// closes every subscriber channel.
func (f *FanOut[T]) Run(ctx context.Context, input <-chan T) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.subs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-input:
			if !ok {
				return
			}
			f.publish(item)
		}
	}
}

func (f *FanOut[T]) publish(item T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		select {
		case s.ch <- item:
			continue
		default:
		}
		if s.dropped.Add(1) == 1 {
			log.Printf("[bus] subscriber %q is full, dropping items", s.name)
		}
		if f.OnDrop != nil {
			f.OnDrop(s.name)
		}
	}
}

// ChannelStat describes one subscriber.
type ChannelStat struct {
	Name    string
	Len     int
	Cap     int
	Dropped int64
}

// ChannelStats reports the backlog and drop count of each subscriber.
func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch), Dropped: s.dropped.Load()}
	}
	return stats
}

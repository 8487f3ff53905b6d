// Package replay emits stored bars in time order at a configurable speed,
// as bars or as synthetic ticks, for backtests and the demo tick server.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"quantcore/internal/model"
)

// Replayer paces a merged bar sequence.
type Replayer struct {
	// Speed is the playback rate: 1 is real time, 10 is 10x, 0 is as fast
	// as possible.
	Speed float64

	// MaxGap caps a single wait. Default 5s.
	MaxGap time.Duration
}

// Merge combines per-ticker bar sequences into one sequence ordered by
// time. Bars with equal times keep their input order.
func Merge(series ...[]model.Bar) []model.Bar {
	var out []model.Bar
	for _, s := range series {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// TickOf is the tick a bar is replayed as: its close, volume and amount.
func TickOf(b model.Bar) model.Tick {
	return model.Tick{
		Time:     b.Time,
		Last:     b.Close,
		Volume:   b.Volume,
		Amount:   b.Amount,
		Contract: b.Info.Contract,
		Open:     b.Open,
		High:     b.High,
		Low:      b.Low,
		Close:    b.Close,
	}
}

// Bars sends every bar to out, sleeping between bars in proportion to
// their time gap. Returns ctx.Err() when cancelled.
func (r Replayer) Bars(ctx context.Context, bars []model.Bar, out chan<- model.Bar) error {
	return run(ctx, r, bars, func(b model.Bar) model.Bar { return b }, out)
}

// Ticks is Bars with every bar converted by TickOf.
func (r Replayer) Ticks(ctx context.Context, bars []model.Bar, out chan<- model.Tick) error {
	return run(ctx, r, bars, TickOf, out)
}

func run[T any](ctx context.Context, r Replayer, bars []model.Bar, conv func(model.Bar) T, out chan<- T) error {
	maxGap := r.MaxGap
	if maxGap <= 0 {
		maxGap = 5 * time.Second
	}
	log.Printf("[replay] replaying %d bars, speed=%.1fx", len(bars), r.Speed)

	var prev time.Time
	for i, b := range bars {
		if r.Speed > 0 && !prev.IsZero() {
			if gap := b.Time.Sub(prev); gap > 0 {
				wait := time.Duration(float64(gap) / r.Speed)
				if wait > maxGap {
					wait = maxGap
				}
				select {
				case <-ctx.Done():
					log.Printf("[replay] cancelled after %d bars", i)
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prev = b.Time

		select {
		case out <- conv(b):
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", i)
			return ctx.Err()
		}
	}
	log.Printf("[replay] completed: %d bars replayed", len(bars))
	return nil
}

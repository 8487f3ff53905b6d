package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"quantcore/internal/model"
)

// BarSink accepts finished bars. *Writer implements it.
type BarSink interface {
	WriteBar(ctx context.Context, b model.Bar) error
}

// BufferedWriter sends bars to a BarSink through a circuit breaker. While
// the breaker is open bars are kept in a bounded local buffer, oldest
// dropped first, and replayed in order once the breaker closes.
type BufferedWriter struct {
	sink BarSink
	cb   *CircuitBreaker
	ctx  context.Context

	mu     sync.Mutex
	buffer []model.Bar
	maxBuf int

	// Callbacks (optional)
	OnBuffer func()          // a bar was buffered
	OnFlush  func(count int) // buffered bars were replayed
}

// NewBufferedWriter wraps sink. maxBufferSize <= 0 means 10000.
func NewBufferedWriter(ctx context.Context, sink BarSink, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{sink: sink, cb: cb, ctx: ctx, maxBuf: maxBufferSize}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed && from != StateClosed {
			go bw.flush()
		}
	}
	return bw
}

// WriteBar writes b, or buffers it while the breaker is open.
func (bw *BufferedWriter) WriteBar(ctx context.Context, b model.Bar) error {
	err := bw.cb.Execute(func() error { return bw.sink.WriteBar(ctx, b) })
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferBar(b)
		return nil
	}
	return err
}

// Run writes every bar from barCh. Blocks until ctx is cancelled or barCh
// is closed.
func (bw *BufferedWriter) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			if err := bw.WriteBar(ctx, b); err != nil {
				log.Printf("[buffered-writer] bar %s ts=%v: %v", b.Info.Contract, b.Time, err)
			}
		}
	}
}

func (bw *BufferedWriter) bufferBar(b model.Bar) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, b)
	bw.mu.Unlock()

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = nil
	bw.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	flushed := 0
	for _, b := range pending {
		if err := bw.sink.WriteBar(bw.ctx, b); err != nil {
			log.Printf("[buffered-writer] replay %s ts=%v: %v", b.Info.Contract, b.Time, err)
			continue
		}
		flushed++
	}
	log.Printf("[buffered-writer] flushed %d of %d buffered bars", flushed, len(pending))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered bars.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

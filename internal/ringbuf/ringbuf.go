// Package ringbuf provides a fixed-size sliding window of float64 values
// for rolling computations. When the window is full a Push evicts the
// oldest value and hands it back to the caller, which lets running sums
// and sorted windows update in place.
package ringbuf

// Window is a single-goroutine ring over the most recent values.
// The backing array is a power of two for bitwise modulo.
type Window struct {
	buf  []float64
	mask uint64
	size int

	head uint64 // next write position
	tail uint64 // oldest value
}

// New creates a window holding the last size values. size must be >= 1.
func New(size int) *Window {
	if size < 1 {
		panic("ringbuf: window size must be positive")
	}
	c := nextPow2(size)
	return &Window{
		buf:  make([]float64, c),
		mask: uint64(c - 1),
		size: size,
	}
}

// Push appends v. If the window was full, the evicted value is returned
// with ok=true.
func (w *Window) Push(v float64) (evicted float64, ok bool) {
	if w.Len() == w.size {
		evicted = w.buf[w.tail&w.mask]
		w.tail++
		ok = true
	}
	w.buf[w.head&w.mask] = v
	w.head++
	return evicted, ok
}

// At returns the i-th value counting from the oldest.
func (w *Window) At(i int) float64 {
	return w.buf[(w.tail+uint64(i))&w.mask]
}

// Len returns the number of values currently held.
func (w *Window) Len() int { return int(w.head - w.tail) }

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

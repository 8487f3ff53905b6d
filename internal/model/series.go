package model

import "time"

// PriceSeries is an owned OHLCV series stored as parallel columns.
// Every column has the same length and index i is the i-th bar.
type PriceSeries struct {
	Time   []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
	Amount []float64
	Info   []BarInfo
}

// NewPriceSeries preallocates room for capacity bars.
func NewPriceSeries(capacity int) *PriceSeries {
	return &PriceSeries{
		Time:   make([]time.Time, 0, capacity),
		Open:   make([]float64, 0, capacity),
		High:   make([]float64, 0, capacity),
		Low:    make([]float64, 0, capacity),
		Close:  make([]float64, 0, capacity),
		Volume: make([]float64, 0, capacity),
		Amount: make([]float64, 0, capacity),
		Info:   make([]BarInfo, 0, capacity),
	}
}

// FromBars builds an owned series from a bar slice.
func FromBars(bars []Bar) *PriceSeries {
	p := NewPriceSeries(len(bars))
	for _, b := range bars {
		p.Append(b)
	}
	return p
}

// Append adds one bar to the end of every column.
func (p *PriceSeries) Append(b Bar) {
	p.Time = append(p.Time, b.Time)
	p.Open = append(p.Open, b.Open)
	p.High = append(p.High, b.High)
	p.Low = append(p.Low, b.Low)
	p.Close = append(p.Close, b.Close)
	p.Volume = append(p.Volume, b.Volume)
	p.Amount = append(p.Amount, b.Amount)
	p.Info = append(p.Info, b.Info)
}

func (p *PriceSeries) Len() int { return len(p.Time) }

// Bar reassembles the i-th row.
func (p *PriceSeries) Bar(i int) Bar {
	return Bar{
		Time: p.Time[i], Open: p.Open[i], High: p.High[i], Low: p.Low[i],
		Close: p.Close[i], Volume: p.Volume[i], Amount: p.Amount[i], Info: p.Info[i],
	}
}

// Bars returns every row as a Bar.
func (p *PriceSeries) Bars() []Bar {
	out := make([]Bar, p.Len())
	for i := range out {
		out[i] = p.Bar(i)
	}
	return out
}

// Freeze publishes the current contents as a Shared series. Capacity is
// clipped so later Appends on p reallocate instead of writing past the
// published length.
func (p *PriceSeries) Freeze() *Shared {
	n := p.Len()
	return &Shared{
		Time:   p.Time[:n:n],
		Open:   p.Open[:n:n],
		High:   p.High[:n:n],
		Low:    p.Low[:n:n],
		Close:  p.Close[:n:n],
		Volume: p.Volume[:n:n],
		Amount: p.Amount[:n:n],
		Info:   p.Info[:n:n],
	}
}

// Shared is a published, read-only price series. Its slices may be
// referenced by any number of transforms, indicators and goroutines;
// nobody writes into them after publication.
type Shared struct {
	Time   []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
	Amount []float64
	Info   []BarInfo

	// Mask is set when the series was produced by a cardinality-changing
	// transform; it has one entry per bar of that transform's input.
	Mask Mask

	// Aux carries optional per-bar side channels (same length as Close).
	Aux map[string][]float64
}

func (s *Shared) Len() int { return len(s.Close) }

// Column returns the backing slice for f.
func (s *Shared) Column(f Field) []float64 {
	switch f {
	case FieldOpen:
		return s.Open
	case FieldHigh:
		return s.High
	case FieldLow:
		return s.Low
	case FieldClose:
		return s.Close
	case FieldVolume:
		return s.Volume
	case FieldAmount:
		return s.Amount
	}
	return nil
}

// Bar reassembles the i-th row.
func (s *Shared) Bar(i int) Bar {
	b := Bar{
		Open: s.Open[i], High: s.High[i], Low: s.Low[i], Close: s.Close[i],
		Volume: s.Volume[i], Amount: s.Amount[i],
	}
	if i < len(s.Time) {
		b.Time = s.Time[i]
	}
	if i < len(s.Info) {
		b.Info = s.Info[i]
	}
	return b
}

// Owned copies s into a fresh, writable series.
func (s *Shared) Owned() *PriceSeries {
	p := NewPriceSeries(s.Len())
	for i := 0; i < s.Len(); i++ {
		p.Append(s.Bar(i))
	}
	return p
}

// WithMask returns a shallow copy of s carrying m.
func (s *Shared) WithMask(m Mask) *Shared {
	c := *s
	c.Mask = m
	return &c
}

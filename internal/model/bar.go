package model

import "time"

// BarInfo records where a bar came from.
type BarInfo struct {
	OpenTime     time.Time `json:"open_time"`     // time of the first input folded into the bar
	TicksMerged  int       `json:"ticks_merged"`  // inputs folded into this bar
	TicksSkipped int       `json:"ticks_skipped"` // inputs ignored since the previous bar
	Contract     string    `json:"contract"`
}

// Bar is one OHLCV record. Bars are immutable once emitted.
type Bar struct {
	Time   time.Time `json:"ts"` // time of the last input folded into the bar
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Amount float64   `json:"amount"`
	Info   BarInfo   `json:"info"`
}

// Tick is a single trade/quote update. Open/High/Low/Close are only set by
// feeds that forward the originating period's bar alongside the quote.
type Tick struct {
	Time     time.Time `json:"ts"`
	Last     float64   `json:"last"`
	Volume   float64   `json:"volume"`
	Amount   float64   `json:"amount"`
	BidPrice float64   `json:"bid"`
	AskPrice float64   `json:"ask"`
	BidSize  float64   `json:"bid_size"`
	AskSize  float64   `json:"ask_size"`
	Contract string    `json:"contract"`

	Open  float64 `json:"open,omitempty"`
	High  float64 `json:"high,omitempty"`
	Low   float64 `json:"low,omitempty"`
	Close float64 `json:"close,omitempty"`
}

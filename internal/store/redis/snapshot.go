package redis

import (
	"encoding/json"
	"math"
	"time"

	"quantcore/internal/indicator"
	"quantcore/internal/keys"
	"quantcore/internal/transform"
)

// Value is a float that encodes NaN as JSON null.
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Value(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// Snapshot is the latest value of every output column of one indicator
// on one dataset.
type Snapshot struct {
	Ticker    string    `json:"ticker"`
	Convert   string    `json:"convert"`
	Indicator string    `json:"indicator"`
	Key       string    `json:"key"` // fingerprint of (convert, indicator)
	Time      time.Time `json:"ts"`
	Bars      int       `json:"bars"`
	Values    []Value   `json:"values"`
}

// NewSnapshot takes the last row of cols.
func NewSnapshot(ticker string, conv transform.Convert, ind indicator.Indicator, at time.Time, cols [][]float64) Snapshot {
	s := Snapshot{
		Ticker:    ticker,
		Convert:   conv.String(),
		Indicator: ind.String(),
		Key:       keys.Pair(transform.Key(conv), indicator.Key(ind)).Hex(),
		Time:      at,
		Values:    make([]Value, len(cols)),
	}
	for i, col := range cols {
		s.Bars = len(col)
		if len(col) == 0 {
			s.Values[i] = Value(math.NaN())
			continue
		}
		s.Values[i] = Value(col[len(col)-1])
	}
	return s
}

// JSON returns the snapshot encoding.
func (s Snapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

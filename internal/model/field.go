package model

import (
	"fmt"
	"strings"
)

// Field names one column of a price series.
type Field uint8

const (
	FieldOpen Field = iota
	FieldHigh
	FieldLow
	FieldClose
	FieldVolume
	FieldAmount
)

var fieldNames = [...]string{"open", "high", "low", "close", "volume", "amount"}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// ParseField maps "close", "c", "Close" etc. to a Field.
func ParseField(s string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "o":
		return FieldOpen, nil
	case "high", "h":
		return FieldHigh, nil
	case "low", "l":
		return FieldLow, nil
	case "close", "c":
		return FieldClose, nil
	case "volume", "vol", "v":
		return FieldVolume, nil
	case "amount", "amt":
		return FieldAmount, nil
	}
	return 0, fmt.Errorf("unknown price field %q", s)
}

// Package keys builds canonical binary identities for descriptor trees.
//
// Every element written to a Builder is self-delimiting and prefixed with
// its kind, so two encodings are equal if and only if the sequences of
// written elements are equal. Descriptors write their variant tag first,
// then their parameters, then their nested descriptors inside Open/Close.
package keys

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	kindTag byte = iota + 1
	kindInt
	kindFloat
	kindString
	kindOpen
	kindClose
)

// Key is an opaque canonical identity. Comparable and usable as a map key.
type Key string

// Fingerprint is a 64-bit hash of the key, for logs, metrics and external
// stores. Two keys may share a fingerprint; use the Key itself for identity.
func (k Key) Fingerprint() uint64 { return xxhash.Sum64String(string(k)) }

// Hex renders the fingerprint as 16 hex characters.
func (k Key) Hex() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k.Fingerprint())
	return hex.EncodeToString(b[:])
}

// Keyer is implemented by everything that can be cache-keyed.
type Keyer interface {
	WriteKey(b *Builder)
}

// Builder accumulates an encoding. The zero value is ready to use.
type Builder struct {
	buf []byte
}

// Tag writes a variant name.
func (b *Builder) Tag(name string) *Builder {
	b.buf = append(b.buf, kindTag)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(name)))
	b.buf = append(b.buf, name...)
	return b
}

// Int writes a signed integer parameter.
func (b *Builder) Int(v int64) *Builder {
	b.buf = append(b.buf, kindInt)
	b.buf = binary.AppendVarint(b.buf, v)
	return b
}

// Float writes a float parameter by bit pattern. -0 is folded into 0 and
// every NaN into one canonical NaN.
func (b *Builder) Float(v float64) *Builder {
	switch {
	case v == 0:
		v = 0
	case math.IsNaN(v):
		v = math.NaN()
	}
	b.buf = append(b.buf, kindFloat)
	b.buf = binary.BigEndian.AppendUint64(b.buf, math.Float64bits(v))
	return b
}

// String writes a string parameter.
func (b *Builder) String(s string) *Builder {
	b.buf = append(b.buf, kindString)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Nested writes k between group delimiters.
func (b *Builder) Nested(k Keyer) *Builder {
	b.buf = append(b.buf, kindOpen)
	if k != nil {
		k.WriteKey(b)
	}
	b.buf = append(b.buf, kindClose)
	return b
}

// Key returns the encoding written so far.
func (b *Builder) Key() Key { return Key(b.buf) }

// Of encodes a single Keyer.
func Of(k Keyer) Key {
	var b Builder
	k.WriteKey(&b)
	return b.Key()
}

// Pair joins two keys into one, keeping them distinguishable.
func Pair(a, c Key) Key {
	var b Builder
	b.String(string(a)).String(string(c))
	return b.Key()
}

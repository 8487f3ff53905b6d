package keys

import (
	"math"
	"testing"
)

type leaf struct {
	name string
	w    int
}

func (l leaf) WriteKey(b *Builder) { b.Tag(l.name).Int(int64(l.w)) }

type pair struct{ a, c Keyer }

func (p pair) WriteKey(b *Builder) { b.Tag("pair").Nested(p.a).Nested(p.c) }

func TestKey_StructuralEquality(t *testing.T) {
	a := Of(pair{leaf{"ema", 10}, leaf{"rsi", 14}})
	b := Of(pair{leaf{"ema", 10}, leaf{"rsi", 14}})
	if a != b {
		t.Fatal("equal trees produced different keys")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprints differ for equal keys")
	}
}

func TestKey_NoAmbiguousConcatenation(t *testing.T) {
	// "ab"+1 vs "a"+"b1" style collisions must not happen.
	k1 := Of(leaf{"ema1", 0})
	k2 := Of(leaf{"ema", 10})
	if k1 == k2 {
		t.Error("distinct leaves collided")
	}

	// Nesting boundaries are part of the identity.
	n1 := Of(pair{pair{leaf{"a", 1}, leaf{"b", 2}}, leaf{"c", 3}})
	n2 := Of(pair{leaf{"a", 1}, pair{leaf{"b", 2}, leaf{"c", 3}}})
	if n1 == n2 {
		t.Error("different nesting produced equal keys")
	}
}

func TestKey_FloatCanonical(t *testing.T) {
	var a, b Builder
	a.Float(0)
	b.Float(math.Copysign(0, -1))
	if a.Key() != b.Key() {
		t.Error("-0 and 0 should encode identically")
	}

	var c, d Builder
	c.Float(0.1)
	d.Float(math.Nextafter(0.1, 1))
	if c.Key() == d.Key() {
		t.Error("distinct floats collided")
	}
}

func TestPair_Distinguishes(t *testing.T) {
	if Pair("ab", "c") == Pair("a", "bc") {
		t.Error("Pair is ambiguous")
	}
	if len(Key("x").Hex()) != 16 {
		t.Error("hex fingerprint should be 16 chars")
	}
}

package convexkey

import (
	"bytes"
	"math"
	"testing"
)

func enc(v Value) []byte { return EncodeValue(nil, v) }

func TestKindOrdering(t *testing.T) {
	// missing < null < false < true < numeric < strings < bytes < arrays
	// < objects
	ordered := []Value{
		Missing(),
		Null(),
		Bool(false),
		Bool(true),
		Number(-1),
		String("a"),
		BytesValue([]byte("a")),
		Array(Number(1)),
		Object(map[string]Value{"a": Number(1)}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		lo := enc(ordered[i])
		hi := enc(ordered[i+1])
		if bytes.Compare(lo, hi) >= 0 {
			t.Errorf("kind %d should sort before kind %d: %x >= %x", i, i+1, lo, hi)
		}
	}
}

// A missing indexed field is a distinct, lower-sorting key than a field
// present with an explicit null.
func TestMissingFieldSortsBelowExplicitNull(t *testing.T) {
	missing := enc(Missing())
	null := enc(Null())
	if bytes.Equal(missing, null) {
		t.Fatalf("Missing() and Null() encoded identically: %x", missing)
	}
	if bytes.Compare(missing, null) >= 0 {
		t.Fatalf("Missing() should sort before Null(): %x >= %x", missing, null)
	}

	id := []byte{9, 9}
	missingKey := Encode([]Value{Missing()}, id)
	nullKey := Encode([]Value{Null()}, id)
	if bytes.Compare(missingKey, nullKey) >= 0 {
		t.Fatalf("key with a missing field should sort before one with null: %x >= %x", missingKey, nullKey)
	}
}

func TestNumberOrdering(t *testing.T) {
	values := []float64{
		math.Inf(-1), -1e300, -100, -1, -0.5, 0, 0.5, 1, 100, 1e300, math.Inf(1),
	}
	for i := 0; i < len(values)-1; i++ {
		lo := enc(Number(values[i]))
		hi := enc(Number(values[i+1]))
		if bytes.Compare(lo, hi) >= 0 {
			t.Errorf("Number(%v) should sort before Number(%v): %x >= %x", values[i], values[i+1], lo, hi)
		}
	}
}

func TestStringOrdering(t *testing.T) {
	values := []string{"", "\x00", "\x00a", "a", "a\x00", "aa", "ab", "b"}
	for i := 0; i < len(values)-1; i++ {
		lo := enc(String(values[i]))
		hi := enc(String(values[i+1]))
		if bytes.Compare(lo, hi) >= 0 {
			t.Errorf("String(%q) should sort before String(%q): %x >= %x", values[i], values[i+1], lo, hi)
		}
	}
}

func TestStringContainingNulByteRoundTripsDistinctly(t *testing.T) {
	a := enc(String("foo"))
	b := enc(String("foo\x00"))
	if bytes.Equal(a, b) {
		t.Fatalf("distinct strings encoded identically")
	}
	if bytes.Compare(a, b) >= 0 {
		t.Errorf("\"foo\" should sort before \"foo\\x00\"")
	}
}

func TestArrayPrefixOrdering(t *testing.T) {
	short := enc(Array(Number(1)))
	long := enc(Array(Number(1), Number(2)))
	if bytes.Compare(short, long) >= 0 {
		t.Errorf("shorter array sharing a prefix should sort first: %x >= %x", short, long)
	}
}

func TestObjectKeyOrderIsDeterministic(t *testing.T) {
	m := map[string]Value{"z": Number(1), "a": Number(2), "m": Number(3)}
	a := enc(Object(m))
	b := enc(Object(m))
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding the same object twice produced different bytes")
	}
}

func TestEncodeAppendsIDSuffix(t *testing.T) {
	id := []byte{1, 2, 3, 4}
	got := Encode([]Value{String("x")}, id)
	want := append(enc(String("x")), id...)
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = %x, want %x", got, want)
	}
}

func TestFromAnyRoundTripsKinds(t *testing.T) {
	cases := []any{
		nil, true, false, float64(42), "hello", []byte{1, 2}, []any{float64(1), "two"},
		map[string]any{"a": float64(1)},
	}
	for _, c := range cases {
		if _, err := FromAny(c); err != nil {
			t.Errorf("FromAny(%v) returned error: %v", c, err)
		}
	}
	if _, err := FromAny(complex(1, 2)); err == nil {
		t.Errorf("FromAny(complex) should return an error for unsupported types")
	}
	if v, err := FromAny(nil); err != nil || v.Kind != KindNull {
		t.Errorf("FromAny(nil) = (%v, %v), want an explicit null, never the missing sentinel", v.Kind, err)
	}
}

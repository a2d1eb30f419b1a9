// Package convexkey implements the order-preserving binary key codec used by
// every secondary index: a typed value is encoded so that the byte-wise
// order of the encoding matches the value ordering spec.md §3 defines
//
//	null < false < true < numeric < strings < bytes < arrays < objects
//
// It generalizes the teacher's per-field key builders
// (internal/storage/convex/indexes.go's StatusIndexKey/PriorityIndexKey/...,
// each hand-rolling a big-endian-plus-terminator encoding for one Go type)
// into a single codec over a typed value union, the way a real secondary
// index needs to support arbitrary indexed fields rather than a fixed set
// of issue columns.
package convexkey

import (
	"fmt"
	"sort"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
	KindArray
	KindObject
	// KindMissing marks an indexed field absent from the document, as
	// opposed to present with an explicit null. It sorts below every
	// present value (including null) and is only ever produced by index
	// key derivation — FromAny maps a Go nil to KindNull, never to this.
	KindMissing
)

// Value is a tagged union over the value types a document field can hold,
// restricted to the subset that participates in index key ordering.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Bytes  []byte
	Array  []Value
	Object map[string]Value
}

func Missing() Value             { return Value{Kind: KindMissing} }
func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Number(f float64) Value     { return Value{Kind: KindNumber, Number: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }
func Array(vs ...Value) Value    { return Value{Kind: KindArray, Array: vs} }
func Object(m map[string]Value) Value {
	return Value{Kind: KindObject, Object: m}
}

// FromAny converts a document field value (as produced by encoding/json or
// hand-built map[string]any/[]any literals) into a Value, recursively.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case string:
		return String(x), nil
	case []byte:
		return BytesValue(x), nil
	case []any:
		out := make([]Value, len(x))
		for i, e := range x {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return Array(out...), nil
	case map[string]any:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return Object(out), nil
	default:
		return Value{}, fmt.Errorf("convexkey: unsupported value type %T", v)
	}
}

// sortedObjectKeys returns an object's keys in sorted order, so the
// encoding of a map is deterministic regardless of Go's randomized map
// iteration.
func sortedObjectKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package document

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks a document payload against the invariants spec.md §3
// requires: bounded nesting, bounded encoded size, no reserved top-level
// field names, and a finite positive creation time. It mirrors the
// teacher's pattern of a single entry-point validator called before a
// document is admitted to a transaction (internal/storage/convex/adapter.go
// validates issue fields the same way, field by field, before a write).
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document: nil document")
	}
	if math.IsNaN(doc.CreationTime) || math.IsInf(doc.CreationTime, 0) || doc.CreationTime <= 0 {
		return fmt.Errorf("document: creation time must be finite and positive, got %v", doc.CreationTime)
	}
	for name := range doc.Fields {
		if strings.HasPrefix(name, "_") && name != FieldID && name != FieldCreationTime {
			return fmt.Errorf("document: field %q: top-level field names may not start with '_'", name)
		}
	}
	depth, err := nestingDepth(doc.Fields, 0)
	if err != nil {
		return err
	}
	if depth > MaxNesting {
		return fmt.Errorf("document: nesting depth %d exceeds maximum %d", depth, MaxNesting)
	}
	size := EncodedSize(doc)
	if size > MaxEncodedSize {
		return fmt.Errorf("document: encoded size %d exceeds maximum %d", size, MaxEncodedSize)
	}
	return nil
}

func nestingDepth(v any, depth int) (int, error) {
	if depth > MaxNesting {
		return depth, fmt.Errorf("document: nesting depth exceeds maximum %d", MaxNesting)
	}
	switch val := v.(type) {
	case map[string]any:
		max := depth
		for _, child := range val {
			d, err := nestingDepth(child, depth+1)
			if err != nil {
				return d, err
			}
			if d > max {
				max = d
			}
		}
		return max, nil
	case []any:
		max := depth
		for _, child := range val {
			d, err := nestingDepth(child, depth+1)
			if err != nil {
				return d, err
			}
			if d > max {
				max = d
			}
		}
		return max, nil
	default:
		return depth, nil
	}
}

// EncodedSize estimates the on-wire size of a document, approximating the
// original's recursive heap_size walk (original_source's heap_size.rs) with
// a cheap structural traversal rather than a real JSON encode, so size
// checks stay fast on the write path.
func EncodedSize(doc *Document) int {
	if doc == nil {
		return 0
	}
	total := 32 // id + creation time overhead
	for name, v := range doc.Fields {
		total += len(name) + valueSize(v)
	}
	return total
}

func valueSize(v any) int {
	switch val := v.(type) {
	case nil:
		return 4
	case bool:
		return 1
	case float64:
		return 8
	case int64:
		return 8
	case int:
		return 8
	case string:
		return len(val)
	case []byte:
		return len(val)
	case []any:
		total := 0
		for _, e := range val {
			total += valueSize(e)
		}
		return total
	case map[string]any:
		total := 0
		for k, e := range val {
			total += len(k) + valueSize(e)
		}
		return total
	default:
		return 8
	}
}

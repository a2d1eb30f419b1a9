package txn

import (
	"bytes"
	"testing"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/registry"
)

// A document missing the indexed field keys below one carrying an explicit
// null for it, and the two never collide.
func TestIndexKeyDistinguishesMissingFromNull(t *testing.T) {
	tablet := document.NewTabletID()
	d := registry.Descriptor{Tablet: tablet, Fields: []string{"status"}}
	id := document.DocumentID{Tablet: tablet, Internal: document.NewInternalID()}

	withNull := &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"status": nil}}
	without := &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{}}

	nullKey, err := indexKey(d, withNull, id)
	if err != nil {
		t.Fatalf("indexKey(explicit null) error = %v", err)
	}
	missingKey, err := indexKey(d, without, id)
	if err != nil {
		t.Fatalf("indexKey(missing field) error = %v", err)
	}
	if bytes.Equal(missingKey, nullKey) {
		t.Fatalf("missing field and explicit null derived the same key: %x", missingKey)
	}
	if bytes.Compare(missingKey, nullKey) >= 0 {
		t.Fatalf("missing field should key below explicit null: %x >= %x", missingKey, nullKey)
	}
}

// A field value the codec cannot convert fails key derivation instead of
// being silently folded into the null slot.
func TestIndexKeyRejectsUnencodableValue(t *testing.T) {
	tablet := document.NewTabletID()
	d := registry.Descriptor{Tablet: tablet, Fields: []string{"status"}}
	id := document.DocumentID{Tablet: tablet, Internal: document.NewInternalID()}

	doc := &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"status": complex(1, 2)}}
	if _, err := indexKey(d, doc, id); err == nil {
		t.Fatalf("indexKey() = nil error for an unencodable field value")
	}
}

// Package document defines the core data model shared by every storage-core
// component: timestamps, document identity, the document log entry, and the
// document payload validation rules. It generalizes the teacher's
// beads-specific convex.DocumentLogEntry/Timestamp (internal/storage/convex/
// document.go) into the domain-neutral model spec.md §3 describes.
package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timestamp is a 64-bit unsigned monotonic counter representing nanoseconds
// since epoch at commit point. Timestamps form a total order.
type Timestamp uint64

const (
	// MinTimestamp is the reserved minimum sentinel.
	MinTimestamp Timestamp = 0
	// MaxTimestamp is the reserved maximum sentinel.
	MaxTimestamp Timestamp = ^Timestamp(0)
)

// Succ returns the next timestamp in the total order.
func (t Timestamp) Succ() Timestamp {
	if t == MaxTimestamp {
		return MaxTimestamp
	}
	return t + 1
}

// Pred returns the previous timestamp in the total order.
func (t Timestamp) Pred() Timestamp {
	if t == MinTimestamp {
		return MinTimestamp
	}
	return t - 1
}

// Time converts the timestamp to a time.Time for display/logging.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t))
}

// Now returns the current wall-clock time as a Timestamp. Callers that need
// monotonicity across commits use internal/txn's
// Database.nextCommitTSLocked, which takes the larger of Now and the last
// commit timestamp's successor.
func Now() Timestamp {
	return Timestamp(time.Now().UnixNano())
}

// TabletID identifies the physical storage identity of a table, stable
// across logical renames.
type TabletID [16]byte

// NewTabletID allocates a fresh random tablet id.
func NewTabletID() TabletID { return TabletID(uuid.New()) }

func (t TabletID) String() string { return uuid.UUID(t).String() }

// ParseTabletID parses a tablet id previously produced by TabletID.String.
func ParseTabletID(s string) (TabletID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TabletID{}, err
	}
	return TabletID(u), nil
}

// InternalID is a 16-byte ordered identifier for a document within its
// tablet.
type InternalID [16]byte

// NewInternalID allocates a fresh random internal id. Internal ids sort by
// their raw bytes, which for v4 uuids is effectively random but stable and
// unique per document — sufficient as the codec's tie-breaker (§3).
func NewInternalID() InternalID { return InternalID(uuid.New()) }

func (id InternalID) String() string { return uuid.UUID(id).String() }

// ParseInternalID parses an internal id previously produced by
// InternalID.String.
func ParseInternalID(s string) (InternalID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InternalID{}, err
	}
	return InternalID(u), nil
}

// ParseDocumentID parses the "tablet/internal" form produced by
// DocumentID.String.
func ParseDocumentID(s string) (DocumentID, error) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return DocumentID{}, fmt.Errorf("document: malformed document id %q", s)
	}
	tablet, err := ParseTabletID(s[:i])
	if err != nil {
		return DocumentID{}, err
	}
	internal, err := ParseInternalID(s[i+1:])
	if err != nil {
		return DocumentID{}, err
	}
	return DocumentID{Tablet: tablet, Internal: internal}, nil
}

// DocumentID identifies a document as the pair (tablet, internal id).
type DocumentID struct {
	Tablet   TabletID
	Internal InternalID
}

func (id DocumentID) String() string {
	return fmt.Sprintf("%s/%s", id.Tablet, id.Internal)
}

// Bytes returns the 32-byte concatenation used as the codec's tie-breaking
// suffix (tablet || internal).
func (id DocumentID) Bytes() []byte {
	b := make([]byte, 32)
	copy(b[:16], id.Tablet[:])
	copy(b[16:], id.Internal[:])
	return b
}

// Document is an entity identified by (tablet-id, internal-id) carrying a
// JSON-like object payload, per spec.md §3.
type Document struct {
	ID           DocumentID
	CreationTime float64 // positive, finite, milliseconds since epoch
	Fields       map[string]any
}

// Field constants reserved by the system; top-level user field names may
// not start with "_" except these mirrors.
const (
	FieldID           = "_id"
	FieldCreationTime = "_creationTime"
)

// MaxNesting is the maximum payload nesting depth (§3 invariant).
const MaxNesting = 16

// MaxEncodedSize is the maximum total encoded document size in bytes.
const MaxEncodedSize = 1 << 20 // 1 MiB

// DocumentLogEntry is a single committed revision in the document log.
// A nil Value is a tombstone. PrevTS links to the previous revision (nil on
// insert). Entries are strictly ordered by (TS, ID.Tablet, ID.Internal).
type DocumentLogEntry struct {
	TS      Timestamp
	ID      DocumentID
	TableID string
	Value   *Document
	PrevTS  *Timestamp
}

// IsTombstone reports whether this entry represents a deletion.
func (e *DocumentLogEntry) IsTombstone() bool { return e.Value == nil }

// TimestampRange is an inclusive range of timestamps for load_documents-style
// queries.
type TimestampRange struct {
	Start Timestamp
	End   Timestamp
}

// AllTime covers every timestamp.
func AllTime() TimestampRange { return TimestampRange{Start: MinTimestamp, End: MaxTimestamp} }

// AtOrBefore covers the range up to and including ts.
func AtOrBefore(ts Timestamp) TimestampRange { return TimestampRange{Start: MinTimestamp, End: ts} }

// After covers the range strictly after ts.
func After(ts Timestamp) TimestampRange { return TimestampRange{Start: ts.Succ(), End: MaxTimestamp} }

// Contains reports whether ts falls within the range.
func (r TimestampRange) Contains(ts Timestamp) bool { return ts >= r.Start && ts <= r.End }

// Order specifies iteration direction for a scan or load.
type Order int

const (
	Asc Order = iota
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "DESC"
	}
	return "ASC"
}

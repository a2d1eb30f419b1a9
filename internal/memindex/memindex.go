// Package memindex implements fully resident, ordered index
// materializations (C4): small indexes — system metadata, table mappings —
// kept entirely in memory as a sorted slice keyed by the encoded index
// key, applied in commit order, and rebuildable from a persistence
// snapshot. There is no teacher equivalent (beads always hits SQLite
// directly); this package is structured like the read path of
// internal/storage/sqlitestore (the same Key/Document/Order/Interval
// shapes) but serves reads straight out of memory instead of a query.
package memindex

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

// Entry is one resident index row.
type Entry struct {
	Key     []byte
	TS      document.Timestamp
	ID      document.DocumentID
	TableID string
	Deleted bool
}

// Index is a single in-memory index: an ordered slice of Entry sorted by
// Key, with ties (same key) resolved by only keeping the latest TS.
type Index struct {
	mu      sync.RWMutex
	entries []Entry // sorted by Key; at most one entry per distinct Key
}

// New creates an empty in-memory index.
func New() *Index { return &Index{} }

func (ix *Index) find(key []byte) (int, bool) {
	i := sort.Search(len(ix.entries), func(i int) bool { return bytes.Compare(ix.entries[i].Key, key) >= 0 })
	if i < len(ix.entries) && bytes.Equal(ix.entries[i].Key, key) {
		return i, true
	}
	return i, false
}

// Apply installs a batch of updates in commit order. A later update for the
// same key in the same batch (or a subsequent Apply call) replaces the
// earlier one in place, matching the "apply derived updates in commit
// order" contract of spec.md §4.4.
func (ix *Index) Apply(updates []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, u := range updates {
		i, found := ix.find(u.Key)
		if found {
			if u.TS >= ix.entries[i].TS {
				ix.entries[i] = u
			}
			continue
		}
		ix.entries = append(ix.entries, Entry{})
		copy(ix.entries[i+1:], ix.entries[i:])
		ix.entries[i] = u
	}
}

// Get performs a point lookup; returns false if the key is absent or
// tombstoned.
func (ix *Index) Get(key []byte) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	i, found := ix.find(key)
	if !found || ix.entries[i].Deleted {
		return Entry{}, false
	}
	return ix.entries[i], true
}

// Scan returns the live (non-tombstoned) entries within interval, ordered
// per order, up to limit entries (0 = unlimited).
func (ix *Index) Scan(interval storage.Interval, order document.Order, limit int) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	lo := 0
	if interval.Start != nil {
		lo = sort.Search(len(ix.entries), func(i int) bool { return bytes.Compare(ix.entries[i].Key, interval.Start) >= 0 })
	}
	hi := len(ix.entries)
	if interval.End != nil {
		hi = sort.Search(len(ix.entries), func(i int) bool { return bytes.Compare(ix.entries[i].Key, interval.End) >= 0 })
	}

	var out []Entry
	for i := lo; i < hi; i++ {
		if !ix.entries[i].Deleted {
			out = append(out, ix.entries[i])
		}
	}
	if order == document.Desc {
		for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of resident entries, including tombstones.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// RebuildFromSnapshot discards the current contents and reloads the index
// by scanning indexID from reader at readTS, establishing the
// "reflects exactly persistence at the committer's last applied
// timestamp" correctness contract before serving reads (spec.md §4.4).
func RebuildFromSnapshot(ctx context.Context, reader storage.PersistenceReader, indexID string, readTS document.Timestamp) (*Index, error) {
	ix := New()
	const batch = 1000
	interval := storage.All()
	for {
		results, err := reader.IndexScan(ctx, indexID, interval, readTS, document.Asc, batch)
		if err != nil {
			return nil, fmt.Errorf("memindex: rebuilding %s: %w", indexID, err)
		}
		if len(results) == 0 {
			break
		}
		updates := make([]Entry, len(results))
		for i, r := range results {
			updates[i] = Entry{Key: r.Key, TS: r.Document.TS, ID: r.Document.ID, TableID: r.Document.TableID}
		}
		ix.Apply(updates)
		if len(results) < batch {
			break
		}
		interval = storage.Interval{Start: append(append([]byte{}, results[len(results)-1].Key...), 0x00), End: interval.End}
	}
	return ix, nil
}

package memstore

import (
	"bytes"
	"context"
	"sort"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

type reader struct {
	s *Store
}

func (r *reader) LoadDocuments(_ context.Context, tableID string, tsRange document.TimestampRange, order document.Order) ([]document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []document.DocumentLogEntry
	for _, d := range r.s.documents {
		if d.TableID == tableID && tsRange.Contains(d.TS) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order == document.Desc {
			return out[i].TS > out[j].TS
		}
		return out[i].TS < out[j].TS
	})
	return out, nil
}

// latestRevision returns the newest revision of id within tableID at or
// before atTS (nil means "no upper bound").
func (r *reader) latestRevision(tableID string, id document.DocumentID, atTS *document.Timestamp) *document.DocumentLogEntry {
	var best *document.DocumentLogEntry
	for i := range r.s.documents {
		d := &r.s.documents[i]
		if d.TableID != tableID || d.ID != id {
			continue
		}
		if atTS != nil && d.TS > *atTS {
			continue
		}
		if best == nil || d.TS > best.TS {
			best = d
		}
	}
	return best
}

func (r *reader) GetDocument(_ context.Context, tableID string, id document.DocumentID, atTS *document.Timestamp) (*document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	best := r.latestRevision(tableID, id, atTS)
	if best == nil || best.IsTombstone() {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// previousRevision returns the newest revision of id within tableID
// strictly before ts, including tombstones, or nil if none exists.
func (r *reader) previousRevision(tableID string, id document.DocumentID, ts document.Timestamp) *document.DocumentLogEntry {
	var best *document.DocumentLogEntry
	for i := range r.s.documents {
		d := &r.s.documents[i]
		if d.TableID != tableID || d.ID != id || d.TS >= ts {
			continue
		}
		if best == nil || d.TS > best.TS {
			best = d
		}
	}
	return best
}

func (r *reader) PreviousRevisions(_ context.Context, queries []storage.RevisionQuery) (map[storage.RevisionQuery]*document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make(map[storage.RevisionQuery]*document.DocumentLogEntry, len(queries))
	for _, q := range queries {
		if prev := r.previousRevision(q.TableID, q.ID, q.TS); prev != nil {
			cp := *prev
			result[q] = &cp
		}
	}
	return result, nil
}

func (r *reader) GetDocuments(ctx context.Context, tableID string, ids []document.DocumentID, atTS *document.Timestamp) (map[document.DocumentID]*document.DocumentLogEntry, error) {
	result := make(map[document.DocumentID]*document.DocumentLogEntry, len(ids))
	for _, id := range ids {
		doc, err := r.GetDocument(ctx, tableID, id, atTS)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			result[id] = doc
		}
	}
	return result, nil
}

func inInterval(key []byte, interval storage.Interval) bool {
	if interval.Start != nil && bytes.Compare(key, interval.Start) < 0 {
		return false
	}
	if interval.End != nil && bytes.Compare(key, interval.End) >= 0 {
		return false
	}
	return true
}

func (r *reader) IndexScan(_ context.Context, indexID string, interval storage.Interval, readTS document.Timestamp, order document.Order, limit int) ([]storage.IndexResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if readTS == 0 {
		readTS = document.Now()
	}

	// Latest (non-tombstoned) index entry per key at or before readTS.
	latest := make(map[string]storage.IndexEntry)
	for _, idx := range r.s.indexes {
		if idx.IndexID != indexID || idx.TS > readTS || !inInterval(idx.Key, interval) {
			continue
		}
		k := string(idx.Key)
		if cur, ok := latest[k]; !ok || idx.TS > cur.TS {
			latest[k] = idx
		}
	}

	var results []storage.IndexResult
	for key, idx := range latest {
		if idx.Deleted {
			continue
		}
		doc := r.latestRevision(idx.TableID, idx.DocumentID, &readTS)
		if doc == nil || doc.IsTombstone() {
			continue
		}
		results = append(results, storage.IndexResult{Key: []byte(key), Document: *doc})
	}

	sort.Slice(results, func(i, j int) bool {
		cmp := bytes.Compare(results[i].Key, results[j].Key)
		if order == document.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *reader) IndexGet(_ context.Context, indexID string, key []byte, readTS document.Timestamp) (*document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if readTS == 0 {
		readTS = document.Now()
	}

	var best *storage.IndexEntry
	for i := range r.s.indexes {
		idx := &r.s.indexes[i]
		if idx.IndexID != indexID || !bytes.Equal(idx.Key, key) || idx.TS > readTS {
			continue
		}
		if best == nil || idx.TS > best.TS {
			best = idx
		}
	}
	if best == nil || best.Deleted {
		return nil, nil
	}
	doc := r.latestRevision(best.TableID, best.DocumentID, &readTS)
	if doc == nil || doc.IsTombstone() {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (r *reader) MaxTimestamp(_ context.Context) (document.Timestamp, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var max document.Timestamp
	for _, d := range r.s.documents {
		if d.TS > max {
			max = d.TS
		}
	}
	return max, nil
}

func (r *reader) DocumentCount(_ context.Context, tableID string) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	seen := make(map[document.DocumentID]bool)
	var count int64
	for _, d := range r.s.documents {
		if d.TableID != tableID || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		latest := r.latestRevision(tableID, d.ID, nil)
		if latest != nil && !latest.IsTombstone() {
			count++
		}
	}
	return count, nil
}

var _ storage.PersistenceReader = (*reader)(nil)

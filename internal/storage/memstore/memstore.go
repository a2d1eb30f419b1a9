// Package memstore implements storage.Persistence in memory, for use in
// tests of the higher layers (internal/txn, internal/registry,
// internal/retention) that need a Persistence without a real database file.
// It mirrors the same write/read contract as sqlitestore but keeps the
// document log and index log as plain slices scanned linearly, matching
// the teacher's preference for a small, obviously-correct reference
// implementation alongside the real backend (beads keeps a sqlite.go next
// to a simpler convex adapter for the same reason).
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

// Store is an in-memory storage.Persistence.
type Store struct {
	mu        sync.RWMutex
	documents []document.DocumentLogEntry
	indexes   []storage.IndexEntry
	globals   map[storage.GlobalKey]json.RawMessage
	lease     storage.Lease
	hasLease  bool
	fresh     bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{globals: make(map[storage.GlobalKey]json.RawMessage), fresh: true}
}

func (s *Store) IsFresh() bool { return s.fresh }

func (s *Store) Reader() storage.PersistenceReader { return &reader{s: s} }

func (s *Store) Path() string { return ":memory:" }

func (s *Store) Close() error { return nil }

func (s *Store) AcquireLease(_ context.Context, token string, at document.Timestamp) (storage.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = storage.Lease{Token: token, AcquiredAt: at}
	s.hasLease = true
	return s.lease, nil
}

func (s *Store) CurrentLease(_ context.Context) (storage.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLease {
		return storage.Lease{}, nil
	}
	return s.lease, nil
}

func (s *Store) Write(_ context.Context, lease storage.Lease, batch storage.WriteBatch, strategy storage.ConflictStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLease {
		return storage.ErrNoLease
	}
	if s.lease.Token != lease.Token {
		return storage.ErrLeaseLost
	}

	// Resolve primary-key collisions before mutating anything, so a
	// ConflictError failure leaves the store untouched (the batch is
	// atomic).
	var replaceDocs, replaceIdxs []int
	for _, doc := range batch.Documents {
		if i, ok := s.findDocument(doc.TS, doc.ID); ok {
			if strategy == storage.ConflictError {
				return fmt.Errorf("memstore: document (%d, %s): %w", doc.TS, doc.ID, storage.ErrPrimaryKeyCollision)
			}
			replaceDocs = append(replaceDocs, i)
		} else {
			replaceDocs = append(replaceDocs, -1)
		}
	}
	for _, idx := range batch.Indexes {
		if i, ok := s.findIndexEntry(idx.IndexID, idx.Key, idx.TS); ok {
			if strategy == storage.ConflictError {
				return fmt.Errorf("memstore: index entry (%s, %x, %d): %w", idx.IndexID, idx.Key, idx.TS, storage.ErrPrimaryKeyCollision)
			}
			replaceIdxs = append(replaceIdxs, i)
		} else {
			replaceIdxs = append(replaceIdxs, -1)
		}
	}

	s.fresh = false
	for i, doc := range batch.Documents {
		if at := replaceDocs[i]; at >= 0 {
			s.documents[at] = doc
		} else {
			s.documents = append(s.documents, doc)
		}
	}
	for i, idx := range batch.Indexes {
		if at := replaceIdxs[i]; at >= 0 {
			s.indexes[at] = idx
		} else {
			s.indexes = append(s.indexes, idx)
		}
	}
	sort.SliceStable(s.documents, func(i, j int) bool { return s.documents[i].TS < s.documents[j].TS })
	sort.SliceStable(s.indexes, func(i, j int) bool { return s.indexes[i].TS < s.indexes[j].TS })
	return nil
}

func (s *Store) findDocument(ts document.Timestamp, id document.DocumentID) (int, bool) {
	for i, d := range s.documents {
		if d.TS == ts && d.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) findIndexEntry(indexID string, key []byte, ts document.Timestamp) (int, bool) {
	for i, e := range s.indexes {
		if e.IndexID == indexID && e.TS == ts && string(e.Key) == string(key) {
			return i, true
		}
	}
	return 0, false
}

// PurgeDocumentsBefore deletes stale document revisions, keeping the newest
// revision at or before cutoff for every document.
func (s *Store) PurgeDocumentsBefore(_ context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLease || s.lease.Token != lease.Token {
		return 0, storage.ErrLeaseLost
	}

	keep := make(map[document.DocumentID]document.Timestamp)
	for _, d := range s.documents {
		if d.TS <= cutoff && d.TS > keep[d.ID] {
			keep[d.ID] = d.TS
		}
	}

	out := s.documents[:0:0]
	var deleted int64
	for _, d := range s.documents {
		stale := d.TS < cutoff && d.TS != keep[d.ID]
		if stale && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		out = append(out, d)
	}
	s.documents = out
	return deleted, nil
}

// PurgeIndexEntriesBefore deletes stale index-entry revisions, keeping the
// newest revision at or before cutoff for every (index id, key) pair.
func (s *Store) PurgeIndexEntriesBefore(_ context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLease || s.lease.Token != lease.Token {
		return 0, storage.ErrLeaseLost
	}

	type idxKey struct {
		indexID string
		key     string
	}
	keep := make(map[idxKey]document.Timestamp)
	for _, e := range s.indexes {
		k := idxKey{e.IndexID, string(e.Key)}
		if e.TS <= cutoff && e.TS > keep[k] {
			keep[k] = e.TS
		}
	}

	out := s.indexes[:0:0]
	var deleted int64
	for _, e := range s.indexes {
		k := idxKey{e.IndexID, string(e.Key)}
		stale := e.TS < cutoff && e.TS != keep[k]
		if stale && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		out = append(out, e)
	}
	s.indexes = out
	return deleted, nil
}

func (s *Store) WriteGlobal(_ context.Context, key storage.GlobalKey, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[key] = value
	return nil
}

func (s *Store) GetGlobal(_ context.Context, key storage.GlobalKey) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals[key], nil
}

var _ storage.Persistence = (*Store)(nil)

// Package subscribe implements the subscription manager (C8): outstanding
// one-shot subscriptions, each owning a read-set and a wake channel,
// invalidated when a commit's write-set intersects the read-set. There is
// no teacher analogue (beads has no live-query layer); the channel-based
// wake matches the cooperative-scheduling model
// _examples/original_source/crates/application/src/scheduled_jobs/mod.rs
// uses for its select_biased! multiplexing, re-expressed here as a Go
// channel closed exactly once.
package subscribe

import (
	"sync"

	"github.com/pelagodb/core/internal/convexkey"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/readset"
)

// WrittenEntry is one index-key write a commit produced.
type WrittenEntry struct {
	IndexID string
	Key     []byte
}

// WrittenDoc is one document a commit wrote, carried for filter-condition
// (text-search style) invalidation matching by field value.
type WrittenDoc struct {
	TableID string
	Fields  map[string]convexkey.Value
}

// Subscription is a one-shot registration: the caller's read-set as of
// SnapshotTS, invalidated (Done closed) by the first commit whose
// write-set intersects it.
type Subscription struct {
	id         uint64
	reads      *readset.Tracker
	snapshotTS document.Timestamp
	done       chan document.Timestamp
	once       sync.Once
}

// Done returns the channel that receives the invalidating commit's
// timestamp exactly once, then is closed.
func (s *Subscription) Done() <-chan document.Timestamp { return s.done }

func (s *Subscription) invalidate(ts document.Timestamp) {
	s.once.Do(func() {
		s.done <- ts
		close(s.done)
	})
}

// Manager holds every outstanding subscription and invalidates them at
// commit time.
type Manager struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// New creates an empty subscription manager.
func New() *Manager {
	return &Manager{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new one-shot subscription over reads, recorded at
// snapshotTS. The ordering guarantee (spec.md §4.8): this subscription is
// woken for every commit with ts > snapshotTS whose write-set intersects
// reads, in increasing ts order of the first invalidating commit — each
// subscription only ever fires once, so there is nothing further to order
// after that.
func (m *Manager) Subscribe(reads *readset.Tracker, snapshotTS document.Timestamp) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &Subscription{id: m.nextID, reads: reads, snapshotTS: snapshotTS, done: make(chan document.Timestamp, 1)}
	m.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription without invalidating it, e.g. when
// the caller abandons the query before any commit touches it.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.id)
}

// Publish invalidates every subscription whose read-set intersects the
// commit's write-set, then removes them (subscriptions are one-shot).
func (m *Manager) Publish(ts document.Timestamp, written []WrittenEntry, docs []WrittenDoc) {
	m.mu.Lock()
	var fired []*Subscription
	for id, sub := range m.subs {
		if sub.snapshotTS >= ts {
			continue
		}
		if subscriptionMatches(sub, written, docs) {
			fired = append(fired, sub)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()

	for _, sub := range fired {
		sub.invalidate(ts)
	}
}

func subscriptionMatches(sub *Subscription, written []WrittenEntry, docs []WrittenDoc) bool {
	for _, w := range written {
		if sub.reads.Intersects(w.IndexID, w.Key) {
			return true
		}
	}
	if len(sub.reads.FilterReads()) == 0 {
		return false
	}
	for _, fr := range sub.reads.FilterReads() {
		for _, d := range docs {
			if d.TableID != fr.TableID {
				continue
			}
			if v, ok := d.Fields[fr.FieldPath]; ok && valuesEqual(v, fr.Value) {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b convexkey.Value) bool {
	ea := convexkey.EncodeValue(nil, a)
	eb := convexkey.EncodeValue(nil, b)
	if len(ea) != len(eb) {
		return false
	}
	for i := range ea {
		if ea[i] != eb[i] {
			return false
		}
	}
	return true
}

// Len returns the number of outstanding subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

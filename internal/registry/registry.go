// Package registry implements the authoritative in-memory index registry
// (C3): every secondary index's metadata and state, with transition
// validation on every update. It generalizes the teacher's
// internal/storage/convex.IndexGenerator (internal/storage/convex/
// indexes.go), which hand-derives a fixed set of per-field keys for the
// beads issue schema, into a descriptor-driven registry that tracks
// arbitrary indexes by name and validates their lifecycle the way
// spec.md §4.3 requires.
package registry

import (
	"fmt"
	"sync"

	"github.com/pelagodb/core/internal/document"
)

// State is an index's lifecycle state.
type State int

const (
	// StateBackfilling means the index is still catching up from a
	// historical scan; it receives live writes but does not yet serve
	// reads.
	StateBackfilling State = iota
	// StateEnabled means the index is caught up and serves reads.
	StateEnabled
)

func (s State) String() string {
	if s == StateEnabled {
		return "Enabled"
	}
	return "Backfilling"
}

// Descriptor identifies what an index indexes: a tablet and an ordered
// list of field paths.
type Descriptor struct {
	Tablet document.TabletID
	Fields []string
}

// Equal reports whether two descriptors index the same tablet and fields.
func (d Descriptor) Equal(o Descriptor) bool {
	if d.Tablet != o.Tablet || len(d.Fields) != len(o.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// IsByID reports whether d is the system by-id index descriptor (no
// fields: the key is the empty tuple suffixed by document-id).
func (d Descriptor) IsByID() bool { return len(d.Fields) == 0 }

// Metadata is one index's full record: its name, descriptor, state, and
// (if backfilling) the timestamp the backfill started at.
type Metadata struct {
	Name       string
	Descriptor Descriptor
	State      State
	StartedTS  document.Timestamp // meaningful only while Backfilling
	System     bool                // true for by_id: may not be renamed or dropped
}

// Registry is the authoritative, mutable view of all index metadata.
// Readers take a Snapshot (a shallow copy) at transaction begin time;
// writers apply Update calls at commit time, matching the
// snapshot-at-begin/swap-at-commit discipline spec.md §5 requires of C3.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Metadata
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*Metadata)}
}

// EnsureByID installs (idempotently) the system by_id index for a tablet,
// always Enabled, never renamed or dropped.
func (r *Registry) EnsureByID(tablet document.TabletID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return
	}
	r.byName[name] = &Metadata{
		Name:       name,
		Descriptor: Descriptor{Tablet: tablet},
		State:      StateEnabled,
		System:     true,
	}
}

// Update applies a transition from old to new, validating it per spec.md
// §4.3:
//   - System indexes may not be renamed or dropped (old != nil, new == nil
//     or new.Name != old.Name, on a System record, is rejected).
//   - A descriptor may have at most one Enabled and at most one
//     Backfilling index at a time.
//   - An existing index's descriptor (tablet, fields) is immutable;
//     only Backfilling -> Enabled state transitions are allowed.
func (r *Registry) Update(old, new *Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old != nil {
		existing, ok := r.byName[old.Name]
		if !ok {
			return fmt.Errorf("registry: update references unknown index %q", old.Name)
		}
		if existing.System && (new == nil || new.Name != old.Name) {
			return fmt.Errorf("registry: system index %q may not be renamed or dropped", old.Name)
		}
		if new != nil && new.Name == old.Name {
			if !existing.Descriptor.Equal(new.Descriptor) {
				return fmt.Errorf("registry: index %q descriptor is immutable", old.Name)
			}
			if existing.State == StateEnabled && new.State == StateBackfilling {
				return fmt.Errorf("registry: index %q may not regress from Enabled to Backfilling", old.Name)
			}
		}
	}

	if new != nil {
		if err := r.validateAtMostOnePerDescriptor(old, new); err != nil {
			return err
		}
	}

	if old != nil && (new == nil || new.Name != old.Name) {
		delete(r.byName, old.Name)
	}
	if new != nil {
		cp := *new
		r.byName[new.Name] = &cp
	}
	return nil
}

func (r *Registry) validateAtMostOnePerDescriptor(old, new *Metadata) error {
	var enabledCount, pendingCount int
	for name, m := range r.byName {
		if old != nil && name == old.Name {
			continue // being replaced
		}
		if !m.Descriptor.Equal(new.Descriptor) {
			continue
		}
		switch m.State {
		case StateEnabled:
			enabledCount++
		case StateBackfilling:
			pendingCount++
		}
	}
	switch new.State {
	case StateEnabled:
		enabledCount++
	case StateBackfilling:
		pendingCount++
	}
	if enabledCount > 1 {
		return fmt.Errorf("registry: descriptor already has an Enabled index")
	}
	if pendingCount > 1 {
		return fmt.Errorf("registry: descriptor already has a Backfilling index")
	}
	return nil
}

// SameIndexes reports structural equality between two registries on their
// enabled-set and pending-set (ignoring the StartedTS field), used in
// tests and migration checks per spec.md §4.3.
func (r *Registry) SameIndexes(other *Registry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	if len(r.byName) != len(other.byName) {
		return false
	}
	for name, m := range r.byName {
		om, ok := other.byName[name]
		if !ok || m.State != om.State || !m.Descriptor.Equal(om.Descriptor) || m.System != om.System {
			return false
		}
	}
	return true
}

// AllEnabledIndexes returns every Enabled index's metadata.
func (r *Registry) AllEnabledIndexes() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, m := range r.byName {
		if m.State == StateEnabled {
			out = append(out, *m)
		}
	}
	return out
}

// EnabledIndexMetadata returns the Enabled metadata for name, if any.
func (r *Registry) EnabledIndexMetadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	if !ok || m.State != StateEnabled {
		return Metadata{}, false
	}
	return *m, true
}

// GetPending returns the Backfilling metadata for name, if any.
func (r *Registry) GetPending(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	if !ok || m.State != StateBackfilling {
		return Metadata{}, false
	}
	return *m, true
}

// LiveIndexesForTablet returns every index (Enabled or Backfilling) whose
// descriptor targets tablet, per the §4.3 invariant that a commit's
// derived index updates reference exactly this set.
func (r *Registry) LiveIndexesForTablet(tablet document.TabletID) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, m := range r.byName {
		if m.Descriptor.Tablet == tablet {
			out = append(out, *m)
		}
	}
	return out
}

// TableSummary is one table's approximate live footprint, maintained
// incrementally by the commit path and persisted as the table_summary_v2
// persistence global. Counts are approximate in the same way the
// document-count supplement is: they track committed live documents, not
// historical revisions.
type TableSummary struct {
	DocumentCount  int64 `json:"document_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Snapshot returns an independent copy of the registry's current state,
// for a transaction to read without observing concurrent mutation.
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := New()
	for name, m := range r.byName {
		mc := *m
		cp.byName[name] = &mc
	}
	return cp
}

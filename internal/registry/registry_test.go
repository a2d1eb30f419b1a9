package registry

import (
	"testing"

	"github.com/pelagodb/core/internal/document"
)

func TestEnsureByIDIsEnabledAndSystem(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	r.EnsureByID(tablet, "things_by_id")

	m, ok := r.EnabledIndexMetadata("things_by_id")
	if !ok {
		t.Fatalf("EnabledIndexMetadata() not found for system index")
	}
	if !m.System {
		t.Errorf("System = false, want true")
	}
	if !m.Descriptor.IsByID() {
		t.Errorf("Descriptor.IsByID() = false, want true")
	}
}

func TestUpdateRejectsRenamingSystemIndex(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	r.EnsureByID(tablet, "things_by_id")

	old := &Metadata{Name: "things_by_id", Descriptor: Descriptor{Tablet: tablet}, State: StateEnabled, System: true}
	new := &Metadata{Name: "things_by_id_renamed", Descriptor: Descriptor{Tablet: tablet}, State: StateEnabled, System: true}
	if err := r.Update(old, new); err == nil {
		t.Fatalf("Update() renaming a system index should fail")
	}
}

func TestUpdateAllowsBackfillingToEnabled(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	desc := Descriptor{Tablet: tablet, Fields: []string{"status"}}

	if err := r.Update(nil, &Metadata{Name: "things_by_status", Descriptor: desc, State: StateBackfilling, StartedTS: 1}); err != nil {
		t.Fatalf("Update() insert error = %v", err)
	}
	old, _ := r.GetPending("things_by_status")
	if err := r.Update(&old, &Metadata{Name: "things_by_status", Descriptor: desc, State: StateEnabled}); err != nil {
		t.Fatalf("Update() Backfilling->Enabled error = %v", err)
	}
	if _, ok := r.EnabledIndexMetadata("things_by_status"); !ok {
		t.Fatalf("index should now be Enabled")
	}
}

func TestUpdateRejectsEnabledToBackfillingRegression(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	desc := Descriptor{Tablet: tablet, Fields: []string{"status"}}
	if err := r.Update(nil, &Metadata{Name: "x", Descriptor: desc, State: StateEnabled}); err != nil {
		t.Fatalf("Update() insert error = %v", err)
	}
	old, _ := r.EnabledIndexMetadata("x")
	if err := r.Update(&old, &Metadata{Name: "x", Descriptor: desc, State: StateBackfilling}); err == nil {
		t.Fatalf("Update() Enabled->Backfilling should be rejected")
	}
}

func TestUpdateRejectsDescriptorChange(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	desc := Descriptor{Tablet: tablet, Fields: []string{"status"}}
	if err := r.Update(nil, &Metadata{Name: "x", Descriptor: desc, State: StateEnabled}); err != nil {
		t.Fatalf("Update() insert error = %v", err)
	}
	old, _ := r.EnabledIndexMetadata("x")
	changed := Descriptor{Tablet: tablet, Fields: []string{"priority"}}
	if err := r.Update(&old, &Metadata{Name: "x", Descriptor: changed, State: StateEnabled}); err == nil {
		t.Fatalf("Update() changing the descriptor of an existing index should be rejected")
	}
}

func TestUpdateRejectsSecondEnabledOnSameDescriptor(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	desc := Descriptor{Tablet: tablet, Fields: []string{"status"}}
	if err := r.Update(nil, &Metadata{Name: "a", Descriptor: desc, State: StateEnabled}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := r.Update(nil, &Metadata{Name: "b", Descriptor: desc, State: StateEnabled}); err == nil {
		t.Fatalf("Update() adding a second Enabled index on the same descriptor should fail")
	}
}

func TestUpdateAllowsOneEnabledAndOneBackfillingOnSameDescriptor(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	desc := Descriptor{Tablet: tablet, Fields: []string{"status"}}
	if err := r.Update(nil, &Metadata{Name: "a", Descriptor: desc, State: StateEnabled}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := r.Update(nil, &Metadata{Name: "b", Descriptor: desc, State: StateBackfilling, StartedTS: 1}); err != nil {
		t.Fatalf("Update() adding a Backfilling index alongside an Enabled one should succeed, got %v", err)
	}
}

func TestSameIndexes(t *testing.T) {
	tablet := document.NewTabletID()
	r1 := New()
	r1.EnsureByID(tablet, "things_by_id")
	r2 := New()
	r2.EnsureByID(tablet, "things_by_id")
	if !r1.SameIndexes(r2) {
		t.Fatalf("SameIndexes() = false, want true for two identical registries")
	}

	r2.Update(nil, &Metadata{Name: "extra", Descriptor: Descriptor{Tablet: tablet, Fields: []string{"x"}}, State: StateEnabled})
	if r1.SameIndexes(r2) {
		t.Fatalf("SameIndexes() = true, want false after r2 diverges")
	}
}

func TestLiveIndexesForTabletIncludesEnabledAndBackfilling(t *testing.T) {
	r := New()
	tablet := document.NewTabletID()
	other := document.NewTabletID()
	r.EnsureByID(tablet, "things_by_id")
	r.Update(nil, &Metadata{Name: "things_by_status", Descriptor: Descriptor{Tablet: tablet, Fields: []string{"status"}}, State: StateBackfilling, StartedTS: 1})
	r.Update(nil, &Metadata{Name: "other_by_x", Descriptor: Descriptor{Tablet: other, Fields: []string{"x"}}, State: StateEnabled})

	live := r.LiveIndexesForTablet(tablet)
	if len(live) != 2 {
		t.Fatalf("LiveIndexesForTablet() = %d entries, want 2", len(live))
	}
}

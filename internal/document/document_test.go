package document

import (
	"strings"
	"testing"
)

func TestTimestampSuccPred(t *testing.T) {
	cases := []struct {
		name string
		ts   Timestamp
		succ Timestamp
		pred Timestamp
	}{
		{"mid", 5, 6, 4},
		{"min", MinTimestamp, 1, MinTimestamp},
		{"max", MaxTimestamp, MaxTimestamp, MaxTimestamp - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ts.Succ(); got != tc.succ {
				t.Errorf("Succ() = %d, want %d", got, tc.succ)
			}
			if got := tc.ts.Pred(); got != tc.pred {
				t.Errorf("Pred() = %d, want %d", got, tc.pred)
			}
		})
	}
}

func TestTimestampRange(t *testing.T) {
	r := AllTime()
	if !r.Contains(0) || !r.Contains(MaxTimestamp) {
		t.Fatalf("AllTime() should contain the full range")
	}

	ab := AtOrBefore(10)
	if !ab.Contains(10) || ab.Contains(11) {
		t.Fatalf("AtOrBefore(10) boundary wrong: %+v", ab)
	}

	after := After(10)
	if after.Contains(10) || !after.Contains(11) {
		t.Fatalf("After(10) boundary wrong: %+v", after)
	}
}

func TestDocumentIDBytes(t *testing.T) {
	id := DocumentID{Tablet: NewTabletID(), Internal: NewInternalID()}
	b := id.Bytes()
	if len(b) != 32 {
		t.Fatalf("Bytes() length = %d, want 32", len(b))
	}
	if string(b[:16]) != string(id.Tablet[:]) {
		t.Errorf("Bytes() prefix does not match tablet id")
	}
	if string(b[16:]) != string(id.Internal[:]) {
		t.Errorf("Bytes() suffix does not match internal id")
	}
}

func TestDocumentLogEntryIsTombstone(t *testing.T) {
	insert := &DocumentLogEntry{Value: &Document{}}
	if insert.IsTombstone() {
		t.Errorf("entry with a value should not be a tombstone")
	}
	tombstone := &DocumentLogEntry{Value: nil}
	if !tombstone.IsTombstone() {
		t.Errorf("entry with a nil value should be a tombstone")
	}
}

func TestValidateRejectsReservedFieldNames(t *testing.T) {
	doc := &Document{
		ID:           DocumentID{Tablet: NewTabletID(), Internal: NewInternalID()},
		CreationTime: 1,
		Fields:       map[string]any{"_secret": "nope"},
	}
	if err := Validate(doc); err == nil {
		t.Fatalf("Validate() = nil, want reserved field name error")
	}
}

func TestValidateAcceptsIDAndCreationTimeMirrors(t *testing.T) {
	doc := &Document{
		ID:           DocumentID{Tablet: NewTabletID(), Internal: NewInternalID()},
		CreationTime: 1000,
		Fields:       map[string]any{FieldID: "x", FieldCreationTime: 1000.0, "name": "ok"},
	}
	if err := Validate(doc); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsNonPositiveCreationTime(t *testing.T) {
	doc := &Document{ID: DocumentID{}, CreationTime: 0, Fields: map[string]any{}}
	if err := Validate(doc); err == nil {
		t.Fatalf("Validate() = nil, want error for zero creation time")
	}
}

func TestValidateRejectsExcessiveNesting(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < MaxNesting+2; i++ {
		nested = map[string]any{"n": nested}
	}
	doc := &Document{
		ID:           DocumentID{Tablet: NewTabletID(), Internal: NewInternalID()},
		CreationTime: 1,
		Fields:       map[string]any{"deep": nested},
	}
	if err := Validate(doc); err == nil {
		t.Fatalf("Validate() = nil, want nesting depth error")
	}
}

func TestValidateRejectsOversizedPayload(t *testing.T) {
	doc := &Document{
		ID:           DocumentID{Tablet: NewTabletID(), Internal: NewInternalID()},
		CreationTime: 1,
		Fields:       map[string]any{"blob": strings.Repeat("x", MaxEncodedSize+1)},
	}
	if err := Validate(doc); err == nil {
		t.Fatalf("Validate() = nil, want oversized payload error")
	}
}

package dsu

import "testing"

func TestTracerRecentOrderAndWraparound(t *testing.T) {
	tr := NewTracer(3)
	tr.Record("/a.so", WatchArmed)
	tr.Record("/a.so", CandidateMapped)
	tr.Record("/a.so", CompatibilityChecked)
	tr.Record("/a.so", RelocatingDependents) // wraps past capacity 3

	recent := tr.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	if recent[0].To != CandidateMapped || recent[2].To != RelocatingDependents {
		t.Fatalf("expected oldest-to-newest order after wraparound, got %+v", recent)
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	for s := Idle; s <= Swapped; s++ {
		if s.String() == "UNKNOWN" {
			t.Fatalf("state %d has no String() case", s)
		}
	}
}

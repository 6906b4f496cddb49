package fld

import "testing"

func TestLookupAndLocal(t *testing.T) {
	d := New(0)
	d.Add(Range{Start: 0, End: 999, MDTIndex: 0})
	d.Add(Range{Start: 1000, End: 1999, MDTIndex: 1})

	idx, ok := d.Lookup(500)
	if !ok || idx != 0 {
		t.Fatalf("Lookup(500) = %d, %v; want 0, true", idx, ok)
	}
	idx, ok = d.Lookup(1500)
	if !ok || idx != 1 {
		t.Fatalf("Lookup(1500) = %d, %v; want 1, true", idx, ok)
	}
	if _, ok := d.Lookup(5000); ok {
		t.Fatalf("Lookup(5000) unexpectedly found a range")
	}

	if !d.Local(500) {
		t.Fatalf("Local(500) = false, want true")
	}
	if d.Local(1500) {
		t.Fatalf("Local(1500) = true, want false")
	}
}

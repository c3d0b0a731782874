package sandbox

import "testing"

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, line := range []string{"a", "b", "c", "d"} {
		r.Append(line)
	}

	got := r.Lines()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRingReplace(t *testing.T) {
	r := NewRing(2)
	r.Append("old")
	r.Replace([]string{"x", "y", "z"})

	got := r.Lines()
	if len(got) != 2 || got[0] != "y" || got[1] != "z" {
		t.Errorf("lines = %v, want last 2 of replacement", got)
	}
}

func TestRingLinesReturnsCopy(t *testing.T) {
	r := NewRing(2)
	r.Append("a")

	lines := r.Lines()
	lines[0] = "mutated"
	if r.Lines()[0] != "a" {
		t.Error("Lines exposed internal storage")
	}
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(2)
	if r.Len() != 0 || len(r.Lines()) != 0 {
		t.Errorf("len = %d lines = %v, want empty", r.Len(), r.Lines())
	}
}

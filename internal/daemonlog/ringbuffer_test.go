package daemonlog

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer(3)
	r.Append("a")
	r.Append("b")
	r.Append("c")
	r.Append("d") // overwrites "a"

	got := r.Lines()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRingBufferBelowCapacity(t *testing.T) {
	r := NewRingBuffer(5)
	r.Append("a")
	r.Append("b")

	got := r.Lines()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Lines() = %v, want [a b]", got)
	}
}

package task

import "testing"

func TestNewCopiesAndDedupes(t *testing.T) {
	deps := []string{"B", "A", "B"}
	files := []string{"x.go", "x.go", "y.go"}
	it := New("T1", "do a thing", P1, "pending", deps, files)

	if got, want := len(it.Dependencies), 2; got != want {
		t.Fatalf("Dependencies len = %d, want %d (%v)", got, want, it.Dependencies)
	}
	if got, want := len(it.Files), 2; got != want {
		t.Fatalf("Files len = %d, want %d (%v)", got, want, it.Files)
	}

	// Mutating the caller's slices must not affect the item.
	deps[0] = "Z"
	files[0] = "z.go"
	for _, d := range it.Dependencies {
		if d == "Z" {
			t.Fatalf("Item.Dependencies aliases caller slice: %v", it.Dependencies)
		}
	}
	for _, f := range it.Files {
		if f == "z.go" {
			t.Fatalf("Item.Files aliases caller slice: %v", it.Files)
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	if !(P0 < P1 && P1 < P2 && P2 < P3) {
		t.Fatalf("priority order broken: P0=%d P1=%d P2=%d P3=%d", P0, P1, P2, P3)
	}
}

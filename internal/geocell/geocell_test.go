package geocell

import "testing"

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestCellOfIsDeterministic(t *testing.T) {
	a, err := CellOf(37.7749, -122.4194)
	if err != nil {
		t.Fatalf("CellOf: %v", err)
	}
	b, err := CellOf(37.7749, -122.4194)
	if err != nil {
		t.Fatalf("CellOf: %v", err)
	}
	if a != b {
		t.Fatalf("expected same cell for same coordinates, got %v != %v", a, b)
	}
}

func TestRingZeroIsCenter(t *testing.T) {
	center, err := CellOf(37.7749, -122.4194)
	if err != nil {
		t.Fatalf("CellOf: %v", err)
	}
	ring, err := RingAt(center, 0)
	if err != nil {
		t.Fatalf("RingAt: %v", err)
	}
	if len(ring) != 1 || ring[0] != center {
		t.Fatalf("expected ring 0 to be exactly [center], got %v", ring)
	}
}

func TestRingAtDisjointFromNeighboursInner(t *testing.T) {
	center, err := CellOf(37.7749, -122.4194)
	if err != nil {
		t.Fatalf("CellOf: %v", err)
	}
	disk1, err := Neighbours(center, 1)
	if err != nil {
		t.Fatalf("Neighbours: %v", err)
	}
	ring1, err := RingAt(center, 1)
	if err != nil {
		t.Fatalf("RingAt: %v", err)
	}
	// ring(1) should be exactly disk(1) minus disk(0) (the center).
	if len(ring1) != len(disk1)-1 {
		t.Fatalf("expected ring1 to have %d cells, got %d", len(disk1)-1, len(ring1))
	}
	for _, c := range ring1 {
		if c == center {
			t.Fatalf("ring 1 must not contain the center cell")
		}
	}
}

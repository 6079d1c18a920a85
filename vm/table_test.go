package vm

import "testing"

func TestTableFindSortedOrder(t *testing.T) {
	te := &tableEntry{}
	inserts := []uint64{50, 10, 30, 20, 40}
	for _, h := range inserts {
		idx, found := te.find(h)
		if found {
			t.Fatalf("unexpected duplicate for hash %d", h)
		}
		te.insertAt(idx, h, uint32(h))
	}
	if te.used != uint32(len(inserts)) {
		t.Fatalf("used = %d, want %d", te.used, len(inserts))
	}
	for i := 1; i < int(te.used); i++ {
		if te.keys[i-1].hash >= te.keys[i].hash {
			t.Fatalf("keys not sorted ascending at %d: %v", i, te.keys[:te.used])
		}
	}
	for _, h := range inserts {
		idx, found := te.find(h)
		if !found {
			t.Fatalf("hash %d not found after insert", h)
		}
		if te.keys[idx].slot != uint32(h) {
			t.Fatalf("slot mismatch for hash %d: got %d", h, te.keys[idx].slot)
		}
	}
	if _, found := te.find(999); found {
		t.Fatalf("hash 999 should not be present")
	}
}

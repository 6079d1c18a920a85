package vm

import "testing"

func TestHeapStoreAndLoadTableElem(t *testing.T) {
	h := newHeap(64)
	id, err := h.allocateTable(0)
	if err != nil {
		t.Fatalf("allocateTable: %v", err)
	}
	if err := h.storeTableElem(id, Number(1), Number(100)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := h.storeTableElem(id, Number(2), Number(200)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if v := h.loadTableElem(id, Number(1)); v.NumberValue() != 100 {
		t.Fatalf("load key 1 = %v, want 100", v.NumberValue())
	}
	if v := h.loadTableElem(id, Number(2)); v.NumberValue() != 200 {
		t.Fatalf("load key 2 = %v, want 200", v.NumberValue())
	}
	if v := h.loadTableElem(id, Number(3)); !v.IsNil() {
		t.Fatalf("load missing key should be nil, got %v", v.NumberValue())
	}

	// overwrite
	if err := h.storeTableElem(id, Number(1), Number(999)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v := h.loadTableElem(id, Number(1)); v.NumberValue() != 999 {
		t.Fatalf("overwritten key 1 = %v, want 999", v.NumberValue())
	}
}

func TestHeapReallocateTableSameCapacityNoOp(t *testing.T) {
	h := newHeap(64)
	id, _ := h.allocateTable(4)
	t0 := h.tables[id].block
	if err := h.reallocateTable(id, 4); err != nil {
		t.Fatalf("reallocate to same capacity should succeed: %v", err)
	}
	if h.tables[id].block != t0 {
		t.Fatalf("reallocate to same capacity should be a no-op, block changed from %v to %v", t0, h.tables[id].block)
	}
}

func TestHeapAllocateBlockOutOfMemory(t *testing.T) {
	h := newHeap(4)
	if _, err := h.allocateTable(8); err == nil {
		t.Fatalf("expected out-of-memory error allocating beyond capacity")
	}
}

func TestHeapFreeListReuse(t *testing.T) {
	h := newHeap(16)
	id1, _ := h.allocateTable(8)
	h.freeTable(id1)
	id2, err := h.allocateTable(8)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if h.tables[id2].block.start != 0 {
		t.Fatalf("expected freed block to be reused at offset 0, got %d", h.tables[id2].block.start)
	}
}

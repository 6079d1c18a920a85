package vm

import "sort"

// foreignResourceEntry pairs a registered ForeignResource with its liveness
// flag. Released ids go back on a free list and are handed out again to
// later resources.
type foreignResourceEntry struct {
	resource ForeignResource
	alive    bool
}

// heap is the fixed-capacity value slab plus the table/string/foreign-
// resource registries built on top of it (§3.6, §4.4). It never grows past
// its configured capacity; once allocation would exceed it, the caller must
// run a collection and retry.
type heap struct {
	values      []Value
	tableOffset uint32
	maxValues   uint32

	freeList []blockSpan

	tables       map[TableID]*tableEntry
	nextTableID  TableID
	freeTableIDs []TableID

	activeStrings map[string]*stringObj

	foreignResources map[ForeignResourceID]*foreignResourceEntry
	nextForeignID    ForeignResourceID
	freeForeignIDs   []ForeignResourceID
}

func newHeap(maxValues uint32) *heap {
	return &heap{
		values:           make([]Value, maxValues),
		maxValues:        maxValues,
		tables:           make(map[TableID]*tableEntry),
		activeStrings:    make(map[string]*stringObj),
		foreignResources: make(map[ForeignResourceID]*foreignResourceEntry),
	}
}

// errOutOfMemory signals the caller should run a collection and retry once.
type errOutOfMemory struct{ requested uint32 }

func (e *errOutOfMemory) Error() string { return "heap exhausted" }

// allocateBlock finds or carves a span of capacity values, best-fit against
// the free list (the smallest free block that is large enough, returning any
// remainder to the list) before falling back to the bump-allocated frontier
// (§4.4.1).
func (h *heap) allocateBlock(capacity uint32) (blockSpan, error) {
	if capacity == 0 {
		return blockSpan{}, nil
	}
	best := -1
	for i, b := range h.freeList {
		if b.capacity >= capacity && (best == -1 || b.capacity < h.freeList[best].capacity) {
			best = i
		}
	}
	if best != -1 {
		b := h.freeList[best]
		h.freeList = append(h.freeList[:best], h.freeList[best+1:]...)
		if b.capacity > capacity {
			h.freeList = append(h.freeList, blockSpan{start: b.start + capacity, capacity: b.capacity - capacity})
		}
		return blockSpan{start: b.start, capacity: capacity}, nil
	}
	if h.tableOffset+capacity > h.maxValues {
		return blockSpan{}, &errOutOfMemory{requested: capacity}
	}
	b := blockSpan{start: h.tableOffset, capacity: capacity}
	h.tableOffset += capacity
	return b, nil
}

func (h *heap) freeBlock(b blockSpan) {
	if b.capacity == 0 {
		return
	}
	for i := range h.values[b.start : b.start+b.capacity] {
		h.values[int(b.start)+i] = Nil
	}
	h.freeList = append(h.freeList, b)
}

func (h *heap) allocTableID() TableID {
	if n := len(h.freeTableIDs); n > 0 {
		id := h.freeTableIDs[n-1]
		h.freeTableIDs = h.freeTableIDs[:n-1]
		return id
	}
	h.nextTableID++
	return h.nextTableID
}

// allocateTable creates a new, empty Table backed by a block of capacity
// value slots (§4.4.1).
func (h *heap) allocateTable(capacity uint32) (TableID, error) {
	b, err := h.allocateBlock(capacity)
	if err != nil {
		return 0, err
	}
	id := h.allocTableID()
	h.tables[id] = &tableEntry{block: b}
	return id, nil
}

// reallocateTable moves a table's contents into a newly allocated block of
// newCapacity slots and frees the old block; it never resizes in place. A
// request for the table's current capacity is a no-op success.
func (h *heap) reallocateTable(id TableID, newCapacity uint32) error {
	t, ok := h.tables[id]
	if !ok {
		return &errOutOfMemory{}
	}
	if newCapacity == t.block.capacity {
		return nil
	}
	nb, err := h.allocateBlock(newCapacity)
	if err != nil {
		return err
	}
	n := t.used
	if newCapacity < n {
		n = newCapacity
	}
	copy(h.values[nb.start:nb.start+n], h.values[t.block.start:t.block.start+n])
	old := t.block
	t.block = nb
	h.freeBlock(old)
	return nil
}

func (h *heap) freeTable(id TableID) {
	t, ok := h.tables[id]
	if !ok {
		return
	}
	h.freeBlock(t.block)
	delete(h.tables, id)
	h.freeTableIDs = append(h.freeTableIDs, id)
}

// internString returns the canonical stringObj for s, interning a new one if
// this is the first occurrence (§3.6).
func (h *heap) internString(s string) *stringObj {
	if obj, ok := h.activeStrings[s]; ok {
		return obj
	}
	obj := &stringObj{data: s}
	h.activeStrings[s] = obj
	return obj
}

func (h *heap) registerForeignResource(r ForeignResource) ForeignResourceID {
	var id ForeignResourceID
	if n := len(h.freeForeignIDs); n > 0 {
		id = h.freeForeignIDs[n-1]
		h.freeForeignIDs = h.freeForeignIDs[:n-1]
	} else {
		h.nextForeignID++
		id = h.nextForeignID
	}
	h.foreignResources[id] = &foreignResourceEntry{resource: r, alive: true}
	return id
}

func (h *heap) releaseForeignResource(id ForeignResourceID) {
	e, ok := h.foreignResources[id]
	if !ok || !e.alive {
		return
	}
	e.alive = false
	e.resource.Release()
	delete(h.foreignResources, id)
	h.freeForeignIDs = append(h.freeForeignIDs, id)
}

// loadTableElem implements LOAD_TABLE_ELEM against a real table: binary
// search the sorted keys array and return the element, or Nil if absent
// (§4.3.2).
func (h *heap) loadTableElem(id TableID, key Value) Value {
	t, ok := h.tables[id]
	if !ok {
		return Nil
	}
	idx, found := t.find(keyHash(key))
	if !found {
		return Nil
	}
	slot := t.keys[idx].slot
	return h.values[t.block.start+slot]
}

// storeTableElem implements STORE_TABLE_ELEM: overwrite an existing key, or
// insert a new sorted key entry, first growing a full table's block to
// capacity*2+1 slots (§4.3.2).
func (h *heap) storeTableElem(id TableID, key, val Value) error {
	t, ok := h.tables[id]
	if !ok {
		return &errOutOfMemory{}
	}
	hash := keyHash(key)
	idx, found := t.find(hash)
	if found {
		slot := t.keys[idx].slot
		h.values[t.block.start+slot] = val
		return nil
	}
	if t.used == t.block.capacity {
		grow := t.block.capacity*2 + 1
		if err := h.reallocateTable(id, grow); err != nil {
			return err
		}
	}
	newSlot := t.used
	h.values[t.block.start+newSlot] = val
	idx, _ = t.find(hash)
	t.insertAt(idx, hash, newSlot)
	return nil
}

// sortedTableKeys returns the value-slot indices of id's entries in
// ascending slot order, which is the order the entries were inserted; it is
// used by printTable.
func (h *heap) sortedTableKeys(id TableID) []uint32 {
	t, ok := h.tables[id]
	if !ok {
		return nil
	}
	slots := make([]uint32, t.used)
	for i, k := range t.keys[:t.used] {
		slots[i] = k.slot
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

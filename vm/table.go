package vm

import "sort"

// blockSpan is a contiguous span of the value heap.
type blockSpan struct {
	start    uint32
	capacity uint32
}

// keyEntry is one (key_hash, slot_index) pair in a table's sorted keys
// array.
type keyEntry struct {
	hash uint64
	slot uint32
}

// tableEntry is the heap-side representation of a Table (§3.2). keys[0:used]
// is always sorted ascending by hash.
type tableEntry struct {
	block blockSpan
	used  uint32
	keys  []keyEntry
}

// find returns the index of hash in t.keys[:used], or the index it would be
// inserted at (sort.Search semantics) and ok=false.
func (t *tableEntry) find(hash uint64) (idx int, ok bool) {
	keys := t.keys[:t.used]
	idx = sort.Search(len(keys), func(i int) bool { return keys[i].hash >= hash })
	if idx < len(keys) && keys[idx].hash == hash {
		return idx, true
	}
	return idx, false
}

// insertAt inserts (hash, slot) at position idx, shifting the tail right.
func (t *tableEntry) insertAt(idx int, hash uint64, slot uint32) {
	if len(t.keys) <= int(t.used) {
		grown := make([]keyEntry, t.used+1, (t.used+1)*2)
		copy(grown, t.keys[:idx])
		grown[idx] = keyEntry{hash: hash, slot: slot}
		copy(grown[idx+1:], t.keys[idx:t.used])
		t.keys = grown
	} else {
		t.keys = t.keys[:t.used+1]
		copy(t.keys[idx+1:], t.keys[idx:t.used])
		t.keys[idx] = keyEntry{hash: hash, slot: slot}
	}
	t.used++
}

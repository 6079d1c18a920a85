package vm

import (
	mapset "github.com/deckarep/golang-set"
)

// GCMode selects what a collection does once the heap has been marked and
// swept, mirroring the three collection entry points of §4.3.4.
type GCMode int

const (
	// StandardCollect runs whenever an allocation would exceed capacity.
	StandardCollect GCMode = iota
	// FinalizeCollectReturn additionally compacts the instruction buffer,
	// for use when a program finishes normally (e.g. the REPL between
	// top-level statements).
	FinalizeCollectReturn
	// FinalizeCollectError is FinalizeCollectReturn run while unwinding after
	// a RuntimeError, so that trace rendering still sees valid FunctionEntry
	// bookkeeping.
	FinalizeCollectError
)

// collectGarbage marks every table and foreign resource reachable from the
// VM's roots, frees the unreachable tables, releases the unreachable foreign
// resources, and compacts the surviving table blocks to the front of the
// value slab (§4.3.4, §4.4.2). Interned strings are neither marked nor
// freed: they stay in the heap's active-string set.
func (vm *VM) collectGarbage(mode GCMode) {
	vm.logDebug("gc start", "mode", mode, "tables", len(vm.heap.tables), "heap_used", vm.heap.tableOffset)
	defer func() {
		vm.logDebug("gc done", "tables", len(vm.heap.tables), "heap_used", vm.heap.tableOffset)
	}()

	markedTables := mapset.NewThreadUnsafeSet()
	markedForeign := mapset.NewThreadUnsafeSet()
	markedFuncs := mapset.NewThreadUnsafeSet()

	var queue []TableID
	markTable := func(id TableID) {
		if id == 0 || markedTables.Contains(id) {
			return
		}
		markedTables.Add(id)
		queue = append(queue, id)
	}
	markValue := func(v Value) {
		switch v.Type() {
		case TypeTable:
			markTable(v.TableID())
		case TypeClosure:
			funcID, capture := v.Closure()
			markedFuncs.Add(funcID)
			markTable(capture)
		case TypeForeignResource:
			markedForeign.Add(v.ForeignResourceID())
		case TypeForeignMember:
			markedForeign.Add(v.ForeignResourceID())
		}
	}

	for _, v := range vm.locals[:vm.localsTop] {
		markValue(v)
	}
	for _, v := range vm.globals[:vm.globalsTop] {
		markValue(v)
	}
	for _, v := range vm.evalStack {
		markValue(v)
	}
	for _, v := range vm.scratchStack {
		markValue(v)
	}
	for _, fr := range vm.returnStack {
		markedFuncs.Add(fr.funcID)
		markTable(fr.capture)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t, ok := vm.heap.tables[id]
		if !ok {
			continue
		}
		for i := uint32(0); i < t.used; i++ {
			markValue(vm.heap.values[t.block.start+t.keys[i].slot])
		}
	}

	// Functions referenced transitively by a marked function (closures it
	// can construct, even if not yet materialized as a Value on the stack)
	// are kept alive too, so a later call into them still resolves.
	funcQueue := markedFuncs.ToSlice()
	for len(funcQueue) > 0 {
		fid := funcQueue[0].(uint32)
		funcQueue = funcQueue[1:]
		if int(fid) >= len(vm.functions) {
			continue
		}
		for _, ref := range vm.functions[fid].ReferencedFuncIDs {
			if !markedFuncs.Contains(ref) {
				markedFuncs.Add(ref)
				funcQueue = append(funcQueue, ref)
			}
		}
	}

	for id, e := range vm.heap.foreignResources {
		if !e.alive {
			continue
		}
		if !markedForeign.Contains(id) {
			vm.heap.releaseForeignResource(id)
		}
	}
	for id := range vm.heap.tables {
		if !markedTables.Contains(id) {
			vm.heap.freeTable(id)
		}
	}

	vm.compactHeap(markedTables)

	if mode == FinalizeCollectReturn || mode == FinalizeCollectError {
		vm.compactInstructions(markedFuncs)
	}
}

// compactHeap moves every surviving table's block to the front of the value
// slab in ascending start order, eliminating fragmentation (§4.4.2).
func (vm *VM) compactHeap(live mapset.Set) {
	h := vm.heap
	ids := make([]TableID, 0, live.Cardinality())
	for v := range live.Iter() {
		ids = append(ids, v.(TableID))
	}
	// Insertion sort by current block start: the live set is small relative
	// to a full collection's cost and this keeps the compaction stable.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && h.tables[ids[j-1]].block.start > h.tables[ids[j]].block.start; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}

	var offset uint32
	for _, id := range ids {
		t := h.tables[id]
		if t.block.start != offset {
			copy(h.values[offset:offset+t.used], h.values[t.block.start:t.block.start+t.used])
			for i := t.used; i < t.block.capacity; i++ {
				h.values[offset+i] = Nil
			}
			t.block.start = offset
		}
		offset += t.block.capacity
	}
	h.tableOffset = offset
	h.freeList = nil
}

// compactInstructions drops unreachable functions' bytecode from the
// instruction buffer and rewrites every FunctionEntry.Start and the ip->loc
// map to match, used by the two finalize collection modes (§4.3.4).
func (vm *VM) compactInstructions(liveFuncs mapset.Set) {
	type span struct {
		funcID     uint32
		start, end uint32
	}
	var spans []span
	for fid := range vm.functions {
		if !liveFuncs.Contains(uint32(fid)) {
			continue
		}
		fe := vm.functions[fid]
		spans = append(spans, span{funcID: uint32(fid), start: fe.Start, end: fe.Start + fe.Length})
	}
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j-1].start > spans[j].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	newInstrs := make([]Instruction, 0, len(vm.instructions))
	for _, s := range spans {
		newStart := uint32(len(newInstrs))
		newInstrs = append(newInstrs, vm.instructions[s.start:s.end]...)
		vm.locs.rebase(s.start, s.end, s.start-newStart)
		fe := vm.functions[s.funcID]
		fe.Start = newStart
		vm.functions[s.funcID] = fe
	}
	vm.instructions = newInstrs
}

package vm

import (
	"github.com/go-kit/log"
	"github.com/google/uuid"
)

// returnFrame is pushed onto the return stack by CALL and popped by RETURN
// (§3.5, §4.3.3).
type returnFrame struct {
	funcID    uint32
	capture   TableID
	returnIP  uint32
	localsLen int
}

// VM is a single HulaScript instance: its constant pool, compiled
// instruction buffer, function table, value heap and execution stacks all
// live together, matching the tightly coupled compiler/interpreter
// relationship described in §3.6.
type VM struct {
	id uuid.UUID

	// Execution state (§3.5).
	locals        []Value
	localsTop     int
	globals       []Value
	globalsTop    int
	evalStack     []Value
	scratchStack  []Value
	returnStack   []returnFrame
	frameLenStack []int

	heap *heap

	// Constant pool and bytecode (§3.3, §3.4).
	constants     []Value
	constantIndex map[uint64]uint32
	instructions  []Instruction
	functions     []FunctionEntry
	locs          locMap

	literalTables []literalTableTemplate

	globalNames map[string]uint32

	foreignFuncs    []ForeignFunc
	foreignFuncMeta []foreignFuncMeta

	logger log.Logger

	maxLocals  uint32
	maxGlobals uint32
}

type foreignFuncMeta struct {
	name           string
	expectedParams int
}

// literalTableTemplate describes a table whose keys and values are all
// constants, for ALLOCATE_LITERAL (§6). The compiler does not create these
// templates.
type literalTableTemplate struct {
	keys []Value
	vals []Value
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Logger) Option {
	return func(v *VM) { v.logger = l }
}

// New creates an empty VM with no compiled code loaded. maxLocals and
// maxGlobals bound the local/global variable slots probed by
// PROBE_LOCALS/PROBE_GLOBALS; maxHeapValues bounds the value heap (§3.5,
// §4.4).
func New(maxLocals, maxGlobals, maxHeapValues uint32, opts ...Option) *VM {
	v := &VM{
		id:            uuid.New(),
		locals:        make([]Value, maxLocals),
		globals:       make([]Value, maxGlobals),
		heap:          newHeap(maxHeapValues),
		constantIndex: make(map[uint64]uint32),
		globalNames:   make(map[string]uint32),
		logger:        log.NewNopLogger(),
		maxLocals:     maxLocals,
		maxGlobals:    maxGlobals,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ID returns the VM's session identifier, used by the debug surface to
// address a specific instance.
func (vm *VM) ID() uuid.UUID { return vm.id }

// internConstant interns v into the constant pool, returning its index.
// Strings and InternalConstKeyHash values are deduplicated by hash; numbers
// are not, since -0 and 0 must remain distinguishable constants if the
// language ever needs it (they currently don't, but deduplicating numbers
// buys nothing here).
func (vm *VM) internConstant(v Value) uint32 {
	if v.Type() == TypeString || v.Type() == TypeInternalConstKeyHash {
		h := valueHash(v)
		if idx, ok := vm.constantIndex[h]; ok {
			return idx
		}
		idx := uint32(len(vm.constants))
		vm.constants = append(vm.constants, v)
		vm.constantIndex[h] = idx
		return idx
	}
	idx := uint32(len(vm.constants))
	vm.constants = append(vm.constants, v)
	return idx
}

func (vm *VM) internString(s string) Value {
	return stringValue(vm.heap.internString(s))
}

// MakeString interns s into the constant-adjacent string table and returns
// it as a Value, for use by foreign functions that need to hand a string
// back into script code (§7).
func (vm *VM) MakeString(s string) Value { return vm.internString(s) }

// DeclareGlobal reserves a new global slot bound to name and initializes it
// to v, returning false if the name is already declared (§7).
func (vm *VM) DeclareGlobal(name string, v Value) bool {
	if _, exists := vm.globalNames[name]; exists {
		return false
	}
	idx := uint32(vm.globalsTop)
	if int(idx) >= len(vm.globals) {
		return false
	}
	vm.globals[idx] = v
	vm.globalsTop++
	vm.globalNames[name] = idx
	return true
}

// DeclareForeignFunction registers fn under name so script code can call it
// as a global (§7). expectedParams is enforced by CALL before fn runs.
func (vm *VM) DeclareForeignFunction(name string, fn ForeignFunc, expectedParams int) bool {
	id := ForeignFuncID(len(vm.foreignFuncs))
	vm.foreignFuncs = append(vm.foreignFuncs, fn)
	vm.foreignFuncMeta = append(vm.foreignFuncMeta, foreignFuncMeta{name: name, expectedParams: expectedParams})
	return vm.DeclareGlobal(name, foreignFunctionValue(id))
}

// MakeForeignResource wraps handle as a heap-tracked Value. The resource is
// released once it becomes unreachable from a collection's roots (§3.6).
func (vm *VM) MakeForeignResource(handle ForeignResource) Value {
	id := vm.heap.registerForeignResource(handle)
	return foreignResourceValue(id)
}

// MakeForeignFunction wraps fn as a callable Value without declaring it as a
// global, for a ForeignResource's LoadKey to hand back as a bound method
// (e.g. the elem/next pair of an iterator).
func (vm *VM) MakeForeignFunction(fn ForeignFunc, expectedParams int) Value {
	id := ForeignFuncID(len(vm.foreignFuncs))
	vm.foreignFuncs = append(vm.foreignFuncs, fn)
	vm.foreignFuncMeta = append(vm.foreignFuncMeta, foreignFuncMeta{name: "<bound>", expectedParams: expectedParams})
	return foreignFunctionValue(id)
}

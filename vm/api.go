package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueToPrintString renders v the way the REPL echoes a result: numbers in
// their shortest round-tripping form, strings quoted, tables as
// `[e1, e2, ...]` listing element values in slot (insertion) order, closures
// as `closure(func_id=N, capture_table=[...])`, and foreign values by kind
// (resources also by id). Cycles through nested tables render as "<cycle>" rather than
// recursing forever (§6, Testable Properties termination requirement).
func (vm *VM) ValueToPrintString(v Value) string {
	seen := map[TableID]bool{}
	return vm.printValue(v, seen)
}

func (vm *VM) printValue(v Value, seen map[TableID]bool) string {
	switch v.Type() {
	case TypeNil:
		return "nil"
	case TypeNumber:
		return strconv.FormatFloat(v.NumberValue(), 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.StringValue())
	case TypeTable:
		return vm.printTable(v.TableID(), seen)
	case TypeClosure:
		funcID, capture := v.Closure()
		return fmt.Sprintf("closure(func_id=%d, capture_table=%s)", funcID, vm.printTable(capture, seen))
	case TypeForeignResource:
		return fmt.Sprintf("<foreign_resource #%d>", v.ForeignResourceID())
	case TypeForeignFunction, TypeForeignMember:
		return "<foreign_function>"
	default:
		return "<unknown>"
	}
}

// NewArray allocates a table holding vals at consecutive numeric keys
// 0..len(vals)-1, the same dense, zero-based layout ALLOCATE_FIXED and
// array-literal syntax produce, so the result can be passed back into script
// code as an ordinary array table. It has no elem/next members, so a
// `for x in ...` loop cannot iterate it directly.
func (vm *VM) NewArray(vals []Value) (Value, error) {
	id, err := vm.heap.allocateTable(uint32(len(vals)))
	if err != nil {
		vm.collectGarbage(StandardCollect)
		id, err = vm.heap.allocateTable(uint32(len(vals)))
		if err != nil {
			return Nil, newRuntimeError(MemoryError, SourceLoc{}, "out of heap memory allocating array of length %d", len(vals))
		}
	}
	for i, v := range vals {
		if err := vm.heap.storeTableElem(id, Number(float64(i)), v); err != nil {
			return Nil, err
		}
	}
	return tableValue(id), nil
}

// ArrayValues reads back a dense, zero-based array table produced by
// NewArray, an array literal, or ALLOCATE_FIXED: it walks numeric keys
// 0, 1, 2, ... until the first nil or missing slot. v must be a table Value;
// ArrayValues returns nil if it isn't.
func (vm *VM) ArrayValues(v Value) []Value {
	if v.Type() != TypeTable {
		return nil
	}
	id := v.TableID()
	var out []Value
	for i := 0; ; i++ {
		elem := vm.heap.loadTableElem(id, Number(float64(i)))
		if elem.IsNil() {
			return out
		}
		out = append(out, elem)
	}
}

// DisasmLine is one rendered instruction in a function's disassembly.
type DisasmLine struct {
	IP      uint32
	Op      string
	Operand uint32
	Loc     SourceLoc
}

// Disassemble renders every instruction of the named function in source
// order, for the debug surface's /disasm endpoint. It returns an error if
// no function with that name is currently live.
func (vm *VM) Disassemble(name string) ([]DisasmLine, error) {
	for _, fe := range vm.functions {
		if fe.Name != name {
			continue
		}
		lines := make([]DisasmLine, 0, fe.Length)
		for ip := fe.Start; ip < fe.Start+fe.Length; ip++ {
			loc, _ := vm.locs.lookup(ip)
			instr := vm.instructions[ip]
			lines = append(lines, DisasmLine{IP: ip, Op: instr.Op.String(), Operand: instr.Operand, Loc: loc})
		}
		return lines, nil
	}
	return nil, fmt.Errorf("no live function named %q", name)
}

func (vm *VM) printTable(id TableID, seen map[TableID]bool) string {
	if seen[id] {
		return "<cycle>"
	}
	seen[id] = true
	defer delete(seen, id)

	t, ok := vm.heap.tables[id]
	if !ok {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, slot := range vm.heap.sortedTableKeys(id) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(vm.printValue(vm.heap.values[t.block.start+slot], seen))
	}
	sb.WriteByte(']')
	return sb.String()
}

package vm

import "math"

// Execute runs instructions starting at ip until a RETURN unwinds past the
// outermost frame, then returns the value left on the eval stack (§4.3).
// mode selects which kind of collection runs if execution finishes or
// fails; the REPL runs with FinalizeCollectReturn/FinalizeCollectError so
// that memory never grows unbounded across top-level statements.
func (vm *VM) Execute(ip uint32, mode GCMode) (result Value, err error) {
	baseReturnDepth := len(vm.returnStack)

	loc := func(at uint32) SourceLoc {
		l, _ := vm.locs.lookup(at)
		return l
	}

	raise := func(kind RuntimeErrorKind, format string, args ...interface{}) *RuntimeError {
		var re *RuntimeError
		if kind == InternalError {
			re = newInternalError(loc(ip), format, args...)
		} else {
			re = newRuntimeError(kind, loc(ip), format, args...)
		}
		re.Trace = vm.buildTrace(ip)
		return re
	}

	defer func() {
		if err != nil {
			vm.collectGarbage(gcModeForError(mode))
		} else {
			vm.collectGarbage(mode)
		}
	}()

	for {
		if int(ip) >= len(vm.instructions) {
			if len(vm.returnStack) == baseReturnDepth {
				return vm.popEvalOrNil(), nil
			}
			return Nil, raise(InternalError, "fell off the end of the instruction buffer mid-call")
		}
		instr := vm.instructions[ip]

		switch instr.Op {
		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpExp:
			b := vm.popEval()
			a := vm.popEval()
			if a.Type() != TypeNumber || b.Type() != TypeNumber {
				return Nil, raise(UnexpectedType, "arithmetic requires two numbers, got %s and %s", a.Type(), b.Type())
			}
			var r float64
			switch instr.Op {
			case OpAdd:
				r = a.NumberValue() + b.NumberValue()
			case OpSub:
				r = a.NumberValue() - b.NumberValue()
			case OpMul:
				r = a.NumberValue() * b.NumberValue()
			case OpDiv:
				if b.NumberValue() == 0 {
					return Nil, raise(UnexpectedType, "division by zero")
				}
				r = a.NumberValue() / b.NumberValue()
			case OpMod:
				if b.NumberValue() == 0 {
					return Nil, raise(UnexpectedType, "modulo by zero")
				}
				r = math.Mod(a.NumberValue(), b.NumberValue())
			case OpExp:
				r = math.Pow(a.NumberValue(), b.NumberValue())
			}
			vm.pushEval(Number(r))

		case OpLess, OpMore, OpLessEqual, OpMoreEqual:
			b := vm.popEval()
			a := vm.popEval()
			if a.Type() != TypeNumber || b.Type() != TypeNumber {
				return Nil, raise(UnexpectedType, "comparison requires two numbers, got %s and %s", a.Type(), b.Type())
			}
			var r bool
			switch instr.Op {
			case OpLess:
				r = a.NumberValue() < b.NumberValue()
			case OpMore:
				r = a.NumberValue() > b.NumberValue()
			case OpLessEqual:
				r = a.NumberValue() <= b.NumberValue()
			case OpMoreEqual:
				r = a.NumberValue() >= b.NumberValue()
			}
			vm.pushEval(Bool(r))

		case OpEquals:
			b := vm.popEval()
			a := vm.popEval()
			vm.pushEval(Bool(valuesEqual(a, b)))
		case OpNotEquals:
			b := vm.popEval()
			a := vm.popEval()
			vm.pushEval(Bool(!valuesEqual(a, b)))

		case OpAnd:
			b := vm.popEval()
			a := vm.popEval()
			vm.pushEval(Bool(a.Truthy() && b.Truthy()))
		case OpOr:
			b := vm.popEval()
			a := vm.popEval()
			vm.pushEval(Bool(a.Truthy() || b.Truthy()))

		case OpNegate:
			a := vm.popEval()
			if a.Type() != TypeNumber {
				return Nil, raise(UnexpectedType, "cannot negate a %s", a.Type())
			}
			vm.pushEval(Number(-a.NumberValue()))
		case OpNot:
			a := vm.popEval()
			vm.pushEval(Bool(!a.Truthy()))

		case OpLoadLocal:
			vm.pushEval(vm.locals[vm.localsBase()+int(instr.Operand)])
		case OpLoadGlobal:
			vm.pushEval(vm.globals[instr.Operand])
		case OpStoreLocal:
			vm.locals[vm.localsBase()+int(instr.Operand)] = vm.peekEval()
		case OpStoreGlobal:
			vm.globals[instr.Operand] = vm.peekEval()
		case OpDeclLocal, OpDeclToplevelLocal:
			v := vm.popEval()
			vm.locals[vm.localsTop] = v
			vm.localsTop++
		case OpDeclGlobal:
			v := vm.popEval()
			vm.globals[vm.globalsTop] = v
			vm.globalsTop++
		case OpUnwindLocals:
			vm.localsTop -= int(instr.Operand)
		case OpProbeLocals:
			if vm.localsTop+int(instr.Operand) > len(vm.locals) {
				return Nil, raise(MemoryError, "local variable capacity exceeded")
			}
		case OpProbeGlobals:
			if vm.globalsTop+int(instr.Operand) > len(vm.globals) {
				return Nil, raise(MemoryError, "global variable capacity exceeded")
			}

		case OpLoadConstant:
			vm.pushEval(vm.constants[instr.Operand])
		case OpPushNil:
			vm.pushEval(Nil)
		case OpDiscardTop:
			vm.popEval()
		case OpDuplicate:
			vm.pushEval(vm.peekEval())
		case OpPushScratchpad:
			vm.scratchStack = append(vm.scratchStack, vm.popEval())
		case OpPopScratchpad:
			n := len(vm.scratchStack)
			vm.pushEval(vm.scratchStack[n-1])
			vm.scratchStack = vm.scratchStack[:n-1]
		case OpPeekScratchpad:
			vm.pushEval(vm.scratchStack[len(vm.scratchStack)-1])
		case OpReverseScratchpad:
			n := int(instr.Operand)
			s := vm.scratchStack
			for i, j := len(s)-n, len(s)-1; i < j; i, j = i+1, j-1 {
				s[i], s[j] = s[j], s[i]
			}

		case OpLoadTableElem:
			key := vm.popEval()
			container := vm.popEval()
			v, err := vm.loadElem(container, key)
			if err != nil {
				re := err.(*RuntimeError)
				re.Loc = loc(ip)
				re.Trace = vm.buildTrace(ip)
				return Nil, re
			}
			vm.pushEval(v)
		case OpStoreTableElem:
			val := vm.popEval()
			key := vm.popEval()
			container := vm.popEval()
			if err := vm.storeElem(container, key, val); err != nil {
				re := err.(*RuntimeError)
				re.Loc = loc(ip)
				re.Trace = vm.buildTrace(ip)
				return Nil, re
			}
			vm.pushEval(val)

		case OpAllocateDyn:
			id, err := vm.heap.allocateTable(instr.Operand)
			if err != nil {
				vm.collectGarbage(StandardCollect)
				id, err = vm.heap.allocateTable(instr.Operand)
				if err != nil {
					return Nil, raise(MemoryError, "out of heap memory allocating table of capacity %d", instr.Operand)
				}
			}
			vm.pushEval(tableValue(id))
		case OpAllocateFixed:
			n := int(instr.Operand)
			id, err := vm.heap.allocateTable(instr.Operand)
			if err != nil {
				vm.collectGarbage(StandardCollect)
				id, err = vm.heap.allocateTable(instr.Operand)
				if err != nil {
					return Nil, raise(MemoryError, "out of heap memory allocating table of capacity %d", instr.Operand)
				}
			}
			vals := make([]Value, n)
			for i := n - 1; i >= 0; i-- {
				vals[i] = vm.popEval()
			}
			for i, v := range vals {
				if err := vm.heap.storeTableElem(id, Number(float64(i)), v); err != nil {
					return Nil, raise(MemoryError, "%v", err)
				}
			}
			vm.pushEval(tableValue(id))
		case OpAllocateLiteral:
			tmpl := vm.literalTables[instr.Operand]
			id, err := vm.heap.allocateTable(uint32(len(tmpl.keys)))
			if err != nil {
				vm.collectGarbage(StandardCollect)
				id, err = vm.heap.allocateTable(uint32(len(tmpl.keys)))
				if err != nil {
					return Nil, raise(MemoryError, "out of heap memory allocating literal table")
				}
			}
			for i := range tmpl.keys {
				if err := vm.heap.storeTableElem(id, tmpl.keys[i], tmpl.vals[i]); err != nil {
					return Nil, raise(MemoryError, "%v", err)
				}
			}
			vm.pushEval(tableValue(id))

		case OpCondJumpAhead:
			if !vm.popEval().Truthy() {
				ip += instr.Operand
				continue
			}
		case OpJumpAhead:
			ip += instr.Operand
			continue
		case OpCondJumpBack:
			if vm.popEval().Truthy() {
				ip -= instr.Operand
				continue
			}
		case OpJumpBack:
			// The compiler encodes the distance back to the target plus one.
			ip = ip + 1 - instr.Operand
			continue
		case OpIfNilJumpAhead:
			if vm.peekEval().IsNil() {
				ip += instr.Operand
				continue
			}
		case OpIfNotNilJumpAhead:
			if !vm.peekEval().IsNil() {
				ip += instr.Operand
				continue
			}

		case OpFunction:
			ip += instr.Operand
			continue
		case OpFunctionEnd:
			if len(vm.returnStack) == baseReturnDepth {
				return Nil, raise(InternalError, "FUNCTION_END reached outside of a call")
			}
			vm.doReturn(Nil, &ip)
			continue

		case OpMakeClosure:
			capture := vm.popEval()
			vm.pushEval(closureValue(instr.Operand, capture.TableID()))

		case OpCall, OpCallNoCaptureTable:
			argc := int(instr.Operand)
			args := make([]Value, argc)
			for i := argc - 1; i >= 0; i-- {
				args[i] = vm.popEval()
			}
			callee := vm.popEval()
			switch callee.Type() {
			case TypeForeignFunction, TypeForeignMember:
				v, err := vm.callForeign(callee, args)
				if err != nil {
					re, ok := err.(*RuntimeError)
					if !ok {
						re = newRuntimeError(UnexpectedType, loc(ip), "%v", err)
					}
					re.Loc = loc(ip)
					re.Trace = vm.buildTrace(ip)
					return Nil, re
				}
				vm.pushEval(v)
			case TypeClosure:
				funcID, capture := callee.Closure()
				fe := vm.functions[funcID]
				expected := fe.ParamCount
				if instr.Op == OpCallNoCaptureTable {
					// CALL_NO_CAPTURE_TABLE is only ever emitted for a class
					// constructor wrapper invoking construct, where self
					// arrives as an ordinary positional argument (§4.2.9).
					expected++
				}
				if expected != argc {
					return Nil, raise(ArgumentCountMismatch, "%s expects %d arguments, got %d", fe.Name, expected, argc)
				}
				vm.returnStack = append(vm.returnStack, returnFrame{
					funcID:    funcID,
					capture:   capture,
					returnIP:  ip + 1,
					localsLen: vm.localsTop,
				})
				vm.frameLenStack = append(vm.frameLenStack, vm.localsTop)
				if instr.Op == OpCall {
					vm.locals[vm.localsTop] = tableValue(capture)
					vm.localsTop++
				}
				for _, a := range args {
					vm.locals[vm.localsTop] = a
					vm.localsTop++
				}
				ip = fe.Start
				continue
			default:
				return Nil, raise(UnexpectedType, "cannot call a %s", callee.Type())
			}

		case OpReturn:
			v := vm.popEvalOrNil()
			if len(vm.returnStack) == baseReturnDepth {
				return v, nil
			}
			vm.doReturn(v, &ip)
			continue

		default:
			return Nil, raise(InternalError, "unknown opcode %s", instr.Op)
		}

		ip++
	}
}

func gcModeForError(mode GCMode) GCMode {
	if mode == StandardCollect {
		return StandardCollect
	}
	return FinalizeCollectError
}

func (vm *VM) doReturn(v Value, ip *uint32) {
	n := len(vm.returnStack)
	fr := vm.returnStack[n-1]
	vm.returnStack = vm.returnStack[:n-1]
	vm.frameLenStack = vm.frameLenStack[:len(vm.frameLenStack)-1]
	vm.localsTop = fr.localsLen
	*ip = fr.returnIP
	vm.pushEval(v)
}

func (vm *VM) localsBase() int {
	if n := len(vm.frameLenStack); n > 0 {
		return vm.frameLenStack[n-1]
	}
	return 0
}

func (vm *VM) pushEval(v Value) { vm.evalStack = append(vm.evalStack, v) }

func (vm *VM) popEval() Value {
	n := len(vm.evalStack)
	v := vm.evalStack[n-1]
	vm.evalStack = vm.evalStack[:n-1]
	return v
}

func (vm *VM) popEvalOrNil() Value {
	if len(vm.evalStack) == 0 {
		return Nil
	}
	return vm.popEval()
}

func (vm *VM) peekEval() Value { return vm.evalStack[len(vm.evalStack)-1] }

func (vm *VM) loadElem(container, key Value) (Value, error) {
	switch container.Type() {
	case TypeTable:
		return vm.heap.loadTableElem(container.TableID(), key), nil
	case TypeForeignResource:
		e, ok := vm.heap.foreignResources[container.ForeignResourceID()]
		if !ok || !e.alive {
			return Nil, newRuntimeError(ForeignResourceError, SourceLoc{}, "use of a released foreign resource")
		}
		v, err := e.resource.LoadKey(key, vm)
		if err != nil {
			return Nil, newRuntimeError(ForeignResourceError, SourceLoc{}, "%v", err)
		}
		return v, nil
	default:
		return Nil, newRuntimeError(UnexpectedType, SourceLoc{}, "cannot index a %s", container.Type())
	}
}

func (vm *VM) storeElem(container, key, val Value) error {
	switch container.Type() {
	case TypeTable:
		return vm.heap.storeTableElem(container.TableID(), key, val)
	case TypeForeignResource:
		e, ok := vm.heap.foreignResources[container.ForeignResourceID()]
		if !ok || !e.alive {
			return newRuntimeError(ForeignResourceError, SourceLoc{}, "use of a released foreign resource")
		}
		if err := e.resource.StoreKey(key, val, vm); err != nil {
			return newRuntimeError(ForeignResourceError, SourceLoc{}, "%v", err)
		}
		return nil
	default:
		return newRuntimeError(UnexpectedType, SourceLoc{}, "cannot index a %s", container.Type())
	}
}

func (vm *VM) callForeign(callee Value, args []Value) (Value, error) {
	var fnID ForeignFuncID
	switch callee.Type() {
	case TypeForeignFunction:
		fnID = callee.fnID
	case TypeForeignMember:
		fnID = callee.fnID
	}
	meta := vm.foreignFuncMeta[fnID]
	if meta.expectedParams >= 0 && len(args) != meta.expectedParams {
		return Nil, newRuntimeError(ArgumentCountMismatch, SourceLoc{}, "%s expects %d arguments, got %d", meta.name, meta.expectedParams, len(args))
	}
	return vm.foreignFuncs[fnID](args, vm)
}

// buildTrace walks the return stack to render a language-level stack trace
// alongside the failing instruction's own location.
func (vm *VM) buildTrace(failIP uint32) []StackFrame {
	locs := make([]SourceLoc, 0, len(vm.returnStack)+1)
	if l, ok := vm.locs.lookup(failIP); ok {
		locs = append(locs, l)
	}
	for i := len(vm.returnStack) - 1; i >= 0; i-- {
		if l, ok := vm.locs.lookup(vm.returnStack[i].returnIP - 1); ok {
			locs = append(locs, l)
		}
	}
	return collapseTrace(locs)
}

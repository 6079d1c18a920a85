package vm

import "testing"

func runRepl(t *testing.T, src string) Value {
	t.Helper()
	v := New(64, 64, 4096)
	comp := NewCompiler(v)
	if err := comp.Compile("<test>", src, true); err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	result, err := v.Execute(0, FinalizeCollectReturn)
	if err != nil {
		t.Fatalf("execute %q: %v", src, err)
	}
	return result
}

func TestArithmeticPrecedence(t *testing.T) {
	result := runRepl(t, "2 + 3 * 4")
	if result.Type() != TypeNumber || result.NumberValue() != 14 {
		t.Fatalf("got %v, want 14", result.NumberValue())
	}
}

func TestGlobalDeclAndUse(t *testing.T) {
	result := runRepl(t, "global x = 10\nx * 2")
	if result.NumberValue() != 20 {
		t.Fatalf("got %v, want 20", result.NumberValue())
	}
}

func TestIfElseExpr(t *testing.T) {
	result := runRepl(t, "if 1 < 2 then 100 else 200")
	if result.NumberValue() != 100 {
		t.Fatalf("got %v, want 100", result.NumberValue())
	}
}

func TestWhileLoopAccumulates(t *testing.T) {
	src := `global i = 0
global sum = 0
while i < 5 {
	sum = sum + i
	i = i + 1
}
sum`
	result := runRepl(t, src)
	if result.NumberValue() != 10 {
		t.Fatalf("got %v, want 10", result.NumberValue())
	}
}

func TestFunctionCallReturnsValue(t *testing.T) {
	src := `function square(n) {
	return n * n
}
square(7)`
	result := runRepl(t, src)
	if result.NumberValue() != 49 {
		t.Fatalf("got %v, want 49", result.NumberValue())
	}
}

func TestTableLiteralAndFieldAccess(t *testing.T) {
	src := `global point = { {"x", 3}, {"y", 4} }
point.x * point.x + point.y * point.y`
	result := runRepl(t, src)
	if result.NumberValue() != 25 {
		t.Fatalf("got %v, want 25", result.NumberValue())
	}
}

func TestTableFieldAssignment(t *testing.T) {
	src := `global point = { {"x", 1}, {"y", 2} }
point.x = 99
point.x`
	result := runRepl(t, src)
	if result.NumberValue() != 99 {
		t.Fatalf("got %v, want 99", result.NumberValue())
	}
}

func TestTableLiteralWithComputedKeys(t *testing.T) {
	src := `global k = "y"
global point = { {"x", 1}, {k, 2} }
point.y`
	result := runRepl(t, src)
	if result.NumberValue() != 2 {
		t.Fatalf("got %v, want 2", result.NumberValue())
	}
}

// testRangeIter mirrors the mathfn range() iterator (elem/next protocol,
// inclusive of max) so for-loop tests can exercise it without stdlib/mathfn,
// which imports this package and would otherwise create an import cycle.
type testRangeIter struct {
	cur, max, step float64
	elemFn, nextFn Value
	self           Value
}

func testRangeExhausted(cur, max, step float64) bool {
	if step >= 0 {
		return cur > max
	}
	return cur < max
}

func newTestRangeIter(ctx *VM, start, max, step float64) Value {
	r := &testRangeIter{cur: start, max: max, step: step}
	r.elemFn = ctx.MakeForeignFunction(func(args []Value, ctx *VM) (Value, error) {
		return Number(r.cur), nil
	}, 0)
	r.nextFn = ctx.MakeForeignFunction(func(args []Value, ctx *VM) (Value, error) {
		r.cur += r.step
		if testRangeExhausted(r.cur, r.max, r.step) {
			return Nil, nil
		}
		return r.self, nil
	}, 0)
	r.self = ctx.MakeForeignResource(r)
	return r.self
}

func (r *testRangeIter) LoadKey(key Value, ctx *VM) (Value, error) {
	if key.Type() != TypeString {
		return Nil, nil
	}
	switch key.StringValue() {
	case "elem":
		return r.elemFn, nil
	case "next":
		return r.nextFn, nil
	}
	return Nil, nil
}

func (r *testRangeIter) StoreKey(key, val Value, ctx *VM) error { return nil }

func (r *testRangeIter) Release() {}

func declareTestRange(v *VM) {
	v.DeclareForeignFunction("range", func(args []Value, ctx *VM) (Value, error) {
		start := args[0].NumberValue()
		max := args[1].NumberValue()
		step := args[2].NumberValue()
		if testRangeExhausted(start, max, step) {
			return Nil, nil
		}
		return newTestRangeIter(ctx, start, max, step), nil
	}, 3)
}

func TestForLoopOverRange(t *testing.T) {
	src := `global s = 0
for x in range(0, 5, 1) {
	s = s + x
}
s`
	v := New(64, 64, 4096)
	declareTestRange(v)
	comp := NewCompiler(v)
	if err := comp.Compile("<test>", src, true); err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	result, err := v.Execute(0, FinalizeCollectReturn)
	if err != nil {
		t.Fatalf("execute %q: %v", src, err)
	}
	if result.NumberValue() != 15 {
		t.Fatalf("got %v, want 15", result.NumberValue())
	}
}

func TestForLoopBreakAndContinue(t *testing.T) {
	src := `global s = 0
for x in range(0, 10, 1) {
	if x == 3 {
		continue
	}
	if x == 6 {
		break
	}
	s = s + x
}
s`
	v := New(64, 64, 4096)
	declareTestRange(v)
	comp := NewCompiler(v)
	if err := comp.Compile("<test>", src, true); err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	result, err := v.Execute(0, FinalizeCollectReturn)
	if err != nil {
		t.Fatalf("execute %q: %v", src, err)
	}
	// 0+1+2+4+5 = 12
	if result.NumberValue() != 12 {
		t.Fatalf("got %v, want 12", result.NumberValue())
	}
}

func TestClosureCapturesOuterLocal(t *testing.T) {
	src := `function make_adder(a) {
	function inner(b) {
		return a + b
	}
	return inner
}
make_adder(3)(4)`
	result := runRepl(t, src)
	if result.NumberValue() != 7 {
		t.Fatalf("got %v, want 7", result.NumberValue())
	}
}

func TestClosureCapturesAreIndependentPerCall(t *testing.T) {
	src := `function make_adder(a) {
	function inner(b) {
		return a + b
	}
	return inner
}
global add3 = make_adder(3)
global add3again = make_adder(3)
add3(4) + add3again(5)`
	result := runRepl(t, src)
	if result.NumberValue() != 15 {
		t.Fatalf("got %v, want 15 (7 + 8)", result.NumberValue())
	}
}

func TestAssigningToCapturedVariableFails(t *testing.T) {
	v := New(64, 64, 4096)
	comp := NewCompiler(v)
	src := `function make_adder(a) {
	function inner(b) {
		a = a + b
		return a
	}
	return inner
}`
	err := comp.Compile("<test>", src, true)
	if err == nil {
		t.Fatalf("expected a compile error assigning to a captured variable")
	}
}

func TestClassConstructorAndMethod(t *testing.T) {
	src := `class P x y
function distance() {
	return (self.x ^ 2 + self.y ^ 2) ^ 0.5
}
end
P(3, 4).distance()`
	result := runRepl(t, src)
	if result.NumberValue() != 5 {
		t.Fatalf("got %v, want 5", result.NumberValue())
	}
}

func TestClassWithDefaultPropertyAndConstruct(t *testing.T) {
	src := `class Counter n = 0
function construct(start) {
	self.n = start
}
function bump() {
	self.n = self.n + 1
	return self.n
}
end
global c = Counter(10)
c.bump()
c.bump()`
	result := runRepl(t, src)
	if result.NumberValue() != 12 {
		t.Fatalf("got %v, want 12", result.NumberValue())
	}
}

func TestDivisionByZeroRaisesRuntimeError(t *testing.T) {
	v := New(64, 64, 4096)
	comp := NewCompiler(v)
	if err := comp.Compile("<test>", "1 / 0", true); err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err := v.Execute(0, FinalizeCollectError)
	if err == nil {
		t.Fatalf("expected a runtime error")
	}
	re, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("expected *RuntimeError, got %T", err)
	}
	if re.Kind != UnexpectedType {
		t.Fatalf("got kind %v", re.Kind)
	}
}

package mathfn

import (
	"testing"

	"github.com/hulascript/hulascript/vm"
)

func run(t *testing.T, src string) vm.Value {
	t.Helper()
	v := vm.New(64, 64, 4096)
	if err := Register(v); err != nil {
		t.Fatalf("register: %v", err)
	}
	comp := vm.NewCompiler(v)
	if err := comp.Compile("<test>", src, true); err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	result, err := v.Execute(0, vm.FinalizeCollectReturn)
	if err != nil {
		t.Fatalf("execute %q: %v", src, err)
	}
	return result
}

func TestSumOverArrayLiteral(t *testing.T) {
	result := run(t, "sum([1, 2, 3, 4])")
	if result.NumberValue() != 10 {
		t.Fatalf("got %v, want 10", result.NumberValue())
	}
}

func TestIotaBuildsAscendingArray(t *testing.T) {
	result := run(t, "sum(iota(5))")
	if result.NumberValue() != 10 {
		t.Fatalf("got %v, want 10 (0+1+2+3+4)", result.NumberValue())
	}
}

func TestDotProduct(t *testing.T) {
	result := run(t, "dot([1, 2, 3], [4, 5, 6])")
	if result.NumberValue() != 32 {
		t.Fatalf("got %v, want 32", result.NumberValue())
	}
}

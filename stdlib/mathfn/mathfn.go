// Package mathfn exposes array-reduction primitives as HulaScript foreign
// functions, adapted from a sibling example repo's array-programming
// helpers for typed numeric arrays: sum, iota and dot product, ported from
// operating on a Go slice to operating on a dense, zero-based HulaScript
// array table.
package mathfn

import (
	"fmt"

	"github.com/hulascript/hulascript/vm"
)

// Register declares sum, iota, dot and range for script code.
func Register(v *vm.VM) error {
	if !v.DeclareForeignFunction("sum", sum, 1) {
		return fmt.Errorf("mathfn: sum already declared")
	}
	if !v.DeclareForeignFunction("iota", iotaFn, 1) {
		return fmt.Errorf("mathfn: iota already declared")
	}
	if !v.DeclareForeignFunction("dot", dot, 2) {
		return fmt.Errorf("mathfn: dot already declared")
	}
	if !v.DeclareForeignFunction("range", rangeFn, 3) {
		return fmt.Errorf("mathfn: range already declared")
	}
	return nil
}

func sum(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
	elems := ctx.ArrayValues(args[0])
	if elems == nil && args[0].Type() != vm.TypeTable {
		return vm.Nil, fmt.Errorf("sum expects an array, got %s", args[0].Type())
	}
	var total float64
	for _, e := range elems {
		if e.Type() != vm.TypeNumber {
			return vm.Nil, fmt.Errorf("sum expects an array of numbers, got %s", e.Type())
		}
		total += e.NumberValue()
	}
	return vm.Number(total), nil
}

// iotaFn builds the array [0, 1, ..., n-1] (J-style iota).
func iotaFn(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
	if args[0].Type() != vm.TypeNumber {
		return vm.Nil, fmt.Errorf("iota expects a number, got %s", args[0].Type())
	}
	n := int(args[0].NumberValue())
	if n < 0 {
		return vm.Nil, fmt.Errorf("iota expects a non-negative length, got %d", n)
	}
	vals := make([]vm.Value, n)
	for i := range vals {
		vals[i] = vm.Number(float64(i))
	}
	return ctx.NewArray(vals)
}

// dot computes the dot product of two equal-length numeric arrays.
func dot(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
	a := ctx.ArrayValues(args[0])
	b := ctx.ArrayValues(args[1])
	if len(a) != len(b) {
		return vm.Nil, fmt.Errorf("dot expects two arrays of equal length, got %d and %d", len(a), len(b))
	}
	var total float64
	for i := range a {
		if a[i].Type() != vm.TypeNumber || b[i].Type() != vm.TypeNumber {
			return vm.Nil, fmt.Errorf("dot expects arrays of numbers")
		}
		total += a[i].NumberValue() * b[i].NumberValue()
	}
	return vm.Number(total), nil
}

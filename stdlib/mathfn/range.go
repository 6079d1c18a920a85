package mathfn

import "github.com/hulascript/hulascript/vm"

// rangeIter backs the range(start, max, step) iterator: a foreign resource
// exposing the elem/next protocol consumed by a for loop, inclusive of max.
type rangeIter struct {
	cur, max, step float64
	elemFn, nextFn vm.Value
	self           vm.Value
}

func rangeExhausted(cur, max, step float64) bool {
	switch {
	case step == 0:
		return true
	case step > 0:
		return cur > max
	default:
		return cur < max
	}
}

func newRangeIter(ctx *vm.VM, start, max, step float64) vm.Value {
	r := &rangeIter{cur: start, max: max, step: step}
	r.elemFn = ctx.MakeForeignFunction(func(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
		return vm.Number(r.cur), nil
	}, 0)
	r.nextFn = ctx.MakeForeignFunction(func(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
		r.cur += r.step
		if rangeExhausted(r.cur, r.max, r.step) {
			return vm.Nil, nil
		}
		return r.self, nil
	}, 0)
	r.self = ctx.MakeForeignResource(r)
	return r.self
}

func (r *rangeIter) LoadKey(key vm.Value, ctx *vm.VM) (vm.Value, error) {
	if key.Type() != vm.TypeString {
		return vm.Nil, nil
	}
	switch key.StringValue() {
	case "elem":
		return r.elemFn, nil
	case "next":
		return r.nextFn, nil
	}
	return vm.Nil, nil
}

func (r *rangeIter) StoreKey(key, val vm.Value, ctx *vm.VM) error { return nil }

func (r *rangeIter) Release() {}

// rangeFn implements range(start, max, step), inclusive of max.
func rangeFn(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
	start := args[0].NumberValue()
	max := args[1].NumberValue()
	step := args[2].NumberValue()
	if rangeExhausted(start, max, step) {
		return vm.Nil, nil
	}
	return newRangeIter(ctx, start, max, step), nil
}

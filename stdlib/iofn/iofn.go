// Package iofn registers the baseline foreign functions every host normally
// wants available: printing values and formatting them as strings, both
// built directly on (*vm.VM).ValueToPrintString.
package iofn

import (
	"fmt"
	"io"

	"github.com/hulascript/hulascript/vm"
)

// Register declares print/tostring against w, returning an error only if a
// name collides with something already declared.
func Register(v *vm.VM, w io.Writer) error {
	if !v.DeclareForeignFunction("print", func(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
		for i, a := range args {
			if i > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprint(w, ctx.ValueToPrintString(a))
		}
		fmt.Fprintln(w)
		return vm.Nil, nil
	}, -1) {
		return fmt.Errorf("iofn: print already declared")
	}
	if !v.DeclareForeignFunction("tostring", func(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
		if len(args) != 1 {
			return vm.Nil, fmt.Errorf("tostring expects 1 argument, got %d", len(args))
		}
		return ctx.MakeString(ctx.ValueToPrintString(args[0])), nil
	}, 1) {
		return fmt.Errorf("iofn: tostring already declared")
	}
	return nil
}

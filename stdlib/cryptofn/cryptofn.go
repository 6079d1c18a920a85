// Package cryptofn exposes hashing primitives from golang.org/x/crypto as
// HulaScript foreign functions, grounded on the same dependency the wider
// example corpus reaches for whenever script-level hashing is needed.
package cryptofn

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/hulascript/hulascript/vm"
)

// Register declares sha3_256 and blake2b_256, each taking a single string
// argument and returning its lowercase hex digest as a string.
func Register(v *vm.VM) error {
	if !v.DeclareForeignFunction("sha3_256", hashFn(func(b []byte) []byte {
		h := sha3.Sum256(b)
		return h[:]
	}), 1) {
		return fmt.Errorf("cryptofn: sha3_256 already declared")
	}
	if !v.DeclareForeignFunction("blake2b_256", hashFn(func(b []byte) []byte {
		h := blake2b.Sum256(b)
		return h[:]
	}), 1) {
		return fmt.Errorf("cryptofn: blake2b_256 already declared")
	}
	return nil
}

func hashFn(sum func([]byte) []byte) vm.ForeignFunc {
	return func(args []vm.Value, ctx *vm.VM) (vm.Value, error) {
		if args[0].Type() != vm.TypeString {
			return vm.Nil, fmt.Errorf("expected a string argument, got %s", args[0].Type())
		}
		digest := sum([]byte(args[0].StringValue()))
		return ctx.MakeString(hex.EncodeToString(digest)), nil
	}
}

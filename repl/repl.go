// Package repl implements the brace-balance buffering front end described
// alongside the interpreter: a line at a time is fed in, and only once
// parentheses/braces/brackets balance does a Compile+Execute round actually
// run (per the interpreter's top-level REPL contract). Keyword-delimited
// blocks such as `class ... end` are not counted.
package repl

import (
	"strings"

	"github.com/hulascript/hulascript/vm"
)

// Repl accumulates input lines until they form a balanced, compilable
// top-level statement sequence.
type Repl struct {
	VM   *vm.VM
	comp *vm.Compiler

	buf   strings.Builder
	depth int
	lineN int
}

// New wraps an existing VM. The caller owns the VM's lifetime and any
// globals/foreign functions it has already declared.
func New(v *vm.VM) *Repl {
	return &Repl{VM: v, comp: vm.NewCompiler(v)}
}

// WriteInput appends one line of input. It returns ready=true once the
// accumulated buffer is balanced and should be handed to Run.
func (r *Repl) WriteInput(line string) (ready bool, err error) {
	r.lineN++
	r.buf.WriteString(line)
	r.buf.WriteByte('\n')
	r.depth += braceDelta(line)
	if r.depth < 0 {
		r.depth = 0
	}
	return r.depth == 0, nil
}

func braceDelta(line string) int {
	delta := 0
	inString := byte(0)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inString != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == inString {
				inString = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inString = ch
		case '{', '(', '[':
			delta++
		case '}', ')', ']':
			delta--
		}
	}
	return delta
}

// Run compiles and executes everything accumulated since the last Run, then
// resets the buffer. It returns the value of a trailing top-level
// expression statement, or Nil if the input ended in a declaration.
func (r *Repl) Run() (vm.Value, error) {
	src := r.buf.String()
	r.buf.Reset()
	r.depth = 0
	if strings.TrimSpace(src) == "" {
		return vm.Nil, nil
	}
	if err := r.comp.Compile("<repl>", src, true); err != nil {
		return vm.Nil, err
	}
	return r.VM.Execute(r.comp.LastCompileStart(), vm.FinalizeCollectReturn)
}

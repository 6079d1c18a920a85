package vm

import (
	"fmt"
	"strings"

	gostack "github.com/go-stack/stack"
)

// RuntimeErrorKind enumerates the disjoint ways Execute can fail.
type RuntimeErrorKind int

const (
	UnexpectedType RuntimeErrorKind = iota
	ArgumentCountMismatch
	MemoryError
	InternalError
	ForeignResourceError
)

var runtimeErrorKindNames = [...]string{
	UnexpectedType:        "unexpected type",
	ArgumentCountMismatch: "argument count mismatch",
	MemoryError:           "memory",
	InternalError:         "internal error",
	ForeignResourceError:  "foreign resource error",
}

func (k RuntimeErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(runtimeErrorKindNames) {
		return runtimeErrorKindNames[k]
	}
	return fmt.Sprintf("RuntimeErrorKind(%d)", int(k))
}

// StackFrame is one (possibly repeated) entry in a rendered runtime stack
// trace.
type StackFrame struct {
	Loc   SourceLoc
	Count int
}

// RuntimeError is raised by Execute. It always carries the source location
// of the failing instruction and, when raised mid-call, a stack trace
// walked from the return_stack.
type RuntimeError struct {
	Kind    RuntimeErrorKind
	Message string
	Loc     SourceLoc
	Trace   []StackFrame

	// goTrace is populated only for InternalError: a Go-level call stack
	// captured at the point of the assertion, useful when debugging the
	// interpreter itself. It is never part of the language's own notion of
	// a stack trace.
	goTrace gostack.CallStack
}

func (e *RuntimeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s", e.Kind)
	if e.Message != "" {
		fmt.Fprintf(&sb, ": %s", e.Message)
	}
	fmt.Fprintf(&sb, " (at %s)", e.Loc)
	for _, frame := range e.Trace {
		if frame.Count > 1 {
			fmt.Fprintf(&sb, "\n  at %s (%d times)", frame.Loc, frame.Count)
		} else {
			fmt.Fprintf(&sb, "\n  at %s", frame.Loc)
		}
	}
	if e.goTrace != nil {
		fmt.Fprintf(&sb, "\n%+v", e.goTrace)
	}
	return sb.String()
}

func newRuntimeError(kind RuntimeErrorKind, loc SourceLoc, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...), Loc: loc}
}

// newInternalError additionally captures the Go call stack of the caller,
// skipping the assertion helper itself.
func newInternalError(loc SourceLoc, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{
		Kind:    InternalError,
		Message: fmt.Sprintf(format, args...),
		Loc:     loc,
		goTrace: gostack.Trace().TrimBelow(gostack.Caller(1)).TrimRuntime(),
	}
}

// collapseTrace builds the rendered trace from a list of raw locations,
// collapsing runs of identical consecutive frames into one entry with a
// count, per §External Interfaces.
func collapseTrace(locs []SourceLoc) []StackFrame {
	var out []StackFrame
	for _, loc := range locs {
		if n := len(out); n > 0 && out[n-1].Loc == loc {
			out[n-1].Count++
			continue
		}
		out = append(out, StackFrame{Loc: loc, Count: 1})
	}
	return out
}

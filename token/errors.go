package token

import "fmt"

// CompileErrorKind enumerates the disjoint reasons a tokenize or compile
// step can fail. The same taxonomy is shared by the tokenizer and the
// compiler, mirroring how closely those two stages cooperate.
type CompileErrorKind int

const (
	CannotParseNumber CompileErrorKind = iota
	InvalidControlChar
	UnexpectedChar
	UnexpectedEof
	UnexpectedToken
	UnexpectedValue
	UnexpectedStatement
	SymbolNotFound
	SymbolAlreadyExists
	CannotSetCaptured
	CannotCaptureVar
)

var compileErrorKindNames = [...]string{
	CannotParseNumber:   "cannot parse number",
	InvalidControlChar:  "invalid control character",
	UnexpectedChar:      "unexpected character",
	UnexpectedEof:       "unexpected end of source",
	UnexpectedToken:     "unexpected token",
	UnexpectedValue:     "unexpected value",
	UnexpectedStatement: "unexpected statement",
	SymbolNotFound:      "symbol not found",
	SymbolAlreadyExists: "symbol already exists",
	CannotSetCaptured:   "cannot assign to captured variable",
	CannotCaptureVar:    "cannot capture variable from class method",
}

func (k CompileErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(compileErrorKindNames) {
		return compileErrorKindNames[k]
	}
	return fmt.Sprintf("CompileErrorKind(%d)", int(k))
}

// CompileError is raised by the tokenizer or the compiler. It always carries
// the source location of the offending token.
type CompileError struct {
	Kind    CompileErrorKind
	Message string
	Pos     Position
}

func (e *CompileError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.Pos)
	}
	return fmt.Sprintf("%s (at %s)", e.Kind, e.Pos)
}

// NewCompileError builds a CompileError with no extra message.
func NewCompileError(kind CompileErrorKind, pos Position) *CompileError {
	return &CompileError{Kind: kind, Pos: pos}
}

// NewCompileErrorf builds a CompileError with a formatted message.
func NewCompileErrorf(kind CompileErrorKind, pos Position, format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...), Pos: pos}
}

package vm

import (
	"strconv"

	"github.com/hulascript/hulascript/lexer"
	"github.com/hulascript/hulascript/token"
)

// scope tracks the locals declared within one lexical block, so UNWIND_LOCALS
// can drop them all when the block ends (§4.2.1).
type scope struct {
	names []string
}

// loopCtx records the patch points a BREAK/CONTINUE inside the current loop
// needs to jump to (§4.2.8).
type loopCtx struct {
	breakJumps    []uint32
	continueStart uint32
}

// funcCtx tracks compile-time bookkeeping for the function currently being
// compiled, or for the implicit top-level frame when len==1 in the
// compiler's frame stack (§4.2.1, §4.2.6).
//
// Local 0 of every non-top-level frame is reserved: for an ordinary function
// literal it is the capture table populated at MAKE_CLOSURE time from
// capturedNames and is never named in nameIndex; for a class method it is
// "self", declared as an ordinary named param instead (isMethod is set, and
// capturing from a method frame is rejected outright, §4.2.3, §4.2.9).
type funcCtx struct {
	funcID     uint32
	scopes     []scope
	nameIndex  map[string]int
	localCount int
	maxLocals  int

	capturedNames []string
	capturedSet   map[string]bool

	isMethod   bool
	className  string
	classProps map[string]bool
}

func newFuncCtx(funcID uint32) *funcCtx {
	return &funcCtx{funcID: funcID, nameIndex: map[string]int{}, capturedSet: map[string]bool{}, scopes: []scope{{}}}
}

// Compiler performs a single pass over a token stream, emitting bytecode
// directly with no intermediate AST (§4.2).
type Compiler struct {
	vm *VM

	toks []token.Token
	pos  int

	frames    []*funcCtx
	loopStack []*loopCtx
	replMode  bool

	maxInstrSnapshot uint32
	maxConstSnapshot int
	maxGlobalsBefore int
}

// NewCompiler returns a compiler that appends to vm's existing bytecode and
// constant pool, so successive REPL statements share one instruction
// buffer (§4.5).
func NewCompiler(vm *VM) *Compiler {
	return &Compiler{vm: vm, frames: []*funcCtx{newFuncCtx(0)}}
}

// Compile tokenizes src and compiles it into vm's instruction buffer,
// appending after whatever is already there. In replMode a trailing
// expression statement's value is left on the eval stack instead of being
// discarded (§4.2.7, §4.5).
func (c *Compiler) Compile(filename, src string, replMode bool) error {
	l := lexer.New(filename, src)
	toks, err := l.Tokenize()
	if err != nil {
		return err
	}
	c.toks = toks
	c.pos = 0
	c.replMode = replMode

	c.maxInstrSnapshot = uint32(len(c.vm.instructions))
	c.maxConstSnapshot = len(c.vm.constants)
	c.maxGlobalsBefore = c.vm.globalsTop

	if err := c.compileBlock(token.EOF); err != nil {
		c.rollback()
		return err
	}
	return nil
}

// rollback discards everything compiled during a failed Compile call so a
// REPL session can keep accepting input after a compile error (§4.2.10).
func (c *Compiler) rollback() {
	c.vm.instructions = c.vm.instructions[:c.maxInstrSnapshot]
	c.vm.constants = c.vm.constants[:c.maxConstSnapshot]
	c.vm.globalsTop = c.maxGlobalsBefore
	c.vm.locs.truncateAfter(c.maxInstrSnapshot)
}

// LastCompileStart returns the instruction offset where the most recent
// Compile call began appending, so a caller running top-level code
// incrementally (the REPL) knows where to resume Execute (§4.5).
func (c *Compiler) LastCompileStart() uint32 { return c.maxInstrSnapshot }

func (c *Compiler) cur() token.Token { return c.toks[c.pos] }
func (c *Compiler) peekType(n int) token.Type {
	if c.pos+n >= len(c.toks) {
		return token.EOF
	}
	return c.toks[c.pos+n].Type
}
func (c *Compiler) advance() token.Token {
	t := c.toks[c.pos]
	if c.pos < len(c.toks)-1 {
		c.pos++
	}
	return t
}
func (c *Compiler) check(tt token.Type) bool { return c.cur().Type == tt }
func (c *Compiler) match(tt token.Type) bool {
	if c.check(tt) {
		c.advance()
		return true
	}
	return false
}
func (c *Compiler) expect(tt token.Type) (token.Token, error) {
	if !c.check(tt) {
		return token.Token{}, token.NewCompileErrorf(token.UnexpectedToken, c.cur().Pos,
			"expected %s, got %s", tt, c.cur().Type)
	}
	return c.advance(), nil
}

func (c *Compiler) emit(op Opcode, operand uint32) uint32 {
	ip := uint32(len(c.vm.instructions))
	c.vm.instructions = append(c.vm.instructions, Instruction{Op: op, Operand: operand})
	c.vm.locs.record(ip, c.cur().Pos)
	return ip
}

func (c *Compiler) patchOperand(ip uint32, operand uint32) { c.vm.instructions[ip].Operand = operand }
func (c *Compiler) here() uint32                           { return uint32(len(c.vm.instructions)) }
func (c *Compiler) frame() *funcCtx                        { return c.frames[len(c.frames)-1] }
func (c *Compiler) atTopLevel() bool                        { return len(c.frames) == 1 }

// ---- declarations & scopes --------------------------------------------------

func (c *Compiler) declareLocal(name string) int {
	fc := c.frame()
	idx := fc.localCount
	fc.localCount++
	if fc.localCount > fc.maxLocals {
		fc.maxLocals = fc.localCount
	}
	fc.nameIndex[name] = idx
	fc.scopes[len(fc.scopes)-1].names = append(fc.scopes[len(fc.scopes)-1].names, name)
	if c.atTopLevel() {
		c.emit(OpDeclToplevelLocal, 0)
	} else {
		c.emit(OpDeclLocal, 0)
	}
	return idx
}

// declareParam reserves a local slot for a function parameter without
// emitting a DECL_LOCAL: CALL places argument values directly into the new
// frame's locals, so there is nothing left on the eval stack to pop
// (§4.3.3).
func (c *Compiler) declareParam(name string) int {
	fc := c.frame()
	idx := fc.localCount
	fc.localCount++
	if fc.localCount > fc.maxLocals {
		fc.maxLocals = fc.localCount
	}
	fc.nameIndex[name] = idx
	fc.scopes[len(fc.scopes)-1].names = append(fc.scopes[len(fc.scopes)-1].names, name)
	return idx
}

// reserveCaptureSlot reserves local 0 of the current frame for an ordinary
// function literal's capture table. It is never named, so it is only
// reachable through emitCaptureLoad from a nested frame (§4.2.6).
func (c *Compiler) reserveCaptureSlot() {
	fc := c.frame()
	fc.localCount++
	if fc.localCount > fc.maxLocals {
		fc.maxLocals = fc.localCount
	}
}

func (c *Compiler) pushScope() { fc := c.frame(); fc.scopes = append(fc.scopes, scope{}) }

func (c *Compiler) popScope() {
	fc := c.frame()
	n := len(fc.scopes)
	s := fc.scopes[n-1]
	fc.scopes = fc.scopes[:n-1]
	if len(s.names) > 0 {
		c.emit(OpUnwindLocals, uint32(len(s.names)))
		fc.localCount -= len(s.names)
		for _, name := range s.names {
			delete(fc.nameIndex, name)
		}
	}
}

// ---- statements -------------------------------------------------------------

func (c *Compiler) compileBlock(end token.Type) error {
	for !c.check(end) && !c.check(token.EOF) {
		if err := c.compileStatement(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileStatement() error {
	switch c.cur().Type {
	case token.GLOBAL:
		return c.compileGlobalDecl()
	case token.FUNCTION:
		return c.compileFunctionDecl()
	case token.CLASS:
		return c.compileClassDecl()
	case token.IF:
		return c.compileIf()
	case token.WHILE:
		return c.compileWhile()
	case token.FOR:
		return c.compileFor()
	case token.RETURN:
		return c.compileReturn()
	case token.BREAK:
		return c.compileBreak()
	case token.CONTINUE:
		return c.compileContinue()
	case token.LBRACE:
		return c.compileBracedBlock()
	default:
		return c.compileExprStatement()
	}
}

func (c *Compiler) compileGlobalDecl() error {
	c.advance()
	name, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.ASSIGN); err != nil {
		return err
	}
	if err := c.compileExpr(); err != nil {
		return err
	}
	c.emit(OpProbeGlobals, 1)
	c.emit(OpDeclGlobal, 0)
	c.vm.globalNames[name.Literal] = uint32(c.vm.globalsTop)
	c.vm.globalsTop++
	return nil
}

func (c *Compiler) compileBracedBlock() error {
	if _, err := c.expect(token.LBRACE); err != nil {
		return err
	}
	c.pushScope()
	if err := c.compileBlock(token.RBRACE); err != nil {
		return err
	}
	c.popScope()
	_, err := c.expect(token.RBRACE)
	return err
}

func (c *Compiler) compileBracedOrStatement() error {
	if c.check(token.LBRACE) {
		return c.compileBracedBlock()
	}
	return c.compileStatement()
}

func (c *Compiler) compileExprStatement() error {
	last := c.replMode && c.atTopLevel()
	if err := c.compileExpr(); err != nil {
		return err
	}
	if !(last && c.check(token.EOF)) {
		c.emit(OpDiscardTop, 0)
	}
	return nil
}

func (c *Compiler) compileIf() error {
	c.advance()
	if err := c.compileExpr(); err != nil {
		return err
	}
	jfalse := c.emit(OpCondJumpAhead, 0)
	// COND_JUMP_AHEAD jumps when the popped value is falsy straight past the
	// then-branch; the branch itself is compiled unconditionally below and
	// patched in once its length is known.
	if err := c.compileBracedOrStatement(); err != nil {
		return err
	}
	if c.check(token.ELIF) {
		c.toks[c.pos] = token.Token{Type: token.IF, Pos: c.toks[c.pos].Pos}
		jend := c.emit(OpJumpAhead, 0)
		c.patchOperand(jfalse, c.here()-jfalse)
		if err := c.compileIf(); err != nil {
			return err
		}
		c.patchOperand(jend, c.here()-jend)
		return nil
	}
	if c.match(token.ELSE) {
		jend := c.emit(OpJumpAhead, 0)
		c.patchOperand(jfalse, c.here()-jfalse)
		if err := c.compileBracedOrStatement(); err != nil {
			return err
		}
		c.patchOperand(jend, c.here()-jend)
		return nil
	}
	c.patchOperand(jfalse, c.here()-jfalse)
	return nil
}

func (c *Compiler) compileWhile() error {
	c.advance()
	start := c.here()
	if err := c.compileExpr(); err != nil {
		return err
	}
	jexit := c.emit(OpCondJumpAhead, 0)
	c.pushLoop(start)
	if err := c.compileBracedOrStatement(); err != nil {
		return err
	}
	c.emit(OpJumpBack, c.here()-start+1)
	c.patchOperand(jexit, c.here()-jexit)
	c.popLoop(c.here())
	return nil
}

func (c *Compiler) pushLoop(continueStart uint32) {
	c.loopStack = append(c.loopStack, &loopCtx{continueStart: continueStart})
}

func (c *Compiler) popLoop(breakTarget uint32) {
	n := len(c.loopStack)
	lc := c.loopStack[n-1]
	c.loopStack = c.loopStack[:n-1]
	for _, ip := range lc.breakJumps {
		c.patchOperand(ip, breakTarget-ip)
	}
}

// compileFor implements `for x in iter { ... }` against the elem/next
// iterator protocol (§4.2.8): iter is any table or foreign resource exposing
// an elem() method (the current element) and a next() method (the iterator
// advanced by one step, or nil once exhausted). The iterator value lives on
// the scratch stack for the loop's duration, so BREAK/CONTINUE only ever see
// a flat eval stack, same as WHILE.
func (c *Compiler) compileFor() error {
	c.advance()
	varName, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}
	if _, err := c.expect(token.IN); err != nil {
		return err
	}
	if err := c.compileExpr(); err != nil {
		return err
	}
	c.emit(OpPushScratchpad, 0) // iterator, kept on the scratch stack for the loop's duration

	c.pushScope()
	c.emit(OpPushNil, 0)
	varIdx := c.declareLocal(varName.Literal)

	start := c.here()
	c.emit(OpPeekScratchpad, 0)
	jend := c.emit(OpIfNilJumpAhead, 0)
	c.emit(OpDiscardTop, 0)
	c.emit(OpPeekScratchpad, 0)
	c.emitIterMethodCall("elem")
	c.emit(OpStoreLocal, uint32(varIdx))
	c.emit(OpDiscardTop, 0)

	c.pushLoop(start)
	if err := c.compileBracedOrStatement(); err != nil {
		return err
	}
	c.emit(OpPopScratchpad, 0)
	c.emitIterMethodCall("next")
	c.emit(OpPushScratchpad, 0)
	c.emit(OpJumpBack, c.here()-start+1)

	c.patchOperand(jend, c.here()-jend)
	c.emit(OpDiscardTop, 0) // drop the nil peeked by the failed IF_NIL_JUMP_AHEAD
	c.popLoop(c.here())     // break lands here: eval stack empty, iterator still on scratch

	c.popScope()
	c.emit(OpPopScratchpad, 0)
	c.emit(OpDiscardTop, 0)
	return nil
}

// emitIterMethodCall compiles `<top-of-eval-stack>.name()`, consuming the
// container and leaving the call's result on the eval stack.
func (c *Compiler) emitIterMethodCall(name string) {
	c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(name)))
	c.emit(OpLoadTableElem, 0)
	c.emit(OpCall, 0)
}

func (c *Compiler) compileReturn() error {
	pos := c.cur().Pos
	c.advance()
	if c.atTopLevel() {
		return token.NewCompileErrorf(token.UnexpectedStatement, pos, "return outside of a function")
	}
	if c.check(token.RBRACE) || c.check(token.EOF) {
		c.emit(OpPushNil, 0)
	} else if err := c.compileExpr(); err != nil {
		return err
	}
	c.emit(OpReturn, 0)
	return nil
}

func (c *Compiler) compileBreak() error {
	pos := c.cur().Pos
	c.advance()
	if len(c.loopStack) == 0 {
		return token.NewCompileErrorf(token.UnexpectedStatement, pos, "break outside of a loop")
	}
	ip := c.emit(OpJumpAhead, 0)
	lc := c.loopStack[len(c.loopStack)-1]
	lc.breakJumps = append(lc.breakJumps, ip)
	return nil
}

func (c *Compiler) compileContinue() error {
	pos := c.cur().Pos
	c.advance()
	if len(c.loopStack) == 0 {
		return token.NewCompileErrorf(token.UnexpectedStatement, pos, "continue outside of a loop")
	}
	lc := c.loopStack[len(c.loopStack)-1]
	here := c.here()
	c.emit(OpJumpBack, here-lc.continueStart+1)
	return nil
}

func (c *Compiler) compileFunctionDecl() error {
	c.advance()
	name, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}
	if err := c.compileFunctionLiteral(name.Literal); err != nil {
		return err
	}
	if !c.atTopLevel() {
		c.declareLocal(name.Literal)
		return nil
	}
	c.emit(OpProbeGlobals, 1)
	c.emit(OpDeclGlobal, 0)
	c.vm.globalNames[name.Literal] = uint32(c.vm.globalsTop)
	c.vm.globalsTop++
	return nil
}

// compileFunctionLiteral compiles a `function (params) ... end`-shaped body,
// leaving a closure Value on the eval stack (§4.2.6).
func (c *Compiler) compileFunctionLiteral(name string) error {
	funcID, fc, err := c.compileFunctionCore(name, "", nil)
	if err != nil {
		return err
	}
	return c.emitCaptureTableAndClosure(funcID, fc.capturedNames)
}

// emitCaptureTableAndClosure builds the small table holding funcID's
// captured values and wraps it into a closure, in the scope enclosing the
// function literal (§4.2.6).
func (c *Compiler) emitCaptureTableAndClosure(funcID uint32, captured []string) error {
	c.emit(OpAllocateDyn, uint32(len(captured)))
	for _, name := range captured {
		c.emit(OpDuplicate, 0)
		c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(name)))
		if err := c.emitLoadName(name, c.cur().Pos); err != nil {
			return err
		}
		c.emit(OpStoreTableElem, 0)
		c.emit(OpDiscardTop, 0)
	}
	c.emit(OpMakeClosure, funcID)
	return nil
}

// compileFunctionCore compiles `(params) ... end`/`(params) { ... }` into a
// FUNCTION..FUNCTION_END body and returns its id and funcCtx, without
// emitting a capture table or MAKE_CLOSURE: ordinary function literals
// materialize those immediately afterward (emitCaptureTableAndClosure), but
// class methods are assembled by their constructor wrapper instead, using
// the instance table itself as the closure's capture value (§4.2.6, §4.2.9).
//
// Local 0 of the new frame is "self" when selfName is non-empty (a method),
// otherwise it is the anonymous capture-table slot; params are declared
// starting at local 1.
func (c *Compiler) compileFunctionCore(name, selfName string, classProps map[string]bool) (uint32, *funcCtx, error) {
	if _, err := c.expect(token.LPAREN); err != nil {
		return 0, nil, err
	}
	var params []string
	for !c.check(token.RPAREN) {
		p, err := c.expect(token.IDENT)
		if err != nil {
			return 0, nil, err
		}
		params = append(params, p.Literal)
		if !c.match(token.COMMA) {
			break
		}
	}
	if _, err := c.expect(token.RPAREN); err != nil {
		return 0, nil, err
	}

	funcID := uint32(len(c.vm.functions))
	c.vm.functions = append(c.vm.functions, FunctionEntry{Name: name, ParamCount: len(params)})

	skip := c.emit(OpFunction, 0)
	fnStart := c.here()

	fc := newFuncCtx(funcID)
	fc.isMethod = selfName != ""
	fc.classProps = classProps
	c.frames = append(c.frames, fc)
	probeIP := c.emit(OpProbeLocals, 0)

	if selfName != "" {
		c.declareParam(selfName)
	} else {
		c.reserveCaptureSlot()
	}
	for _, p := range params {
		c.declareParam(p)
	}

	var err error
	if c.check(token.LBRACE) {
		err = c.compileBracedBlock()
	} else {
		err = c.compileBlock(token.END)
		c.match(token.END)
	}
	if err != nil {
		return 0, nil, err
	}
	c.emit(OpPushNil, 0)
	c.emit(OpReturn, 0)

	c.patchOperand(probeIP, uint32(fc.maxLocals))

	fe := c.vm.functions[funcID]
	fe.Start = fnStart
	fe.Length = c.here() - fnStart
	c.vm.functions[funcID] = fe

	c.frames = c.frames[:len(c.frames)-1]
	c.emit(OpFunctionEnd, 0)
	c.patchOperand(skip, c.here()-skip)

	return funcID, fc, nil
}

// ---- classes ----------------------------------------------------------------

// classMethod records a compiled method's name and function id, used by the
// constructor wrapper to install it into each new instance (§4.2.9).
type classMethod struct {
	name   string
	funcID uint32
}

// classDecl accumulates a class statement's properties and methods while it
// is being parsed (§4.2.9).
type classDecl struct {
	name       string
	props      []string
	hasDefault map[string]bool
	methods    []classMethod

	hasConstruct        bool
	constructParamCount int

	protoGlobal uint32
}

// compileClassDecl compiles `class Name prop... (function ... end)* end`
// (§4.2.9). Declared properties may carry a default value, evaluated once
// into a per-class prototype table stored under a hidden global when the
// class statement executes; methods are compiled with self bound to local 0
// and validated against the declared property set. The class itself is
// bound to a generated constructor-wrapper closure under its own name.
func (c *Compiler) compileClassDecl() error {
	pos := c.cur().Pos
	c.advance() // 'class'
	if !c.atTopLevel() {
		return token.NewCompileErrorf(token.UnexpectedStatement, pos, "class declared outside of top level")
	}
	name, err := c.expect(token.IDENT)
	if err != nil {
		return err
	}

	cd := &classDecl{name: name.Literal, hasDefault: map[string]bool{}}

	c.emit(OpAllocateDyn, 0)
	c.emit(OpPushScratchpad, 0) // prototype table, while defaults are compiled
	for c.check(token.IDENT) {
		p, _ := c.expect(token.IDENT)
		cd.props = append(cd.props, p.Literal)
		if c.match(token.ASSIGN) {
			cd.hasDefault[p.Literal] = true
			c.emit(OpPeekScratchpad, 0)
			c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(p.Literal)))
			if err := c.compileExpr(); err != nil {
				return err
			}
			c.emit(OpStoreTableElem, 0)
			c.emit(OpDiscardTop, 0)
		}
	}
	c.emit(OpPopScratchpad, 0)
	c.emit(OpProbeGlobals, 1)
	c.emit(OpDeclGlobal, 0)
	cd.protoGlobal = uint32(c.vm.globalsTop)
	c.vm.globalNames["$proto$"+cd.name] = cd.protoGlobal
	c.vm.globalsTop++

	classProps := map[string]bool{}
	for _, p := range cd.props {
		classProps[p] = true
	}

	for c.check(token.FUNCTION) {
		c.advance()
		mname, err := c.expect(token.IDENT)
		if err != nil {
			return err
		}
		funcID, fc, err := c.compileFunctionCore(mname.Literal, "self", classProps)
		if err != nil {
			return err
		}
		fc.className = cd.name
		cd.methods = append(cd.methods, classMethod{name: mname.Literal, funcID: funcID})
		if mname.Literal == "construct" {
			cd.hasConstruct = true
			cd.constructParamCount = c.vm.functions[funcID].ParamCount
		}
	}

	if _, err := c.expect(token.END); err != nil {
		return err
	}

	wrapperID, err := c.compileConstructorWrapper(cd)
	if err != nil {
		return err
	}

	c.emit(OpAllocateDyn, 0)
	c.emit(OpMakeClosure, wrapperID)
	c.emit(OpProbeGlobals, 1)
	c.emit(OpDeclGlobal, 0)
	c.vm.globalNames[cd.name] = uint32(c.vm.globalsTop)
	c.vm.globalsTop++
	return nil
}

// compileConstructorWrapper synthesizes the function that builds a new
// instance of cd: it allocates the instance table, fills default-valued
// properties from the class's prototype global, installs every method as a
// closure captured over the instance itself (so self resolves exactly like
// an ordinary captured variable, §4.2.3), then either forwards its
// positional arguments into a declared construct method via
// CALL_NO_CAPTURE_TABLE, or (with no construct) assigns them directly to
// the non-default properties in declaration order (§4.2.9).
func (c *Compiler) compileConstructorWrapper(cd *classDecl) (uint32, error) {
	var wrapperParams []string
	if cd.hasConstruct {
		for i := 0; i < cd.constructParamCount; i++ {
			wrapperParams = append(wrapperParams, "$arg"+strconv.Itoa(i))
		}
	} else {
		for _, p := range cd.props {
			if !cd.hasDefault[p] {
				wrapperParams = append(wrapperParams, p)
			}
		}
	}

	funcID := uint32(len(c.vm.functions))
	c.vm.functions = append(c.vm.functions, FunctionEntry{Name: cd.name, ParamCount: len(wrapperParams)})

	skip := c.emit(OpFunction, 0)
	fnStart := c.here()

	fc := newFuncCtx(funcID)
	c.frames = append(c.frames, fc)
	probeIP := c.emit(OpProbeLocals, 0)
	c.reserveCaptureSlot()
	for _, p := range wrapperParams {
		c.declareParam(p)
	}

	c.emit(OpAllocateDyn, uint32(len(cd.props)+len(cd.methods)))
	c.emit(OpPushScratchpad, 0) // instance

	for _, p := range cd.props {
		c.emit(OpPeekScratchpad, 0)
		c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(p)))
		switch {
		case cd.hasDefault[p]:
			c.emit(OpLoadGlobal, cd.protoGlobal)
			c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(p)))
			c.emit(OpLoadTableElem, 0)
		case !cd.hasConstruct:
			c.emit(OpLoadLocal, uint32(fc.nameIndex[p]))
		default:
			c.emit(OpPushNil, 0)
		}
		c.emit(OpStoreTableElem, 0)
		c.emit(OpDiscardTop, 0)
	}

	for _, m := range cd.methods {
		c.emit(OpPeekScratchpad, 0)
		c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(m.name)))
		c.emit(OpPeekScratchpad, 0) // the instance becomes this method's capture table
		c.emit(OpMakeClosure, m.funcID)
		c.emit(OpStoreTableElem, 0)
		c.emit(OpDiscardTop, 0)
	}

	if cd.hasConstruct {
		c.emit(OpPeekScratchpad, 0)
		c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString("construct")))
		c.emit(OpLoadTableElem, 0) // construct closure
		c.emit(OpPeekScratchpad, 0) // self, as construct's first positional argument
		for _, p := range wrapperParams {
			c.emit(OpLoadLocal, uint32(fc.nameIndex[p]))
		}
		c.emit(OpCallNoCaptureTable, uint32(1+len(wrapperParams)))
		c.emit(OpDiscardTop, 0)
	}

	c.emit(OpPopScratchpad, 0)
	c.emit(OpReturn, 0)

	c.patchOperand(probeIP, uint32(fc.maxLocals))

	fe := c.vm.functions[funcID]
	fe.Start = fnStart
	fe.Length = c.here() - fnStart
	c.vm.functions[funcID] = fe

	c.frames = c.frames[:len(c.frames)-1]
	c.emit(OpFunctionEnd, 0)
	c.patchOperand(skip, c.here()-skip)
	return funcID, nil
}

// ---- expressions ------------------------------------------------------------

var binaryPrec = map[token.Type]int{
	token.OR: 1, token.AND: 2,
	token.EQUALS: 3, token.NOT_EQUALS: 3,
	token.LESS: 4, token.MORE: 4, token.LESS_EQUAL: 4, token.MORE_EQUAL: 4,
	token.PLUS: 5, token.MINUS: 5,
	token.STAR: 6, token.SLASH: 6, token.PERCENT: 6,
	token.CARET: 7,
}

var binaryOp = map[token.Type]Opcode{
	token.OR: OpOr, token.AND: OpAnd,
	token.EQUALS: OpEquals, token.NOT_EQUALS: OpNotEquals,
	token.LESS: OpLess, token.MORE: OpMore, token.LESS_EQUAL: OpLessEqual, token.MORE_EQUAL: OpMoreEqual,
	token.PLUS: OpAdd, token.MINUS: OpSub,
	token.STAR: OpMul, token.SLASH: OpDiv, token.PERCENT: OpMod,
	token.CARET: OpExp,
}

func (c *Compiler) compileExpr() error {
	if c.check(token.IDENT) && c.peekType(1) == token.ASSIGN {
		name := c.advance()
		c.advance() // '='
		if err := c.compileExpr(); err != nil {
			return err
		}
		return c.emitAssignTo(name)
	}
	return c.compileBinary(0)
}

func (c *Compiler) compileBinary(minPrec int) error {
	if err := c.compileUnary(); err != nil {
		return err
	}
	for {
		op, ok := binaryOp[c.cur().Type]
		if !ok {
			return nil
		}
		prec := binaryPrec[c.cur().Type]
		if prec < minPrec {
			return nil
		}
		c.advance()
		if err := c.compileBinary(prec + 1); err != nil {
			return err
		}
		c.emit(op, 0)
	}
}

// emitAssignTo resolves name against the current frame, then its enclosing
// frames, then globals. A name that only resolves in an enclosing frame is
// captured by value, not by reference, so assigning to it is rejected
// (§4.2.3).
func (c *Compiler) emitAssignTo(name token.Token) error {
	cur := c.frame()
	if idx, ok := cur.nameIndex[name.Literal]; ok {
		c.emit(OpStoreLocal, uint32(idx))
		return nil
	}
	if cur.capturedSet[name.Literal] {
		return token.NewCompileErrorf(token.CannotSetCaptured, name.Pos, "cannot assign to captured variable %q", name.Literal)
	}
	for i := len(c.frames) - 2; i >= 0; i-- {
		outer := c.frames[i]
		if _, ok := outer.nameIndex[name.Literal]; ok {
			return token.NewCompileErrorf(token.CannotSetCaptured, name.Pos, "cannot assign to captured variable %q", name.Literal)
		}
		if outer.capturedSet[name.Literal] {
			return token.NewCompileErrorf(token.CannotSetCaptured, name.Pos, "cannot assign to captured variable %q", name.Literal)
		}
	}
	if idx, ok := c.vm.globalNames[name.Literal]; ok {
		c.emit(OpStoreGlobal, idx)
		return nil
	}
	return token.NewCompileErrorf(token.SymbolNotFound, name.Pos, "undeclared variable %q", name.Literal)
}

func (c *Compiler) emitLoadIdent(name token.Token) error {
	return c.emitLoadName(name.Literal, name.Pos)
}

// emitLoadName resolves name against the current frame, then walks outer
// frames looking for a declaring (or already-captured) frame. When found in
// frame i, name is promoted into the capture set of every frame strictly
// between i and the current one (§4.2.3, §4.2.6): each of those closures
// will carry name in its capture table. A class-method frame can never
// capture, since its local 0 is "self", not a capture table (§4.2.9).
func (c *Compiler) emitLoadName(name string, pos token.Position) error {
	cur := c.frame()
	if idx, ok := cur.nameIndex[name]; ok {
		c.emit(OpLoadLocal, uint32(idx))
		return nil
	}
	if cur.capturedSet[name] {
		c.emitCaptureLoad(name)
		return nil
	}
	for i := len(c.frames) - 2; i >= 0; i-- {
		outer := c.frames[i]
		_, declaredHere := outer.nameIndex[name]
		if !declaredHere && !outer.capturedSet[name] {
			continue
		}
		for j := i + 1; j < len(c.frames); j++ {
			fc := c.frames[j]
			if fc.capturedSet[name] {
				continue
			}
			if fc.isMethod {
				return token.NewCompileErrorf(token.CannotCaptureVar, pos, "class methods cannot capture %q", name)
			}
			fc.capturedSet[name] = true
			fc.capturedNames = append(fc.capturedNames, name)
		}
		c.emitCaptureLoad(name)
		return nil
	}
	if idx, ok := c.vm.globalNames[name]; ok {
		c.emit(OpLoadGlobal, idx)
		return nil
	}
	return token.NewCompileErrorf(token.SymbolNotFound, pos, "undeclared variable %q", name)
}

// emitCaptureLoad reads name out of the current frame's local 0 (its
// capture table), the bytecode shared by ordinary closures and by a class
// method's self.field access (§4.2.3, §4.2.9).
func (c *Compiler) emitCaptureLoad(name string) {
	c.emit(OpLoadLocal, 0)
	c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(name)))
	c.emit(OpLoadTableElem, 0)
}

func (c *Compiler) compileUnary() error {
	switch c.cur().Type {
	case token.MINUS:
		c.advance()
		if err := c.compileUnary(); err != nil {
			return err
		}
		c.emit(OpNegate, 0)
		return nil
	case token.NOT:
		c.advance()
		if err := c.compileUnary(); err != nil {
			return err
		}
		c.emit(OpNot, 0)
		return nil
	default:
		return c.compilePostfix()
	}
}

// compilePostfix compiles a chain of ., [..], (..) suffixes. If the chain
// ends in a . or [..] accessor immediately followed by '=', it compiles an
// assignment into that slot instead of a load, so assignment targets never
// need a separate grammar production (§4.2.3).
func (c *Compiler) compilePostfix() error {
	rootIsSelf := c.cur().Type == token.SELF
	if err := c.compilePrimary(); err != nil {
		return err
	}
	firstAccessor := true
	for {
		switch c.cur().Type {
		case token.DOT:
			c.advance()
			field, err := c.expect(token.IDENT)
			if err != nil {
				return err
			}
			if rootIsSelf && firstAccessor {
				if err := c.checkSelfProperty(field); err != nil {
					return err
				}
			}
			firstAccessor = false
			c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(field.Literal)))
			if c.match(token.ASSIGN) {
				if err := c.compileExpr(); err != nil {
					return err
				}
				c.emit(OpStoreTableElem, 0)
				return nil
			}
			c.emit(OpLoadTableElem, 0)
		case token.LBRACKET:
			firstAccessor = false
			c.advance()
			if err := c.compileExpr(); err != nil {
				return err
			}
			if _, err := c.expect(token.RBRACKET); err != nil {
				return err
			}
			if c.match(token.ASSIGN) {
				if err := c.compileExpr(); err != nil {
					return err
				}
				c.emit(OpStoreTableElem, 0)
				return nil
			}
			c.emit(OpLoadTableElem, 0)
		case token.LPAREN:
			firstAccessor = false
			c.advance()
			argc := 0
			for !c.check(token.RPAREN) {
				if err := c.compileExpr(); err != nil {
					return err
				}
				argc++
				if !c.match(token.COMMA) {
					break
				}
			}
			if _, err := c.expect(token.RPAREN); err != nil {
				return err
			}
			c.emit(OpCall, uint32(argc))
		default:
			return nil
		}
	}
}

// checkSelfProperty validates a `self.field` access against the owning
// class's declared properties (§4.2.9). Method names are looked up on the
// instance dynamically like any other table access and are not checked
// here.
func (c *Compiler) checkSelfProperty(field token.Token) error {
	fc := c.frame()
	if !fc.isMethod {
		return nil
	}
	if fc.classProps[field.Literal] {
		return nil
	}
	if fc.className != "" {
		return token.NewCompileErrorf(token.SymbolNotFound, field.Pos, "class %s has no property %q", fc.className, field.Literal)
	}
	return token.NewCompileErrorf(token.SymbolNotFound, field.Pos, "no such property %q", field.Literal)
}

func (c *Compiler) compilePrimary() error {
	t := c.cur()
	switch t.Type {
	case token.NUMBER:
		c.advance()
		c.emit(OpLoadConstant, c.vm.internConstant(Number(t.Number)))
		return nil
	case token.STRING:
		c.advance()
		c.emit(OpLoadConstant, c.vm.internConstant(c.vm.internString(t.Literal)))
		return nil
	case token.TRUE:
		c.advance()
		c.emit(OpLoadConstant, c.vm.internConstant(Bool(true)))
		return nil
	case token.FALSE:
		c.advance()
		c.emit(OpLoadConstant, c.vm.internConstant(Bool(false)))
		return nil
	case token.NIL:
		c.advance()
		c.emit(OpPushNil, 0)
		return nil
	case token.IDENT:
		c.advance()
		return c.emitLoadIdent(t)
	case token.SELF:
		c.advance()
		if !c.frame().isMethod {
			return token.NewCompileErrorf(token.UnexpectedValue, t.Pos, "self is only valid inside a class method")
		}
		c.emit(OpLoadLocal, 0)
		return nil
	case token.LPAREN:
		c.advance()
		if err := c.compileExpr(); err != nil {
			return err
		}
		_, err := c.expect(token.RPAREN)
		return err
	case token.TABLE, token.LBRACE:
		return c.compileTableLiteral()
	case token.LBRACKET:
		return c.compileArrayLiteral()
	case token.FUNCTION:
		c.advance()
		return c.compileFunctionLiteral("<anonymous>")
	case token.IF:
		return c.compileIfExpr()
	default:
		return token.NewCompileErrorf(token.UnexpectedValue, t.Pos, "unexpected token %s in expression", t.Type)
	}
}

// compileIfExpr supports `if cond then a else b` as an expression (§4.2.4).
func (c *Compiler) compileIfExpr() error {
	c.advance()
	if err := c.compileExpr(); err != nil {
		return err
	}
	if _, err := c.expect(token.THEN); err != nil {
		return err
	}
	jfalse := c.emit(OpCondJumpAhead, 0)
	if err := c.compileExpr(); err != nil {
		return err
	}
	jend := c.emit(OpJumpAhead, 0)
	c.patchOperand(jfalse, c.here()-jfalse)
	if _, err := c.expect(token.ELSE); err != nil {
		return err
	}
	if err := c.compileExpr(); err != nil {
		return err
	}
	c.patchOperand(jend, c.here()-jend)
	return nil
}

// compileTableLiteral compiles `{ {k, v}, ... }` by allocating an empty
// table up front and storing each entry into it one at a time via the
// scratch stack, so arbitrarily complex key and value expressions can reuse
// the container reference without re-evaluating it (§3.2, §4.2.3).
func (c *Compiler) compileTableLiteral() error {
	if c.check(token.TABLE) {
		c.advance()
	}
	if _, err := c.expect(token.LBRACE); err != nil {
		return err
	}
	c.emit(OpAllocateDyn, 0)
	c.emit(OpPushScratchpad, 0)
	for !c.check(token.RBRACE) {
		if _, err := c.expect(token.LBRACE); err != nil {
			return err
		}
		c.emit(OpPeekScratchpad, 0)
		if err := c.compileExpr(); err != nil {
			return err
		}
		if _, err := c.expect(token.COMMA); err != nil {
			return err
		}
		if err := c.compileExpr(); err != nil {
			return err
		}
		if _, err := c.expect(token.RBRACE); err != nil {
			return err
		}
		c.emit(OpStoreTableElem, 0)
		c.emit(OpDiscardTop, 0)
		if !c.match(token.COMMA) {
			break
		}
	}
	if _, err := c.expect(token.RBRACE); err != nil {
		return err
	}
	c.emit(OpPopScratchpad, 0)
	return nil
}

// compileArrayLiteral compiles `[e1, e2, ...]` into a zero-based fixed
// table via ALLOCATE_FIXED (§4.3.2).
func (c *Compiler) compileArrayLiteral() error {
	if _, err := c.expect(token.LBRACKET); err != nil {
		return err
	}
	count := 0
	for !c.check(token.RBRACKET) {
		if err := c.compileExpr(); err != nil {
			return err
		}
		count++
		if !c.match(token.COMMA) {
			break
		}
	}
	if _, err := c.expect(token.RBRACKET); err != nil {
		return err
	}
	c.emit(OpAllocateFixed, uint32(count))
	return nil
}

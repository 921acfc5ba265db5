package compiler

import (
	"fortio.org/safecast"

	"github.com/ajokela/kz80-microperl/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Code generator: AST -> bytecode module
// ---------------------------------------------------------------------------

// Compile compiles MicroPerl source into a bytecode module.
// It is a pure function: identical input yields identical bytes.
func Compile(source []byte) (*bytecode.Module, error) {
	prog, err := Parse(string(source))
	if err != nil {
		return nil, err
	}
	return CompileProgram(prog)
}

// subInfo tracks one subroutine during compilation.
type subInfo struct {
	addr      int
	numParams int
	defined   bool
}

// fixup is a call site whose target was unknown when emitted.
type fixup struct {
	operandOffset int
	pos           Position
}

// loopCtx collects the patch sites of one enclosing loop.
type loopCtx struct {
	breakFixups []int // JUMP operands to patch to the loop end
	nextFixups  []int // JUMP operands to patch to the continue point
}

type codegen struct {
	m *bytecode.Module

	// Locals: stack of visibility scopes mapping name -> slot.
	// Slots are assigned densely per frame and never reused.
	scopes   []map[string]int
	nextSlot int

	globals map[string]int
	subs    map[string]*subInfo
	subOrd  []string // definition/reference order, for deterministic output
	fixups  map[string][]fixup

	loops []loopCtx
	inSub bool
}

// CompileProgram compiles a parsed program into a bytecode module.
func CompileProgram(prog *Program) (*bytecode.Module, error) {
	c := &codegen{
		m:       bytecode.NewModule(),
		scopes:  []map[string]int{{}},
		globals: make(map[string]int),
		subs:    make(map[string]*subInfo),
		fixups:  make(map[string][]fixup),
	}

	for _, stmt := range prog.Statements {
		if err := c.compileStmt(stmt); err != nil {
			return nil, err
		}
	}
	c.m.Emit(bytecode.OpHalt)

	// Fixups still open here name subroutines that were never defined.
	for _, name := range c.subOrd {
		if pending := c.fixups[name]; len(pending) > 0 {
			return nil, &CompileError{Kind: UnknownFunction, Pos: pending[0].pos, Name: name}
		}
	}

	if len(c.m.Code) > bytecode.MaxCodeSize {
		return nil, &CompileError{Kind: CodeSizeOverflow}
	}

	// Symbol tables ride along for debug output and the sidecar file.
	c.m.Globals = make([]string, len(c.globals))
	for name, idx := range c.globals {
		c.m.Globals[idx] = name
	}
	for _, name := range c.subOrd {
		if info := c.subs[name]; info != nil && info.defined {
			c.m.Subs = append(c.m.Subs, bytecode.Sub{
				Name:      name,
				Addr:      uint16(info.addr),
				NumParams: uint8(info.numParams),
			})
		}
	}

	return c.m, nil
}

// ---------------------------------------------------------------------------
// Scopes and symbols
// ---------------------------------------------------------------------------

func (c *codegen) pushScope() {
	c.scopes = append(c.scopes, map[string]int{})
}

func (c *codegen) popScope() {
	c.scopes = c.scopes[:len(c.scopes)-1]
}

// findLocal searches scopes innermost-out.
func (c *codegen) findLocal(name string) (int, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if slot, ok := c.scopes[i][name]; ok {
			return slot, true
		}
	}
	return 0, false
}

// declareLocal adds a slot to the current frame, visible in the
// innermost scope.
func (c *codegen) declareLocal(name string, pos Position) (int, error) {
	slot := c.nextSlot
	if _, err := safecast.Conv[uint8](slot); err != nil {
		return 0, &CompileError{Kind: LocalsOverflow, Pos: pos, Name: name}
	}
	c.nextSlot++
	c.scopes[len(c.scopes)-1][name] = slot
	return slot, nil
}

// globalIndex allocates or reuses the global slot for a name.
func (c *codegen) globalIndex(name string, pos Position) (int, error) {
	if idx, ok := c.globals[name]; ok {
		return idx, nil
	}
	idx := len(c.globals)
	if _, err := safecast.Conv[uint16](idx); err != nil {
		return 0, &CompileError{Kind: GlobalsOverflow, Pos: pos, Name: name}
	}
	c.globals[name] = idx
	return idx, nil
}

// internString interns a literal and checks the table limit.
func (c *codegen) internString(s string, pos Position) (int, error) {
	idx := c.m.AddString(s)
	if len(c.m.Strings) > bytecode.MaxStrings {
		return 0, &CompileError{Kind: StringsOverflow, Pos: pos}
	}
	return idx, nil
}

// emitLoad pushes the value of a name, resolving local first, global
// otherwise.
func (c *codegen) emitLoad(name string, pos Position) error {
	if slot, ok := c.findLocal(name); ok {
		c.m.EmitByte(bytecode.OpLoadLocal, byte(slot))
		return nil
	}
	idx, err := c.globalIndex(name, pos)
	if err != nil {
		return err
	}
	c.m.EmitWord(bytecode.OpLoadGlobal, uint16(idx))
	return nil
}

// emitStore pops into a name using the same resolution rule as emitLoad.
func (c *codegen) emitStore(name string, pos Position) error {
	if slot, ok := c.findLocal(name); ok {
		c.m.EmitByte(bytecode.OpStoreLocal, byte(slot))
		return nil
	}
	idx, err := c.globalIndex(name, pos)
	if err != nil {
		return err
	}
	c.m.EmitWord(bytecode.OpStoreGlobal, uint16(idx))
	return nil
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *codegen) compileStmt(stmt Stmt) error {
	switch s := stmt.(type) {
	case *DeclStmt:
		slot, err := c.declareLocal(s.Name, s.Pos)
		if err != nil {
			return err
		}
		if s.Init != nil {
			if err := c.compileExpr(s.Init); err != nil {
				return err
			}
			c.m.EmitByte(bytecode.OpStoreLocal, byte(slot))
		}
		return nil

	case *GlobalDeclStmt:
		idx, err := c.globalIndex(s.Name, s.Pos)
		if err != nil {
			return err
		}
		if s.Init != nil {
			if err := c.compileExpr(s.Init); err != nil {
				return err
			}
			c.m.EmitWord(bytecode.OpStoreGlobal, uint16(idx))
		}
		return nil

	case *ExprStmt:
		if err := c.compileExpr(s.X); err != nil {
			return err
		}
		c.m.Emit(bytecode.OpPop)
		return nil

	case *BlockStmt:
		c.pushScope()
		defer c.popScope()
		for _, inner := range s.Statements {
			if err := c.compileStmt(inner); err != nil {
				return err
			}
		}
		return nil

	case *IfStmt:
		return c.compileIf(s)

	case *WhileStmt:
		return c.compileWhile(s)

	case *ForStmt:
		return c.compileFor(s)

	case *SubDef:
		return c.compileSubDef(s)

	case *ReturnStmt:
		if !c.inSub {
			return &CompileError{Kind: ReturnOutsideSub, Pos: s.Pos}
		}
		if s.Value != nil {
			if err := c.compileExpr(s.Value); err != nil {
				return err
			}
			c.m.Emit(bytecode.OpReturnVal)
		} else {
			c.m.Emit(bytecode.OpReturn)
		}
		return nil

	case *PrintStmt:
		for _, arg := range s.Args {
			if err := c.compileExpr(arg); err != nil {
				return err
			}
			c.m.Emit(bytecode.OpPrint)
		}
		if s.Newline {
			c.m.Emit(bytecode.OpPrintLn)
		}
		return nil

	case *LastStmt:
		if len(c.loops) == 0 {
			return &CompileError{Kind: LoopControlOutsideLoop, Pos: s.Pos, Name: "last"}
		}
		loop := &c.loops[len(c.loops)-1]
		loop.breakFixups = append(loop.breakFixups, c.m.EmitJump(bytecode.OpJump))
		return nil

	case *NextStmt:
		if len(c.loops) == 0 {
			return &CompileError{Kind: LoopControlOutsideLoop, Pos: s.Pos, Name: "next"}
		}
		loop := &c.loops[len(c.loops)-1]
		loop.nextFixups = append(loop.nextFixups, c.m.EmitJump(bytecode.OpJump))
		return nil
	}

	return nil
}

// compileIf lowers if/elsif/else chains. unless swaps the branch opcode.
func (c *codegen) compileIf(s *IfStmt) error {
	branchOp := bytecode.OpJumpIfNot
	if s.Invert {
		branchOp = bytecode.OpJumpIf
	}

	if err := c.compileExpr(s.Cond); err != nil {
		return err
	}
	skip := c.m.EmitJump(branchOp)

	if err := c.compileStmt(s.Then); err != nil {
		return err
	}

	var endJumps []int
	if len(s.Elsifs) > 0 || s.Else != nil {
		endJumps = append(endJumps, c.m.EmitJump(bytecode.OpJump))
	}
	c.m.PatchWord(skip, uint16(c.m.Pos()))

	for i, arm := range s.Elsifs {
		if err := c.compileExpr(arm.Cond); err != nil {
			return err
		}
		skip := c.m.EmitJump(bytecode.OpJumpIfNot)

		if err := c.compileStmt(arm.Body); err != nil {
			return err
		}
		if i < len(s.Elsifs)-1 || s.Else != nil {
			endJumps = append(endJumps, c.m.EmitJump(bytecode.OpJump))
		}
		c.m.PatchWord(skip, uint16(c.m.Pos()))
	}

	if s.Else != nil {
		if err := c.compileStmt(s.Else); err != nil {
			return err
		}
	}

	end := uint16(c.m.Pos())
	for _, j := range endJumps {
		c.m.PatchWord(j, end)
	}
	return nil
}

// compileWhile lowers while and until loops. next re-evaluates the
// condition, last exits.
func (c *codegen) compileWhile(s *WhileStmt) error {
	branchOp := bytecode.OpJumpIfNot
	if s.Invert {
		branchOp = bytecode.OpJumpIf
	}

	top := c.m.Pos()
	if err := c.compileExpr(s.Cond); err != nil {
		return err
	}
	exit := c.m.EmitJump(branchOp)

	c.loops = append(c.loops, loopCtx{})
	err := c.compileStmt(s.Body)
	loop := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	if err != nil {
		return err
	}

	c.m.EmitWord(bytecode.OpJump, uint16(top))

	end := uint16(c.m.Pos())
	c.m.PatchWord(exit, end)
	for _, j := range loop.breakFixups {
		c.m.PatchWord(j, end)
	}
	for _, j := range loop.nextFixups {
		c.m.PatchWord(j, uint16(top))
	}
	return nil
}

// compileFor lowers a C-style for loop as { init; while (cond) { body;
// step; } }, with next continuing at the step.
func (c *codegen) compileFor(s *ForStmt) error {
	c.pushScope()
	defer c.popScope()

	if s.Init != nil {
		if err := c.compileStmt(s.Init); err != nil {
			return err
		}
	}

	top := c.m.Pos()
	exit := -1
	if s.Cond != nil {
		if err := c.compileExpr(s.Cond); err != nil {
			return err
		}
		exit = c.m.EmitJump(bytecode.OpJumpIfNot)
	}

	c.loops = append(c.loops, loopCtx{})
	err := c.compileStmt(s.Body)
	loop := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	if err != nil {
		return err
	}

	stepStart := uint16(c.m.Pos())
	if s.Step != nil {
		if err := c.compileExpr(s.Step); err != nil {
			return err
		}
		c.m.Emit(bytecode.OpPop)
	}
	c.m.EmitWord(bytecode.OpJump, uint16(top))

	end := uint16(c.m.Pos())
	if exit >= 0 {
		c.m.PatchWord(exit, end)
	}
	for _, j := range loop.breakFixups {
		c.m.PatchWord(j, end)
	}
	for _, j := range loop.nextFixups {
		c.m.PatchWord(j, stepStart)
	}
	return nil
}

// compileSubDef emits a subroutine body inline, jumped over by the
// surrounding top-level code. Pending call fixups for the name are
// patched as soon as the address is known.
func (c *codegen) compileSubDef(s *SubDef) error {
	skip := c.m.EmitJump(bytecode.OpJump)
	addr := c.m.Pos()

	seen := make(map[string]bool, len(s.Params))
	for _, param := range s.Params {
		if seen[param] {
			return &CompileError{Kind: DuplicateParameter, Pos: s.Pos, Name: param}
		}
		seen[param] = true
	}

	info := c.subs[s.Name]
	if info == nil {
		info = &subInfo{}
		c.subs[s.Name] = info
		c.subOrd = append(c.subOrd, s.Name)
	}
	info.addr = addr
	info.numParams = len(s.Params)
	info.defined = true

	for _, f := range c.fixups[s.Name] {
		c.m.PatchWord(f.operandOffset, uint16(addr))
	}
	c.fixups[s.Name] = nil

	// Fresh frame: its own scope stack, slot counter, and loop context.
	outerScopes, outerSlot, outerLoops, outerInSub := c.scopes, c.nextSlot, c.loops, c.inSub
	c.scopes = []map[string]int{{}}
	c.nextSlot = 0
	c.loops = nil
	c.inSub = true
	defer func() {
		c.scopes, c.nextSlot, c.loops, c.inSub = outerScopes, outerSlot, outerLoops, outerInSub
	}()

	numLocals := len(s.Params) + countDecls(s.Body.Statements)
	k, err := safecast.Conv[uint8](numLocals)
	if err != nil {
		return &CompileError{Kind: LocalsOverflow, Pos: s.Pos, Name: s.Name}
	}
	c.m.EmitByte(bytecode.OpEnter, k)

	// Arguments sit on the operand stack in source order, last on top;
	// the prologue consumes them into the first parameter slots.
	for _, param := range s.Params {
		if _, err := c.declareLocal(param, s.Pos); err != nil {
			return err
		}
	}
	for i := len(s.Params) - 1; i >= 0; i-- {
		c.m.EmitByte(bytecode.OpStoreLocal, byte(i))
	}

	if err := c.compileStmt(s.Body); err != nil {
		return err
	}

	// Implicit return when control can fall off the end. A trailing
	// return statement is the only shape that guarantees it cannot.
	if !endsWithReturnStmt(s.Body.Statements) {
		c.m.Emit(bytecode.OpReturn)
	}

	c.m.PatchWord(skip, uint16(c.m.Pos()))
	return nil
}

// endsWithReturnStmt reports whether a statement list ends in a return.
func endsWithReturnStmt(stmts []Stmt) bool {
	if len(stmts) == 0 {
		return false
	}
	_, ok := stmts[len(stmts)-1].(*ReturnStmt)
	return ok
}

// countDecls counts the my-declarations a statement list contributes to
// the enclosing frame, including nested blocks.
func countDecls(stmts []Stmt) int {
	n := 0
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *DeclStmt:
			n++
		case *BlockStmt:
			n += countDecls(s.Statements)
		case *IfStmt:
			n += countDecls(s.Then.Statements)
			for _, arm := range s.Elsifs {
				n += countDecls(arm.Body.Statements)
			}
			if s.Else != nil {
				n += countDecls(s.Else.Statements)
			}
		case *WhileStmt:
			n += countDecls(s.Body.Statements)
		case *ForStmt:
			if s.Init != nil {
				n += countDecls([]Stmt{s.Init})
			}
			n += countDecls(s.Body.Statements)
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

var binaryOpcodes = map[string]bytecode.Opcode{
	"+":  bytecode.OpAdd,
	"-":  bytecode.OpSub,
	"*":  bytecode.OpMul,
	"/":  bytecode.OpDiv,
	"%":  bytecode.OpMod,
	".":  bytecode.OpStrCat,
	"==": bytecode.OpCmpEq,
	"!=": bytecode.OpCmpNe,
	"<":  bytecode.OpCmpLt,
	">":  bytecode.OpCmpGt,
	"<=": bytecode.OpCmpLe,
	">=": bytecode.OpCmpGe,
	"eq": bytecode.OpStrEq,
	"ne": bytecode.OpStrNe,
	"lt": bytecode.OpStrLt,
	"gt": bytecode.OpStrGt,
	"le": bytecode.OpStrLe,
	"ge": bytecode.OpStrGe,
	"&":  bytecode.OpBitAnd,
	"|":  bytecode.OpBitOr,
	"^":  bytecode.OpBitXor,
	"<<": bytecode.OpShl,
	">>": bytecode.OpShr,
}

func (c *codegen) compileExpr(expr Expr) error {
	switch e := expr.(type) {
	case *IntegerLit:
		c.emitPushInt(e.Value)
		return nil

	case *StringLit:
		idx, err := c.internString(e.Value, e.Pos)
		if err != nil {
			return err
		}
		c.m.EmitWord(bytecode.OpPushStr, uint16(idx))
		return nil

	case *VarRef:
		return c.emitLoad(e.Name, e.Pos)

	case *AssignExpr:
		return c.compileAssign(e)

	case *BinaryExpr:
		return c.compileBinary(e)

	case *UnaryExpr:
		if err := c.compileExpr(e.X); err != nil {
			return err
		}
		switch e.Op {
		case "-":
			c.m.Emit(bytecode.OpNeg)
		case "!":
			c.m.Emit(bytecode.OpNot)
		case "~":
			c.m.Emit(bytecode.OpBitNot)
		}
		return nil

	case *IncDecExpr:
		return c.compileIncDec(e)

	case *CallExpr:
		return c.compileCall(e)

	case *MatchExpr:
		if err := c.compileExpr(e.Subject); err != nil {
			return err
		}
		idx, err := c.internString(e.Pattern, e.Pos)
		if err != nil {
			return err
		}
		c.m.EmitWord(bytecode.OpPushStr, uint16(idx))
		c.m.Emit(bytecode.OpMatch)
		if e.Negated {
			c.m.Emit(bytecode.OpNot)
		}
		return nil

	case *TernaryExpr:
		if err := c.compileExpr(e.Cond); err != nil {
			return err
		}
		elseJump := c.m.EmitJump(bytecode.OpJumpIfNot)
		if err := c.compileExpr(e.Then); err != nil {
			return err
		}
		endJump := c.m.EmitJump(bytecode.OpJump)
		c.m.PatchWord(elseJump, uint16(c.m.Pos()))
		if err := c.compileExpr(e.Else); err != nil {
			return err
		}
		c.m.PatchWord(endJump, uint16(c.m.Pos()))
		return nil
	}

	return nil
}

// emitPushInt picks the compact encoding when the value fits a signed
// byte.
func (c *codegen) emitPushInt(v int16) {
	if v >= -128 && v <= 127 {
		c.m.EmitByte(bytecode.OpPushByte, byte(int8(v)))
	} else {
		c.m.EmitWord(bytecode.OpPush, uint16(v))
	}
}

// compileAssign lowers plain and compound assignment. The stored value
// stays on the stack as the expression result.
func (c *codegen) compileAssign(e *AssignExpr) error {
	if e.Op != "" {
		if err := c.emitLoad(e.Name, e.Pos); err != nil {
			return err
		}
		if err := c.compileExpr(e.Value); err != nil {
			return err
		}
		c.m.Emit(binaryOpcodes[e.Op])
	} else {
		if err := c.compileExpr(e.Value); err != nil {
			return err
		}
	}
	c.m.Emit(bytecode.OpDup)
	return c.emitStore(e.Name, e.Pos)
}

// compileBinary handles short-circuit logic and the direct opcode map.
func (c *codegen) compileBinary(e *BinaryExpr) error {
	switch e.Op {
	case "&&", "||":
		branchOp := bytecode.OpJumpIfNot
		if e.Op == "||" {
			branchOp = bytecode.OpJumpIf
		}
		if err := c.compileExpr(e.Left); err != nil {
			return err
		}
		c.m.Emit(bytecode.OpDup)
		short := c.m.EmitJump(branchOp)
		c.m.Emit(bytecode.OpPop)
		if err := c.compileExpr(e.Right); err != nil {
			return err
		}
		c.m.PatchWord(short, uint16(c.m.Pos()))
		return nil
	}

	if err := c.compileExpr(e.Left); err != nil {
		return err
	}
	if err := c.compileExpr(e.Right); err != nil {
		return err
	}
	c.m.Emit(binaryOpcodes[e.Op])
	return nil
}

// compileIncDec lowers ++/--. Prefix forms yield the new value via
// INC/DEC; postfix forms leave the old value below the update.
func (c *codegen) compileIncDec(e *IncDecExpr) error {
	if err := c.emitLoad(e.Name, e.Pos); err != nil {
		return err
	}
	if e.Prefix {
		if e.Decr {
			c.m.Emit(bytecode.OpDec)
		} else {
			c.m.Emit(bytecode.OpInc)
		}
		c.m.Emit(bytecode.OpDup)
		return c.emitStore(e.Name, e.Pos)
	}

	c.m.Emit(bytecode.OpDup)
	c.m.EmitByte(bytecode.OpPushByte, 1)
	if e.Decr {
		c.m.Emit(bytecode.OpSub)
	} else {
		c.m.Emit(bytecode.OpAdd)
	}
	return c.emitStore(e.Name, e.Pos)
}

// compileCall pushes arguments in source order and emits the call,
// recording a fixup when the target is not yet defined.
func (c *codegen) compileCall(e *CallExpr) error {
	for _, arg := range e.Args {
		if err := c.compileExpr(arg); err != nil {
			return err
		}
	}

	if info, ok := c.subs[e.Name]; ok && info.defined {
		c.m.EmitWord(bytecode.OpCall, uint16(info.addr))
		return nil
	}

	if _, ok := c.subs[e.Name]; !ok {
		c.subs[e.Name] = &subInfo{}
		c.subOrd = append(c.subOrd, e.Name)
	}
	operand := c.m.EmitJump(bytecode.OpCall)
	c.fixups[e.Name] = append(c.fixups[e.Name], fixup{operandOffset: operand, pos: e.Pos})
	return nil
}

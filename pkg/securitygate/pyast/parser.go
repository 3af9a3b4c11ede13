package pyast

import (
	"fmt"
	"strings"
)

// DefaultMaxDepth bounds syntactic nesting so hostile input cannot exhaust
// the goroutine stack.
const DefaultMaxDepth = 100

var keywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

var augOps = map[string]bool{
	"+=": true, "-=": true, "*=": true, "/=": true, "//=": true, "%=": true,
	"@=": true, "&=": true, "|=": true, "^=": true, ">>=": true, "<<=": true, "**=": true,
}

type bailout struct{ err *SyntaxError }

type parser struct {
	toks     []Token
	p        int
	depth    int
	maxDepth int
}

// Parse parses a complete module.
func Parse(src string) (*Module, error) {
	return ParseWithDepth(src, DefaultMaxDepth)
}

// ParseWithDepth parses a module with a custom nesting limit.
func ParseWithDepth(src string, maxDepth int) (mod *Module, err error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, maxDepth: maxDepth}
	defer p.recover(&err)
	return p.module(), nil
}

// ParseExpr parses a single expression, as found in an f-string field.
func ParseExpr(src string) (Expr, error) {
	return parseExprDepth(src, DefaultMaxDepth)
}

func parseExprDepth(src string, maxDepth int) (e Expr, err error) {
	toks, err := Tokenize("(" + strings.TrimSpace(src) + ")")
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, maxDepth: maxDepth}
	defer p.recover(&err)
	e = p.starExprs()
	p.skipNewlines()
	if !p.at(EOF) {
		p.fail("unexpected %s in expression", p.describe())
	}
	return e, nil
}

func (p *parser) recover(err *error) {
	if r := recover(); r != nil {
		b, ok := r.(bailout)
		if !ok {
			panic(r)
		}
		*err = b.err
	}
}

// ---- token helpers ----

func (p *parser) tok() Token { return p.toks[p.p] }

func (p *parser) peekAt(n int) Token {
	if p.p+n < len(p.toks) {
		return p.toks[p.p+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() Token {
	t := p.toks[p.p]
	if p.p < len(p.toks)-1 {
		p.p++
	}
	return t
}

func (p *parser) at(k TokenKind) bool { return p.tok().Kind == k }

func (p *parser) atOp(op string) bool {
	t := p.tok()
	return t.Kind == OP && t.Value == op
}

func (p *parser) atKeyword(kw string) bool {
	t := p.tok()
	return t.Kind == NAME && t.Value == kw
}

func (p *parser) acceptOp(op string) bool {
	if p.atOp(op) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.atKeyword(kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectOp(op string) Token {
	if !p.atOp(op) {
		p.fail("expected %q, found %s", op, p.describe())
	}
	return p.next()
}

func (p *parser) expectKeyword(kw string) Token {
	if !p.atKeyword(kw) {
		p.fail("expected %q, found %s", kw, p.describe())
	}
	return p.next()
}

func (p *parser) expectName() Token {
	t := p.tok()
	if t.Kind != NAME || keywords[t.Value] {
		p.fail("expected identifier, found %s", p.describe())
	}
	return p.next()
}

func (p *parser) skipNewlines() {
	for p.at(NEWLINE) {
		p.next()
	}
}

func (p *parser) describe() string {
	t := p.tok()
	switch t.Kind {
	case NAME, OP, NUMBER:
		return fmt.Sprintf("%q", t.Value)
	case STRING:
		return "string literal"
	default:
		return t.Kind.String()
	}
}

func (p *parser) fail(format string, args ...any) {
	panic(bailout{&SyntaxError{Pos: p.tok().Pos, Msg: fmt.Sprintf(format, args...)}})
}

func (p *parser) enter() {
	p.depth++
	if p.depth > p.maxDepth {
		p.fail("too deeply nested")
	}
}

func (p *parser) leave() { p.depth-- }

// ---- statements ----

func (p *parser) module() *Module {
	m := &Module{base: at(Pos{Line: 1, Col: 1})}
	for !p.at(EOF) {
		if p.at(NEWLINE) {
			p.next()
			continue
		}
		if p.at(INDENT) {
			p.fail("unexpected indent")
		}
		m.Body = append(m.Body, p.statement()...)
	}
	return m
}

func (p *parser) statement() []Stmt {
	p.enter()
	defer p.leave()

	t := p.tok()
	if t.Kind == OP && t.Value == "@" {
		return []Stmt{p.decorated()}
	}
	if t.Kind == NAME {
		switch t.Value {
		case "if":
			return []Stmt{p.ifStmt()}
		case "while":
			return []Stmt{p.whileStmt()}
		case "for":
			return []Stmt{p.forStmt(false)}
		case "try":
			return []Stmt{p.tryStmt()}
		case "with":
			return []Stmt{p.withStmt(false)}
		case "def":
			return []Stmt{p.funcDef(nil, false)}
		case "class":
			return []Stmt{p.classDef(nil)}
		case "async":
			return []Stmt{p.asyncStmt(nil)}
		}
	}
	return p.simpleStatements()
}

func (p *parser) simpleStatements() []Stmt {
	var out []Stmt
	for {
		out = append(out, p.smallStmt())
		if !p.acceptOp(";") {
			break
		}
		if p.at(NEWLINE) || p.at(EOF) {
			break
		}
	}
	if !p.at(EOF) {
		if !p.at(NEWLINE) {
			p.fail("unexpected %s", p.describe())
		}
		p.next()
	}
	return out
}

func (p *parser) smallStmt() Stmt {
	t := p.tok()
	if t.Kind == NAME {
		switch t.Value {
		case "pass":
			p.next()
			return &Pass{at(t.Pos)}
		case "break":
			p.next()
			return &Break{at(t.Pos)}
		case "continue":
			p.next()
			return &Continue{at(t.Pos)}
		case "return":
			p.next()
			r := &Return{base: at(t.Pos)}
			if p.startsExpr() {
				r.Value = p.starExprs()
			}
			return r
		case "raise":
			p.next()
			r := &Raise{base: at(t.Pos)}
			if p.startsExpr() {
				r.Exc = p.test()
				if p.acceptKeyword("from") {
					r.Cause = p.test()
				}
			}
			return r
		case "global", "nonlocal":
			p.next()
			names := []string{p.expectName().Value}
			for p.acceptOp(",") {
				names = append(names, p.expectName().Value)
			}
			if t.Value == "global" {
				return &Global{base: at(t.Pos), Names: names}
			}
			return &Nonlocal{base: at(t.Pos), Names: names}
		case "del":
			p.next()
			return &Delete{base: at(t.Pos), Targets: p.exprList()}
		case "assert":
			p.next()
			a := &Assert{base: at(t.Pos), Test: p.test()}
			if p.acceptOp(",") {
				a.Msg = p.test()
			}
			return a
		case "yield":
			return &ExprStmt{base: at(t.Pos), Value: p.yieldExpr()}
		case "import":
			return p.importStmt()
		case "from":
			return p.importFrom()
		}
	}
	return p.exprStmt()
}

func (p *parser) exprStmt() Stmt {
	pos := p.tok().Pos
	first := p.starExprs()

	if t := p.tok(); t.Kind == OP && augOps[t.Value] {
		p.next()
		var v Expr
		if p.atKeyword("yield") {
			v = p.yieldExpr()
		} else {
			v = p.starExprs()
		}
		return &AugAssign{base: at(pos), Target: first, Op: t.Value, Value: v}
	}
	if p.atOp(":") {
		p.next()
		a := &AnnAssign{base: at(pos), Target: first, Annotation: p.test()}
		if p.acceptOp("=") {
			a.Value = p.assignValue()
		}
		return a
	}
	if p.atOp("=") {
		targets := []Expr{first}
		var value Expr
		for p.acceptOp("=") {
			value = p.assignValue()
			if p.atOp("=") {
				targets = append(targets, value)
			}
		}
		return &Assign{base: at(pos), Targets: targets, Value: value}
	}
	return &ExprStmt{base: at(pos), Value: first}
}

func (p *parser) assignValue() Expr {
	if p.atKeyword("yield") {
		return p.yieldExpr()
	}
	return p.starExprs()
}

func (p *parser) dottedName() string {
	parts := []string{p.expectName().Value}
	for p.acceptOp(".") {
		parts = append(parts, p.expectName().Value)
	}
	return strings.Join(parts, ".")
}

func (p *parser) importStmt() Stmt {
	t := p.expectKeyword("import")
	imp := &Import{base: at(t.Pos)}
	for {
		a := Alias{Name: p.dottedName()}
		if p.acceptKeyword("as") {
			a.AsName = p.expectName().Value
		}
		imp.Names = append(imp.Names, a)
		if !p.acceptOp(",") {
			break
		}
	}
	return imp
}

func (p *parser) importFrom() Stmt {
	t := p.expectKeyword("from")
	imp := &ImportFrom{base: at(t.Pos)}
	for {
		if p.acceptOp(".") {
			imp.Level++
			continue
		}
		if p.acceptOp("...") {
			imp.Level += 3
			continue
		}
		break
	}
	if !p.atKeyword("import") {
		imp.Module = p.dottedName()
	}
	p.expectKeyword("import")
	if p.acceptOp("*") {
		imp.Names = []Alias{{Name: "*"}}
		return imp
	}
	paren := p.acceptOp("(")
	for {
		a := Alias{Name: p.expectName().Value}
		if p.acceptKeyword("as") {
			a.AsName = p.expectName().Value
		}
		imp.Names = append(imp.Names, a)
		if !p.acceptOp(",") {
			break
		}
		if paren && p.atOp(")") {
			break
		}
	}
	if paren {
		p.expectOp(")")
	}
	return imp
}

func (p *parser) block() []Stmt {
	p.expectOp(":")
	if !p.at(NEWLINE) {
		return p.simpleStatements()
	}
	p.next()
	if !p.at(INDENT) {
		p.fail("expected an indented block")
	}
	p.next()
	var body []Stmt
	for !p.at(DEDENT) && !p.at(EOF) {
		if p.at(NEWLINE) {
			p.next()
			continue
		}
		body = append(body, p.statement()...)
	}
	if p.at(DEDENT) {
		p.next()
	}
	return body
}

func (p *parser) ifStmt() Stmt {
	t := p.next()
	s := &If{base: at(t.Pos), Test: p.namedExpr()}
	s.Body = p.block()
	switch {
	case p.atKeyword("elif"):
		s.Orelse = []Stmt{p.ifStmt()}
	case p.acceptKeyword("else"):
		s.Orelse = p.block()
	}
	return s
}

func (p *parser) whileStmt() Stmt {
	t := p.next()
	s := &While{base: at(t.Pos), Test: p.namedExpr()}
	s.Body = p.block()
	if p.acceptKeyword("else") {
		s.Orelse = p.block()
	}
	return s
}

func (p *parser) forStmt(async bool) Stmt {
	t := p.expectKeyword("for")
	s := &For{base: at(t.Pos), Async: async}
	s.Target = p.targetList()
	p.expectKeyword("in")
	s.Iter = p.starExprs()
	s.Body = p.block()
	if p.acceptKeyword("else") {
		s.Orelse = p.block()
	}
	return s
}

func (p *parser) tryStmt() Stmt {
	t := p.next()
	s := &Try{base: at(t.Pos)}
	s.Body = p.block()
	for p.atKeyword("except") {
		et := p.next()
		p.acceptOp("*")
		h := &ExceptHandler{base: at(et.Pos)}
		if !p.atOp(":") {
			h.Type = p.test()
			if p.acceptOp(",") {
				elts := []Expr{h.Type, p.test()}
				for p.acceptOp(",") {
					elts = append(elts, p.test())
				}
				h.Type = &Tuple{base: at(et.Pos), Elts: elts}
			}
			if p.acceptKeyword("as") {
				h.Name = p.expectName().Value
			}
		}
		h.Body = p.block()
		s.Handlers = append(s.Handlers, h)
	}
	if p.acceptKeyword("else") {
		s.Orelse = p.block()
	}
	if p.acceptKeyword("finally") {
		s.Finalbody = p.block()
	}
	if len(s.Handlers) == 0 && s.Finalbody == nil {
		p.fail("expected 'except' or 'finally' block")
	}
	return s
}

func (p *parser) withStmt(async bool) Stmt {
	t := p.expectKeyword("with")
	s := &With{base: at(t.Pos), Async: async}
	paren := p.atOp("(") && p.parenthesizedWithItems()
	if paren {
		p.next()
	}
	for {
		item := &WithItem{base: at(p.tok().Pos), Context: p.test()}
		if p.acceptKeyword("as") {
			item.Vars = p.target()
		}
		s.Items = append(s.Items, item)
		if !p.acceptOp(",") {
			break
		}
		if paren && p.atOp(")") {
			break
		}
	}
	if paren {
		p.expectOp(")")
	}
	s.Body = p.block()
	return s
}

// parenthesizedWithItems reports whether the "(" at the cursor opens a
// parenthesized list of with-items rather than an expression.
func (p *parser) parenthesizedWithItems() bool {
	depth := 0
	for i := p.p; i < len(p.toks); i++ {
		t := p.toks[i]
		switch {
		case t.Kind == OP && (t.Value == "(" || t.Value == "[" || t.Value == "{"):
			depth++
		case t.Kind == OP && (t.Value == ")" || t.Value == "]" || t.Value == "}"):
			depth--
			if depth == 0 {
				next := p.toks[min(i+1, len(p.toks)-1)]
				return next.Kind == OP && next.Value == ":"
			}
		case t.Kind == NAME && t.Value == "as" && depth == 1:
			return true
		case t.Kind == NEWLINE || t.Kind == EOF:
			return false
		}
	}
	return false
}

func (p *parser) decorated() Stmt {
	var decorators []Expr
	for p.acceptOp("@") {
		decorators = append(decorators, p.namedExpr())
		if !p.at(NEWLINE) {
			p.fail("expected newline after decorator")
		}
		p.next()
	}
	switch {
	case p.atKeyword("def"):
		return p.funcDef(decorators, false)
	case p.atKeyword("class"):
		return p.classDef(decorators)
	case p.atKeyword("async"):
		return p.asyncStmt(decorators)
	}
	p.fail("expected function or class definition after decorator")
	return nil
}

func (p *parser) asyncStmt(decorators []Expr) Stmt {
	p.expectKeyword("async")
	switch {
	case p.atKeyword("def"):
		return p.funcDef(decorators, true)
	case decorators != nil:
		p.fail("expected 'def' after 'async'")
	case p.atKeyword("for"):
		return p.forStmt(true)
	case p.atKeyword("with"):
		return p.withStmt(true)
	}
	p.fail("expected 'def', 'for' or 'with' after 'async'")
	return nil
}

func (p *parser) funcDef(decorators []Expr, async bool) Stmt {
	t := p.expectKeyword("def")
	f := &FunctionDef{base: at(t.Pos), Decorators: decorators, Async: async}
	f.Name = p.expectName().Value
	p.expectOp("(")
	f.Args = p.parameters(")", true)
	p.expectOp(")")
	if p.acceptOp("->") {
		f.Returns = p.test()
	}
	f.Body = p.block()
	return f
}

// parameters parses a parameter list up to (not including) the closing
// token. Annotations are only legal in def parameter lists.
func (p *parser) parameters(closing string, annotated bool) *Arguments {
	args := &Arguments{base: at(p.tok().Pos)}
	for !p.atOp(closing) {
		switch {
		case p.acceptOp("/"):
		case p.acceptOp("**"), p.acceptOp("*"):
			if p.tok().Kind == NAME && !keywords[p.tok().Value] {
				args.Names = append(args.Names, p.next().Value)
				if annotated && p.acceptOp(":") {
					args.Annotations = append(args.Annotations, p.test())
				}
			}
		default:
			args.Names = append(args.Names, p.expectName().Value)
			if annotated && p.acceptOp(":") {
				args.Annotations = append(args.Annotations, p.test())
			}
			if p.acceptOp("=") {
				args.Defaults = append(args.Defaults, p.test())
			}
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return args
}

func (p *parser) classDef(decorators []Expr) Stmt {
	t := p.expectKeyword("class")
	c := &ClassDef{base: at(t.Pos), Decorators: decorators}
	c.Name = p.expectName().Value
	if p.acceptOp("(") {
		c.Bases, c.Keywords = p.arguments()
		p.expectOp(")")
	}
	c.Body = p.block()
	return c
}

// ---- expressions ----

// startsExpr reports whether the current token can begin an expression.
func (p *parser) startsExpr() bool {
	t := p.tok()
	switch t.Kind {
	case NUMBER, STRING:
		return true
	case NAME:
		switch t.Value {
		case "True", "False", "None", "not", "lambda", "await", "yield":
			return true
		}
		return !keywords[t.Value]
	case OP:
		switch t.Value {
		case "(", "[", "{", "-", "+", "~", "*", "...":
			return true
		}
	}
	return false
}

// starExprs parses a comma-separated list of expressions, producing a
// Tuple when a comma is present.
func (p *parser) starExprs() Expr {
	pos := p.tok().Pos
	first := p.starOrNamed()
	if !p.atOp(",") {
		return first
	}
	elts := []Expr{first}
	for p.acceptOp(",") {
		if !p.startsExpr() {
			break
		}
		elts = append(elts, p.starOrNamed())
	}
	return &Tuple{base: at(pos), Elts: elts}
}

func (p *parser) starOrNamed() Expr {
	if p.atOp("*") {
		t := p.next()
		return &Starred{base: at(t.Pos), Value: p.orExpr()}
	}
	return p.namedExpr()
}

// exprList parses targets such as those of del.
func (p *parser) exprList() []Expr {
	out := []Expr{p.target()}
	for p.acceptOp(",") {
		if !p.startsExpr() {
			break
		}
		out = append(out, p.target())
	}
	return out
}

// targetList parses a for-loop target.
func (p *parser) targetList() Expr {
	pos := p.tok().Pos
	elts := p.exprList()
	if len(elts) == 1 {
		return elts[0]
	}
	return &Tuple{base: at(pos), Elts: elts}
}

func (p *parser) target() Expr {
	if p.atOp("*") {
		t := p.next()
		return &Starred{base: at(t.Pos), Value: p.orExpr()}
	}
	return p.orExpr()
}

func (p *parser) namedExpr() Expr {
	t := p.tok()
	if t.Kind == NAME && !keywords[t.Value] {
		if n := p.peekAt(1); n.Kind == OP && n.Value == ":=" {
			p.next()
			p.next()
			return &NamedExpr{base: at(t.Pos), Target: &Name{base: at(t.Pos), ID: t.Value}, Value: p.test()}
		}
	}
	return p.test()
}

func (p *parser) test() Expr {
	p.enter()
	defer p.leave()

	if p.atKeyword("lambda") {
		return p.lambda()
	}
	pos := p.tok().Pos
	e := p.orTest()
	if p.atKeyword("if") {
		p.next()
		cond := p.orTest()
		p.expectKeyword("else")
		return &IfExp{base: at(pos), Test: cond, Body: e, Orelse: p.test()}
	}
	return e
}

func (p *parser) lambda() Expr {
	t := p.expectKeyword("lambda")
	l := &Lambda{base: at(t.Pos)}
	l.Args = p.parameters(":", false)
	p.expectOp(":")
	l.Body = p.test()
	return l
}

func (p *parser) orTest() Expr {
	pos := p.tok().Pos
	e := p.andTest()
	if !p.atKeyword("or") {
		return e
	}
	values := []Expr{e}
	for p.acceptKeyword("or") {
		values = append(values, p.andTest())
	}
	return &BoolOp{base: at(pos), Op: "or", Values: values}
}

func (p *parser) andTest() Expr {
	pos := p.tok().Pos
	e := p.notTest()
	if !p.atKeyword("and") {
		return e
	}
	values := []Expr{e}
	for p.acceptKeyword("and") {
		values = append(values, p.notTest())
	}
	return &BoolOp{base: at(pos), Op: "and", Values: values}
}

func (p *parser) notTest() Expr {
	if p.atKeyword("not") {
		p.enter()
		defer p.leave()
		t := p.next()
		return &UnaryOp{base: at(t.Pos), Op: "not", Operand: p.notTest()}
	}
	return p.comparison()
}

func (p *parser) compOp() (string, bool) {
	t := p.tok()
	switch {
	case t.Kind == OP:
		switch t.Value {
		case "<", ">", "==", ">=", "<=", "!=":
			p.next()
			return t.Value, true
		}
	case t.Kind == NAME && t.Value == "in":
		p.next()
		return "in", true
	case t.Kind == NAME && t.Value == "not":
		if n := p.peekAt(1); n.Kind == NAME && n.Value == "in" {
			p.next()
			p.next()
			return "not in", true
		}
	case t.Kind == NAME && t.Value == "is":
		p.next()
		if p.acceptKeyword("not") {
			return "is not", true
		}
		return "is", true
	}
	return "", false
}

func (p *parser) comparison() Expr {
	pos := p.tok().Pos
	left := p.orExpr()
	var ops []string
	var rest []Expr
	for {
		op, ok := p.compOp()
		if !ok {
			break
		}
		ops = append(ops, op)
		rest = append(rest, p.orExpr())
	}
	if len(ops) == 0 {
		return left
	}
	return &Compare{base: at(pos), Left: left, Ops: ops, Comparators: rest}
}

// binaryLevels lists binary operators from loosest to tightest binding.
var binaryLevels = [][]string{
	{"|"},
	{"^"},
	{"&"},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "//", "%", "@"},
}

func (p *parser) orExpr() Expr { return p.binary(0) }

func (p *parser) binary(level int) Expr {
	if level == len(binaryLevels) {
		return p.factor()
	}
	left := p.binary(level + 1)
	for {
		t := p.tok()
		if t.Kind != OP || !contains(binaryLevels[level], t.Value) {
			return left
		}
		p.next()
		right := p.binary(level + 1)
		left = &BinOp{base: at(t.Pos), Left: left, Op: t.Value, Right: right}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (p *parser) factor() Expr {
	t := p.tok()
	if t.Kind == OP && (t.Value == "-" || t.Value == "+" || t.Value == "~") {
		p.enter()
		defer p.leave()
		p.next()
		return &UnaryOp{base: at(t.Pos), Op: t.Value, Operand: p.factor()}
	}
	return p.power()
}

func (p *parser) power() Expr {
	pos := p.tok().Pos
	var e Expr
	if p.atKeyword("await") {
		p.next()
		e = &Await{base: at(pos), Value: p.primary()}
	} else {
		e = p.primary()
	}
	if t := p.tok(); t.Kind == OP && t.Value == "**" {
		p.next()
		return &BinOp{base: at(t.Pos), Left: e, Op: "**", Right: p.factor()}
	}
	return e
}

func (p *parser) primary() Expr {
	e := p.atom()
	for {
		t := p.tok()
		if t.Kind != OP {
			return e
		}
		switch t.Value {
		case ".":
			p.next()
			e = &Attribute{base: at(t.Pos), Value: e, Attr: p.expectName().Value}
		case "(":
			p.next()
			args, kws := p.arguments()
			p.expectOp(")")
			e = &Call{base: at(t.Pos), Func: e, Args: args, Keywords: kws}
		case "[":
			p.next()
			idx := p.subscriptList()
			p.expectOp("]")
			e = &Subscript{base: at(t.Pos), Value: e, Index: idx}
		default:
			return e
		}
	}
}

func (p *parser) arguments() ([]Expr, []*Keyword) {
	var args []Expr
	var kws []*Keyword
	for !p.atOp(")") {
		t := p.tok()
		switch {
		case t.Kind == OP && t.Value == "*":
			p.next()
			args = append(args, &Starred{base: at(t.Pos), Value: p.test()})
		case t.Kind == OP && t.Value == "**":
			p.next()
			kws = append(kws, &Keyword{base: at(t.Pos), Value: p.test()})
		case t.Kind == NAME && !keywords[t.Value] && p.peekAt(1).Kind == OP && p.peekAt(1).Value == "=":
			p.next()
			p.next()
			kws = append(kws, &Keyword{base: at(t.Pos), Arg: t.Value, Value: p.test()})
		default:
			e := p.namedExpr()
			if p.atKeyword("for") || p.atKeyword("async") {
				e = &Comp{base: at(t.Pos), Kind: "genexp", Elt: e, Generators: p.compFor()}
			}
			args = append(args, e)
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return args, kws
}

func (p *parser) subscriptList() Expr {
	pos := p.tok().Pos
	first := p.subscript()
	if !p.atOp(",") {
		return first
	}
	elts := []Expr{first}
	for p.acceptOp(",") {
		if p.atOp("]") {
			break
		}
		elts = append(elts, p.subscript())
	}
	return &Tuple{base: at(pos), Elts: elts}
}

func (p *parser) subscript() Expr {
	pos := p.tok().Pos
	if p.atOp("*") {
		t := p.next()
		return &Starred{base: at(t.Pos), Value: p.orExpr()}
	}
	var lower Expr
	if !p.atOp(":") {
		lower = p.namedExpr()
		if !p.atOp(":") {
			return lower
		}
	}
	s := &Slice{base: at(pos), Lower: lower}
	p.expectOp(":")
	if !p.atOp(":") && !p.atOp("]") && !p.atOp(",") {
		s.Upper = p.test()
	}
	if p.acceptOp(":") {
		if !p.atOp("]") && !p.atOp(",") {
			s.Step = p.test()
		}
	}
	return s
}

func (p *parser) compFor() []*Comprehension {
	var gens []*Comprehension
	for p.atKeyword("for") || p.atKeyword("async") {
		pos := p.tok().Pos
		async := p.acceptKeyword("async")
		p.expectKeyword("for")
		c := &Comprehension{base: at(pos), Async: async}
		c.Target = p.targetList()
		p.expectKeyword("in")
		c.Iter = p.orTest()
		for p.atKeyword("if") {
			p.next()
			c.Ifs = append(c.Ifs, p.orTest())
		}
		gens = append(gens, c)
	}
	return gens
}

func (p *parser) yieldExpr() Expr {
	t := p.expectKeyword("yield")
	y := &Yield{base: at(t.Pos)}
	if p.acceptKeyword("from") {
		y.From = true
		y.Value = p.test()
		return y
	}
	if p.startsExpr() {
		y.Value = p.starExprs()
	}
	return y
}

func (p *parser) atom() Expr {
	t := p.tok()
	switch t.Kind {
	case NUMBER:
		p.next()
		v, isInt, err := ParseNumber(t.Value)
		if err != nil {
			p.fail("invalid number %q", t.Value)
		}
		return &Constant{base: at(t.Pos), Kind: ConstNumber, Num: v, IsInt: isInt, Raw: t.Value}
	case STRING:
		return p.stringLit()
	case NAME:
		switch t.Value {
		case "True", "False":
			p.next()
			return &Constant{base: at(t.Pos), Kind: ConstBool, Bool: t.Value == "True", Raw: t.Value}
		case "None":
			p.next()
			return &Constant{base: at(t.Pos), Kind: ConstNone, Raw: t.Value}
		}
		if keywords[t.Value] {
			p.fail("unexpected keyword %q", t.Value)
		}
		p.next()
		return &Name{base: at(t.Pos), ID: t.Value}
	case OP:
		switch t.Value {
		case "(":
			return p.parenAtom()
		case "[":
			return p.listAtom()
		case "{":
			return p.braceAtom()
		case "...":
			p.next()
			return &Constant{base: at(t.Pos), Kind: ConstEllipsis, Raw: "..."}
		}
	}
	p.fail("unexpected %s", p.describe())
	return nil
}

func (p *parser) parenAtom() Expr {
	p.enter()
	defer p.leave()

	t := p.expectOp("(")
	if p.acceptOp(")") {
		return &Tuple{base: at(t.Pos)}
	}
	if p.atKeyword("yield") {
		y := p.yieldExpr()
		p.expectOp(")")
		return y
	}
	first := p.starOrNamed()
	if p.atKeyword("for") || p.atKeyword("async") {
		c := &Comp{base: at(t.Pos), Kind: "genexp", Elt: first, Generators: p.compFor()}
		p.expectOp(")")
		return c
	}
	if !p.atOp(",") {
		p.expectOp(")")
		return first
	}
	elts := []Expr{first}
	for p.acceptOp(",") {
		if p.atOp(")") {
			break
		}
		elts = append(elts, p.starOrNamed())
	}
	p.expectOp(")")
	return &Tuple{base: at(t.Pos), Elts: elts}
}

func (p *parser) listAtom() Expr {
	p.enter()
	defer p.leave()

	t := p.expectOp("[")
	if p.acceptOp("]") {
		return &List{base: at(t.Pos)}
	}
	first := p.starOrNamed()
	if p.atKeyword("for") || p.atKeyword("async") {
		c := &Comp{base: at(t.Pos), Kind: "listcomp", Elt: first, Generators: p.compFor()}
		p.expectOp("]")
		return c
	}
	elts := []Expr{first}
	for p.acceptOp(",") {
		if p.atOp("]") {
			break
		}
		elts = append(elts, p.starOrNamed())
	}
	p.expectOp("]")
	return &List{base: at(t.Pos), Elts: elts}
}

func (p *parser) braceAtom() Expr {
	p.enter()
	defer p.leave()

	t := p.expectOp("{")
	if p.acceptOp("}") {
		return &Dict{base: at(t.Pos)}
	}

	if p.atOp("**") || p.isDictEntry() {
		d := &Dict{base: at(t.Pos)}
		for !p.atOp("}") {
			if p.acceptOp("**") {
				d.Keys = append(d.Keys, nil)
				d.Values = append(d.Values, p.orExpr())
			} else {
				k := p.test()
				p.expectOp(":")
				v := p.test()
				if len(d.Keys) == 0 && (p.atKeyword("for") || p.atKeyword("async")) {
					c := &Comp{base: at(t.Pos), Kind: "dictcomp", Key: k, Elt: v, Generators: p.compFor()}
					p.expectOp("}")
					return c
				}
				d.Keys = append(d.Keys, k)
				d.Values = append(d.Values, v)
			}
			if !p.acceptOp(",") {
				break
			}
		}
		p.expectOp("}")
		return d
	}

	first := p.starOrNamed()
	if p.atKeyword("for") || p.atKeyword("async") {
		c := &Comp{base: at(t.Pos), Kind: "setcomp", Elt: first, Generators: p.compFor()}
		p.expectOp("}")
		return c
	}
	elts := []Expr{first}
	for p.acceptOp(",") {
		if p.atOp("}") {
			break
		}
		elts = append(elts, p.starOrNamed())
	}
	p.expectOp("}")
	return &Set{base: at(t.Pos), Elts: elts}
}

// isDictEntry looks ahead for a top-level ':' before the first ',' or the
// closing brace.
func (p *parser) isDictEntry() bool {
	depth := 0
	for i := p.p; i < len(p.toks); i++ {
		t := p.toks[i]
		if t.Kind == EOF {
			return false
		}
		if t.Kind == NAME && t.Value == "lambda" && depth == 0 {
			// A lambda's ':' belongs to the lambda; skip to its body.
			return p.lambdaIsKey(i)
		}
		if t.Kind != OP {
			continue
		}
		switch t.Value {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				return false
			}
			depth--
		case ":":
			if depth == 0 {
				return true
			}
		case ",":
			if depth == 0 {
				return false
			}
		}
	}
	return false
}

// lambdaIsKey handles {lambda: x: y} style entries, which are rare enough
// that treating any second top-level ':' as a dict separator suffices.
func (p *parser) lambdaIsKey(from int) bool {
	colons := 0
	depth := 0
	for i := from; i < len(p.toks); i++ {
		t := p.toks[i]
		if t.Kind != OP {
			continue
		}
		switch t.Value {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				return colons >= 2
			}
			depth--
		case ":":
			if depth == 0 {
				colons++
			}
		case ",":
			if depth == 0 {
				return colons >= 2
			}
		}
	}
	return false
}

// stringLit joins adjacent string literals. Any f-string part turns the
// result into a JoinedStr whose fields are parsed as expressions.
func (p *parser) stringLit() Expr {
	first := p.tok()
	var (
		text    strings.Builder
		raw     strings.Builder
		isBytes bool
		isF     bool
		fields  []Expr
	)
	for p.at(STRING) {
		t := p.next()
		if strings.Contains(t.Prefix, "b") {
			isBytes = true
		}
		raw.WriteString(t.Raw)
		if strings.Contains(t.Prefix, "f") {
			isF = true
			exprs, err := fstringFields(t.Raw, p.maxDepth-p.depth)
			if err != nil {
				panic(bailout{&SyntaxError{Pos: t.Pos, Msg: "f-string: " + err.Error()}})
			}
			fields = append(fields, exprs...)
		}
		text.WriteString(t.Value)
	}
	if isF {
		return &JoinedStr{base: at(first.Pos), Raw: raw.String(), Values: fields}
	}
	kind := ConstString
	if isBytes {
		kind = ConstBytes
	}
	return &Constant{base: at(first.Pos), Kind: kind, Str: text.String(), Raw: raw.String()}
}

// fstringFields extracts and parses the replacement fields of an f-string
// body, including fields nested inside format specs.
func fstringFields(body string, maxDepth int) ([]Expr, error) {
	if maxDepth <= 0 {
		return nil, fmt.Errorf("too deeply nested")
	}
	var out []Expr
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '}' {
			if i+1 < len(body) && body[i+1] == '}' {
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' is not allowed")
		}
		if c != '{' {
			continue
		}
		if i+1 < len(body) && body[i+1] == '{' {
			i++
			continue
		}
		end, exprEnd, specStart, err := fieldBounds(body, i+1)
		if err != nil {
			return nil, err
		}
		src := strings.TrimSuffix(strings.TrimSpace(body[i+1:exprEnd]), "=")
		if strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("empty expression not allowed")
		}
		e, err := parseExprDepth(src, maxDepth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if specStart >= 0 {
			nested, err := fstringFields(body[specStart+1:end], maxDepth-1)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
		i = end
	}
	return out, nil
}

// fieldBounds finds the closing '}' of a replacement field starting at
// start, where its expression part ends (at a top-level '!' or ':') and
// where its format spec begins, or -1 when there is none.
func fieldBounds(body string, start int) (end, exprEnd, specStart int, err error) {
	depth := 0
	exprEnd, specStart = -1, -1
	var quote byte
	for i := start; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			if specStart < 0 {
				quote = c
			}
		case '(', '[', '{':
			depth++
		case ')', ']':
			depth--
		case '}':
			if depth == 0 {
				if exprEnd < 0 {
					exprEnd = i
				}
				return i, exprEnd, specStart, nil
			}
			depth--
		case '!':
			if depth == 0 && exprEnd < 0 && !(i+1 < len(body) && body[i+1] == '=') {
				exprEnd = i
			}
		case ':':
			if depth == 0 && specStart < 0 {
				if exprEnd < 0 {
					exprEnd = i
				}
				specStart = i
			}
		}
	}
	return 0, 0, 0, fmt.Errorf("expecting '}'")
}

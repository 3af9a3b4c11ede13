// Package pyast is a small Python 3 front end: a lexer and a
// recursive-descent parser producing a syntax tree that is complete enough
// for static policy analysis. It does not evaluate anything and does not
// attempt to reject every program CPython would reject.
package pyast

import "fmt"

// Pos is a 1-based source position.
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Col) }

// Node is any syntax tree node.
type Node interface {
	Pos() Pos
}

// Expr is an expression node.
type Expr interface {
	Node
	exprNode()
}

// Stmt is a statement node.
type Stmt interface {
	Node
	stmtNode()
}

type base struct{ P Pos }

func (b base) Pos() Pos { return b.P }

func at(p Pos) base { return base{P: p} }

// ConstKind distinguishes literal constants.
type ConstKind int

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstNumber
	ConstString
	ConstBytes
	ConstEllipsis
)

// ---- expressions ----

type (
	// Name is an identifier reference.
	Name struct {
		base
		ID string
	}

	// Constant is a literal. For numbers Num holds the (possibly lossy)
	// float value and IsInt records whether the literal was an integer.
	Constant struct {
		base
		Kind  ConstKind
		Str   string
		Num   float64
		IsInt bool
		Bool  bool
		Raw   string
	}

	// JoinedStr is an f-string. Values holds the parsed replacement fields.
	JoinedStr struct {
		base
		Raw    string
		Values []Expr
	}

	Attribute struct {
		base
		Value Expr
		Attr  string
	}

	Call struct {
		base
		Func     Expr
		Args     []Expr
		Keywords []*Keyword
	}

	// Keyword is a call keyword argument. Arg is empty for **kwargs.
	Keyword struct {
		base
		Arg   string
		Value Expr
	}

	BinOp struct {
		base
		Left  Expr
		Op    string
		Right Expr
	}

	UnaryOp struct {
		base
		Op      string
		Operand Expr
	}

	BoolOp struct {
		base
		Op     string
		Values []Expr
	}

	Compare struct {
		base
		Left        Expr
		Ops         []string
		Comparators []Expr
	}

	IfExp struct {
		base
		Test   Expr
		Body   Expr
		Orelse Expr
	}

	Lambda struct {
		base
		Args *Arguments
		Body Expr
	}

	Subscript struct {
		base
		Value Expr
		Index Expr
	}

	Slice struct {
		base
		Lower Expr
		Upper Expr
		Step  Expr
	}

	Tuple struct {
		base
		Elts []Expr
	}

	List struct {
		base
		Elts []Expr
	}

	Set struct {
		base
		Elts []Expr
	}

	// Dict keeps keys and values aligned; a nil key marks a ** unpacking.
	Dict struct {
		base
		Keys   []Expr
		Values []Expr
	}

	// Comp covers list, set and dict comprehensions and generator
	// expressions. Key is only set for dict comprehensions.
	Comp struct {
		base
		Kind       string
		Key        Expr
		Elt        Expr
		Generators []*Comprehension
	}

	Comprehension struct {
		base
		Target Expr
		Iter   Expr
		Ifs    []Expr
		Async  bool
	}

	Starred struct {
		base
		Value Expr
	}

	NamedExpr struct {
		base
		Target Expr
		Value  Expr
	}

	Yield struct {
		base
		Value Expr
		From  bool
	}

	Await struct {
		base
		Value Expr
	}
)

func (*Name) exprNode()          {}
func (*Constant) exprNode()      {}
func (*JoinedStr) exprNode()     {}
func (*Attribute) exprNode()     {}
func (*Call) exprNode()          {}
func (*BinOp) exprNode()         {}
func (*UnaryOp) exprNode()       {}
func (*BoolOp) exprNode()        {}
func (*Compare) exprNode()       {}
func (*IfExp) exprNode()         {}
func (*Lambda) exprNode()        {}
func (*Subscript) exprNode()     {}
func (*Slice) exprNode()         {}
func (*Tuple) exprNode()         {}
func (*List) exprNode()          {}
func (*Set) exprNode()           {}
func (*Dict) exprNode()          {}
func (*Comp) exprNode()          {}
func (*Starred) exprNode()       {}
func (*NamedExpr) exprNode()     {}
func (*Yield) exprNode()         {}
func (*Await) exprNode()         {}
func (*Keyword) exprNode()       {}
func (*Comprehension) exprNode() {}

// Arguments is a function or lambda parameter list. Only the parts that
// can carry executable expressions are kept.
type Arguments struct {
	base
	Names       []string
	Defaults    []Expr
	Annotations []Expr
}

func (*Arguments) exprNode() {}

// ---- statements ----

type (
	Module struct {
		base
		Body []Stmt
	}

	Alias struct {
		Name   string
		AsName string
	}

	Import struct {
		base
		Names []Alias
	}

	// ImportFrom has Level > 0 for relative imports.
	ImportFrom struct {
		base
		Module string
		Names  []Alias
		Level  int
	}

	Assign struct {
		base
		Targets []Expr
		Value   Expr
	}

	AugAssign struct {
		base
		Target Expr
		Op     string
		Value  Expr
	}

	AnnAssign struct {
		base
		Target     Expr
		Annotation Expr
		Value      Expr
	}

	ExprStmt struct {
		base
		Value Expr
	}

	Pass     struct{ base }
	Break    struct{ base }
	Continue struct{ base }

	Return struct {
		base
		Value Expr
	}

	Raise struct {
		base
		Exc   Expr
		Cause Expr
	}

	Global struct {
		base
		Names []string
	}

	Nonlocal struct {
		base
		Names []string
	}

	Delete struct {
		base
		Targets []Expr
	}

	Assert struct {
		base
		Test Expr
		Msg  Expr
	}

	If struct {
		base
		Test   Expr
		Body   []Stmt
		Orelse []Stmt
	}

	While struct {
		base
		Test   Expr
		Body   []Stmt
		Orelse []Stmt
	}

	For struct {
		base
		Target Expr
		Iter   Expr
		Body   []Stmt
		Orelse []Stmt
		Async  bool
	}

	Try struct {
		base
		Body      []Stmt
		Handlers  []*ExceptHandler
		Orelse    []Stmt
		Finalbody []Stmt
	}

	ExceptHandler struct {
		base
		Type Expr
		Name string
		Body []Stmt
	}

	With struct {
		base
		Items []*WithItem
		Body  []Stmt
		Async bool
	}

	WithItem struct {
		base
		Context Expr
		Vars    Expr
	}

	FunctionDef struct {
		base
		Name       string
		Decorators []Expr
		Args       *Arguments
		Returns    Expr
		Body       []Stmt
		Async      bool
	}

	ClassDef struct {
		base
		Name       string
		Decorators []Expr
		Bases      []Expr
		Keywords   []*Keyword
		Body       []Stmt
	}
)

func (*Module) stmtNode()        {}
func (*Import) stmtNode()        {}
func (*ImportFrom) stmtNode()    {}
func (*Assign) stmtNode()        {}
func (*AugAssign) stmtNode()     {}
func (*AnnAssign) stmtNode()     {}
func (*ExprStmt) stmtNode()      {}
func (*Pass) stmtNode()          {}
func (*Break) stmtNode()         {}
func (*Continue) stmtNode()      {}
func (*Return) stmtNode()        {}
func (*Raise) stmtNode()         {}
func (*Global) stmtNode()        {}
func (*Nonlocal) stmtNode()      {}
func (*Delete) stmtNode()        {}
func (*Assert) stmtNode()        {}
func (*If) stmtNode()            {}
func (*While) stmtNode()         {}
func (*For) stmtNode()           {}
func (*Try) stmtNode()           {}
func (*ExceptHandler) stmtNode() {}
func (*With) stmtNode()          {}
func (*WithItem) stmtNode()      {}
func (*FunctionDef) stmtNode()   {}
func (*ClassDef) stmtNode()      {}

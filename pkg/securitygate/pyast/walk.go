package pyast

// Inspect traverses the tree rooted at n in depth-first source order,
// calling f for each node. If f returns false the children of that node
// are skipped.
func Inspect(n Node, f func(Node) bool) {
	if n == nil || !f(n) {
		return
	}
	for _, c := range Children(n) {
		Inspect(c, f)
	}
}

// Children returns the direct children of n in source order.
func Children(n Node) []Node {
	var out []Node
	add := func(es ...Expr) {
		for _, e := range es {
			if e != nil {
				out = append(out, e)
			}
		}
	}
	body := func(ss []Stmt) {
		for _, s := range ss {
			if s != nil {
				out = append(out, s)
			}
		}
	}

	switch n := n.(type) {
	case *Module:
		body(n.Body)
	case *Import, *ImportFrom, *Pass, *Break, *Continue, *Global, *Nonlocal:
	case *Assign:
		add(n.Targets...)
		add(n.Value)
	case *AugAssign:
		add(n.Target, n.Value)
	case *AnnAssign:
		add(n.Target, n.Annotation, n.Value)
	case *ExprStmt:
		add(n.Value)
	case *Return:
		add(n.Value)
	case *Raise:
		add(n.Exc, n.Cause)
	case *Delete:
		add(n.Targets...)
	case *Assert:
		add(n.Test, n.Msg)
	case *If:
		add(n.Test)
		body(n.Body)
		body(n.Orelse)
	case *While:
		add(n.Test)
		body(n.Body)
		body(n.Orelse)
	case *For:
		add(n.Target, n.Iter)
		body(n.Body)
		body(n.Orelse)
	case *Try:
		body(n.Body)
		for _, h := range n.Handlers {
			out = append(out, h)
		}
		body(n.Orelse)
		body(n.Finalbody)
	case *ExceptHandler:
		add(n.Type)
		body(n.Body)
	case *With:
		for _, it := range n.Items {
			out = append(out, it)
		}
		body(n.Body)
	case *WithItem:
		add(n.Context, n.Vars)
	case *FunctionDef:
		add(n.Decorators...)
		if n.Args != nil {
			out = append(out, n.Args)
		}
		add(n.Returns)
		body(n.Body)
	case *ClassDef:
		add(n.Decorators...)
		add(n.Bases...)
		for _, k := range n.Keywords {
			out = append(out, k)
		}
		body(n.Body)

	case *Name, *Constant:
	case *JoinedStr:
		add(n.Values...)
	case *Attribute:
		add(n.Value)
	case *Call:
		add(n.Func)
		add(n.Args...)
		for _, k := range n.Keywords {
			out = append(out, k)
		}
	case *Keyword:
		add(n.Value)
	case *BinOp:
		add(n.Left, n.Right)
	case *UnaryOp:
		add(n.Operand)
	case *BoolOp:
		add(n.Values...)
	case *Compare:
		add(n.Left)
		add(n.Comparators...)
	case *IfExp:
		add(n.Test, n.Body, n.Orelse)
	case *Lambda:
		if n.Args != nil {
			out = append(out, n.Args)
		}
		add(n.Body)
	case *Arguments:
		add(n.Annotations...)
		add(n.Defaults...)
	case *Subscript:
		add(n.Value, n.Index)
	case *Slice:
		add(n.Lower, n.Upper, n.Step)
	case *Tuple:
		add(n.Elts...)
	case *List:
		add(n.Elts...)
	case *Set:
		add(n.Elts...)
	case *Dict:
		for i := range n.Values {
			if n.Keys[i] != nil {
				add(n.Keys[i])
			}
			add(n.Values[i])
		}
	case *Comp:
		add(n.Key, n.Elt)
		for _, g := range n.Generators {
			out = append(out, g)
		}
	case *Comprehension:
		add(n.Target, n.Iter)
		add(n.Ifs...)
	case *Starred:
		add(n.Value)
	case *NamedExpr:
		add(n.Target, n.Value)
	case *Yield:
		add(n.Value)
	case *Await:
		add(n.Value)
	}
	return out
}

// DottedName renders a Name or chain of Attributes as "a.b.c". It returns
// the empty string for any other expression shape.
func DottedName(e Expr) string {
	switch e := e.(type) {
	case *Name:
		return e.ID
	case *Attribute:
		prefix := DottedName(e.Value)
		if prefix == "" {
			return ""
		}
		return prefix + "." + e.Attr
	}
	return ""
}

// CalleeName returns the final identifier of a call target: "f" for f()
// and "g" for a.b.g().
func CalleeName(c *Call) string {
	switch f := c.Func.(type) {
	case *Name:
		return f.ID
	case *Attribute:
		return f.Attr
	}
	return ""
}

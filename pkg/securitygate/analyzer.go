package securitygate

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate/pyast"
)

const (
	allocFactorLimit   = 1e6
	allocExponentLimit = 6
	numericLimit       = 1e12
	literalLenLimit    = 1_000_000
	secretLen          = 8
	secretLenInList    = 4
)

// errTooComplex aborts the walk once the node ceiling is crossed.
type errTooComplex struct{}

// analyzer walks a parsed module once and accumulates violations in
// source order.
type analyzer struct {
	rules    Rules
	idx      ruleIndex
	maxNodes int
	nodes    int
	out      []string
	seen     map[string]bool
}

func newAnalyzer(rules Rules, maxNodes int) *analyzer {
	return &analyzer{rules: rules, idx: rules.index(), maxNodes: maxNodes, seen: map[string]bool{}}
}

func (a *analyzer) report(format string, args ...any) {
	msg := "Security Violation: " + fmt.Sprintf(format, args...)
	if a.seen[msg] {
		return
	}
	a.seen[msg] = true
	a.out = append(a.out, msg)
}

func (a *analyzer) run(mod *pyast.Module) (violations []string, tooComplex bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(errTooComplex); !ok {
				panic(r)
			}
			tooComplex = true
		}
	}()
	pyast.Inspect(mod, a.visit)
	return a.out, false
}

func (a *analyzer) visit(n pyast.Node) bool {
	a.nodes++
	if a.nodes > a.maxNodes {
		panic(errTooComplex{})
	}

	switch n := n.(type) {
	case *pyast.Import:
		for _, alias := range n.Names {
			a.checkModule(alias.Name)
		}
	case *pyast.ImportFrom:
		if n.Level == 0 && n.Module != "" {
			a.checkModule(n.Module)
		}
	case *pyast.While:
		if isAlwaysTrue(n.Test) && !hasLoopExit(n.Body) {
			a.report("Potential infinite loop detected.")
		}
	case *pyast.BinOp:
		if n.Op == "*" {
			large := isLargeAllocFactor(n.Left) || isLargeAllocFactor(n.Right)
			if size, ok := foldSize(n); ok && size > allocFactorLimit {
				large = true
			}
			if large {
				a.report("Potential large memory allocation detected.")
			}
		}
	case *pyast.Constant:
		switch n.Kind {
		case pyast.ConstNumber:
			if n.Num > numericLimit {
				a.report("Extremely large numeric constant.")
			}
		case pyast.ConstString, pyast.ConstBytes:
			if len(n.Str) > literalLenLimit {
				a.report("Extremely large data literal.")
			}
		}
	case *pyast.JoinedStr:
		if len(n.Raw) > literalLenLimit {
			a.report("Extremely large data literal.")
		}
	case *pyast.Call:
		a.checkCall(n)
	case *pyast.Attribute:
		if a.idx.attributes[n.Attr] {
			a.report("Access to internal attribute '%s' forbidden.", n.Attr)
		}
		path := pyast.DottedName(n)
		for _, hook := range a.rules.PersistenceHooks {
			if hook != "" && (path == hook || strings.HasPrefix(path, hook+".")) {
				a.report("Persistent host hook detected: '%s'", path)
			}
		}
	case *pyast.Assign:
		for _, target := range n.Targets {
			a.checkSecret(target, n.Value)
		}
	case *pyast.AnnAssign:
		if n.Value != nil {
			a.checkSecret(n.Target, n.Value)
		}
	}
	return true
}

func (a *analyzer) checkModule(name string) {
	parts := strings.Split(name, ".")
	for i := range parts {
		if a.idx.modules[strings.Join(parts[:i+1], ".")] {
			a.report("Forbidden module import '%s'", name)
			return
		}
	}
}

func (a *analyzer) checkCall(call *pyast.Call) {
	name := pyast.CalleeName(call)
	if a.idx.calls[name] {
		a.report("Use of forbidden function '%s'", name)
	}

	if _, ok := call.Func.(*pyast.Attribute); ok {
		path := pyast.DottedName(call.Func)
		if prefix := a.rules.HostOperatorPrefix; prefix != "" && strings.HasPrefix(path, prefix) {
			if op := strings.TrimPrefix(path, prefix); a.idx.operators[op] {
				a.report("Use of forbidden host operator '%s'", path)
			}
		}
		if strings.HasSuffix(path, ".nodes.new") || strings.HasSuffix(path, ".nodes.add") {
			a.checkNodeType(call)
		}
	}

	if a.idx.network[name] {
		a.checkNetwork(call)
	}
	if a.idx.fileCalls[name] {
		for _, arg := range call.Args {
			if s, ok := stringConst(arg); ok && !a.pathSafe(s) {
				a.report("Access to forbidden path '%s' blocked.", s)
			}
		}
	}
}

func (a *analyzer) checkNodeType(call *pyast.Call) {
	for _, arg := range call.Args {
		if s, ok := stringConst(arg); ok && a.idx.nodeTypes[s] {
			a.report("Node type '%s' is forbidden.", s)
		}
	}
	for _, kw := range call.Keywords {
		if kw.Arg != "type" {
			continue
		}
		if s, ok := stringConst(kw.Value); ok && a.idx.nodeTypes[s] {
			a.report("Node type '%s' is forbidden.", s)
		}
	}
}

func (a *analyzer) checkNetwork(call *pyast.Call) {
	raw, ok := callURL(call)
	if !ok {
		return
	}
	host, port := urlHostPort(raw)
	if !a.idx.hosts[host] {
		a.report("External network request to '%s' blocked.", raw)
		return
	}
	if isLoopback(host) && a.rules.BridgePort != "" && port == a.rules.BridgePort && !a.hasAuthHeader(call) {
		a.report("Local bridge requests MUST include '%s' header.", a.rules.AuthHeader)
	}
}

func (a *analyzer) hasAuthHeader(call *pyast.Call) bool {
	for _, kw := range call.Keywords {
		if kw.Arg != "headers" {
			continue
		}
		d, ok := kw.Value.(*pyast.Dict)
		if !ok {
			continue
		}
		for _, k := range d.Keys {
			if s, ok := stringConst(k); ok && s == a.rules.AuthHeader {
				return true
			}
		}
	}
	return false
}

func (a *analyzer) pathSafe(p string) bool {
	if strings.Contains(p, "..") {
		return false
	}
	for _, forbidden := range a.rules.ProtectedPaths {
		if forbidden != "" && strings.Contains(p, forbidden) {
			return false
		}
	}
	return true
}

func (a *analyzer) checkSecret(target, value pyast.Expr) {
	name, ok := target.(*pyast.Name)
	if !ok {
		return
	}
	upper := strings.ToUpper(name.ID)
	for _, marker := range a.rules.SecretMarkers {
		if strings.Contains(upper, marker) {
			if sensitiveValue(value, false) {
				a.report("Potential hardcoded secret in variable '%s'", name.ID)
			}
			return
		}
	}
}

// sensitiveValue reports whether value looks like an inline credential: a
// long string literal, a concatenation containing one, any f-string, or a
// list containing shorter literals.
func sensitiveValue(value pyast.Expr, inList bool) bool {
	threshold := secretLen
	if inList {
		threshold = secretLenInList
	}
	switch v := value.(type) {
	case *pyast.Constant:
		return v.Kind == pyast.ConstString && len(v.Str) >= threshold
	case *pyast.BinOp:
		return v.Op == "+" && (sensitiveValue(v.Left, inList) || sensitiveValue(v.Right, inList))
	case *pyast.JoinedStr:
		return true
	case *pyast.List:
		for _, e := range v.Elts {
			if sensitiveValue(e, true) {
				return true
			}
		}
	case *pyast.Tuple:
		for _, e := range v.Elts {
			if sensitiveValue(e, true) {
				return true
			}
		}
	}
	return false
}

func isAlwaysTrue(e pyast.Expr) bool {
	c, ok := e.(*pyast.Constant)
	if !ok {
		return false
	}
	switch c.Kind {
	case pyast.ConstBool:
		return c.Bool
	case pyast.ConstNumber:
		return c.Num != 0
	case pyast.ConstString, pyast.ConstBytes:
		return c.Str != ""
	}
	return false
}

// hasLoopExit reports whether body contains a break or return that exits
// the enclosing loop. Nested loops and definitions are not searched, since
// their exits do not leave this loop.
func hasLoopExit(body []pyast.Stmt) bool {
	found := false
	for _, s := range body {
		pyast.Inspect(s, func(n pyast.Node) bool {
			if found {
				return false
			}
			switch n.(type) {
			case *pyast.Break, *pyast.Return:
				found = true
				return false
			case *pyast.While, *pyast.For, *pyast.FunctionDef, *pyast.ClassDef, *pyast.Lambda:
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func isLargeAllocFactor(e pyast.Expr) bool {
	switch v := e.(type) {
	case *pyast.Constant:
		return v.Kind == pyast.ConstNumber && v.IsInt && v.Num > allocFactorLimit
	case *pyast.BinOp:
		if v.Op != "**" {
			return false
		}
		exp, ok := v.Right.(*pyast.Constant)
		return ok && exp.Kind == pyast.ConstNumber && exp.IsInt && exp.Num > allocExponentLimit
	}
	return false
}

// foldSize evaluates the constant part of a multiplication chain: numbers
// count as their value, string and sequence literals as their length, and
// ** folds when both operands are numbers. Operands that cannot be folded
// count as 1. It reports false when nothing in e folds.
func foldSize(e pyast.Expr) (float64, bool) {
	switch v := e.(type) {
	case *pyast.Constant:
		switch v.Kind {
		case pyast.ConstNumber:
			return v.Num, true
		case pyast.ConstString, pyast.ConstBytes:
			return float64(len(v.Str)), true
		}
	case *pyast.List:
		return float64(len(v.Elts)), true
	case *pyast.Tuple:
		return float64(len(v.Elts)), true
	case *pyast.BinOp:
		switch v.Op {
		case "*":
			l, lok := foldSize(v.Left)
			r, rok := foldSize(v.Right)
			switch {
			case lok && rok:
				return l * r, true
			case lok:
				return l, true
			case rok:
				return r, true
			}
		case "**":
			base, bok := v.Left.(*pyast.Constant)
			exp, eok := v.Right.(*pyast.Constant)
			if bok && eok && base.Kind == pyast.ConstNumber && exp.Kind == pyast.ConstNumber {
				return math.Pow(base.Num, exp.Num), true
			}
		}
	}
	return 0, false
}

func stringConst(e pyast.Expr) (string, bool) {
	c, ok := e.(*pyast.Constant)
	if !ok || c.Kind != pyast.ConstString {
		return "", false
	}
	return c.Str, true
}

// callURL returns the first string argument mentioning http, or the url=
// keyword.
func callURL(call *pyast.Call) (string, bool) {
	for _, arg := range call.Args {
		if s, ok := stringConst(arg); ok && strings.Contains(s, "http") {
			return s, true
		}
	}
	for _, kw := range call.Keywords {
		if kw.Arg == "url" {
			if s, ok := stringConst(kw.Value); ok {
				return s, true
			}
		}
	}
	return "", false
}

// urlHostPort returns the lowercased host and the port of raw. A string
// that does not parse as an absolute URL yields an empty host.
func urlHostPort(raw string) (string, string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", ""
	}
	return strings.ToLower(u.Hostname()), u.Port()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

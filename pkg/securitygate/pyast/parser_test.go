package pyast

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T Node](n Node) []T {
	var out []T
	Inspect(n, func(n Node) bool {
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
		return true
	})
	return out
}

func TestTokenize_IndentDedent(t *testing.T) {
	toks, err := Tokenize("if x:\n    y = 1\n\n    # comment\nz = 2\n")
	require.NoError(t, err)

	var kinds []TokenKind
	for _, tk := range toks {
		kinds = append(kinds, tk.Kind)
	}
	assert.Equal(t, []TokenKind{
		NAME, NAME, OP, NEWLINE,
		INDENT, NAME, OP, NUMBER, NEWLINE,
		DEDENT, NAME, OP, NUMBER, NEWLINE,
		EOF,
	}, kinds)
}

func TestTokenize_Strings(t *testing.T) {
	toks, err := Tokenize(`a = r"\d" + b'x' + """multi
line""" + 'it\'s'`)
	require.NoError(t, err)

	var strs []Token
	for _, tk := range toks {
		if tk.Kind == STRING {
			strs = append(strs, tk)
		}
	}
	require.Len(t, strs, 4)
	assert.Equal(t, `\d`, strs[0].Value)
	assert.Equal(t, "r", strs[0].Prefix)
	assert.Equal(t, "b", strs[1].Prefix)
	assert.Equal(t, "multi\nline", strs[2].Value)
	assert.Equal(t, "it's", strs[3].Value)
}

func TestTokenize_Errors(t *testing.T) {
	_, err := Tokenize("x = 'open")
	assert.Error(t, err)

	_, err = Tokenize("if x:\n        a\n    b\n")
	assert.Error(t, err)

	_, err = Tokenize("x = `y`")
	assert.Error(t, err)
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		lit   string
		value float64
		isInt bool
	}{
		{"10", 10, true},
		{"1_000_000", 1e6, true},
		{"0x10", 16, true},
		{"0o17", 15, true},
		{"0b101", 5, true},
		{"1.5", 1.5, false},
		{"1e13", 1e13, false},
		{"3j", 3, false},
	}
	for _, tc := range cases {
		v, isInt, err := ParseNumber(tc.lit)
		require.NoError(t, err, tc.lit)
		assert.Equal(t, tc.value, v, tc.lit)
		assert.Equal(t, tc.isInt, isInt, tc.lit)
	}
}

func TestParse_Imports(t *testing.T) {
	mod, err := Parse("import os, sys as s\nfrom os.path import join\nfrom . import sibling\n")
	require.NoError(t, err)
	require.Len(t, mod.Body, 3)

	imp := mod.Body[0].(*Import)
	assert.Equal(t, []Alias{{Name: "os"}, {Name: "sys", AsName: "s"}}, imp.Names)

	from := mod.Body[1].(*ImportFrom)
	assert.Equal(t, "os.path", from.Module)
	assert.Equal(t, 0, from.Level)

	rel := mod.Body[2].(*ImportFrom)
	assert.Equal(t, 1, rel.Level)
	assert.Equal(t, "", rel.Module)
}

func TestParse_CallsAndAttributes(t *testing.T) {
	mod, err := Parse(`bpy.ops.wm.quit_blender()
requests.get("http://localhost:22000/x", headers={"X-Vibe-Token": tok})
`)
	require.NoError(t, err)

	calls := collect[*Call](mod)
	require.Len(t, calls, 2)
	assert.Equal(t, "bpy.ops.wm.quit_blender", DottedName(calls[0].Func))
	assert.Equal(t, "get", CalleeName(calls[1]))
	require.Len(t, calls[1].Keywords, 1)
	assert.Equal(t, "headers", calls[1].Keywords[0].Arg)
	d, ok := calls[1].Keywords[0].Value.(*Dict)
	require.True(t, ok)
	assert.Equal(t, "X-Vibe-Token", d.Keys[0].(*Constant).Str)
}

func TestParse_CompoundStatements(t *testing.T) {
	src := `
@decorator(arg=1)
def f(a, b: int = 2, *args, key=None, **kw) -> int:
    while True:
        if a:
            break
        elif b:
            continue
        else:
            pass
    for i, (x, y) in enumerate(pairs):
        total += x ** 2
    try:
        risky()
    except (ValueError, KeyError) as e:
        raise RuntimeError("bad") from e
    else:
        ok = 1
    finally:
        done = True
    with open(path) as fh, lock:
        data = fh.read()
    return [v for v in data if v] or {k: v for k, v in kw.items()}

class Thing(Base, metaclass=Meta):
    x: int = 3
    async def run(self):
        async for item in stream():
            await item
        lam = lambda q, r=1: q + r
        return (yield)
`
	mod, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, mod.Body, 2)

	fn := mod.Body[0].(*FunctionDef)
	assert.Equal(t, "f", fn.Name)
	assert.Len(t, fn.Decorators, 1)
	assert.Equal(t, []string{"a", "b", "args", "key", "kw"}, fn.Args.Names)

	cls := mod.Body[1].(*ClassDef)
	assert.Equal(t, "Thing", cls.Name)
	assert.Len(t, cls.Bases, 1)
	assert.Len(t, cls.Keywords, 1)

	assert.Len(t, collect[*While](mod), 1)
	assert.Len(t, collect[*Break](mod), 1)
	assert.Len(t, collect[*Comp](mod), 2)
	assert.Len(t, collect[*Lambda](mod), 1)
	assert.Len(t, collect[*Await](mod), 1)
}

func TestParse_Expressions(t *testing.T) {
	mod, err := Parse("x = -2 ** 3 * 10**9 if not a in b else c[1:2, ::3]\n")
	require.NoError(t, err)

	assign := mod.Body[0].(*Assign)
	ifexp, ok := assign.Value.(*IfExp)
	require.True(t, ok)

	_, ok = ifexp.Test.(*UnaryOp)
	assert.True(t, ok, "not binds looser than in")

	mul, ok := ifexp.Body.(*BinOp)
	require.True(t, ok)
	assert.Equal(t, "*", mul.Op)
	pow, ok := mul.Right.(*BinOp)
	require.True(t, ok)
	assert.Equal(t, "**", pow.Op)

	sub := ifexp.Orelse.(*Subscript)
	tup := sub.Index.(*Tuple)
	assert.Len(t, tup.Elts, 2)
}

func TestParse_FStringFieldsAreParsed(t *testing.T) {
	mod, err := Parse(`msg = f"{__import__('os').system('id')!r:>{width}} and {{literal}}"` + "\n")
	require.NoError(t, err)

	js := collect[*JoinedStr](mod)
	require.Len(t, js, 1)
	assert.Len(t, js[0].Values, 2)

	calls := collect[*Call](mod)
	var names []string
	for _, c := range calls {
		names = append(names, CalleeName(c))
	}
	assert.Contains(t, names, "__import__")
	assert.Contains(t, names, "system")
}

func TestParse_SyntaxErrors(t *testing.T) {
	for _, src := range []string{
		"def f(:\n",
		"x = = 1\n",
		"if x\n    y\n",
		"try:\n    x\n",
		"  indented = 1\n",
		"x = f'{}'\n",
	} {
		_, err := Parse(src)
		var se *SyntaxError
		assert.ErrorAs(t, err, &se, src)
	}
}

func TestParse_DepthLimit(t *testing.T) {
	src := "x = " + strings.Repeat("(", 500) + "1" + strings.Repeat(")", 500) + "\n"
	_, err := Parse(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too deeply nested")
}

func TestParse_SemicolonsAndContinuations(t *testing.T) {
	mod, err := Parse("import os; os.system('x')\ny = (1 +\n     2)\nz = 1 + \\\n    2\n")
	require.NoError(t, err)
	assert.Len(t, mod.Body, 4)
}

package pyast

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	EOF TokenKind = iota
	NEWLINE
	INDENT
	DEDENT
	NAME
	NUMBER
	STRING
	OP
)

var kindNames = [...]string{"EOF", "NEWLINE", "INDENT", "DEDENT", "NAME", "NUMBER", "STRING", "OP"}

func (k TokenKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "TokenKind(" + strconv.Itoa(int(k)) + ")"
}

// Token is one lexical token. For STRING tokens Value holds the decoded
// content, Raw the undecoded body and Prefix the lower-cased prefix.
type Token struct {
	Kind   TokenKind
	Value  string
	Raw    string
	Prefix string
	Pos    Pos
}

// SyntaxError reports a lexing or parsing failure.
type SyntaxError struct {
	Pos Pos
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s", e.Pos.Line, e.Pos.Col, e.Msg)
}

// Longest operators first.
var operators = []string{
	"**=", "//=", ">>=", "<<=", "...",
	"->", ":=", "**", "//", ">>", "<<", "<=", ">=", "==", "!=",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
	"+", "-", "*", "/", "%", "@", "&", "|", "^", "~", "<", ">",
	"(", ")", "[", "]", "{", "}", ",", ":", ".", ";", "=",
}

type lexer struct {
	src       string
	off       int
	line      int
	lineStart int
	depth     int
	indents   []int
	bol       bool
	toks      []Token
}

// Tokenize splits Python source into tokens, synthesizing INDENT, DEDENT
// and NEWLINE tokens the way the CPython tokenizer does.
func Tokenize(src string) ([]Token, error) {
	lx := &lexer{src: src, line: 1, indents: []int{0}, bol: true}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) pos() Pos { return Pos{Line: lx.line, Col: lx.off - lx.lineStart + 1} }

func (lx *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Pos: lx.pos(), Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) emit(kind TokenKind, value string, p Pos) {
	lx.toks = append(lx.toks, Token{Kind: kind, Value: value, Pos: p})
}

func (lx *lexer) lastKind() TokenKind {
	if len(lx.toks) == 0 {
		return NEWLINE
	}
	return lx.toks[len(lx.toks)-1].Kind
}

func (lx *lexer) newline() {
	lx.line++
	lx.lineStart = lx.off
}

func (lx *lexer) run() error {
	for {
		if lx.bol && lx.depth == 0 {
			done, err := lx.indentation()
			if err != nil {
				return err
			}
			if done {
				break
			}
			continue
		}
		if lx.off >= len(lx.src) {
			break
		}
		c := lx.src[lx.off]
		switch {
		case c >= 0x80:
			return lx.errorf("non-ASCII character")
		case c == ' ' || c == '\t' || c == '\f':
			lx.off++
		case c == '#':
			for lx.off < len(lx.src) && lx.src[lx.off] != '\n' && lx.src[lx.off] != '\r' {
				lx.off++
			}
		case c == '\\':
			lx.off++
			if lx.off < len(lx.src) && lx.src[lx.off] == '\r' {
				lx.off++
			}
			if lx.off >= len(lx.src) || lx.src[lx.off] != '\n' {
				return lx.errorf("unexpected character after line continuation")
			}
			lx.off++
			lx.newline()
		case c == '\n' || c == '\r':
			p := lx.pos()
			lx.off++
			if c == '\r' && lx.off < len(lx.src) && lx.src[lx.off] == '\n' {
				lx.off++
			}
			lx.newline()
			if lx.depth == 0 {
				if k := lx.lastKind(); k != NEWLINE && k != INDENT && k != DEDENT {
					lx.emit(NEWLINE, "", p)
				}
				lx.bol = true
			}
		case isIdentStart(c):
			if err := lx.identOrString(); err != nil {
				return err
			}
		case isDigit(c) || (c == '.' && lx.off+1 < len(lx.src) && isDigit(lx.src[lx.off+1])):
			if err := lx.number(); err != nil {
				return err
			}
		case c == '\'' || c == '"':
			if err := lx.str(""); err != nil {
				return err
			}
		default:
			if err := lx.operator(); err != nil {
				return err
			}
		}
	}
	p := lx.pos()
	if k := lx.lastKind(); k != NEWLINE && k != INDENT && k != DEDENT {
		lx.emit(NEWLINE, "", p)
	}
	for len(lx.indents) > 1 {
		lx.indents = lx.indents[:len(lx.indents)-1]
		lx.emit(DEDENT, "", p)
	}
	lx.emit(EOF, "", p)
	return nil
}

// indentation measures leading whitespace at the beginning of a logical
// line. Blank and comment-only lines are consumed without effect.
func (lx *lexer) indentation() (eof bool, err error) {
	width := 0
scan:
	for lx.off < len(lx.src) {
		switch lx.src[lx.off] {
		case ' ':
			width++
		case '\t':
			width = (width/8 + 1) * 8
		case '\f':
			width = 0
		default:
			break scan
		}
		lx.off++
	}
	if lx.off >= len(lx.src) {
		return true, nil
	}
	switch lx.src[lx.off] {
	case '#':
		for lx.off < len(lx.src) && lx.src[lx.off] != '\n' && lx.src[lx.off] != '\r' {
			lx.off++
		}
		return false, nil
	case '\n', '\r':
		c := lx.src[lx.off]
		lx.off++
		if c == '\r' && lx.off < len(lx.src) && lx.src[lx.off] == '\n' {
			lx.off++
		}
		lx.newline()
		return false, nil
	}

	lx.bol = false
	p := lx.pos()
	top := lx.indents[len(lx.indents)-1]
	switch {
	case width > top:
		lx.indents = append(lx.indents, width)
		lx.emit(INDENT, "", p)
	case width < top:
		for width < lx.indents[len(lx.indents)-1] {
			lx.indents = lx.indents[:len(lx.indents)-1]
			lx.emit(DEDENT, "", p)
		}
		if width != lx.indents[len(lx.indents)-1] {
			return false, lx.errorf("unindent does not match any outer indentation level")
		}
	}
	return false, nil
}

func (lx *lexer) identOrString() error {
	start := lx.off
	p := lx.pos()
	for lx.off < len(lx.src) && isIdentPart(lx.src[lx.off]) {
		lx.off++
	}
	word := lx.src[start:lx.off]
	if lx.off < len(lx.src) && (lx.src[lx.off] == '\'' || lx.src[lx.off] == '"') && isStringPrefix(word) {
		return lx.strAt(strings.ToLower(word), p)
	}
	lx.emit(NAME, word, p)
	return nil
}

func isStringPrefix(w string) bool {
	switch strings.ToLower(w) {
	case "r", "u", "b", "f", "br", "rb", "fr", "rf":
		return true
	}
	return false
}

func (lx *lexer) str(prefix string) error {
	return lx.strAt(prefix, lx.pos())
}

func (lx *lexer) strAt(prefix string, p Pos) error {
	q := lx.src[lx.off]
	triple := strings.HasPrefix(lx.src[lx.off:], strings.Repeat(string(q), 3))
	if triple {
		lx.off += 3
	} else {
		lx.off++
	}
	start := lx.off
	for {
		if lx.off >= len(lx.src) {
			return &SyntaxError{Pos: p, Msg: "unterminated string literal"}
		}
		c := lx.src[lx.off]
		if c >= 0x80 {
			return lx.errorf("non-ASCII character")
		}
		if c == '\\' {
			lx.off++
			if lx.off < len(lx.src) {
				if lx.src[lx.off] == '\n' {
					lx.off++
					lx.newline()
				} else {
					lx.off++
				}
			}
			continue
		}
		if c == q {
			if !triple {
				break
			}
			if strings.HasPrefix(lx.src[lx.off:], strings.Repeat(string(q), 3)) {
				break
			}
		}
		if c == '\n' || c == '\r' {
			if !triple {
				return &SyntaxError{Pos: p, Msg: "unterminated string literal"}
			}
			lx.off++
			if c == '\r' && lx.off < len(lx.src) && lx.src[lx.off] == '\n' {
				lx.off++
			}
			lx.newline()
			continue
		}
		lx.off++
	}
	body := lx.src[start:lx.off]
	if triple {
		lx.off += 3
	} else {
		lx.off++
	}
	value := body
	if !strings.Contains(prefix, "r") {
		value = unescape(body)
	}
	lx.toks = append(lx.toks, Token{Kind: STRING, Value: value, Raw: body, Prefix: prefix, Pos: p})
	return nil
}

// unescape decodes the common backslash escapes. Unknown escapes are kept
// verbatim as CPython does.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
					continue
				}
			}
			b.WriteString(`\x`)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 16)
			b.WriteRune(rune(v))
			i = j - 1
		case 'u', 'U':
			n := 4
			if e == 'U' {
				n = 8
			}
			if i+n < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+1+n], 16, 32); err == nil {
					b.WriteRune(rune(v))
					i += n
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(e)
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String()
}

func (lx *lexer) number() error {
	p := lx.pos()
	start := lx.off
	src := lx.src
	if src[lx.off] == '0' && lx.off+1 < len(src) && strings.ContainsRune("xXoObB", rune(src[lx.off+1])) {
		lx.off += 2
		for lx.off < len(src) && (isHexDigit(src[lx.off]) || src[lx.off] == '_') {
			lx.off++
		}
	} else {
		lx.digits()
		if lx.off < len(src) && src[lx.off] == '.' {
			lx.off++
			lx.digits()
		}
		if lx.off < len(src) && (src[lx.off] == 'e' || src[lx.off] == 'E') {
			lx.off++
			if lx.off < len(src) && (src[lx.off] == '+' || src[lx.off] == '-') {
				lx.off++
			}
			if lx.off >= len(src) || !isDigit(src[lx.off]) {
				return lx.errorf("invalid decimal literal")
			}
			lx.digits()
		}
		if lx.off < len(src) && (src[lx.off] == 'j' || src[lx.off] == 'J') {
			lx.off++
		}
	}
	if lx.off < len(src) && isIdentStart(src[lx.off]) {
		return lx.errorf("invalid number literal")
	}
	lx.emit(NUMBER, src[start:lx.off], p)
	return nil
}

func (lx *lexer) digits() {
	for lx.off < len(lx.src) && (isDigit(lx.src[lx.off]) || lx.src[lx.off] == '_') {
		lx.off++
	}
}

func (lx *lexer) operator() error {
	rest := lx.src[lx.off:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			p := lx.pos()
			lx.off += len(op)
			switch op {
			case "(", "[", "{":
				lx.depth++
			case ")", "]", "}":
				if lx.depth > 0 {
					lx.depth--
				}
			}
			lx.emit(OP, op, p)
			return nil
		}
	}
	return lx.errorf("invalid character %q", rest[0])
}

// ParseNumber converts a Python numeric literal into a float64 magnitude.
// isInt is false for floats and imaginary literals.
func ParseNumber(lit string) (value float64, isInt bool, err error) {
	s := strings.ReplaceAll(lit, "_", "")
	lower := strings.ToLower(s)
	if strings.HasSuffix(lower, "j") {
		v, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil && !isRangeErr(err) {
			return 0, false, err
		}
		return v, false, nil
	}
	if len(lower) > 1 && lower[0] == '0' && strings.ContainsRune("xob", rune(lower[1])) {
		n, ok := new(big.Int).SetString(lower, 0)
		if !ok {
			return 0, false, fmt.Errorf("invalid integer literal %q", lit)
		}
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true, nil
	}
	isInt = !strings.ContainsAny(lower, ".e")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && !isRangeErr(err) {
		return 0, false, err
	}
	return v, isInt, nil
}

func isRangeErr(err error) bool { return errors.Is(err, strconv.ErrRange) }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

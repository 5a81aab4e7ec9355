package query

import (
	"fmt"
	"strings"
)

type tokenKind uint8

const (
	tEOF tokenKind = iota
	tIdent
	tString
	tNumber
	tOp
	tLParen
	tRParen
	tAnd
	tOr
)

var tokenNames = [...]string{
	tEOF:    "end of input",
	tIdent:  "field name",
	tString: "string literal",
	tNumber: "number",
	tOp:     "operator",
	tLParen: "'('",
	tRParen: "')'",
	tAnd:    "AND",
	tOr:     "OR",
}

func (k tokenKind) String() string {
	return tokenNames[k]
}

type token struct {
	kind tokenKind
	text string // raw text; unquoted value for strings
	op   Op
	pos  int
}

type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d in %q: %s", e.Pos, e.Input, e.Msg)
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Input: l.input, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	s := l.input
	for l.pos < len(s) && isSpace(s[l.pos]) {
		l.pos++
	}
	start := l.pos
	if start >= len(s) {
		return token{kind: tEOF, pos: start}, nil
	}

	c := s[start]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tRParen, text: ")", pos: start}, nil
	case c == '=':
		l.pos++
		return token{kind: tOp, op: OpEq, text: "=", pos: start}, nil
	case c == '<' || c == '>':
		l.pos++
		op := OpLt
		if c == '>' {
			op = OpGt
		}
		if l.pos < len(s) && s[l.pos] == '=' {
			l.pos++
			if op == OpLt {
				op = OpLe
			} else {
				op = OpGe
			}
		}
		return token{kind: tOp, op: op, text: s[start:l.pos], pos: start}, nil
	case c == '\'':
		return l.lexString()
	case isDigit(c) || c == '-' || c == '+' || c == '.':
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(s) && isIdentPart(s[l.pos]) {
			l.pos++
		}
		word := s[start:l.pos]
		switch {
		case strings.EqualFold(word, "and"):
			return token{kind: tAnd, text: word, pos: start}, nil
		case strings.EqualFold(word, "or"):
			return token{kind: tOr, text: word, pos: start}, nil
		}
		return token{kind: tIdent, text: word, pos: start}, nil
	default:
		return token{}, l.errorf(start, "unexpected character %q", c)
	}
}

func (l *lexer) lexString() (token, error) {
	s := l.input
	start := l.pos
	l.pos++ // opening quote
	var buf strings.Builder
	for {
		i := strings.IndexByte(s[l.pos:], '\'')
		if i < 0 {
			return token{}, l.errorf(start, "unterminated string literal")
		}
		buf.WriteString(s[l.pos : l.pos+i])
		l.pos += i + 1
		if l.pos < len(s) && s[l.pos] == '\'' {
			buf.WriteByte('\'')
			l.pos++
			continue
		}
		return token{kind: tString, text: buf.String(), pos: start}, nil
	}
}

func (l *lexer) lexNumber() (token, error) {
	s := l.input
	start := l.pos
	if s[l.pos] == '-' || s[l.pos] == '+' {
		l.pos++
	}
	digits := 0
	for l.pos < len(s) && isDigit(s[l.pos]) {
		l.pos++
		digits++
	}
	if l.pos < len(s) && s[l.pos] == '.' {
		l.pos++
		for l.pos < len(s) && isDigit(s[l.pos]) {
			l.pos++
			digits++
		}
	}
	if digits == 0 {
		return token{}, l.errorf(start, "malformed number")
	}
	if l.pos < len(s) && (s[l.pos] == 'e' || s[l.pos] == 'E') {
		l.pos++
		if l.pos < len(s) && (s[l.pos] == '-' || s[l.pos] == '+') {
			l.pos++
		}
		expDigits := 0
		for l.pos < len(s) && isDigit(s[l.pos]) {
			l.pos++
			expDigits++
		}
		if expDigits == 0 {
			return token{}, l.errorf(start, "malformed exponent")
		}
	}
	if l.pos < len(s) && (isIdentPart(s[l.pos]) || s[l.pos] == '.') {
		return token{}, l.errorf(start, "malformed number")
	}
	return token{kind: tNumber, text: s[start:l.pos], pos: start}, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

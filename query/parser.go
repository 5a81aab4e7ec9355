package query

import (
	"errors"
	"strconv"
	"strings"
)

// Parse parses a predicate. Errors are always *SyntaxError.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &SyntaxError{Input: input, Msg: "empty predicate"}
	}
	p := &parser{lex: lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tEOF {
		return nil, p.unexpected("AND, OR or end of input")
	}
	return e, nil
}

// MustParse is like Parse but panics on error.
func MustParse(input string) Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	lex   lexer
	tok   token
	depth int
}

const maxDepth = 100

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) unexpected(wanted string) error {
	got := p.tok.kind.String()
	if p.tok.kind != tEOF && p.tok.kind != tString {
		got += " " + strconv.Quote(p.tok.text)
	}
	return p.lex.errorf(p.tok.pos, "expected %s, got %s", wanted, got)
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (Expr, error) {
	if p.tok.kind == tLParen {
		pos := p.tok.pos
		p.depth++
		if p.depth > maxDepth {
			return nil, p.lex.errorf(pos, "too deeply nested")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tRParen {
			return nil, p.unexpected("')'")
		}
		p.depth--
		if err := p.advance(); err != nil {
			return nil, err
		}
		return e, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if p.tok.kind != tIdent {
		return nil, p.unexpected("field name")
	}
	c := &Compare{Field: p.tok.text, Pos: p.tok.pos}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.tok.kind != tOp {
		return nil, p.unexpected("comparison operator")
	}
	c.Op = p.tok.op
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch p.tok.kind {
	case tString:
		c.Value = Literal{Kind: String, Str: p.tok.text, Text: p.tok.text}
	case tNumber:
		lit, err := parseNumber(p.tok.text)
		if err != nil {
			return nil, p.lex.errorf(p.tok.pos, "%v", err)
		}
		c.Value = lit
	default:
		return nil, p.unexpected("literal")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseNumber(text string) (Literal, error) {
	lit := Literal{Text: text}
	if !strings.ContainsAny(text, ".eE") {
		v, err := strconv.ParseInt(text, 10, 64)
		if err == nil {
			lit.Kind, lit.Int = Int, v
			return lit, nil
		}
		if !strings.HasPrefix(text, "-") {
			u, uerr := strconv.ParseUint(strings.TrimPrefix(text, "+"), 10, 64)
			if uerr == nil {
				lit.Kind, lit.Uint = Uint, u
				return lit, nil
			}
		}
		if !errors.Is(err, strconv.ErrRange) {
			return Literal{}, err
		}
		// out of every integer range: fall back to float
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return Literal{}, err
	}
	lit.Kind, lit.Float = Float, f
	return lit, nil
}
